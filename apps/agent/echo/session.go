package echoagent

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tathmini/tathmini/core/session"
	"github.com/tathmini/tathmini/core/syncq"
)

type (
	sessionApi struct {
		deps ServerDeps

		mu       sync.Mutex
		managers map[string]*session.Manager
	}

	// InitializeRequest carries the test metadata the shell knows at launch.
	InitializeRequest struct {
		TotalQuestions int `json:"total_questions" validate:"required,gt=0"`
		TimeLimitSec   int `json:"time_limit_sec" validate:"gte=0"`
	}

	NavigateRequest struct {
		Index int `json:"index" validate:"gte=0"`
	}

	sessionStateResponse struct {
		State    session.State    `json:"state"`
		Snapshot session.Snapshot `json:"snapshot"`
	}

	submitResponse struct {
		Queued           bool `json:"queued"`
		AlreadySubmitted bool `json:"already_submitted"`
	}
)

func registerSessionAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := sessionApi{
		deps:     deps,
		managers: make(map[string]*session.Manager),
	}

	sg := g.Group("/session/:testID", jwt)
	sg.POST("/initialize", api.initialize)
	sg.GET("", api.retrieve)
	sg.POST("/answers", api.addAnswer)
	sg.POST("/navigate", api.navigate)
	sg.POST("/autosave", api.autosave)
	sg.POST("/pause", api.pause)
	sg.POST("/resume", api.resume)
	sg.POST("/submit", api.submit)
	sg.DELETE("", api.discard)
}

// manager returns the per-(user, test) attempt manager, creating it on first use.
func (api *sessionApi) manager(ctx echo.Context) (*session.Manager, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return nil, err
	}
	testID := ctx.Param("testID")
	key := claims.Subject + "|" + testID

	api.mu.Lock()
	defer api.mu.Unlock()
	if mgr, ok := api.managers[key]; ok {
		return mgr, nil
	}
	mgr := session.NewManager(
		api.deps.Store,
		api.deps.Backend,
		api.deps.Queue,
		api.deps.Conf,
		api.deps.Logger,
		deviceInfo(api.deps.Conf.Build),
	)
	api.managers[key] = mgr
	return mgr, nil
}

// Handlers

func (api *sessionApi) initialize(ctx echo.Context) error {
	var data InitializeRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to InitializeRequest")
	}
	if err := api.deps.Validate.Struct(data); err != nil {
		return err
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	mgr, err := api.manager(ctx)
	if err != nil {
		return err
	}

	snap, err := mgr.Initialize(
		ctx.Request().Context(),
		claims.Subject,
		ctx.Param("testID"),
		data.TotalQuestions,
		time.Duration(data.TimeLimitSec)*time.Second,
	)
	if err != nil {
		return errors.Wrap(err, "initializing session")
	}
	mgr.StartAutosave(context.Background())

	return ctx.JSON(http.StatusOK, sessionStateResponse{State: mgr.State(), Snapshot: snap})
}

func (api *sessionApi) retrieve(ctx echo.Context) error {
	mgr, err := api.manager(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, sessionStateResponse{State: mgr.State(), Snapshot: mgr.Snapshot()})
}

func (api *sessionApi) addAnswer(ctx echo.Context) error {
	var data session.Answer
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Answer")
	}
	if err := api.deps.Validate.Struct(data); err != nil {
		return err
	}

	mgr, err := api.manager(ctx)
	if err != nil {
		return err
	}
	if err = mgr.AddAnswer(data); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, sessionStateResponse{State: mgr.State(), Snapshot: mgr.Snapshot()})
}

func (api *sessionApi) navigate(ctx echo.Context) error {
	var data NavigateRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NavigateRequest")
	}

	mgr, err := api.manager(ctx)
	if err != nil {
		return err
	}
	if err = mgr.SetQuestionIndex(data.Index); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *sessionApi) autosave(ctx echo.Context) error {
	mgr, err := api.manager(ctx)
	if err != nil {
		return err
	}
	if err = mgr.Autosave(ctx.Request().Context()); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *sessionApi) pause(ctx echo.Context) error {
	mgr, err := api.manager(ctx)
	if err != nil {
		return err
	}
	if err = mgr.Pause(ctx.Request().Context()); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, sessionStateResponse{State: mgr.State(), Snapshot: mgr.Snapshot()})
}

func (api *sessionApi) resume(ctx echo.Context) error {
	mgr, err := api.manager(ctx)
	if err != nil {
		return err
	}
	if err = mgr.Resume(); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, sessionStateResponse{State: mgr.State(), Snapshot: mgr.Snapshot()})
}

func (api *sessionApi) submit(ctx echo.Context) error {
	mgr, err := api.manager(ctx)
	if err != nil {
		return err
	}
	res, err := mgr.Submit(ctx.Request().Context())
	if err != nil {
		return err
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	return ctx.JSON(status, submitResponse{Queued: res.Queued, AlreadySubmitted: res.AlreadySubmitted})
}

func (api *sessionApi) discard(ctx echo.Context) error {
	mgr, err := api.manager(ctx)
	if err != nil {
		return err
	}
	if err = mgr.Discard(ctx.Request().Context()); err != nil {
		return errors.Wrap(err, "discarding session")
	}
	mgr.Stop()
	return ctx.NoContent(http.StatusNoContent)
}

func deviceInfo(build string) syncq.DeviceInfo {
	return syncq.DeviceInfo{Platform: runtime.GOOS, AppBuild: build}
}
