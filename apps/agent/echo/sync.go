package echoagent

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tathmini/tathmini/core"
	"github.com/tathmini/tathmini/core/cache"
	"github.com/tathmini/tathmini/core/conflict"
	"github.com/tathmini/tathmini/core/syncq"
)

type (
	syncApi struct {
		deps ServerDeps
	}

	drainResponse struct {
		Results []syncq.DrainResult `json:"results"`
	}

	pendingResponse struct {
		Count     int                    `json:"count"`
		Mutations []syncq.PendingMutation `json:"mutations"`
	}

	conflictsResponse struct {
		Count   int               `json:"count"`
		Records []conflict.Record `json:"records"`
	}

	diagnosticsResponse struct {
		Cache            cache.Stats `json:"cache"`
		PendingMutations int         `json:"pending_mutations"`
		PendingConflicts int         `json:"pending_conflicts"`
	}
)

func registerSyncAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := syncApi{deps: deps}

	sg := g.Group("/sync", jwt)
	sg.POST("", api.drain)
	sg.GET("/pending", api.pending)
	sg.GET("/conflicts", api.conflicts)
	sg.DELETE("/conflicts/:id", api.discardConflict)

	g.GET("/diagnostics", api.diagnostics, jwt)
	g.GET("/events", api.events)
}

// Handlers

func (api *syncApi) drain(ctx echo.Context) error {
	results := api.deps.Queue.Drain(ctx.Request().Context(), "manual")
	return ctx.JSON(http.StatusOK, drainResponse{Results: results})
}

func (api *syncApi) pending(ctx echo.Context) error {
	var (
		mutations []syncq.PendingMutation
		err       error
	)
	if kind := core.Kind(ctx.QueryParam("kind")); kind != "" {
		if !kind.Valid() {
			return core.NewValidationError(nil, core.FieldError{Field: "kind", Error: "unknown mutation kind"})
		}
		mutations, err = api.deps.Queue.GetPending(ctx.Request().Context(), kind)
	} else {
		mutations, err = api.deps.Queue.All(ctx.Request().Context())
	}
	if err != nil {
		return errors.Wrap(err, "listing pending mutations")
	}
	return ctx.JSON(http.StatusOK, pendingResponse{Count: len(mutations), Mutations: mutations})
}

func (api *syncApi) conflicts(ctx echo.Context) error {
	records := api.deps.Conflicts.Pending()
	return ctx.JSON(http.StatusOK, conflictsResponse{Count: len(records), Records: records})
}

func (api *syncApi) discardConflict(ctx echo.Context) error {
	api.deps.Conflicts.Discard(ctx.Param("id"))
	return ctx.NoContent(http.StatusNoContent)
}

func (api *syncApi) diagnostics(ctx echo.Context) error {
	stats, err := api.deps.Cache.Stats(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "collecting cache stats")
	}
	pending, err := api.deps.Queue.All(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "listing pending mutations")
	}
	return ctx.JSON(http.StatusOK, diagnosticsResponse{
		Cache:            stats,
		PendingMutations: len(pending),
		PendingConflicts: len(api.deps.Conflicts.Pending()),
	})
}

// events upgrades to a websocket and streams sync events to the shell.
func (api *syncApi) events(ctx echo.Context) error {
	return api.deps.Hub.ServeWS(ctx.Response(), ctx.Request())
}
