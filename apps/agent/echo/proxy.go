package echoagent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tathmini/tathmini/core"
	"github.com/tathmini/tathmini/core/cache"
	"github.com/tathmini/tathmini/core/syncq"
)

// headers forwarded back to the webview from cached or live responses.
var forwardedHeaders = []string{
	echo.HeaderContentType,
	"Cache-Control",
	"ETag",
	"Last-Modified",
}

const sourceHeader = "X-Tathmini-Source"

type proxyApi struct {
	deps ServerDeps
}

// registerProxyAPI mounts the caching proxy at /proxy/*; every asset and
// API call the shell's webview makes is rewritten to go through it.
func registerProxyAPI(app *echo.Echo, deps ServerDeps) {
	api := proxyApi{deps: deps}
	app.Any("/proxy/*", api.handle)
}

func (api *proxyApi) handle(ctx echo.Context) error {
	r := ctx.Request()

	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return errors.Wrap(err, "reading proxied request body")
		}
		body = b
	}

	req := core.Request{
		Method: r.Method,
		URL:    upstreamURL(ctx),
		Accept: r.Header.Get(echo.HeaderAccept),
		Mode:   r.Header.Get("Sec-Fetch-Mode"),
		Body:   body,
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		outcome := api.deps.Cache.Handle(r.Context(), req)
		return writeOutcome(ctx, outcome)
	default:
		return api.forwardMutation(ctx, req)
	}
}

// forwardMutation sends a write straight upstream; when the network is down
// the known write shapes are captured as pending mutations instead of being
// dropped.
func (api *proxyApi) forwardMutation(ctx echo.Context, req core.Request) error {
	reqCtx, cancel := context.WithTimeout(ctx.Request().Context(), api.deps.Conf.Upstream.NetworkTimeout)
	defer cancel()

	resp, err := api.deps.Fetcher.Do(reqCtx, req)
	if err == nil {
		return writeResponse(ctx, resp, "network")
	}

	kind, payload, ok := classifyMutation(req)
	if !ok {
		return ctx.JSON(http.StatusServiceUnavailable, offlineBody())
	}

	userID := api.bearerSubject(ctx)
	if _, qErr := api.deps.Queue.Enqueue(ctx.Request().Context(), kind, userID, payload); qErr != nil {
		return errors.Wrap(qErr, "queueing offline mutation")
	}
	api.deps.Logger.Info("mutation queued for replay: " + req.Method + " " + req.URL)

	return ctx.JSON(http.StatusAccepted, map[string]interface{}{
		"queued": true,
		"kind":   kind,
	})
}

// classifyMutation maps a failed upstream write onto a replayable mutation
// kind. Unknown shapes are not queued; replaying arbitrary writes blind
// would be worse than failing fast.
func classifyMutation(req core.Request) (core.Kind, interface{}, bool) {
	path := pathOf(req.URL)

	if id, ok := trimPattern(path, "/api/profiles/"); ok {
		var fields map[string]interface{}
		if err := json.Unmarshal(req.Body, &fields); err != nil {
			return "", nil, false
		}
		return core.KindProfileUpdate, syncq.ProfilePayload{
			ProfileID: id,
			Fields:    fields,
			UpdatedAt: time.Now().UTC(),
		}, true
	}

	if path == "/api/results/refresh" {
		var payload syncq.ResultRefreshPayload
		if len(req.Body) > 0 {
			if err := json.Unmarshal(req.Body, &payload); err != nil {
				return "", nil, false
			}
		}
		return core.KindResultRefresh, payload, true
	}

	return "", nil, false
}

// bearerSubject best-effort extracts the user ID from the Authorization
// header; proxied asset requests are unauthenticated so an empty subject
// is fine.
func (api *proxyApi) bearerSubject(ctx echo.Context) string {
	auth := ctx.Request().Header.Get(echo.HeaderAuthorization)
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	claims := new(Claims)
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(api.deps.Conf.SecretKey), nil
	})
	if err != nil {
		return ""
	}
	return claims.Subject
}

func writeOutcome(ctx echo.Context, outcome cache.Outcome) error {
	return writeResponse(ctx, outcome.Response, string(outcome.Source))
}

func writeResponse(ctx echo.Context, resp core.Response, source string) error {
	header := ctx.Response().Header()
	for _, h := range forwardedHeaders {
		if v := resp.Header.Get(h); v != "" {
			header.Set(h, v)
		}
	}
	header.Set(sourceHeader, source)

	contentType := resp.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return ctx.Blob(resp.Status, contentType, resp.Body)
}

// upstreamURL strips the /proxy prefix, keeping path and query for the
// fetcher to resolve against the upstream base URL.
func upstreamURL(ctx echo.Context) string {
	r := ctx.Request()
	path := strings.TrimPrefix(r.URL.Path, "/proxy")
	if path == "" {
		path = "/"
	}
	if q := r.URL.RawQuery; q != "" {
		return path + "?" + q
	}
	return path
}

func pathOf(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

func trimPattern(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

func offlineBody() map[string]interface{} {
	return map[string]interface{}{
		"error":     "Offline",
		"message":   "This action requires a network connection",
		"timestamp": time.Now().UnixMilli(),
	}
}
