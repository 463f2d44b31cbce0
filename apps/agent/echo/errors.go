package echoagent

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tathmini/tathmini/core"
	"github.com/tathmini/tathmini/core/session"
)

var (
	errUnauthorized = echo.NewHTTPError(http.StatusUnauthorized)

	httpErrToMsg = map[int]string{
		http.StatusNotFound:            "The requested resource was not found",
		http.StatusMethodNotAllowed:    "Method not allowed",
		http.StatusInternalServerError: "An internal error has occurred",
	}
)

type errorResponse struct {
	Error string `json:"error"`
}

// newAppHTTPErrorHandler maps application errors to HTTP responses.
// Unknown errors are logged and surfaced as opaque 500s; a shutdown
// error additionally asks the server to stop.
func newAppHTTPErrorHandler(logger core.Logger, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		if ctx.Response().Committed {
			return
		}

		var code int
		var res interface{}

		switch origErr := errors.Cause(err).(type) {
		case *echo.HTTPError:
			code = origErr.Code
			msg, ok := httpErrToMsg[code]
			if !ok {
				msg, _ = origErr.Message.(string)
			}
			res = errorResponse{Error: msg}
		case validator.ValidationErrors:
			code = http.StatusBadRequest
			res = errorResponse{Error: origErr.Error()}
		case *core.ValidationError:
			code = http.StatusBadRequest
			res = origErr
		default:
			switch {
			case core.IsConflict(origErr):
				code = http.StatusConflict
				res = errorResponse{Error: origErr.Error()}
			case core.IsExpired(origErr):
				code = http.StatusGone
				res = errorResponse{Error: origErr.Error()}
			case origErr == session.ErrNotInitialized,
				origErr == session.ErrNotActive,
				origErr == session.ErrIndexOutOfRange:
				code = http.StatusBadRequest
				res = errorResponse{Error: origErr.Error()}
			case origErr == core.ErrKeyNotFound:
				code = http.StatusNotFound
				res = errorResponse{Error: httpErrToMsg[http.StatusNotFound]}
			default:
				code = http.StatusInternalServerError
				res = errorResponse{Error: httpErrToMsg[code]}
				logger.Error(err.Error(), errors.WithStack(err), contextPerson(ctx))

				if core.IsShutdown(origErr) {
					defer signalShutdown()
				}
			}
		}

		var resErr error
		if ctx.Request().Method == http.MethodHead {
			resErr = ctx.NoContent(code)
		} else {
			resErr = ctx.JSON(code, res)
		}
		if resErr != nil {
			logger.Error("sending error response", errors.WithStack(resErr))
		}
	}
}
