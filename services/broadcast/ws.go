package broadcastsvc

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// ServeWS upgrades the request and streams hub events to one foreground
// listener until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// the agent only listens on loopback; the shell's webview origin
		// varies by platform
		InsecureSkipVerify: true,
	})
	if err != nil {
		return errors.Wrap(err, "accepting websocket")
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	events, cancel := h.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err = wsjson.Write(wctx, conn, evt)
			wcancel()
			if err != nil {
				// listener went away
				return nil
			}
		}
	}
}
