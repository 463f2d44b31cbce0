package netsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/tathmini/tathmini/core"
	"github.com/tathmini/tathmini/core/syncq"
)

// SyncRemote maps queued mutations onto the upstream's HTTP surface.
type SyncRemote struct {
	fetcher core.Fetcher
	logger  core.Logger
}

var _ syncq.Remote = (*SyncRemote)(nil)

func NewSyncRemote(fetcher core.Fetcher, logger core.Logger) *SyncRemote {
	return &SyncRemote{fetcher: fetcher, logger: logger}
}

// FetchState loads current server state for the mutation's natural key.
// Result refreshes have none: they are fire-and-forget requests.
func (r *SyncRemote) FetchState(ctx context.Context, m syncq.PendingMutation) (map[string]interface{}, time.Time, bool, error) {
	path, ok, err := r.statePath(m)
	if err != nil || !ok {
		return nil, time.Time{}, false, err
	}

	resp, err := r.fetcher.Do(ctx, core.Request{Method: http.MethodGet, URL: path, Accept: "application/json"})
	if err != nil {
		return nil, time.Time{}, false, errors.Wrapf(err, "fetching state for mutation %s", m.ID)
	}
	if resp.Status == http.StatusNotFound {
		return nil, time.Time{}, false, nil
	}
	if !resp.OK() {
		return nil, time.Time{}, false, errors.Errorf("fetching state for mutation %s: status %d", m.ID, resp.Status)
	}

	var state map[string]interface{}
	if err = json.Unmarshal(resp.Body, &state); err != nil {
		return nil, time.Time{}, false, errors.Wrapf(err, "decoding state for mutation %s", m.ID)
	}
	return state, serverTime(state, resp), true, nil
}

func (r *SyncRemote) Submit(ctx context.Context, m syncq.PendingMutation, payload map[string]interface{}) error {
	method, path, err := r.submitPath(m)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "marshalling resolved payload for mutation %s", m.ID)
	}

	resp, err := r.fetcher.Do(ctx, core.Request{Method: method, URL: path, Accept: "application/json", Body: body})
	if err != nil {
		return errors.Wrapf(err, "submitting mutation %s", m.ID)
	}
	if resp.Status == http.StatusConflict {
		return core.NewConflictError(fmt.Sprintf("mutation %s already applied", m.ID))
	}
	if !resp.OK() {
		return errors.Errorf("submitting mutation %s: status %d", m.ID, resp.Status)
	}
	return nil
}

func (r *SyncRemote) statePath(m syncq.PendingMutation) (string, bool, error) {
	switch m.Kind {
	case core.KindTestSubmission:
		p, err := m.Submission()
		if err != nil {
			return "", false, err
		}
		return "/api/sessions/" + p.SessionID, true, nil
	case core.KindProfileUpdate:
		p, err := m.Profile()
		if err != nil {
			return "", false, err
		}
		return "/api/profiles/" + p.ProfileID, true, nil
	default:
		return "", false, nil
	}
}

func (r *SyncRemote) submitPath(m syncq.PendingMutation) (method, path string, err error) {
	switch m.Kind {
	case core.KindTestSubmission:
		p, err := m.Submission()
		if err != nil {
			return "", "", err
		}
		if p.Final {
			return http.MethodPost, "/api/sessions/" + p.SessionID + "/submit", nil
		}
		return http.MethodPatch, "/api/sessions/" + p.SessionID + "/progress", nil
	case core.KindProfileUpdate:
		p, err := m.Profile()
		if err != nil {
			return "", "", err
		}
		return http.MethodPatch, "/api/profiles/" + p.ProfileID, nil
	case core.KindResultRefresh:
		return http.MethodPost, "/api/results/refresh", nil
	default:
		return "", "", errors.Errorf("no submit endpoint for kind %q", m.Kind)
	}
}

// serverTime prefers the entity's own updated_at, falling back to the
// response Date header.
func serverTime(state map[string]interface{}, resp core.Response) time.Time {
	if raw, ok := state["updated_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	if ts, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
		return ts
	}
	return time.Now().UTC()
}
