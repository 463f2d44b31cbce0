package netsvc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/tathmini/tathmini/core"
	"github.com/tathmini/tathmini/core/session"
	"github.com/tathmini/tathmini/core/syncq"
)

// SessionBackend is the HTTP rendition of the session network surface.
type SessionBackend struct {
	fetcher core.Fetcher
}

var _ session.Backend = (*SessionBackend)(nil)

func NewSessionBackend(fetcher core.Fetcher) *SessionBackend {
	return &SessionBackend{fetcher: fetcher}
}

func (b *SessionBackend) GetSession(ctx context.Context, userID, testID string) (session.Snapshot, bool, error) {
	resp, err := b.fetcher.Do(ctx, core.Request{
		Method: http.MethodGet,
		URL:    "/api/tests/" + testID + "/session",
		Accept: "application/json",
	})
	if err != nil {
		return session.Snapshot{}, false, errors.Wrapf(err, "fetching session for test %s", testID)
	}
	if resp.Status == http.StatusNotFound || resp.Status == http.StatusNoContent {
		return session.Snapshot{}, false, nil
	}
	if !resp.OK() {
		return session.Snapshot{}, false, errors.Errorf("fetching session for test %s: status %d", testID, resp.Status)
	}

	var snap session.Snapshot
	if err = json.Unmarshal(resp.Body, &snap); err != nil {
		return session.Snapshot{}, false, errors.Wrap(err, "decoding session snapshot")
	}
	if snap.UserID != "" && snap.UserID != userID {
		return session.Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (b *SessionBackend) SaveProgress(ctx context.Context, snap session.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshalling session snapshot")
	}
	resp, err := b.fetcher.Do(ctx, core.Request{
		Method: http.MethodPatch,
		URL:    "/api/sessions/" + snap.SessionID + "/progress",
		Accept: "application/json",
		Body:   body,
	})
	if err != nil {
		return errors.Wrapf(err, "saving progress for session %s", snap.SessionID)
	}
	if !resp.OK() {
		return errors.Errorf("saving progress for session %s: status %d", snap.SessionID, resp.Status)
	}
	return nil
}

func (b *SessionBackend) Submit(ctx context.Context, snap session.Snapshot, device syncq.DeviceInfo) error {
	body, err := json.Marshal(snap.SubmissionPayload(true, device))
	if err != nil {
		return errors.Wrap(err, "marshalling submission")
	}
	resp, err := b.fetcher.Do(ctx, core.Request{
		Method: http.MethodPost,
		URL:    "/api/sessions/" + snap.SessionID + "/submit",
		Accept: "application/json",
		Body:   body,
	})
	if err != nil {
		return errors.Wrapf(err, "submitting session %s", snap.SessionID)
	}
	if resp.Status == http.StatusConflict {
		return core.NewConflictError("test already submitted")
	}
	if !resp.OK() {
		return errors.Errorf("submitting session %s: status %d", snap.SessionID, resp.Status)
	}
	return nil
}
