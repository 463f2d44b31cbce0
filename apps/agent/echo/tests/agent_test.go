package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tathmini/tathmini/core"
	"github.com/tathmini/tathmini/core/session"
)

func Test_home(t *testing.T) {
	f := setup(t)

	req, rec := newRequest(http.MethodGet, "/")
	f.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "running")
}

func Test_syncApi_authRequired(t *testing.T) {
	f := setup(t)

	req, rec := newRequest(http.MethodGet, "/v1/sync/pending")
	f.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing or malformed jwt")
}

func Test_proxyApi_cacheFirstAsset(t *testing.T) {
	f := setup(t)
	f.upstream.serve(http.MethodGet, "/assets/app.js", "application/javascript", []byte("console.log(1)"))

	req, rec := newRequest(http.MethodGet, "/proxy/assets/app.js")
	f.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get("X-Tathmini-Source"))

	req, rec = newRequest(http.MethodGet, "/proxy/assets/app.js")
	f.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get("X-Tathmini-Source"))
	assert.Equal(t, "console.log(1)", rec.Body.String())
	assert.Equal(t, 1, f.upstream.callCount())
}

func Test_proxyApi_offlineNavigationServesOfflineDoc(t *testing.T) {
	f := setup(t)

	doc := []byte("<html><body>You are offline</body></html>")
	if err := f.cache.PreloadOffline(context.Background(), doc); err != nil {
		t.Fatalf("preloading offline doc: %v", err)
	}
	f.upstream.setDown(true)

	req, rec := newRequest(http.MethodGet, "/proxy/dashboard")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	f.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fallback", rec.Header().Get("X-Tathmini-Source"))
	assert.Equal(t, string(doc), rec.Body.String())
}

func Test_proxyApi_offlineAPIRequestReturns503(t *testing.T) {
	f := setup(t)
	f.upstream.setDown(true)

	req, rec := newRequest(http.MethodGet, "/proxy/api/results")
	f.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Offline")
}

func Test_proxyApi_offlineProfileUpdateQueued(t *testing.T) {
	f := setup(t)
	f.upstream.setDown(true)

	req, rec := newAuthRequest(http.MethodPatch, "/proxy/api/profiles/p1", f.token(t, "student1"),
		[]byte(`{"display_name":"Amina"}`))
	f.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queued":true`)

	pending, err := f.queue.GetPending(context.Background(), core.KindProfileUpdate)
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if assert.Len(t, pending, 1) {
		assert.Equal(t, "student1", pending[0].UserID)
		profile, err := pending[0].Profile()
		assert.NoError(t, err)
		assert.Equal(t, "p1", profile.ProfileID)
		assert.Equal(t, "Amina", profile.Fields["display_name"])
	}
}

func Test_proxyApi_unknownOfflineMutationNotQueued(t *testing.T) {
	f := setup(t)
	f.upstream.setDown(true)

	req, rec := newRequest(http.MethodPost, "/proxy/api/comments", []byte(`{"text":"hi"}`))
	f.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Error     string `json:"error"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	assert.Equal(t, "Offline", body.Error)
	assert.NotZero(t, body.Timestamp)

	pending, err := f.queue.All(context.Background())
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	assert.Empty(t, pending)
}

func Test_sessionApi_flow(t *testing.T) {
	f := setup(t)
	token := f.token(t, "student1")

	// initialize
	req, rec := newAuthRequest(http.MethodPost, "/v1/session/t1/initialize", token,
		[]byte(`{"total_questions":5,"time_limit_sec":0}`))
	f.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var state struct {
		State    session.State    `json:"state"`
		Snapshot session.Snapshot `json:"snapshot"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("unmarshalling state: %v", err)
	}
	assert.Equal(t, session.StateActive, state.State)
	assert.Equal(t, "t1", state.Snapshot.TestID)
	assert.NotEmpty(t, state.Snapshot.SessionID)

	// answer a question
	req, rec = newAuthRequest(http.MethodPost, "/v1/session/t1/answers", token,
		[]byte(`{"question_id":"q1","value":"B","time_spent_ms":4200}`))
	f.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// navigate
	req, rec = newAuthRequest(http.MethodPost, "/v1/session/t1/navigate", token, []byte(`{"index":1}`))
	f.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// current state reflects the answer
	req, rec = newAuthRequest(http.MethodGet, "/v1/session/t1", token)
	f.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("unmarshalling state: %v", err)
	}
	if assert.Len(t, state.Snapshot.Answers, 1) {
		assert.Equal(t, "q1", state.Snapshot.Answers[0].QuestionID)
		assert.Equal(t, "B", state.Snapshot.Answers[0].Value)
	}
	assert.Equal(t, 1, state.Snapshot.CurrentQuestionIndex)
}

func Test_sessionApi_answerValidation(t *testing.T) {
	f := setup(t)
	token := f.token(t, "student1")

	req, rec := newAuthRequest(http.MethodPost, "/v1/session/t1/initialize", token,
		[]byte(`{"total_questions":5}`))
	f.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// missing value
	req, rec = newAuthRequest(http.MethodPost, "/v1/session/t1/answers", token,
		[]byte(`{"question_id":"q1"}`))
	f.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func Test_sessionApi_offlineSubmitQueued(t *testing.T) {
	f := setup(t)
	token := f.token(t, "student1")
	f.backend.setDown(true)

	req, rec := newAuthRequest(http.MethodPost, "/v1/session/t1/initialize", token,
		[]byte(`{"total_questions":2}`))
	f.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req, rec = newAuthRequest(http.MethodPost, "/v1/session/t1/answers", token,
		[]byte(`{"question_id":"q1","value":"A","time_spent_ms":1000}`))
	f.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req, rec = newAuthRequest(http.MethodPost, "/v1/session/t1/submit", token)
	f.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queued":true`)

	pending, err := f.queue.GetPending(context.Background(), core.KindTestSubmission)
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if assert.Len(t, pending, 1) {
		submission, err := pending[0].Submission()
		assert.NoError(t, err)
		assert.True(t, submission.Final)
		assert.Equal(t, "t1", submission.TestID)
		assert.Len(t, submission.Answers, 1)
	}

	// duplicate submit is answered idempotently
	req, rec = newAuthRequest(http.MethodPost, "/v1/session/t1/submit", token)
	f.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func Test_syncApi_drainDeliversQueued(t *testing.T) {
	f := setup(t)
	token := f.token(t, "student1")

	_, err := f.queue.Enqueue(context.Background(), core.KindResultRefresh, "student1",
		map[string]interface{}{"test_id": "t1"})
	if err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
	f.upstream.serve(http.MethodPost, "/api/results/refresh", "application/json", []byte(`{}`))

	req, rec := newAuthRequest(http.MethodPost, "/v1/sync", token)
	f.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	pending, err := f.queue.GetPending(context.Background(), core.KindResultRefresh)
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	assert.Empty(t, pending)

	// delivered mutations stay on record, marked synced
	all, err := f.queue.All(context.Background())
	if err != nil {
		t.Fatalf("listing all: %v", err)
	}
	if assert.Len(t, all, 1) {
		assert.True(t, all[0].Synced)
	}
}

func Test_syncApi_pendingFilterRejectsUnknownKind(t *testing.T) {
	f := setup(t)

	req, rec := newAuthRequest(http.MethodGet, "/v1/sync/pending?kind=bogus", f.token(t, "student1"))
	f.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func Test_syncApi_diagnostics(t *testing.T) {
	f := setup(t)
	f.upstream.serve(http.MethodGet, "/assets/app.js", "application/javascript", []byte("js"))

	req, rec := newRequest(http.MethodGet, "/proxy/assets/app.js")
	f.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req, rec = newAuthRequest(http.MethodGet, "/v1/diagnostics", f.token(t, "student1"))
	f.app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Cache struct {
			TotalEntries int `json:"total_entries"`
		} `json:"cache"`
		PendingMutations int `json:"pending_mutations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshalling diagnostics: %v", err)
	}
	assert.Equal(t, 1, body.Cache.TotalEntries)
	assert.Equal(t, 0, body.PendingMutations)
}
