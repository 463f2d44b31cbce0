package tests

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt"
	"github.com/pkg/errors"

	. "github.com/tathmini/tathmini/apps/agent/echo"
	"github.com/tathmini/tathmini/core"
	"github.com/tathmini/tathmini/core/cache"
	"github.com/tathmini/tathmini/core/conflict"
	"github.com/tathmini/tathmini/core/session"
	"github.com/tathmini/tathmini/core/syncq"
	broadcastsvc "github.com/tathmini/tathmini/services/broadcast"
	netsvc "github.com/tathmini/tathmini/services/network"
	inmemstore "github.com/tathmini/tathmini/storage/store/inmem"
)

// upstream simulates the remote API the agent proxies and syncs against.
type upstream struct {
	mu        sync.Mutex
	calls     int
	down      bool
	responses map[string]core.Response // keyed by "METHOD /path"
}

func newUpstream() *upstream {
	return &upstream{responses: make(map[string]core.Response)}
}

func (u *upstream) serve(method, path, contentType string, body []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	header := http.Header{}
	header.Set("Content-Type", contentType)
	u.responses[method+" "+path] = core.Response{Status: http.StatusOK, Header: header, Body: body}
}

func (u *upstream) setDown(down bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.down = down
}

func (u *upstream) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func (u *upstream) Do(_ context.Context, req core.Request) (core.Response, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.down {
		return core.Response{}, errors.New("connection refused")
	}
	path := req.URL
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if resp, ok := u.responses[method+" "+path]; ok {
		return resp, nil
	}
	return core.Response{Status: http.StatusNotFound}, nil
}

// backendStub is an offline-aware session.Backend double; the agent's
// session manager must work with or without it answering.
type backendStub struct {
	mu   sync.Mutex
	down bool
}

func (b *backendStub) setDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

func (b *backendStub) offline() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.down
}

func (b *backendStub) GetSession(context.Context, string, string) (session.Snapshot, bool, error) {
	if b.offline() {
		return session.Snapshot{}, false, errors.New("upstream unreachable")
	}
	return session.Snapshot{}, false, nil
}

func (b *backendStub) SaveProgress(context.Context, session.Snapshot) error {
	if b.offline() {
		return errors.New("upstream unreachable")
	}
	return nil
}

func (b *backendStub) Submit(context.Context, session.Snapshot, syncq.DeviceInfo) error {
	if b.offline() {
		return errors.New("upstream unreachable")
	}
	return nil
}

type fixture struct {
	app      Server
	conf     *core.Config
	upstream *upstream
	backend  *backendStub
	store    core.KVStore
	cache    *cache.Service
	queue    *syncq.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()

	conf := &core.Config{}
	conf.TestMode = true
	conf.SecretKey = "test-secret"
	conf.Upstream.NetworkTimeout = 50 * time.Millisecond
	conf.Session.AutosaveInterval = time.Minute
	conf.Session.Timeout = 30 * time.Minute
	conf.Cache = map[string]core.BucketLimits{
		"static":  {MaxAge: time.Hour, MaxEntries: 50},
		"api":     {MaxAge: time.Hour, MaxEntries: 50},
		"image":   {MaxAge: time.Hour, MaxEntries: 50},
		"font":    {MaxAge: time.Hour, MaxEntries: 50},
		"runtime": {MaxAge: time.Hour, MaxEntries: 50},
	}

	store, err := inmemstore.Open()
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	logger := nopLogger()
	up := newUpstream()
	backend := &backendStub{}

	registry := conflict.NewRegistry(logger)
	hub := broadcastsvc.NewHub()
	queue := syncq.NewService(store, netsvc.NewSyncRemote(up, logger), registry, hub, logger)
	cacheSvc := cache.NewService(store, up, cache.NewMetrics(), conf, logger)

	validate := validator.New()
	translator := newTranslator()
	core.InitValidators(validate, translator)

	app := NewServer(ServerDeps{
		Conf:       conf,
		Logger:     logger,
		Store:      store,
		Fetcher:    up,
		Cache:      cacheSvc,
		Queue:      queue,
		Conflicts:  registry,
		Backend:    backend,
		Hub:        hub,
		Validate:   validate,
		Translator: translator,
	})

	return &fixture{
		app:      app,
		conf:     conf,
		upstream: up,
		backend:  backend,
		store:    store,
		cache:    cacheSvc,
		queue:    queue,
	}
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	claims := &Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		},
		Username: userID,
	}
	token, err := GenerateToken(claims, f.conf)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	return token
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func nopLogger() core.Logger {
	return noopLogger{log.New(io.Discard, "", 0)}
}

type noopLogger struct{ std *log.Logger }

func (noopLogger) Enable(bool)                      {}
func (noopLogger) Debug(string, ...interface{})     {}
func (noopLogger) Info(string, ...interface{})      {}
func (noopLogger) Warn(string, ...interface{})      {}
func (noopLogger) Error(string, ...interface{})     {}
func (l noopLogger) Fatal(msg string, _ ...interface{}) { l.std.Fatal(msg) }

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}
