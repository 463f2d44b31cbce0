package netsvc

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tathmini/tathmini/core"
)

// TokenSource supplies the bearer token the mobile shell obtained at login.
// Token issuance is not this core's business; it only forwards the token.
type TokenSource func() string

// HTTPFetcher is the production core.Fetcher: it resolves relative URLs
// against the configured upstream and attaches the shell's bearer token.
type HTTPFetcher struct {
	client *http.Client
	conf   *core.Config
	token  TokenSource
}

var _ core.Fetcher = (*HTTPFetcher)(nil)

func NewHTTPFetcher(conf *core.Config, token TokenSource) *HTTPFetcher {
	return &HTTPFetcher{
		// per-call deadlines come from the caller's context; this is the
		// absolute ceiling
		client: &http.Client{Timeout: 30 * time.Second},
		conf:   conf,
		token:  token,
	}
}

func (f *HTTPFetcher) Do(ctx context.Context, req core.Request) (core.Response, error) {
	target := req.URL
	if strings.HasPrefix(target, "/") {
		target = f.conf.Upstream.BaseURL + target
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return core.Response{}, errors.Wrapf(err, "building request %s %s", method, target)
	}
	if req.Accept != "" {
		httpReq.Header.Set("Accept", req.Accept)
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if f.token != nil {
		if token := f.token(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		return core.Response{}, errors.Wrapf(err, "fetching %s %s", method, target)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return core.Response{}, errors.Wrapf(err, "reading response body for %s", target)
	}
	return core.Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   respBody,
	}, nil
}
