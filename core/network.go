package core

import (
	"context"
	"net/http"
)

type (
	// Request is one intercepted network operation, reduced to what the
	// caching and sync layers need.
	Request struct {
		Method string
		URL    string // absolute, upstream-resolved
		Accept string
		Mode   string // "navigate" for full-page navigations
		Body   []byte
	}

	Response struct {
		Status int
		Header http.Header
		Body   []byte
	}

	// Fetcher performs a network operation against the upstream. It is the
	// only component allowed to touch the wire.
	Fetcher interface {
		Do(ctx context.Context, req Request) (Response, error)
	}
)

// IsNavigation reports whether the request is a full-page navigation.
func (r Request) IsNavigation() bool {
	return r.Mode == "navigate" || (r.Method == http.MethodGet && r.Accept != "" &&
		(r.Accept == "text/html" || len(r.Accept) > 9 && r.Accept[:9] == "text/html"))
}

// OK reports whether the response status is in the 2xx range.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}
