package cache

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tathmini/tathmini/core"
)

// OfflineDocumentKey is the reserved runtime-bucket key holding the offline
// document served when a navigation fails with no cached page.
const OfflineDocumentKey = "/__offline__"

// Entry is one cached response. At most one live Entry exists per
// (bucket, key); a later write for the same key replaces the earlier one.
type Entry struct {
	Key      string      `json:"key"`
	Bucket   Bucket      `json:"bucket"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Payload  []byte      `json:"payload"`
	StoredAt time.Time   `json:"stored_at"`
}

func (e Entry) Response() core.Response {
	return core.Response{Status: e.Status, Header: e.Header, Body: e.Payload}
}

func (e Entry) expired(maxAge time.Duration) bool {
	return maxAge > 0 && time.Since(e.StoredAt) > maxAge
}

// CacheKey derives the request identity used as the cache key: the
// method-less URL stripped of its fragment, with query preserved.
func CacheKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	key := u.Path
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	if key == "" {
		key = "/"
	}
	return key
}

const keySep = "|"

// storageKey namespaces a cache key by bucket inside the cache collection.
func storageKey(b Bucket, key string) string {
	return string(b) + keySep + key
}

func splitStorageKey(sk string) (Bucket, string, bool) {
	i := strings.Index(sk, keySep)
	if i < 0 {
		return "", "", false
	}
	return Bucket(sk[:i]), sk[i+1:], true
}
