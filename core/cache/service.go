package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tathmini/tathmini/core"
)

// Source tells the caller where a response came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Outcome is the result of running one request through a caching strategy.
// Failure handling is a value: strategies never return an error, they
// degrade to cached or synthetic responses.
type Outcome struct {
	Source   Source
	Response core.Response
}

type Service struct {
	store   core.KVStore
	fetcher core.Fetcher
	metrics *Metrics
	conf    *core.Config
	logger  core.Logger
}

func NewService(store core.KVStore, fetcher core.Fetcher, metrics *Metrics, conf *core.Config, logger core.Logger) *Service {
	return &Service{
		store:   store,
		fetcher: fetcher,
		metrics: metrics,
		conf:    conf,
		logger:  logger,
	}
}

// Metrics exposes the instance counters to callers that need to read them.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Handle classifies the request into exactly one bucket and applies the
// associated strategy.
func (s *Service) Handle(ctx context.Context, req core.Request) Outcome {
	bucket := Classify(req)
	switch bucket {
	case BucketStatic, BucketFont:
		return s.cacheFirst(ctx, req, bucket)
	case BucketAPI:
		return s.networkFirst(ctx, req)
	case BucketImage:
		return s.imageNegotiate(ctx, req)
	case BucketDocument, BucketRuntime:
		return s.staleWhileRevalidate(ctx, req, storageBucket(bucket))
	default:
		return s.passthrough(ctx, req)
	}
}

// cacheFirst returns the cached entry if present, otherwise fetches and
// stores. Static assets and fonts rarely change under a given URL.
func (s *Service) cacheFirst(ctx context.Context, req core.Request, bucket Bucket) Outcome {
	key := CacheKey(req.URL)
	if entry, ok := s.lookup(ctx, bucket, key); ok {
		s.metrics.Hit(bucket)
		return Outcome{Source: SourceCache, Response: entry.Response()}
	}
	s.metrics.Miss(bucket)

	resp, err := s.fetcher.Do(ctx, req)
	if err == nil && resp.OK() {
		s.put(ctx, bucket, key, resp)
		return Outcome{Source: SourceNetwork, Response: resp}
	}
	return s.fallback(ctx, req, err)
}

// networkFirst races the network against the configured deadline; on
// timeout or failure it falls back to the cached entry, else a 503.
func (s *Service) networkFirst(ctx context.Context, req core.Request) Outcome {
	key := CacheKey(req.URL)

	fctx, cancel := context.WithTimeout(ctx, s.conf.Upstream.NetworkTimeout)
	defer cancel()

	resp, err := s.fetcher.Do(fctx, req)
	if err == nil && resp.OK() {
		s.put(ctx, BucketAPI, key, resp)
		return Outcome{Source: SourceNetwork, Response: resp}
	}

	if entry, ok := s.lookup(ctx, BucketAPI, key); ok {
		s.metrics.Hit(BucketAPI)
		return Outcome{Source: SourceCache, Response: entry.Response()}
	}
	s.metrics.Miss(BucketAPI)
	return s.fallback(ctx, req, err)
}

// staleWhileRevalidate returns the cached entry immediately while refreshing
// it in the background; navigations with no cache fall back to the reserved
// offline document.
func (s *Service) staleWhileRevalidate(ctx context.Context, req core.Request, bucket Bucket) Outcome {
	key := CacheKey(req.URL)
	if entry, ok := s.lookup(ctx, bucket, key); ok {
		s.metrics.Hit(bucket)
		go s.revalidate(req, bucket, key)
		return Outcome{Source: SourceCache, Response: entry.Response()}
	}
	s.metrics.Miss(bucket)

	resp, err := s.fetcher.Do(ctx, req)
	if err == nil && resp.OK() {
		s.put(ctx, bucket, key, resp)
		return Outcome{Source: SourceNetwork, Response: resp}
	}
	return s.fallback(ctx, req, err)
}

// revalidate refreshes one entry outside the request lifecycle. Failures
// only get logged; the stale entry stays.
func (s *Service) revalidate(req core.Request, bucket Bucket, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.Upstream.NetworkTimeout)
	defer cancel()

	resp, err := s.fetcher.Do(ctx, req)
	if err != nil || !resp.OK() {
		if s.logger != nil && err != nil {
			s.logger.Debug(fmt.Sprintf("cache: revalidate %s failed: %v", key, err))
		}
		return
	}
	s.put(ctx, bucket, key, resp)
}

// imageNegotiate serves images cache-first; when the client advertises webp
// support and the cache misses, the webp sibling URL is tried first, silently
// falling back to the original extension.
func (s *Service) imageNegotiate(ctx context.Context, req core.Request) Outcome {
	wantsWebP := strings.Contains(req.Accept, "image/webp")

	candidates := []core.Request{req}
	if webpReq, ok := webpSibling(req); ok && wantsWebP {
		candidates = []core.Request{webpReq, req}
	}

	for _, cand := range candidates {
		if entry, ok := s.lookup(ctx, BucketImage, CacheKey(cand.URL)); ok {
			s.metrics.Hit(BucketImage)
			return Outcome{Source: SourceCache, Response: entry.Response()}
		}
	}
	s.metrics.Miss(BucketImage)

	var lastErr error
	for _, cand := range candidates {
		resp, err := s.fetcher.Do(ctx, cand)
		if err == nil && resp.OK() {
			s.put(ctx, BucketImage, CacheKey(cand.URL), resp)
			return Outcome{Source: SourceNetwork, Response: resp}
		}
		lastErr = err
	}
	return s.fallback(ctx, req, lastErr)
}

// passthrough forwards uncacheable requests, still shielding the caller
// from raw network errors.
func (s *Service) passthrough(ctx context.Context, req core.Request) Outcome {
	resp, err := s.fetcher.Do(ctx, req)
	if err != nil {
		return s.fallback(ctx, req, err)
	}
	return Outcome{Source: SourceNetwork, Response: resp}
}

// PreloadOffline stores the reserved offline document in the runtime bucket.
func (s *Service) PreloadOffline(ctx context.Context, doc []byte) error {
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	return s.putEntry(ctx, BucketRuntime, OfflineDocumentKey, core.Response{
		Status: http.StatusOK,
		Header: header,
		Body:   doc,
	})
}

// Preload fetches and caches a set of URLs into their classified buckets,
// e.g. the app shell at install time.
func (s *Service) Preload(ctx context.Context, urls ...string) {
	for _, u := range urls {
		req := core.Request{Method: http.MethodGet, URL: u}
		bucket := storageBucket(Classify(req))
		resp, err := s.fetcher.Do(ctx, req)
		if err != nil || !resp.OK() {
			if s.logger != nil {
				s.logger.Warn(fmt.Sprintf("cache: preload %s failed", u), err)
			}
			continue
		}
		s.put(ctx, bucket, CacheKey(u), resp)
	}
}

// Stats returns the diagnostics snapshot: counters plus live entry counts.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	hits, misses, evictions := s.metrics.snapshot()
	stats := Stats{
		Hits:      hits,
		Misses:    misses,
		Evictions: evictions,
		Entries:   make(map[string]int),
	}

	keys, err := s.store.Keys(ctx, core.CacheCollection)
	if err != nil {
		return Stats{}, errors.Wrap(err, "listing cache keys")
	}
	for _, sk := range keys {
		bucket, _, ok := splitStorageKey(sk)
		if !ok {
			continue
		}
		stats.Entries[string(bucket)]++
		stats.TotalEntries++
	}
	return stats, nil
}

// Evict runs a full age+count eviction pass over every bucket. It is also
// invoked as the cleanup reaction to storage failures.
func (s *Service) Evict(ctx context.Context) error {
	keys, err := s.store.Keys(ctx, core.CacheCollection)
	if err != nil {
		return errors.Wrap(err, "listing cache keys")
	}
	byBucket := make(map[Bucket][]string)
	for _, sk := range keys {
		bucket, _, ok := splitStorageKey(sk)
		if !ok {
			continue
		}
		byBucket[bucket] = append(byBucket[bucket], sk)
	}
	for bucket, bucketKeys := range byBucket {
		s.evictBucket(ctx, bucket, bucketKeys)
	}
	return nil
}

// evictBucket removes expired entries, then the oldest entries past the
// bucket's max count.
func (s *Service) evictBucket(ctx context.Context, bucket Bucket, storageKeys []string) {
	limits := s.conf.Cache[string(bucket)]

	type aged struct {
		sk       string
		storedAt time.Time
	}
	var live []aged
	var evicted int

	for _, sk := range storageKeys {
		raw, err := s.store.Get(ctx, core.CacheCollection, sk)
		if err != nil {
			continue
		}
		var entry Entry
		if err = json.Unmarshal(raw, &entry); err != nil || entry.expired(limits.MaxAge) {
			if delErr := s.store.Delete(ctx, core.CacheCollection, sk); delErr == nil {
				evicted++
			}
			continue
		}
		live = append(live, aged{sk: sk, storedAt: entry.StoredAt})
	}

	if limits.MaxEntries > 0 && len(live) > limits.MaxEntries {
		sort.Slice(live, func(i, j int) bool { return live[i].storedAt.Before(live[j].storedAt) })
		for _, victim := range live[:len(live)-limits.MaxEntries] {
			if err := s.store.Delete(ctx, core.CacheCollection, victim.sk); err == nil {
				evicted++
			}
		}
	}
	if evicted > 0 {
		s.metrics.Evicted(bucket, evicted)
	}
}

// lookup returns the live cached entry for (bucket, key), deleting it on
// the way out if it has aged past the bucket's max age.
func (s *Service) lookup(ctx context.Context, bucket Bucket, key string) (Entry, bool) {
	raw, err := s.store.Get(ctx, core.CacheCollection, storageKey(bucket, key))
	if err != nil {
		if err != core.ErrKeyNotFound && s.logger != nil {
			s.logger.Warn(fmt.Sprintf("cache: reading %s/%s", bucket, key), err)
		}
		return Entry{}, false
	}
	var entry Entry
	if err = json.Unmarshal(raw, &entry); err != nil {
		_ = s.store.Delete(ctx, core.CacheCollection, storageKey(bucket, key))
		return Entry{}, false
	}
	if entry.expired(s.conf.Cache[string(bucket)].MaxAge) {
		_ = s.store.Delete(ctx, core.CacheCollection, storageKey(bucket, key))
		return Entry{}, false
	}
	return entry, true
}

func (s *Service) put(ctx context.Context, bucket Bucket, key string, resp core.Response) {
	if err := s.putEntry(ctx, bucket, key, resp); err != nil {
		if s.logger != nil {
			s.logger.Error(fmt.Sprintf("cache: storing %s/%s", bucket, key), err)
		}
		// storage failure: shed weight and move on, never fatal
		if err = s.Evict(ctx); err != nil && s.logger != nil {
			s.logger.Error("cache: eviction pass failed", err)
		}
		return
	}
	s.evictCount(ctx, bucket)
}

func (s *Service) putEntry(ctx context.Context, bucket Bucket, key string, resp core.Response) error {
	entry := Entry{
		Key:      key,
		Bucket:   bucket,
		Status:   resp.Status,
		Header:   resp.Header,
		Payload:  resp.Body,
		StoredAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshalling cache entry")
	}
	return s.store.Put(ctx, core.CacheCollection, storageKey(bucket, key), raw)
}

// evictCount enforces only the bucket's max-entries bound after a write.
func (s *Service) evictCount(ctx context.Context, bucket Bucket) {
	keys, err := s.store.Keys(ctx, core.CacheCollection)
	if err != nil {
		return
	}
	var bucketKeys []string
	prefix := string(bucket) + keySep
	for _, sk := range keys {
		if strings.HasPrefix(sk, prefix) {
			bucketKeys = append(bucketKeys, sk)
		}
	}
	if limits := s.conf.Cache[string(bucket)]; limits.MaxEntries > 0 && len(bucketKeys) > limits.MaxEntries {
		s.evictBucket(ctx, bucket, bucketKeys)
	}
}

// fallback converts a total failure into the offline contract: the reserved
// offline document for navigations, a 503 JSON body otherwise.
func (s *Service) fallback(ctx context.Context, req core.Request, cause error) Outcome {
	if req.IsNavigation() {
		if entry, ok := s.lookup(ctx, BucketRuntime, OfflineDocumentKey); ok {
			return Outcome{Source: SourceFallback, Response: entry.Response()}
		}
	}

	msg := "You appear to be offline. Please try again."
	if cause != nil && s.logger != nil {
		s.logger.Debug(fmt.Sprintf("cache: falling back for %s: %v", req.URL, cause))
	}
	body, _ := json.Marshal(map[string]interface{}{
		"error":     "Offline",
		"message":   msg,
		"timestamp": time.Now().UnixMilli(),
	})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return Outcome{
		Source: SourceFallback,
		Response: core.Response{
			Status: http.StatusServiceUnavailable,
			Header: header,
			Body:   body,
		},
	}
}

// webpSibling rewrites the request URL to its .webp variant, when the URL
// carries a rewritable image extension.
func webpSibling(req core.Request) (core.Request, bool) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return core.Request{}, false
	}
	ext := strings.ToLower(pathExt(u.Path))
	switch ext {
	case ".png", ".jpg", ".jpeg":
	default:
		return core.Request{}, false
	}
	u.Path = u.Path[:len(u.Path)-len(ext)] + ".webp"
	sibling := req
	sibling.URL = u.String()
	return sibling, true
}

func pathExt(p string) string {
	for i := len(p) - 1; i >= 0 && p[i] != '/'; i-- {
		if p[i] == '.' {
			return p[i:]
		}
	}
	return ""
}
