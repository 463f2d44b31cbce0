package cache

import (
	"net/url"
	"path"
	"strings"

	"github.com/tathmini/tathmini/core"
)

// Bucket is a named partition of the cache with its own strategy and
// eviction limits.
type Bucket string

const (
	BucketStatic   Bucket = "static"
	BucketAPI      Bucket = "api"
	BucketImage    Bucket = "image"
	BucketFont     Bucket = "font"
	BucketDocument Bucket = "document"
	BucketRuntime  Bucket = "runtime"
	BucketOther    Bucket = "other"
)

// Buckets lists the cacheable buckets, i.e. those with configured limits.
// Document navigations are cached under the runtime bucket.
var Buckets = []Bucket{BucketStatic, BucketAPI, BucketImage, BucketFont, BucketRuntime}

var (
	staticExts = map[string]struct{}{
		".js": {}, ".css": {}, ".map": {}, ".wasm": {}, ".txt": {}, ".webmanifest": {},
	}
	imageExts = map[string]struct{}{
		".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".webp": {}, ".ico": {}, ".avif": {},
	}
	fontExts = map[string]struct{}{
		".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	}
)

// Classify assigns an intercepted request to exactly one bucket, by URL
// pattern first and Accept header second.
func Classify(req core.Request) Bucket {
	u, err := url.Parse(req.URL)
	if err != nil {
		return BucketOther
	}
	ext := strings.ToLower(path.Ext(u.Path))

	if _, ok := fontExts[ext]; ok {
		return BucketFont
	}
	if _, ok := imageExts[ext]; ok {
		return BucketImage
	}
	if _, ok := staticExts[ext]; ok {
		return BucketStatic
	}
	if strings.HasPrefix(u.Path, "/api/") || strings.HasPrefix(u.Path, "/v1/") {
		return BucketAPI
	}
	if req.IsNavigation() {
		return BucketDocument
	}
	return BucketOther
}

// storageBucket maps a classification to the bucket its entries live in.
func storageBucket(b Bucket) Bucket {
	if b == BucketDocument {
		return BucketRuntime
	}
	return b
}
