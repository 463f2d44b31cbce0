package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tathmini/tathmini/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	conf := &core.Config{}
	conf.Store.Path = filepath.Join(t.TempDir(), "tathmini.db")

	store, err := Open(conf)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRoundtrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, core.CacheCollection, "missing"); err != core.ErrKeyNotFound {
		t.Errorf("Get(missing) error = %v; want ErrKeyNotFound", err)
	}

	if err := store.Put(ctx, core.CacheCollection, "k1", []byte("v1")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	got, err := store.Get(ctx, core.CacheCollection, "k1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Get() = %q; want %q", got, "v1")
	}

	// upsert replaces
	if err = store.Put(ctx, core.CacheCollection, "k1", []byte("v2")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if got, _ = store.Get(ctx, core.CacheCollection, "k1"); string(got) != "v2" {
		t.Errorf("Get() after upsert = %q; want %q", got, "v2")
	}

	if err = store.Delete(ctx, core.CacheCollection, "k1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err = store.Get(ctx, core.CacheCollection, "k1"); err != core.ErrKeyNotFound {
		t.Errorf("Get() after delete error = %v; want ErrKeyNotFound", err)
	}
}

func TestStoreCollectionsIsolated(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, core.CacheCollection, "shared", []byte("cached")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := store.Put(ctx, core.MutationCollection, "shared", []byte("queued")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := store.Put(ctx, core.MutationCollection, "extra", []byte("queued2")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := store.Get(ctx, core.CacheCollection, "shared")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got) != "cached" {
		t.Errorf("Get() = %q; want %q", got, "cached")
	}

	keys, err := store.Keys(ctx, core.MutationCollection)
	if err != nil {
		t.Fatalf("Keys() failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Keys() = %v; want 2 keys", keys)
	}

	keys, err = store.Keys(ctx, core.SessionCollection)
	if err != nil {
		t.Fatalf("Keys() failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Keys(empty collection) = %v; want none", keys)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	conf := &core.Config{}
	conf.Store.Path = filepath.Join(t.TempDir(), "tathmini.db")
	ctx := context.Background()

	store, err := Open(conf)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err = store.Put(ctx, core.SessionCollection, "u1|t1", []byte(`{"session_id":"s1"}`)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err = store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened, err := Open(conf)
	if err != nil {
		t.Fatalf("reopening failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, core.SessionCollection, "u1|t1")
	if err != nil {
		t.Fatalf("Get() after reopen failed: %v", err)
	}
	if string(got) != `{"session_id":"s1"}` {
		t.Errorf("Get() after reopen = %q", got)
	}
}
