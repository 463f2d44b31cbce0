package sqlitestore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/tathmini/tathmini/core"
)

// Store is the disk-backed core.KVStore: one sqlite database on the device,
// shared by the UI and background contexts. Writes are record-level
// upserts; there is no cross-record transaction surface.
type Store struct {
	db *sqlx.DB
}

var _ core.KVStore = (*Store)(nil)

type record struct {
	Collection string    `db:"collection"`
	Key        string    `db:"key"`
	Value      []byte    `db:"value"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func Open(conf *core.Config) (*Store, error) {
	db, err := sqlx.Connect("sqlite", conf.Store.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite store")
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn between the two contexts.
	db.SetMaxOpenConns(1)

	if err = Migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for maintenance tooling (migrations, vacuum).
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var rec record
	err := s.db.GetContext(ctx, &rec,
		`SELECT collection, key, value, updated_at FROM records WHERE collection = ? AND key = ?`,
		collection, key,
	)
	if err == sql.ErrNoRows {
		return nil, core.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s/%s", collection, key)
	}
	return rec.Value, nil
}

func (s *Store) Put(ctx context.Context, collection, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		collection, key, value, time.Now().UTC(),
	)
	return errors.Wrapf(err, "writing %s/%s", collection, key)
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND key = ?`, collection, key)
	return errors.Wrapf(err, "deleting %s/%s", collection, key)
}

func (s *Store) Keys(ctx context.Context, collection string) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys,
		`SELECT key FROM records WHERE collection = ?`, collection)
	return keys, errors.Wrapf(err, "listing %s keys", collection)
}
