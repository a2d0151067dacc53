package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type dialect struct {
	driver string
	blob   string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var (
	sqliteDialect   = dialect{driver: "sqlite", blob: "BLOB"}
	postgresDialect = dialect{driver: "postgres", blob: "BYTEA", numbered: true}
)

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const recordColumns = `id, cache_key, payload, expires_at, cache_type, priority, size_bytes, hit_count, last_hit_at`

type sqlStore struct {
	db *sql.DB
	d  dialect
}

var _ PersistedCache = (*sqlStore)(nil)

// NewSQLite returns a PersistedCache backed by SQLite.
// If dbPath is empty or ":memory:", an in-memory database is used.
func NewSQLite(ctx context.Context, dbPath string) (PersistedCache, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open(sqliteDialect.driver, dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "store: open sqlite")
	}
	if dbPath == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: enable WAL")
	}
	return newSQLStore(ctx, db, sqliteDialect)
}

// NewPostgres returns a PersistedCache backed by PostgreSQL.
func NewPostgres(ctx context.Context, dsn string) (PersistedCache, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "store: open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Transient(errors.Wrap(err, "store: ping postgres"))
	}
	return newSQLStore(ctx, db, postgresDialect)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS persisted_cache (
			id TEXT PRIMARY KEY,
			cache_key TEXT NOT NULL UNIQUE,
			payload ` + d.blob + ` NOT NULL,
			expires_at BIGINT NOT NULL,
			cache_type TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			hit_count INTEGER NOT NULL DEFAULT 0,
			last_hit_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_persisted_cache_expires_at ON persisted_cache(expires_at)`,
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "store: create schema")
		}
	}
	return &sqlStore{db: db, d: d}, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *sqlStore) Filter(ctx context.Context, key string) ([]Record, error) {
	var (
		rec                  Record
		expiresAt, lastHitAt int64
	)
	err := s.db.QueryRowContext(ctx,
		s.d.rebind(`SELECT `+recordColumns+` FROM persisted_cache WHERE cache_key = ?`), key,
	).Scan(&rec.ID, &rec.Key, &rec.Payload, &expiresAt, &rec.CacheType, &rec.Priority, &rec.SizeBytes, &rec.HitCount, &lastHitAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.ExpiresAt = fromNanos(expiresAt)
	rec.LastHitAt = fromNanos(lastHitAt)
	return []Record{rec}, nil
}

func (s *sqlStore) Create(ctx context.Context, rec Record) (Record, error) {
	rec.ID = uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		s.d.rebind(`INSERT INTO persisted_cache (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.Key, rec.Payload, toNanos(rec.ExpiresAt), rec.CacheType, rec.Priority, rec.SizeBytes, rec.HitCount, toNanos(rec.LastHitAt),
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *sqlStore) Update(ctx context.Context, id string, rec Record) (Record, error) {
	rec.ID = id
	result, err := s.db.ExecContext(ctx,
		s.d.rebind(`UPDATE persisted_cache SET cache_key = ?, payload = ?, expires_at = ?, cache_type = ?, priority = ?,
			size_bytes = ?, hit_count = ?, last_hit_at = ? WHERE id = ?`),
		rec.Key, rec.Payload, toNanos(rec.ExpiresAt), rec.CacheType, rec.Priority, rec.SizeBytes, rec.HitCount, toNanos(rec.LastHitAt), id,
	)
	if err != nil {
		return Record{}, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return Record{}, err
	}
	if rows == 0 {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM persisted_cache WHERE id = ?`), id)
	return err
}

// PurgeExpired deletes records that are expired at now and returns how many
// were removed.
func (s *sqlStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM persisted_cache WHERE expires_at <= ?`), now.UnixNano())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
