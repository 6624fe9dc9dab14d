package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgecore/edgecore/observability"
)

// PostgresTier is a persistence-hook implementation of the local tier
// backed by PostgreSQL. Optional; the default tier is in-process.
type PostgresTier struct {
	pool *pgxpool.Pool
}

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	entry      JSONB NOT NULL,
	version    BIGINT NOT NULL,
	expires_at TIMESTAMPTZ
)`

// NewPostgresTier initializes the tier with a connection pool and
// ensures the entries table exists.
func NewPostgresTier(ctx context.Context, connString string) (*PostgresTier, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, createEntriesTable); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresTier{pool: pool}, nil
}

func (t *PostgresTier) Get(ctx context.Context, key string) (*Entry, bool, error) {
	start := time.Now()
	defer func() {
		observability.TierLatency.WithLabelValues("postgres").Observe(time.Since(start).Seconds())
	}()

	var raw []byte
	query := `SELECT entry FROM cache_entries WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`
	err := t.pool.QueryRow(ctx, query, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

func (t *PostgresTier) Put(ctx context.Context, key string, e *Entry) error {
	start := time.Now()
	defer func() {
		observability.TierLatency.WithLabelValues("postgres").Observe(time.Since(start).Seconds())
	}()

	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}

	var expires *time.Time
	if e.TTL > 0 {
		t := e.CreatedAt.Add(e.TTL)
		expires = &t
	}

	// Writes only advance: a stale version never clobbers a newer one.
	query := `
		INSERT INTO cache_entries (key, entry, version, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			entry = EXCLUDED.entry,
			version = EXCLUDED.version,
			expires_at = EXCLUDED.expires_at
		WHERE cache_entries.version <= EXCLUDED.version
	`
	_, err = t.pool.Exec(ctx, query, key, raw, e.Version, expires)
	return err
}

func (t *PostgresTier) Delete(ctx context.Context, key string) error {
	_, err := t.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key)
	return err
}

func (t *PostgresTier) DeleteNamespace(ctx context.Context, prefix string) error {
	_, err := t.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key LIKE $1 || '%'`, prefix)
	return err
}

func (t *PostgresTier) Close() error {
	t.pool.Close()
	return nil
}
