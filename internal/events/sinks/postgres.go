package sinks

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/resale-search-gateway/internal/events"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool used for event rows.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresSink appends events to a table shaped like:
//
//	CREATE TABLE search_events (
//	    id          TEXT PRIMARY KEY,
//	    ts          TIMESTAMPTZ NOT NULL,
//	    site        TEXT NOT NULL,
//	    fingerprint TEXT NOT NULL,
//	    outcome     TEXT NOT NULL,
//	    items       INTEGER NOT NULL,
//	    dropped     INTEGER NOT NULL,
//	    duration_ms BIGINT NOT NULL,
//	    note        TEXT NOT NULL
//	);
type PostgresSink struct {
	pool   execCloser
	insert string
}

// NewPostgresSink connects to Postgres using cfg.
func NewPostgresSink(ctx context.Context, cfg PostgresConfig) (*PostgresSink, error) {
	if cfg.DSN == "" {
		return nil, errors.New("events.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sink, err := NewPostgresSinkWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

// NewPostgresSinkWithPool builds a sink over an existing pool.
func NewPostgresSinkWithPool(pool execCloser, table string) (*PostgresSink, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "search_events"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresSink{
		pool: pool,
		insert: fmt.Sprintf(`INSERT INTO %s
			(id, ts, site, fingerprint, outcome, items, dropped, duration_ms, note)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`, table),
	}, nil
}

// Consume inserts each event. A failed row does not stop the rest of the
// batch; the first error is returned.
func (s *PostgresSink) Consume(ctx context.Context, batch []events.Event) error {
	var firstErr error
	for _, evt := range batch {
		_, err := s.pool.Exec(ctx, s.insert,
			evt.ID,
			evt.TS,
			evt.Site,
			evt.Fingerprint,
			string(evt.Outcome),
			evt.Items,
			evt.Dropped,
			evt.Dur.Milliseconds(),
			evt.Note,
		)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("insert search event %s: %w", evt.ID, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return firstErr
}

// Close releases the pool.
func (s *PostgresSink) Close(context.Context) error {
	s.pool.Close()
	return nil
}
