// Package postgres provides the Postgres-backed chain index.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
)

const defaultTable = "dialogue_chains"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ChainIndexConfig controls the Postgres connection pool used for index rows.
type ChainIndexConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ChainIndex keeps one row per persisted chain file.
type ChainIndex struct {
	pool  execCloser
	table string
}

var _ crawler.ChainIndex = (*ChainIndex)(nil)

// NewChainIndex connects to Postgres and makes sure the index table exists.
func NewChainIndex(ctx context.Context, cfg ChainIndexConfig) (*ChainIndex, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	idx, err := NewChainIndexWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := idx.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

// NewChainIndexWithPool constructs an index from an existing pool (primarily for testing).
func NewChainIndexWithPool(pool execCloser, table string) (*ChainIndex, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ChainIndex{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ChainIndex) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the index table when missing.
func (s *ChainIndex) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	task_id    TEXT        NOT NULL,
	oid        BIGINT      NOT NULL,
	page       INTEGER     NOT NULL,
	rpid       BIGINT      NOT NULL,
	chains     INTEGER     NOT NULL,
	location   TEXT        NOT NULL,
	indexed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (task_id, oid, page, rpid)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create chain index table: %w", err)
	}
	return nil
}

// IndexChains upserts the row for one chain file.
func (s *ChainIndex) IndexChains(ctx context.Context, record crawler.ChainIndexRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("chain index is not configured")
	}
	if record.Key.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	task_id,
	oid,
	page,
	rpid,
	chains,
	location,
	indexed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)
ON CONFLICT (task_id, oid, page, rpid) DO UPDATE SET
	chains = EXCLUDED.chains,
	location = EXCLUDED.location,
	indexed_at = EXCLUDED.indexed_at`, s.table)

	args := []any{
		record.Key.TaskID,
		record.Key.OID,
		record.Key.Page,
		record.Key.RPID,
		record.Chains,
		record.Location,
		record.IndexedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert chain index: %w", err)
	}
	return nil
}
