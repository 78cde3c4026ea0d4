package publication

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS hls_publications (
	source_key TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	base_name TEXT NOT NULL,
	master_key TEXT NOT NULL,
	renditions TEXT[] NOT NULL,
	objects INTEGER NOT NULL,
	bytes BIGINT NOT NULL,
	published_at TIMESTAMPTZ NOT NULL
)`

const upsertSQL = `INSERT INTO hls_publications
	(source_key, job_id, base_name, master_key, renditions, objects, bytes, published_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (source_key) DO UPDATE SET
	job_id = EXCLUDED.job_id,
	base_name = EXCLUDED.base_name,
	master_key = EXCLUDED.master_key,
	renditions = EXCLUDED.renditions,
	objects = EXCLUDED.objects,
	bytes = EXCLUDED.bytes,
	published_at = EXCLUDED.published_at`

// PostgresConfig configures the publication ledger connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	ConnectTimeout  time.Duration
	ApplicationName string
}

// PostgresLedger keeps one row per published source in hls_publications.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// OpenPostgresLedger connects and creates the ledger table when missing.
func OpenPostgresLedger(ctx context.Context, cfg PostgresConfig) (*PostgresLedger, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create hls_publications: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

func poolConfig(cfg PostgresConfig) (*pgxpool.Config, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	return poolCfg, nil
}

func (l *PostgresLedger) Record(ctx context.Context, pub Publication) error {
	renditions := pub.Renditions
	if renditions == nil {
		renditions = []string{}
	}
	_, err := l.pool.Exec(ctx, upsertSQL,
		pub.SourceKey,
		pub.JobID,
		pub.BaseName,
		pub.MasterKey,
		renditions,
		pub.Objects,
		pub.Bytes,
		pub.PublishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record publication %s: %w", pub.SourceKey, err)
	}
	return nil
}

func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}
