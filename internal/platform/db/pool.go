package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool opens a pgx connection pool. A non-empty defaultSchema pins every
// connection's search_path to that tenant schema at startup, so work running
// outside a request (pipeline workers, outbox retries, SLA sweeps) reaches
// the same tables the tenant middleware resolves for requests. Released
// connections RESET search_path back to the startup value, so a per-request
// tenant SET cannot leak into pooled reuse.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32, defaultSchema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	if defaultSchema != "" {
		if !tenantIDPattern.MatchString(defaultSchema) {
			return nil, fmt.Errorf("invalid default schema: %s", defaultSchema)
		}
		cfg.ConnConfig.RuntimeParams["search_path"] = defaultSchema + ",shared,public"
	}
	cfg.AfterRelease = func(conn *pgx.Conn) bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := conn.Exec(ctx, "RESET search_path")
		return err == nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
