// Package postgres is a PostgreSQL [results.Store].
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/partyhost/internal/results"
)

var _ results.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS game_results (
    id           TEXT         PRIMARY KEY,
    game         TEXT         NOT NULL,
    scenario_id  TEXT         NOT NULL DEFAULT '',
    success      BOOLEAN      NOT NULL,
    score        INTEGER      NOT NULL,
    message      TEXT         NOT NULL DEFAULT '',
    timed_out    BOOLEAN      NOT NULL DEFAULT false,
    started_at   TIMESTAMPTZ  NOT NULL,
    finished_at  TIMESTAMPTZ  NOT NULL,
    elapsed_ns   BIGINT       NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_game_results_finished_at
    ON game_results (finished_at DESC);

CREATE INDEX IF NOT EXISTS idx_game_results_game
    ON game_results (game, finished_at DESC);
`

// Store writes results to the game_results table. It is safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("results store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("results store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("results store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("results store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the game_results table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("results migrate: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Record implements [results.Store].
func (s *Store) Record(ctx context.Context, r results.Result) error {
	const q = `
		INSERT INTO game_results
		    (id, game, scenario_id, success, score, message, timed_out, started_at, finished_at, elapsed_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, q,
		r.ID,
		r.Game,
		r.ScenarioID,
		r.Success,
		r.Score,
		r.Message,
		r.TimedOut,
		r.StartedAt,
		r.FinishedAt,
		r.Elapsed.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("results store: record: %w", err)
	}
	return nil
}

// Recent implements [results.Store].
func (s *Store) Recent(ctx context.Context, q results.Query) ([]results.Result, error) {
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = results.DefaultLimit
	case limit > results.MaxLimit:
		limit = results.MaxLimit
	}

	const sel = `
		SELECT id, game, scenario_id, success, score, message, timed_out, started_at, finished_at, elapsed_ns
		FROM   game_results`

	var (
		rows pgx.Rows
		err  error
	)
	if q.Game != "" {
		rows, err = s.pool.Query(ctx, sel+"\nWHERE game = $1\nORDER BY finished_at DESC\nLIMIT $2", q.Game, limit)
	} else {
		rows, err = s.pool.Query(ctx, sel+"\nORDER BY finished_at DESC\nLIMIT $1", limit)
	}
	if err != nil {
		return nil, fmt.Errorf("results store: recent: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (results.Result, error) {
		var (
			r         results.Result
			elapsedNS int64
		)
		if err := row.Scan(
			&r.ID,
			&r.Game,
			&r.ScenarioID,
			&r.Success,
			&r.Score,
			&r.Message,
			&r.TimedOut,
			&r.StartedAt,
			&r.FinishedAt,
			&elapsedNS,
		); err != nil {
			return results.Result{}, err
		}
		r.Elapsed = time.Duration(elapsedNS)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("results store: scan rows: %w", err)
	}
	if out == nil {
		out = []results.Result{}
	}
	return out, nil
}
