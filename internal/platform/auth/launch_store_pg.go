package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// MigrationLaunchContexts is the DDL for the launch_contexts table. It is
// safe to execute repeatedly; callers run it at startup as an auto-migration
// step.
const MigrationLaunchContexts = `
CREATE TABLE IF NOT EXISTS launch_contexts (
    token        TEXT PRIMARY KEY,
    context_json JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_launch_contexts_expires_at
    ON launch_contexts (expires_at);
`

// pgRow represents a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the minimal database interface required by PGLaunchContextStore.
// Both *pgxpool.Pool (via a thin adapter) and test mocks implement it.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) error
}

// PGLaunchContextStore is a PostgreSQL-backed LaunchContextStorer. Contexts
// live in the launch_contexts table as JSONB with an explicit expires_at
// column that the database filters on, so entries survive restarts and can
// be shared by multiple instances.
type PGLaunchContextStore struct {
	db         pgConn
	ttl        time.Duration
	sweepEvery time.Duration
	logger     zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewPGLaunchContextStore creates a PG-backed store. Use
// NewPGLaunchContextStoreFromPool to wrap a *pgxpool.Pool, or pass a mock in
// tests.
func NewPGLaunchContextStore(db pgConn, ttl time.Duration) *PGLaunchContextStore {
	return &PGLaunchContextStore{
		db:         db,
		ttl:        ttl,
		sweepEvery: launchSweepInterval,
		logger:     zerolog.Nop(),
	}
}

// SetLogger attaches a logger for cleanup diagnostics.
func (s *PGLaunchContextStore) SetLogger(logger zerolog.Logger) { s.logger = logger }

// Store upserts the launch context.
func (s *PGLaunchContextStore) Store(ctx context.Context, token string, lc *LaunchContext) error {
	data, err := json.Marshal(lc)
	if err != nil {
		return fmt.Errorf("marshal launch context: %w", err)
	}

	expiresAt := lc.CreatedAt.Add(s.ttl)

	const query = `INSERT INTO launch_contexts (token, context_json, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (token) DO UPDATE SET context_json = EXCLUDED.context_json,
                                  created_at   = EXCLUDED.created_at,
                                  expires_at   = EXCLUDED.expires_at`

	if err := s.db.Exec(ctx, query, token, data, lc.CreatedAt, expiresAt); err != nil {
		return fmt.Errorf("store launch context: %w", err)
	}
	return nil
}

// Get selects the row only if it has not expired.
func (s *PGLaunchContextStore) Get(ctx context.Context, token string) (*LaunchContext, error) {
	const query = `SELECT context_json FROM launch_contexts
WHERE token = $1 AND expires_at > now()`

	var data []byte
	if err := s.db.QueryRow(ctx, query, token).Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get launch context: %w", err)
	}

	var lc LaunchContext
	if err := json.Unmarshal(data, &lc); err != nil {
		return nil, fmt.Errorf("unmarshal launch context: %w", err)
	}
	return &lc, nil
}

// Remove deletes the entry on explicit consumption.
func (s *PGLaunchContextStore) Remove(ctx context.Context, token string) error {
	if err := s.db.Exec(ctx, `DELETE FROM launch_contexts WHERE token = $1`, token); err != nil {
		return fmt.Errorf("remove launch context: %w", err)
	}
	return nil
}

// Cleanup deletes all expired rows.
func (s *PGLaunchContextStore) Cleanup(ctx context.Context) error {
	if err := s.db.Exec(ctx, `DELETE FROM launch_contexts WHERE expires_at <= now()`); err != nil {
		return fmt.Errorf("cleanup launch contexts: %w", err)
	}
	return nil
}

// Start launches the periodic cleanup, mirroring the in-memory store's
// sweeper. It returns immediately; the cleanup runs until Stop is called or
// ctx is cancelled.
func (s *PGLaunchContextStore) Start(ctx context.Context) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.sweepEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if err := s.Cleanup(ctx); err != nil {
					s.logger.Warn().Err(err).Msg("launch context cleanup failed")
				}
			}
		}
	}()
}

// Stop cancels the cleanup and waits for it to exit.
func (s *PGLaunchContextStore) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// pgxPoolWrapper adapts *pgxpool.Pool to the pgConn interface. The adapter
// is necessary because pgxpool.Pool.Exec returns (pgconn.CommandTag, error)
// whereas pgConn.Exec returns only error.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}

// NewPGLaunchContextStoreFromPool creates a PG-backed store directly from a
// *pgxpool.Pool. This is the recommended constructor for production use.
func NewPGLaunchContextStoreFromPool(pool *pgxpool.Pool, ttl time.Duration) *PGLaunchContextStore {
	return NewPGLaunchContextStore(&pgxPoolWrapper{pool: pool}, ttl)
}
