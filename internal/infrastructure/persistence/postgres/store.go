// Package postgres implements the durable claim store. Job rows, claim
// leases, robots and schedules live here; the SKIP LOCKED claim transaction
// makes job ownership exclusive across any number of orchestrators and
// robots sharing the database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloudrpa/fleet/internal/application/claim"
)

// Store is the PostgreSQL claim store.
type Store struct {
	pool *pgxpool.Pool
}

var _ claim.Store = (*Store)(nil)

// NewStore creates a store on an existing connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying connection pool so the realtime channel can
// share connections with the store.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// TryAcquireExclusiveRun takes the singleton lease for runType. The upsert
// only wins when the existing lease expired or already belongs to holderID,
// so re-acquiring doubles as lease extension.
func (s *Store) TryAcquireExclusiveRun(ctx context.Context, runType, holderID string, leaseDuration time.Duration) (release func(), acquired bool, err error) {
	expiresAt := time.Now().UTC().Add(leaseDuration)

	var holder string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO run_leases (run_type, holder_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_type) DO UPDATE
		SET holder_id = EXCLUDED.holder_id, expires_at = EXCLUDED.expires_at
		WHERE run_leases.expires_at < NOW() OR run_leases.holder_id = EXCLUDED.holder_id
		RETURNING holder_id`,
		runType, holderID, expiresAt).Scan(&holder)
	if err != nil {
		// No row back means another holder still owns a live lease.
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire run lease: %w", err)
	}
	if holder != holderID {
		return nil, false, nil
	}

	releaseFunc := func() {
		_, _ = s.pool.Exec(context.Background(),
			`DELETE FROM run_leases WHERE run_type = $1 AND holder_id = $2`,
			runType, holderID)
	}
	return releaseFunc, true, nil
}
