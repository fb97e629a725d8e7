// Package postgres keeps ledger snapshots and pending-attempt markers in
// Postgres.
//
// One process writes a named ledger at a time. Lock takes a session advisory
// lock that lasts until Unlock or until the holding connection drops, and
// Save refuses to write without it. Each Save is also a compare-and-swap on
// the row's revision, so a writer that lost its lock cannot roll back a newer
// snapshot.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/bridge-relayer/internal/ledger"
)

var (
	ErrInvalidConfig = errors.New("ledger/postgres: invalid config")
	// ErrLocked means another process holds the ledger.
	ErrLocked = errors.New("ledger/postgres: ledger locked by another process")
	// ErrNotLocked is returned by Save without a held Lock.
	ErrNotLocked = errors.New("ledger/postgres: ledger lock not held")
	// ErrRevisionConflict means the stored snapshot changed since this
	// store last read or wrote it.
	ErrRevisionConflict = errors.New("ledger/postgres: snapshot revision conflict")
)

const unlockTimeout = 5 * time.Second

// migrations run in order inside one transaction. Append only.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS relayer_ledger_snapshots (
		ledger     TEXT PRIMARY KEY,
		body       JSONB NOT NULL,
		revision   BIGINT NOT NULL DEFAULT 1,
		saved_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS relayer_settlement_attempts (
		ledger      TEXT NOT NULL,
		marker      TEXT NOT NULL,
		owner       TEXT NOT NULL,
		expires_at  TIMESTAMPTZ NOT NULL,
		acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (ledger, marker)
	)`,
	`CREATE INDEX IF NOT EXISTS relayer_settlement_attempts_expiry
		ON relayer_settlement_attempts (expires_at)`,
}

// Store serves one named ledger. It implements ledger.Backend and
// ledger.AttemptStore; attempt markers are scoped to the ledger name.
type Store struct {
	pool   *pgxpool.Pool
	ledger string

	mu sync.Mutex
	// lease holds the advisory lock for as long as it stays checked out.
	lease *pgxpool.Conn
	// revision is the stored row's revision as of the last Load or Save; 0
	// means no row.
	revision int64
}

func New(pool *pgxpool.Pool, name string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	if name = strings.TrimSpace(name); name == "" {
		return nil, fmt.Errorf("%w: empty ledger name", ErrInvalidConfig)
	}
	return &Store{pool: pool, ledger: name}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i, stmt := range migrations {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

// Lock claims the ledger for this process. The returned func releases it.
func (s *Store) Lock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease != nil {
		return nil, fmt.Errorf("%w: %s already locked by this store", ErrLocked, s.ledger)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: lock %s: %w", s.ledger, err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, lockKey(s.ledger)).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("ledger/postgres: lock %s: %w", s.ledger, err)
	}
	if !ok {
		conn.Release()
		return nil, fmt.Errorf("%w: %s", ErrLocked, s.ledger)
	}
	s.lease = conn
	return s.unlock, nil
}

func (s *Store) unlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.lease
	if conn == nil {
		return
	}
	s.lease = nil

	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, lockKey(s.ledger)); err != nil {
		// Closing the session drops the lock with it.
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}

func lockKey(name string) string { return "relayer_ledger:" + name }

func (s *Store) Load(ctx context.Context) ([]byte, error) {
	var (
		body     string
		revision int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT body::text, revision FROM relayer_ledger_snapshots WHERE ledger = $1`, s.ledger,
	).Scan(&body, &revision)
	if errors.Is(err, pgx.ErrNoRows) {
		s.setRevision(0)
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: load %s: %w", s.ledger, err)
	}
	s.setRevision(revision)
	return []byte(body), nil
}

func (s *Store) setRevision(r int64) {
	s.mu.Lock()
	s.revision = r
	s.mu.Unlock()
}

// Save writes snapshot over the revision this store last saw. It runs on the
// locked session, so a dropped connection fails the write instead of
// writing unlocked.
func (s *Store) Save(ctx context.Context, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease == nil {
		return fmt.Errorf("%w: %s", ErrNotLocked, s.ledger)
	}

	var (
		next int64
		err  error
	)
	if s.revision == 0 {
		err = s.lease.QueryRow(ctx, `
			INSERT INTO relayer_ledger_snapshots (ledger, body)
			VALUES ($1, $2::jsonb)
			ON CONFLICT (ledger) DO NOTHING
			RETURNING revision`,
			s.ledger, string(snapshot)).Scan(&next)
	} else {
		err = s.lease.QueryRow(ctx, `
			UPDATE relayer_ledger_snapshots
			SET body = $2::jsonb, revision = revision + 1, saved_at = now()
			WHERE ledger = $1 AND revision = $3
			RETURNING revision`,
			s.ledger, string(snapshot), s.revision).Scan(&next)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s at revision %d", ErrRevisionConflict, s.ledger, s.revision)
	}
	if err != nil {
		return fmt.Errorf("ledger/postgres: save %s: %w", s.ledger, err)
	}
	s.revision = next
	return nil
}

// TryAcquire inserts the marker, or takes it over once the previous
// holder's marker has expired. Expiry is judged by the database clock.
func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (ledger.Attempt, bool, error) {
	if name == "" || owner == "" || ttl <= 0 {
		return ledger.Attempt{}, false, ledger.ErrInvalidInput
	}
	got := ledger.Attempt{Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO relayer_settlement_attempts AS cur (ledger, marker, owner, expires_at)
		VALUES ($1, $2, $3, now() + make_interval(secs => $4))
		ON CONFLICT (ledger, marker) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at, acquired_at = now()
		WHERE cur.expires_at <= now()
		RETURNING owner, expires_at`,
		s.ledger, name, owner, ttl.Seconds(),
	).Scan(&got.Owner, &got.ExpiresAt)
	switch {
	case err == nil:
		return got, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return ledger.Attempt{}, false, fmt.Errorf("ledger/postgres: acquire %s: %w", name, err)
	}

	// The conflict row was live, so report its holder.
	err = s.pool.QueryRow(ctx,
		`SELECT owner, expires_at FROM relayer_settlement_attempts WHERE ledger = $1 AND marker = $2`,
		s.ledger, name,
	).Scan(&got.Owner, &got.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Released between the two statements; the caller retries next tick.
		return ledger.Attempt{Name: name}, false, nil
	}
	if err != nil {
		return ledger.Attempt{}, false, fmt.Errorf("ledger/postgres: read holder %s: %w", name, err)
	}
	return got, false, nil
}

// Release deletes owner's marker. A missing marker is not an error; a
// marker held by someone else is ErrNotOwner.
func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ledger.ErrInvalidInput
	}
	var (
		deleted int64
		holder  *string
	)
	err := s.pool.QueryRow(ctx, `
		WITH gone AS (
			DELETE FROM relayer_settlement_attempts
			WHERE ledger = $1 AND marker = $2 AND owner = $3
			RETURNING 1
		)
		SELECT
			(SELECT count(*) FROM gone),
			(SELECT owner FROM relayer_settlement_attempts WHERE ledger = $1 AND marker = $2)`,
		s.ledger, name, owner,
	).Scan(&deleted, &holder)
	if err != nil {
		return fmt.Errorf("ledger/postgres: release %s: %w", name, err)
	}
	if deleted == 0 && holder != nil && *holder != owner {
		return ledger.ErrNotOwner
	}
	return nil
}
