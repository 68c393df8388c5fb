package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/custody-timelock/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

var _ leases.Store = (*Store)(nil)

// Store evaluates expiry against the database clock so replicas with skewed clocks agree.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Claim(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := leases.ValidateClaim(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}
	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}

	var (
		gotOwner string
		expires  time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO timelock_leases (name, owner, expires_at, updated_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now())
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE timelock_leases.owner = EXCLUDED.owner OR timelock_leases.expires_at <= now()
		RETURNING owner, expires_at
	`, name, owner, ms).Scan(&gotOwner, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			cur, gerr := s.Get(ctx, name)
			if gerr != nil {
				return leases.Lease{}, false, gerr
			}
			return cur, false, nil
		}
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: claim: %w", err)
	}
	return leases.Lease{Name: name, Owner: gotOwner, ExpiresAt: expires}, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return fmt.Errorf("%w: name and owner must be non-empty", leases.ErrInvalidInput)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM timelock_leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.Get(ctx, name)
	if errors.Is(err, leases.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Owner != owner {
		return leases.ErrNotOwner
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	var l leases.Lease
	err := s.pool.QueryRow(ctx, `SELECT name, owner, expires_at FROM timelock_leases WHERE name = $1`, name).
		Scan(&l.Name, &l.Owner, &l.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return leases.Lease{}, leases.ErrNotFound
		}
		return leases.Lease{}, fmt.Errorf("leases/postgres: get: %w", err)
	}
	return l, nil
}
