// Package leases provides TTL leases so that exactly one node replica consumes the action
// queue and relays the outbox at a time.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store claims leases with compare-and-swap semantics evaluated at the store's clock.
type Store interface {
	// Claim takes name for owner when it is free, expired, or already held by owner, and
	// extends it to now+ttl. Otherwise it returns the current lease and false.
	Claim(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	// Release is a no-op when the lease is absent.
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func ValidateClaim(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name and owner must be non-empty and ttl > 0", ErrInvalidInput)
	}
	return nil
}
