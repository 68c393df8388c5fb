package leases

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Elector tracks whether this process holds a named lease. Call Tick more often than the TTL.
type Elector struct {
	store Store
	name  string
	owner string
	ttl   time.Duration
	log   *slog.Logger

	mu      sync.Mutex
	leading bool
}

func NewElector(store Store, name, owner string, ttl time.Duration, log *slog.Logger) (*Elector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := ValidateClaim(name, owner, ttl); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Elector{store: store, name: name, owner: owner, ttl: ttl, log: log}, nil
}

// Tick claims or extends the lease and reports leadership. On a store error leadership is
// dropped, since it can no longer be proven.
func (e *Elector) Tick(ctx context.Context) (bool, error) {
	l, ok, err := e.store.Claim(ctx, e.name, e.owner, e.ttl)
	if err != nil {
		e.set(false, "")
		return false, err
	}
	e.set(ok, l.Owner)
	return ok, nil
}

func (e *Elector) Leading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leading
}

// Resign releases the lease so another replica can take over without waiting for expiry.
func (e *Elector) Resign(ctx context.Context) error {
	e.set(false, "")
	return e.store.Release(ctx, e.name, e.owner)
}

func (e *Elector) set(leading bool, holder string) {
	e.mu.Lock()
	changed := e.leading != leading
	e.leading = leading
	e.mu.Unlock()

	if !changed {
		return
	}
	if leading {
		e.log.Info("acquired leadership", "lease", e.name, "owner", e.owner)
	} else {
		e.log.Warn("lost leadership", "lease", e.name, "owner", e.owner, "holder", holder)
	}
}
