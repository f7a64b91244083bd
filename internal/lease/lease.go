// lease.go - TTL lease manager for cross-process coordination.
//
// Workers claim a coordination key before touching an origin's tables and
// release it when done. Leases self-expire, so a crashed holder never wedges
// the key; contention is an expected skip, not an error. At-most-one-active
// holder is a liveness aid only: every mutation behind a lease is idempotent,
// so a lost or duplicated lease degrades to duplicated work.

package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/veilcash/veilcash/internal/store"
)

// ErrNotHeld reports a renew or release by a holder that does not own the
// live lease.
var ErrNotHeld = errors.New("lease: not held")

// Manager acquires, renews and releases leases for one holder identity.
type Manager struct {
	store  store.LeaseStore
	holder string
	ttl    time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

// NewManager creates a manager. The holder string must be unique per
// process; ttl bounds how long a crashed holder blocks a key.
func NewManager(s store.LeaseStore, holder string, ttl time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		store:  s,
		holder: holder,
		ttl:    ttl,
		now:    time.Now,
		log:    log.With().Str("component", "lease").Logger(),
	}
}

// Holder returns the manager's holder identity.
func (m *Manager) Holder() string { return m.holder }

// Acquire claims key. Returns false without error when another live holder
// owns it.
func (m *Manager) Acquire(ctx context.Context, key string) (bool, error) {
	now := m.now()
	ok, err := m.store.TryAcquire(ctx, key, m.holder, now.Add(m.ttl), now)
	if err != nil {
		return false, fmt.Errorf("lease: acquire %s: %w", key, err)
	}
	if !ok {
		m.log.Debug().Str("key", key).Msg("lease held elsewhere, skipping")
	}
	return ok, nil
}

// Renew extends a held lease by one TTL.
func (m *Manager) Renew(ctx context.Context, key string) error {
	now := m.now()
	ok, err := m.store.RenewLease(ctx, key, m.holder, now.Add(m.ttl), now)
	if err != nil {
		return fmt.Errorf("lease: renew %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("lease: renew %s: %w", key, ErrNotHeld)
	}
	return nil
}

// Release drops a held lease.
func (m *Manager) Release(ctx context.Context, key string) error {
	ok, err := m.store.ReleaseLease(ctx, key, m.holder)
	if err != nil {
		return fmt.Errorf("lease: release %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("lease: release %s: %w", key, ErrNotHeld)
	}
	return nil
}

// WithLease runs fn while holding key, renewing at a third of the TTL.
// Returns (false, nil) when the key is held elsewhere. If a renewal fails
// mid-run the fn context is cancelled and the renewal error is returned
// alongside fn's.
func (m *Manager) WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	ok, err := m.Acquire(ctx, key)
	if err != nil || !ok {
		return ok, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewErr := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := m.Renew(runCtx, key); err != nil {
					renewErr <- err
					cancel()
					return
				}
			}
		}
	}()

	fnErr := fn(runCtx)
	close(done)

	if err := m.Release(ctx, key); err != nil && !errors.Is(err, ErrNotHeld) {
		m.log.Warn().Str("key", key).Err(err).Msg("lease release failed")
	}

	select {
	case err := <-renewErr:
		if fnErr != nil {
			return true, errors.Join(err, fnErr)
		}
		return true, err
	default:
	}
	return true, fnErr
}
