// lease_test.go - Lease contention, expiry and the WithLease wrapper.

package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/veilcash/veilcash/internal/store"
)

func newTestManager(s store.LeaseStore, holder string, at *time.Time) *Manager {
	m := NewManager(s, holder, time.Minute, zerolog.Nop())
	m.now = func() time.Time { return *at }
	return m
}

func TestExactlyOneHolderWins(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Unix(5000, 0)

	a := newTestManager(st, "holder-a", &now)
	b := newTestManager(st, "holder-b", &now)

	okA, err := a.Acquire(ctx, "tree/3")
	require.NoError(t, err)
	okB, err := b.Acquire(ctx, "tree/3")
	require.NoError(t, err)
	require.True(t, okA)
	require.False(t, okB)

	// A different key is independent.
	okB, err = b.Acquire(ctx, "sync/3")
	require.NoError(t, err)
	require.True(t, okB)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Unix(5000, 0)

	a := newTestManager(st, "holder-a", &now)
	b := newTestManager(st, "holder-b", &now)

	ok, err := a.Acquire(ctx, "tree/1")
	require.NoError(t, err)
	require.True(t, ok)

	// Without renewal the TTL lapses and b takes over.
	now = now.Add(2 * time.Minute)
	ok, err = b.Acquire(ctx, "tree/1")
	require.NoError(t, err)
	require.True(t, ok)

	// The previous holder can no longer renew or release.
	require.ErrorIs(t, a.Renew(ctx, "tree/1"), ErrNotHeld)
	require.ErrorIs(t, a.Release(ctx, "tree/1"), ErrNotHeld)
}

func TestRenewExtendsOwnership(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Unix(5000, 0)

	a := newTestManager(st, "holder-a", &now)
	b := newTestManager(st, "holder-b", &now)

	ok, err := a.Acquire(ctx, "aggregate")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(45 * time.Second)
	require.NoError(t, a.Renew(ctx, "aggregate"))

	// Renewal pushed expiry past the original TTL.
	now = now.Add(45 * time.Second)
	ok, err = b.Acquire(ctx, "aggregate")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWithLeaseRunsAndReleases(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Unix(5000, 0)

	a := newTestManager(st, "holder-a", &now)
	b := newTestManager(st, "holder-b", &now)

	ran := false
	held, err := a.WithLease(ctx, "sync/0", func(context.Context) error {
		ran = true
		// The key is busy while fn runs.
		ok, err := b.Acquire(ctx, "sync/0")
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
	require.True(t, held)
	require.True(t, ran)

	// Released afterwards, so b may take it.
	ok, err := b.Acquire(ctx, "sync/0")
	require.NoError(t, err)
	require.True(t, ok)

	// While b holds the key WithLease reports a skip without running fn.
	held, err = a.WithLease(ctx, "sync/0", func(context.Context) error {
		t.Fatal("fn must not run without the lease")
		return nil
	})
	require.NoError(t, err)
	require.False(t, held)
}

func TestWithLeasePropagatesFnError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Unix(5000, 0)
	a := newTestManager(st, "holder-a", &now)

	boom := errors.New("boom")
	held, err := a.WithLease(ctx, "tree/9", func(context.Context) error { return boom })
	require.True(t, held)
	require.ErrorIs(t, err, boom)

	// The lease is still released after a failing fn.
	ok, err2 := a.Acquire(ctx, "tree/9")
	require.NoError(t, err2)
	require.True(t, ok)
}
