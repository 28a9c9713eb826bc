package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/worldbak/worldbak/backend/internal/registry"
	"github.com/worldbak/worldbak/backend/internal/scheduler"
	"github.com/worldbak/worldbak/backend/pkg/mulog"
	"github.com/worldbak/worldbak/backend/pkg/ulid"
)

// `slowBackupper` records calls and blocks each backup until `release` is
// closed or the context expires.
type slowBackupper struct {
	mu      sync.Mutex
	calls   []registry.Tier
	release chan struct{}
	err     error
}

func (b *slowBackupper) Backup(
	ctx context.Context, tier registry.Tier,
) (ulid.I, error) {
	b.mu.Lock()
	b.calls = append(b.calls, tier)
	release := b.release
	err := b.err
	b.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ulid.Nil, ctx.Err()
		}
	}
	if err != nil {
		return ulid.Nil, err
	}
	return ulid.New()
}

func (b *slowBackupper) nCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func TestTriggerCoalescing(t *testing.T) {
	b := &slowBackupper{release: make(chan struct{})}
	s := scheduler.New(mulog.Logger{}, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// First trigger starts running.
	require.True(t, s.TriggerNow(registry.TierManual))
	require.Eventually(t, func() bool {
		return b.nCalls() == 1
	}, time.Second, time.Millisecond)

	// While it runs, one more trigger is accepted as pending; further
	// triggers are dropped, never queued.
	require.True(t, s.TriggerNow(registry.TierManual))
	require.False(t, s.TriggerNow(registry.TierManual))
	require.False(t, s.TriggerNow(registry.TierDaily))

	close(b.release)
	require.Eventually(t, func() bool {
		return b.nCalls() == 2
	}, time.Second, time.Millisecond)

	// No third run: the dropped triggers left no trace.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, b.nCalls())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestScheduledTicks(t *testing.T) {
	b := &slowBackupper{}
	s := scheduler.New(mulog.Logger{}, b, []scheduler.Entry{
		{Every: 10 * time.Millisecond, Tier: registry.TierDaily},
		{Every: time.Hour, Tier: registry.TierMonthly, Disabled: true},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return b.nCalls() >= 2
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tier := range b.calls {
		require.Equal(t, registry.TierDaily, tier)
	}
}

func TestFailedBackupDoesNotHaltLoop(t *testing.T) {
	b := &slowBackupper{err: errors.New("quiesce timeout")}
	s := scheduler.New(mulog.Logger{}, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.True(t, s.TriggerNow(registry.TierDaily))
	require.Eventually(t, func() bool {
		return b.nCalls() == 1
	}, time.Second, time.Millisecond)

	// The loop is still alive and accepts the next trigger.
	require.Eventually(t, func() bool {
		return s.TriggerNow(registry.TierDaily)
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return b.nCalls() >= 2
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
