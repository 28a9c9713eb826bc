package quiesce_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/worldbak/worldbak/backend/internal/quiesce"
	"github.com/worldbak/worldbak/backend/pkg/mulog"
)

// `fakeConn` scripts the writer's command channel.
type fakeConn struct {
	mu   sync.Mutex
	cmds []string
	// `stall` blocks the listed commands until the context expires.
	stall map[string]bool
	// `fail` returns an error for the listed commands.
	fail map[string]error
}

func (c *fakeConn) SendCommand(
	ctx context.Context, cmd string,
) (string, error) {
	c.mu.Lock()
	c.cmds = append(c.cmds, cmd)
	stall := c.stall[cmd]
	err := c.fail[cmd]
	c.mu.Unlock()

	if stall {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return "ok", nil
}

func (c *fakeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.cmds...)
}

func TestAcquireRelease(t *testing.T) {
	conn := &fakeConn{}
	qc := quiesce.NewCoordinator(
		mulog.Logger{}, conn, time.Second, quiesce.FailClosed,
	)

	h, err := qc.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, h.Degraded())
	require.Equal(t, []string{"save-all flush", "save-off"}, conn.sent())

	h.Release()
	require.Equal(
		t, []string{"save-all flush", "save-off", "save-on"},
		conn.sent(),
	)

	// Release is idempotent.
	h.Release()
	require.Len(t, conn.sent(), 3)
}

func TestAcquireTimeoutFailClosed(t *testing.T) {
	conn := &fakeConn{stall: map[string]bool{"save-all flush": true}}
	qc := quiesce.NewCoordinator(
		mulog.Logger{}, conn, 20*time.Millisecond, quiesce.FailClosed,
	)

	_, err := qc.Acquire(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, quiesce.ErrQuiesceTimeout))
}

func TestAcquireTimeoutDegraded(t *testing.T) {
	conn := &fakeConn{stall: map[string]bool{"save-off": true}}
	qc := quiesce.NewCoordinator(
		mulog.Logger{}, conn, 20*time.Millisecond, quiesce.Degraded,
	)

	h, err := qc.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, h.Degraded())

	// The writer was never paused; release must not resume it.
	h.Release()
	for _, cmd := range conn.sent() {
		require.NotEqual(t, "save-on", cmd)
	}
}

func TestAcquireNonTimeoutErrorIsNotDegraded(t *testing.T) {
	connErr := errors.New("connection refused")
	conn := &fakeConn{fail: map[string]error{"save-all flush": connErr}}
	qc := quiesce.NewCoordinator(
		mulog.Logger{}, conn, time.Second, quiesce.FailClosed,
	)

	_, err := qc.Acquire(context.Background())
	require.Error(t, err)
	require.False(t, errors.Is(err, quiesce.ErrQuiesceTimeout))
}

func TestStop(t *testing.T) {
	conn := &fakeConn{}
	qc := quiesce.NewCoordinator(
		mulog.Logger{}, conn, time.Second, quiesce.FailClosed,
	)
	require.NoError(t, qc.Stop(context.Background()))
	require.Equal(t, []string{"stop"}, conn.sent())
}

func TestStopTimeout(t *testing.T) {
	conn := &fakeConn{stall: map[string]bool{"stop": true}}
	qc := quiesce.NewCoordinator(
		mulog.Logger{}, conn, 20*time.Millisecond, quiesce.FailClosed,
	)
	err := qc.Stop(context.Background())
	require.True(t, errors.Is(err, quiesce.ErrQuiesceTimeout))
}
