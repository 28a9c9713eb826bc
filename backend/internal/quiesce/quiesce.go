// Package `quiesce` coordinates with the live writer over its administrative
// command channel so that a consistent copy of the data directory can be
// taken while the writer keeps running.
//
// `Acquire()` flushes and pauses the writer's persistence and returns a
// `Handle`.  `Handle.Release()` resumes persistence; it is idempotent and
// must run on every exit path of the caller, typically via `defer`.
package quiesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// `ErrQuiesceTimeout` indicates that the writer did not acknowledge the
// flush-and-pause instruction within the configured timeout.
var ErrQuiesceTimeout = errors.New("quiesce timeout")

// The writer's persistence commands.  `save-all flush` forces pending chunks
// to disk, `save-off` pauses automatic saving, `save-on` resumes it, `stop`
// shuts the writer down.
const (
	cmdFlush  = "save-all flush"
	cmdPause  = "save-off"
	cmdResume = "save-on"
	cmdStop   = "stop"
)

const DefaultTimeout = 30 * time.Second

// `Policy` selects the behavior when the writer does not acknowledge in time.
// `FailClosed` aborts the backup.  `Degraded` proceeds with an unquiesced
// copy; the resulting archive is marked degraded.
type Policy int

const (
	PolicyUnspecified Policy = iota
	FailClosed
	Degraded
)

// `Conn` is the administrative command channel.  `SendCommand()` must respect
// the context deadline.
type Conn interface {
	SendCommand(ctx context.Context, cmd string) (string, error)
}

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
}

type Coordinator struct {
	lg      Logger
	conn    Conn
	timeout time.Duration
	policy  Policy
}

func NewCoordinator(
	lg Logger, conn Conn, timeout time.Duration, policy Policy,
) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if policy == PolicyUnspecified {
		policy = FailClosed
	}
	return &Coordinator{
		lg:      lg,
		conn:    conn,
		timeout: timeout,
		policy:  policy,
	}
}

// `Handle` represents an acquired quiesce.  `Degraded()` reports whether the
// writer could not be paused and the copy will be taken unquiesced.
type Handle struct {
	c        *Coordinator
	degraded bool
	once     sync.Once
}

func (h *Handle) Degraded() bool {
	return h.degraded
}

// `Release()` resumes the writer's persistence.  It uses its own timeout
// context, not the caller's, so that persistence is resumed even if the
// caller has been cancelled.
func (h *Handle) Release() {
	h.once.Do(func() {
		if h.degraded {
			// The writer was never paused.
			return
		}
		ctx, cancel := context.WithTimeout(
			context.Background(), h.c.timeout,
		)
		defer cancel()
		if _, err := h.c.conn.SendCommand(ctx, cmdResume); err != nil {
			h.c.lg.Warnw(
				"Failed to resume writer persistence.",
				"err", err,
			)
			return
		}
		h.c.lg.Infow("Resumed writer persistence.")
	})
}

// `Acquire()` flushes and pauses the writer's persistence.  On timeout, the
// policy decides: fail-closed returns `ErrQuiesceTimeout`; degraded returns a
// handle with `Degraded() == true`.
func (c *Coordinator) Acquire(ctx context.Context) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := func() error {
		if _, err := c.conn.SendCommand(ctx, cmdFlush); err != nil {
			return err
		}
		if _, err := c.conn.SendCommand(ctx, cmdPause); err != nil {
			return err
		}
		return nil
	}()
	if err == nil {
		c.lg.Infow("Paused writer persistence.")
		return &Handle{c: c}, nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s", ErrQuiesceTimeout, err)
	}

	switch c.policy {
	case Degraded:
		c.lg.Warnw(
			"Proceeding unquiesced; archive will be degraded.",
			"err", err,
		)
		return &Handle{c: c, degraded: true}, nil
	default:
		return nil, err
	}
}

// `Stop()` is the stronger variant used by restore: it fully stops the
// writer instead of pausing its persistence.  There is no corresponding
// start command on the channel; restarting the writer is delegated to an
// external supervisor.
func (c *Coordinator) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.conn.SendCommand(ctx, cmdStop); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrQuiesceTimeout, err)
		}
		return err
	}
	c.lg.Infow("Stopped writer.")
	return nil
}
