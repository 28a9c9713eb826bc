// Package `scheduler` triggers snapshot creation on a timed or explicit
// basis.
//
// States: Idle -> Triggered -> Running -> Idle.  A trigger arriving while
// one is pending or running coalesces into at most one pending trigger;
// extra triggers are dropped and logged, never queued unboundedly and never
// run concurrently.
package scheduler

import (
	"context"
	"time"

	"github.com/worldbak/worldbak/backend/internal/registry"
	"github.com/worldbak/worldbak/backend/pkg/ulid"
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

// `Backupper` runs one backup cycle; see package `backup`.
type Backupper interface {
	Backup(ctx context.Context, tier registry.Tier) (ulid.I, error)
}

// `Entry` is one schedule line: create a `Tier` archive every `Every`.
type Entry struct {
	Every    time.Duration
	Tier     registry.Tier
	Disabled bool
}

type Trigger struct {
	Tier   registry.Tier
	Source string
}

type Scheduler struct {
	lg      Logger
	backup  Backupper
	entries []Entry
	// `pending` has capacity 1, which is the coalescing.
	pending chan Trigger
}

func New(lg Logger, backup Backupper, entries []Entry) *Scheduler {
	return &Scheduler{
		lg:      lg,
		backup:  backup,
		entries: entries,
		pending: make(chan Trigger, 1),
	}
}

// `TriggerNow()` requests an explicit backup.  It returns false if the
// trigger was dropped because one is already pending.
func (s *Scheduler) TriggerNow(tier registry.Tier) bool {
	return s.offer(Trigger{Tier: tier, Source: "explicit"})
}

func (s *Scheduler) offer(t Trigger) bool {
	select {
	case s.pending <- t:
		return true
	default:
		s.lg.Warnw(
			"Dropped backup trigger; one is already pending.",
			"tier", string(t.Tier),
			"source", t.Source,
		)
		return false
	}
}

// `Run()` drives the trigger loop until the context is cancelled.  A failed
// backup is logged and does not halt the loop; the next trigger proceeds
// normally.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, e := range s.entries {
		if e.Disabled {
			continue
		}
		e := e
		go s.tick(ctx, e)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-s.pending:
			s.runOne(ctx, t)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, e Entry) {
	ticker := time.NewTicker(e.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.offer(Trigger{Tier: e.Tier, Source: "schedule"})
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, t Trigger) {
	s.lg.Infow(
		"Started scheduled backup.",
		"tier", string(t.Tier),
		"source", t.Source,
	)
	id, err := s.backup.Backup(ctx, t.Tier)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.lg.Errorw(
			"Scheduled backup failed; retention untouched.",
			"tier", string(t.Tier),
			"err", err,
		)
		return
	}
	s.lg.Infow(
		"Completed scheduled backup.",
		"tier", string(t.Tier),
		"id", id.String(),
	)
}
