// Package `retain` applies the tiered grandfather-father-son retention
// policy over the archive registry.
//
// `Apply()` is a pure function from a policy and an archive list to a
// keep/delete plan.  `Manager.Prune()` executes a plan against the local
// artifact store and, when configured, the remote object store.
//
// Period boundaries: days and months use the UTC calendar; weeks use ISO
// weeks (`time.Time.ISOWeek`).
package retain

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/worldbak/worldbak/backend/internal/events"
	"github.com/worldbak/worldbak/backend/internal/registry"
	"github.com/worldbak/worldbak/backend/pkg/lockmap"
	"github.com/worldbak/worldbak/backend/pkg/ulid"
)

// `Policy` is immutable per application run.
type Policy struct {
	Daily   int
	Weekly  int
	Monthly int
}

// `KeepReason` records why an archive is retained, for logging.
type KeepReason string

const (
	KeepDaily   KeepReason = "daily"
	KeepWeekly  KeepReason = "weekly"
	KeepMonthly KeepReason = "monthly"
	KeepManual  KeepReason = "manual"
	// `KeepSafetyFloor` marks the single most recent archive, which is
	// always retained regardless of policy.  Informational, not an
	// error.
	KeepSafetyFloor KeepReason = "safety-floor"
)

type Plan struct {
	Keep   map[ulid.I]KeepReason
	Delete []ulid.I
}

type periodFunc func(time.Time) string

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func weekKey(t time.Time) string {
	y, w := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// `Apply()` buckets archives by tier period.  Each period contributes at
// most one representative: the earliest archive within the period that has
// not been classified by a previous tier.  Each tier keeps its N most recent
// representatives.  The union of kept representatives, all manual archives,
// and the single most recent archive overall (safety floor) is retained;
// everything else is marked for deletion.
func Apply(policy Policy, archives []registry.Archive) Plan {
	plan := Plan{Keep: make(map[ulid.I]KeepReason)}
	if len(archives) == 0 {
		return plan
	}

	as := make([]registry.Archive, len(archives))
	copy(as, archives)
	// Sort by creation time ascending.  Ties favor the most recently
	// created candidate, which for equal timestamps is the larger id.
	sort.Slice(as, func(i, k int) bool {
		if !as[i].CreatedAt.Equal(as[k].CreatedAt) {
			return as[i].CreatedAt.Before(as[k].CreatedAt)
		}
		return as[i].Id.Compare(as[k].Id) > 0
	})

	for _, a := range as {
		if a.Tier == registry.TierManual {
			plan.Keep[a.Id] = KeepManual
		}
	}

	tiers := []struct {
		n      int
		period periodFunc
		reason KeepReason
	}{
		{policy.Daily, dayKey, KeepDaily},
		{policy.Weekly, weekKey, KeepWeekly},
		{policy.Monthly, monthKey, KeepMonthly},
	}

	for _, tier := range tiers {
		// Each period contributes at most one representative: the
		// earliest archive within the period that has not already
		// been classified by a previous tier.
		reps := make([]registry.Archive, 0)
		seen := make(map[string]struct{})
		for _, a := range as {
			if a.Tier == registry.TierManual {
				continue
			}
			if _, ok := plan.Keep[a.Id]; ok {
				continue
			}
			key := tier.period(a.CreatedAt)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			reps = append(reps, a)
		}

		// Keep the N most recent representatives; the rest remain
		// deletion candidates.
		start := len(reps) - tier.n
		if start < 0 {
			start = 0
		}
		for _, a := range reps[start:] {
			plan.Keep[a.Id] = tier.reason
		}
	}

	// Safety floor: never delete the single most recent archive.
	newest := as[0]
	for _, a := range as[1:] {
		if a.CreatedAt.After(newest.CreatedAt) ||
			(a.CreatedAt.Equal(newest.CreatedAt) &&
				a.Id.Compare(newest.Id) > 0) {
			newest = a
		}
	}
	if _, ok := plan.Keep[newest.Id]; !ok {
		plan.Keep[newest.Id] = KeepSafetyFloor
	}

	for _, a := range as {
		if _, ok := plan.Keep[a.Id]; !ok {
			plan.Delete = append(plan.Delete, a.Id)
		}
	}
	sort.Slice(plan.Delete, func(i, k int) bool {
		return plan.Delete[i].Compare(plan.Delete[k]) < 0
	})
	return plan
}

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
}

// `RemoteStore` is the subset of the object store that pruning needs for
// remote deletion.
type RemoteStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

type Options struct {
	// `RemoteRequired` blocks local deletion until the remote copy is
	// confirmed synced.  `LocalOnlyPrune` overrides it.
	RemoteRequired bool
	LocalOnlyPrune bool
	// `DeleteRemote` also removes the remote copy, only ever after its
	// synced status has been confirmed.
	DeleteRemote bool
	DryRun       bool
}

type Manager struct {
	lg         Logger
	reg        *registry.Registry
	policy     Policy
	archiveDir func(ulid.I) string
	locks      *lockmap.L
	remote     RemoteStore
	emitter    events.Emitter
	opts       Options
}

func NewManager(
	lg Logger,
	reg *registry.Registry,
	policy Policy,
	archiveDir func(ulid.I) string,
	locks *lockmap.L,
	remote RemoteStore,
	emitter events.Emitter,
	opts Options,
) *Manager {
	return &Manager{
		lg:         lg,
		reg:        reg,
		policy:     policy,
		archiveDir: archiveDir,
		locks:      locks,
		remote:     remote,
		emitter:    emitter,
		opts:       opts,
	}
}

// `Prune()` applies the policy to a fresh registry snapshot and deletes the
// local artifacts of archives marked for deletion.  Deletion is skipped, and
// deferred to the next pruning pass, for any archive whose remote status is
// `uploading`, so there is no window in which the only copy could vanish.
func (m *Manager) Prune(ctx context.Context) error {
	plan := Apply(m.policy, m.reg.Archives())

	for id, reason := range plan.Keep {
		if reason == KeepSafetyFloor {
			m.lg.Infow(
				"Retention safety floor: kept most recent "+
					"archive that no tier would keep.",
				"archiveId", id.String(),
			)
		}
	}

	var errFirst error
	for _, id := range plan.Delete {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.pruneOne(ctx, id); err != nil {
			m.lg.Warnw(
				"Prune failed for archive; continuing.",
				"archiveId", id.String(),
				"err", err,
			)
			if errFirst == nil {
				errFirst = err
			}
		}
	}
	return errFirst
}

func (m *Manager) pruneOne(ctx context.Context, id ulid.I) error {
	// Re-read at the point of decision; the registry may have changed
	// since the plan was computed.
	a, err := m.reg.GetArchive(id)
	if err == registry.ErrUnknownArchive {
		return nil
	} else if err != nil {
		return err
	}

	if a.Remote == registry.RemoteUploading {
		m.lg.Infow(
			"Deferred prune: archive is uploading.",
			"archiveId", id.String(),
		)
		return nil
	}
	if m.opts.RemoteRequired && !m.opts.LocalOnlyPrune &&
		a.Remote != registry.RemoteSynced {
		m.lg.Infow(
			"Deferred prune: archive not yet synced.",
			"archiveId", id.String(),
			"remoteStatus", string(a.Remote),
		)
		return nil
	}

	if m.opts.DryRun {
		m.lg.Warnw(
			"Would prune archive.",
			"archiveId", id.String(),
		)
		return nil
	}

	if err := m.locks.Lock(ctx, id.String()); err != nil {
		return err
	}
	defer m.locks.Unlock(id.String())

	if err := os.RemoveAll(m.archiveDir(id)); err != nil {
		return err
	}
	if err := m.reg.RemoveArchive(id); err != nil {
		return err
	}
	m.emitter.ArchivePruned(id.String())
	m.lg.Infow("Pruned archive.", "archiveId", id.String())

	// Remote deletion only after the remote copy's synced status has
	// been confirmed, never speculatively.
	if m.opts.DeleteRemote && m.remote != nil &&
		a.Remote == registry.RemoteSynced {
		if err := m.deleteRemote(ctx, id); err != nil {
			m.lg.Warnw(
				"Failed to delete remote copy.",
				"archiveId", id.String(),
				"err", err,
			)
		}
	}
	return nil
}

func (m *Manager) deleteRemote(ctx context.Context, id ulid.I) error {
	keys, err := m.remote.List(ctx, id.String()+"/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.remote.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
