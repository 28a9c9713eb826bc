// Package `backup` composes one backup cycle: quiesce, build, verify,
// register, retention, and upload hand-off.
package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/worldbak/worldbak/backend/internal/events"
	"github.com/worldbak/worldbak/backend/internal/quiesce"
	"github.com/worldbak/worldbak/backend/internal/registry"
	"github.com/worldbak/worldbak/backend/internal/retain"
	"github.com/worldbak/worldbak/backend/internal/snapshot"
	"github.com/worldbak/worldbak/backend/internal/verify"
	"github.com/worldbak/worldbak/backend/pkg/ulid"
	"github.com/worldbak/worldbak/backend/pkg/uuid"
	"golang.org/x/sync/semaphore"
)

// `ErrIntegrityMismatch` is returned when a freshly built archive fails
// verification twice: the initial build and the one automatic rebuild.
var ErrIntegrityMismatch = verify.ErrIntegrityMismatch

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

// `Uploader` is the hand-off to the cloud sync pipeline.
type Uploader interface {
	EnqueueUpload(archiveId ulid.I) (uuid.I, error)
}

// `Builder` creates and discards local artifacts; see package `snapshot`.
type Builder interface {
	Build(ctx context.Context, id ulid.I) (*snapshot.Result, error)
	Discard(id ulid.I) error
}

type Runner struct {
	lg        Logger
	reg       *registry.Registry
	quiesce   *quiesce.Coordinator
	builder   Builder
	retention *retain.Manager
	// `uploader` is nil when no remote is configured.
	uploader Uploader
	emitter  events.Emitter
	// A semaphore with weight 1 serializes backups with context
	// cancelation; exactly one snapshot build is in flight system-wide.
	sem *semaphore.Weighted
}

func NewRunner(
	lg Logger,
	reg *registry.Registry,
	qc *quiesce.Coordinator,
	builder Builder,
	retention *retain.Manager,
	uploader Uploader,
	emitter events.Emitter,
) *Runner {
	return &Runner{
		lg:        lg,
		reg:       reg,
		quiesce:   qc,
		builder:   builder,
		retention: retention,
		uploader:  uploader,
		emitter:   emitter,
		sem:       semaphore.NewWeighted(1),
	}
}

// `Backup()` runs one full cycle and returns the new archive id.  On
// failure the registry gains no new archive, with one exception: an archive
// that fails verification after the automatic rebuild is registered as
// corrupt, so that the operator can inspect the artifact.
func (r *Runner) Backup(
	ctx context.Context, tier registry.Tier,
) (ulid.I, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return ulid.Nil, err
	}
	defer r.sem.Release(1)

	// One automatic rebuild on a fresh integrity mismatch, then
	// surface.
	var id ulid.I
	var res *snapshot.Result
	var vres *verify.Result
	for attempt := 1; ; attempt++ {
		var err error
		id, res, err = r.buildOnce(ctx)
		if err != nil {
			return ulid.Nil, err
		}

		vres, err = verify.Archive(ctx, res.Dir)
		if err != nil {
			return ulid.Nil, err
		}
		if vres.Status == verify.StatusValid || attempt > 1 {
			break
		}

		r.lg.Warnw(
			"Fresh archive failed verification; rebuilding once.",
			"id", id.String(),
			"mismatches", vres.Mismatches,
		)
		if err := r.builder.Discard(id); err != nil {
			return ulid.Nil, err
		}
	}

	consistency := registry.ConsistencyClean
	if res.Degraded {
		consistency = registry.ConsistencyDegraded
	}
	integrity := registry.IntegrityValid
	if vres.Status == verify.StatusCorrupt {
		integrity = registry.IntegrityCorrupt
	}

	a := registry.Archive{
		Id:          id,
		CreatedAt:   ulid.Time(id),
		Tier:        tier,
		SizeBytes:   res.SizeBytes,
		NFiles:      res.Manifest.Len(),
		Aggregate:   res.Aggregate,
		Integrity:   integrity,
		Remote:      registry.RemoteAbsent,
		Consistency: consistency,
	}
	if err := r.reg.AddArchive(a); err != nil {
		return ulid.Nil, err
	}
	r.emitter.ArchiveCreated(id.String(), string(tier), string(consistency))
	r.emitter.ArchiveVerified(id.String(), string(integrity))

	if integrity == registry.IntegrityCorrupt {
		return id, fmt.Errorf(
			"%w: archive %s failed verification after rebuild: %v",
			ErrIntegrityMismatch, id, vres.Mismatches,
		)
	}

	// Retention operates on a registry snapshot taken after the build
	// has completed, never concurrently with one.
	if err := r.retention.Prune(ctx); err != nil {
		r.lg.Warnw("Retention pruning reported errors.", "err", err)
	}

	if r.uploader != nil {
		if _, err := r.uploader.EnqueueUpload(id); err != nil {
			r.lg.Warnw(
				"Failed to enqueue upload.",
				"id", id.String(),
				"err", err,
			)
		}
	}

	return id, nil
}

func (r *Runner) buildOnce(
	ctx context.Context,
) (ulid.I, *snapshot.Result, error) {
	id, err := ulid.New()
	if err != nil {
		return ulid.Nil, nil, err
	}

	h, err := r.quiesce.Acquire(ctx)
	if err != nil {
		return ulid.Nil, nil, err
	}
	defer h.Release()

	start := time.Now()
	res, err := r.builder.Build(ctx, id)
	if err != nil {
		return ulid.Nil, nil, err
	}
	if h.Degraded() {
		res.Degraded = true
	}
	r.lg.Infow(
		"Snapshot build completed.",
		"id", id.String(),
		"duration", time.Since(start).String(),
	)
	return id, res, nil
}
