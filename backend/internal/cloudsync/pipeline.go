package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/worldbak/worldbak/backend/internal/events"
	"github.com/worldbak/worldbak/backend/internal/registry"
	"github.com/worldbak/worldbak/backend/internal/snapshot"
	"github.com/worldbak/worldbak/backend/pkg/lockmap"
	"github.com/worldbak/worldbak/backend/pkg/ratecounter"
	"github.com/worldbak/worldbak/backend/pkg/ratelimit"
	"github.com/worldbak/worldbak/backend/pkg/ulid"
	"github.com/worldbak/worldbak/backend/pkg/uuid"
	"golang.org/x/time/rate"
)

var ErrQueueFull = errors.New("transfer queue is full")
var ErrArtifactMissing = errors.New("local artifact missing")

const DefaultPartSize = 64 * 1024 * 1024

// `RetryPolicy` is the explicit retry configuration: exponential backoff
// with jitter up to a maximum attempt count.  Which errors are terminal is
// decided by the object store driver; see `TransferError`.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterFrac  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    2 * time.Minute,
		JitterFrac:  0.2,
	}
}

// `Backoff()` returns the delay before `attempt + 1`, so attempt counting
// starts at 1.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.JitterFrac > 0 {
		j := float64(d) * p.JitterFrac
		d += time.Duration((rand.Float64()*2 - 1) * j)
	}
	if d < 0 {
		d = 0
	}
	return d
}

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type Config struct {
	Store    ObjectStore
	PartSize int64
	Retry    RetryPolicy
	// `RequestsPerSecond <= 0` disables request pacing.
	RequestsPerSecond float64
	// Optional bandwidth limit on part streams.
	BandwidthLimit *ratelimit.Bucket
	// `ArchiveDir` maps an archive id to its local artifact directory.
	ArchiveDir func(ulid.I) string
	StagingDir string
}

// `Pipeline` consumes transfer jobs from a shared FIFO queue with a pool of
// worker routines.
type Pipeline struct {
	lg      Logger
	reg     *registry.Registry
	emitter events.Emitter
	locks   *lockmap.L

	store      ObjectStore
	partSize   int64
	retry      RetryPolicy
	pace       *rate.Limiter
	bw         *ratelimit.Bucket
	counter    *ratecounter.RateCounter
	archiveDir func(ulid.I) string
	stagingDir string

	queue chan uuid.I
}

func NewPipeline(
	lg Logger,
	reg *registry.Registry,
	emitter events.Emitter,
	locks *lockmap.L,
	cfg *Config,
) *Pipeline {
	partSize := cfg.PartSize
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	var pace *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		pace = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Pipeline{
		lg:         lg,
		reg:        reg,
		emitter:    emitter,
		locks:      locks,
		store:      cfg.Store,
		partSize:   partSize,
		retry:      retry,
		pace:       pace,
		bw:         cfg.BandwidthLimit,
		counter:    ratecounter.NewRateCounter(1 * time.Second),
		archiveDir: cfg.ArchiveDir,
		stagingDir: cfg.StagingDir,
		queue:      make(chan uuid.I, 64),
	}
}

// `Run()` starts `nWorkers` worker routines and blocks until the context is
// cancelled and all workers have returned.  A worker that is cancelled
// mid-transfer leaves its job `retrying` with the resumable checkpoint
// intact; no job is silently lost.
func (p *Pipeline) Run(ctx context.Context, nWorkers int) {
	if nWorkers <= 0 {
		nWorkers = 2
	}
	var wg sync.WaitGroup
	wg.Add(nWorkers)
	for i := 0; i < nWorkers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case jobId := <-p.queue:
					_, _ = p.Process(ctx, jobId)
				}
			}
		}()
	}
	wg.Wait()
}

// `Requeue()` pushes jobs that are `queued` or `retrying` in the registry
// back onto the queue.  It is called once during startup to resume jobs from
// the previous run.
func (p *Pipeline) Requeue() {
	for _, j := range p.reg.Jobs() {
		switch j.State {
		case registry.JobQueued, registry.JobRetrying:
			select {
			case p.queue <- j.Id:
			default:
				p.lg.Warnw(
					"Transfer queue full during requeue.",
					"jobId", j.Id.String(),
				)
			}
		}
	}
}

func (p *Pipeline) EnqueueUpload(archiveId ulid.I) (uuid.I, error) {
	return p.enqueue(archiveId, registry.DirectionUpload)
}

func (p *Pipeline) EnqueueDownload(archiveId ulid.I) (uuid.I, error) {
	return p.enqueue(archiveId, registry.DirectionDownload)
}

func (p *Pipeline) enqueue(
	archiveId ulid.I, dir registry.Direction,
) (uuid.I, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, err
	}
	j := registry.TransferJob{
		Id:        id,
		ArchiveId: archiveId,
		Direction: dir,
		State:     registry.JobQueued,
		PartSize:  p.partSize,
	}
	if err := p.reg.AddJob(j); err != nil {
		return uuid.Nil, err
	}
	select {
	case p.queue <- id:
	default:
		_ = p.reg.RemoveJob(id)
		return uuid.Nil, ErrQueueFull
	}
	return id, nil
}

// `Download()` transfers a remote-only archive back into the local artifact
// store, synchronously, with the same retry machinery as queued jobs.
func (p *Pipeline) Download(ctx context.Context, archiveId ulid.I) error {
	jobId, err := p.enqueue(archiveId, registry.DirectionDownload)
	if err != nil {
		return err
	}
	j, err := p.Process(ctx, jobId)
	if err != nil {
		return err
	}
	if j.State != registry.JobDone {
		return fmt.Errorf("download failed: %s", j.LastError)
	}
	return nil
}

// `Process()` drives one job to a terminal state, or to `retrying` if the
// context is cancelled.  It returns the final job snapshot.  Jobs that reach
// a terminal state are removed from the registry after their outcome has
// been logged to the archive's remote status.
func (p *Pipeline) Process(
	ctx context.Context, jobId uuid.I,
) (registry.TransferJob, error) {
	j, err := p.reg.GetJob(jobId)
	if err != nil {
		return registry.TransferJob{}, err
	}

	// Hold the per-archive lock for the whole job, so that pruning
	// cannot race artifact deletion against an active transfer.
	if err := p.locks.Lock(ctx, j.ArchiveId.String()); err != nil {
		return j, err
	}
	defer p.locks.Unlock(j.ArchiveId.String())

	for {
		if err := p.reg.UpdateJob(jobId, func(j *registry.TransferJob) {
			j.State = registry.JobInProgress
			j.AttemptCount++
		}); err != nil {
			return j, err
		}
		j, _ = p.reg.GetJob(jobId)

		err := p.attempt(ctx, &j)
		if err == nil {
			return p.finish(jobId, j, registry.JobDone, "")
		}

		if ctx.Err() != nil {
			// Shutdown: checkpoint as retrying for the next run.
			_ = p.reg.UpdateJob(
				jobId,
				func(j *registry.TransferJob) {
					j.State = registry.JobRetrying
					j.LastError = err.Error()
				},
			)
			j, _ = p.reg.GetJob(jobId)
			return j, ctx.Err()
		}

		terminal := IsTerminal(err)
		exhausted := j.AttemptCount >= p.retry.MaxAttempts
		if terminal || exhausted {
			if exhausted && !terminal {
				err = fmt.Errorf(
					"attempt ceiling %d reached: %w",
					p.retry.MaxAttempts, err,
				)
			}
			return p.finish(
				jobId, j, registry.JobFailed, err.Error(),
			)
		}

		delay := p.retry.Backoff(j.AttemptCount)
		p.lg.Warnw(
			"Transfer attempt failed; retrying.",
			"jobId", jobId.String(),
			"archiveId", j.ArchiveId.String(),
			"attempt", j.AttemptCount,
			"delay", delay.String(),
			"err", err,
		)
		if err := p.reg.UpdateJob(
			jobId,
			func(j *registry.TransferJob) {
				j.State = registry.JobRetrying
				j.LastError = err.Error()
			},
		); err != nil {
			return j, err
		}

		select {
		case <-ctx.Done():
			j, _ = p.reg.GetJob(jobId)
			return j, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (p *Pipeline) finish(
	jobId uuid.I, j registry.TransferJob, state registry.JobState,
	lastError string,
) (registry.TransferJob, error) {
	_ = p.reg.UpdateJob(jobId, func(j *registry.TransferJob) {
		j.State = state
		j.LastError = lastError
	})
	j, _ = p.reg.GetJob(jobId)

	switch state {
	case registry.JobDone:
		if j.Direction == registry.DirectionUpload {
			_ = p.reg.SetRemote(j.ArchiveId, registry.RemoteSynced)
		}
		p.emitter.TransferCompleted(
			jobId.String(),
			j.ArchiveId.String(),
			string(j.Direction),
		)
		p.lg.Infow(
			"Transfer completed.",
			"jobId", jobId.String(),
			"archiveId", j.ArchiveId.String(),
			"direction", string(j.Direction),
			"attempts", j.AttemptCount,
		)
	case registry.JobFailed:
		if j.Direction == registry.DirectionUpload {
			_ = p.reg.SetRemote(j.ArchiveId, registry.RemoteFailed)
		}
		p.emitter.TransferFailed(
			jobId.String(),
			j.ArchiveId.String(),
			string(j.Direction),
			lastError,
		)
		p.lg.Errorw(
			"Transfer failed.",
			"jobId", jobId.String(),
			"archiveId", j.ArchiveId.String(),
			"direction", string(j.Direction),
			"attempts", j.AttemptCount,
			"err", lastError,
		)
	}

	// The job has reached a terminal state; its outcome is recorded on
	// the archive.
	_ = p.reg.RemoveJob(jobId)
	return j, nil
}

func (p *Pipeline) attempt(
	ctx context.Context, j *registry.TransferJob,
) error {
	switch j.Direction {
	case registry.DirectionUpload:
		return p.uploadAttempt(ctx, j)
	case registry.DirectionDownload:
		return p.downloadAttempt(ctx, j)
	default:
		return fmt.Errorf("invalid transfer direction")
	}
}

// `uploadAttempt()` uploads the artifact split into parts, resuming from the
// job's checkpoint.  Only parts after the checkpoint are transferred.
func (p *Pipeline) uploadAttempt(
	ctx context.Context, j *registry.TransferJob,
) error {
	dir := p.archiveDir(j.ArchiveId)
	fp, err := os.Open(filepath.Join(dir, snapshot.DataFile))
	if os.IsNotExist(err) {
		return &TransferError{
			Op: "upload", Key: j.ArchiveId.String(),
			Terminal: true, Err: ErrArtifactMissing,
		}
	} else if err != nil {
		return err
	}
	defer func() { _ = fp.Close() }()

	inf, err := fp.Stat()
	if err != nil {
		return err
	}
	size := inf.Size()
	partSize := j.PartSize
	if partSize <= 0 {
		partSize = p.partSize
	}
	nParts := int((size + partSize - 1) / partSize)
	if nParts == 0 {
		nParts = 1
	}

	if err := p.reg.SetRemote(
		j.ArchiveId, registry.RemoteUploading,
	); err != nil {
		return err
	}

	for part := j.PartsDone; part < nParts; part++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.wait(ctx); err != nil {
			return err
		}

		off := int64(part) * partSize
		n := partSize
		if off+n > size {
			n = size - off
		}
		var r io.Reader = io.NewSectionReader(fp, off, n)
		if p.bw != nil {
			r = ratelimit.Reader(r, p.bw)
		}
		r = &countingReader{r: r, counter: p.counter}

		key := partKey(j.ArchiveId, part)
		if _, err := p.store.Put(ctx, key, r); err != nil {
			return err
		}

		if err := p.reg.UpdateJob(
			j.Id,
			func(j *registry.TransferJob) {
				j.PartsDone = part + 1
			},
		); err != nil {
			return err
		}
		j.PartsDone = part + 1
		p.lg.Infow(
			"Uploaded part.",
			"jobId", j.Id.String(),
			"archiveId", j.ArchiveId.String(),
			"part", part,
			"nParts", nParts,
			"bytesPerSecond", p.counter.Rate(),
		)
	}

	for _, name := range []string{
		snapshot.ManifestFile, snapshot.SumFile,
	} {
		if err := p.wait(ctx); err != nil {
			return err
		}
		mp, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		key := j.ArchiveId.String() + "/" + name
		_, err = p.store.Put(ctx, key, mp)
		_ = mp.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// `downloadAttempt()` mirrors the remote parts into a staging directory,
// resuming from the checkpoint, then assembles the artifact and publishes it
// into the archive store with a single rename.
func (p *Pipeline) downloadAttempt(
	ctx context.Context, j *registry.TransferJob,
) error {
	prefix := j.ArchiveId.String() + "/part."
	keys, err := p.store.List(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return &TransferError{
			Op: "download", Key: j.ArchiveId.String(),
			Terminal: true,
			Err:      fmt.Errorf("no remote parts"),
		}
	}

	// Listings come back in lexicographic key order, which diverges from
	// numeric part order once indices grow past four digits.  Order the
	// parts by their parsed index and require a contiguous range.
	parts := make([]string, len(keys))
	for _, key := range keys {
		idx, err := strconv.Atoi(key[len(prefix):])
		if err != nil || idx < 0 || idx >= len(parts) ||
			parts[idx] != "" {
			return &TransferError{
				Op: "download", Key: key,
				Terminal: true,
				Err:      fmt.Errorf("unexpected part key"),
			}
		}
		parts[idx] = key
	}

	staging := filepath.Join(
		p.stagingDir, j.ArchiveId.String()+".download",
	)
	if err := os.MkdirAll(staging, 0777); err != nil {
		return err
	}

	for i, key := range parts {
		if i < j.PartsDone {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.wait(ctx); err != nil {
			return err
		}
		if err := p.fetchPart(ctx, staging, key, i); err != nil {
			return err
		}
		if err := p.reg.UpdateJob(
			j.Id,
			func(j *registry.TransferJob) {
				j.PartsDone = i + 1
			},
		); err != nil {
			return err
		}
		j.PartsDone = i + 1
	}

	for _, name := range []string{
		snapshot.ManifestFile, snapshot.SumFile,
	} {
		if err := p.wait(ctx); err != nil {
			return err
		}
		if err := p.fetchFile(
			ctx, staging, j.ArchiveId.String()+"/"+name, name,
		); err != nil {
			return err
		}
	}

	if err := assembleParts(staging, len(keys)); err != nil {
		return err
	}

	final := p.archiveDir(j.ArchiveId)
	if err := os.Rename(staging, final); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) fetchPart(
	ctx context.Context, staging, key string, part int,
) error {
	return p.fetchFile(
		ctx, staging, key, fmt.Sprintf("part.%04d", part),
	)
}

func (p *Pipeline) fetchFile(
	ctx context.Context, staging, key, name string,
) error {
	src, err := p.store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	var r io.Reader = src
	if p.bw != nil {
		r = ratelimit.Reader(r, p.bw)
	}
	r = &countingReader{r: r, counter: p.counter}

	tmp := filepath.Join(staging, name+".tmp")
	fp, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fp, r); err != nil {
		_ = fp.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := fp.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, filepath.Join(staging, name))
}

// `assembleParts()` concatenates the fetched parts into the artifact data
// file and removes them.
func assembleParts(staging string, nParts int) error {
	dst, err := os.Create(filepath.Join(staging, snapshot.DataFile))
	if err != nil {
		return err
	}
	defer func() {
		if dst != nil {
			_ = dst.Close()
		}
	}()

	for part := 0; part < nParts; part++ {
		name := filepath.Join(
			staging, fmt.Sprintf("part.%04d", part),
		)
		src, err := os.Open(name)
		if err != nil {
			return err
		}
		_, err = io.Copy(dst, src)
		_ = src.Close()
		if err != nil {
			return err
		}
	}
	if err := dst.Close(); err != nil {
		dst = nil
		return err
	}
	dst = nil

	for part := 0; part < nParts; part++ {
		name := filepath.Join(
			staging, fmt.Sprintf("part.%04d", part),
		)
		if err := os.Remove(name); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) wait(ctx context.Context) error {
	if p.pace == nil {
		return nil
	}
	return p.pace.Wait(ctx)
}

func partKey(id ulid.I, part int) string {
	return fmt.Sprintf("%s/part.%04d", id, part)
}

type countingReader struct {
	r       io.Reader
	counter *ratecounter.RateCounter
}

func (c *countingReader) Read(buf []byte) (int, error) {
	n, err := c.r.Read(buf)
	if n > 0 {
		c.counter.Incr(int64(n))
	}
	return n, err
}
