// Package `restore` reverses the backup process: verify, stop the writer,
// stage, atomically swap, resume.
//
// Every step before the directory swap can fail or be cancelled without
// touching the live data set.  The swap itself is two renames and is treated
// as effectively instantaneous and uninterruptible.  After the swap the
// pre-restore directory is preserved, renamed aside, until an operator
// confirms recovery; automated double-rollback is out of scope.
package restore

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/DataDog/zstd"
	"github.com/worldbak/worldbak/backend/internal/events"
	"github.com/worldbak/worldbak/backend/internal/quiesce"
	"github.com/worldbak/worldbak/backend/internal/registry"
	"github.com/worldbak/worldbak/backend/internal/snapshot"
	"github.com/worldbak/worldbak/backend/internal/verify"
	"github.com/worldbak/worldbak/backend/pkg/ulid"
)

// `ErrRestoreAborted` covers all failures before the atomic swap; the live
// data set is untouched.
var ErrRestoreAborted = errors.New("restore aborted")

// `FatalError` reports a failure at or after the atomic swap.  It is a
// human-actionable condition; the pre-restore directory is preserved at
// `PreRestoreDir`.
type FatalError struct {
	PreRestoreDir string
	Err           error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf(
		"fatal restore failure, pre-restore data preserved at `%s`: %v",
		e.PreRestoreDir, e.Err,
	)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

// `Downloader` fetches a remote-only archive into the local artifact store;
// see package `cloudsync`.
type Downloader interface {
	Download(ctx context.Context, archiveId ulid.I) error
}

type Orchestrator struct {
	lg      Logger
	reg     *registry.Registry
	quiesce *quiesce.Coordinator
	// `downloader` is nil when no remote is configured.
	downloader Downloader
	emitter    events.Emitter

	liveDir    string
	stagingDir string
	archiveDir func(ulid.I) string
	// `startWriter` restarts the writer after the swap, typically via an
	// external supervisor.
	startWriter func(ctx context.Context) error
}

func NewOrchestrator(
	lg Logger,
	reg *registry.Registry,
	qc *quiesce.Coordinator,
	downloader Downloader,
	emitter events.Emitter,
	liveDir, stagingDir string,
	archiveDir func(ulid.I) string,
	startWriter func(ctx context.Context) error,
) *Orchestrator {
	return &Orchestrator{
		lg:          lg,
		reg:         reg,
		quiesce:     qc,
		downloader:  downloader,
		emitter:     emitter,
		liveDir:     liveDir,
		stagingDir:  stagingDir,
		archiveDir:  archiveDir,
		startWriter: startWriter,
	}
}

func (o *Orchestrator) Restore(ctx context.Context, id ulid.I) error {
	err := o.restore(ctx, id)
	if err == nil {
		o.emitter.RestoreCompleted(id.String())
		return nil
	}
	o.emitter.RestoreFailed(id.String(), err.Error())
	return err
}

func (o *Orchestrator) restore(ctx context.Context, id ulid.I) error {
	a, err := o.reg.GetArchive(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRestoreAborted, err)
	}

	dir := o.archiveDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if o.downloader == nil {
			return fmt.Errorf(
				"%w: archive is remote-only and no remote "+
					"is configured", ErrRestoreAborted,
			)
		}
		o.lg.Infow(
			"Downloading remote-only archive for restore.",
			"id", id.String(),
		)
		if err := o.downloader.Download(ctx, id); err != nil {
			return fmt.Errorf("%w: %s", ErrRestoreAborted, err)
		}
	}

	// Verification is mandatory before any restore, including for
	// artifacts that have just been downloaded.
	vres, err := verify.Archive(ctx, dir)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRestoreAborted, err)
	}
	status := registry.IntegrityValid
	if vres.Status == verify.StatusCorrupt {
		status = registry.IntegrityCorrupt
	}
	if err := o.reg.SetIntegrity(id, status); err != nil &&
		err != registry.ErrIntegrityFinal {
		return fmt.Errorf("%w: %s", ErrRestoreAborted, err)
	}
	o.emitter.ArchiveVerified(id.String(), string(status))
	if status == registry.IntegrityCorrupt {
		return fmt.Errorf(
			"%w: %s: %v",
			ErrRestoreAborted, verify.ErrIntegrityMismatch,
			vres.Mismatches,
		)
	}
	if a.Consistency == registry.ConsistencyDegraded {
		o.lg.Warnw(
			"Restoring an archive that was built without full "+
				"quiesce coordination.",
			"id", id.String(),
		)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s", ErrRestoreAborted, err)
	}

	// Stage before stopping the writer: extraction is the slow part,
	// and it does not touch the live data set.
	staged := filepath.Join(
		o.stagingDir, fmt.Sprintf("restore-%s", id),
	)
	if err := o.stage(ctx, dir, staged); err != nil {
		_ = os.RemoveAll(staged)
		return fmt.Errorf("%w: %s", ErrRestoreAborted, err)
	}

	if err := ctx.Err(); err != nil {
		_ = os.RemoveAll(staged)
		return fmt.Errorf("%w: %s", ErrRestoreAborted, err)
	}

	if err := o.quiesce.Stop(ctx); err != nil {
		_ = os.RemoveAll(staged)
		return fmt.Errorf("%w: %s", ErrRestoreAborted, err)
	}

	// Last cancellation point before the swap.
	if err := ctx.Err(); err != nil {
		_ = os.RemoveAll(staged)
		return fmt.Errorf("%w: %s", ErrRestoreAborted, err)
	}

	aside := fmt.Sprintf(
		"%s.pre-restore-%s",
		o.liveDir, time.Now().UTC().Format("20060102T150405Z"),
	)
	if err := os.Rename(o.liveDir, aside); err != nil {
		_ = os.RemoveAll(staged)
		return fmt.Errorf("%w: %s", ErrRestoreAborted, err)
	}
	if err := os.Rename(staged, o.liveDir); err != nil {
		// Half-completed swap.  Attempt to move the original back;
		// either way this is an operator condition.
		if rerr := os.Rename(aside, o.liveDir); rerr == nil {
			return fmt.Errorf("%w: %s", ErrRestoreAborted, err)
		}
		return &FatalError{PreRestoreDir: aside, Err: err}
	}
	o.lg.Infow(
		"Swapped restored data set into place.",
		"id", id.String(),
		"preRestoreDir", aside,
	)

	if err := o.startWriter(ctx); err != nil {
		return &FatalError{PreRestoreDir: aside, Err: err}
	}
	o.lg.Infow("Writer resumed after restore.", "id", id.String())
	return nil
}

// `stage()` extracts the artifact into `dest`, checksumming every member
// against the manifest.  The staged tree is complete and verified before
// the caller proceeds to the swap.
func (o *Orchestrator) stage(
	ctx context.Context, artifactDir, dest string,
) error {
	mfp, err := os.Open(filepath.Join(artifactDir, snapshot.ManifestFile))
	if err != nil {
		return err
	}
	mf, err := snapshot.ReadManifest(mfp)
	_ = mfp.Close()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dest, 0777); err != nil {
		return err
	}

	fp, err := os.Open(filepath.Join(artifactDir, snapshot.DataFile))
	if err != nil {
		return err
	}
	defer func() { _ = fp.Close() }()

	zr := zstd.NewReader(fp)
	defer func() { _ = zr.Close() }()
	tr := tar.NewReader(zr)

	extracted := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		want, ok := mf.Get(hdr.Name)
		if !ok {
			return fmt.Errorf(
				"member `%s` not in manifest", hdr.Name,
			)
		}

		abspath := filepath.Join(
			dest, filepath.FromSlash(hdr.Name),
		)
		if err := os.MkdirAll(filepath.Dir(abspath), 0777); err != nil {
			return err
		}
		out, err := os.OpenFile(
			abspath,
			os.O_WRONLY|os.O_CREATE|os.O_EXCL,
			os.FileMode(hdr.Mode)&os.ModePerm,
		)
		if err != nil {
			return err
		}

		h := sha256.New()
		_, err = io.Copy(io.MultiWriter(out, h), tr)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		if got := hex.EncodeToString(h.Sum(nil)); got != want.Sha256 {
			return fmt.Errorf(
				"member `%s`: staged sha256 %s, manifest %s",
				hdr.Name, got, want.Sha256,
			)
		}
		extracted++
	}
	if extracted != mf.Len() {
		return fmt.Errorf(
			"staged %d members, manifest lists %d",
			extracted, mf.Len(),
		)
	}
	return nil
}
