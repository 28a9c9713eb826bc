// Package `snapshot` copies the live data directory into a single verifiable
// archive artifact.
//
// An artifact is a directory `<archiveStore>/<id>/` that contains:
//
//	data.tar.zst   // tar of the source tree, zstd-compressed
//	manifest       // per-file size and sha256, canonical order
//	sum            // `sha256:<hex>` aggregate over the manifest body
//
// The build is all-or-nothing: it assembles the artifact in a staging
// directory and publishes it with a single rename.  No partially visible
// archive ever exists in the archive store.
package snapshot

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/DataDog/zstd"
	"github.com/worldbak/worldbak/backend/pkg/ratelimit"
	"github.com/worldbak/worldbak/backend/pkg/ulid"
)

const (
	DataFile     = "data.tar.zst"
	ManifestFile = "manifest"
	SumFile      = "sum"
)

var ErrBuildBusy = fmt.Errorf("a build is already in flight")

// `CopyIOError` aborts the current build.  The staging area is discarded and
// no archive is registered.
type CopyIOError struct {
	Path string
	Err  error
}

func (e *CopyIOError) Error() string {
	return fmt.Sprintf("copy `%s`: %v", e.Path, e.Err)
}

func (e *CopyIOError) Unwrap() error {
	return e.Err
}

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
}

type Builder struct {
	lg           Logger
	sourceRoot   string
	archiveStore string
	stagingDir   string
	// Optional bandwidth limit on the uncompressed tar stream.
	limit *ratelimit.Bucket
	busy  int32
}

// `sourceRoot`, `archiveStore`, and `stagingDir` must be absolute paths.
// `stagingDir` must be on the same filesystem as `archiveStore`, because the
// final publish step is a rename.
func NewBuilder(
	lg Logger,
	sourceRoot, archiveStore, stagingDir string,
	limit *ratelimit.Bucket,
) *Builder {
	return &Builder{
		lg:           lg,
		sourceRoot:   sourceRoot,
		archiveStore: archiveStore,
		stagingDir:   stagingDir,
		limit:        limit,
	}
}

type Result struct {
	Dir       string
	Manifest  *Manifest
	Aggregate string
	SizeBytes int64
	// `Degraded` reports size or mtime drift that was detected on files
	// that changed mid-copy.  Drift does not fail the build.
	Degraded bool
}

// `Build()` enumerates all regular files under the source root, copies them
// into the staging area, and publishes the artifact as `<archiveStore>/<id>`.
// Cancellation is honored between files, never mid-rename.
func (b *Builder) Build(ctx context.Context, id ulid.I) (*Result, error) {
	if !atomic.CompareAndSwapInt32(&b.busy, 0, 1) {
		return nil, ErrBuildBusy
	}
	defer atomic.StoreInt32(&b.busy, 0)

	files, err := b.enumerate()
	if err != nil {
		return nil, err
	}

	staging := filepath.Join(
		b.stagingDir, fmt.Sprintf("%s.inprogress", id),
	)
	if err := os.MkdirAll(staging, 0777); err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = os.RemoveAll(staging)
		}
	}()

	res, err := b.writeData(ctx, staging, files)
	if err != nil {
		return nil, err
	}

	if err := b.writeMeta(staging, res); err != nil {
		return nil, err
	}

	final := filepath.Join(b.archiveStore, id.String())
	if err := os.Rename(staging, final); err != nil {
		return nil, err
	}
	ok = true
	res.Dir = final

	b.lg.Infow(
		"Built archive.",
		"id", id.String(),
		"nFiles", res.Manifest.Len(),
		"sizeBytes", res.SizeBytes,
		"degraded", res.Degraded,
	)
	return res, nil
}

// `Discard()` removes a published artifact, used when a freshly built
// archive fails verification and is rebuilt.
func (b *Builder) Discard(id ulid.I) error {
	return os.RemoveAll(filepath.Join(b.archiveStore, id.String()))
}

// `enumerate()` walks the source root and returns the slash-separated
// relative paths of all regular files, sorted.  Symlinks and other special
// files are skipped with a warning.
func (b *Builder) enumerate() ([]string, error) {
	files := make([]string, 0, 256)
	err := filepath.Walk(
		b.sourceRoot,
		func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return &CopyIOError{Path: path, Err: err}
			}
			if info.IsDir() {
				return nil
			}
			if !info.Mode().IsRegular() {
				b.lg.Warnw(
					"Skipped irregular file.",
					"path", path,
				)
				return nil
			}
			rel, err := filepath.Rel(b.sourceRoot, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (b *Builder) writeData(
	ctx context.Context, staging string, files []string,
) (res *Result, err error) {
	fp, err := os.Create(filepath.Join(staging, DataFile))
	if err != nil {
		return nil, err
	}
	defer func() {
		if fp != nil {
			_ = fp.Close()
		}
	}()

	zw := zstd.NewWriter(fp)
	tw := tar.NewWriter(zw)

	mf := NewManifest()
	degraded := false
	for _, rel := range files {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		entry, drift, err := b.copyFile(tw, rel)
		if err != nil {
			return nil, err
		}
		if drift {
			degraded = true
		}
		mf.Add(*entry)
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	if err := fp.Close(); err != nil {
		fp = nil
		return nil, err
	}
	fp = nil

	inf, err := os.Stat(filepath.Join(staging, DataFile))
	if err != nil {
		return nil, err
	}

	return &Result{
		Manifest:  mf,
		Aggregate: mf.Aggregate(),
		SizeBytes: inf.Size(),
		Degraded:  degraded,
	}, nil
}

// `copyFile()` streams one file into the tar, hashing the bytes that are
// actually archived.  The tar header fixes the member size up front; if the
// file shrinks mid-copy, the member is zero-padded and reported as drift.
// Growth and mtime changes are detected by re-statting after the copy.
func (b *Builder) copyFile(
	tw *tar.Writer, rel string,
) (*Entry, bool, error) {
	abs := filepath.Join(b.sourceRoot, filepath.FromSlash(rel))

	src, err := os.Open(abs)
	if err != nil {
		return nil, false, &CopyIOError{Path: rel, Err: err}
	}
	defer func() { _ = src.Close() }()

	before, err := src.Stat()
	if err != nil {
		return nil, false, &CopyIOError{Path: rel, Err: err}
	}
	size := before.Size()

	hdr := &tar.Header{
		Name:    rel,
		Mode:    int64(before.Mode().Perm()),
		Size:    size,
		ModTime: before.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, false, &CopyIOError{Path: rel, Err: err}
	}

	var r io.Reader = src
	if b.limit != nil {
		r = ratelimit.Reader(src, b.limit)
	}

	h := sha256.New()
	n, err := io.CopyN(io.MultiWriter(tw, h), r, size)
	drift := false
	if err == io.EOF {
		// The file shrank mid-copy.  Pad the member and record
		// drift; a drift never fails the build.
		drift = true
		if err := padZero(io.MultiWriter(tw, h), size-n); err != nil {
			return nil, false, &CopyIOError{Path: rel, Err: err}
		}
	} else if err != nil {
		return nil, false, &CopyIOError{Path: rel, Err: err}
	}

	after, err := os.Stat(abs)
	if err != nil {
		return nil, false, &CopyIOError{Path: rel, Err: err}
	}
	if after.Size() != size || !after.ModTime().Equal(before.ModTime()) {
		drift = true
	}
	if drift {
		b.lg.Warnw(
			"Detected drift on file that changed mid-copy.",
			"path", rel,
			"sizeBefore", size,
			"sizeAfter", after.Size(),
			"mtimeAfter", after.ModTime().Format(time.RFC3339),
		)
	}

	return &Entry{
		Path:   rel,
		Size:   size,
		Sha256: hex.EncodeToString(h.Sum(nil)),
	}, drift, nil
}

func (b *Builder) writeMeta(staging string, res *Result) error {
	mfp, err := os.Create(filepath.Join(staging, ManifestFile))
	if err != nil {
		return err
	}
	if _, err := res.Manifest.WriteTo(mfp); err != nil {
		_ = mfp.Close()
		return err
	}
	if err := mfp.Close(); err != nil {
		return err
	}

	sum := fmt.Sprintf("sha256:%s\n", res.Aggregate)
	return os.WriteFile(
		filepath.Join(staging, SumFile), []byte(sum), 0666,
	)
}

func padZero(w io.Writer, n int64) error {
	buf := make([]byte, 32*1024)
	for n > 0 {
		m := int64(len(buf))
		if m > n {
			m = n
		}
		if _, err := w.Write(buf[:m]); err != nil {
			return err
		}
		n -= m
	}
	return nil
}
