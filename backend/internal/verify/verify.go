// Package `verify` recomputes an archive artifact's checksums and compares
// them to the recorded manifest and aggregate checksum.  Verification is
// pure and idempotent: it never mutates the artifact, and two consecutive
// calls without intervening mutation return the same result.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"archive/tar"

	"github.com/DataDog/zstd"
	"github.com/worldbak/worldbak/backend/internal/snapshot"
)

// `ErrIntegrityMismatch` reports that the stored artifact does not match its
// recorded manifest or aggregate checksum.
var ErrIntegrityMismatch = errors.New("integrity mismatch")

type Status string

const (
	StatusValid   Status = "valid"
	StatusCorrupt Status = "corrupt"
)

type Result struct {
	Status Status
	// `Mismatches` lists human-readable descriptions of what differed.
	// Empty when `Status == StatusValid`.
	Mismatches []string
}

// `Archive()` verifies the artifact directory `dir`.  It returns an error
// only for I/O failures that prevent verification; a failed comparison is
// reported through `Result.Status`, not through the error.
func Archive(ctx context.Context, dir string) (*Result, error) {
	mf, aggregate, err := readMeta(dir)
	if err != nil {
		return nil, err
	}

	res := &Result{Status: StatusValid}
	if got := mf.Aggregate(); got != aggregate {
		res.Mismatches = append(res.Mismatches, fmt.Sprintf(
			"aggregate: manifest computes %s, sum records %s",
			got, aggregate,
		))
	}

	seen, err := hashMembers(ctx, dir)
	if err != nil {
		return nil, err
	}

	for _, want := range mf.Entries() {
		got, ok := seen[want.Path]
		if !ok {
			res.Mismatches = append(res.Mismatches, fmt.Sprintf(
				"member missing: %s", want.Path,
			))
			continue
		}
		if got.Size != want.Size {
			res.Mismatches = append(res.Mismatches, fmt.Sprintf(
				"size %s: got %d, want %d",
				want.Path, got.Size, want.Size,
			))
		}
		if got.Sha256 != want.Sha256 {
			res.Mismatches = append(res.Mismatches, fmt.Sprintf(
				"sha256 %s: got %s, want %s",
				want.Path, got.Sha256, want.Sha256,
			))
		}
	}
	for path := range seen {
		if _, ok := mf.Get(path); !ok {
			res.Mismatches = append(res.Mismatches, fmt.Sprintf(
				"member not in manifest: %s", path,
			))
		}
	}

	if len(res.Mismatches) > 0 {
		res.Status = StatusCorrupt
	}
	return res, nil
}

func readMeta(dir string) (*snapshot.Manifest, string, error) {
	mfp, err := os.Open(filepath.Join(dir, snapshot.ManifestFile))
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = mfp.Close() }()
	mf, err := snapshot.ReadManifest(mfp)
	if err != nil {
		return nil, "", err
	}

	sum, err := os.ReadFile(filepath.Join(dir, snapshot.SumFile))
	if err != nil {
		return nil, "", err
	}
	line := strings.TrimSpace(string(sum))
	if !strings.HasPrefix(line, "sha256:") {
		return nil, "", fmt.Errorf("malformed sum file")
	}

	return mf, strings.TrimPrefix(line, "sha256:"), nil
}

// `hashMembers()` streams the tar and hashes every member.  Cancellation is
// honored between members.
func hashMembers(
	ctx context.Context, dir string,
) (map[string]snapshot.Entry, error) {
	fp, err := os.Open(filepath.Join(dir, snapshot.DataFile))
	if err != nil {
		return nil, err
	}
	defer func() { _ = fp.Close() }()

	zr := zstd.NewReader(fp)
	defer func() { _ = zr.Close() }()
	tr := tar.NewReader(zr)

	seen := make(map[string]snapshot.Entry)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		h := sha256.New()
		n, err := io.Copy(h, tr)
		if err != nil {
			return nil, err
		}
		seen[hdr.Name] = snapshot.Entry{
			Path:   hdr.Name,
			Size:   n,
			Sha256: hex.EncodeToString(h.Sum(nil)),
		}
	}
	return seen, nil
}
