package verify_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/worldbak/worldbak/backend/internal/snapshot"
	"github.com/worldbak/worldbak/backend/internal/verify"
	"github.com/worldbak/worldbak/backend/pkg/mulog"
	"github.com/worldbak/worldbak/backend/pkg/ulid"
)

func buildArtifact(t *testing.T, files map[string]string) string {
	t.Helper()
	base := t.TempDir()
	source := filepath.Join(base, "origin")
	store := filepath.Join(base, "store")
	staging := filepath.Join(base, "staging")
	for _, d := range []string{source, store, staging} {
		require.NoError(t, os.MkdirAll(d, 0777))
	}
	for rel, content := range files {
		abs := filepath.Join(source, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0777))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0666))
	}

	b := snapshot.NewBuilder(mulog.Logger{}, source, store, staging, nil)
	id, err := ulid.New()
	require.NoError(t, err)
	res, err := b.Build(context.Background(), id)
	require.NoError(t, err)
	return res.Dir
}

func TestVerifyValid(t *testing.T) {
	dir := buildArtifact(t, map[string]string{
		"world/level.dat": "LEVELDATA",
		"banlist.json":    "[]",
	})

	res, err := verify.Archive(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, verify.StatusValid, res.Status)
	require.Empty(t, res.Mismatches)
}

func TestVerifyIdempotent(t *testing.T) {
	dir := buildArtifact(t, map[string]string{"a": "A"})

	first, err := verify.Archive(context.Background(), dir)
	require.NoError(t, err)
	second, err := verify.Archive(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestVerifyTamperedManifest(t *testing.T) {
	dir := buildArtifact(t, map[string]string{"a": "A", "b": "B"})

	// Flip a checksum in the manifest.  Both the aggregate and the
	// member comparison must report the corruption.
	mfPath := filepath.Join(dir, snapshot.ManifestFile)
	fp, err := os.Open(mfPath)
	require.NoError(t, err)
	mf, err := snapshot.ReadManifest(fp)
	require.NoError(t, fp.Close())
	require.NoError(t, err)
	e, ok := mf.Get("a")
	require.True(t, ok)
	e.Sha256 = "00" + e.Sha256[2:]
	mf.Add(e)
	out, err := os.Create(mfPath)
	require.NoError(t, err)
	_, err = mf.WriteTo(out)
	require.NoError(t, err)
	require.NoError(t, out.Close())

	res, err := verify.Archive(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, verify.StatusCorrupt, res.Status)
	require.NotEmpty(t, res.Mismatches)
	// Both the aggregate and the member checksum differ.
	require.True(t, len(res.Mismatches) >= 2)
}

func TestVerifyTruncatedData(t *testing.T) {
	dir := buildArtifact(t, map[string]string{
		"world/level.dat": "LEVELDATA",
	})

	// Remove the tar entirely; its members are then all missing.
	dataPath := filepath.Join(dir, snapshot.DataFile)
	require.NoError(t, os.Remove(dataPath))
	_, err := verify.Archive(context.Background(), dir)
	require.Error(t, err)
}

func TestVerifyCancel(t *testing.T) {
	dir := buildArtifact(t, map[string]string{"a": "A"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := verify.Archive(ctx, dir)
	require.ErrorIs(t, err, context.Canceled)
}
