package restore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/worldbak/worldbak/backend/internal/events"
	"github.com/worldbak/worldbak/backend/internal/quiesce"
	"github.com/worldbak/worldbak/backend/internal/registry"
	"github.com/worldbak/worldbak/backend/internal/restore"
	"github.com/worldbak/worldbak/backend/internal/snapshot"
	"github.com/worldbak/worldbak/backend/pkg/mulog"
	"github.com/worldbak/worldbak/backend/pkg/ulid"
)

type fakeConn struct {
	cmds []string
}

func (c *fakeConn) SendCommand(
	ctx context.Context, cmd string,
) (string, error) {
	c.cmds = append(c.cmds, cmd)
	return "ok", nil
}

type fixture struct {
	reg       *registry.Registry
	conn      *fakeConn
	orch      *restore.Orchestrator
	liveDir   string
	storeDir  string
	staging   string
	archiveId ulid.I

	startCalls int
	startErr   error
}

// `snapshotFiles` is the archived state; the live directory starts with
// different content.
var snapshotFiles = map[string]string{
	"server.properties": "motd=old\n",
	"world/level.dat":   "GOODLEVEL",
}

var liveFiles = map[string]string{
	"server.properties": "motd=new\n",
	"world/level.dat":   "BADLEVEL",
	"world/extra.dat":   "JUNK",
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0777))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0666))
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	got := make(map[string]string)
	err := filepath.Walk(
		root,
		func(path string, info os.FileInfo, err error) error {
			require.NoError(t, err)
			if info.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			require.NoError(t, err)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			got[filepath.ToSlash(rel)] = string(data)
			return nil
		},
	)
	require.NoError(t, err)
	return got
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	source := filepath.Join(base, "snapshot-source")
	store := filepath.Join(base, "store")
	staging := filepath.Join(base, "staging")
	live := filepath.Join(base, "live")
	for _, d := range []string{source, store, staging, live} {
		require.NoError(t, os.MkdirAll(d, 0777))
	}
	writeTree(t, source, snapshotFiles)
	writeTree(t, live, liveFiles)

	b := snapshot.NewBuilder(mulog.Logger{}, source, store, staging, nil)
	id, err := ulid.New()
	require.NoError(t, err)
	res, err := b.Build(context.Background(), id)
	require.NoError(t, err)

	reg, err := registry.Load(filepath.Join(base, "registry.json"))
	require.NoError(t, err)
	require.NoError(t, reg.AddArchive(registry.Archive{
		Id:          id,
		CreatedAt:   time.Now().UTC(),
		Tier:        registry.TierManual,
		SizeBytes:   res.SizeBytes,
		NFiles:      res.Manifest.Len(),
		Aggregate:   res.Aggregate,
		Integrity:   registry.IntegrityUnverified,
		Remote:      registry.RemoteAbsent,
		Consistency: registry.ConsistencyClean,
	}))

	f := &fixture{
		reg:       reg,
		conn:      &fakeConn{},
		liveDir:   live,
		storeDir:  store,
		staging:   staging,
		archiveId: id,
	}
	qc := quiesce.NewCoordinator(
		mulog.Logger{}, f.conn, time.Second, quiesce.FailClosed,
	)
	f.orch = restore.NewOrchestrator(
		mulog.Logger{}, reg, qc, nil, events.Noop{},
		live, staging,
		func(id ulid.I) string {
			return filepath.Join(store, id.String())
		},
		func(ctx context.Context) error {
			f.startCalls++
			return f.startErr
		},
	)
	return f
}

func TestRestoreSwapsAndResumes(t *testing.T) {
	f := newFixture(t)

	err := f.orch.Restore(context.Background(), f.archiveId)
	require.NoError(t, err)

	// The live directory now matches the archived state exactly; the
	// extra live file is gone.
	require.Equal(t, snapshotFiles, readTree(t, f.liveDir))

	// The pre-restore state is preserved next to the live directory.
	matches, err := filepath.Glob(f.liveDir + ".pre-restore-*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, liveFiles, readTree(t, matches[0]))

	// The writer was stopped and restarted.
	require.Equal(t, []string{"stop"}, f.conn.cmds)
	require.Equal(t, 1, f.startCalls)

	// Verification before the swap recorded the integrity.
	a, err := f.reg.GetArchive(f.archiveId)
	require.NoError(t, err)
	require.Equal(t, registry.IntegrityValid, a.Integrity)
}

func TestRestoreBlocksOnCorruptArchive(t *testing.T) {
	f := newFixture(t)

	// Corrupt the stored sum file.
	sumPath := filepath.Join(
		f.storeDir, f.archiveId.String(), snapshot.SumFile,
	)
	require.NoError(t, os.WriteFile(
		sumPath,
		[]byte("sha256:0000000000000000000000000000000000000000"+
			"000000000000000000000000\n"),
		0666,
	))

	err := f.orch.Restore(context.Background(), f.archiveId)
	require.ErrorIs(t, err, restore.ErrRestoreAborted)

	// The live directory is untouched and the writer never stopped.
	require.Equal(t, liveFiles, readTree(t, f.liveDir))
	require.Empty(t, f.conn.cmds)
	require.Equal(t, 0, f.startCalls)

	a, err := f.reg.GetArchive(f.archiveId)
	require.NoError(t, err)
	require.Equal(t, registry.IntegrityCorrupt, a.Integrity)
}

func TestRestoreCancelledBeforeSwap(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.orch.Restore(ctx, f.archiveId)
	require.ErrorIs(t, err, restore.ErrRestoreAborted)

	// Byte-identical live directory, no stray staging leftovers.
	require.Equal(t, liveFiles, readTree(t, f.liveDir))
	entries, err := os.ReadDir(f.staging)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRestoreStartWriterFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.startErr = errors.New("supervisor unreachable")

	err := f.orch.Restore(context.Background(), f.archiveId)
	require.Error(t, err)
	var ferr *restore.FatalError
	require.ErrorAs(t, err, &ferr)

	// The swap already happened; the pre-restore directory named by the
	// error still holds the old state.
	require.Equal(t, snapshotFiles, readTree(t, f.liveDir))
	require.Equal(t, liveFiles, readTree(t, ferr.PreRestoreDir))
}

func TestRestoreRemoteOnlyWithoutRemote(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.RemoveAll(
		filepath.Join(f.storeDir, f.archiveId.String()),
	))

	err := f.orch.Restore(context.Background(), f.archiveId)
	require.ErrorIs(t, err, restore.ErrRestoreAborted)
	require.Equal(t, liveFiles, readTree(t, f.liveDir))
}

type fakeDownloader struct {
	fetch func(ctx context.Context, id ulid.I) error
}

func (d *fakeDownloader) Download(ctx context.Context, id ulid.I) error {
	return d.fetch(ctx, id)
}

func TestRestoreDownloadsRemoteOnlyArchive(t *testing.T) {
	f := newFixture(t)

	// Move the artifact aside to simulate remote-only, and restore it on
	// demand.
	dir := filepath.Join(f.storeDir, f.archiveId.String())
	aside := dir + ".remote"
	require.NoError(t, os.Rename(dir, aside))

	downloaded := false
	d := &fakeDownloader{fetch: func(ctx context.Context, id ulid.I) error {
		downloaded = true
		return os.Rename(aside, dir)
	}}
	qc := quiesce.NewCoordinator(
		mulog.Logger{}, f.conn, time.Second, quiesce.FailClosed,
	)
	orch := restore.NewOrchestrator(
		mulog.Logger{}, f.reg, qc, d, events.Noop{},
		f.liveDir, f.staging,
		func(id ulid.I) string {
			return filepath.Join(f.storeDir, id.String())
		},
		func(ctx context.Context) error { return nil },
	)

	require.NoError(t, orch.Restore(context.Background(), f.archiveId))
	require.True(t, downloaded)
	require.Equal(t, snapshotFiles, readTree(t, f.liveDir))
}
