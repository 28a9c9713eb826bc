package cloudsync_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/worldbak/worldbak/backend/internal/cloudsync"
	"github.com/worldbak/worldbak/backend/internal/events"
	"github.com/worldbak/worldbak/backend/internal/registry"
	"github.com/worldbak/worldbak/backend/pkg/lockmap"
	"github.com/worldbak/worldbak/backend/pkg/mulog"
	"github.com/worldbak/worldbak/backend/pkg/ulid"
)

// `flakyStore` wraps an inner store and fails `Put` according to a script.
type flakyStore struct {
	cloudsync.ObjectStore

	mu   sync.Mutex
	puts []string
	// `failPuts` counts down: while positive, every `Put` fails with
	// `err`.
	failPuts int
	err      error
	// `failKey` fails the first `Put` of exactly that key.
	failKey string
}

func (s *flakyStore) Put(
	ctx context.Context, key string, r io.Reader,
) (string, error) {
	s.mu.Lock()
	s.puts = append(s.puts, key)
	fail := false
	if s.failPuts > 0 {
		s.failPuts--
		fail = true
	}
	if s.failKey == key {
		s.failKey = ""
		fail = true
	}
	s.mu.Unlock()

	if fail {
		return "", s.err
	}
	return s.ObjectStore.Put(ctx, key, r)
}

func (s *flakyStore) putKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.puts...)
}

type fixture struct {
	reg      *registry.Registry
	store    *flakyStore
	pipeline *cloudsync.Pipeline
	storeDir string
	staging  string
}

func newFixture(t *testing.T, retry cloudsync.RetryPolicy) *fixture {
	t.Helper()
	base := t.TempDir()
	storeDir := filepath.Join(base, "store")
	staging := filepath.Join(base, "staging")
	remoteDir := filepath.Join(base, "remote")
	for _, d := range []string{storeDir, staging, remoteDir} {
		require.NoError(t, os.MkdirAll(d, 0777))
	}

	reg, err := registry.Load(filepath.Join(base, "registry.json"))
	require.NoError(t, err)

	inner, err := cloudsync.NewLocalDirStore(remoteDir)
	require.NoError(t, err)
	store := &flakyStore{
		ObjectStore: inner,
		err:         errors.New("transient network error"),
	}

	p := cloudsync.NewPipeline(
		mulog.Logger{}, reg, events.Noop{}, &lockmap.L{},
		&cloudsync.Config{
			Store:    store,
			PartSize: 4,
			Retry:    retry,
			ArchiveDir: func(id ulid.I) string {
				return filepath.Join(storeDir, id.String())
			},
			StagingDir: staging,
		},
	)
	return &fixture{
		reg:      reg,
		store:    store,
		pipeline: p,
		storeDir: storeDir,
		staging:  staging,
	}
}

func fastRetry(maxAttempts int) cloudsync.RetryPolicy {
	return cloudsync.RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}
}

// `addArtifact` registers an archive and writes its artifact files.  The data
// payload is 10 bytes, which is 3 parts at part size 4.
func (f *fixture) addArtifact(t *testing.T) ulid.I {
	t.Helper()
	id, err := ulid.New()
	require.NoError(t, err)
	require.NoError(t, f.reg.AddArchive(registry.Archive{
		Id:        id,
		CreatedAt: time.Now().UTC(),
		Tier:      registry.TierDaily,
		Integrity: registry.IntegrityValid,
		Remote:    registry.RemoteAbsent,
	}))

	dir := filepath.Join(f.storeDir, id.String())
	require.NoError(t, os.MkdirAll(dir, 0777))
	for name, content := range map[string]string{
		"data.tar.zst": "0123456789",
		"manifest":     "size:10  data\nsha256:ff  data\n",
		"sum":          "sha256:ff\n",
	} {
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, name), []byte(content), 0666,
		))
	}
	return id
}

func TestUploadTransientFailuresThenSuccess(t *testing.T) {
	f := newFixture(t, fastRetry(5))
	id := f.addArtifact(t)

	f.store.failPuts = 3

	jobId, err := f.pipeline.EnqueueUpload(id)
	require.NoError(t, err)
	j, err := f.pipeline.Process(context.Background(), jobId)
	require.NoError(t, err)

	require.Equal(t, registry.JobDone, j.State)
	require.Equal(t, 4, j.AttemptCount)

	a, err := f.reg.GetArchive(id)
	require.NoError(t, err)
	require.Equal(t, registry.RemoteSynced, a.Remote)

	// The job has reached a terminal state and left the registry.
	_, err = f.reg.GetJob(jobId)
	require.Equal(t, registry.ErrUnknownJob, err)
}

func TestUploadTerminalFailsImmediately(t *testing.T) {
	f := newFixture(t, fastRetry(5))
	id := f.addArtifact(t)

	f.store.failPuts = 1
	f.store.err = &cloudsync.TransferError{
		Op: "put", Key: "x", Terminal: true,
		Err: errors.New("permission denied"),
	}

	jobId, err := f.pipeline.EnqueueUpload(id)
	require.NoError(t, err)
	j, err := f.pipeline.Process(context.Background(), jobId)
	require.NoError(t, err)

	// A terminal error fails after a single attempt, no retries.
	require.Equal(t, registry.JobFailed, j.State)
	require.Equal(t, 1, j.AttemptCount)
	require.Contains(t, j.LastError, "permission denied")

	a, err := f.reg.GetArchive(id)
	require.NoError(t, err)
	require.Equal(t, registry.RemoteFailed, a.Remote)
}

func TestUploadExhaustsAttempts(t *testing.T) {
	f := newFixture(t, fastRetry(3))
	id := f.addArtifact(t)

	f.store.failPuts = 100

	jobId, err := f.pipeline.EnqueueUpload(id)
	require.NoError(t, err)
	j, err := f.pipeline.Process(context.Background(), jobId)
	require.NoError(t, err)

	require.Equal(t, registry.JobFailed, j.State)
	require.Equal(t, 3, j.AttemptCount)
	require.Contains(t, j.LastError, "attempt ceiling")
}

func TestUploadResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t, fastRetry(5))
	id := f.addArtifact(t)

	// Fail the third part once.  The retry must not re-upload the parts
	// before the checkpoint.
	f.store.failKey = id.String() + "/part.0002"

	jobId, err := f.pipeline.EnqueueUpload(id)
	require.NoError(t, err)
	j, err := f.pipeline.Process(context.Background(), jobId)
	require.NoError(t, err)
	require.Equal(t, registry.JobDone, j.State)
	require.Equal(t, 2, j.AttemptCount)

	require.Equal(t, []string{
		id.String() + "/part.0000",
		id.String() + "/part.0001",
		id.String() + "/part.0002", // failed
		id.String() + "/part.0002", // resumed here
		id.String() + "/manifest",
		id.String() + "/sum",
	}, f.store.putKeys())
}

func TestUploadMissingArtifactIsTerminal(t *testing.T) {
	f := newFixture(t, fastRetry(5))
	id := f.addArtifact(t)
	require.NoError(t, os.RemoveAll(
		filepath.Join(f.storeDir, id.String()),
	))

	jobId, err := f.pipeline.EnqueueUpload(id)
	require.NoError(t, err)
	j, err := f.pipeline.Process(context.Background(), jobId)
	require.NoError(t, err)
	require.Equal(t, registry.JobFailed, j.State)
	require.Equal(t, 1, j.AttemptCount)
}

func TestCancelLeavesJobRetrying(t *testing.T) {
	// A long backoff, so that the cancel arrives while the job is
	// waiting for its first retry.
	f := newFixture(t, cloudsync.RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Hour,
		MaxDelay:    time.Hour,
	})
	id := f.addArtifact(t)

	f.store.failPuts = 100
	ctx, cancel := context.WithCancel(context.Background())

	jobId, err := f.pipeline.EnqueueUpload(id)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = f.pipeline.Process(ctx, jobId)
	require.ErrorIs(t, err, context.Canceled)

	// The job survives as `retrying` with its checkpoint; the next run
	// requeues it.
	j, err := f.reg.GetJob(jobId)
	require.NoError(t, err)
	require.Equal(t, registry.JobRetrying, j.State)
	require.Equal(t, 1, j.AttemptCount)
}

func TestDownloadRoundTrip(t *testing.T) {
	f := newFixture(t, fastRetry(5))
	id := f.addArtifact(t)

	jobId, err := f.pipeline.EnqueueUpload(id)
	require.NoError(t, err)
	j, err := f.pipeline.Process(context.Background(), jobId)
	require.NoError(t, err)
	require.Equal(t, registry.JobDone, j.State)

	// Drop the local artifact and fetch it back.
	dir := filepath.Join(f.storeDir, id.String())
	require.NoError(t, os.RemoveAll(dir))

	require.NoError(
		t, f.pipeline.Download(context.Background(), id),
	)

	data, err := os.ReadFile(filepath.Join(dir, "data.tar.zst"))
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(data))
	for _, name := range []string{"manifest", "sum"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
	}

	// The download staging directory is gone.
	entries, err := os.ReadDir(f.staging)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// `reversedListStore` returns listings in reverse.  Part assembly must not
// depend on the listing position: past four digits, lexicographic key order
// diverges from numeric part order.
type reversedListStore struct {
	cloudsync.ObjectStore
}

func (s *reversedListStore) List(
	ctx context.Context, prefix string,
) ([]string, error) {
	keys, err := s.ObjectStore.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for i, k := 0, len(keys)-1; i < k; i, k = i+1, k-1 {
		keys[i], keys[k] = keys[k], keys[i]
	}
	return keys, nil
}

func TestDownloadOrdersPartsNumerically(t *testing.T) {
	f := newFixture(t, fastRetry(5))
	id := f.addArtifact(t)

	jobId, err := f.pipeline.EnqueueUpload(id)
	require.NoError(t, err)
	j, err := f.pipeline.Process(context.Background(), jobId)
	require.NoError(t, err)
	require.Equal(t, registry.JobDone, j.State)

	dir := filepath.Join(f.storeDir, id.String())
	require.NoError(t, os.RemoveAll(dir))

	p2 := cloudsync.NewPipeline(
		mulog.Logger{}, f.reg, events.Noop{}, &lockmap.L{},
		&cloudsync.Config{
			Store:    &reversedListStore{f.store},
			PartSize: 4,
			Retry:    fastRetry(5),
			ArchiveDir: func(id ulid.I) string {
				return filepath.Join(f.storeDir, id.String())
			},
			StagingDir: f.staging,
		},
	)
	require.NoError(t, p2.Download(context.Background(), id))

	data, err := os.ReadFile(filepath.Join(dir, "data.tar.zst"))
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(data))
}

func TestDownloadNoRemotePartsIsTerminal(t *testing.T) {
	f := newFixture(t, fastRetry(5))
	id := f.addArtifact(t)
	require.NoError(t, os.RemoveAll(
		filepath.Join(f.storeDir, id.String()),
	))

	err := f.pipeline.Download(context.Background(), id)
	require.Error(t, err)
}

func TestBackoffBounds(t *testing.T) {
	p := cloudsync.RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Backoff(attempt)
		require.True(t, d >= prev || d == p.MaxDelay)
		require.True(t, d <= p.MaxDelay)
		prev = d
	}
}
