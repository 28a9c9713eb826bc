// vim: sw=8

// Server `worldbakd`: backup daemon for a live, writer-owned data directory.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/worldbak/worldbak/backend/internal/backup"
	"github.com/worldbak/worldbak/backend/internal/cloudsync"
	"github.com/worldbak/worldbak/backend/internal/config"
	"github.com/worldbak/worldbak/backend/internal/events"
	"github.com/worldbak/worldbak/backend/internal/quiesce"
	"github.com/worldbak/worldbak/backend/internal/rcon"
	"github.com/worldbak/worldbak/backend/internal/registry"
	"github.com/worldbak/worldbak/backend/internal/restore"
	"github.com/worldbak/worldbak/backend/internal/retain"
	"github.com/worldbak/worldbak/backend/internal/scheduler"
	"github.com/worldbak/worldbak/backend/internal/snapshot"
	"github.com/worldbak/worldbak/backend/internal/verify"
	"github.com/worldbak/worldbak/backend/pkg/flock"
	"github.com/worldbak/worldbak/backend/pkg/lockmap"
	"github.com/worldbak/worldbak/backend/pkg/mulog"
	"github.com/worldbak/worldbak/backend/pkg/ratelimit"
	"github.com/worldbak/worldbak/backend/pkg/ulid"
	"github.com/worldbak/worldbak/backend/pkg/zap"
)

// `xVersion` and `xBuild` are injected by the `Makefile`.
var (
	xVersion string
	xBuild   string
	version  = fmt.Sprintf("worldbakd-%s+%s", xVersion, xBuild)
)

// `qqBackticks()` translates double single quote to backtick.
func qqBackticks(s string) string {
	return strings.Replace(s, "''", "`", -1)
}

var usage = qqBackticks(strings.TrimSpace(`
Usage:
  worldbakd [options] daemon
  worldbakd [options] backup [--tier=<tier>]
  worldbakd [options] restore <archiveid>
  worldbakd [options] verify <archiveid>
  worldbakd [options] ls
  worldbakd [options] prune [--dry-run]

Options:
  --config=<path>  [default: /etc/worldbak/worldbakd.yml]
	Path of the YAML config file.
  --log=<logger>  [default: prod]
	Specify logger: prod, dev, or mu.
  --metrics-addr=<addr>
	Serve Prometheus metrics on ''<addr>'' in ''daemon'' mode.
  --shutdown-timeout=<duration>  [default: 20s]
	Maximum time to wait for the level 1 shutdown before forcing exit.
  --tier=<tier>  [default: manual]
	Tier of an explicit backup: daily, weekly, monthly, or manual.
  --dry-run
	Print what pruning would remove without removing anything.

''worldbakd daemon'' runs the scheduler and the cloud sync pipeline until
SIGTERM or SIGINT.

''worldbakd backup'' runs one backup cycle and exits.

''worldbakd restore <archiveid>'' verifies the archive, stops the writer,
stages the archive content, and atomically swaps it into place.  The previous
data directory is preserved next to the live directory until an operator
removes it.  The writer is restarted with the configured ''startCommand''.

''worldbakd verify <archiveid>'' recomputes all archive checksums and records
the result.

''worldbakd ls'' lists the archives known to the registry.

''worldbakd prune'' applies the retention policy once.
`))

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	Fatalw(msg string, kv ...interface{})
}

var lg Logger = mulog.Logger{}

func main() {
	args := argparse()
	initLogging(args["--log"].(string))

	cfg, err := config.Load(args["--config"].(string))
	if err != nil {
		lg.Fatalw("Failed to load config.", "err", err)
	}

	dryRun, _ := args["--dry-run"].(bool)
	app, err := newApp(cfg, dryRun)
	if err != nil {
		lg.Fatalw("Failed to initialize.", "err", err)
	}
	defer app.close()

	switch {
	case args["daemon"].(bool):
		cmdDaemon(app, args)
	case args["backup"].(bool):
		cmdBackup(app, args)
	case args["restore"].(bool):
		cmdRestore(app, args)
	case args["verify"].(bool):
		cmdVerify(app, args)
	case args["ls"].(bool):
		cmdLs(app)
	case args["prune"].(bool):
		cmdPrune(app)
	default:
		panic("unhandled args")
	}
}

// `app` wires the components from the config.  The state lock serializes
// daemon instances on the same archive store.
type app struct {
	cfg *config.Config

	lock    *flock.Flock
	reg     *registry.Registry
	emitter events.Emitter
	prom    *events.Prom
	qc      *quiesce.Coordinator
	builder *snapshot.Builder
	retain  *retain.Manager
	runner  *backup.Runner
	// `pipeline` and `store` are nil without a remote.
	pipeline *cloudsync.Pipeline
	store    cloudsync.ObjectStore
	restorer *restore.Orchestrator
}

func newApp(cfg *config.Config, dryRun bool) (*app, error) {
	a := &app{cfg: cfg}

	if err := os.MkdirAll(cfg.ArchiveStoreDir, 0777); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StagingDir, 0777); err != nil {
		return nil, err
	}

	lock, err := flock.Open(cfg.ArchiveStoreDir)
	if err != nil {
		return nil, err
	}
	lockCtx, cancel := context.WithTimeout(
		context.Background(), 5*time.Second,
	)
	err = lock.TryLock(lockCtx, 200*time.Millisecond)
	cancel()
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf(
			"failed to lock archive store `%s`: %w",
			cfg.ArchiveStoreDir, err,
		)
	}
	a.lock = lock

	reg, err := registry.Load(
		filepath.Join(cfg.ArchiveStoreDir, "registry.json"),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.reg = reg

	a.prom = events.NewProm("worldbak")
	if err := a.prom.Register(prometheus.DefaultRegisterer); err != nil {
		a.close()
		return nil, err
	}
	a.emitter = events.Tee{events.Log{Lg: lg}, a.prom}

	conn := &rcon.Dialer{
		Addr:     cfg.Rcon.Addr,
		Password: cfg.Rcon.Password,
	}
	timeout := quiesce.DefaultTimeout
	if cfg.Quiesce.Timeout != "" {
		timeout, _ = config.ParseInterval(cfg.Quiesce.Timeout)
	}
	policy := quiesce.FailClosed
	if cfg.Quiesce.OnTimeout == config.OnTimeoutDegraded {
		policy = quiesce.Degraded
	}
	a.qc = quiesce.NewCoordinator(lg, conn, timeout, policy)

	a.builder = snapshot.NewBuilder(
		lg, cfg.OriginDir, cfg.ArchiveStoreDir, cfg.StagingDir, nil,
	)

	locks := &lockmap.L{}
	archiveDir := func(id ulid.I) string {
		return filepath.Join(cfg.ArchiveStoreDir, id.String())
	}

	var remoteStore retain.RemoteStore
	if r := cfg.Remote; r != nil {
		store, err := newObjectStore(r)
		if err != nil {
			a.close()
			return nil, err
		}
		a.store = store
		remoteStore = store

		var bw *ratelimit.Bucket
		if r.BandwidthLimit != "" {
			bps, _ := config.ParseByteRate(r.BandwidthLimit)
			bw = ratelimit.NewBucketWithRate(
				float64(bps), bps,
			)
		}
		retry := cloudsync.DefaultRetryPolicy()
		if r.MaxAttempts > 0 {
			retry.MaxAttempts = r.MaxAttempts
		}
		if r.BaseDelay != "" {
			retry.BaseDelay, _ = time.ParseDuration(r.BaseDelay)
		}
		if r.MaxDelay != "" {
			retry.MaxDelay, _ = time.ParseDuration(r.MaxDelay)
		}
		a.pipeline = cloudsync.NewPipeline(
			lg, reg, a.emitter, locks, &cloudsync.Config{
				Store:             store,
				PartSize:          int64(r.PartSizeMiB) << 20,
				Retry:             retry,
				RequestsPerSecond: r.RequestsPerSecond,
				BandwidthLimit:    bw,
				ArchiveDir:        archiveDir,
				StagingDir:        cfg.StagingDir,
			},
		)
	}

	a.retain = retain.NewManager(
		lg, reg,
		retain.Policy{
			Daily:   cfg.Retention.Daily,
			Weekly:  cfg.Retention.Weekly,
			Monthly: cfg.Retention.Monthly,
		},
		archiveDir, locks, remoteStore, a.emitter,
		retain.Options{
			RemoteRequired: cfg.Remote != nil,
			LocalOnlyPrune: cfg.Retention.LocalOnlyPrune,
			DeleteRemote:   cfg.Retention.DeleteRemote,
			DryRun:         dryRun,
		},
	)

	var uploader backup.Uploader
	if a.pipeline != nil {
		uploader = a.pipeline
	}
	a.runner = backup.NewRunner(
		lg, reg, a.qc, a.builder, a.retain, uploader, a.emitter,
	)

	var downloader restore.Downloader
	if a.pipeline != nil {
		downloader = a.pipeline
	}
	a.restorer = restore.NewOrchestrator(
		lg, reg, a.qc, downloader, a.emitter,
		cfg.OriginDir, cfg.StagingDir, archiveDir,
		a.startWriter,
	)

	return a, nil
}

func (a *app) close() {
	if a.store != nil {
		if c, ok := a.store.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				lg.Warnw(
					"Failed to close object store.",
					"err", err,
				)
			}
		}
	}
	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil {
			lg.Warnw(
				"Failed to unlock archive store.", "err", err,
			)
		}
		a.lock.Close()
	}
}

func (a *app) startWriter(ctx context.Context) error {
	args := a.cfg.StartCommand
	if len(args) == 0 {
		lg.Warnw(
			"No `startCommand` configured; " +
				"the writer must be restarted manually.",
		)
		return nil
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf(
			"start command `%s` failed: %w", args[0], err,
		)
	}
	return nil
}

func newObjectStore(r *config.RemoteConfig) (cloudsync.ObjectStore, error) {
	switch r.Driver {
	case "gcs":
		ctx, cancel := context.WithTimeout(
			context.Background(), 30*time.Second,
		)
		defer cancel()
		return cloudsync.NewGCSStore(
			ctx, r.Bucket, r.Prefix, r.CredentialsFile,
		)
	case "localdir":
		return cloudsync.NewLocalDirStore(r.Dir)
	default:
		return nil, fmt.Errorf("unknown remote driver `%s`", r.Driver)
	}
}

func cmdDaemon(a *app, args map[string]interface{}) {
	lg.Infow("worldbakd started.")

	entries := make([]scheduler.Entry, 0, len(a.cfg.Schedule))
	for _, e := range a.cfg.Schedule {
		every, err := config.ParseInterval(e.Every)
		if err != nil {
			lg.Fatalw("Invalid schedule entry.", "err", err)
		}
		tier, err := config.ParseTier(e.Tier)
		if err != nil {
			lg.Fatalw("Invalid schedule entry.", "err", err)
		}
		entries = append(entries, scheduler.Entry{
			Every:    every,
			Tier:     tier,
			Disabled: e.Disabled,
		})
	}
	sched := scheduler.New(lg, a.runner, entries)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	signal.Notify(sigs, syscall.SIGINT)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	if addr, ok := args["--metrics-addr"].(string); ok && addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			lg.Infow("Serving metrics.", "addr", addr)
			err := srv.ListenAndServe()
			if err != http.ErrServerClosed {
				lg.Errorw("Metrics server failed.", "err", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutCtx, shutCancel := context.WithTimeout(
				context.Background(), 3*time.Second,
			)
			defer shutCancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	if a.pipeline != nil {
		workers := a.cfg.Remote.Workers
		if workers <= 0 {
			workers = 2
		}
		// Jobs that survived a restart are requeued before the
		// workers start.
		a.pipeline.Requeue()
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.pipeline.Run(ctx, workers)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := sched.Run(ctx)
		if err != context.Canceled {
			lg.Errorw("Scheduler failed.", "err", err)
		}
	}()

	sig := <-sigs

	done := make(chan struct{})
	go func() {
		cancel()
		wg.Wait()
		lg.Infow("Completed level 1 shutdown.")
		close(done)
	}()

	d := args["--shutdown-timeout"].(time.Duration)
	timeout := time.NewTimer(d)
	lg.Infow("Started graceful shutdown.", "sig", sig, "timeout", d)

	select {
	case <-timeout.C:
		lg.Warnw("Timeout; forced shutdown.")
	case <-done:
		lg.Infow("Completed graceful shutdown.")
	}
}

func cmdBackup(a *app, args map[string]interface{}) {
	tier, err := config.ParseTier(args["--tier"].(string))
	if err != nil {
		lg.Fatalw("Invalid --tier.", "err", err)
	}

	ctx, cancel := sigContext()
	defer cancel()

	id, err := a.runner.Backup(ctx, tier)
	if err != nil {
		lg.Fatalw("Backup failed.", "err", err)
	}
	lg.Infow("Backup completed.", "id", id.String())

	// In one-shot mode, drain the upload synchronously so that the
	// process does not exit with the transfer pending.
	if a.pipeline != nil {
		runCtx, runCancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.pipeline.Run(runCtx, 1)
		}()
		a.waitSynced(ctx, id)
		runCancel()
		wg.Wait()
	}
}

// `waitSynced()` polls until the archive leaves the `uploading` state or the
// context is cancelled.
func (a *app) waitSynced(ctx context.Context, id ulid.I) {
	for {
		arch, err := a.reg.GetArchive(id)
		if err != nil {
			return
		}
		switch arch.Remote {
		case registry.RemoteSynced, registry.RemoteFailed:
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func cmdRestore(a *app, args map[string]interface{}) {
	id, err := ulid.Parse(args["<archiveid>"].(string))
	if err != nil {
		lg.Fatalw("Invalid <archiveid>.", "err", err)
	}

	ctx, cancel := sigContext()
	defer cancel()

	if err := a.restorer.Restore(ctx, id); err != nil {
		lg.Fatalw("Restore failed.", "err", err)
	}
	lg.Infow("Restore completed.", "id", id.String())
}

func cmdVerify(a *app, args map[string]interface{}) {
	id, err := ulid.Parse(args["<archiveid>"].(string))
	if err != nil {
		lg.Fatalw("Invalid <archiveid>.", "err", err)
	}
	if _, err := a.reg.GetArchive(id); err != nil {
		lg.Fatalw("Unknown archive.", "err", err)
	}

	ctx, cancel := sigContext()
	defer cancel()

	res, err := verify.Archive(
		ctx, filepath.Join(a.cfg.ArchiveStoreDir, id.String()),
	)
	if err != nil {
		lg.Fatalw("Verification did not run.", "err", err)
	}
	status := registry.IntegrityValid
	if res.Status == verify.StatusCorrupt {
		status = registry.IntegrityCorrupt
	}
	err = a.reg.SetIntegrity(id, status)
	if err != nil && err != registry.ErrIntegrityFinal {
		lg.Fatalw("Failed to record integrity.", "err", err)
	}
	a.emitter.ArchiveVerified(id.String(), string(status))
	if status == registry.IntegrityCorrupt {
		lg.Fatalw(
			"Archive is corrupt.",
			"id", id.String(),
			"mismatches", res.Mismatches,
		)
	}
	lg.Infow("Archive is valid.", "id", id.String())
}

func cmdLs(a *app) {
	for _, arch := range a.reg.Archives() {
		fmt.Printf(
			"%s  %s  %s  %s  %s  %d files  %d bytes  %s\n",
			arch.Id,
			arch.CreatedAt.UTC().Format(time.RFC3339),
			arch.Tier,
			arch.Integrity,
			arch.Remote,
			arch.NFiles,
			arch.SizeBytes,
			arch.Consistency,
		)
	}
}

func cmdPrune(a *app) {
	ctx, cancel := sigContext()
	defer cancel()
	if err := a.retain.Prune(ctx); err != nil {
		lg.Fatalw("Pruning failed.", "err", err)
	}
}

// `sigContext()` returns a context that is cancelled on SIGTERM or SIGINT.
func sigContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	signal.Notify(sigs, syscall.SIGINT)
	go func() {
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func initLogging(arg string) {
	var err error
	switch arg {
	case "prod":
		lg, err = zap.NewProduction()
	case "dev":
		lg, err = zap.NewDevelopment()
	case "mu":
		lg = mulog.Logger{}
	default:
		err = fmt.Errorf("Invalid --log option.")
	}
	if err != nil {
		log.Fatal(err)
	}
}

func argparse() map[string]interface{} {
	const autoHelp = true
	const noOptionFirst = false
	args, err := docopt.Parse(
		usage, nil, autoHelp, version, noOptionFirst,
	)
	if err != nil {
		lg.Fatalw("docopt failed.", "err", err)
	}

	for _, k := range []string{
		"--shutdown-timeout",
	} {
		if arg, ok := args[k].(string); ok {
			v, err := time.ParseDuration(arg)
			if err != nil {
				msg := fmt.Sprintf("Invalid %s.", k)
				lg.Fatalw(msg, "err", err)
			}
			args[k] = v
		}
	}

	return args
}
