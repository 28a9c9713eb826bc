// Package `events` defines the events that the core emits for an external
// observability collaborator, following the interface-plus-Noop-plus-Prom
// pattern.
package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// `Emitter` receives the core's events.  Implementations must be safe for
// concurrent use.
type Emitter interface {
	ArchiveCreated(id string, tier string, consistency string)
	ArchiveVerified(id string, status string)
	ArchivePruned(id string)
	TransferCompleted(jobId, archiveId, direction string)
	TransferFailed(jobId, archiveId, direction, reason string)
	RestoreCompleted(archiveId string)
	RestoreFailed(archiveId, reason string)
}

// `Noop` implements `Emitter` without emitting anything.
type Noop struct{}

func (Noop) ArchiveCreated(string, string, string)         {}
func (Noop) ArchiveVerified(string, string)                {}
func (Noop) ArchivePruned(string)                          {}
func (Noop) TransferCompleted(string, string, string)      {}
func (Noop) TransferFailed(string, string, string, string) {}
func (Noop) RestoreCompleted(string)                       {}
func (Noop) RestoreFailed(string, string)                  {}

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
}

// `Log` emits events as structured log messages.
type Log struct {
	Lg Logger
}

func (l Log) ArchiveCreated(id, tier, consistency string) {
	l.Lg.Infow(
		"archive.created",
		"archiveId", id, "tier", tier, "consistency", consistency,
	)
}

func (l Log) ArchiveVerified(id, status string) {
	l.Lg.Infow("archive.verified", "archiveId", id, "status", status)
}

func (l Log) ArchivePruned(id string) {
	l.Lg.Infow("archive.pruned", "archiveId", id)
}

func (l Log) TransferCompleted(jobId, archiveId, direction string) {
	l.Lg.Infow(
		"transfer.completed",
		"jobId", jobId, "archiveId", archiveId, "direction", direction,
	)
}

func (l Log) TransferFailed(jobId, archiveId, direction, reason string) {
	l.Lg.Warnw(
		"transfer.failed",
		"jobId", jobId, "archiveId", archiveId,
		"direction", direction, "reason", reason,
	)
}

func (l Log) RestoreCompleted(archiveId string) {
	l.Lg.Infow("restore.completed", "archiveId", archiveId)
}

func (l Log) RestoreFailed(archiveId, reason string) {
	l.Lg.Warnw("restore.failed", "archiveId", archiveId, "reason", reason)
}

// `Prom` counts events as Prometheus counters.
type Prom struct {
	archivesCreated   *prometheus.CounterVec
	archivesVerified  *prometheus.CounterVec
	archivesPruned    prometheus.Counter
	transfersComplete *prometheus.CounterVec
	transfersFailed   *prometheus.CounterVec
	restoresComplete  prometheus.Counter
	restoresFailed    prometheus.Counter
}

func NewProm(namespace string) *Prom {
	return &Prom{
		archivesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archives_created_total",
			Help:      "Archives created by tier and consistency",
		}, []string{"tier", "consistency"}),
		archivesVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archives_verified_total",
			Help:      "Verification results by status",
		}, []string{"status"}),
		archivesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archives_pruned_total",
			Help:      "Archives pruned by retention",
		}),
		transfersComplete: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_completed_total",
			Help:      "Completed transfers by direction",
		}, []string{"direction"}),
		transfersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_failed_total",
			Help:      "Failed transfers by direction",
		}, []string{"direction"}),
		restoresComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_completed_total",
			Help:      "Completed restores",
		}),
		restoresFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_failed_total",
			Help:      "Failed restores",
		}),
	}
}

func (p *Prom) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		p.archivesCreated,
		p.archivesVerified,
		p.archivesPruned,
		p.transfersComplete,
		p.transfersFailed,
		p.restoresComplete,
		p.restoresFailed,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Prom) ArchiveCreated(id, tier, consistency string) {
	p.archivesCreated.WithLabelValues(tier, consistency).Inc()
}

func (p *Prom) ArchiveVerified(id, status string) {
	p.archivesVerified.WithLabelValues(status).Inc()
}

func (p *Prom) ArchivePruned(id string) {
	p.archivesPruned.Inc()
}

func (p *Prom) TransferCompleted(jobId, archiveId, direction string) {
	p.transfersComplete.WithLabelValues(direction).Inc()
}

func (p *Prom) TransferFailed(jobId, archiveId, direction, reason string) {
	p.transfersFailed.WithLabelValues(direction).Inc()
}

func (p *Prom) RestoreCompleted(archiveId string) {
	p.restoresComplete.Inc()
}

func (p *Prom) RestoreFailed(archiveId, reason string) {
	p.restoresFailed.Inc()
}

// `Tee` fans an event out to multiple emitters.
type Tee []Emitter

func (t Tee) ArchiveCreated(id, tier, consistency string) {
	for _, e := range t {
		e.ArchiveCreated(id, tier, consistency)
	}
}

func (t Tee) ArchiveVerified(id, status string) {
	for _, e := range t {
		e.ArchiveVerified(id, status)
	}
}

func (t Tee) ArchivePruned(id string) {
	for _, e := range t {
		e.ArchivePruned(id)
	}
}

func (t Tee) TransferCompleted(jobId, archiveId, direction string) {
	for _, e := range t {
		e.TransferCompleted(jobId, archiveId, direction)
	}
}

func (t Tee) TransferFailed(jobId, archiveId, direction, reason string) {
	for _, e := range t {
		e.TransferFailed(jobId, archiveId, direction, reason)
	}
}

func (t Tee) RestoreCompleted(archiveId string) {
	for _, e := range t {
		e.RestoreCompleted(archiveId)
	}
}

func (t Tee) RestoreFailed(archiveId, reason string) {
	for _, e := range t {
		e.RestoreFailed(archiveId, reason)
	}
}
