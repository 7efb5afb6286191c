// Package pipeline is the admission path every watcher emits through:
// enrichment, per-source rate limiting, queue offer, and overflow policy
// dispatch.
package pipeline

import (
	"time"

	"github.com/kumarabd/gokit/logger"

	"github.com/LucienLassalle/SLE/internal/metrics"
	"github.com/LucienLassalle/SLE/pkg/enrich"
	"github.com/LucienLassalle/SLE/pkg/model"
	"github.com/LucienLassalle/SLE/pkg/queue"
	"github.com/LucienLassalle/SLE/pkg/ratelimit"
)

// Spiller stores records that could not be admitted. The disk WAL is the
// production implementation.
type Spiller interface {
	Append(rec *model.LogRecord) error
}

// Input is the raw emission from a watcher: the unenriched line plus the
// source's identity and labels. A non-zero Timestamp (journal entries) is
// authoritative and skips detection fallback to the wall clock.
type Input struct {
	Line      string
	Name      string
	Subname   string
	Filepath  string
	Labels    map[string]string
	Source    model.SourceID
	Policy    model.OverflowPolicy
	Timestamp time.Time
}

// Pipeline funnels watcher emissions into the queue.
type Pipeline struct {
	queue  *queue.Queue
	limits *ratelimit.Registry
	spill  Spiller
	log    *logger.Handler
	metric *metrics.Handler
}

func New(q *queue.Queue, limits *ratelimit.Registry, spill Spiller, log *logger.Handler, metric *metrics.Handler) *Pipeline {
	return &Pipeline{queue: q, limits: limits, spill: spill, log: log, metric: metric}
}

// Emit enriches one line and pushes the resulting record through admission.
func (p *Pipeline) Emit(in Input) {
	if p.metric != nil {
		p.metric.RecordsReadTotal.WithLabelValues(in.Source.String()).Inc()
	}

	now := in.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	res := enrich.Enrich(in.Line, now)

	labels := make(map[string]string, len(in.Labels)+5)
	for k, v := range in.Labels {
		labels[k] = v
	}
	labels["job"] = "sle"
	labels["name"] = in.Name
	labels["subname"] = in.Subname
	labels["filepath"] = in.Filepath
	if res.Level != "" {
		labels["level"] = res.Level
	}

	rec := &model.LogRecord{
		Text:      res.Text,
		Timestamp: res.Timestamp,
		Labels:    labels,
		Source:    in.Source,
		Policy:    in.Policy,
	}
	if !in.Timestamp.IsZero() {
		// Journal entries carry the journal-reported instant.
		rec.Timestamp = in.Timestamp
	}

	if !p.limits.Allow(in.Source) {
		p.overflow(rec, "rate_limited")
		return
	}

	switch p.queue.Offer(rec) {
	case queue.Accepted:
		if p.metric != nil {
			p.metric.RecordsEnqueuedTotal.WithLabelValues(in.Source.String()).Inc()
		}
	case queue.Rejected:
		p.overflow(rec, "queue_full")
	case queue.Cleared:
		// Legacy clear already accounted for the loss; policy does not apply.
	}
}

// Inject re-enqueues an already-enriched record, used by the WAL replay.
// Rejected replays go back through the overflow path so DISK records are
// never lost to a full queue.
func (p *Pipeline) Inject(rec *model.LogRecord) {
	if p.queue.Offer(rec) == queue.Rejected {
		p.overflow(rec, "queue_full")
	}
}

func (p *Pipeline) overflow(rec *model.LogRecord, reason string) {
	if rec.Policy == model.PolicyDisk && !rec.Replayed {
		if err := p.spill.Append(rec); err != nil {
			p.log.Error().Err(err).Str("source", rec.Source.String()).Msg("disk buffer write failed, dropping record")
			if p.metric != nil {
				p.metric.IncDropped("wal_error")
			}
			return
		}
		if p.metric != nil {
			p.metric.RecordsSpilledTotal.WithLabelValues(reason).Inc()
		}
		return
	}
	if rec.Policy == model.PolicyDisk && rec.Replayed {
		// Replayed records still have their segment on disk; leave it for
		// the next cycle.
		return
	}
	if p.metric != nil {
		p.metric.IncDropped(reason)
	}
	p.log.Debug().Str("source", rec.Source.String()).Str("reason", reason).Msg("record dropped")
}
