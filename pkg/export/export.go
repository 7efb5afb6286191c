// Package export fans batches out to the configured backends with per
// endpoint retry and HA any-success semantics.
package export

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kumarabd/gokit/logger"

	"github.com/LucienLassalle/SLE/internal/config"
	"github.com/LucienLassalle/SLE/internal/metrics"
	"github.com/LucienLassalle/SLE/pkg/model"
)

const (
	requestTimeout = 10 * time.Second

	retryInitial = 100 * time.Millisecond
	retryCap     = 5 * time.Second
	retryMax     = 4
)

// CommitSink acknowledges delivered segments so the WAL can unlink them.
// The disk WAL is the production implementation.
type CommitSink interface {
	Commit(id model.SourceID, seqs []uint64) error
}

// Spiller persists records whose batch could not be delivered.
type Spiller interface {
	Append(rec *model.LogRecord) error
}

// Sender pushes one serialized batch to a single backend kind. A nil error
// means at least one of the backend's endpoints accepted the batch.
type Sender interface {
	Kind() config.BackendKind
	Send(ctx context.Context, batch *model.Batch) error
}

// Exporter dispatches each batch to every configured backend.
type Exporter struct {
	senders []Sender
	commit  CommitSink
	spill   Spiller
	log     *logger.Handler
	metric  *metrics.Handler
}

// New builds senders for every configured backend.
func New(backends []config.BackendSpec, commit CommitSink, spill Spiller, log *logger.Handler, metric *metrics.Handler) (*Exporter, error) {
	client := &http.Client{Timeout: requestTimeout}

	var senders []Sender
	for _, b := range backends {
		var s Sender
		var err error
		switch b.Kind {
		case config.KindLoki:
			s = newLokiSender(b, client, log)
		case config.KindKafka:
			s = newKafkaSender(b, log)
		case config.KindCloudWatch:
			s, err = newCloudWatchSender(b, log)
		default:
			s = newGenericSender(b, client, log)
		}
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", b.Kind, err)
		}
		senders = append(senders, s)
	}
	if len(senders) == 0 {
		return nil, fmt.Errorf("no backends configured")
	}

	return &Exporter{
		senders: senders,
		commit:  commit,
		spill:   spill,
		log:     log,
		metric:  metric,
	}, nil
}

// Export sends the batch to all backends. On delivery (any backend
// accepted) replayed segments are committed; on total failure DISK records
// are persisted and DROP records discarded.
func (e *Exporter) Export(ctx context.Context, batch *model.Batch) {
	if batch == nil || len(batch.Records) == 0 {
		return
	}

	delivered := false
	for _, s := range e.senders {
		start := time.Now()
		err := s.Send(ctx, batch)
		if e.metric != nil {
			e.metric.ObserveExportLatency(string(s.Kind()), time.Since(start))
		}
		if err != nil {
			if e.metric != nil {
				e.metric.BatchesExportedTotal.WithLabelValues(string(s.Kind()), "error").Inc()
			}
			e.log.Error().Err(err).Str("kind", string(s.Kind())).Int("batch_size", len(batch.Records)).Msg("batch delivery failed")
			continue
		}
		delivered = true
		if e.metric != nil {
			e.metric.BatchesExportedTotal.WithLabelValues(string(s.Kind()), "success").Inc()
		}
	}

	if delivered {
		if seqs := batch.ReplaySegments(); len(seqs) > 0 {
			if err := e.commit.Commit(batch.Source, seqs); err != nil {
				e.log.Error().Err(err).Str("source", batch.Source.String()).Msg("segment commit failed")
			}
		}
		return
	}

	e.handleFailure(batch)
}

// handleFailure applies the per-record overflow policy after every backend
// exhausted its retries. Replayed records keep their segment on disk and
// are retried on the next startup.
func (e *Exporter) handleFailure(batch *model.Batch) {
	for _, rec := range batch.Records {
		if rec.Replayed {
			continue
		}
		if rec.Policy == model.PolicyDisk {
			if err := e.spill.Append(rec); err != nil {
				e.log.Error().Err(err).Str("source", rec.Source.String()).Msg("disk buffer write failed, dropping record")
				if e.metric != nil {
					e.metric.IncDropped("wal_error")
				}
			} else if e.metric != nil {
				e.metric.RecordsSpilledTotal.WithLabelValues("export_failed").Inc()
			}
			continue
		}
		if e.metric != nil {
			e.metric.IncDropped("export_failed")
		}
	}
}

// retryPolicy is the shared per-endpoint schedule: 100ms doubling to a 5s
// cap, four retries, no jitter.
func retryPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = retryCap
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, retryMax), ctx)
}

// anyEndpoint runs try for every endpoint concurrently and returns nil when
// at least one succeeds.
func anyEndpoint(endpoints []string, try func(endpoint string) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(endpoints))
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep string) {
			defer wg.Done()
			errs[i] = try(ep)
		}(i, ep)
	}
	wg.Wait()

	var lastErr error
	for _, err := range errs {
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}
