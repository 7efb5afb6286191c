// Package supervisor owns the lifecycle of the whole pipeline: it wires
// the queue, WAL, batcher, exporter and watchers together and drives the
// graceful shutdown.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kumarabd/gokit/logger"

	"github.com/LucienLassalle/SLE/internal/config"
	"github.com/LucienLassalle/SLE/internal/metrics"
	"github.com/LucienLassalle/SLE/pkg/batch"
	"github.com/LucienLassalle/SLE/pkg/export"
	"github.com/LucienLassalle/SLE/pkg/model"
	"github.com/LucienLassalle/SLE/pkg/pipeline"
	"github.com/LucienLassalle/SLE/pkg/queue"
	"github.com/LucienLassalle/SLE/pkg/ratelimit"
	"github.com/LucienLassalle/SLE/pkg/wal"
	"github.com/LucienLassalle/SLE/pkg/watcher"
)

const (
	// shutdownTimeout bounds the drain after a stop signal.
	shutdownTimeout = 10 * time.Second
	// pollTimeout keeps the consumer loop responsive to shutdown.
	pollTimeout = 250 * time.Millisecond

	restartMaxCrashes = 3
	restartWindow     = time.Minute
	restartCooldown   = time.Minute
)

// Supervisor constructs and runs every component. No process-wide mutable
// state: everything hangs off this object and dies with Run.
type Supervisor struct {
	cfg    *config.Config
	log    *logger.Handler
	metric *metrics.Handler

	queue    *queue.Queue
	store    *wal.WAL
	limits   *ratelimit.Registry
	batcher  *batch.Batcher
	exporter *export.Exporter
	pipe     *pipeline.Pipeline

	wg sync.WaitGroup
}

func New(cfg *config.Config, walDir string, log *logger.Handler, metric *metrics.Handler) (*Supervisor, error) {
	store, err := wal.Open(walDir, log, metric)
	if err != nil {
		return nil, fmt.Errorf("open disk buffer: %w", err)
	}

	q := queue.New(cfg.QueueSize, cfg.LegacyQueue, log, metric)
	limits := ratelimit.New()

	exporter, err := export.New(cfg.Backends, store, store, log, metric)
	if err != nil {
		return nil, fmt.Errorf("configure exporters: %w", err)
	}

	s := &Supervisor{
		cfg:      cfg,
		log:      log,
		metric:   metric,
		queue:    q,
		store:    store,
		limits:   limits,
		exporter: exporter,
	}
	s.pipe = pipeline.New(q, limits, store, log, metric)
	return s, nil
}

// Run starts the pipeline and blocks until ctx is cancelled, then drains
// within the shutdown budget.
func (s *Supervisor) Run(ctx context.Context) error {
	// The export context survives ctx so the final flush can still reach
	// the backends during shutdown.
	exportCtx, exportCancel := context.WithCancel(context.Background())
	defer exportCancel()

	s.batcher = batch.New(func(b *model.Batch) {
		s.exporter.Export(exportCtx, b)
	}, s.log)

	// Replayed segments enter the queue before any watcher starts, so they
	// precede live traffic for their source.
	replayed, err := s.store.Replay()
	if err != nil {
		return fmt.Errorf("disk buffer replay: %w", err)
	}
	for _, r := range replayed {
		s.pipe.Inject(r.Record)
	}
	if len(replayed) > 0 {
		s.log.Info().Int("segments", len(replayed)).Msg("replayed disk buffer")
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	// Consumer: queue -> batcher.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consume(workerCtx)
	}()

	globs := watcher.NewGlobManager(
		s.cfg.Sources, s.cfg.AutoReload, s.pipe, s.limits,
		func(id watcher.ID, size int) { s.batcher.Configure(id.Spec.ID(id.Path), size) },
		s.log, s.metric,
	)
	s.startWorker(workerCtx, "glob-manager", globs.Run)

	if s.cfg.Journal {
		journal := watcher.NewJournalWatcher(s.cfg.JournalLabels, s.pipe, s.log)
		s.startWorker(workerCtx, "journal", journal.Run)
	}

	if s.cfg.MetricsListen != "" {
		go func() {
			if err := s.metric.Serve(s.cfg.MetricsListen); err != nil {
				s.log.Error().Err(err).Str("addr", s.cfg.MetricsListen).Msg("metrics endpoint failed")
			}
		}()
	}

	s.log.Info().Int("sources", len(s.cfg.Sources)).Msg("pipeline started")
	<-ctx.Done()
	s.log.Info().Msg("shutting down")

	// Stop producers first, then drain what is already queued.
	stopWorkers()
	s.queue.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.drain()
		s.batcher.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.log.Warn().Msg("shutdown timeout exceeded, abandoning in-flight work")
		s.spillRemaining()
	}
	return nil
}

// consume moves records from the queue into the batcher until the queue is
// closed and drained.
func (s *Supervisor) consume(ctx context.Context) {
	for {
		rec, ok := s.queue.Poll(pollTimeout)
		if ok {
			s.batcher.Add(rec)
			continue
		}
		if ctx.Err() != nil && s.queue.Depth() == 0 {
			return
		}
	}
}

// drain empties whatever the producers left in the queue after shutdown.
func (s *Supervisor) drain() {
	for {
		rec, ok := s.queue.Poll(50 * time.Millisecond)
		if !ok {
			return
		}
		s.batcher.Add(rec)
	}
}

// spillRemaining persists still-queued DISK records when the drain budget
// runs out.
func (s *Supervisor) spillRemaining() {
	for {
		rec, ok := s.queue.Poll(10 * time.Millisecond)
		if !ok {
			return
		}
		if rec.Policy == model.PolicyDisk && !rec.Replayed {
			if err := s.store.Append(rec); err != nil {
				s.log.Error().Err(err).Msg("failed to persist record during shutdown")
			}
		}
	}
}

// startWorker runs fn in a restart loop. Three crashes within a minute
// trip a one-minute cool-down before the next attempt.
func (s *Supervisor) startWorker(ctx context.Context, name string, fn func(context.Context) error) {
	b := newBreaker(restartMaxCrashes, restartWindow, restartCooldown)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ctx.Err() == nil {
			if b.open() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			err := s.runProtected(name, ctx, fn)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				b.fail()
				s.log.Error().Err(err).Str("worker", name).Msg("worker crashed, restarting")
			}
		}
	}()
}

// runProtected converts a worker panic into an error so the restart policy
// applies instead of taking the process down.
func (s *Supervisor) runProtected(name string, ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("worker", name).Str("stack", string(debug.Stack())).Msg("worker panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
