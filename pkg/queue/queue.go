// Package queue implements the central bounded FIFO between the watchers
// and the export side of the pipeline.
package queue

import (
	"sync"
	"time"

	"github.com/kumarabd/gokit/logger"

	"github.com/LucienLassalle/SLE/internal/metrics"
	"github.com/LucienLassalle/SLE/pkg/model"
)

// Result is the outcome of a non-blocking Offer.
type Result int

const (
	// Accepted: the record was enqueued.
	Accepted Result = iota
	// Rejected: the queue is full; the caller dispatches on the record's
	// overflow policy.
	Rejected
	// Cleared: legacy mode wiped the queue, record included. The caller
	// must not apply any overflow policy; the loss is unconditional.
	Cleared
)

// Stats is the observable queue state.
type Stats struct {
	Depth          int
	Capacity       int
	LastWarnBucket int
}

// warn thresholds are the upward 20% crossings: buckets 1..4 map to
// 20/40/60/80% of capacity.
const warnBuckets = 5

// Queue is a mutex-guarded FIFO with threshold warnings. Offer never
// blocks; Poll blocks up to a timeout so shutdown stays observable.
type Queue struct {
	mu       sync.Mutex
	items    []*model.LogRecord
	capacity int
	legacy   bool
	warned   int // highest bucket already warned about
	closed   bool
	signal   chan struct{}

	log    *logger.Handler
	metric *metrics.Handler
}

// New builds a queue of the given capacity. legacy selects the historical
// clear-on-full behavior used when QUEUE_SIZE is absent from the config.
func New(capacity int, legacy bool, log *logger.Handler, metric *metrics.Handler) *Queue {
	return &Queue{
		items:    make([]*model.LogRecord, 0, capacity),
		capacity: capacity,
		legacy:   legacy,
		signal:   make(chan struct{}, 1),
		log:      log,
		metric:   metric,
	}
}

// Offer attempts to enqueue without blocking.
func (q *Queue) Offer(rec *model.LogRecord) Result {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return Rejected
	}

	if !q.legacy && len(q.items) >= q.capacity {
		q.mu.Unlock()
		return Rejected
	}

	q.items = append(q.items, rec)

	if q.legacy && len(q.items) >= q.capacity {
		dropped := len(q.items)
		q.items = q.items[:0]
		q.warned = 0
		q.mu.Unlock()
		if q.metric != nil {
			q.metric.QueueCleared.Inc()
			q.metric.QueueDepth.Set(0)
		}
		q.log.Warn().Int("dropped", dropped).Msg("queue full, cleared")
		return Cleared
	}

	q.checkThresholdLocked()
	depth := len(q.items)
	q.mu.Unlock()

	if q.metric != nil {
		q.metric.QueueDepth.Set(float64(depth))
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return Accepted
}

// checkThresholdLocked fires a warning for each upward 20% crossing since
// the last one.
func (q *Queue) checkThresholdLocked() {
	bucket := len(q.items) * warnBuckets / q.capacity
	if bucket > warnBuckets-1 {
		bucket = warnBuckets - 1
	}
	for q.warned < bucket {
		q.warned++
		q.log.Warn().
			Int("depth", len(q.items)).
			Int("capacity", q.capacity).
			Int("percent", q.warned*100/warnBuckets).
			Msg("queue filling up")
	}
}

// Poll removes the oldest record, waiting up to timeout when the queue is
// empty. The second return is false on timeout or when the queue is closed
// and drained.
func (q *Queue) Poll(timeout time.Duration) (*model.LogRecord, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			rec := q.items[0]
			q.items = q.items[1:]
			q.decayThresholdLocked()
			depth := len(q.items)
			q.mu.Unlock()
			if q.metric != nil {
				q.metric.QueueDepth.Set(float64(depth))
			}
			return rec, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-q.signal:
		case <-deadline.C:
			return nil, false
		}
	}
}

// decayThresholdLocked steps the warn bucket down one level when depth
// falls below its boundary, so a slow drain does not suppress the next
// round of warnings.
func (q *Queue) decayThresholdLocked() {
	for q.warned > 0 && len(q.items) < q.warned*q.capacity/warnBuckets {
		q.warned--
	}
}

// Depth returns the current number of queued records.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats snapshots the observable counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Depth: len(q.items), Capacity: q.capacity, LastWarnBucket: q.warned}
}

// Close stops admission. Queued records remain pollable until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
