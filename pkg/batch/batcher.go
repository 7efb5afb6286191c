// Package batch accumulates records per source into size-bounded batches.
package batch

import (
	"sync"
	"time"

	"github.com/kumarabd/gokit/logger"

	"github.com/LucienLassalle/SLE/pkg/model"
)

// maxAge is how long a batch may wait for more records before it is
// flushed regardless of size.
const maxAge = time.Second

// scanInterval is how often the age scanner wakes up.
const scanInterval = 100 * time.Millisecond

type pending struct {
	records []*model.LogRecord
	started time.Time
	size    int
}

// Batcher groups records per source and hands full or aged batches to the
// flush callback. A buffer size of 1 makes it a pass-through.
type Batcher struct {
	mu      sync.Mutex
	pending map[model.SourceID]*pending
	sizes   map[model.SourceID]int

	flush func(*model.Batch)
	log   *logger.Handler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New starts the background age scanner. flush is invoked outside the
// batcher's lock and receives each batch exactly once.
func New(flush func(*model.Batch), log *logger.Handler) *Batcher {
	b := &Batcher{
		pending: make(map[model.SourceID]*pending),
		sizes:   make(map[model.SourceID]int),
		flush:   flush,
		log:     log,
		stopCh:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Configure sets the batch size for a source. Unconfigured sources default
// to pass-through.
func (b *Batcher) Configure(id model.SourceID, size int) {
	if size < 1 {
		size = 1
	}
	b.mu.Lock()
	b.sizes[id] = size
	b.mu.Unlock()
}

// Add appends a record to its source's batch, flushing when full.
func (b *Batcher) Add(rec *model.LogRecord) {
	b.mu.Lock()
	size, ok := b.sizes[rec.Source]
	if !ok {
		size = 1
	}

	if size <= 1 {
		b.mu.Unlock()
		b.flush(&model.Batch{Source: rec.Source, Records: []*model.LogRecord{rec}})
		return
	}

	p := b.pending[rec.Source]
	if p == nil {
		p = &pending{started: time.Now(), size: size}
		b.pending[rec.Source] = p
	}
	p.records = append(p.records, rec)

	var full *model.Batch
	if len(p.records) >= p.size {
		full = &model.Batch{Source: rec.Source, Records: p.records}
		delete(b.pending, rec.Source)
	}
	b.mu.Unlock()

	if full != nil {
		b.flush(full)
	}
}

// run flushes batches whose first record is older than maxAge.
func (b *Batcher) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.flushAged()
		}
	}
}

func (b *Batcher) flushAged() {
	now := time.Now()

	b.mu.Lock()
	var due []*model.Batch
	for id, p := range b.pending {
		if now.Sub(p.started) >= maxAge {
			due = append(due, &model.Batch{Source: id, Records: p.records})
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, batch := range due {
		b.flush(batch)
	}
}

// Close stops the scanner and flushes everything still pending.
func (b *Batcher) Close() {
	close(b.stopCh)
	b.wg.Wait()

	b.mu.Lock()
	var rest []*model.Batch
	for id, p := range b.pending {
		rest = append(rest, &model.Batch{Source: id, Records: p.records})
		delete(b.pending, id)
	}
	b.mu.Unlock()

	for _, batch := range rest {
		b.flush(batch)
	}
}
