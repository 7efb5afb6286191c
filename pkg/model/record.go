package model

import (
	"fmt"
	"time"
)

// OverflowPolicy governs what happens to a record when the queue or the
// rate limiter rejects it.
type OverflowPolicy string

const (
	PolicyDrop OverflowPolicy = "DROP"
	PolicyDisk OverflowPolicy = "DISK"
)

// SourceID identifies the origin of a record. For glob sources Filepath is
// the concrete matched path, so every matched file gets its own identity.
type SourceID struct {
	Service  string `json:"service"`
	Category string `json:"category"`
	Filepath string `json:"filepath"`
}

func (id SourceID) String() string {
	return fmt.Sprintf("%s/%s@%s", id.Service, id.Category, id.Filepath)
}

// LogRecord is the unit that flows through the queue.
type LogRecord struct {
	Text      string            `json:"text"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels"`
	Source    SourceID          `json:"source"`
	Policy    OverflowPolicy    `json:"overflow_policy"`

	// WALSeq is the segment sequence this record was replayed from. Zero for
	// live records. Not persisted; the WAL derives it from the file name.
	WALSeq   uint64 `json:"-"`
	Replayed bool   `json:"-"`
}

// Batch is an ordered group of records from a single source, passed
// atomically from the batcher to the exporter.
type Batch struct {
	Source  SourceID
	Records []*LogRecord
}

// ReplaySegments returns the WAL sequence numbers of the replayed records in
// the batch, in batch order. Empty for purely live batches.
func (b *Batch) ReplaySegments() []uint64 {
	var seqs []uint64
	for _, r := range b.Records {
		if r.Replayed {
			seqs = append(seqs, r.WALSeq)
		}
	}
	return seqs
}
