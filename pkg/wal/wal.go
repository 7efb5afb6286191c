// Package wal is the durable per-source overflow store. Each record is one
// segment file under <root>/<service>/<category>/<seq>.rec, written with an
// fsync and an atomic rename so partial failures are recoverable.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/kumarabd/gokit/logger"

	"github.com/LucienLassalle/SLE/internal/metrics"
	"github.com/LucienLassalle/SLE/pkg/model"
)

const (
	segmentSuffix    = ".rec"
	quarantineSuffix = ".bad"
	// Segments older than this at startup are deleted unread.
	maxSegmentAge = 24 * time.Hour
)

// sourceKey identifies a WAL directory. The WAL is keyed by
// (service, category) only; records from different files of the same
// category share a sequence.
type sourceKey struct {
	service  string
	category string
}

// WAL owns the buffer directory tree.
type WAL struct {
	root string

	mu   sync.Mutex
	seqs map[sourceKey]uint64 // last assigned sequence per source

	log     *logger.Handler
	metric  *metrics.Handler
	pending int
}

// Replayed pairs a decoded record with its segment sequence so the exporter
// can commit it after delivery.
type Replayed struct {
	Record *model.LogRecord
	Seq    uint64
}

// Open prepares the buffer directory and removes segments older than 24h.
func Open(root string, log *logger.Handler, metric *metrics.Handler) (*WAL, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create buffer directory %s: %w", root, err)
	}
	w := &WAL{
		root:   root,
		seqs:   make(map[sourceKey]uint64),
		log:    log,
		metric: metric,
	}
	w.sweep()
	return w, nil
}

// sweep deletes expired segments across all source directories.
func (w *WAL) sweep() {
	cutoff := time.Now().Add(-maxSegmentAge)
	for _, dir := range w.sourceDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), segmentSuffix) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				path := filepath.Join(dir, e.Name())
				if err := os.Remove(path); err != nil {
					w.log.Error().Err(err).Str("segment", path).Msg("failed to remove expired segment")
				} else {
					w.log.Warn().Str("segment", path).Msg("removed expired segment")
				}
			}
		}
	}
}

// sourceDirs lists every <root>/<service>/<category> directory.
func (w *WAL) sourceDirs() []string {
	var dirs []string
	services, err := os.ReadDir(w.root)
	if err != nil {
		return nil
	}
	for _, svc := range services {
		if !svc.IsDir() {
			continue
		}
		categories, err := os.ReadDir(filepath.Join(w.root, svc.Name()))
		if err != nil {
			continue
		}
		for _, cat := range categories {
			if cat.IsDir() {
				dirs = append(dirs, filepath.Join(w.root, svc.Name(), cat.Name()))
			}
		}
	}
	sort.Strings(dirs)
	return dirs
}

func (w *WAL) dirFor(id model.SourceID) string {
	return filepath.Join(w.root, id.Service, id.Category)
}

// Append durably stores one record. The record counts as written only after
// the fsync'd temporary file is renamed into place.
func (w *WAL) Append(rec *model.LogRecord) error {
	dir := w.dirFor(rec.Source)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create segment directory %s: %w", dir, err)
	}

	seq, err := w.nextSeq(rec.Source, dir)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%010d.tmp", seq))
	final := filepath.Join(dir, formatSegmentName(seq))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write segment %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync segment %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close segment %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename segment %s: %w", tmp, err)
	}

	w.mu.Lock()
	w.pending++
	pending := w.pending
	w.mu.Unlock()
	if w.metric != nil {
		w.metric.WALSegmentsPending.Set(float64(pending))
	}
	return nil
}

// nextSeq hands out the next sequence for a source, scanning the directory
// once and caching the maximum.
func (w *WAL) nextSeq(id model.SourceID, dir string) (uint64, error) {
	key := sourceKey{service: id.Service, category: id.Category}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.seqs[key]; !ok {
		max, err := maxSequence(dir)
		if err != nil {
			return 0, err
		}
		w.seqs[key] = max
	}
	w.seqs[key]++
	return w.seqs[key], nil
}

func maxSequence(dir string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan segment directory %s: %w", dir, err)
	}
	var max uint64
	for _, e := range entries {
		seq, err := parseSegmentName(e.Name())
		if err != nil {
			continue
		}
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

// Replay decodes every surviving segment, grouped per source and sorted by
// sequence. Malformed segments are quarantined with a .bad suffix and never
// retried.
func (w *WAL) Replay() ([]Replayed, error) {
	var out []Replayed
	total := 0
	for _, dir := range w.sourceDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			w.log.Error().Err(err).Str("dir", dir).Msg("cannot read segment directory")
			continue
		}

		var seqs []uint64
		for _, e := range entries {
			if seq, err := parseSegmentName(e.Name()); err == nil {
				seqs = append(seqs, seq)
			}
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

		for _, seq := range seqs {
			path := filepath.Join(dir, formatSegmentName(seq))
			data, err := os.ReadFile(path)
			if err != nil {
				w.log.Error().Err(err).Str("segment", path).Msg("cannot read segment")
				continue
			}
			rec := &model.LogRecord{}
			if err := json.Unmarshal(data, rec); err != nil {
				w.quarantine(path, err)
				continue
			}
			rec.WALSeq = seq
			rec.Replayed = true
			out = append(out, Replayed{Record: rec, Seq: seq})
			total++
		}
	}

	w.mu.Lock()
	w.pending = total
	w.mu.Unlock()
	if w.metric != nil {
		w.metric.WALSegmentsPending.Set(float64(total))
	}
	return out, nil
}

func (w *WAL) quarantine(path string, cause error) {
	bad := path + quarantineSuffix
	if err := os.Rename(path, bad); err != nil {
		w.log.Error().Err(err).Str("segment", path).Msg("failed to quarantine segment")
		return
	}
	w.log.Error().Err(cause).Str("segment", bad).Msg("quarantined malformed segment")
}

// Commit unlinks delivered segments for a source.
func (w *WAL) Commit(id model.SourceID, seqs []uint64) error {
	dir := w.dirFor(id)
	var firstErr error
	removed := 0
	for _, seq := range seqs {
		path := filepath.Join(dir, formatSegmentName(seq))
		if err := os.Remove(path); err != nil {
			if firstErr == nil && !os.IsNotExist(err) {
				firstErr = fmt.Errorf("remove segment %s: %w", path, err)
			}
			continue
		}
		removed++
	}

	w.mu.Lock()
	w.pending -= removed
	if w.pending < 0 {
		w.pending = 0
	}
	pending := w.pending
	w.mu.Unlock()
	if w.metric != nil {
		w.metric.WALSegmentsPending.Set(float64(pending))
	}
	return firstErr
}

func formatSegmentName(seq uint64) string {
	return fmt.Sprintf("%010d%s", seq, segmentSuffix)
}

func parseSegmentName(name string) (uint64, error) {
	if !strings.HasSuffix(name, segmentSuffix) {
		return 0, fmt.Errorf("not a segment file: %s", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
}
