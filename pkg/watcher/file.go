// Package watcher contains the source readers: the file tailer, the glob
// manager that spawns tailers for wildcard patterns, and the systemd
// journal reader.
package watcher

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kumarabd/gokit/logger"

	"github.com/LucienLassalle/SLE/internal/config"
	"github.com/LucienLassalle/SLE/pkg/pipeline"
)

const (
	// pollInterval is the sleep between empty reads in READING state.
	pollInterval = 100 * time.Millisecond
	// openBackoffMin/Max bound the retry delay while the file is missing.
	openBackoffMin = time.Second
	openBackoffMax = 30 * time.Second

	readChunk = 32 * 1024
)

// FileWatcher tails one concrete path through the state machine
// OPENING -> READING -> ROTATED -> OPENING, terminating on context cancel.
type FileWatcher struct {
	spec config.SourceSpec
	path string // concrete path; equals spec.Path for literal sources
	pipe *pipeline.Pipeline
	log  *logger.Handler

	file    *os.File
	offset  int64
	partial []byte
}

func NewFileWatcher(spec config.SourceSpec, path string, pipe *pipeline.Pipeline, log *logger.Handler) *FileWatcher {
	return &FileWatcher{spec: spec, path: path, pipe: pipe, log: log}
}

// Run drives the state machine until ctx is cancelled.
func (w *FileWatcher) Run(ctx context.Context) error {
	defer w.closeFile()

	for {
		if err := w.open(ctx); err != nil {
			return err // cancelled
		}
		rotated := w.read(ctx)
		w.closeFile()
		if !rotated {
			return nil // cancelled
		}
		// ROTATED: partial remainder belongs to the old file.
		w.partial = nil
	}
}

// open waits for the path to exist, then seeks to its end. Historical
// content is never replayed.
func (w *FileWatcher) open(ctx context.Context) error {
	backoff := openBackoffMin
	for {
		f, err := os.Open(w.path)
		if err == nil {
			offset, err := f.Seek(0, io.SeekEnd)
			if err != nil {
				f.Close()
				return w.sleep(ctx, backoff)
			}
			w.file = f
			w.offset = offset
			w.log.Info().Str("path", w.path).Str("source", w.spec.ID(w.path).String()).Msg("tailing file")
			return nil
		}

		w.log.Debug().Err(err).Str("path", w.path).Msg("file not available, retrying")
		if err := w.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > openBackoffMax {
			backoff = openBackoffMax
		}
	}
}

// read loops in READING state. Returns true on rotation, false on cancel.
func (w *FileWatcher) read(ctx context.Context) bool {
	buf := make([]byte, readChunk)
	for {
		progressed := false
		for {
			n, err := w.file.Read(buf)
			if n > 0 {
				progressed = true
				w.offset += int64(n)
				w.consume(buf[:n])
			}
			if err != nil {
				break // io.EOF or a transient read error; recheck below
			}
			if n == 0 {
				break
			}
		}

		if !progressed {
			if err := w.sleep(ctx, pollInterval); err != nil {
				return false
			}
			if rotated := w.checkRotation(); rotated {
				return true
			}
		}
		if ctx.Err() != nil {
			return false
		}
	}
}

// checkRotation compares the open handle with the path. A missing path or a
// different inode/device means rotation; a shrunk file means in-place
// truncation and rewinds to offset zero.
func (w *FileWatcher) checkRotation() bool {
	pathInfo, err := os.Stat(w.path)
	if err != nil {
		w.log.Info().Str("path", w.path).Msg("file rotated away, reopening")
		return true
	}
	handleInfo, err := w.file.Stat()
	if err != nil {
		return true
	}
	if !os.SameFile(handleInfo, pathInfo) {
		w.log.Info().Str("path", w.path).Msg("file replaced, reopening")
		return true
	}
	if pathInfo.Size() < w.offset {
		w.log.Info().Str("path", w.path).Msg("file truncated, rewinding")
		if _, err := w.file.Seek(0, io.SeekStart); err != nil {
			return true
		}
		w.offset = 0
		w.partial = nil
	}
	return false
}

// consume splits freshly read bytes on the source delimiter and emits each
// complete record. The trailing remainder stays buffered.
func (w *FileWatcher) consume(data []byte) {
	w.partial = append(w.partial, data...)
	delim := []byte(w.spec.Delimiter)

	for {
		idx := bytes.Index(w.partial, delim)
		if idx < 0 {
			return
		}
		line := w.partial[:idx]
		w.partial = w.partial[idx+len(delim):]
		w.emit(line)
	}
}

func (w *FileWatcher) emit(line []byte) {
	text := strings.ToValidUTF8(string(line), string(utf8Replacement))
	w.pipe.Emit(pipeline.Input{
		Line:     text,
		Name:     w.spec.Service,
		Subname:  w.spec.Category,
		Filepath: w.path,
		Labels:   w.spec.Labels,
		Source:   w.spec.ID(w.path),
		Policy:   w.spec.Policy,
	})
}

const utf8Replacement = '�'

func (w *FileWatcher) closeFile() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
}

func (w *FileWatcher) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
