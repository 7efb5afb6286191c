package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kumarabd/gokit/logger"

	"github.com/LucienLassalle/SLE/internal/config"
	"github.com/LucienLassalle/SLE/internal/metrics"
	"github.com/LucienLassalle/SLE/pkg/pipeline"
	"github.com/LucienLassalle/SLE/pkg/ratelimit"
)

// watchKey identifies one active tailer: a source spec index plus the
// concrete matched path.
type watchKey struct {
	source int
	path   string
}

type watchEntry struct {
	cancel context.CancelFunc
	done   chan struct{}
	// missing counts consecutive reconcile cycles where the path no longer
	// matched; the tailer survives one full cycle so a rename during
	// rotation does not kill it.
	missing int
}

// GlobManager expands wildcard sources and keeps one FileWatcher per
// matched path. Literal paths pass through expansion untouched. With
// autoReload > 0 the expansion re-runs on that interval.
type GlobManager struct {
	sources    []config.SourceSpec
	autoReload time.Duration
	pipe       *pipeline.Pipeline
	limits     *ratelimit.Registry
	batchSize  func(id ID, size int)
	log        *logger.Handler
	metric     *metrics.Handler

	mu       sync.Mutex
	watchers map[watchKey]*watchEntry
	warned   map[int]bool // one-shot zero-match warnings per source
	wg       sync.WaitGroup
}

// ID is the callback payload for registering a matched file's batch
// size with the batcher.
type ID struct {
	Spec config.SourceSpec
	Path string
}

func NewGlobManager(sources []config.SourceSpec, autoReload int, pipe *pipeline.Pipeline, limits *ratelimit.Registry, registerBatch func(ID, int), log *logger.Handler, metric *metrics.Handler) *GlobManager {
	return &GlobManager{
		sources:    sources,
		autoReload: time.Duration(autoReload) * time.Second,
		pipe:       pipe,
		limits:     limits,
		batchSize:  registerBatch,
		log:        log,
		metric:     metric,
		watchers:   make(map[watchKey]*watchEntry),
		warned:     make(map[int]bool),
	}
}

// Run reconciles once at startup, then on every auto-reload tick. Blocks
// until ctx is cancelled, then stops every tailer.
func (g *GlobManager) Run(ctx context.Context) error {
	g.reconcile(ctx)

	if g.autoReload > 0 {
		ticker := time.NewTicker(g.autoReload)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				g.stopAll()
				return ctx.Err()
			case <-ticker.C:
				g.reconcile(ctx)
			}
		}
	}

	<-ctx.Done()
	g.stopAll()
	return ctx.Err()
}

// reconcile is set-based: spawn tailers for newly matched paths, and stop
// tailers whose path has been gone for more than one cycle.
func (g *GlobManager) reconcile(ctx context.Context) {
	current := make(map[watchKey]bool)

	for i, spec := range g.sources {
		paths := g.expand(i, spec)
		for _, path := range paths {
			key := watchKey{source: i, path: path}
			current[key] = true

			g.mu.Lock()
			entry, exists := g.watchers[key]
			if exists {
				entry.missing = 0
				g.mu.Unlock()
				continue
			}
			g.mu.Unlock()
			g.spawn(ctx, key, spec, path)
		}
	}

	// Age out watchers whose path disappeared.
	g.mu.Lock()
	var stale []watchKey
	for key, entry := range g.watchers {
		if current[key] {
			continue
		}
		entry.missing++
		if entry.missing > 1 {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		entry := g.watchers[key]
		delete(g.watchers, key)
		entry.cancel()
		g.limits.Remove(g.sources[key.source].ID(key.path))
		g.log.Info().Str("path", key.path).Msg("path disappeared, stopping tailer")
	}
	active := len(g.watchers)
	g.mu.Unlock()

	if g.metric != nil {
		g.metric.WatchersActive.Set(float64(active))
	}
}

// expand resolves a source to its current concrete path set.
func (g *GlobManager) expand(idx int, spec config.SourceSpec) []string {
	if !spec.IsGlob() {
		return []string{spec.Path}
	}
	matches, err := doublestar.FilepathGlob(spec.Path, doublestar.WithFilesOnly())
	if err != nil {
		g.log.Error().Err(err).Str("pattern", spec.Path).Msg("glob expansion failed")
		return nil
	}
	if len(matches) == 0 && !g.warned[idx] {
		g.warned[idx] = true
		g.log.Warn().Str("pattern", spec.Path).Msg("pattern matches no files")
	}
	return matches
}

// spawn starts a tailer for one matched path with the parent source's
// configuration. Rate limit and batch size apply per matched file.
func (g *GlobManager) spawn(ctx context.Context, key watchKey, spec config.SourceSpec, path string) {
	id := spec.ID(path)
	g.limits.Configure(id, spec.RateLimit)
	if g.batchSize != nil {
		g.batchSize(ID{Spec: spec, Path: path}, spec.BufferSize)
	}

	wctx, cancel := context.WithCancel(ctx)
	entry := &watchEntry{cancel: cancel, done: make(chan struct{})}

	g.mu.Lock()
	g.watchers[key] = entry
	g.mu.Unlock()

	fw := NewFileWatcher(spec, path, g.pipe, g.log)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer close(entry.done)
		_ = fw.Run(wctx)
	}()
}

func (g *GlobManager) stopAll() {
	g.mu.Lock()
	for key, entry := range g.watchers {
		entry.cancel()
		delete(g.watchers, key)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// ActiveWatchers reports the number of running tailers.
func (g *GlobManager) ActiveWatchers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.watchers)
}
