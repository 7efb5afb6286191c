// Package ratelimit provides per-source token-bucket admission.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/LucienLassalle/SLE/pkg/model"
)

// Registry holds one token bucket per source. Buckets refill at the
// configured rate with a burst of one second's worth; sources without a
// configured rate are unlimited.
type Registry struct {
	mu       sync.Mutex
	limiters map[model.SourceID]*rate.Limiter
}

func New() *Registry {
	return &Registry{limiters: make(map[model.SourceID]*rate.Limiter)}
}

// Configure installs the bucket for a source. perSecond <= 0 means
// unlimited. Reconfiguring replaces the bucket.
func (r *Registry) Configure(id model.SourceID, perSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if perSecond <= 0 {
		r.limiters[id] = rate.NewLimiter(rate.Inf, 0)
		return
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	r.limiters[id] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Remove forgets a source's bucket, e.g. when a glob match disappears.
func (r *Registry) Remove(id model.SourceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, id)
}

// Allow consumes one token if available. Unknown sources are unlimited.
// Never blocks.
func (r *Registry) Allow(id model.SourceID) bool {
	r.mu.Lock()
	lim, ok := r.limiters[id]
	r.mu.Unlock()

	if !ok {
		return true
	}
	return lim.Allow()
}
