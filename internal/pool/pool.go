// Package pool holds the deduplicated, time-bounded set of trade observations.
package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/polyboard/internal/models"
)

// DefaultMaxHistory is how long an observation stays in the pool.
const DefaultMaxHistory = 30 * time.Minute

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source used for eviction.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// Pool is a set of observations keyed by identity, trimmed to a trailing window.
//
// Writes are serialized; readers get copies so a Snapshot can be aggregated
// while the next fetch is in flight.
type Pool struct {
	mtx        sync.RWMutex
	maxHistory time.Duration
	now        func() time.Time
	// Keyed by Observation.Key()
	items map[string]models.Observation
}

// New creates an empty pool. A non-positive maxHistory falls back to DefaultMaxHistory.
func New(maxHistory time.Duration, opts ...Option) *Pool {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	p := &Pool{
		maxHistory: maxHistory,
		now:        time.Now,
		items:      make(map[string]models.Observation),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Merge inserts observations (later duplicates win) and then evicts expired members.
// Invalid observations are skipped; an empty batch still evicts.
func (p *Pool) Merge(obs []models.Observation) models.MergeStats {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.mergeLocked(obs)
}

func (p *Pool) mergeLocked(obs []models.Observation) models.MergeStats {
	var stats models.MergeStats
	for _, o := range obs {
		if err := o.Validate(); err != nil {
			stats.Skipped++
			continue
		}
		key := o.Key()
		if _, exists := p.items[key]; exists {
			stats.Replaced++
		} else {
			stats.Added++
		}
		p.items[key] = o
	}
	stats.Evicted = p.evictLocked()
	return stats
}

// evictLocked drops every member observed at or before now - maxHistory.
func (p *Pool) evictLocked() int {
	cutoff := p.now().Add(-p.maxHistory)
	evicted := 0
	for key, o := range p.items {
		if !o.ObservedAt.After(cutoff) {
			delete(p.items, key)
			evicted++
		}
	}
	return evicted
}

// Import restores the pool from a persisted snapshot, replacing current contents.
func (p *Pool) Import(obs []models.Observation) models.MergeStats {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.items = make(map[string]models.Observation, len(obs))
	return p.mergeLocked(obs)
}

// Export returns every member ordered by observation time then key.
func (p *Pool) Export() []models.Observation {
	return p.Snapshot()
}

// Snapshot returns a copy of the members ordered by observation time then key.
func (p *Pool) Snapshot() []models.Observation {
	p.mtx.RLock()
	out := make([]models.Observation, 0, len(p.items))
	for _, o := range p.items {
		out = append(out, o)
	}
	p.mtx.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.Before(out[j].ObservedAt)
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Get looks up a member by identity key.
func (p *Pool) Get(key string) (models.Observation, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	o, ok := p.items[key]
	return o, ok
}

// Len is the number of members.
func (p *Pool) Len() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return len(p.items)
}

// MaxHistory is the retention window.
func (p *Pool) MaxHistory() time.Duration {
	return p.maxHistory
}
