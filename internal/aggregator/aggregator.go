// Package aggregator accumulates recognized identities across frames until
// they are committed.
package aggregator

import (
	"sync"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Aggregator is a concurrency-safe identity set. The frame pump adds to it
// while commit workers drain it.
type Aggregator struct {
	mu  sync.Mutex
	ids types.IdentitySet
}

func New() *Aggregator {
	return &Aggregator{ids: make(types.IdentitySet)}
}

// Add unions ids into the session set.
func (a *Aggregator) Add(ids types.IdentitySet) {
	if len(ids) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range ids {
		a.ids[id] = struct{}{}
	}
}

// DrainAndClear returns the current set and leaves the aggregator empty.
func (a *Aggregator) DrainAndClear() types.IdentitySet {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.ids
	a.ids = make(types.IdentitySet)
	return out
}

// Snapshot returns a copy of the current set.
func (a *Aggregator) Snapshot() types.IdentitySet {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(types.IdentitySet, len(a.ids))
	for id := range a.ids {
		out[id] = struct{}{}
	}
	return out
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ids)
}
