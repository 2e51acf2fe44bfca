// Package resources hands out the per-room shared resource (a video id, an
// image URL) from a configured list.
package resources

import (
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/hilthontt/roomshuffle/internal/domain"
)

// Provider picks a resource for a new room given the resources already held
// by live rooms.
type Provider interface {
	Next(inUse []string) (string, error)
}

type Pool struct {
	items     []string
	mandatory bool
	rng       *rand.Rand
	next      int // round-robin cursor for reuse
	mu        sync.Mutex
}

// NewPool copies items; empty and duplicate entries are dropped. A nil rng
// uses the global source.
func NewPool(items []string, mandatory bool, rng *rand.Rand) *Pool {
	clean := make([]string, 0, len(items))
	for _, it := range items {
		if it == "" || slices.Contains(clean, it) {
			continue
		}
		clean = append(clean, it)
	}

	return &Pool{
		items:     clean,
		mandatory: mandatory,
		rng:       rng,
	}
}

// Next returns a random resource not in inUse. When every resource is taken
// it reuses one in rotation rather than failing. An empty pool yields ""
// unless the pool is mandatory.
func (p *Pool) Next(inUse []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.items) == 0 {
		if p.mandatory {
			return "", domain.ErrResourcesExhausted
		}
		return "", nil
	}

	free := make([]string, 0, len(p.items))
	for _, it := range p.items {
		if !slices.Contains(inUse, it) {
			free = append(free, it)
		}
	}

	if len(free) > 0 {
		return free[p.intN(len(free))], nil
	}

	res := p.items[p.next%len(p.items)]
	p.next++
	return res, nil
}

// intN must be called with mu held; *rand.Rand is not safe for concurrent use.
func (p *Pool) intN(n int) int {
	if p.rng == nil {
		return rand.IntN(n)
	}
	return p.rng.IntN(n)
}
