package reactor

import (
	"runtime"
	"sync/atomic"
)

// Pool is a fixed set of reactors. Accepted connections are spread over it
// round-robin: the i-th call to Next returns reactor i mod N. That balances
// connection counts, not load.
type Pool struct {
	reactors []*Reactor
	next     atomic.Uint64
}

// NewPool creates n reactors with workersPerReactor workers each.
// n <= 0 means one reactor per CPU.
func NewPool(n, workersPerReactor, queueSize int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}

	p := &Pool{reactors: make([]*Reactor, n)}
	for i := 0; i < n; i++ {
		p.reactors[i] = newReactor(i, workersPerReactor, queueSize)
	}

	return p
}

// Size returns the number of reactors
func (p *Pool) Size() int {
	return len(p.reactors)
}

// Reactor returns reactor i
func (p *Pool) Reactor(i int) *Reactor {
	return p.reactors[i]
}

// Next returns the reactor for the next accepted connection
func (p *Pool) Next() *Reactor {
	i := (p.next.Add(1) - 1) % uint64(len(p.reactors))
	return p.reactors[i]
}

// Stop signals every reactor to halt once its pending work drains
func (p *Pool) Stop() {
	for _, r := range p.reactors {
		r.Stop()
	}
}

// Wait blocks until all reactors have halted
func (p *Pool) Wait() {
	for _, r := range p.reactors {
		r.Wait()
	}
}

// Stats returns per-reactor statistics
func (p *Pool) Stats() []Stats {
	stats := make([]Stats, len(p.reactors))
	for i, r := range p.reactors {
		stats[i] = r.Stats()
	}
	return stats
}
