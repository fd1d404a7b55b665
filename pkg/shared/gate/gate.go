// Package gate provides the process-wide admission check that caps the
// number of requests inside the proxy at any moment.
package gate

import "sync/atomic"

// Gate is a lock-free counting admission check. It does not queue: a
// request over the ceiling is rejected immediately.
//
// Acquire increments the in-flight counter and compares it to the limit;
// on rejection the increment is undone before returning, so a rejected
// request leaves the counter unchanged.
type Gate struct {
	limit   int64
	current atomic.Int64
}

func New(limit int) *Gate {
	return &Gate{limit: int64(limit)}
}

// Acquire claims one in-flight slot. The caller must call Release exactly
// once iff Acquire returned true.
func (g *Gate) Acquire() bool {
	if g.current.Add(1) > g.limit {
		g.current.Add(-1)
		return false
	}
	return true
}

// Release returns a slot claimed by a successful Acquire.
func (g *Gate) Release() {
	g.current.Add(-1)
}

// InFlight reports the number of requests currently admitted.
func (g *Gate) InFlight() int64 {
	return g.current.Load()
}

// Limit reports the configured ceiling.
func (g *Gate) Limit() int64 {
	return g.limit
}
