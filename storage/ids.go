package storage

import "sync/atomic"

// IDGenerator hands out monotonic record, message and transaction ids.
// After a restart it is seeded with the recovered next id.
type IDGenerator struct {
	next atomic.Uint64
}

func NewIDGenerator(next uint64) *IDGenerator {
	g := &IDGenerator{}
	if next == 0 {
		next = 1
	}
	g.next.Store(next)
	return g
}

func (g *IDGenerator) Next() uint64 {
	return g.next.Add(1) - 1
}

// Peek returns the id the next call to Next will return.
func (g *IDGenerator) Peek() uint64 {
	return g.next.Load()
}

// AdvanceTo makes sure no id below next is handed out any more.
func (g *IDGenerator) AdvanceTo(next uint64) {
	for {
		cur := g.next.Load()
		if cur >= next || g.next.CompareAndSwap(cur, next) {
			return
		}
	}
}
