// Package idgen hands out JSON-RPC request ids.
//
// Ids are derived from the wall clock in milliseconds with a per-millisecond
// sequence in the low digits, so they read like timestamps in worker logs
// while staying strictly increasing for the lifetime of a Generator.
package idgen

import (
	"sync"
	"time"
)

// seqPerMs is the number of ids available inside one millisecond. The
// largest id stays below 2^53 until the year 2255, so a JavaScript worker can
// echo it back without losing precision.
const seqPerMs = 1000

// Generator produces strictly increasing request ids. It is safe for
// concurrent use.
type Generator struct {
	mu     sync.Mutex
	nowMs  func() int64
	lastMs int64
	seq    int64
}

// New returns a Generator backed by the system clock.
func New() *Generator {
	return &Generator{
		nowMs:  func() int64 { return time.Now().UnixMilli() },
		lastMs: -1,
	}
}

// Next returns the next id. When the clock stands still or steps backwards the
// generator keeps counting from the last millisecond it saw; when a
// millisecond's sequence is exhausted it borrows from the next one.
func (g *Generator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.nowMs()
	if ms < 0 {
		ms = 0
	}
	if ms <= g.lastMs {
		g.seq++
		if g.seq >= seqPerMs {
			g.lastMs++
			g.seq = 0
		}
	} else {
		g.lastMs = ms
		g.seq = 0
	}
	return uint64(g.lastMs)*seqPerMs + uint64(g.seq)
}

var std = New()

// NextRequestID returns an id from the process-wide generator.
func NextRequestID() uint64 {
	return std.Next()
}
