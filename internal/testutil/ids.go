package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator generates "<prefix>-1", "<prefix>-2", ... task ids.
//
// This enables deterministic test execution and golden snapshot comparison:
// the same scenario ingested in the same order gets the same ids.
//
// Unlike engine.FixedGenerator, SequenceGenerator never runs out.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. An empty prefix uses "task".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "task"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next id.
//
// Implements engine.IDGenerator.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Reset restarts the sequence at 1.
func (g *SequenceGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
