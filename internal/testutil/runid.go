package testutil

import (
	"fmt"
	"sync"
)

// SequentialRunIDs generates run ids "<prefix>-0001", "<prefix>-0002", ...
//
// This enables deterministic manifests and golden output comparison.
//
// Thread-safety: safe for concurrent use.
type SequentialRunIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialRunIDs creates a generator. If prefix is empty, "test-run" is
// used.
func NewSequentialRunIDs(prefix string) *SequentialRunIDs {
	if prefix == "" {
		prefix = "test-run"
	}
	return &SequentialRunIDs{prefix: prefix}
}

// Generate returns the next run id.
//
// Implements runner.RunIDGenerator.
func (g *SequentialRunIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
