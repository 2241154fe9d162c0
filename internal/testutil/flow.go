package testutil

import (
	"fmt"
	"sync"
)

// SequentialJobIDs generates job ids "<prefix>-1", "<prefix>-2", ...
//
// Implements engine.JobIDGenerator. Tests use it to read back the job log
// row of a run without parsing UUIDs out of logs.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequentialJobIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialJobIDs creates a generator. An empty prefix defaults to "job".
func NewSequentialJobIDs(prefix string) *SequentialJobIDs {
	if prefix == "" {
		prefix = "job"
	}
	return &SequentialJobIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialJobIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Last returns the most recently generated id, or "" before the first call.
func (g *SequentialJobIDs) Last() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.n == 0 {
		return ""
	}
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
