package testutil

import (
	"fmt"
	"sync"
)

// SequenceTokens generates numbered tokens with a fixed prefix:
// "<prefix>-000001", "<prefix>-000002", and so on.
//
// Unlike a fixed token list, the sequence never exhausts, so scenarios do
// not need to predict how many propagation cycles they will trigger. The
// same scenario with the same prefix produces byte-identical traces.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequenceTokens struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceTokens creates a generator with the given prefix. An empty
// prefix defaults to "cycle".
func NewSequenceTokens(prefix string) *SequenceTokens {
	if prefix == "" {
		prefix = "cycle"
	}
	return &SequenceTokens{prefix: prefix}
}

// Generate returns the next numbered token.
func (g *SequenceTokens) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%06d", g.prefix, g.n)
}

// Count returns how many tokens have been generated.
func (g *SequenceTokens) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}
