package testutil

import (
	"fmt"
	"sync"
)

// IDSequence hands out stable, ordered identifiers in place of the
// node's UUID generator. The same scenario then produces
// byte-identical journals, which golden tests compare directly.
//
// Thread-safety: safe for concurrent use.
type IDSequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewIDSequence creates a sequence with the given prefix. An empty
// prefix defaults to "id".
func NewIDSequence(prefix string) *IDSequence {
	if prefix == "" {
		prefix = "id"
	}
	return &IDSequence{prefix: prefix}
}

// Next returns the next identifier, "<prefix>-000001" first.
func (s *IDSequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%06d", s.prefix, s.n)
}

// Generator adapts the sequence to the func() string port the event
// log takes.
func (s *IDSequence) Generator() func() string {
	return s.Next
}
