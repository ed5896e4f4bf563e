package runner

import "sync/atomic"

// sequence numbers manifest entries in the order they are recorded,
// starting at 1. The zero value is ready to use.
type sequence struct {
	n atomic.Int64
}

func (s *sequence) next() int64 {
	return s.n.Add(1)
}
