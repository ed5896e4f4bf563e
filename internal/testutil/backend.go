package testutil

import (
	"errors"
	"sync"
)

// RecordingBackend is a seed backend that records every seed it receives.
// It satisfies seed.Backend.
type RecordingBackend struct {
	mu      sync.Mutex
	current int64
	history []int64

	// FailOn makes SetSeed fail when it receives this seed.
	FailOn *int64
}

// ErrInjected is returned by RecordingBackend when FailOn matches.
var ErrInjected = errors.New("injected backend failure")

// SetSeed records seed as the current value.
func (b *RecordingBackend) SetSeed(seed int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailOn != nil && *b.FailOn == seed {
		return ErrInjected
	}
	b.current = seed
	b.history = append(b.history, seed)
	return nil
}

// Current returns the last installed seed.
func (b *RecordingBackend) Current() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// History returns every seed installed so far, in order.
func (b *RecordingBackend) History() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.history...)
}
