// Package archive keeps a content-addressed copy of strict-mode outputs.
//
// Objects are keyed by "<hash method>/<fingerprint>", so identical content is
// stored once no matter which stage or run produced it, and a reproduction
// mismatch can be inspected against the exact bytes the experiment recorded.
package archive

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Archiver stores the content of a captured file under its fingerprint.
type Archiver interface {
	Put(ctx context.Context, method, fingerprint, localPath string) error
}

// ObjectKey is the object name for a fingerprint.
func ObjectKey(method, fingerprint string) string {
	return method + "/" + fingerprint
}

// Discard is an Archiver that stores nothing.
type Discard struct{}

func (Discard) Put(context.Context, string, string, string) error { return nil }

// Memory is an in-process Archiver, used when no object store is configured
// for a dry run and in tests.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

// NewMemory creates an empty in-memory archive.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, method, fingerprint, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := ObjectKey(method, fingerprint)

	m.mu.Lock()
	_, exists := m.objects[key]
	m.mu.Unlock()
	if exists {
		return nil
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.puts++
	return nil
}

// Get returns a stored object.
func (m *Memory) Get(method, fingerprint string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[ObjectKey(method, fingerprint)]
	return data, ok
}

// Keys returns the number of distinct objects stored.
func (m *Memory) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Uploads returns how many Put calls actually stored content.
func (m *Memory) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
