package seed

import (
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"sync"
)

// pcgIncrement decorrelates the second PCG word from the first.
const pcgIncrement = 0x9e3779b97f4a7c15

// NewRand returns an independent generator seeded the way RandBackend seeds
// itself, so both produce the same stream for the same seed.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^pcgIncrement))
}

// RandBackend is a process-wide math/rand/v2 PCG source for in-process code
// that is not handed a StageContext.
type RandBackend struct {
	mu  sync.Mutex
	pcg *rand.PCG
	rng *rand.Rand
}

// NewRandBackend creates an unseeded generator. It becomes deterministic once
// the Manager installs a seed.
func NewRandBackend() *RandBackend {
	pcg := rand.NewPCG(0, pcgIncrement)
	return &RandBackend{pcg: pcg, rng: rand.New(pcg)}
}

// SetSeed reseeds the generator.
func (b *RandBackend) SetSeed(seed int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pcg.Seed(uint64(seed), uint64(seed)^pcgIncrement)
	return nil
}

// Snapshot captures the generator state.
func (b *RandBackend) Snapshot() (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pcg.MarshalBinary()
}

// Restore reinstates a state captured by Snapshot.
func (b *RandBackend) Restore(state any) error {
	data, ok := state.([]byte)
	if !ok {
		return fmt.Errorf("rand backend: unexpected snapshot type %T", state)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pcg.UnmarshalBinary(data)
}

// Rand returns the generator. It is not safe for concurrent use and is only
// meaningful inside a seed bracket.
func (b *RandBackend) Rand() *rand.Rand {
	return b.rng
}

// EnvBackend exports the seed through an environment variable so subprocess
// handlers inherit it.
type EnvBackend struct {
	Name string
}

type envState struct {
	value string
	set   bool
}

// SetSeed sets the variable to the decimal seed.
func (b EnvBackend) SetSeed(seed int64) error {
	return os.Setenv(b.Name, strconv.FormatInt(seed, 10))
}

// Snapshot captures the variable, including whether it was set at all.
func (b EnvBackend) Snapshot() (any, error) {
	v, ok := os.LookupEnv(b.Name)
	return envState{value: v, set: ok}, nil
}

// Restore reinstates a state captured by Snapshot.
func (b EnvBackend) Restore(state any) error {
	s, ok := state.(envState)
	if !ok {
		return fmt.Errorf("env backend %s: unexpected snapshot type %T", b.Name, state)
	}
	if !s.set {
		return os.Unsetenv(b.Name)
	}
	return os.Setenv(b.Name, s.value)
}
