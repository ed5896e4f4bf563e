package graph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/repro/internal/ir"
)

func stages(spec ...string) []ir.Stage {
	// Each spec is "id:dep1,dep2".
	out := make([]ir.Stage, 0, len(spec))
	for _, s := range spec {
		var id, deps string
		for i := 0; i < len(s); i++ {
			if s[i] == ':' {
				id, deps = s[:i], s[i+1:]
				break
			}
		}
		if id == "" {
			id = s
		}
		st := ir.Stage{ID: id}
		start := 0
		for i := 0; i <= len(deps); i++ {
			if i == len(deps) || deps[i] == ',' {
				if i > start {
					st.Dependencies = append(st.Dependencies, deps[start:i])
				}
				start = i + 1
			}
		}
		out = append(out, st)
	}
	return out
}

// ============================================================================
// Ordering
// ============================================================================

func TestTopologicalOrderDeclarationTieBreak(t *testing.T) {
	g, err := Build(stages("a", "b", "c:a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, g.TopologicalOrder())
}

func TestTopologicalOrderDependencyFirst(t *testing.T) {
	g, err := Build(stages("report:train,prep", "train:prep", "prep"))
	require.NoError(t, err)
	assert.Equal(t, []string{"prep", "train", "report"}, g.TopologicalOrder())
}

func TestTopologicalOrderDiamond(t *testing.T) {
	g, err := Build(stages("d:b,c", "c:a", "b:a", "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b", "d"}, g.TopologicalOrder())
}

func TestTopologicalOrderIsStable(t *testing.T) {
	input := stages("x", "y:x", "z", "w:z,y")
	g1, err := Build(input)
	require.NoError(t, err)
	g2, err := Build(input)
	require.NoError(t, err)
	assert.Equal(t, g1.TopologicalOrder(), g2.TopologicalOrder())
}

func TestDuplicateDependencyIsCollapsed(t *testing.T) {
	g, err := Build(stages("a", "b:a,a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.Dependencies("b"))
}

// ============================================================================
// Errors
// ============================================================================

func TestBuildRejectsCycle(t *testing.T) {
	_, err := Build(stages("a:c", "b:a", "c:b"))
	require.Error(t, err)

	var ce *CycleError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"a", "c", "b", "a"}, ce.Path)
	assert.True(t, ir.IsConfigurationError(err))
}

func TestBuildRejectsSelfDependency(t *testing.T) {
	_, err := Build(stages("a:a"))
	var ce *CycleError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"a", "a"}, ce.Path)
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	_, err := Build(stages("a", "b:ghost"))
	var ue *UnknownDependencyError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "b", ue.Stage)
	assert.Equal(t, "ghost", ue.Dependency)
	assert.ErrorIs(t, err, ir.ErrConfiguration)
}

func TestBuildRejectsDuplicateStage(t *testing.T) {
	_, err := Build(stages("a", "a"))
	var de *DuplicateStageError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "a", de.StageID)
	assert.ErrorIs(t, err, ir.ErrConfiguration)
}

func TestBuildRejectsEmptyID(t *testing.T) {
	_, err := Build([]ir.Stage{{ID: ""}})
	assert.True(t, ir.IsConfigurationError(err))
}

func TestBuildEmpty(t *testing.T) {
	g, err := Build(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, g.Len())
	assert.Empty(t, g.TopologicalOrder())
}

// ============================================================================
// Subgraph and dependents
// ============================================================================

func TestSubgraph(t *testing.T) {
	g, err := Build(stages("a", "b", "c:a", "d:c", "e:b"))
	require.NoError(t, err)

	sub, err := g.Subgraph("d")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, sub.TopologicalOrder())
	assert.False(t, sub.Has("b"))

	_, err = g.Subgraph("ghost")
	assert.True(t, ir.IsConfigurationError(err))
}

func TestDependents(t *testing.T) {
	g, err := Build(stages("a", "b:a", "c:b", "d", "e:a,d"))
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c", "e"}, g.Dependents("a"))
	assert.Equal(t, []string{"e"}, g.Dependents("d"))
	assert.Empty(t, g.Dependents("c"))
	assert.Nil(t, g.Dependents("ghost"))
}

func TestStageLookup(t *testing.T) {
	g, err := Build(stages("a", "b:a"))
	require.NoError(t, err)

	s, ok := g.Stage("b")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, s.Dependencies)

	_, ok = g.Stage("ghost")
	assert.False(t, ok)
}

// ============================================================================
// Properties
// ============================================================================

// randomDAG turns a list of edge choices into stages where stage i may only
// depend on stages declared before it, then reverses the declaration order so
// dependencies are not trivially declared first.
func randomDAG(choices []uint8) []ir.Stage {
	n := len(choices)
	out := make([]ir.Stage, n)
	for i := 0; i < n; i++ {
		out[i] = ir.Stage{ID: fmt.Sprintf("s%02d", i)}
		for j := 0; j < i; j++ {
			if (int(choices[i])>>(j%8))&1 == 1 {
				out[i].Dependencies = append(out[i].Dependencies, out[j].ID)
			}
		}
	}
	for l, r := 0, n-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

func TestTopologicalOrderProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every dependency precedes its dependents", prop.ForAll(
		func(choices []uint8) bool {
			g, err := Build(randomDAG(choices))
			if err != nil {
				return false
			}
			pos := make(map[string]int)
			for i, id := range g.TopologicalOrder() {
				pos[id] = i
			}
			for _, id := range g.TopologicalOrder() {
				for _, dep := range g.Dependencies(id) {
					if pos[dep] >= pos[id] {
						return false
					}
				}
			}
			return len(pos) == len(choices)
		},
		gen.SliceOfN(12, gen.UInt8()),
	))

	properties.Property("order is a pure function of the declaration", prop.ForAll(
		func(choices []uint8) bool {
			g1, err1 := Build(randomDAG(choices))
			g2, err2 := Build(randomDAG(choices))
			if err1 != nil || err2 != nil {
				return false
			}
			a, b := g1.TopologicalOrder(), g2.TopologicalOrder()
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return len(a) == len(b)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("closing a chain into a loop is always rejected", prop.ForAll(
		func(n int) bool {
			chain := make([]ir.Stage, n)
			for i := range chain {
				chain[i] = ir.Stage{ID: fmt.Sprintf("s%d", i)}
				if i > 0 {
					chain[i].Dependencies = []string{chain[i-1].ID}
				}
			}
			chain[0].Dependencies = []string{chain[n-1].ID}
			_, err := Build(chain)
			var ce *CycleError
			return errors.As(err, &ce) && len(ce.Path) == n+1 && ce.Path[0] == ce.Path[n]
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
