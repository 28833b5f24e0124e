package workload

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustScript(t *testing.T, label string, weight float64) *Script {
	t.Helper()

	s, err := NewScript(label, "SELECT 1", weight, "pgbench")
	require.NoError(t, err)

	return s
}

func TestNewSelector(t *testing.T) {
	tests := []struct {
		name        string
		scripts     []*Script
		wantErr     bool
		errContains string
	}{
		{
			name:    "single script",
			scripts: []*Script{mustScript(t, "a.sql", 1)},
		},
		{
			name: "multiple scripts",
			scripts: []*Script{
				mustScript(t, "a.sql", 1),
				mustScript(t, "b.sql", 2.5),
			},
		},
		{
			name:        "empty list rejected",
			scripts:     nil,
			wantErr:     true,
			errContains: "at least one script",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := NewSelector(tt.scripts)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)

				return
			}

			require.NoError(t, err)
			assert.Len(t, sel.Scripts(), len(tt.scripts))
		})
	}
}

func TestNewSelector_InvalidWeight(t *testing.T) {
	// Bypass NewScript validation to make sure the selector re-checks.
	bad := &Script{Filepath: "bad.sql", Weight: 0}

	_, err := NewSelector([]*Script{mustScript(t, "a.sql", 1), bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weight must be positive")
}

func TestSelector_Pick(t *testing.T) {
	a := mustScript(t, "a.sql", 1)
	b := mustScript(t, "b.sql", 2)
	c := mustScript(t, "c.sql", 3)

	sel, err := NewSelector([]*Script{a, b, c})
	require.NoError(t, err)

	assert.Equal(t, 6.0, sel.TotalWeight())

	tests := []struct {
		draw float64
		want *Script
	}{
		{0, a},
		{0.999, a},
		{1, b},
		{2.999, b},
		{3, c},
		{5.999, c},
		// Out-of-range draws fall through to the last script.
		{6, c},
	}

	for _, tt := range tests {
		assert.Same(t, tt.want, sel.pick(tt.draw), "draw %v", tt.draw)
	}
}

func TestSelector_WeightConvergence(t *testing.T) {
	a := mustScript(t, "a.sql", 1)
	b := mustScript(t, "b.sql", 3)

	sel, err := NewSelector([]*Script{a, b})
	require.NoError(t, err)

	rnd := rand.New(rand.NewSource(42))
	counts := make(map[string]int)

	const trials = 100000
	for i := 0; i < trials; i++ {
		counts[sel.Select(rnd).Filepath]++
	}

	// Expected shares are 25% and 75%; allow 2% absolute tolerance.
	assert.InDelta(t, 0.25, float64(counts["a.sql"])/trials, 0.02)
	assert.InDelta(t, 0.75, float64(counts["b.sql"])/trials, 0.02)
}

func TestSelector_SingleScriptAlwaysSelected(t *testing.T) {
	only := mustScript(t, "only.sql", 0.5)

	sel, err := NewSelector([]*Script{only})
	require.NoError(t, err)

	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		assert.Same(t, only, sel.Select(rnd))
	}
}
