package selector

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/prasenjit/omock/internal/condition"
	"github.com/prasenjit/omock/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedSource returns the queued draws in order
type fixedSource struct {
	draws []int
	calls []int
}

func (f *fixedSource) IntN(n int) int {
	f.calls = append(f.calls, n)
	d := f.draws[0]
	f.draws = f.draws[1:]
	return d
}

func TestSelect_WalksCumulativeWeight(t *testing.T) {
	variants := []models.Variant{
		{StatusCode: 200, Weight: 1},
		{StatusCode: 201, Weight: 3},
		{StatusCode: 202, Weight: 2},
	}

	tests := []struct {
		draw int
		want int
	}{
		{0, 0},
		{1, 1},
		{3, 1},
		{4, 2},
		{5, 2},
	}

	for _, tt := range tests {
		src := &fixedSource{draws: []int{tt.draw}}
		s := New(condition.NewSubstitutionEvaluator(), WithSource(src))

		got, err := s.Select(variants, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "draw %d", tt.draw)
		assert.Equal(t, []int{6}, src.calls)
	}
}

func TestSelect_SkipsZeroWeightVariants(t *testing.T) {
	variants := []models.Variant{
		{StatusCode: 200, Weight: 0},
		{StatusCode: 201, Weight: 2},
	}
	s := New(condition.NewSubstitutionEvaluator(), WithSource(&fixedSource{draws: []int{0}}))

	got, err := s.Select(variants, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestSelect_ConditionFiltersBeforeWeighing(t *testing.T) {
	variants := []models.Variant{
		{StatusCode: 200, Weight: 5, Condition: `{{tier}} == "gold"`},
		{StatusCode: 404, Weight: 1},
	}
	src := &fixedSource{draws: []int{0}}
	s := New(condition.NewSubstitutionEvaluator(), WithSource(src))

	got, err := s.Select(variants, map[string]any{"tier": "silver"})
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Equal(t, []int{1}, src.calls, "only passing weight is drawn over")
}

func TestSelect_AbsentFieldExcludesVariant(t *testing.T) {
	variants := []models.Variant{
		{StatusCode: 200, Weight: 1, Condition: "{{user.id}} > 0"},
		{StatusCode: 400, Weight: 1},
	}
	s := New(condition.NewSubstitutionEvaluator(), WithSource(&fixedSource{draws: []int{0}}))

	got, err := s.Select(variants, map[string]any{"api_name": "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestSelect_NoMatchingVariant(t *testing.T) {
	s := New(condition.NewSubstitutionEvaluator())

	t.Run("all filtered", func(t *testing.T) {
		variants := []models.Variant{{Weight: 1, Condition: "1 == 2"}}
		_, err := s.Select(variants, nil)
		assert.True(t, errors.Is(err, ErrNoMatchingVariant))
	})

	t.Run("zero total weight", func(t *testing.T) {
		variants := []models.Variant{{Weight: 0}, {Weight: 0}}
		_, err := s.Select(variants, nil)
		assert.ErrorIs(t, err, ErrNoMatchingVariant)
	})

	t.Run("no variants", func(t *testing.T) {
		_, err := s.Select(nil, nil)
		assert.ErrorIs(t, err, ErrNoMatchingVariant)
	})
}

func TestSelect_HugeWeightsStillSelect(t *testing.T) {
	variants := []models.Variant{
		{StatusCode: 200, Weight: math.MaxInt},
		{StatusCode: 201, Weight: math.MaxInt},
		{StatusCode: 202, Weight: 1},
	}

	src := &fixedSource{draws: []int{math.MaxInt - 1}}
	s := New(condition.NewSubstitutionEvaluator(), WithSource(src))

	got, err := s.Select(variants, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
	assert.Equal(t, []int{math.MaxInt}, src.calls)

	s = New(condition.NewSubstitutionEvaluator())
	for range 100 {
		got, err := s.Select(variants, nil)
		require.NoError(t, err)
		assert.Contains(t, []int{0, 1, 2}, got)
	}
}

func TestSelect_WeightDistribution(t *testing.T) {
	variants := []models.Variant{
		{StatusCode: 200, Weight: 1},
		{StatusCode: 201, Weight: 3},
	}
	s := New(condition.NewSubstitutionEvaluator())

	const draws = 10000
	counts := [2]int{}
	for i := 0; i < draws; i++ {
		idx, err := s.Select(variants, nil)
		require.NoError(t, err)
		counts[idx]++
	}

	ratio := float64(counts[1]) / float64(counts[0])
	assert.InDelta(t, 3.0, ratio, 0.3, "counts %v", counts)
}

func TestSelect_DeterministicSource(t *testing.T) {
	variants := []models.Variant{{Weight: 1}, {Weight: 1}, {Weight: 1}}

	run := func() []int {
		s := New(condition.NewSubstitutionEvaluator(), WithSource(NewSource(rand.New(rand.NewPCG(7, 7)))))
		out := make([]int, 20)
		for i := range out {
			out[i], _ = s.Select(variants, nil)
		}
		return out
	}

	assert.Equal(t, run(), run())
}
