package grouping

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func seeded(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func population(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("conn-%02d", i)
	}
	return out
}

func sizes[T any](groups [][]T) []int {
	out := make([]int, len(groups))
	for i, g := range groups {
		out[i] = len(g)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

func TestPartition_Scenarios(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		opts   Options
		expect []int
	}{
		{"nine with split", 9, Options{MinSize: 2, MaxSize: 4, Policy: PolicySplit, AllowUndersizedFinalGroup: true}, []int{4, 3, 2}},
		{"nine with merge", 9, Options{MinSize: 2, MaxSize: 4, Policy: PolicyMerge, AllowUndersizedFinalGroup: true}, []int{5, 4}},
		{"nine with allow-undersized", 9, Options{MinSize: 2, MaxSize: 4, Policy: PolicyAllowUndersized, AllowUndersizedFinalGroup: true}, []int{4, 3, 2}},
		{"exact multiple", 8, Options{MinSize: 2, MaxSize: 4, Policy: PolicySplit}, []int{4, 4}},
		{"remainder within bounds", 7, Options{MinSize: 2, MaxSize: 4, Policy: PolicySplit}, []int{4, 3}},
		{"five splits three two", 5, Options{MinSize: 2, MaxSize: 4, Policy: PolicySplit}, []int{3, 2}},
		{"single group", 3, Options{MinSize: 2, MaxSize: 4, Policy: PolicySplit}, []int{3}},
		{"pairs with odd count falls back to merge", 3, Options{MinSize: 2, MaxSize: 2, Policy: PolicySplit}, []int{3}},
		{"larger min keeps undersized pair", 10, Options{MinSize: 3, MaxSize: 4, Policy: PolicyAllowUndersized}, []int{4, 4, 2}},
		{"larger min splits", 10, Options{MinSize: 3, MaxSize: 4, Policy: PolicySplit}, []int{4, 3, 3}},
		{"larger min merges", 10, Options{MinSize: 3, MaxSize: 4, Policy: PolicyMerge}, []int{6, 4}},
		{"lone connection allowed", 1, Options{MinSize: 2, MaxSize: 4, Policy: PolicySplit, AllowUndersizedFinalGroup: true}, []int{1}},
		{"lone connection left unassigned", 1, Options{MinSize: 2, MaxSize: 4, Policy: PolicySplit, AllowUndersizedFinalGroup: false}, []int{}},
		{"empty input", 0, DefaultOptions(), []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups, err := Partition(population(tt.n), tt.opts, seeded(1))
			require.NoError(t, err)
			require.Equal(t, tt.expect, sizes(groups))
		})
	}
}

func TestPartition_Properties(t *testing.T) {
	configs := []Options{
		{MinSize: 2, MaxSize: 4},
		{MinSize: 2, MaxSize: 2},
		{MinSize: 3, MaxSize: 5},
		{MinSize: 1, MaxSize: 1},
		{MinSize: 2, MaxSize: 10},
		{MinSize: 4, MaxSize: 6},
	}
	policies := []Policy{PolicySplit, PolicyMerge, PolicyAllowUndersized}

	for _, cfg := range configs {
		for _, policy := range policies {
			for _, allow := range []bool{true, false} {
				opts := cfg
				opts.Policy = policy
				opts.AllowUndersizedFinalGroup = allow

				name := fmt.Sprintf("min=%d/max=%d/%s/undersized=%t", opts.MinSize, opts.MaxSize, policy, allow)
				t.Run(name, func(t *testing.T) {
					rng := seeded(uint64(opts.MinSize*100 + opts.MaxSize))
					for n := 0; n <= 41; n++ {
						input := population(n)
						groups, err := Partition(input, opts, rng)
						require.NoError(t, err)

						seen := make(map[string]bool)
						outOfBounds := 0
						for _, g := range groups {
							require.NotEmpty(t, g)
							if len(g) < opts.MinSize || len(g) > opts.MaxSize {
								outOfBounds++
							}
							if n >= 2 && opts.MinSize >= 2 {
								require.NotEqual(t, 1, len(g), "singleton group for n=%d", n)
							}
							for _, c := range g {
								require.False(t, seen[c], "duplicate %s for n=%d", c, n)
								seen[c] = true
							}
						}
						require.LessOrEqual(t, outOfBounds, 1, "n=%d sizes=%v", n, sizes(groups))

						if n < opts.MinSize && !allow {
							require.Empty(t, groups)
							continue
						}
						require.Len(t, seen, n, "union must equal the input for n=%d", n)
					}
				})
			}
		}
	}
}

func TestPartition_SplitNeverExceedsMax(t *testing.T) {
	opts := Options{MinSize: 2, MaxSize: 4, Policy: PolicySplit, AllowUndersizedFinalGroup: true}
	for n := 1; n <= 50; n++ {
		groups, err := Partition(population(n), opts, seeded(uint64(n)))
		require.NoError(t, err)
		for _, g := range groups {
			require.LessOrEqual(t, len(g), opts.MaxSize, "n=%d", n)
		}
	}
}

func TestPartition_Deterministic(t *testing.T) {
	input := population(20)

	first, err := Partition(input, DefaultOptions(), seeded(42))
	require.NoError(t, err)
	second, err := Partition(input, DefaultOptions(), seeded(42))
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := Partition(input, DefaultOptions(), seeded(7))
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestPartition_DoesNotMutateInput(t *testing.T) {
	input := population(9)
	orig := append([]string(nil), input...)

	_, err := Partition(input, DefaultOptions(), seeded(3))
	require.NoError(t, err)
	require.Equal(t, orig, input)
}

func TestPartition_IgnoresDuplicates(t *testing.T) {
	groups, err := Partition([]string{"a", "b", "a", "c", "b"}, DefaultOptions(), seeded(5))
	require.NoError(t, err)
	require.Equal(t, []int{3}, sizes(groups))
}

func TestPartition_ShuffleIsUnbiased(t *testing.T) {
	input := population(4)
	opts := Options{MinSize: 1, MaxSize: 1, Policy: PolicySplit}
	rng := seeded(99)

	const runs = 8000
	firstSeat := make(map[string]int)
	for i := 0; i < runs; i++ {
		groups, err := Partition(input, opts, rng)
		require.NoError(t, err)
		firstSeat[groups[0][0]]++
	}

	require.Len(t, firstSeat, len(input))
	expected := runs / len(input)
	for conn, count := range firstSeat {
		require.InDelta(t, expected, count, float64(expected)/5, "conn %s", conn)
	}
}

func TestPartition_InvalidOptions(t *testing.T) {
	_, err := Partition(population(3), Options{MinSize: 0, MaxSize: 4, Policy: PolicySplit}, nil)
	require.ErrorIs(t, err, ErrInvalidOptions)

	_, err = Partition(population(3), Options{MinSize: 5, MaxSize: 4, Policy: PolicySplit}, nil)
	require.ErrorIs(t, err, ErrInvalidOptions)

	_, err = Partition(population(3), Options{MinSize: 2, MaxSize: 4, Policy: "round-robin"}, nil)
	require.ErrorIs(t, err, ErrInvalidOptions)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(" Merge ")
	require.NoError(t, err)
	require.Equal(t, PolicyMerge, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, PolicySplit, p)

	_, err = ParsePolicy("nope")
	require.ErrorIs(t, err, ErrInvalidOptions)
}
