package strike

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsers(t *testing.T) {
	key, err := ParsePlain("52000")
	require.NoError(t, err)
	assert.Equal(t, SortKey{Rank: RankPlain, Magnitude: 52000}, key)

	key, err = ParseGreaterThan(">52000")
	require.NoError(t, err)
	assert.Equal(t, SortKey{Rank: RankGreater, Magnitude: 52000}, key)

	key, err = ParseLessThan("<52000")
	require.NoError(t, err)
	assert.Equal(t, SortKey{Rank: RankLess, Magnitude: 52000}, key)

	key, err = ParseRange("52000-58000")
	require.NoError(t, err)
	assert.Equal(t, SortKey{Rank: RankPlain, Magnitude: 52000}, key)
}

func TestParserErrors(t *testing.T) {
	for _, bad := range []string{"", "abc", ">abc", "<", "52000-", "-"} {
		_, err := Parse(bad)
		require.Error(t, err, bad)
		assert.ErrorIs(t, err, ErrBadStrike, bad)
	}

	// Wrong prefix is a domain error, not a silent fallback.
	_, err := ParseGreaterThan("52000")
	assert.ErrorIs(t, err, ErrBadStrike)
	_, err = ParseLessThan("52000")
	assert.ErrorIs(t, err, ErrBadStrike)
}

func TestNegativeValueIsNotRange(t *testing.T) {
	key, err := Parse("-2.5")
	require.NoError(t, err)
	assert.Equal(t, SortKey{Rank: RankPlain, Magnitude: -2.5}, key)
}

func TestSortOrderAtEqualMagnitude(t *testing.T) {
	keys := []SortKey{
		{Rank: RankGreater, Magnitude: 52000},
		{Rank: RankLess, Magnitude: 52000},
		{Rank: RankPlain, Magnitude: 52000},
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	assert.Equal(t, RankLess, keys[0].Rank)
	assert.Equal(t, RankPlain, keys[1].Rank)
	assert.Equal(t, RankGreater, keys[2].Rank)
}

func TestInRange(t *testing.T) {
	cases := []struct {
		raw  string
		low  float64
		high float64
		want bool
	}{
		{"52000-58000", 50000, 60000, true},  // full containment
		{"40000-45000", 50000, 60000, false}, // no overlap
		{"45000-52000", 50000, 60000, true},  // partial overlap counts
		{">55000", 50000, 60000, true},
		{">65000", 50000, 60000, false},
		{">40000", 50000, 60000, true}, // overlap semantics, not containment
		{"<55000", 50000, 60000, true},
		{"<45000", 50000, 60000, false},
		{"55000", 50000, 60000, true},
		{"45000", 50000, 60000, false},
		{"65000", 50000, 60000, false},
		{"garbage", 50000, 60000, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, InRange(tc.raw, tc.low, tc.high), tc.raw)
	}
}

func TestCanonical(t *testing.T) {
	cases := map[string]string{
		"52000.00":      "52000",
		">55000.50":     ">55000.5",
		"<45000":        "<45000",
		"52000-58000.0": "52000-58000",
		" 52000 ":       "52000",
	}
	for raw, want := range cases {
		got, err := Canonical(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := Canonical("52000-x")
	assert.ErrorIs(t, err, ErrBadStrike)
}
