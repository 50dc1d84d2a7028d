// Package strike makes heterogeneous strike specifications comparable.
// A strike can be a plain number ("52000"), an open range (">52000",
// "<52000"), or a closed interval ("52000-58000"); the encoder maps each
// form onto a (rank, magnitude) sort key with a total order, distinct from
// the canonical storage key.
package strike

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadStrike is wrapped by every parser when the numeric portion of a
// strike specification cannot be parsed.
var ErrBadStrike = errors.New("strike: malformed strike value")

// Rank encodes the strike qualifier for ordering. At equal magnitude,
// "less than" sorts before the exact value and the exact value before
// "greater than".
const (
	RankLess    = -1
	RankPlain   = 0
	RankGreater = 1
)

// SortKey orders strike specifications. It is built fresh from the raw
// string on every lookup and never persisted; only the canonical string
// form is stored.
type SortKey struct {
	Rank      int
	Magnitude float64
}

// Less reports whether k sorts before other, magnitude first and rank as
// the tie-break.
func (k SortKey) Less(other SortKey) bool {
	if k.Magnitude != other.Magnitude {
		return k.Magnitude < other.Magnitude
	}
	return k.Rank < other.Rank
}

func badValue(s string) error {
	return fmt.Errorf("%w: %q", ErrBadStrike, s)
}

// ParsePlain parses a bare numeric strike.
func ParsePlain(s string) (SortKey, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return SortKey{}, badValue(s)
	}
	return SortKey{Rank: RankPlain, Magnitude: v}, nil
}

// ParseGreaterThan parses a ">value" strike.
func ParseGreaterThan(s string) (SortKey, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), ">")
	if !ok {
		return SortKey{}, badValue(s)
	}
	v, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return SortKey{}, badValue(s)
	}
	return SortKey{Rank: RankGreater, Magnitude: v}, nil
}

// ParseLessThan parses a "<value" strike.
func ParseLessThan(s string) (SortKey, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "<")
	if !ok {
		return SortKey{}, badValue(s)
	}
	v, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return SortKey{}, badValue(s)
	}
	return SortKey{Rank: RankLess, Magnitude: v}, nil
}

// ParseRange parses a "low-high" interval. The sort key carries the lower
// bound with a plain rank so intervals interleave correctly with point
// strikes.
func ParseRange(s string) (SortKey, error) {
	low, _, err := splitRange(strings.TrimSpace(s))
	if err != nil {
		return SortKey{}, err
	}
	return SortKey{Rank: RankPlain, Magnitude: low}, nil
}

// Parse classifies a raw strike string by its first character and
// dispatches to the matching parser.
func Parse(s string) (SortKey, error) {
	t := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(t, ">"):
		return ParseGreaterThan(t)
	case strings.HasPrefix(t, "<"):
		return ParseLessThan(t)
	case isRange(t):
		return ParseRange(t)
	default:
		return ParsePlain(t)
	}
}

// isRange reports whether s looks like a "low-high" interval. A leading
// minus sign denotes a negative number, not a range separator.
func isRange(s string) bool {
	return strings.Contains(s, "-") && !strings.HasPrefix(s, "-")
}

func splitRange(s string) (low, high float64, err error) {
	lowStr, highStr, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, badValue(s)
	}
	low, lerr := strconv.ParseFloat(lowStr, 64)
	high, herr := strconv.ParseFloat(highStr, 64)
	if lerr != nil || herr != nil {
		return 0, 0, badValue(s)
	}
	return low, high, nil
}

// InRange reports whether a raw strike specification could match a point
// inside [low, high].
//
// Interval forms use overlap semantics, not containment. Open-ended forms
// deliberately keep overlap semantics too: ">threshold" is true whenever
// threshold <= high even when threshold is below low, because callers ask
// "could this open range include a point in my window".
func InRange(raw string, low, high float64) bool {
	s := strings.TrimSpace(raw)
	switch {
	case isRange(s):
		rangeLow, rangeHigh, err := splitRange(s)
		if err != nil {
			return false
		}
		return !(rangeHigh < low || rangeLow > high)

	case strings.HasPrefix(s, ">"):
		key, err := ParseGreaterThan(s)
		if err != nil {
			return false
		}
		return key.Magnitude <= high

	case strings.HasPrefix(s, "<"):
		key, err := ParseLessThan(s)
		if err != nil {
			return false
		}
		return key.Magnitude >= low

	default:
		key, err := ParsePlain(s)
		if err != nil {
			return false
		}
		return low <= key.Magnitude && key.Magnitude <= high
	}
}

// Canonical normalizes a strike specification to its storage form:
// numeric portions lose trailing zeros, qualifiers and interval separators
// are preserved.
func Canonical(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch {
	case isRange(s):
		low, high, err := splitRange(s)
		if err != nil {
			return "", err
		}
		return Format(low) + "-" + Format(high), nil
	case strings.HasPrefix(s, ">"):
		key, err := ParseGreaterThan(s)
		if err != nil {
			return "", err
		}
		return ">" + Format(key.Magnitude), nil
	case strings.HasPrefix(s, "<"):
		key, err := ParseLessThan(s)
		if err != nil {
			return "", err
		}
		return "<" + Format(key.Magnitude), nil
	default:
		key, err := ParsePlain(s)
		if err != nil {
			return "", err
		}
		return Format(key.Magnitude), nil
	}
}

// Format renders a strike value without trailing zeros or an exponent.
func Format(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
