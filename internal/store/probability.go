package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/meridian-markets/feedcore/internal/keycodec"
)

// ProbabilityKey builds the record key for a parsed market. The strike
// component is the resolved bound rounded to the nearest integer; a
// market with no strike uses the literal "none".
func ProbabilityKey(d keycodec.MarketDescriptor) string {
	strike := "none"
	switch {
	case d.HasFloor:
		strike = strconv.Itoa(int(math.Round(d.FloorStrike)))
	case d.HasCap:
		strike = strconv.Itoa(int(math.Round(d.CapStrike)))
	}
	return fmt.Sprintf("probabilities:%s:%s:%s:%s",
		strings.ToLower(d.Currency),
		keycodec.ExpiryISO(d.Expiry),
		d.StrikeType.String(),
		strike)
}

// FormatField serializes one probability field value the way readers
// expect: canonical decimals, the literal "null" for absent values, the
// literal "nan" for NaN.
func FormatField(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case float64:
		if math.IsNaN(x) {
			return "nan"
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return FormatField(float64(x))
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// WriteProbability persists one probability record. Every value passes
// through FormatField so the stored hash holds only strings.
func (w *Writer) WriteProbability(ctx context.Context, d keycodec.MarketDescriptor, fields map[string]any) error {
	if d.Currency == "" {
		return fmt.Errorf("%w: descriptor without currency", ErrValidation)
	}
	if d.Expiry.IsZero() {
		return fmt.Errorf("%w: descriptor without expiry for %s", ErrValidation, d.Currency)
	}

	values := make([]any, 0, len(fields)*2)
	for name, v := range fields {
		values = append(values, name, FormatField(v))
	}

	key := ProbabilityKey(d)
	return w.policy.Do(ctx, func(ctx context.Context) error {
		return w.client.HSet(ctx, key, values...)
	})
}
