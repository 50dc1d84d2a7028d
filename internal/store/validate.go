package store

import (
	"errors"
	"fmt"

	"github.com/meridian-markets/feedcore/internal/book"
)

// ErrValidation marks a payload that failed shape checks. The record is
// not persisted; the failure is surfaced, never defaulted away.
var ErrValidation = errors.New("store: payload validation failed")

// ValidateUpdate runs pre-persist checks on a canonical update. It fails
// fast: the first failing check rejects the record.
func ValidateUpdate(u book.Update) error {
	if u.Ticker == "" {
		return fmt.Errorf("%w: empty ticker", ErrValidation)
	}
	if u.Venue == "" {
		return fmt.Errorf("%w: empty venue for %s", ErrValidation, u.Ticker)
	}
	if u.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp for %s", ErrValidation, u.Ticker)
	}
	for _, side := range []map[int]int{u.YesBids, u.YesAsks} {
		for price, size := range side {
			if price < 0 || price > book.PriceTotal {
				return fmt.Errorf("%w: price %d out of range on %s", ErrValidation, price, u.Ticker)
			}
			if size <= 0 {
				return fmt.Errorf("%w: non-positive size %d at price %d on %s",
					ErrValidation, size, price, u.Ticker)
			}
		}
	}
	if u.HasTrade && (u.LastPrice < 0 || u.LastPrice > book.PriceTotal) {
		return fmt.Errorf("%w: last price %d out of range on %s", ErrValidation, u.LastPrice, u.Ticker)
	}
	return nil
}
