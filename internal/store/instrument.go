package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/meridian-markets/feedcore/internal/book"
)

// ValidateInstrument runs pre-persist checks on a derivatives update.
func ValidateInstrument(u book.InstrumentUpdate) error {
	if u.Instrument == "" {
		return fmt.Errorf("%w: empty instrument", ErrValidation)
	}
	if u.Venue == "" {
		return fmt.Errorf("%w: empty venue for %s", ErrValidation, u.Instrument)
	}
	if u.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp for %s", ErrValidation, u.Instrument)
	}
	for _, side := range []map[string]float64{u.Bids, u.Asks} {
		for price, size := range side {
			if size <= 0 {
				return fmt.Errorf("%w: non-positive size %v at price %s on %s",
					ErrValidation, size, price, u.Instrument)
			}
		}
	}
	return nil
}

// WriteInstrument persists one derivatives instrument hash. The schema
// mirrors the prediction-market hash with native decimal prices.
func (w *Writer) WriteInstrument(ctx context.Context, u book.InstrumentUpdate) error {
	if err := ValidateInstrument(u); err != nil {
		return err
	}

	bids, err := json.Marshal(u.Bids)
	if err != nil {
		return err
	}
	asks, err := json.Marshal(u.Asks)
	if err != nil {
		return err
	}

	fields := []any{
		"best_bid", formatDecimal(u.BestBid),
		"best_bid_size", formatDecimal(u.BestBidSize),
		"best_ask", formatDecimal(u.BestAsk),
		"best_ask_size", formatDecimal(u.BestAskSize),
		"bids", string(bids),
		"asks", string(asks),
	}
	if u.HasTrade {
		fields = append(fields,
			"last_price", formatDecimal(u.LastPrice),
			"last_size", formatDecimal(u.LastSize),
			"last_trade_ts", strconv.FormatInt(u.LastTradeAt.UnixMilli(), 10),
		)
	}

	key := MarketKey(u.Venue, u.Instrument)
	fingerprint := fieldFingerprint(fields)

	w.mu.Lock()
	duplicate := w.last[key] == fingerprint
	w.mu.Unlock()
	if duplicate {
		return nil
	}

	fields = append(fields, "timestamp", strconv.FormatInt(u.Timestamp.UnixMilli(), 10))

	err = w.policy.Do(ctx, func(ctx context.Context) error {
		return w.client.HSet(ctx, key, fields...)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.last[key] = fingerprint
	w.mu.Unlock()
	return nil
}

// RunInstruments drains a derivatives update stream until ctx is
// cancelled. Failed writes are logged; in-memory state remains canonical
// until the next successful flush.
func (w *Writer) RunInstruments(ctx context.Context, updates <-chan book.InstrumentUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := w.WriteInstrument(ctx, u); err != nil {
				w.log.WithError(err).WithFields(logrus.Fields{
					"venue":      u.Venue,
					"instrument": u.Instrument,
				}).Error("instrument write failed")
			}
		}
	}
}

func formatDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
