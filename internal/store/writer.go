package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meridian-markets/feedcore/internal/book"
	"github.com/meridian-markets/feedcore/internal/keycodec"
	"github.com/meridian-markets/feedcore/internal/resilience"
)

// EventStream is the append-only log of first-seen event tickers.
const EventStream = "events:market_discovery"

// Writer drains the unified update stream and persists each market's
// canonical hash. The reconciler has already mutated in-memory state by
// the time an update arrives here, so a write failure delays durability
// without losing market awareness; retries happen around the write only.
type Writer struct {
	client RedisClient
	feed   <-chan book.Update
	events <-chan book.Event
	policy resilience.Policy
	log    *logrus.Entry

	buf chan book.Update

	mu         sync.Mutex
	last       map[string]string   // redis key -> fingerprint of last write
	seenEvents map[string]struct{} // event tickers appended to the stream
}

func NewWriter(client RedisClient, feed <-chan book.Update, events <-chan book.Event,
	policy resilience.Policy, log *logrus.Entry) *Writer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Writer{
		client:     client,
		feed:       feed,
		events:     events,
		policy:     policy,
		log:        log,
		buf:        make(chan book.Update, 1024),
		last:       make(map[string]string),
		seenEvents: make(map[string]struct{}),
	}
}

// Run drains the feed into an internal buffer and flushes buffered
// updates to the store. The extra hop keeps a slow store round-trip from
// ever blocking the hub. Blocks until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-w.feed:
				if !ok {
					return
				}
				select {
				case w.buf <- update:
				default:
					w.log.WithField("ticker", update.Ticker).
						Warn("write buffer full, dropping update")
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-w.buf:
				if !ok {
					return
				}
				if err := w.WriteUpdate(ctx, update); err != nil {
					w.log.WithError(err).WithFields(logrus.Fields{
						"venue":  update.Venue,
						"ticker": update.Ticker,
					}).Error("market write failed")
				}
			case ev, ok := <-w.events:
				if !ok {
					return
				}
				if err := w.WriteEvent(ctx, ev); err != nil {
					w.log.WithError(err).WithField("event_ticker", ev.EventTicker).
						Error("event publish failed")
				}
			}
		}
	}()

	wg.Wait()
}

// MarketKey builds the hash key for one market. Tickers are stored in
// canonical form so readers never depend on venue prefixing or case.
func MarketKey(venue, ticker string) string {
	return "markets:" + strings.ToLower(venue) + ":" + keycodec.Canonical(ticker)
}

// WriteUpdate validates and persists one canonical update as a single
// atomic hash write. Identical consecutive payloads are suppressed.
func (w *Writer) WriteUpdate(ctx context.Context, u book.Update) error {
	if err := ValidateUpdate(u); err != nil {
		return err
	}

	yesBids, err := json.Marshal(stringKeyed(u.YesBids))
	if err != nil {
		return err
	}
	yesAsks, err := json.Marshal(stringKeyed(u.YesAsks))
	if err != nil {
		return err
	}

	fields := []any{
		"yes_bid", strconv.Itoa(u.Summary.BestBid),
		"yes_bid_size", strconv.Itoa(u.Summary.BestBidSize),
		"yes_ask", strconv.Itoa(u.Summary.BestAsk),
		"yes_ask_size", strconv.Itoa(u.Summary.BestAskSize),
		"yes_bids", string(yesBids),
		"yes_asks", string(yesAsks),
	}
	if u.HasTrade {
		fields = append(fields,
			"last_price", strconv.Itoa(u.LastPrice),
			"last_size", strconv.Itoa(u.LastSize),
			"last_trade_ts", strconv.FormatInt(u.LastTradeAt.UnixMilli(), 10),
		)
	}

	key := MarketKey(u.Venue, u.Ticker)
	fingerprint := fieldFingerprint(fields)

	w.mu.Lock()
	duplicate := w.last[key] == fingerprint
	w.mu.Unlock()
	if duplicate {
		return nil
	}

	// Every write carries a fresh timestamp, but the field is excluded
	// from the fingerprint: an unchanged book is skipped entirely rather
	// than rewritten for freshness alone.
	fields = append(fields, "timestamp", strconv.FormatInt(u.Timestamp.UnixMilli(), 10))

	err = w.policy.Do(ctx, func(ctx context.Context) error {
		return w.client.HSet(ctx, key, fields...)
	})
	if err != nil {
		// Not recorded as written; an identical retry must not be deduped.
		return err
	}

	w.mu.Lock()
	w.last[key] = fingerprint
	w.mu.Unlock()
	return nil
}

// WriteEvent appends one market-discovery record to the event stream.
// The reconciler re-emits an event ticker on every snapshot, so duplicate
// suppression lives here and is recorded only after the append succeeds:
// a failed publish leaves the ticker eligible for the next emission.
// Delivery is at-least-once; duplicates after a restart are acceptable.
func (w *Writer) WriteEvent(ctx context.Context, ev book.Event) error {
	w.mu.Lock()
	_, published := w.seenEvents[ev.EventTicker]
	w.mu.Unlock()
	if published {
		return nil
	}

	values := map[string]any{
		"id":           uuid.NewString(),
		"event_ticker": ev.EventTicker,
		"ticker":       keycodec.Canonical(ev.Ticker),
		"timestamp":    strconv.FormatInt(ev.Timestamp.UnixMilli(), 10),
	}
	err := w.policy.Do(ctx, func(ctx context.Context) error {
		return w.client.XAdd(ctx, EventStream, values)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.seenEvents[ev.EventTicker] = struct{}{}
	w.mu.Unlock()
	return nil
}

// WriteBatch applies several hash writes in one transaction so related
// keys move together.
func (w *Writer) WriteBatch(ctx context.Context, writes []HashWrite) error {
	if len(writes) == 0 {
		return nil
	}
	return w.policy.Do(ctx, func(ctx context.Context) error {
		return w.client.TxHSet(ctx, writes)
	})
}

// IsValidation reports whether an error came from payload validation
// rather than the store round-trip.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func stringKeyed(m map[int]int) map[string]int {
	out := make(map[string]int, len(m))
	for price, size := range m {
		out[strconv.Itoa(price)] = size
	}
	return out
}

func fieldFingerprint(fields []any) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f.(string))
		b.WriteByte(0)
	}
	return b.String()
}
