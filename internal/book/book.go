// Package book reconciles venue order-book messages into canonical
// per-market state. The venue quotes binary-outcome contracts whose two
// sides sum to a fixed total, so resting "no" orders are folded into the
// yes-ask ladder by price complement. The reconciler is a pure transform:
// it never performs I/O and never retries; persistence and retry belong
// to the store writer wrapped around it.
//
// A Reconciler is not safe for concurrent use. The pipeline guarantees
// exactly one writer goroutine per market by sharding on venue; callers
// that break that invariant must add their own per-market locking around
// the full decode-apply-persist sequence.
package book

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// PriceTotal is the fixed sum of the two sides of a binary contract, in
// the venue's native cent-equivalent unit. The complement transform
// yes_ask = PriceTotal - no_price must be exact in this unit.
const PriceTotal = 100

var (
	ErrMalformedLevel = errors.New("book: malformed price level")
	ErrPriceRange     = errors.New("book: price outside contract range")
	ErrBadSide        = errors.New("book: unknown side")
	ErrUnknownMarket  = errors.New("book: delta for market without snapshot")
)

// Summary is the derived best-price view, recomputed after every mutation
// of the owning side map.
type Summary struct {
	BestBid     int
	BestBidSize int
	BestAsk     int
	BestAskSize int
	HasBid      bool
	HasAsk      bool
}

// Snapshot replaces a market's book wholesale. Levels arrive as raw
// arrays so arity can be validated: anything but [price, size] is a hard
// parse error, never skipped.
type Snapshot struct {
	Ticker      string
	MarketID    string
	EventTicker string
	Yes         [][]int
	No          [][]int
}

// Delta is a single incremental change to one price level.
type Delta struct {
	Ticker string
	Side   string // "yes" or "no"
	Price  int
	Change int // size delta, may be negative
}

// Trade is a fill report; it only updates last-trade fields.
type Trade struct {
	Ticker string
	Price  int
	Count  int
	Time   time.Time
}

// Update is the canonical post-apply state handed to the store writer:
// one Update per affected market per applied message, with batched fields
// rather than per-level writes.
type Update struct {
	Venue   string
	Ticker  string
	YesBids map[int]int
	YesAsks map[int]int
	Summary Summary

	LastPrice   int
	LastSize    int
	LastTradeAt time.Time
	HasTrade    bool

	Timestamp time.Time
}

// Event records the observation of an event-ticker mapping. The
// reconciler re-emits it on every snapshot carrying the ticker; the
// writer suppresses duplicates only after a durable append, so a drop
// anywhere upstream is repaired by the next snapshot. Duplicates after a
// restart are acceptable, drops are not.
type Event struct {
	EventTicker string
	Ticker      string
	Timestamp   time.Time
}

// marketBook is the per-market side state. Side maps hold strictly
// positive sizes; a level that would drop to zero is removed.
type marketBook struct {
	yesBids map[int]int
	yesAsks map[int]int
	summary Summary

	lastPrice int
	lastSize  int
	lastAt    time.Time
	hasTrade  bool
}

// Reconciler owns the in-memory book state for one venue. The canonical
// state lives here between store flushes, so a transient store outage
// delays durability without losing market awareness.
type Reconciler struct {
	venue string
	books map[string]*marketBook

	log *logrus.Entry
	now func() time.Time
}

func New(venue string, log *logrus.Entry) *Reconciler {
	return &Reconciler{
		venue: venue,
		books: make(map[string]*marketBook),
		log:   log,
		now:   time.Now,
	}
}

// ApplySnapshot replaces both side maps from the venue's yes/no level
// arrays. It returns the resulting Update and, when the snapshot carries
// an event ticker, an Event to publish. No emission state is kept here:
// a ticker stays eligible for re-emission until the writer has appended
// it durably, which is where duplicate suppression lives.
func (r *Reconciler) ApplySnapshot(s Snapshot) (Update, *Event, error) {
	yesBids := make(map[int]int, len(s.Yes))
	yesAsks := make(map[int]int, len(s.No))

	for _, level := range s.Yes {
		price, size, err := checkLevel(s.Ticker, level)
		if err != nil {
			return Update{}, nil, err
		}
		if size > 0 {
			yesBids[price] = size
		}
	}
	for _, level := range s.No {
		price, size, err := checkLevel(s.Ticker, level)
		if err != nil {
			return Update{}, nil, err
		}
		if size > 0 {
			yesAsks[PriceTotal-price] = size
		}
	}

	mb, ok := r.books[s.Ticker]
	if !ok {
		mb = &marketBook{}
		r.books[s.Ticker] = mb
	}
	mb.yesBids = yesBids
	mb.yesAsks = yesAsks
	r.refreshSummary(s.Ticker, mb)

	var ev *Event
	if s.EventTicker != "" {
		ev = &Event{EventTicker: s.EventTicker, Ticker: s.Ticker, Timestamp: r.now()}
	}
	return r.update(s.Ticker, mb), ev, nil
}

// ApplyDelta merges one size change. "no" deltas go through the same
// complement as snapshot levels before touching yes_asks. A level whose
// size would drop to or below zero is removed; best prices are recomputed
// from the full map so removals can never leave a stale extremum.
func (r *Reconciler) ApplyDelta(d Delta) (Update, error) {
	mb, ok := r.books[d.Ticker]
	if !ok {
		return Update{}, fmt.Errorf("%w: %s", ErrUnknownMarket, d.Ticker)
	}
	if d.Price < 0 || d.Price > PriceTotal {
		return Update{}, fmt.Errorf("%w: %d on %s", ErrPriceRange, d.Price, d.Ticker)
	}

	var side map[int]int
	var price int
	switch d.Side {
	case "yes":
		side, price = mb.yesBids, d.Price
	case "no":
		side, price = mb.yesAsks, PriceTotal-d.Price
	default:
		return Update{}, fmt.Errorf("%w: %q on %s", ErrBadSide, d.Side, d.Ticker)
	}

	next := side[price] + d.Change
	if next <= 0 {
		delete(side, price)
	} else {
		side[price] = next
	}
	r.refreshSummary(d.Ticker, mb)
	return r.update(d.Ticker, mb), nil
}

// ApplyTrade records the last fill for a market. Side maps are untouched.
func (r *Reconciler) ApplyTrade(t Trade) (Update, error) {
	mb, ok := r.books[t.Ticker]
	if !ok {
		mb = &marketBook{yesBids: map[int]int{}, yesAsks: map[int]int{}}
		r.books[t.Ticker] = mb
	}
	if t.Price < 0 || t.Price > PriceTotal {
		return Update{}, fmt.Errorf("%w: %d on %s", ErrPriceRange, t.Price, t.Ticker)
	}
	mb.lastPrice = t.Price
	mb.lastSize = t.Count
	mb.lastAt = t.Time
	mb.hasTrade = true
	return r.update(t.Ticker, mb), nil
}

// Levels returns copies of a market's side maps.
func (r *Reconciler) Levels(ticker string) (yesBids, yesAsks map[int]int, ok bool) {
	mb, ok := r.books[ticker]
	if !ok {
		return nil, nil, false
	}
	return copyLevels(mb.yesBids), copyLevels(mb.yesAsks), true
}

// Summary returns the current best-price view for a market.
func (r *Reconciler) Summary(ticker string) (Summary, bool) {
	mb, ok := r.books[ticker]
	if !ok {
		return Summary{}, false
	}
	return mb.summary, true
}

// refreshSummary recomputes best bid/ask with a full scan. A crossed book
// is logged and kept as-is: silently correcting it could hide a genuine
// venue-side anomaly from downstream consumers.
func (r *Reconciler) refreshSummary(ticker string, mb *marketBook) {
	wasCrossed := mb.summary.HasBid && mb.summary.HasAsk &&
		mb.summary.BestBid > mb.summary.BestAsk

	mb.summary = Summary{}
	for price, size := range mb.yesBids {
		if !mb.summary.HasBid || price > mb.summary.BestBid {
			mb.summary.BestBid = price
			mb.summary.BestBidSize = size
			mb.summary.HasBid = true
		}
	}
	for price, size := range mb.yesAsks {
		if !mb.summary.HasAsk || price < mb.summary.BestAsk {
			mb.summary.BestAsk = price
			mb.summary.BestAskSize = size
			mb.summary.HasAsk = true
		}
	}

	crossed := mb.summary.HasBid && mb.summary.HasAsk &&
		mb.summary.BestBid > mb.summary.BestAsk
	if crossed && !wasCrossed && r.log != nil {
		r.log.WithFields(logrus.Fields{
			"ticker":   ticker,
			"best_bid": mb.summary.BestBid,
			"best_ask": mb.summary.BestAsk,
		}).Warn("crossed book observed, storing as-is")
	}
}

func (r *Reconciler) update(ticker string, mb *marketBook) Update {
	return Update{
		Venue:       r.venue,
		Ticker:      ticker,
		YesBids:     copyLevels(mb.yesBids),
		YesAsks:     copyLevels(mb.yesAsks),
		Summary:     mb.summary,
		LastPrice:   mb.lastPrice,
		LastSize:    mb.lastSize,
		LastTradeAt: mb.lastAt,
		HasTrade:    mb.hasTrade,
		Timestamp:   r.now(),
	}
}

func checkLevel(ticker string, level []int) (price, size int, err error) {
	if len(level) != 2 {
		return 0, 0, fmt.Errorf("%w: arity %d on %s", ErrMalformedLevel, len(level), ticker)
	}
	price, size = level[0], level[1]
	if price < 0 || price > PriceTotal {
		return 0, 0, fmt.Errorf("%w: %d on %s", ErrPriceRange, price, ticker)
	}
	if size < 0 {
		return 0, 0, fmt.Errorf("%w: negative size %d on %s", ErrMalformedLevel, size, ticker)
	}
	return price, size, nil
}

func copyLevels(m map[int]int) map[int]int {
	out := make(map[int]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
