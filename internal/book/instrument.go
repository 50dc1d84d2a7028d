package book

import "time"

// InstrumentUpdate is the canonical post-apply state for a derivatives
// venue instrument. Prices stay in the venue's native decimal unit, so
// no complement or cent scaling applies; side maps are keyed by the
// canonical decimal rendering of the price.
type InstrumentUpdate struct {
	Venue      string
	Instrument string

	Bids map[string]float64
	Asks map[string]float64

	BestBid     float64
	BestBidSize float64
	BestAsk     float64
	BestAskSize float64
	HasBid      bool
	HasAsk      bool

	LastPrice   float64
	LastSize    float64
	LastTradeAt time.Time
	HasTrade    bool

	Timestamp time.Time
}
