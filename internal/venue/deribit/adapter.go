package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian-markets/feedcore/internal/book"
	"github.com/meridian-markets/feedcore/internal/conn"
	"github.com/meridian-markets/feedcore/internal/keycodec"
)

const Venue = "deribit"

// notifyInterval is the channel aggregation window requested from the
// venue.
const notifyInterval = "100ms"

// MessageSource supplies raw inbound frames; satisfied by *conn.Machine.
type MessageSource interface {
	Messages() <-chan []byte
}

// rpcRequest is the outbound JSON-RPC envelope.
type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Channels []string `json:"channels"`
}

// instrumentBook is the per-instrument side state in native decimals.
type instrumentBook struct {
	bids map[float64]float64
	asks map[float64]float64

	lastPrice float64
	lastSize  float64
	lastAt    time.Time
	hasTrade  bool
}

// Adapter decodes the venue's notifications into canonical instrument
// updates. Instrument names are re-parsed through keycodec on every
// message; a name the codec rejects is surfaced, never defaulted.
type Adapter struct {
	source MessageSource
	log    *logrus.Entry

	books   map[string]*instrumentBook // keyed by canonical instrument
	updates chan book.InstrumentUpdate

	reqID atomic.Int64
	now   func() time.Time
}

func New(source MessageSource, log *logrus.Entry) *Adapter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Adapter{
		source:  source,
		log:     log.WithField("venue", Venue),
		books:   make(map[string]*instrumentBook),
		updates: make(chan book.InstrumentUpdate, 1024),
		now:     time.Now,
	}
}

// Updates returns the stream of canonical instrument updates.
func (a *Adapter) Updates() <-chan book.InstrumentUpdate { return a.updates }

// SubscribeFrame renders the public/subscribe request for one
// subscription; the channel name embeds the aggregation interval.
func (a *Adapter) SubscribeFrame(sub conn.Subscription) ([]byte, error) {
	return a.frame("public/subscribe", sub)
}

// UnsubscribeFrame renders the public/unsubscribe request.
func (a *Adapter) UnsubscribeFrame(sub conn.Subscription) ([]byte, error) {
	return a.frame("public/unsubscribe", sub)
}

func (a *Adapter) frame(method string, sub conn.Subscription) ([]byte, error) {
	channel := fmt.Sprintf("%s.%s.%s", sub.Channel, sub.Instrument, notifyInterval)
	return json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      a.reqID.Add(1),
		Method:  method,
		Params:  rpcParams{Channels: []string{channel}},
	})
}

// Run decodes inbound frames and applies them until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-a.source.Messages():
			if !ok {
				return
			}
			if err := a.handle(raw); err != nil {
				a.log.WithError(err).Error("frame rejected")
			}
		}
	}
}

func (a *Adapter) handle(raw []byte) error {
	msg, err := Decode(raw)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case Book:
		return a.applyBook(m)
	case Trades:
		for _, item := range m.Items {
			if err := a.applyTrade(item); err != nil {
				return err
			}
		}
		return nil
	case Ack:
		a.log.WithFields(logrus.Fields{
			"id":       m.ID,
			"channels": m.Channels,
		}).Debug("request acknowledged")
		return nil
	case RPCError:
		return fmt.Errorf("deribit: venue error %d: %s", m.Code, m.Text)
	}
	return nil
}

func (a *Adapter) applyBook(m Book) error {
	instrument, err := a.canonical(m.Instrument)
	if err != nil {
		return err
	}

	ib, ok := a.books[instrument]
	if !ok || m.Snapshot {
		prev := ib
		ib = &instrumentBook{
			bids: make(map[float64]float64, len(m.Bids)),
			asks: make(map[float64]float64, len(m.Asks)),
		}
		if prev != nil {
			ib.lastPrice, ib.lastSize = prev.lastPrice, prev.lastSize
			ib.lastAt, ib.hasTrade = prev.lastAt, prev.hasTrade
		}
		a.books[instrument] = ib
	}

	if err := applyLevels(ib.bids, m.Bids); err != nil {
		return fmt.Errorf("%w on %s", err, m.Instrument)
	}
	if err := applyLevels(ib.asks, m.Asks); err != nil {
		return fmt.Errorf("%w on %s", err, m.Instrument)
	}

	a.emit(instrument, ib, time.UnixMilli(m.TsMillis).UTC())
	return nil
}

func (a *Adapter) applyTrade(item TradeItem) error {
	instrument, err := a.canonical(item.Instrument)
	if err != nil {
		return err
	}
	price, err := strconv.ParseFloat(item.Price, 64)
	if err != nil {
		return fmt.Errorf("deribit: trade price %q on %s", item.Price, item.Instrument)
	}
	amount, err := strconv.ParseFloat(item.Amount, 64)
	if err != nil {
		return fmt.Errorf("deribit: trade amount %q on %s", item.Amount, item.Instrument)
	}

	ib, ok := a.books[instrument]
	if !ok {
		ib = &instrumentBook{bids: map[float64]float64{}, asks: map[float64]float64{}}
		a.books[instrument] = ib
	}
	ib.lastPrice = price
	ib.lastSize = amount
	ib.lastAt = time.UnixMilli(item.TsMillis).UTC()
	ib.hasTrade = true

	a.emit(instrument, ib, ib.lastAt)
	return nil
}

// canonical validates the instrument name through the codec and returns
// its canonical form.
func (a *Adapter) canonical(name string) (string, error) {
	if _, err := keycodec.Parse(name, a.now()); err != nil {
		return "", err
	}
	return keycodec.Canonical(name), nil
}

func applyLevels(side map[float64]float64, levels []Level) error {
	for _, l := range levels {
		price, err := strconv.ParseFloat(l.Price, 64)
		if err != nil {
			return fmt.Errorf("%w: price %q", ErrMalformedLevel, l.Price)
		}
		amount, err := strconv.ParseFloat(l.Amount, 64)
		if err != nil {
			return fmt.Errorf("%w: amount %q", ErrMalformedLevel, l.Amount)
		}
		switch l.Action {
		case "new", "change":
			if amount <= 0 {
				delete(side, price)
			} else {
				side[price] = amount
			}
		case "delete":
			delete(side, price)
		default:
			return fmt.Errorf("%w: action %q", ErrMalformedLevel, l.Action)
		}
	}
	return nil
}

func (a *Adapter) emit(instrument string, ib *instrumentBook, ts time.Time) {
	u := book.InstrumentUpdate{
		Venue:       Venue,
		Instrument:  instrument,
		Bids:        renderSide(ib.bids),
		Asks:        renderSide(ib.asks),
		LastPrice:   ib.lastPrice,
		LastSize:    ib.lastSize,
		LastTradeAt: ib.lastAt,
		HasTrade:    ib.hasTrade,
		Timestamp:   ts,
	}
	for price, size := range ib.bids {
		if !u.HasBid || price > u.BestBid {
			u.BestBid, u.BestBidSize, u.HasBid = price, size, true
		}
	}
	for price, size := range ib.asks {
		if !u.HasAsk || price < u.BestAsk {
			u.BestAsk, u.BestAskSize, u.HasAsk = price, size, true
		}
	}

	select {
	case a.updates <- u:
	default:
		a.log.WithField("instrument", instrument).Warn("update buffer full, dropping")
	}
}

func renderSide(side map[float64]float64) map[string]float64 {
	out := make(map[string]float64, len(side))
	for price, size := range side {
		out[strconv.FormatFloat(price, 'f', -1, 64)] = size
	}
	return out
}
