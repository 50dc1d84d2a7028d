package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian-markets/feedcore/internal/book"
	"github.com/meridian-markets/feedcore/internal/conn"
)

const Venue = "kalshi"

// MessageSource supplies raw inbound frames; satisfied by *conn.Machine.
type MessageSource interface {
	Messages() <-chan []byte
}

// command is the outbound WebSocket control envelope.
type command struct {
	ID     int           `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	Channels     []string `json:"channels"`
	MarketTicker string   `json:"market_ticker"`
}

// Adapter decodes the venue's frames and drives the book reconciler.
// It is the single writer for every market on this venue, so the
// reconciler needs no locking.
type Adapter struct {
	source MessageSource
	rec    *book.Reconciler
	log    *logrus.Entry

	updates chan book.Update
	events  chan book.Event

	cmdID atomic.Int64
}

func New(source MessageSource, log *logrus.Entry) *Adapter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("venue", Venue)
	return &Adapter{
		source:  source,
		rec:     book.New(Venue, log),
		log:     log,
		updates: make(chan book.Update, 1024),
		events:  make(chan book.Event, 64),
	}
}

// Updates returns the stream of canonical book updates.
func (a *Adapter) Updates() <-chan book.Update { return a.updates }

// Events returns the stream of first-seen market events.
func (a *Adapter) Events() <-chan book.Event { return a.events }

// SubscribeFrame renders the subscribe command for one subscription.
// Command ids increment per frame so acks can be correlated.
func (a *Adapter) SubscribeFrame(sub conn.Subscription) ([]byte, error) {
	return a.frame("subscribe", sub)
}

// UnsubscribeFrame renders the unsubscribe command.
func (a *Adapter) UnsubscribeFrame(sub conn.Subscription) ([]byte, error) {
	return a.frame("unsubscribe", sub)
}

func (a *Adapter) frame(cmd string, sub conn.Subscription) ([]byte, error) {
	return json.Marshal(command{
		ID:  int(a.cmdID.Add(1)),
		Cmd: cmd,
		Params: commandParams{
			Channels:     []string{sub.Channel},
			MarketTicker: sub.Instrument,
		},
	})
}

// Run decodes inbound frames and applies them until ctx is cancelled.
// Rejected frames are logged and skipped; the stream keeps flowing.
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
	case Snapshot:
		update, ev, err := a.rec.ApplySnapshot(book.Snapshot{
			Ticker:      m.Ticker,
			MarketID:    m.MarketID,
			EventTicker: m.EventTicker,
			Yes:         m.Yes,
			No:          m.No,
		})
		if err != nil {
			return err
		}
		if ev != nil {
			a.emitEvent(*ev)
		}
		a.emit(update)
	case Delta:
		update, err := a.rec.ApplyDelta(book.Delta{
			Ticker: m.Ticker,
			Side:   m.Side,
			Price:  m.Price,
			Change: m.Change,
		})
		if err != nil {
			return err
		}
		a.emit(update)
	case Trade:
		update, err := a.rec.ApplyTrade(book.Trade{
			Ticker: m.Ticker,
			Price:  m.YesPrice,
			Count:  m.Count,
			Time:   time.UnixMilli(m.TsMillis).UTC(),
		})
		if err != nil {
			return err
		}
		a.emit(update)
	case Subscribed:
		a.log.WithFields(logrus.Fields{
			"id":      m.ID,
			"sid":     m.SID,
			"channel": m.Channel,
		}).Debug("subscription acknowledged")
	case VenueError:
		return fmt.Errorf("kalshi: venue error %d: %s", m.Code, m.Text)
	}
	return nil
}

func (a *Adapter) emit(u book.Update) {
	select {
	case a.updates <- u:
	default:
		a.log.WithField("ticker", u.Ticker).Warn("update buffer full, dropping")
	}
}

func (a *Adapter) emitEvent(ev book.Event) {
	select {
	case a.events <- ev:
	default:
		a.log.WithField("event_ticker", ev.EventTicker).Warn("event buffer full, dropping")
	}
}
