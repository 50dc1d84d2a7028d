// Package kalshi adapts the prediction-market venue's WebSocket and REST
// surfaces to the canonical book pipeline.
package kalshi

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is the closed set of inbound WebSocket envelopes. Anything the
// decoder does not recognize is a hard error, never a silently ignored
// branch; new venue message types must be added here deliberately.
type Message interface {
	kalshiMessage()
}

var ErrUnknownType = errors.New("kalshi: unknown message type")

// Snapshot replaces a market's book. Levels stay as raw arrays so the
// reconciler can validate arity.
type Snapshot struct {
	SID         int
	Seq         int
	Ticker      string
	MarketID    string
	EventTicker string
	Yes         [][]int
	No          [][]int
}

// Delta is one incremental change to a price level.
type Delta struct {
	SID    int
	Seq    int
	Ticker string
	Side   string
	Price  int
	Change int
}

// Trade is a fill report.
type Trade struct {
	Ticker   string
	YesPrice int
	Count    int
	TsMillis int64
}

// Subscribed acknowledges a subscribe command.
type Subscribed struct {
	ID      int
	SID     int
	Channel string
}

// VenueError is an error frame from the venue.
type VenueError struct {
	ID   int
	Code int
	Text string
}

func (Snapshot) kalshiMessage()   {}
func (Delta) kalshiMessage()      {}
func (Trade) kalshiMessage()      {}
func (Subscribed) kalshiMessage() {}
func (VenueError) kalshiMessage() {}

type snapshotWire struct {
	SID int `json:"sid"`
	Seq int `json:"seq"`
	Msg struct {
		MarketTicker string  `json:"market_ticker"`
		MarketID     string  `json:"market_id"`
		EventTicker  string  `json:"event_ticker"`
		Yes          [][]int `json:"yes"`
		No           [][]int `json:"no"`
	} `json:"msg"`
}

type deltaWire struct {
	SID int `json:"sid"`
	Seq int `json:"seq"`
	Msg struct {
		MarketTicker string `json:"market_ticker"`
		Price        int    `json:"price"`
		Delta        int    `json:"delta"`
		Side         string `json:"side"`
	} `json:"msg"`
}

type tradeWire struct {
	Msg struct {
		MarketTicker string `json:"market_ticker"`
		YesPrice     int    `json:"yes_price"`
		Count        int    `json:"count"`
		Ts           int64  `json:"ts"`
	} `json:"msg"`
}

type subscribedWire struct {
	ID  int `json:"id"`
	Msg struct {
		Channel string `json:"channel"`
		SID     int    `json:"sid"`
	} `json:"msg"`
}

type errorWire struct {
	ID  int `json:"id"`
	Msg struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"msg"`
}

// Decode parses one inbound frame into its variant.
func Decode(raw []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("kalshi: envelope: %w", err)
	}

	switch env.Type {
	case "orderbook_snapshot":
		var w snapshotWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("kalshi: snapshot: %w", err)
		}
		return Snapshot{
			SID:         w.SID,
			Seq:         w.Seq,
			Ticker:      w.Msg.MarketTicker,
			MarketID:    w.Msg.MarketID,
			EventTicker: w.Msg.EventTicker,
			Yes:         w.Msg.Yes,
			No:          w.Msg.No,
		}, nil
	case "orderbook_delta":
		var w deltaWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("kalshi: delta: %w", err)
		}
		return Delta{
			SID:    w.SID,
			Seq:    w.Seq,
			Ticker: w.Msg.MarketTicker,
			Side:   w.Msg.Side,
			Price:  w.Msg.Price,
			Change: w.Msg.Delta,
		}, nil
	case "trade":
		var w tradeWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("kalshi: trade: %w", err)
		}
		return Trade{
			Ticker:   w.Msg.MarketTicker,
			YesPrice: w.Msg.YesPrice,
			Count:    w.Msg.Count,
			TsMillis: w.Msg.Ts,
		}, nil
	case "subscribed":
		var w subscribedWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("kalshi: subscribed: %w", err)
		}
		return Subscribed{ID: w.ID, SID: w.Msg.SID, Channel: w.Msg.Channel}, nil
	case "error":
		var w errorWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("kalshi: error frame: %w", err)
		}
		return VenueError{ID: w.ID, Code: w.Msg.Code, Text: w.Msg.Msg}, nil
	case "":
		return nil, fmt.Errorf("%w: envelope missing type", ErrUnknownType)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
