// Package deribit adapts the derivatives venue's JSON-RPC WebSocket to
// the canonical instrument pipeline. Instrument names follow the
// CCY-DMMMYY-STRIKE-K grammar and are parsed through keycodec.
package deribit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message is the closed set of inbound frames. Unrecognized methods and
// channels are hard errors so protocol drift surfaces immediately.
type Message interface {
	deribitMessage()
}

var (
	ErrUnknownFrame   = errors.New("deribit: unknown frame")
	ErrUnknownChannel = errors.New("deribit: unknown channel")
	ErrMalformedLevel = errors.New("deribit: malformed level")
)

// Level is one raw book entry. Snapshot entries arrive as [price, amount]
// and carry the implicit action "new"; change entries arrive as
// [action, price, amount].
type Level struct {
	Action string
	Price  string
	Amount string
}

// Book is a snapshot or incremental change notification.
type Book struct {
	Instrument string
	Snapshot   bool
	TsMillis   int64
	Bids       []Level
	Asks       []Level
}

// TradeItem is one fill inside a trades notification.
type TradeItem struct {
	Instrument string
	Price      string
	Amount     string
	TsMillis   int64
}

// Trades is a batch of fills for one instrument.
type Trades struct {
	Items []TradeItem
}

// Ack confirms a subscribe or unsubscribe request.
type Ack struct {
	ID       int64
	Channels []string
}

// RPCError is the venue's error response.
type RPCError struct {
	ID   int64
	Code int
	Text string
}

func (Book) deribitMessage()     {}
func (Trades) deribitMessage()   {}
func (Ack) deribitMessage()      {}
func (RPCError) deribitMessage() {}

type envelope struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Params struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

type bookWire struct {
	Type           string     `json:"type"`
	InstrumentName string     `json:"instrument_name"`
	Timestamp      int64      `json:"timestamp"`
	Bids           [][]string `json:"bids"`
	Asks           [][]string `json:"asks"`
}

type tradeWire struct {
	InstrumentName string `json:"instrument_name"`
	Price          string `json:"price"`
	Amount         string `json:"amount"`
	Timestamp      int64  `json:"timestamp"`
}

// Decode parses one inbound frame into its variant.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("deribit: envelope: %w", err)
	}

	if env.Error != nil {
		return RPCError{ID: env.ID, Code: env.Error.Code, Text: env.Error.Message}, nil
	}

	switch env.Method {
	case "subscription":
		return decodeNotification(env)
	case "":
		if env.Result != nil {
			var channels []string
			// Subscribe acks carry the channel list; other results are
			// acknowledged without payload inspection.
			_ = json.Unmarshal(env.Result, &channels)
			return Ack{ID: env.ID, Channels: channels}, nil
		}
		return nil, fmt.Errorf("%w: no method and no result", ErrUnknownFrame)
	default:
		return nil, fmt.Errorf("%w: method %q", ErrUnknownFrame, env.Method)
	}
}

func decodeNotification(env envelope) (Message, error) {
	channel := env.Params.Channel
	switch {
	case strings.HasPrefix(channel, "book."):
		var w bookWire
		if err := json.Unmarshal(env.Params.Data, &w); err != nil {
			return nil, fmt.Errorf("deribit: book data: %w", err)
		}
		bids, err := parseLevels(w.Bids, w.Type == "snapshot")
		if err != nil {
			return nil, fmt.Errorf("%w on %s", err, w.InstrumentName)
		}
		asks, err := parseLevels(w.Asks, w.Type == "snapshot")
		if err != nil {
			return nil, fmt.Errorf("%w on %s", err, w.InstrumentName)
		}
		return Book{
			Instrument: w.InstrumentName,
			Snapshot:   w.Type == "snapshot",
			TsMillis:   w.Timestamp,
			Bids:       bids,
			Asks:       asks,
		}, nil
	case strings.HasPrefix(channel, "trades."):
		var wires []tradeWire
		if err := json.Unmarshal(env.Params.Data, &wires); err != nil {
			return nil, fmt.Errorf("deribit: trades data: %w", err)
		}
		items := make([]TradeItem, len(wires))
		for i, w := range wires {
			items[i] = TradeItem{
				Instrument: w.InstrumentName,
				Price:      w.Price,
				Amount:     w.Amount,
				TsMillis:   w.Timestamp,
			}
		}
		return Trades{Items: items}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
}

// parseLevels validates arity: snapshots are [price, amount] pairs,
// changes are [action, price, amount] triples. Anything else is a hard
// error, never skipped.
func parseLevels(raw [][]string, snapshot bool) ([]Level, error) {
	levels := make([]Level, 0, len(raw))
	for _, entry := range raw {
		switch {
		case snapshot && len(entry) == 2:
			levels = append(levels, Level{Action: "new", Price: entry[0], Amount: entry[1]})
		case !snapshot && len(entry) == 3:
			levels = append(levels, Level{Action: entry[0], Price: entry[1], Amount: entry[2]})
		default:
			return nil, fmt.Errorf("%w: arity %d", ErrMalformedLevel, len(entry))
		}
	}
	return levels, nil
}
