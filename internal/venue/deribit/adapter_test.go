package deribit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian-markets/feedcore/internal/book"
	"github.com/meridian-markets/feedcore/internal/conn"
	"github.com/meridian-markets/feedcore/internal/keycodec"
)

type fakeSource struct {
	ch chan []byte
}

func (f *fakeSource) Messages() <-chan []byte { return f.ch }

func newTestAdapter() (*Adapter, *fakeSource) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	src := &fakeSource{ch: make(chan []byte, 16)}
	a := New(src, logrus.NewEntry(l))
	a.now = func() time.Time { return time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC) }
	return a, src
}

func recvUpdate(t *testing.T, a *Adapter) book.InstrumentUpdate {
	t.Helper()
	select {
	case u := <-a.Updates():
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no update emitted")
		return book.InstrumentUpdate{}
	}
}

func bookFrame(kind, instrument string, bids, asks [][]string) []byte {
	data := map[string]any{
		"type":            kind,
		"instrument_name": instrument,
		"timestamp":       int64(1756000000000),
		"bids":            bids,
		"asks":            asks,
	}
	raw, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "subscription",
		"params": map[string]any{
			"channel": "book." + instrument + ".100ms",
			"data":    data,
		},
	})
	return raw
}

func TestSnapshotEmitsCanonicalUpdate(t *testing.T) {
	a, src := newTestAdapter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	src.ch <- bookFrame("snapshot", "BTC-8JUN25-58000-C",
		[][]string{{"0.056", "2.5"}, {"0.055", "10"}},
		[][]string{{"0.058", "1"}})

	u := recvUpdate(t, a)
	if u.Venue != Venue || u.Instrument != "btc-8jun25-58000-c" {
		t.Errorf("identity = %s/%s", u.Venue, u.Instrument)
	}
	if u.Bids["0.056"] != 2.5 || u.Bids["0.055"] != 10 {
		t.Errorf("bids = %v", u.Bids)
	}
	if !u.HasBid || u.BestBid != 0.056 || u.BestBidSize != 2.5 {
		t.Errorf("best bid = %+v", u)
	}
	if !u.HasAsk || u.BestAsk != 0.058 {
		t.Errorf("best ask = %+v", u)
	}
	if !u.Timestamp.Equal(time.UnixMilli(1756000000000).UTC()) {
		t.Errorf("timestamp = %v", u.Timestamp)
	}
}

func TestChangeAppliesActions(t *testing.T) {
	a, src := newTestAdapter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	src.ch <- bookFrame("snapshot", "BTC-8JUN25-58000-C",
		[][]string{{"0.056", "2.5"}}, nil)
	recvUpdate(t, a)

	src.ch <- bookFrame("change", "BTC-8JUN25-58000-C",
		[][]string{{"delete", "0.056", "0"}, {"new", "0.054", "3"}}, nil)
	u := recvUpdate(t, a)

	if _, ok := u.Bids["0.056"]; ok {
		t.Errorf("deleted level still present: %v", u.Bids)
	}
	if u.Bids["0.054"] != 3 {
		t.Errorf("new level missing: %v", u.Bids)
	}
	if u.BestBid != 0.054 {
		t.Errorf("best bid = %v, want rescan after delete", u.BestBid)
	}
}

func TestTradeNotification(t *testing.T) {
	a, src := newTestAdapter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	raw, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "subscription",
		"params": map[string]any{
			"channel": "trades.BTC-8JUN25.100ms",
			"data": []map[string]any{
				{"instrument_name": "BTC-8JUN25", "price": "104250.5", "amount": "0.4", "timestamp": int64(1756000001000)},
			},
		},
	})
	src.ch <- raw

	u := recvUpdate(t, a)
	if u.Instrument != "btc-8jun25" {
		t.Errorf("instrument = %q", u.Instrument)
	}
	if !u.HasTrade || u.LastPrice != 104250.5 || u.LastSize != 0.4 {
		t.Errorf("trade fields = %+v", u)
	}
}

func TestHandleRejectsBadFrames(t *testing.T) {
	a, _ := newTestAdapter()

	err := a.handle([]byte(`{"jsonrpc":"2.0","method":"heartbeat","params":{}}`))
	if !errors.Is(err, ErrUnknownFrame) {
		t.Errorf("unknown method: %v", err)
	}

	err = a.handle([]byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"ticker.BTC","data":{}}}`))
	if !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("unknown channel: %v", err)
	}

	// A book for an instrument the codec rejects must surface.
	err = a.handle(bookFrame("snapshot", "NOT-A-TICKER-AT-ALL-X", nil, nil))
	var parseErr *keycodec.ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("bad instrument: %v", err)
	}

	err = a.handle([]byte(`{"jsonrpc":"2.0","id":4,"error":{"code":10001,"message":"bad request"}}`))
	if err == nil {
		t.Error("venue error frame must surface")
	}
}

func TestDecodeMalformedLevelArity(t *testing.T) {
	_, err := Decode(bookFrame("change", "BTC-8JUN25",
		[][]string{{"0.5", "1"}}, nil)) // change entries need 3 elements
	if !errors.Is(err, ErrMalformedLevel) {
		t.Fatalf("want malformed level, got %v", err)
	}
}

func TestSubscribeFrameShape(t *testing.T) {
	a, _ := newTestAdapter()
	raw, err := a.SubscribeFrame(conn.Subscription{Instrument: "BTC-8JUN25-58000-C", Channel: "book"})
	if err != nil {
		t.Fatalf("SubscribeFrame: %v", err)
	}

	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Method != "public/subscribe" || req.JSONRPC != "2.0" {
		t.Errorf("request = %+v", req)
	}
	if len(req.Params.Channels) != 1 || req.Params.Channels[0] != "book.BTC-8JUN25-58000-C.100ms" {
		t.Errorf("channels = %v", req.Params.Channels)
	}

	next, _ := a.UnsubscribeFrame(conn.Subscription{Instrument: "BTC-8JUN25-58000-C", Channel: "book"})
	var req2 rpcRequest
	if err := json.Unmarshal(next, &req2); err != nil {
		t.Fatalf("unmarshal second: %v", err)
	}
	if req2.ID != req.ID+1 {
		t.Errorf("ids = %d, %d, want consecutive", req.ID, req2.ID)
	}
}
