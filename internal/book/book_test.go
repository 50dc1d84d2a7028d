package book

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func newTestReconciler() *Reconciler {
	r := New("kalshi", nil)
	r.now = func() time.Time { return time.Date(2025, time.August, 23, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestSnapshotComplementsNoSide(t *testing.T) {
	r := newTestReconciler()

	update, _, err := r.ApplySnapshot(Snapshot{
		Ticker: "T",
		Yes:    [][]int{{60, 4}},
		No:     [][]int{{40, 5}},
	})
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	if !reflect.DeepEqual(update.YesBids, map[int]int{60: 4}) {
		t.Errorf("yes_bids = %v, want {60:4}", update.YesBids)
	}
	if !reflect.DeepEqual(update.YesAsks, map[int]int{60: 5}) {
		t.Errorf("yes_asks = %v, want {60:5} (100-40=60)", update.YesAsks)
	}

	s := update.Summary
	if !s.HasBid || s.BestBid != 60 || s.BestBidSize != 4 {
		t.Errorf("best bid = %+v, want 60x4", s)
	}
	// Touching book is stored, not corrected.
	if !s.HasAsk || s.BestAsk != 60 || s.BestAskSize != 5 {
		t.Errorf("best ask = %+v, want 60x5", s)
	}
}

func TestSnapshotReplacesWholesale(t *testing.T) {
	r := newTestReconciler()

	mustSnapshot(t, r, Snapshot{Ticker: "T", Yes: [][]int{{50, 10}, {45, 3}}})
	update := mustSnapshot(t, r, Snapshot{Ticker: "T", Yes: [][]int{{55, 1}}})

	if !reflect.DeepEqual(update.YesBids, map[int]int{55: 1}) {
		t.Errorf("second snapshot must replace, got %v", update.YesBids)
	}
}

func TestSnapshotRejectsMalformedLevels(t *testing.T) {
	r := newTestReconciler()

	_, _, err := r.ApplySnapshot(Snapshot{Ticker: "T", Yes: [][]int{{60, 4, 9}}})
	if !errors.Is(err, ErrMalformedLevel) {
		t.Fatalf("arity 3 must be a hard error, got %v", err)
	}

	_, _, err = r.ApplySnapshot(Snapshot{Ticker: "T", No: [][]int{{120, 4}}})
	if !errors.Is(err, ErrPriceRange) {
		t.Fatalf("price 120 must be rejected, got %v", err)
	}
}

func TestDeltaUpsertAndRemove(t *testing.T) {
	r := newTestReconciler()
	mustSnapshot(t, r, Snapshot{Ticker: "T", Yes: [][]int{{50, 10}}})

	update, err := r.ApplyDelta(Delta{Ticker: "T", Side: "yes", Price: 52, Change: 7})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if update.YesBids[52] != 7 {
		t.Errorf("upsert failed: %v", update.YesBids)
	}
	if update.Summary.BestBid != 52 {
		t.Errorf("best bid = %d, want 52", update.Summary.BestBid)
	}

	// Removing the best level must yield the next-best from a full rescan.
	update, err = r.ApplyDelta(Delta{Ticker: "T", Side: "yes", Price: 52, Change: -7})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if _, ok := update.YesBids[52]; ok {
		t.Errorf("zero-size level must be removed, got %v", update.YesBids)
	}
	if update.Summary.BestBid != 50 || update.Summary.BestBidSize != 10 {
		t.Errorf("best bid after removal = %+v, want 50x10", update.Summary)
	}
}

func TestNoDeltaRoundTripsThroughComplement(t *testing.T) {
	r := newTestReconciler()
	mustSnapshot(t, r, Snapshot{Ticker: "T", No: [][]int{{40, 5}}})

	_, prior, _ := r.Levels("T")

	if _, err := r.ApplyDelta(Delta{Ticker: "T", Side: "no", Price: 35, Change: 3}); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	_, mid, _ := r.Levels("T")
	if mid[65] != 3 { // 100-35
		t.Errorf("no delta must land at complement price, got %v", mid)
	}

	update, err := r.ApplyDelta(Delta{Ticker: "T", Side: "no", Price: 35, Change: -3})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if !reflect.DeepEqual(update.YesAsks, prior) {
		t.Errorf("inverse delta must restore prior state: got %v, want %v", update.YesAsks, prior)
	}
}

func TestBestPricesMatchNaiveScan(t *testing.T) {
	r := newTestReconciler()
	mustSnapshot(t, r, Snapshot{Ticker: "T"})

	deltas := []Delta{
		{Ticker: "T", Side: "yes", Price: 40, Change: 5},
		{Ticker: "T", Side: "yes", Price: 55, Change: 2},
		{Ticker: "T", Side: "no", Price: 30, Change: 4},
		{Ticker: "T", Side: "no", Price: 45, Change: 1},
		{Ticker: "T", Side: "yes", Price: 55, Change: -2},
		{Ticker: "T", Side: "no", Price: 45, Change: -1},
		{Ticker: "T", Side: "yes", Price: 48, Change: 9},
	}
	var last Update
	for _, d := range deltas {
		u, err := r.ApplyDelta(d)
		if err != nil {
			t.Fatalf("ApplyDelta(%+v): %v", d, err)
		}
		last = u
	}

	wantBid, haveBid := -1, false
	for p := range last.YesBids {
		if !haveBid || p > wantBid {
			wantBid, haveBid = p, true
		}
	}
	wantAsk, haveAsk := -1, false
	for p := range last.YesAsks {
		if !haveAsk || p < wantAsk {
			wantAsk, haveAsk = p, true
		}
	}

	s := last.Summary
	if s.HasBid != haveBid || (haveBid && s.BestBid != wantBid) {
		t.Errorf("best bid = %+v, naive scan says %d", s, wantBid)
	}
	if s.HasAsk != haveAsk || (haveAsk && s.BestAsk != wantAsk) {
		t.Errorf("best ask = %+v, naive scan says %d", s, wantAsk)
	}
}

func TestDeltaWithoutSnapshot(t *testing.T) {
	r := newTestReconciler()
	_, err := r.ApplyDelta(Delta{Ticker: "NOPE", Side: "yes", Price: 50, Change: 1})
	if !errors.Is(err, ErrUnknownMarket) {
		t.Fatalf("want ErrUnknownMarket, got %v", err)
	}
}

func TestDeltaRejectsUnknownSide(t *testing.T) {
	r := newTestReconciler()
	mustSnapshot(t, r, Snapshot{Ticker: "T"})

	_, err := r.ApplyDelta(Delta{Ticker: "T", Side: "maybe", Price: 50, Change: 1})
	if !errors.Is(err, ErrBadSide) {
		t.Fatalf("want ErrBadSide, got %v", err)
	}
}

func TestEventReEmittedOnEverySnapshot(t *testing.T) {
	r := newTestReconciler()

	_, ev, err := r.ApplySnapshot(Snapshot{Ticker: "T1", EventTicker: "EVT"})
	if err != nil || ev == nil {
		t.Fatalf("first sighting must emit an event, got ev=%v err=%v", ev, err)
	}
	if ev.EventTicker != "EVT" || ev.Ticker != "T1" {
		t.Errorf("event = %+v", ev)
	}

	// A later snapshot re-emits the same ticker: the reconciler holds no
	// publish state, so an event lost downstream is recoverable.
	_, ev, err = r.ApplySnapshot(Snapshot{Ticker: "T2", EventTicker: "EVT"})
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if ev == nil || ev.EventTicker != "EVT" {
		t.Errorf("re-received snapshot must re-emit its event, got %+v", ev)
	}

	_, ev, err = r.ApplySnapshot(Snapshot{Ticker: "T3"})
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if ev != nil {
		t.Errorf("snapshot without an event ticker must not emit, got %+v", ev)
	}
}

func TestTradeUpdatesLastFields(t *testing.T) {
	r := newTestReconciler()
	ts := time.Date(2025, time.August, 23, 11, 30, 0, 0, time.UTC)

	update, err := r.ApplyTrade(Trade{Ticker: "T", Price: 57, Count: 12, Time: ts})
	if err != nil {
		t.Fatalf("ApplyTrade: %v", err)
	}
	if !update.HasTrade || update.LastPrice != 57 || update.LastSize != 12 || !update.LastTradeAt.Equal(ts) {
		t.Errorf("trade fields = %+v", update)
	}
}

func mustSnapshot(t *testing.T, r *Reconciler, s Snapshot) Update {
	t.Helper()
	update, _, err := r.ApplySnapshot(s)
	if err != nil {
		t.Fatalf("ApplySnapshot(%+v): %v", s, err)
	}
	return update
}
