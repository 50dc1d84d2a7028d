package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian-markets/feedcore/internal/resilience"
)

// fakeTransport scripts one connection: reads arrive on a channel, writes
// are recorded, and failAfter bounds how many writes succeed.
type fakeTransport struct {
	reads chan []byte

	mu        sync.Mutex
	writes    [][]byte
	failAfter int // -1: never fail
	closed    bool
}

func newFakeTransport(failAfter int) *fakeTransport {
	return &fakeTransport{reads: make(chan []byte, 16), failAfter: failAfter}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	msg, ok := <-f.reads
	if !ok {
		return nil, errors.New("transport closed")
	}
	return msg, nil
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed transport")
	}
	if f.failAfter >= 0 && len(f.writes) >= f.failAfter {
		return errors.New("write refused")
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.reads)
	}
	return nil
}

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// scriptedDialer hands out transports in order and errors once exhausted.
type scriptedDialer struct {
	mu    sync.Mutex
	queue []*fakeTransport
	calls int
}

func (d *scriptedDialer) dial(context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.queue) == 0 {
		return nil, errors.New("dial refused")
	}
	t := d.queue[0]
	d.queue = d.queue[1:]
	return t, nil
}

func (d *scriptedDialer) add(t *fakeTransport) {
	d.mu.Lock()
	d.queue = append(d.queue, t)
	d.mu.Unlock()
}

func (d *scriptedDialer) dialCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestMachine(d *scriptedDialer, maxAttempts int) *Machine {
	return NewMachine(Config{
		Venue: "kalshi",
		Dial:  d.dial,
		SubscribeFrame: func(s Subscription) ([]byte, error) {
			return []byte(fmt.Sprintf("sub:%s:%s", s.Instrument, s.Channel)), nil
		},
		UnsubscribeFrame: func(s Subscription) ([]byte, error) {
			return []byte(fmt.Sprintf("unsub:%s:%s", s.Instrument, s.Channel)), nil
		},
		Backoff:            resilience.Backoff{Base: 2 * time.Millisecond, Max: 10 * time.Millisecond, Rand: func() float64 { return 0 }},
		MaxConnectAttempts: maxAttempts,
		StaleAfter:         time.Hour,
		ProbeInterval:      time.Hour,
		Log:                quietLog(),
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, m *Machine, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return m.State() == want })
}

func TestConnectIssuesTrackedSubscriptions(t *testing.T) {
	first := newFakeTransport(-1)
	d := &scriptedDialer{}
	d.add(first)

	m := newTestMachine(d, 0)
	for i := 0; i < 3; i++ {
		m.Subscribe(Subscription{Instrument: fmt.Sprintf("MKT-%d", i), Channel: "orderbook_delta"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitForState(t, m, StateConnected)
	if got := first.writeCount(); got != 3 {
		t.Errorf("subscribe frames on connect = %d, want 3", got)
	}
	if m.SessionID() == "" {
		t.Error("connected machine must carry a session id")
	}
}

func TestReconnectReissuesAllSubscriptionsBeforeConnected(t *testing.T) {
	first := newFakeTransport(-1)
	// The replacement accepts only two of the five subscribe frames.
	partial := newFakeTransport(2)
	d := &scriptedDialer{}
	d.add(first)
	d.add(partial)

	m := newTestMachine(d, 0)
	for i := 0; i < 5; i++ {
		m.Subscribe(Subscription{Instrument: fmt.Sprintf("MKT-%d", i), Channel: "orderbook_delta"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitForState(t, m, StateConnected)
	firstSession := m.SessionID()

	// Simulate a transport drop.
	first.Close()

	// The partial transport must never produce a usable connected state.
	waitFor(t, "partial resubscribe attempt", func() bool { return partial.isClosed() })
	waitForState(t, m, StateReconnecting)
	if got := partial.writeCount(); got != 2 {
		t.Errorf("partial transport accepted %d frames, want 2", got)
	}
	if m.State() == StateConnected {
		t.Fatal("machine reported Connected with an incomplete subscription set")
	}

	// A healthy transport completes the cycle.
	healthy := newFakeTransport(-1)
	d.add(healthy)

	waitForState(t, m, StateConnected)
	if got := healthy.writeCount(); got != 5 {
		t.Errorf("resubscribed frames = %d, want all 5", got)
	}
	if m.SessionID() == firstSession {
		t.Error("reconnect must mint a fresh session id")
	}
}

func TestUnsubscribedEntryNotReissued(t *testing.T) {
	first := newFakeTransport(-1)
	d := &scriptedDialer{}
	d.add(first)

	m := newTestMachine(d, 0)
	keep := Subscription{Instrument: "MKT-A", Channel: "orderbook_delta"}
	drop := Subscription{Instrument: "MKT-B", Channel: "orderbook_delta"}
	m.Subscribe(keep)
	m.Subscribe(drop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	waitForState(t, m, StateConnected)

	m.Unsubscribe(drop)
	// Two subscribe frames at connect plus the live unsubscribe frame.
	waitFor(t, "unsubscribe frame drained", func() bool { return first.writeCount() >= 3 })

	next := newFakeTransport(-1)
	d.add(next)
	first.Close()
	waitForState(t, m, StateConnected)

	waitFor(t, "resubscribe frame", func() bool { return next.writeCount() >= 1 })
	if got := next.writeCount(); got != 1 {
		t.Errorf("frames after unsubscribe = %d, want 1", got)
	}
	if subs := m.Subscriptions(); len(subs) != 1 || subs[0] != keep {
		t.Errorf("tracked set = %v, want only %v", subs, keep)
	}
}

func TestDialBudgetExhaustedSurfaces(t *testing.T) {
	d := &scriptedDialer{} // every dial refused
	m := newTestMachine(d, 3)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, resilience.ErrBudgetExhausted) {
			t.Fatalf("want budget exhaustion, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after exhausting the dial budget")
	}
	if d.dialCalls() != 3 {
		t.Errorf("dial attempts = %d, want 3", d.dialCalls())
	}
	if m.State() != StateDisconnected {
		t.Errorf("terminal state = %s, want disconnected", m.State())
	}
}

func TestProbeForcesReconnectOnSilence(t *testing.T) {
	silent := newFakeTransport(-1)
	d := &scriptedDialer{}
	d.add(silent)

	m := NewMachine(Config{
		Venue: "kalshi",
		Dial:  d.dial,
		SubscribeFrame: func(s Subscription) ([]byte, error) {
			return []byte("sub:" + s.Instrument), nil
		},
		Backoff:       resilience.Backoff{Base: 2 * time.Millisecond, Max: 10 * time.Millisecond, Rand: func() float64 { return 0 }},
		StaleAfter:    10 * time.Millisecond,
		ProbeInterval: 5 * time.Millisecond,
		ProbeFailures: 2,
		Log:           quietLog(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	waitForState(t, m, StateConnected)

	replacement := newFakeTransport(-1)
	d.add(replacement)

	waitFor(t, "probe-triggered reconnect", func() bool {
		return silent.isClosed() && d.dialCalls() >= 2
	})
	waitForState(t, m, StateConnected)
}

func TestInboundFramesDelivered(t *testing.T) {
	first := newFakeTransport(-1)
	d := &scriptedDialer{}
	d.add(first)

	m := newTestMachine(d, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	waitForState(t, m, StateConnected)

	first.reads <- []byte(`{"type":"orderbook_delta"}`)

	select {
	case msg := <-m.Messages():
		if string(msg) != `{"type":"orderbook_delta"}` {
			t.Errorf("message = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame never delivered")
	}
}

func TestShutdownLeavesSubscriptionSetIntact(t *testing.T) {
	first := newFakeTransport(-1)
	d := &scriptedDialer{}
	d.add(first)

	m := newTestMachine(d, 0)
	m.Subscribe(Subscription{Instrument: "MKT-A", Channel: "orderbook_delta"})
	m.Subscribe(Subscription{Instrument: "MKT-B", Channel: "trade"})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()
	waitForState(t, m, StateConnected)

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("shutdown must not surface an error, got %v", err)
	}
	if m.State() != StateClosed {
		t.Errorf("state after shutdown = %s, want closed", m.State())
	}
	if got := len(m.Subscriptions()); got != 2 {
		t.Errorf("subscription set after shutdown = %d entries, want 2", got)
	}
}
