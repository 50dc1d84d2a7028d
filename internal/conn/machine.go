// Package conn owns the WebSocket session lifecycle for each venue: one
// state machine per connection, automatic reconnection with backoff, a
// subscription set that survives disconnects, and a staleness probe that
// forces a reconnect when the feed goes quiet without a transport error.
package conn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meridian-markets/feedcore/internal/resilience"
)

// Transport is the minimal wire surface the Machine drives. Production
// code uses the gorilla-backed implementation from Dial; tests script
// their own.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc opens a fresh Transport. Called for the initial connection and
// on every reconnect attempt.
type DialFunc func(ctx context.Context) (Transport, error)

// Subscription identifies one (instrument, channel) pair. The set of
// tracked subscriptions is independent of connection state; every entry
// is re-issued after a reconnect before the machine reports Connected.
type Subscription struct {
	Instrument string
	Channel    string
}

// Config holds the tunables for one venue connection.
type Config struct {
	Venue string
	Dial  DialFunc

	// SubscribeFrame renders the venue's subscribe command for one
	// subscription. UnsubscribeFrame is optional; venues without an
	// unsubscribe verb leave it nil and rely on reconnect semantics.
	SubscribeFrame   func(Subscription) ([]byte, error)
	UnsubscribeFrame func(Subscription) ([]byte, error)

	// Backoff paces reconnect attempts. MaxConnectAttempts bounds one
	// outage's dial budget; zero means retry forever.
	Backoff            resilience.Backoff
	MaxConnectAttempts int

	// StaleAfter is the maximum inbound silence before a probe counts a
	// failure; ProbeFailures consecutive failures force a reconnect.
	StaleAfter    time.Duration
	ProbeInterval time.Duration
	ProbeFailures int

	Log *logrus.Entry
}

func (c *Config) applyDefaults() {
	if c.Backoff.Base == 0 {
		c.Backoff.Base = 250 * time.Millisecond
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = 30 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 10 * time.Second
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 2 * time.Second
	}
	if c.ProbeFailures == 0 {
		c.ProbeFailures = 3
	}
}

// Machine runs one venue connection through its lifecycle. A single
// Machine owns its Transport exclusively; callers interact through
// Subscribe/Unsubscribe, Send, Messages, and State.
type Machine struct {
	cfg Config
	log *logrus.Entry

	state atomic.Int32

	subMu sync.Mutex
	subs  map[Subscription]struct{}

	tmu       sync.RWMutex
	transport Transport
	sessionID string

	outbox chan []byte
	msgs   chan []byte

	lastInbound atomic.Int64 // unix nanos of the most recent read
}

func NewMachine(cfg Config) *Machine {
	cfg.applyDefaults()
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Machine{
		cfg:    cfg,
		log:    log.WithField("venue", cfg.Venue),
		subs:   make(map[Subscription]struct{}),
		outbox: make(chan []byte, 256),
		msgs:   make(chan []byte, 512),
	}
}

// State returns the current lifecycle phase.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// SessionID identifies the currently established connection; it changes
// on every successful (re)connect.
func (m *Machine) SessionID() string {
	m.tmu.RLock()
	defer m.tmu.RUnlock()
	return m.sessionID
}

// Messages returns the stream of raw inbound frames. The consumer must
// keep draining it; a full buffer drops frames rather than stalling reads.
func (m *Machine) Messages() <-chan []byte {
	return m.msgs
}

// Subscribe adds a subscription to the tracked set. When the machine is
// currently Connected the subscribe frame is also sent immediately; in
// any other state the entry waits for the next resubscription pass.
func (m *Machine) Subscribe(sub Subscription) error {
	m.subMu.Lock()
	m.subs[sub] = struct{}{}
	m.subMu.Unlock()

	if m.State() != StateConnected {
		return nil
	}
	frame, err := m.cfg.SubscribeFrame(sub)
	if err != nil {
		return fmt.Errorf("conn: encode subscribe %v: %w", sub, err)
	}
	m.Send(frame)
	return nil
}

// Unsubscribe removes a subscription from the tracked set so it is not
// re-issued after the next reconnect.
func (m *Machine) Unsubscribe(sub Subscription) error {
	m.subMu.Lock()
	delete(m.subs, sub)
	m.subMu.Unlock()

	if m.cfg.UnsubscribeFrame == nil || m.State() != StateConnected {
		return nil
	}
	frame, err := m.cfg.UnsubscribeFrame(sub)
	if err != nil {
		return fmt.Errorf("conn: encode unsubscribe %v: %w", sub, err)
	}
	m.Send(frame)
	return nil
}

// Subscriptions returns a snapshot of the tracked set.
func (m *Machine) Subscriptions() []Subscription {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	out := make([]Subscription, 0, len(m.subs))
	for sub := range m.subs {
		out = append(out, sub)
	}
	return out
}

// Send enqueues a frame for delivery. Sends never block; a full outbox
// drops the frame with a warning.
func (m *Machine) Send(data []byte) {
	select {
	case m.outbox <- data:
	default:
		m.log.WithField("bytes", len(data)).Warn("outbox full, dropping frame")
	}
}

// Run drives the connection until ctx is cancelled or the dial budget for
// an outage is exhausted. On cancellation the machine ends Closed and Run
// returns nil; on budget exhaustion it ends Disconnected and the error
// wraps resilience.ErrBudgetExhausted.
func (m *Machine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Reads block inside the transport, not on ctx; closing the current
	// transport is what unblocks them on shutdown.
	go func() {
		<-ctx.Done()
		if t := m.currentTransport(); t != nil {
			t.Close()
		}
	}()

	err := m.run(ctx)

	m.tmu.Lock()
	if m.transport != nil {
		m.transport.Close()
		m.transport = nil
	}
	m.tmu.Unlock()

	if ctx.Err() != nil {
		m.state.Store(int32(StateClosed))
		return nil
	}
	m.state.Store(int32(StateDisconnected))
	return err
}

func (m *Machine) run(ctx context.Context) error {
	if err := m.establish(ctx, StateConnecting); err != nil {
		return err
	}

	go m.writeLoop(ctx)
	go m.probeLoop(ctx)

	for {
		t := m.currentTransport()
		data, err := t.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.WithError(err).Warn("transport read failed, reconnecting")
			t.Close()
			if err := m.establish(ctx, StateReconnecting); err != nil {
				return err
			}
			continue
		}

		m.lastInbound.Store(time.Now().UnixNano())
		select {
		case m.msgs <- data:
		default:
			m.log.Warn("inbound buffer full, dropping frame")
		}
	}
}

// establish dials until a transport is up and every tracked subscription
// has been re-issued on it. Only then does the machine report Connected;
// a transport with a partial subscription set stays in the waiting state.
func (m *Machine) establish(ctx context.Context, waiting State) error {
	attempt := 0
	for {
		attempt++
		m.state.Store(int32(StateConnecting))

		t, err := m.cfg.Dial(ctx)
		if err == nil {
			var count int
			count, err = m.resubscribe(t)
			if err == nil {
				session := uuid.NewString()
				m.tmu.Lock()
				m.transport = t
				m.sessionID = session
				m.tmu.Unlock()
				m.lastInbound.Store(time.Now().UnixNano())
				m.state.Store(int32(StateConnected))
				m.log.WithFields(logrus.Fields{
					"session":       session,
					"subscriptions": count,
					"attempt":       attempt,
				}).Info("connected")
				return nil
			}
			t.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.state.Store(int32(waiting))
		if m.cfg.MaxConnectAttempts > 0 && attempt >= m.cfg.MaxConnectAttempts {
			return fmt.Errorf("conn: %s: %w after %d attempts: %w",
				m.cfg.Venue, resilience.ErrBudgetExhausted, attempt, err)
		}

		delay := m.cfg.Backoff.Delay(attempt)
		m.log.WithError(err).WithField("retry_in", delay).Warn("connect failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// resubscribe writes a subscribe frame for every tracked subscription to
// the fresh transport. Any failure aborts; the caller retries the whole
// connect so the venue never sees a half-subscribed session as live.
func (m *Machine) resubscribe(t Transport) (int, error) {
	subs := m.Subscriptions()
	for _, sub := range subs {
		frame, err := m.cfg.SubscribeFrame(sub)
		if err != nil {
			return 0, fmt.Errorf("conn: encode subscribe %v: %w", sub, err)
		}
		if err := t.WriteMessage(frame); err != nil {
			return 0, fmt.Errorf("conn: resubscribe %v: %w", sub, err)
		}
	}
	return len(subs), nil
}

func (m *Machine) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-m.outbox:
			t := m.currentTransport()
			if t == nil {
				m.log.Warn("no transport, dropping outbound frame")
				continue
			}
			if err := t.WriteMessage(data); err != nil {
				m.log.WithError(err).Warn("transport write failed")
			}
		}
	}
}

// probeLoop checks inbound freshness at a fixed interval. Repeated stale
// probes close the transport, which the read loop turns into a normal
// reconnect cycle.
func (m *Machine) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.State() != StateConnected {
			misses = 0
			continue
		}

		age := time.Since(time.Unix(0, m.lastInbound.Load()))
		if age <= m.cfg.StaleAfter {
			misses = 0
			continue
		}
		misses++
		if misses < m.cfg.ProbeFailures {
			continue
		}

		m.log.WithFields(logrus.Fields{
			"silent_for": age,
			"misses":     misses,
		}).Warn("feed stale, forcing reconnect")
		misses = 0
		if t := m.currentTransport(); t != nil {
			t.Close()
		}
	}
}

func (m *Machine) currentTransport() Transport {
	m.tmu.RLock()
	defer m.tmu.RUnlock()
	return m.transport
}
