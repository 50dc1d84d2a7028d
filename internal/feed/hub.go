// Package feed distributes canonical market updates from venue adapters
// to their consumers (store writer, health monitor).
package feed

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/meridian-markets/feedcore/internal/book"
)

// UpdatesProvider is satisfied by venue adapters that emit canonical
// book updates.
type UpdatesProvider interface {
	Updates() <-chan book.Update
}

// EventsProvider is satisfied by adapters that additionally emit
// first-seen market events.
type EventsProvider interface {
	Events() <-chan book.Event
}

// subKey identifies a filtered subscription by venue and ticker.
type subKey struct {
	Venue  string
	Ticker string
}

// Hub is a many-to-many fan-out: it ingests updates from any number of
// venue adapters and distributes them to filtered subscribers and a
// unified "all" stream. Sends never block; slow consumers lose messages
// rather than stalling the ingestion path.
type Hub struct {
	sources   []<-chan book.Update
	eventSrcs []<-chan book.Event

	mu   sync.RWMutex
	subs map[subKey][]chan book.Update

	allMu  sync.RWMutex
	allSub []chan book.Update

	evMu   sync.RWMutex
	evSubs []chan book.Event

	log *logrus.Entry
}

func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		subs: make(map[subKey][]chan book.Update),
		log:  log,
	}
}

// Register adds an adapter's update channel as a source. Must be called
// before Run.
func (h *Hub) Register(provider UpdatesProvider) {
	h.sources = append(h.sources, provider.Updates())
	if ep, ok := provider.(EventsProvider); ok {
		h.eventSrcs = append(h.eventSrcs, ep.Events())
	}
}

// Subscribe returns a buffered channel receiving updates for one market.
func (h *Hub) Subscribe(venue, ticker string) <-chan book.Update {
	ch := make(chan book.Update, 256)
	key := subKey{Venue: venue, Ticker: ticker}

	h.mu.Lock()
	h.subs[key] = append(h.subs[key], ch)
	h.mu.Unlock()
	return ch
}

// SubscribeAll returns a buffered channel receiving every update
// regardless of venue or market. Used by persistence and health checks.
func (h *Hub) SubscribeAll() <-chan book.Update {
	ch := make(chan book.Update, 512)

	h.allMu.Lock()
	h.allSub = append(h.allSub, ch)
	h.allMu.Unlock()
	return ch
}

// SubscribeEvents returns a buffered channel receiving first-seen market
// events from every registered adapter.
func (h *Hub) SubscribeEvents() <-chan book.Event {
	ch := make(chan book.Event, 64)

	h.evMu.Lock()
	h.evSubs = append(h.evSubs, ch)
	h.evMu.Unlock()
	return ch
}

// Run consumes from all registered sources and distributes messages until
// ctx is cancelled. Each source gets its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, src := range h.sources {
		wg.Add(1)
		go func(ch <-chan book.Update) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case update, ok := <-ch:
					if !ok {
						return
					}
					h.distribute(update)
				}
			}
		}(src)
	}

	for _, src := range h.eventSrcs {
		wg.Add(1)
		go func(ch <-chan book.Event) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					h.distributeEvent(ev)
				}
			}
		}(src)
	}

	wg.Wait()
}

func (h *Hub) distribute(update book.Update) {
	key := subKey{Venue: update.Venue, Ticker: update.Ticker}

	h.mu.RLock()
	for _, ch := range h.subs[key] {
		select {
		case ch <- update:
		default:
			if h.log != nil {
				h.log.WithFields(logrus.Fields{
					"venue":  update.Venue,
					"ticker": update.Ticker,
				}).Debug("dropping update for slow subscriber")
			}
		}
	}
	h.mu.RUnlock()

	h.allMu.RLock()
	for _, ch := range h.allSub {
		select {
		case ch <- update:
		default:
			// Slow unified subscriber, drop.
		}
	}
	h.allMu.RUnlock()
}

func (h *Hub) distributeEvent(ev book.Event) {
	h.evMu.RLock()
	defer h.evMu.RUnlock()
	for _, ch := range h.evSubs {
		select {
		case ch <- ev:
		default:
			// Event subscribers get a generous buffer; drops here mean a
			// consumer has stalled entirely.
		}
	}
}
