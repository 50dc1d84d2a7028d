package conn

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager owns one Machine per venue. It starts each machine's Run loop,
// surfaces terminal failures through the shared log, and tears every
// session down on shutdown.
type Manager struct {
	log *logrus.Entry

	mu       sync.Mutex
	machines map[string]*session
	wg       sync.WaitGroup
}

type session struct {
	machine *Machine
	cancel  context.CancelFunc
}

func NewManager(log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		log:      log,
		machines: make(map[string]*session),
	}
}

// Open creates and starts the machine for a venue. An existing session
// for the same venue is closed first.
func (mgr *Manager) Open(ctx context.Context, cfg Config) (*Machine, error) {
	if cfg.Venue == "" {
		return nil, fmt.Errorf("conn: venue name required")
	}
	if cfg.Dial == nil || cfg.SubscribeFrame == nil {
		return nil, fmt.Errorf("conn: %s: dial and subscribe frame required", cfg.Venue)
	}

	mgr.mu.Lock()
	if existing, ok := mgr.machines[cfg.Venue]; ok {
		existing.cancel()
		delete(mgr.machines, cfg.Venue)
	}
	mgr.mu.Unlock()

	machine := NewMachine(cfg)
	runCtx, cancel := context.WithCancel(ctx)

	mgr.mu.Lock()
	mgr.machines[cfg.Venue] = &session{machine: machine, cancel: cancel}
	mgr.mu.Unlock()

	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()
		if err := machine.Run(runCtx); err != nil {
			mgr.log.WithError(err).WithField("venue", cfg.Venue).
				Error("connection terminated")
		}
	}()
	return machine, nil
}

// Get returns the machine for a venue, or nil.
func (mgr *Manager) Get(venue string) *Machine {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if s, ok := mgr.machines[venue]; ok {
		return s.machine
	}
	return nil
}

// Close stops the session for one venue and removes its state.
func (mgr *Manager) Close(venue string) {
	mgr.mu.Lock()
	s, ok := mgr.machines[venue]
	if ok {
		delete(mgr.machines, venue)
	}
	mgr.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// CloseAll stops every session and waits for the run loops to exit.
func (mgr *Manager) CloseAll() {
	mgr.mu.Lock()
	sessions := mgr.machines
	mgr.machines = make(map[string]*session)
	mgr.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
	mgr.wg.Wait()
}
