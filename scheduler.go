package orbit

import (
	"sync"

	"github.com/charmbracelet/log"
)

// Scheduler owns a pool of Selectors, each driven by its own goroutine,
// and decides which Selector a newly scheduled Object lands on (spec
// section 4.6, grounded on the worker-pool growth pattern the original
// implementation's scheduler.hpp uses: start at a floor, grow under
// load, never shrink below the floor while objects remain).
type Scheduler struct {
	log *log.Logger

	id      SchedulerID
	manager *Manager

	cfg SchedulerConfig

	mu        sync.Mutex
	selectors []*Selector
	wg        sync.WaitGroup
	stopped   bool
}

// SchedulerConfig controls pool sizing (spec section 4.6).
type SchedulerConfig struct {
	// MinWorkers is the number of Selectors started immediately and
	// never shut down while the Scheduler itself is running.
	MinWorkers int
	// MaxWorkers caps how many Selectors may be started under load. A
	// value <= MinWorkers disables growth.
	MaxWorkers int
	// SelectorCapacity is the slab capacity passed to each Selector.
	SelectorCapacity int
}

// NewScheduler creates a Scheduler registered against m, with cfg
// workers pre-started. The Selectors do not begin running until Start
// is called.
func NewScheduler(m *Manager, cfg SchedulerConfig) *Scheduler {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	s := &Scheduler{
		log:     newLogger("orbit/scheduler"),
		manager: m,
		cfg:     cfg,
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		s.addSelectorLocked()
	}
	s.id = m.RegisterScheduler(s)
	return s
}

// SetID records the id Manager assigned this scheduler.
func (s *Scheduler) SetID(id SchedulerID) { s.id = id }

func (s *Scheduler) addSelectorLocked() *Selector {
	sel := NewSelector(s.cfg.SelectorCapacity, 0, s.manager.MutexPool())
	idx := SchedulerID(len(s.selectors))
	sel.SetID(idx)
	sel.SetOnDestroy(func(id ObjectID) {
		s.manager.disassociate(id.FullIndex)
	})
	s.selectors = append(s.selectors, sel)
	return sel
}

// Start launches one goroutine per pre-started Selector.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sel := range s.selectors {
		sel := sel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sel.Run()
		}()
	}
	s.log.Infof("scheduler %d started with %d workers", s.id, len(s.selectors))
}

// Stop asks every Selector to drain and exit, then waits for their
// goroutines to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	sels := append([]*Selector(nil), s.selectors...)
	s.mu.Unlock()
	for _, sel := range sels {
		sel.RequestExit()
	}
	s.wg.Wait()
}

// Schedule implements spec section 4.6's placement algorithm: prefer
// the least-loaded existing Selector that is not full; only start a
// new Selector (up to MaxWorkers) when every existing one is at or
// above its capacity.
func (s *Scheduler) Schedule(obj Object, id ObjectID) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerFull
	}

	var best *Selector
	bestSize := -1
	for _, sel := range s.selectors {
		if sel.Full() {
			continue
		}
		if sz := sel.Size(); bestSize == -1 || sz < bestSize {
			best = sel
			bestSize = sz
		}
	}

	if best == nil {
		if len(s.selectors) >= s.cfg.MaxWorkers {
			s.mu.Unlock()
			return ErrSchedulerFull
		}
		best = s.addSelectorLocked()
		s.wg.Add(1)
		go func(sel *Selector) {
			defer s.wg.Done()
			sel.Run()
		}(best)
		s.log.Debugf("scheduler %d grew to %d workers", s.id, len(s.selectors))
	}
	s.mu.Unlock()

	if !best.Push(id, obj) {
		// Lost a race against another Schedule call; caller may retry.
		return ErrSchedulerFull
	}
	s.manager.associate(id.FullIndex, uint32(best.id), best.NotifyRaise)
	return nil
}

// Raise satisfies the schedulerHandle interface Manager expects when
// registering a Scheduler. Manager.Raise already routes a wakeup
// straight to the owning Selector's NotifyRaise via the association
// table built in Schedule, so this is the fallback path for a caller
// that only holds a Scheduler reference and not a Manager.
func (s *Scheduler) Raise(slotID uint64) error {
	s.manager.Raise(ObjectID{FullIndex: slotID})
	return nil
}

// WorkerCount returns the number of Selectors currently in the pool.
func (s *Scheduler) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.selectors)
}
