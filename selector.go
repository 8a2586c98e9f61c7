package orbit

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/orbitframe/orbit/internal/mutexpool"
)

// selSlot is one entry in a Selector's slab (spec section 4.5): a
// strong reference to an Object, its absolute deadline, and any
// events accumulated for it since the last Execute (e.g. READ_READY
// posted by an AIO reactor).
type selSlot struct {
	id       ObjectID
	obj      Object
	deadline time.Time // zero value means "no deadline" (WAIT forever)
	pending  Event
	inReady  bool
}

// Selector is a single-threaded reactor: a timer-ordered slab of
// objects, a wake mechanism, and a ready FIFO, repeatedly invoking
// Execute on ready objects (spec section 4.5). One Selector is driven
// by exactly one OS thread (one goroutine calling Run, parked on
// blocking I/O-free waits only).
type Selector struct {
	log *log.Logger

	id SchedulerID // selector's own small id, assigned by its Scheduler

	pool *mutexpool.Pool // grid a Base's signal mask/state live under (spec section 4.1)

	capacity int

	mu         sync.Mutex // protects slots/free/fullIdxIdx/size
	slots      []selSlot
	free       []uint32
	size       int
	fullIdxIdx map[uint64]uint32

	notifyMu sync.Mutex
	notify   []uint32 // slot indices raised since last tick
	exit     bool

	readyMu sync.Mutex
	ready   []uint32

	wake chan struct{}

	fullScanInterval time.Duration
	nextScan         time.Time

	onDestroy func(id ObjectID)
}

// NewSelector creates a Selector with the given slab capacity and full
// scan interval (spec section 4.5 says "no more often than every 60s";
// pass 0 to use that default). pool is the mutex pool the Selector
// locks by FullIndex whenever it touches a Base's signal mask (spec
// section 4.1: "each Object has exactly one protecting mutex obtained
// from the mutex pool").
func NewSelector(capacity int, fullScanInterval time.Duration, pool *mutexpool.Pool) *Selector {
	if fullScanInterval <= 0 {
		fullScanInterval = 60 * time.Second
	}
	if pool == nil {
		pool = mutexpool.New(0, 0, 0)
	}
	return &Selector{
		log:              newLogger("orbit/selector"),
		pool:             pool,
		capacity:         capacity,
		fullIdxIdx:       make(map[uint64]uint32),
		wake:             make(chan struct{}, 1),
		fullScanInterval: fullScanInterval,
		nextScan:         time.Now().Add(fullScanInterval),
	}
}

// SetID records the selector's small id, used by Manager.associate for
// routing (spec section 4.4).
func (s *Selector) SetID(id SchedulerID) { s.id = id }

// SetOnDestroy installs a callback invoked whenever an object's
// Execute returns ResultDone, after the slot has been cleared.
func (s *Selector) SetOnDestroy(fn func(id ObjectID)) { s.onDestroy = fn }

// Size returns the number of objects currently held.
func (s *Selector) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Full reports whether the selector is at capacity.
func (s *Selector) Full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size >= s.capacity
}

// Push inserts obj (already assigned id) into a free slab slot. Returns
// false if the selector is at capacity.
func (s *Selector) Push(id ObjectID, obj Object) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size >= s.capacity {
		return false
	}
	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, selSlot{})
	}
	s.slots[idx] = selSlot{id: id, obj: obj}
	s.fullIdxIdx[id.FullIndex] = idx
	s.size++
	s.pushReadyLocked(idx)
	s.wakeUp()
	return true
}

// pushReadyLocked enqueues idx on the ready FIFO, guarding against
// duplicate entries. The caller need not hold s.mu; the ready FIFO has
// its own mutex, acquired here.
func (s *Selector) pushReadyLocked(idx uint32) {
	s.readyMu.Lock()
	if !s.slots[idx].inReady {
		s.slots[idx].inReady = true
		s.ready = append(s.ready, idx)
	}
	s.readyMu.Unlock()
}

// NotifyRaise is the cross-thread entry point: called (possibly from
// any goroutine, typically via Manager.Raise) to report that the
// object identified by fullIndex has a freshly raised signal mask.
// Cheap and does not touch the slab directly — it only records the
// full_index and wakes the loop, matching spec section 4.4's "one
// write() on the selector's wake pipe or equivalent".
func (s *Selector) NotifyRaise(fullIndex uint64) {
	s.mu.Lock()
	idx, ok := s.fullIdxIdx[fullIndex]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.notifyMu.Lock()
	s.notify = append(s.notify, idx)
	s.notifyMu.Unlock()
	s.wakeUp()
}

// PostEvent ORs ev into the pending event bits of the object named by
// fullIndex and pushes it onto the ready FIFO. This is the hook an AIO
// reactor (orbit/aio) uses to post READ_READY/WRITE_READY/ERROR onto
// the same notification path the portable selector drains every tick
// (spec section 4.5, AIO variant). Returns false if fullIndex no
// longer names a live slot — the caller should simply drop the event.
func (s *Selector) PostEvent(fullIndex uint64, ev Event) bool {
	s.mu.Lock()
	idx, ok := s.fullIdxIdx[fullIndex]
	if ok {
		s.slots[idx].pending |= ev
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.pushReadyLocked(idx)
	s.wakeUp()
	return true
}

func (s *Selector) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RequestExit asks the loop to terminate once its slab empties.
func (s *Selector) RequestExit() {
	s.notifyMu.Lock()
	s.exit = true
	s.notifyMu.Unlock()
	s.wakeUp()
}

// raised reports whether the object at idx currently has a nonzero
// signal mask, locking that object's pool mutex for the duration of
// the check (spec section 4.1: a Base's signal mask may only be read
// or mutated with its pool mutex held).
func (s *Selector) raised(idx uint32) bool {
	s.mu.Lock()
	sl := s.slots[idx]
	s.mu.Unlock()
	if sl.obj == nil {
		return false
	}
	base, ok := objectBase(sl.obj)
	if !ok {
		return false
	}
	m := s.pool.Mutex(sl.id.FullIndex)
	m.Lock()
	defer m.Unlock()
	return base.Raised()
}

// drainNotifications implements spec section 4.5 step 2: under mutex,
// drain the notification list; for each valid slot whose object still
// has RAISE set and is not already in the ready FIFO, push the slot.
func (s *Selector) drainNotifications() (exitRequested bool) {
	s.notifyMu.Lock()
	batch := s.notify
	s.notify = nil
	exitRequested = s.exit
	s.notifyMu.Unlock()

	for _, idx := range batch {
		if s.raised(idx) {
			s.pushReadyLocked(idx)
		}
	}
	return exitRequested
}

// fullScan implements spec section 4.5 step 3: walk every slot,
// pushing those whose deadline has passed (with TIMEOUT) or whose
// RAISE is asserted, and recomputes the earliest next deadline.
func (s *Selector) fullScan() time.Time {
	now := time.Now()
	var next time.Time

	s.mu.Lock()
	n := len(s.slots)
	s.mu.Unlock()

	for idx := 0; idx < n; idx++ {
		s.mu.Lock()
		sl := s.slots[idx]
		live := sl.obj != nil
		s.mu.Unlock()
		if !live {
			continue
		}
		timedOut := !sl.deadline.IsZero() && !now.Before(sl.deadline)
		raised := s.raised(uint32(idx))
		if timedOut {
			s.mu.Lock()
			s.slots[idx].pending |= EventTimeout
			s.mu.Unlock()
			s.pushReadyLocked(uint32(idx))
		} else if raised {
			s.pushReadyLocked(uint32(idx))
		} else if !sl.deadline.IsZero() {
			if next.IsZero() || sl.deadline.Before(next) {
				next = sl.deadline
			}
		}
	}
	return next
}

func (s *Selector) takeReadyBatch() []uint32 {
	s.readyMu.Lock()
	batch := s.ready
	s.ready = nil
	for _, idx := range batch {
		s.slots[idx].inReady = false
	}
	s.readyMu.Unlock()
	return batch
}

// executeSlot implements spec section 4.5 step 5.
func (s *Selector) executeSlot(idx uint32) {
	s.mu.Lock()
	sl := s.slots[idx]
	s.mu.Unlock()
	if sl.obj == nil {
		return
	}

	ev := sl.pending
	if base, ok := objectBase(sl.obj); ok {
		m := s.pool.Mutex(sl.id.FullIndex)
		m.Lock()
		ev |= base.TakeSignalMask()
		m.Unlock()
	}

	var timeout Timeout
	if !sl.deadline.IsZero() {
		timeout.At = sl.deadline.UnixNano()
	}

	result := sl.obj.Execute(ev, &timeout)

	s.mu.Lock()
	s.slots[idx].pending = 0
	switch result {
	case ResultDone:
		id := s.slots[idx].id
		delete(s.fullIdxIdx, id.FullIndex)
		s.slots[idx] = selSlot{}
		s.free = append(s.free, idx)
		s.size--
		s.mu.Unlock()
		if s.onDestroy != nil {
			s.onDestroy(id)
		}
		return
	case ResultReschedule:
		s.slots[idx].deadline = time.Time{}
		s.mu.Unlock()
		s.pushReadyLocked(idx)
		return
	case ResultWait:
		s.slots[idx].deadline = time.Time{}
		s.mu.Unlock()
		return
	case ResultWaitUntil:
		s.slots[idx].deadline = time.Unix(0, timeout.At)
		s.setNextTimeout(s.slots[idx].deadline)
		s.mu.Unlock()
		return
	case ResultLeave:
		id := s.slots[idx].id
		delete(s.fullIdxIdx, id.FullIndex)
		s.slots[idx] = selSlot{}
		s.free = append(s.free, idx)
		s.size--
		s.mu.Unlock()
		return
	default:
		s.mu.Unlock()
	}
}

// Run is the selector's main loop (spec section 4.5), repeated until
// the slab empties and exit was requested.
func (s *Selector) Run() {
	for {
		s.readyMu.Lock()
		readyNonEmpty := len(s.ready) > 0
		s.readyMu.Unlock()

		now := time.Now()
		scanDue := !now.Before(s.nextScan)

		if !readyNonEmpty && !scanDue {
			wait := s.fullScanInterval
			if w := s.earliestWait(now); w < wait {
				wait = w
			}
			if wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-s.wake:
				case <-t.C:
				}
				t.Stop()
			}
		}

		exitRequested := s.drainNotifications()

		now = time.Now()
		if !now.Before(s.nextScan) {
			next := s.fullScan()
			s.nextScan = now.Add(s.fullScanInterval)
			s.setNextTimeout(next)
		}

		batch := s.takeReadyBatch()
		for _, idx := range batch {
			s.executeSlot(idx)
		}

		if exitRequested && s.Size() == 0 {
			s.log.Debug("selector drained, exiting run loop")
			return
		}
	}
}

func (s *Selector) earliestWait(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.obj == nil || sl.deadline.IsZero() {
			continue
		}
		if earliest.IsZero() || sl.deadline.Before(earliest) {
			earliest = sl.deadline
		}
	}
	if earliest.IsZero() {
		return s.fullScanInterval
	}
	d := earliest.Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

// setNextTimeout pulls the next full scan forward to t when t is
// earlier (spec section 4.5's next_timeout bookkeeping), so a passed
// ResultWaitUntil deadline is delivered as EventTimeout by the next
// full scan instead of waiting out the whole scan interval.
func (s *Selector) setNextTimeout(t time.Time) {
	if !t.IsZero() && t.Before(s.nextScan) {
		s.nextScan = t
	}
}
