package orbit

import (
	"sync"
	"sync/atomic"

	"github.com/orbitframe/orbit/internal/mutexpool"
)

// schedulerHandle is what a Scheduler registration gives the Manager:
// enough to hand it newly inserted objects without the Manager needing
// to know the Scheduler's concrete type (breaks the Manager<->Scheduler
// cycle per spec section 9: "directional ownership... index a slot
// vector").
type schedulerHandle interface {
	Schedule(obj Object, id ObjectID) error
	Raise(slotID uint64) error
}

// Manager is the process-wide registry of Services and Schedulers
// (spec section 4.4). It routes signals by ObjectId and owns the
// thread-association handshake that lets leaf code reach Manager.The()
// without threading a context through every call.
type Manager struct {
	cfg  Config
	pool *mutexpool.Pool
	log  interface {
		Errorf(string, ...interface{})
		Debugf(string, ...interface{})
	}

	mu         sync.RWMutex
	services   []*Service
	schedulers []schedulerHandle

	// selectorOf maps a registered object's full_index to the selector
	// id it currently lives on, so Raise can route a wakeup without a
	// round trip through the owning Service.
	selectorOf map[uint64]uint32
	raiseFuncs map[uint32]func(slotID uint64)
}

// New creates a Manager with the given configuration, building the
// mutex pool from it (spec section 4.1 defaults).
func New(cfg Config) *Manager {
	return &Manager{
		cfg:        cfg,
		pool:       mutexpool.New(cfg.MutexRowsBits, cfg.MutexColsBits, cfg.ObjectsPerMutexBits),
		log:        newLogger("orbit/manager"),
		selectorOf: make(map[uint64]uint32),
		raiseFuncs: make(map[uint32]func(slotID uint64)),
	}
}

// Config returns the Manager's configuration.
func (m *Manager) Config() Config { return m.cfg }

// MutexPool exposes the shared mutex pool, e.g. so a Service can be
// constructed independently and later registered.
func (m *Manager) MutexPool() *mutexpool.Pool { return m.pool }

// RegisterService assigns a ServiceID and stores svc in the registry.
func (m *Manager) RegisterService(svc *Service) ServiceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := ServiceID(len(m.services))
	svc.SetID(id)
	svc.manager = m
	m.services = append(m.services, svc)
	return id
}

// RegisterScheduler assigns a SchedulerID and stores sched in the
// registry, so a future process-wide operation (e.g. shutdown) can
// reach every Scheduler without the caller threading references
// through separately.
func (m *Manager) RegisterScheduler(sched schedulerHandle) SchedulerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := SchedulerID(len(m.schedulers))
	m.schedulers = append(m.schedulers, sched)
	return id
}

// Service returns the registered service for id, or nil.
func (m *Manager) Service(id ServiceID) *Service {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if int(id) >= len(m.services) {
		return nil
	}
	return m.services[id]
}

// Signal routes a mask-bearing signal to the object named by id,
// raising it on its selector if needed. Returns ErrUnknownService if
// the target service id does not exist (spec section 4.4: "returns
// silently false" — modeled here as a typed error the caller may
// choose to ignore).
func (m *Manager) Signal(id ObjectID, mask Event) error {
	svc := m.Service(ServiceIDOf(id, m.cfg.ServiceBits))
	if svc == nil {
		return ErrUnknownService
	}
	wake, err := svc.SignalMask(id, m.cfg.ServiceBits, mask)
	if err != nil {
		return err
	}
	if wake {
		m.Raise(id)
	}
	return nil
}

// SignalMessage routes a message-bearing notification to the object
// named by id.
func (m *Manager) SignalMessage(id ObjectID, msg interface{}) error {
	svc := m.Service(ServiceIDOf(id, m.cfg.ServiceBits))
	if svc == nil {
		return ErrUnknownService
	}
	wake, err := svc.SignalMessage(id, m.cfg.ServiceBits, msg)
	if err != nil {
		return err
	}
	if wake {
		m.Raise(id)
	}
	return nil
}

// associate records which selector currently owns id.FullIndex, and
// the raise callback for that selector id. Called by a Scheduler right
// after it places an object (spec section 4.6).
func (m *Manager) associate(fullIndex uint64, selectorID uint32, raise func(slotID uint64)) {
	m.mu.Lock()
	m.selectorOf[fullIndex] = selectorID
	m.raiseFuncs[selectorID] = raise
	m.mu.Unlock()
}

func (m *Manager) disassociate(fullIndex uint64) {
	m.mu.Lock()
	delete(m.selectorOf, fullIndex)
	m.mu.Unlock()
}

// Raise enqueues a wakeup on the selector that owns id's object. Must
// be cheap and lock-free with respect to other objects on other
// selectors (spec section 4.4): the only contention here is a short
// read lock over a map lookup, then a handoff to the selector's own
// (already lock-free) wake mechanism.
func (m *Manager) Raise(id ObjectID) {
	m.mu.RLock()
	selID, ok := m.selectorOf[id.FullIndex]
	var fn func(uint64)
	if ok {
		fn = m.raiseFuncs[selID]
	}
	m.mu.RUnlock()
	if fn != nil {
		fn(id.FullIndex)
	}
}

// --- thread (goroutine) association -----------------------------------
//
// Go has no first-class goroutine-local storage. Execute receives only
// its event set and timeout; no execution context or Manager is passed
// to it. The() below is the accessor for code that needs the Manager,
// backed by a single process-wide pointer rather than per-goroutine
// state — spec section 4.4 describes the Manager itself as
// process-wide singleton state.

var theManager atomic.Pointer[Manager]

// PrepareThread installs m as the process Manager. Called once from
// main before starting any Scheduler (mirrors the teacher's
// single-process assumption; see spec section 4.4 "Contract: any code
// accessing Manager.the() must run on a thread that has called
// prepare_thread").
func PrepareThread(m *Manager) {
	theManager.Store(m)
}

// The returns the process Manager installed by PrepareThread, or
// ErrNotOnManagedThread if none was ever installed.
func The() (*Manager, error) {
	m := theManager.Load()
	if m == nil {
		return nil, ErrNotOnManagedThread
	}
	return m, nil
}
