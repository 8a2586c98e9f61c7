package orbit

import (
	"sync"

	"github.com/orbitframe/orbit/internal/mutexpool"
)

// ServiceID and SchedulerID are plain small unsigned integers assigned
// sequentially at registration time (spec section 3).
type ServiceID uint32
type SchedulerID uint32

type slot struct {
	obj    Object
	unique uint32
}

// Service is a typed container of Objects with stable indices,
// supporting insert/erase, targeted signaling, and broadcast iteration
// under bounded lock spans (spec section 4.3). A Service embeds Base,
// so it carries its own signal mask and message inbox, but it has no
// Execute method: it does not satisfy Object and is never placed in a
// Selector.
type Service struct {
	Base

	mu      sync.Mutex
	pool    *mutexpool.Pool
	id      ServiceID
	manager *Manager

	slots []slot
	free  []uint32 // stack of recycled indices
	count int

	empty *sync.Cond

	// onInsert is a type-specific hook a concrete embedder sets so it
	// may index newly inserted objects by type (spec section 4.3:
	// "dispatch a type-specific insert callback").
	onInsert func(obj Object, idx uint32)
}

// NewService creates an empty service backed by the given mutex pool.
func NewService(pool *mutexpool.Pool) *Service {
	s := &Service{Base: NewBase(), pool: pool}
	s.empty = sync.NewCond(&s.mu)
	return s
}

// SetID is called by Manager.RegisterService at registration time.
func (s *Service) SetID(id ServiceID) { s.id = id }

// ID returns the service's registration id.
func (s *Service) ID() ServiceID { return s.id }

// SetInsertHook installs the type-specific insert callback described
// in spec section 4.3.
func (s *Service) SetInsertHook(fn func(obj Object, idx uint32)) {
	s.onInsert = fn
}

func fullIndex(serviceID ServiceID, objectIndex uint32, serviceBits uint) uint64 {
	return (uint64(serviceID) << (64 - serviceBits)) | uint64(objectIndex)
}

func objectIndexOf(id ObjectID, serviceBits uint) uint32 {
	mask := (uint64(1) << (64 - serviceBits)) - 1
	return uint32(id.FullIndex & mask)
}

// ServiceIDOf extracts the service index packed into the high bits of
// an ObjectId's full_index (spec section 3).
func ServiceIDOf(id ObjectID, serviceBits uint) ServiceID {
	return ServiceID(id.FullIndex >> (64 - serviceBits))
}

// Insert allocates a slot for obj, assigning it a stable ObjectID.
// Held under the service mutex only; per-object mutation is governed
// separately by the mutex pool (spec section 4.3).
func (s *Service) Insert(obj Object, serviceBits uint) ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[idx].obj = obj
		s.slots[idx].unique++
	} else {
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, slot{obj: obj, unique: 1})
	}
	s.count++

	if s.onInsert != nil {
		s.onInsert(obj, idx)
	}

	return ObjectID{FullIndex: fullIndex(s.id, idx, serviceBits), Unique: s.slots[idx].unique}
}

// Erase removes the object named by id, clearing its slot, pushing the
// index to the free-stack, and bumping its unique generation so a
// stale id can never again collide with a live object (spec section 3,
// 4.3).
func (s *Service) Erase(id ObjectID, serviceBits uint) error {
	s.mu.Lock()
	idx := objectIndexOf(id, serviceBits)
	if int(idx) >= len(s.slots) || s.slots[idx].unique != id.Unique || s.slots[idx].obj == nil {
		s.mu.Unlock()
		return ErrStaleObjectID
	}
	s.slots[idx].obj = nil
	s.slots[idx].unique++
	s.free = append(s.free, idx)
	s.count--
	if s.count == 0 {
		s.empty.Broadcast()
	}
	s.mu.Unlock()
	return nil
}

// Count returns the number of live objects currently held.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// lookup returns the live object at id, or ErrStaleObjectID if the
// slot's current unique generation no longer matches. This is the
// heart of Testable Property 1 (slot reuse safety).
func (s *Service) lookup(id ObjectID, serviceBits uint) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := objectIndexOf(id, serviceBits)
	if int(idx) >= len(s.slots) {
		return nil, ErrStaleObjectID
	}
	sl := s.slots[idx]
	if sl.unique != id.Unique || sl.obj == nil {
		return nil, ErrStaleObjectID
	}
	return sl.obj, nil
}

// objectBase extracts the *Base embedded in an Object, if any. Objects
// that do not embed Base (e.g. a bare function-backed Object in tests)
// simply cannot be signaled this way and SignalMask/SignalMessage
// become no-ops returning wake=false.
func objectBase(obj Object) (*Base, bool) {
	b, ok := obj.(interface{ base() *Base })
	if !ok {
		return nil, false
	}
	return b.base(), true
}

// base implements the hidden accessor objectBase looks for. Embedding
// Base in a concrete Object type automatically satisfies this.
func (b *Base) base() *Base { return b }

// SignalMask locates the slot, verifies unique, locks the object's
// pool mutex, and calls obj.Signal(mask). Returns whether the caller
// must wake the object (i.e. must call Manager.Raise).
func (s *Service) SignalMask(id ObjectID, serviceBits uint, mask Event) (wake bool, err error) {
	obj, err := s.lookup(id, serviceBits)
	if err != nil {
		return false, err
	}
	base, ok := objectBase(obj)
	if !ok {
		return false, nil
	}
	m := s.pool.Mutex(id.FullIndex)
	m.Lock()
	wake = base.Signal(mask)
	m.Unlock()
	return wake, nil
}

// SignalMessage is the message-bearing analogue of SignalMask.
func (s *Service) SignalMessage(id ObjectID, serviceBits uint, msg interface{}) (wake bool, err error) {
	obj, err := s.lookup(id, serviceBits)
	if err != nil {
		return false, err
	}
	base, ok := objectBase(obj)
	if !ok {
		return false, nil
	}
	m := s.pool.Mutex(id.FullIndex)
	m.Lock()
	wake = base.SignalMessage(msg)
	m.Unlock()
	return wake, nil
}

// Broadcast delivers mask to every object live at the moment the
// iterator visits its slot (spec section 4.3, Testable Property 7). It
// is not atomic across the whole service: receivers may observe the
// signal at different times, but the mutex-pool grid is walked so that
// each slab's mutex is acquired exactly once. Returns the ObjectIDs
// that transitioned from unsignaled to signaled, so the caller can
// raise them.
func (s *Service) Broadcast(serviceBits uint, mask Event) []ObjectID {
	// Snapshot the slot table under the coarse service mutex, then
	// release it before touching any per-object mutex, honoring the
	// ordering rule in spec section 5 (service mutex acquired before,
	// never interleaved with, a per-object mutex).
	s.mu.Lock()
	snapshot := make([]slot, len(s.slots))
	copy(snapshot, s.slots)
	serviceID := s.id
	s.mu.Unlock()

	n := uint64(len(snapshot))
	var woken []ObjectID
	s.pool.VisitRange(0, n, func(_ *sync.Mutex, lo, hi uint64) {
		for idx := lo; idx < hi; idx++ {
			sl := snapshot[idx]
			if sl.obj == nil {
				continue
			}
			base, ok := objectBase(sl.obj)
			if !ok {
				continue
			}
			if base.Signal(mask) {
				woken = append(woken, ObjectID{
					FullIndex: fullIndex(serviceID, uint32(idx), serviceBits),
					Unique:    sl.unique,
				})
			}
		}
	})
	return woken
}

// BroadcastMessage is the message-bearing analogue of Broadcast.
func (s *Service) BroadcastMessage(serviceBits uint, msg interface{}) []ObjectID {
	s.mu.Lock()
	snapshot := make([]slot, len(s.slots))
	copy(snapshot, s.slots)
	serviceID := s.id
	s.mu.Unlock()

	n := uint64(len(snapshot))
	var woken []ObjectID
	s.pool.VisitRange(0, n, func(_ *sync.Mutex, lo, hi uint64) {
		for idx := lo; idx < hi; idx++ {
			sl := snapshot[idx]
			if sl.obj == nil {
				continue
			}
			base, ok := objectBase(sl.obj)
			if !ok {
				continue
			}
			if base.SignalMessage(msg) {
				woken = append(woken, ObjectID{
					FullIndex: fullIndex(serviceID, uint32(idx), serviceBits),
					Unique:    sl.unique,
				})
			}
		}
	})
	return woken
}

// Wait blocks until the object count reaches zero. Service has no Stop
// method; callers invoke Wait directly.
func (s *Service) Wait() {
	s.mu.Lock()
	for s.count != 0 {
		s.empty.Wait()
	}
	s.mu.Unlock()
}
