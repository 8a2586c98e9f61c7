// Package mutexpool implements the two-level mutex grid described in
// spec section 4.1: a fixed number of mutexes, each protecting a
// contiguous slab of object indices, so per-object synchronization is
// truly parallel without paying for one mutex per object.
package mutexpool

import "sync"

// Pool is a fixed-size two-level table of mutexes. Index (index >>
// objectsPerMutexBits) selects the mutex that protects a contiguous
// slab of objectsPerMutex indices.
type Pool struct {
	rowsBits, colsBits uint
	objsPerMutexBits   uint
	mutexes            []sync.Mutex
}

// New builds a pool with 1<<(rowsBits+colsBits) mutexes, each covering
// 1<<objsPerMutexBits object indices.
func New(rowsBits, colsBits, objsPerMutexBits uint) *Pool {
	n := 1 << (rowsBits + colsBits)
	return &Pool{
		rowsBits:         rowsBits,
		colsBits:         colsBits,
		objsPerMutexBits: objsPerMutexBits,
		mutexes:          make([]sync.Mutex, n),
	}
}

// Count returns the number of mutexes in the pool.
func (p *Pool) Count() int { return len(p.mutexes) }

func (p *Pool) slot(index uint64) uint64 {
	return (index >> p.objsPerMutexBits) % uint64(len(p.mutexes))
}

// Mutex returns the mutex protecting the slab containing index.
func (p *Pool) Mutex(index uint64) *sync.Mutex {
	return &p.mutexes[p.slot(index)]
}

// ObjectsPerMutex returns how many contiguous object indices share one
// mutex.
func (p *Pool) ObjectsPerMutex() uint64 {
	return 1 << p.objsPerMutexBits
}

// SlabFor returns the half-open index range [lo, hi) of the slab that
// index belongs to: the contiguous run of indices protected by the
// same mutex.
func (p *Pool) SlabFor(index uint64) (lo, hi uint64) {
	per := p.ObjectsPerMutex()
	lo = (index / per) * per
	return lo, lo + per
}

// VisitRange locks, in ascending order, each distinct mutex slab
// overlapping the half-open index range [lo, hi), calling fn once per
// slab with the mutex held and the slab's own bounds clipped to
// [lo, hi). This is what lets Service.Broadcast amortize lock cost:
// one lock/unlock per contiguous run of objects sharing a mutex,
// rather than one per object (spec section 4.1, 4.3).
func (p *Pool) VisitRange(lo, hi uint64, fn func(m *sync.Mutex, slabLo, slabHi uint64)) {
	for idx := lo; idx < hi; {
		slabLo, slabHi := p.SlabFor(idx)
		if slabHi > hi {
			slabHi = hi
		}
		m := p.Mutex(idx)
		m.Lock()
		fn(m, slabLo, slabHi)
		m.Unlock()
		idx = slabHi
	}
}
