// Package aio provides a kernel-readiness reactor variant of
// orbit.Selector's event source, for objects that need non-blocking
// socket readiness rather than pure timer wakeups (spec section 4.5,
// AIO variant). It is grounded on the gaio pattern observed in the
// pack: one epoll_wait-driven goroutine, a container/heap min-heap of
// absolute deadlines mirroring gaio's timedHeap, and posting of
// READ_READY/WRITE_READY/ERROR through Selector.PostEvent onto the
// owning Selector's ready FIFO. ipc.Talker does not use it: a Talker
// reads its socket from its own goroutine.
package aio

import (
	"container/heap"
	"time"

	"github.com/orbitframe/orbit"
)

// PostFunc posts ev for the object named by fullIndex onto its owning
// Selector. Satisfied by (*orbit.Selector).PostEvent.
type PostFunc func(fullIndex uint64, ev orbit.Event) bool

// deadline is one entry in the reactor's timeout heap.
type deadline struct {
	fd        int
	fullIndex uint64
	at        time.Time
	index     int // heap.Interface bookkeeping
}

type deadlineHeap []*deadline

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x interface{}) {
	d := x.(*deadline)
	d.index = len(*h)
	*h = append(*h, d)
}
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return d
}

// registration is what Register stores per file descriptor.
type registration struct {
	fd        int
	fullIndex uint64
	want      orbit.Event // EventReadReady and/or EventWriteReady
	deadline  *deadline   // nil if none set
}
