package orbit

import (
	"gopkg.in/eapache/channels.v1"
)

// Event is the bitset passed to Execute and OR'd into an object's raised
// signal mask (spec §4.2).
type Event uint32

const (
	EventRaise Event = 1 << iota
	EventTimeout
	EventReadReady
	EventWriteReady
	EventError
	EventInDone
	EventOutDone
	EventTimeoutRecv
	EventTimeoutSend
	EventReschedule
)

// ExecuteResult is the sum type Execute returns in place of the
// source's int return codes (spec §9: "model as an explicit sum type
// ... not as exceptions").
type ExecuteResult uint8

const (
	// ResultDone asks the Selector to destroy the object.
	ResultDone ExecuteResult = iota
	// ResultReschedule asks to run again immediately, deferred to the
	// next tick to avoid livelock (spec §4.5 step 4).
	ResultReschedule
	// ResultWait parks the object until it is next signaled.
	ResultWait
	// ResultWaitUntil parks the object until Timeout (set by Execute)
	// or until signaled, whichever comes first.
	ResultWaitUntil
	// ResultLeave detaches the object from its Selector without
	// destroying it — ownership has moved elsewhere.
	ResultLeave
)

// ObjectID is the only stable handle user code holds across a
// scheduler tick (spec §6.3); raw object pointers are never exported.
type ObjectID struct {
	FullIndex uint64
	Unique    uint32
}

// IsZero reports whether id is the zero value (never a valid id, since
// a real FullIndex is assigned at insert time).
func (id ObjectID) IsZero() bool {
	return id.FullIndex == 0 && id.Unique == 0
}

// SignalUID identifies a signal awaiting a response within a session's
// send-side table (spec §3).
type SignalUID struct {
	Idx uint32
	Uid uint32
}

// Timeout carries an in/out absolute deadline through Execute, nil
// meaning "no deadline requested".
type Timeout struct {
	At int64 // UnixNano; zero means unset
}

// Object is the interface a pseudo-active entity implements (spec
// §4.2). It has state, a signal bitmask, a notification inbox, and a
// single Execute step; it does not own a thread — a Selector drives it.
type Object interface {
	// Execute is invoked by a Selector with the accumulated event set
	// since the last call and the current deadline (which Execute may
	// update in place before returning ResultWaitUntil).
	Execute(events Event, timeout *Timeout) ExecuteResult
}

// Base is an embeddable struct implementing the bookkeeping every
// Object needs: the signal mask, the heterogeneous notification inbox,
// and the use-count convention described in spec §9 (the refcount
// itself is a plain atomic once wrapped in Go's GC-backed shared
// ownership, so Base does not need to track it explicitly — Go object
// lifetime is refcounted by the runtime, not by hand).
//
// Base carries no mutex of its own. Per spec §4.1/§4.2, "each Object
// has exactly one protecting mutex obtained from the mutex pool"; a
// second, object-private mutex would defeat the pool's reason for
// existing (bounded mutex count, not one per object). Every method
// below that touches signalMask or state must be called with that
// object's pool mutex already held by the caller — Service.SignalMask,
// Service.SignalMessage, Service.Broadcast and Selector's own
// notification path all do this via mutexpool.Pool.Mutex(fullIndex).
type Base struct {
	signalMask Event
	inbox      channels.Channel // unbounded FIFO of heterogeneous messages; safe without the pool mutex
	state      int32
}

// NewBase constructs a Base with an empty inbox. State starts at 0;
// a negative state means "please destroy on next execute return"
// (spec §3).
func NewBase() Base {
	return Base{inbox: channels.NewInfiniteChannel()}
}

// State returns the object's user-defined state cursor. Caller must
// hold the object's pool mutex.
func (b *Base) State() int32 {
	return b.state
}

// SetState sets the user-defined state cursor. A negative value marks
// the object for destruction on the next Execute return. Caller must
// hold the object's pool mutex.
func (b *Base) SetState(s int32) {
	b.state = s
}

// ShouldDestroy reports whether State() is negative. Caller must hold
// the object's pool mutex.
func (b *Base) ShouldDestroy() bool {
	return b.State() < 0
}

// Signal ORs mask into the raised signal mask. Caller must hold the
// object's pool mutex (spec §4.2); returns true iff the mask
// transitioned from zero to nonzero, meaning the owning Selector must
// be woken.
func (b *Base) Signal(mask Event) bool {
	was := b.signalMask
	b.signalMask |= mask
	return was == 0 && b.signalMask != 0
}

// TakeSignalMask atomically reads and clears the accumulated signal
// mask, returning the value observed. Called by the Selector right
// before Execute, with the object's pool mutex held, so a signal
// raised during Execute itself is not lost (it reaccumulates for the
// following tick).
func (b *Base) TakeSignalMask() Event {
	m := b.signalMask
	b.signalMask = 0
	return m
}

// Raised reports whether any bit is currently set without clearing it.
// Caller must hold the object's pool mutex.
func (b *Base) Raised() bool {
	return b.signalMask != 0
}

// SignalMessage enqueues a heterogeneous notification and raises
// EventRaise so the owning Selector executes the object. Returns true —
// a message always wakes the object, matching spec §4.2 ("enqueue a
// dynamically-typed notification; returns true if the object should be
// woken"). Caller must hold the object's pool mutex.
func (b *Base) SignalMessage(msg interface{}) bool {
	b.inbox.In() <- msg
	b.signalMask |= EventRaise
	return true
}

// DrainMessages delivers every currently-queued message to fn, in
// arrival order (spec §5: "delivered in the order of arrival at the
// object's service"), without blocking on new arrivals.
func (b *Base) DrainMessages(fn func(interface{})) {
	out := b.inbox.Out()
	for {
		select {
		case msg, ok := <-out:
			if !ok {
				return
			}
			fn(msg)
		default:
			return
		}
	}
}

// PendingMessages reports the number of messages currently queued.
func (b *Base) PendingMessages() int {
	return b.inbox.Len()
}
