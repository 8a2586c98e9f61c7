//go:build !linux

package aio

import (
	"errors"
	"time"

	"github.com/orbitframe/orbit"
)

// ErrUnsupported is returned by NewReactor on platforms without an
// epoll-backed implementation. Embedders on these platforms should use
// orbit.Selector's portable timer-only variant instead (spec section
// 4.5: "falling back to the portable timer-only Selector elsewhere").
var ErrUnsupported = errors.New("aio: epoll reactor not available on this platform")

// Reactor is a non-functional stand-in on non-Linux platforms, present
// so code can reference the type behind a build tag without a second
// set of conditional imports.
type Reactor struct{}

func NewReactor(post PostFunc) (*Reactor, error) {
	return nil, ErrUnsupported
}

func (r *Reactor) Register(fd int, fullIndex uint64, want orbit.Event, deadlineAt time.Time) error {
	return ErrUnsupported
}

func (r *Reactor) Unregister(fd int) error { return ErrUnsupported }

func (r *Reactor) Run() {}

func (r *Reactor) Close() error { return nil }
