//go:build linux

package aio

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/orbitframe/orbit"
)

// Reactor is the Linux epoll-backed implementation. One goroutine
// calls Run, blocking in epoll_wait between batches; Register and
// Unregister may be called from any goroutine.
type Reactor struct {
	epfd int
	post PostFunc

	mu    sync.Mutex
	regs  map[int]*registration
	times deadlineHeap

	wakeR, wakeW int // self-pipe used to interrupt epoll_wait from Register/Close

	closeOnce sync.Once
	closed    chan struct{}
}

// NewReactor creates an epoll instance and wires post as the event
// sink (normally (*orbit.Selector).PostEvent).
func NewReactor(post PostFunc) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	r := &Reactor{
		epfd:   epfd,
		post:   post,
		regs:   make(map[int]*registration),
		wakeR:  fds[0],
		wakeW:  fds[1],
		closed: make(chan struct{}),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(r.wakeR),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(r.wakeR)
		unix.Close(r.wakeW)
		return nil, err
	}
	return r, nil
}

// Register arms fd for readiness on behalf of the object named by
// fullIndex. want is EventReadReady, EventWriteReady, or both OR'd
// together; deadlineAt is the zero time if no timeout is wanted.
// Level-triggered: chosen as the simpler, more forgiving semantics
// since the spec leaves edge/level unspecified.
func (r *Reactor) Register(fd int, fullIndex uint64, want orbit.Event, deadlineAt time.Time) error {
	var epEvents uint32
	if want&orbit.EventReadReady != 0 {
		epEvents |= unix.EPOLLIN
	}
	if want&orbit.EventWriteReady != 0 {
		epEvents |= unix.EPOLLOUT
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, exists := r.regs[fd]
	op := unix.EPOLL_CTL_ADD
	if exists {
		op = unix.EPOLL_CTL_MOD
		if reg.deadline != nil {
			heap.Remove(&r.times, reg.deadline.index)
			reg.deadline = nil
		}
	} else {
		reg = &registration{fd: fd, fullIndex: fullIndex}
		r.regs[fd] = reg
	}
	reg.want = want

	if !deadlineAt.IsZero() {
		d := &deadline{fd: fd, fullIndex: fullIndex, at: deadlineAt}
		heap.Push(&r.times, d)
		reg.deadline = d
	}

	if err := unix.EpollCtl(r.epfd, op, fd, &unix.EpollEvent{
		Events: epEvents,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}
	r.wake()
	return nil
}

// Unregister removes fd from the epoll set and cancels any pending
// deadline for it.
func (r *Reactor) Unregister(fd int) error {
	r.mu.Lock()
	reg, ok := r.regs[fd]
	if ok {
		if reg.deadline != nil {
			heap.Remove(&r.times, reg.deadline.index)
		}
		delete(r.regs, fd)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (r *Reactor) wake() {
	var b [1]byte
	_, _ = unix.Write(r.wakeW, b[:])
}

func (r *Reactor) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// nextTimeout returns how long Run should block in epoll_wait, in
// milliseconds, and fires any deadlines already in the past.
func (r *Reactor) nextTimeout(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.times) > 0 {
		d := r.times[0]
		if d.at.After(now) {
			ms := d.at.Sub(now).Milliseconds()
			if ms > 1000 {
				ms = 1000
			}
			return int(ms)
		}
		heap.Pop(&r.times)
		if reg, ok := r.regs[d.fd]; ok && reg.deadline == d {
			reg.deadline = nil
		}
		fullIndex := d.fullIndex
		r.mu.Unlock()
		r.post(fullIndex, orbit.EventTimeout)
		r.mu.Lock()
	}
	return 1000
}

// Run blocks processing epoll events and firing deadlines until Close
// is called.
func (r *Reactor) Run() {
	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-r.closed:
			return
		default:
		}

		timeoutMS := r.nextTimeout(time.Now())
		n, err := unix.EpollWait(r.epfd, events, timeoutMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == r.wakeR {
				r.drainWake()
				continue
			}
			r.mu.Lock()
			reg, ok := r.regs[fd]
			r.mu.Unlock()
			if !ok {
				continue
			}

			var posted orbit.Event
			if ev.Events&unix.EPOLLIN != 0 {
				posted |= orbit.EventReadReady
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				posted |= orbit.EventWriteReady
			}
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				posted |= orbit.EventError
			}
			if posted != 0 {
				r.post(reg.fullIndex, posted)
			}
		}
	}
}

// Close stops Run and releases the epoll fd and self-pipe.
func (r *Reactor) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.wake()
	})
	unix.Close(r.wakeR)
	unix.Close(r.wakeW)
	return unix.Close(r.epfd)
}
