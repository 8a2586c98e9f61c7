//go:build linux

package aio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/orbitframe/orbit"
)

// TestReactorPostsReadReadyOnPipeWrite drives a real epoll instance
// through a pipe: registering the read end and writing to the write
// end must post EventReadReady for the registered fullIndex.
func TestReactorPostsReadReadyOnPipeWrite(t *testing.T) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))
	readFD, writeFD := fds[0], fds[1]
	defer unix.Close(readFD)
	defer unix.Close(writeFD)

	posted := make(chan orbit.Event, 1)
	r, err := NewReactor(func(fullIndex uint64, ev orbit.Event) bool {
		posted <- ev
		return true
	})
	require.NoError(t, err)
	defer r.Close()

	go r.Run()

	require.NoError(t, r.Register(readFD, 42, orbit.EventReadReady, time.Time{}))

	_, err = unix.Write(writeFD, []byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-posted:
		require.NotZero(t, ev&orbit.EventReadReady)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for read-ready event")
	}
}

// TestReactorFiresTimeoutWhenNoIOArrives covers the deadline path: a
// registration with a past deadline and no incoming I/O must still
// post EventTimeout.
func TestReactorFiresTimeoutWhenNoIOArrives(t *testing.T) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))
	readFD, writeFD := fds[0], fds[1]
	defer unix.Close(readFD)
	defer unix.Close(writeFD)

	posted := make(chan orbit.Event, 1)
	r, err := NewReactor(func(fullIndex uint64, ev orbit.Event) bool {
		posted <- ev
		return true
	})
	require.NoError(t, err)
	defer r.Close()

	go r.Run()

	require.NoError(t, r.Register(readFD, 7, orbit.EventReadReady, time.Now().Add(10*time.Millisecond)))

	select {
	case ev := <-posted:
		require.Equal(t, orbit.EventTimeout, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for timeout event")
	}
}

// TestReactorUnregisterStopsFurtherEvents covers Unregister: once a fd
// is removed, subsequent writes must not post further events for it.
func TestReactorUnregisterStopsFurtherEvents(t *testing.T) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))
	readFD, writeFD := fds[0], fds[1]
	defer unix.Close(readFD)
	defer unix.Close(writeFD)

	posted := make(chan orbit.Event, 4)
	r, err := NewReactor(func(fullIndex uint64, ev orbit.Event) bool {
		posted <- ev
		return true
	})
	require.NoError(t, err)
	defer r.Close()

	go r.Run()

	require.NoError(t, r.Register(readFD, 1, orbit.EventReadReady, time.Time{}))
	require.NoError(t, r.Unregister(readFD))

	_, err = unix.Write(writeFD, []byte("y"))
	require.NoError(t, err)

	select {
	case <-posted:
		t.Fatal("an unregistered fd must not post events")
	case <-time.After(200 * time.Millisecond):
	}
}
