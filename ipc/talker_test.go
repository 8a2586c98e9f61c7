package ipc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newLoopbackTalker(t *testing.T) *Talker {
	t.Helper()
	cfg := DefaultConfig()
	talk, err := NewTalker(cfg, NewDefaultController(cfg), "127.0.0.1:0")
	require.NoError(t, err)
	talk.Start()
	t.Cleanup(talk.Stop)
	return talk
}

// TestTalkerEndToEndDelivery drives two real Talkers over loopback UDP
// and checks that a signal sent from one reaches the other's deliver
// callback (spec section 8's "end-to-end delivery" scenario).
func TestTalkerEndToEndDelivery(t *testing.T) {
	a := newLoopbackTalker(t)
	b := newLoopbackTalker(t)

	received := make(chan []byte, 1)
	b.SetDeliverFunc(func(peer *net.UDPAddr, payload []byte) {
		received <- append([]byte(nil), payload...)
	})

	a.EnqueueSignal(b.LocalAddr(), []byte("hello over loopback"), SignalOptions{})

	select {
	case got := <-received:
		require.Equal(t, []byte("hello over loopback"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

// TestTalkerSessionCountTracksPeers covers the sessions_per_talker
// admission bookkeeping (spec section 4.9): each distinct peer adds one
// session to the talker that owns it.
func TestTalkerSessionCountTracksPeers(t *testing.T) {
	a := newLoopbackTalker(t)
	b := newLoopbackTalker(t)
	c := newLoopbackTalker(t)

	require.Equal(t, 0, a.SessionCount())
	a.EnqueueSignal(b.LocalAddr(), []byte("x"), SignalOptions{})
	a.EnqueueSignal(c.LocalAddr(), []byte("y"), SignalOptions{})
	require.Equal(t, 2, a.SessionCount())
}

// TestTalkerRetransmitsUnackedData covers Testable Property 6 end to
// end: when the peer never answers, the sender's Connecting buffer in
// window slot 0 stays occupied and is retransmitted rather than the
// signal being silently dropped.
func TestTalkerRetransmitsUnackedData(t *testing.T) {
	cfg := DefaultConfig()
	a, err := NewTalker(cfg, NewDefaultController(cfg), "127.0.0.1:0")
	require.NoError(t, err)
	a.Start()
	t.Cleanup(a.Stop)

	// A silent peer address: nothing listens there, so datagrams are
	// never acked and the session must keep retransmitting.
	silent, err := net.ResolveUDPAddr("udp", "127.0.0.1:1")
	require.NoError(t, err)

	a.EnqueueSignal(silent, []byte("never acked"), SignalOptions{})

	a.mu.Lock()
	_, hasSession := a.sessions[silent.String()]
	a.mu.Unlock()
	require.True(t, hasSession)

	// RetryDelay(0) is 200ms, so the first retransmit is due well
	// inside the wait below.
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		sess := a.sessions[silent.String()]
		return sess != nil && sess.window[0].resendCount > 0
	}, 5*time.Second, 50*time.Millisecond, "the unacknowledged handshake buffer must be retransmitted")
}

// TestTalkerStopJoinsReadAndTickGoroutines covers the halt.Worker
// contract Talker relies on: Stop must not return until both the read
// loop and the tick loop have actually exited.
func TestTalkerStopJoinsReadAndTickGoroutines(t *testing.T) {
	cfg := DefaultConfig()
	talk, err := NewTalker(cfg, NewDefaultController(cfg), "127.0.0.1:0")
	require.NoError(t, err)
	talk.Start()
	talk.Stop()

	goleak.VerifyNone(t)
}
