package ipc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newLoopbackService(t *testing.T, sessionsPerTalker, maxTalkers int) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SessionsPerTalker = sessionsPerTalker
	cfg.MaxTalkers = maxTalkers
	svc := NewService(cfg, NewDefaultController(cfg))
	t.Cleanup(svc.Stop)
	return svc
}

// TestServiceSpawnsTalkerOnDemand covers the "Rationale for Talker
// multiplicity" admission path (spec section 4.9): the first SendSignal
// call spawns a Talker, and subsequent peers reuse it while capacity
// remains.
func TestServiceSpawnsTalkerOnDemand(t *testing.T) {
	svc := newLoopbackService(t, 10, 4)
	require.Equal(t, 0, svc.TalkerCount())

	peer, err := net.ResolveUDPAddr("udp", "127.0.0.1:1")
	require.NoError(t, err)

	_, err = svc.SendSignal(peer, []byte("x"), SignalOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, svc.TalkerCount())
}

// TestServiceReusesTalkerForSamePeer covers talkerFor's fast path: a
// second send to an already-known peer must not spawn another Talker.
func TestServiceReusesTalkerForSamePeer(t *testing.T) {
	svc := newLoopbackService(t, 10, 4)
	peer, err := net.ResolveUDPAddr("udp", "127.0.0.1:1")
	require.NoError(t, err)

	_, err = svc.SendSignal(peer, []byte("a"), SignalOptions{})
	require.NoError(t, err)
	_, err = svc.SendSignal(peer, []byte("b"), SignalOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, svc.TalkerCount())
}

// TestServiceSpawnsNewTalkerOncePeerCapReached covers the
// sessions_per_talker threshold: once every existing talker is full, a
// new peer forces a new Talker rather than overcrowding an existing
// one.
func TestServiceSpawnsNewTalkerOncePeerCapReached(t *testing.T) {
	svc := newLoopbackService(t, 1, 4)

	peer1, _ := net.ResolveUDPAddr("udp", "127.0.0.1:1")
	peer2, _ := net.ResolveUDPAddr("udp", "127.0.0.1:2")

	_, err := svc.SendSignal(peer1, []byte("a"), SignalOptions{})
	require.NoError(t, err)
	_, err = svc.SendSignal(peer2, []byte("b"), SignalOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, svc.TalkerCount())
}

// TestServiceRejectsOnceTalkerCapReached covers the MaxTalkers ceiling
// (spec section 7's "talker pool exhausted" edge case).
func TestServiceRejectsOnceTalkerCapReached(t *testing.T) {
	svc := newLoopbackService(t, 1, 1)

	peer1, _ := net.ResolveUDPAddr("udp", "127.0.0.1:1")
	peer2, _ := net.ResolveUDPAddr("udp", "127.0.0.1:2")

	_, err := svc.SendSignal(peer1, []byte("a"), SignalOptions{})
	require.NoError(t, err)

	_, err = svc.SendSignal(peer2, []byte("b"), SignalOptions{})
	require.ErrorIs(t, err, ErrTalkerFull)
}

// TestServiceEndToEndDelivery drives two Services over loopback UDP and
// checks the deliver callback fires with the sent payload.
func TestServiceEndToEndDelivery(t *testing.T) {
	a := newLoopbackService(t, 10, 4)
	b := newLoopbackService(t, 10, 4)

	bTalker, err := b.Listen("127.0.0.1:0")
	require.NoError(t, err)

	received := make(chan []byte, 1)
	b.SetDeliverFunc(func(peer *net.UDPAddr, payload []byte) {
		received <- append([]byte(nil), payload...)
	})

	_, err = a.SendSignal(bTalker.LocalAddr(), []byte("over the service layer"), SignalOptions{})
	require.NoError(t, err)

	select {
	case got := <-received:
		require.Equal(t, []byte("over the service layer"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}
