package ipc

import (
	"container/heap"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/orbitframe/orbit/internal/halt"
)

// pendingTimer is one entry in a Talker's retransmission timer queue
// (spec section 4.9: "a timer priority queue keyed by absolute
// deadline and (session_index, generation, timer-id) tuple").
type pendingTimer struct {
	at        time.Time
	peerKey   string
	slotIdx   int
	generation uint64
	index     int // heap bookkeeping
}

type timerHeap []*pendingTimer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	t := x.(*pendingTimer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Talker owns one non-blocking UDP socket shared by many Sessions
// (spec section 4.9), grounded on the teacher's worker-goroutine +
// cooperative-Halt idiom (client2/connection.go) generalized from one
// long-lived connection to many peer Sessions multiplexed on one
// socket.
type Talker struct {
	halt.Worker

	log  *log.Logger
	cfg  Config
	ctrl Controller
	conn *net.UDPConn

	mu         sync.Mutex
	sessions   map[string]*Session // keyed by peer address string
	generation map[string]uint64
	timers     timerHeap
	tick       *time.Ticker

	onDeliver func(peer *net.UDPAddr, payload []byte)

	metrics      *Metrics
	metricsLabel string
}

// NewTalker binds a UDP socket at laddr (empty string picks an
// ephemeral port) and constructs a Talker (spec section 4.9, 7:
// "Fatal per-talker: socket creation or bind failure ... propagated to
// the service").
func NewTalker(cfg Config, ctrl Controller, laddr string) (*Talker, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, ErrBindFailed
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, ErrBindFailed
	}
	t := &Talker{
		log:        newLogger("ipc/talker " + conn.LocalAddr().String()),
		cfg:        cfg,
		ctrl:       ctrl,
		conn:       conn,
		sessions:   make(map[string]*Session),
		generation: make(map[string]uint64),
	}
	return t, nil
}

// LocalAddr returns the bound socket address.
func (t *Talker) LocalAddr() *net.UDPAddr { return t.conn.LocalAddr().(*net.UDPAddr) }

// SetMetrics installs the Metrics set this talker reports into and the
// label it reports itself under (SPEC_FULL.md section 4.12). Optional;
// a Talker with no Metrics installed simply records nothing.
func (t *Talker) SetMetrics(m *Metrics, label string) {
	t.mu.Lock()
	t.metrics = m
	t.metricsLabel = label
	t.mu.Unlock()
}

// SessionCount reports how many sessions this talker currently owns
// (spec section 4.9's sessions_per_talker admission check).
func (t *Talker) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Start launches the receive loop and the send/timer tick loop (spec
// section 4.9 execute loop): the receive loop reads datagrams, decodes
// them and feeds them to their sessions inline, since that is cheap
// and bounded; the tick loop fires retransmission timers and flushes
// sessions.
func (t *Talker) Start() {
	t.tick = time.NewTicker(50 * time.Millisecond)
	t.Go(t.readLoop)
	t.Go(t.tickLoop)
	t.log.Info("talker started")
}

// Stop closes the socket and waits for the Talker's goroutines to
// return.
func (t *Talker) Stop() {
	t.Halt()
	_ = t.conn.Close()
	if t.tick != nil {
		t.tick.Stop()
	}
	t.Wait()
}

func (t *Talker) readLoop() {
	buf := make([]byte, Capacity)
	for {
		select {
		case <-t.HaltCh():
			return
		default:
		}
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.HaltCh():
				return
			default:
			}
			continue
		}
		wire, err := Unmarshal(buf[:n])
		if err != nil {
			t.log.Debugf("dropping malformed datagram from %s: %v", addr, err)
			continue
		}
		if err := wire.Decompress(t.ctrl); err != nil {
			t.log.Debugf("dropping undecompressable datagram from %s: %v", addr, err)
			continue
		}
		t.handleInbound(addr, wire)
	}
}

// handleInbound looks up or creates the session for addr and feeds it
// wire. Spec section 4.9: "each Session is protected by its owning
// Talker's mutex" — every call that touches a *Session's state (this
// one included) runs with t.mu held for its whole duration, since
// readLoop and tickLoop reach the same Sessions from separate
// goroutines.
func (t *Talker) handleInbound(addr *net.UDPAddr, wire *Buffer) {
	now := time.Now()
	key := addr.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[key]
	if !ok {
		var tok [8]byte
		_, _ = rand.Read(tok[:])
		sess = NewSession(t.cfg, t.ctrl, addr, uint16(t.LocalAddr().Port), false, binary.BigEndian.Uint64(tok[:]))
		sess.SetDeliverFunc(func(payload []byte) {
			if t.onDeliver != nil {
				t.onDeliver(addr, payload)
			}
		})
		t.sessions[key] = sess
		t.generation[key]++
	}

	sess.HandleInbound(wire, now)
	t.flushSessionLocked(key, sess)
}

func (t *Talker) tickLoop() {
	for {
		select {
		case <-t.HaltCh():
			return
		case <-t.tick.C:
			t.tickOnce()
		}
	}
}

// tickOnce runs one timer-queue sweep and flushes every session. Held
// for its whole duration under t.mu, same as handleInbound, so a
// Session is never touched by the tick loop and the read loop at once.
func (t *Talker) tickOnce() {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	due := t.popDueTimers(now)
	for _, d := range due {
		sess, ok := t.sessions[d.peerKey]
		if !ok || t.generation[d.peerKey] != d.generation {
			continue
		}
		if buf := sess.ExecuteTimeout(d.slotIdx, now); buf != nil {
			t.sendBuffer(sess, buf)
			t.scheduleRetryLocked(d.peerKey, d.slotIdx, buf.ResendCount(), t.generation[d.peerKey])
			if t.metrics != nil {
				t.metrics.SessionRetransmits.WithLabelValues(t.metricsLabel, d.peerKey).Inc()
			}
		}
	}

	for key, sess := range t.sessions {
		t.flushSessionLocked(key, sess)
	}
}

// flushSessionLocked drains sess's Fill pipeline and schedules
// retransmission timers for anything that needs an ack. Callers must
// already hold t.mu.
func (t *Talker) flushSessionLocked(key string, sess *Session) {
	now := time.Now()
	bufs := sess.Fill(now)
	gen := t.generation[key]
	for _, buf := range bufs {
		t.sendBuffer(sess, buf)
		if buf.Type() == TypeData || buf.Type() == TypeConnecting || buf.Type() == TypeAccepting {
			t.scheduleRetryLocked(key, sess.slotForID(buf.ID()), buf.ResendCount(), gen)
		}
	}
}

func (t *Talker) sendBuffer(sess *Session, buf *Buffer) {
	raw, err := buf.Marshal(make([]byte, 0, Capacity))
	if err != nil {
		t.log.Errorf("marshal buffer: %v", err)
		return
	}
	if _, err := t.conn.WriteToUDP(raw, sess.PeerAddr()); err != nil {
		t.log.Debugf("sendto %s: %v (will retry on next wake)", sess.PeerAddr(), err)
	}
}

// scheduleRetryLocked arms a retransmission timer. Callers must already
// hold t.mu.
func (t *Talker) scheduleRetryLocked(peerKey string, slotIdx int, resendCount uint8, gen uint64) {
	if slotIdx < 0 {
		return
	}
	delay := RetryDelay(resendCount)
	heap.Push(&t.timers, &pendingTimer{
		at:         time.Now().Add(delay),
		peerKey:    peerKey,
		slotIdx:    slotIdx,
		generation: gen,
	})
}

func (t *Talker) popDueTimers(now time.Time) []*pendingTimer {
	var due []*pendingTimer
	for len(t.timers) > 0 && !t.timers[0].at.After(now) {
		due = append(due, heap.Pop(&t.timers).(*pendingTimer))
	}
	return due
}

// EnqueueSignal locates or creates the session for peerAddr and
// enqueues payload on it (spec section 4.10's sendSignal path, the
// part owned by the Talker rather than the Service).
func (t *Talker) EnqueueSignal(peerAddr *net.UDPAddr, payload []byte, opts SignalOptions) uint32 {
	key := peerAddr.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[key]
	if !ok {
		var tok [8]byte
		_, _ = rand.Read(tok[:])
		sess = NewSession(t.cfg, t.ctrl, peerAddr, uint16(t.LocalAddr().Port), true, binary.BigEndian.Uint64(tok[:]))
		sess.SetDeliverFunc(func(payload []byte) {
			if t.onDeliver != nil {
				t.onDeliver(peerAddr, payload)
			}
		})
		t.sessions[key] = sess
		t.generation[key]++
	}

	uid := sess.EnqueueSignal(payload, opts)
	t.flushSessionLocked(key, sess)
	return uid
}

// SetDeliverFunc installs the callback invoked with every payload
// delivered by any session this talker owns. fn runs synchronously
// from inside the read loop or tick loop with t.mu held; it must not
// call back into the same Talker (EnqueueSignal, SendSignal, Stop)
// directly, or it will deadlock.
func (t *Talker) SetDeliverFunc(fn func(peer *net.UDPAddr, payload []byte)) {
	t.onDeliver = fn
}
