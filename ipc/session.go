package ipc

import (
	"net"
	"time"

	"github.com/charmbracelet/log"

	"github.com/orbitframe/orbit/internal/ring"
)

// State is the IPC session state machine (spec section 4.8).
type State uint8

const (
	StateConnecting State = iota
	StateAccepting
	StateWaitAccept
	StateConnected
	StateWaitDisconnecting
	StateDisconnecting
	StateReconnecting
	StateDisconnected
)

func (st State) String() string {
	switch st {
	case StateConnecting:
		return "connecting"
	case StateAccepting:
		return "accepting"
	case StateWaitAccept:
		return "wait-accept"
	case StateConnected:
		return "connected"
	case StateWaitDisconnecting:
		return "wait-disconnecting"
	case StateDisconnecting:
		return "disconnecting"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// SignalOptions carries the per-signal flags spec section 4.8 step 1
// describes.
type SignalOptions struct {
	WaitResponse        bool
	SameConnector       bool
	SynchronousSend     bool
	DisconnectAfterSend bool
}

// pendingSignal is one user-enqueued payload moving through the send
// pipeline (spec section 4.8).
type pendingSignal struct {
	uid       uint32
	payload   []byte
	cursor    int
	opts      SignalOptions
	restartAt uint64 // peerToken observed when enqueued; recorded only, resetForReconnect checks opts.SameConnector alone
	bufCount  int    // window slots this signal's serialization has used, still unacked
	onComplete func(SignalCompletionCode)
}

func (p *pendingSignal) done() bool { return p.cursor >= len(p.payload) }

// windowSlot is one entry in the sliding send window (spec section 3).
type windowSlot struct {
	used bool
	id   uint32
	// raw is the exact chunk handed to this slot at send time (data
	// slots only), so a retransmit resends precisely what was sent
	// rather than re-deriving bounds from the signal's live cursor.
	raw         []byte
	resendCount uint8
	lastSent    time.Time
	sig         *pendingSignal // nil for a pure keep-alive/update buffer
	waitingResp bool           // sig has WaitResponse and is retained past ack
}

// Session is one peer's reliable protocol state machine (spec section
// 4.8), grounded on the teacher's stream.go / arq.go retransmission
// idiom (a table of in-flight units plus a timer-driven resend).
type Session struct {
	log  *log.Logger
	cfg  Config
	ctrl Controller

	peerAddr     *net.UDPAddr
	localPort    uint16
	peerBasePort uint16

	state State

	// receive side
	rcvExpectedID uint32
	reorder       *ring.Ring[*Buffer]
	pendingAcks   []uint32
	rcvTimePos    time.Time

	// send side
	sendID      uint32
	window      []windowSlot // index 0 is the dedicated keep-alive slot
	freeStack   []int
	enqueueFIFO []*pendingSignal
	active      []*pendingSignal
	rrCursor    int
	syncActive  *pendingSignal
	consecutive int
	nextSigUID  uint32

	peerToken   uint64
	localToken  uint64
	retryCount  int

	onDeliver  func(payload []byte)
	onComplete func(uid uint32, code SignalCompletionCode)
}

// NewSession creates a session for peerAddr. outbound selects the
// initial state: Connecting for a locally initiated session, Accepting
// for one created in response to an inbound ConnectingType buffer.
func NewSession(cfg Config, ctrl Controller, peerAddr *net.UDPAddr, localPort uint16, outbound bool, localToken uint64) *Session {
	s := &Session{
		log:        newSessionLogger(peerAddr),
		cfg:        cfg,
		ctrl:       ctrl,
		peerAddr:   peerAddr,
		localPort:  localPort,
		localToken: localToken,
		window:     make([]windowSlot, cfg.WindowSize+1),
		rcvTimePos: time.Now(),
		sendID:     FirstDataID,

		rcvExpectedID: FirstDataID,
	}
	s.reorder = ring.New[*Buffer](cfg.ReorderRingSize)
	for i := 1; i < len(s.window); i++ {
		s.freeStack = append(s.freeStack, i)
	}
	if outbound {
		s.state = StateConnecting
	} else {
		s.state = StateAccepting
	}
	return s
}

func newSessionLogger(peerAddr *net.UDPAddr) *log.Logger {
	return newLogger("ipc/session " + peerAddr.String())
}

func (s *Session) State() State           { return s.state }
func (s *Session) PeerAddr() *net.UDPAddr { return s.peerAddr }

// SetDeliverFunc installs the callback invoked with each fully
// received payload, in arrival order (spec section 5).
func (s *Session) SetDeliverFunc(fn func(payload []byte)) { s.onDeliver = fn }

// SetCompleteFunc installs the callback invoked once per signal, with
// or without WaitResponse: CompleteOK when its last buffer is
// acknowledged, or a failure code when the session tears down first
// (spec section 7, 6.2).
func (s *Session) SetCompleteFunc(fn func(uid uint32, code SignalCompletionCode)) {
	s.onComplete = fn
}

// EnqueueSignal places payload on the unordered enqueue FIFO (spec
// section 4.8 step 1). Returns a uid the caller may use to correlate a
// later onComplete callback.
func (s *Session) EnqueueSignal(payload []byte, opts SignalOptions) uint32 {
	s.nextSigUID++
	uid := s.nextSigUID
	s.enqueueFIFO = append(s.enqueueFIFO, &pendingSignal{
		uid:       uid,
		payload:   payload,
		opts:      opts,
		restartAt: s.peerToken,
	})
	return uid
}

// moveSignalsToSendQueue promotes FIFO entries into the bounded active
// send table (spec section 4.8 step 2), in FIFO order and in every
// session state. Signals are not filtered by an authentication flag,
// and Controller.Authenticate is never called by the session; data is
// only serialized once Fill sees the session Connected.
func (s *Session) moveSignalsToSendQueue() {
	for len(s.active) < s.cfg.ActiveSendSlots && len(s.enqueueFIFO) > 0 {
		sig := s.enqueueFIFO[0]
		s.enqueueFIFO = s.enqueueFIFO[1:]
		s.active = append(s.active, sig)
	}
}

// pickSignal selects the next active signal to serialize from,
// honoring the synchronous cursor rule (spec section 4.8 step 3,
// section 5): while one SynchronousSend signal is mid-flight, other
// SynchronousSend signals are skipped, but asynchronous ones remain
// eligible and may interleave.
func (s *Session) pickSignal() *pendingSignal {
	n := len(s.active)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := (s.rrCursor + i) % n
		sig := s.active[idx]
		if sig.done() {
			continue
		}
		if sig.opts.SynchronousSend && s.syncActive != nil && s.syncActive != sig {
			continue
		}
		if sig.opts.SynchronousSend && s.syncActive == nil {
			s.syncActive = sig
		}
		if idx != s.rrCursor {
			s.consecutive = 0
		}
		s.rrCursor = idx
		return sig
	}
	return nil
}

func (s *Session) advanceCursor() {
	if len(s.active) == 0 {
		return
	}
	s.rrCursor = (s.rrCursor + 1) % len(s.active)
	s.consecutive = 0
}

func (s *Session) reapCompletedSignals() {
	kept := s.active[:0]
	for _, sig := range s.active {
		if sig.done() && sig.bufCount == 0 {
			// Fully sent and acknowledged: applyUpdates has already
			// completed it with CompleteOK, WaitResponse or not, so it
			// leaves the active table here. Responses are not
			// correlated with signals by the session.
			if s.syncActive == sig {
				s.syncActive = nil
			}
			continue
		}
		kept = append(kept, sig)
	}
	s.active = kept
}

// maxPayloadChunk is the largest payload slice one data buffer can
// carry given the fixed header overhead.
func (s *Session) maxPayloadChunk() int {
	return Capacity - baseHeaderSize
}

// Fill implements the per-transmit-opportunity pipeline (spec section
// 4.8 steps 2-5): promote FIFO entries, prepend an update block when
// due, and write data buffers from the active signal pool into free
// window slots. Returns the freshly filled wire-ready buffers.
func (s *Session) Fill(now time.Time) []*Buffer {
	if s.state == StateDisconnecting || s.state == StateDisconnected {
		return nil
	}

	if s.state == StateWaitDisconnecting && s.WindowEmpty() {
		s.teardown(CompleteOK)
		return nil
	}

	if s.state != StateWaitDisconnecting {
		s.moveSignalsToSendQueue()
	}

	var out []*Buffer

	if s.state != StateConnected && s.state != StateWaitDisconnecting {
		if buf := s.fillHandshake(now); buf != nil {
			out = append(out, buf)
		}
		return out
	}

	for len(s.freeStack) > 0 {
		sig := s.pickSignal()
		if sig == nil {
			break
		}
		if s.consecutive >= s.cfg.MaxSignalBufferCount {
			s.advanceCursor()
			sig = s.pickSignal()
			if sig == nil {
				break
			}
		}

		end := sig.cursor + s.maxPayloadChunk()
		if end > len(sig.payload) {
			end = len(sig.payload)
		}
		chunk := sig.payload[sig.cursor:end]
		sig.cursor = end
		sig.bufCount++
		s.consecutive++

		idx := s.popFreeSlot()
		id := s.nextSendID()

		b := NewBuffer()
		b.SetType(TypeData)
		b.SetID(id)
		_ = b.SetPayload(chunk)
		s.attachUpdateBlock(b, now)
		b.Compress(s.ctrl)

		s.window[idx] = windowSlot{
			used:        true,
			id:          id,
			raw:         append([]byte(nil), chunk...),
			sig:         sig,
			waitingResp: sig.opts.WaitResponse,
		}
		out = append(out, b)

		if sig.done() {
			s.advanceCursor()
		}
	}

	s.reapCompletedSignals()

	if len(out) == 0 {
		if buf := s.maybeKeepAlive(now); buf != nil {
			out = append(out, buf)
		}
	}
	return out
}

// slotForID returns the window index currently holding id, or -1.
// Used by the owning Talker to key a retransmission timer after Fill
// has already placed a buffer into its slot.
func (s *Session) slotForID(id uint32) int {
	for i := range s.window {
		if s.window[i].used && s.window[i].id == id {
			return i
		}
	}
	return -1
}

func (s *Session) popFreeSlot() int {
	n := len(s.freeStack)
	idx := s.freeStack[n-1]
	s.freeStack = s.freeStack[:n-1]
	return idx
}

func (s *Session) nextSendID() uint32 {
	id := s.sendID
	if s.sendID >= LastBufferID {
		s.sendID = FirstDataID
	} else {
		s.sendID++
	}
	return id
}

// attachUpdateBlock prepends the pending-ack list to b when due (spec
// section 4.8 step 4): either no data is riding along that would carry
// an update anyway, or the queue has grown past the threshold.
func (s *Session) attachUpdateBlock(b *Buffer, now time.Time) {
	if len(s.pendingAcks) == 0 {
		return
	}
	if len(s.pendingAcks) <= s.cfg.MaxRecvNoUpdateCount && b.Type() == TypeData {
		return
	}
	b.SetUpdates(s.pendingAcks)
	s.pendingAcks = nil
}

// maybeKeepAlive decides whether to use the dedicated keep-alive slot
// (window index 0) per spec section 4.8's keep-alive rule.
func (s *Session) maybeKeepAlive(now time.Time) *Buffer {
	if s.window[0].used {
		return nil
	}
	if len(s.active) != 0 || len(s.enqueueFIFO) != 0 {
		return nil
	}
	interval := s.keepAliveInterval()
	if interval <= 0 {
		return nil
	}
	if now.Before(s.rcvTimePos.Add(time.Duration(interval) * time.Millisecond)) {
		return nil
	}

	b := NewBuffer()
	b.SetType(TypeKeepAlive)
	b.SetID(0)
	s.attachUpdateBlock(b, now)
	s.window[0] = windowSlot{used: true, id: 0, lastSent: now}
	return b
}

func (s *Session) keepAliveInterval() int64 {
	switch s.state {
	case StateWaitDisconnecting:
		return 0
	default:
		if s.hasResponsePending() {
			return s.ctrl.ResponseKeepAlive()
		}
		return s.ctrl.SessionKeepAlive()
	}
}

func (s *Session) hasResponsePending() bool {
	for i := range s.window {
		if s.window[i].used && s.window[i].waitingResp {
			return true
		}
	}
	return false
}

func (s *Session) fillHandshake(now time.Time) *Buffer {
	switch s.state {
	case StateConnecting:
		if s.window[0].used {
			return nil
		}
		b := NewBuffer()
		b.SetType(TypeConnecting)
		b.SetID(ConnectingID)
		_ = b.SetPayload(encodeHandshake(s.localPort, s.localToken))
		s.window[0] = windowSlot{used: true, id: ConnectingID, lastSent: now}
		s.state = StateWaitAccept
		return b
	case StateWaitAccept:
		return nil // retransmission handled by ExecuteTimeout
	case StateAccepting:
		if s.window[0].used {
			return nil
		}
		b := NewBuffer()
		b.SetType(TypeAccepting)
		b.SetID(AcceptingID)
		_ = b.SetPayload(encodeHandshake(s.localPort, s.localToken))
		s.window[0] = windowSlot{used: true, id: AcceptingID, lastSent: now}
		return b
	case StateReconnecting:
		s.state = StateConnecting
		return s.fillHandshake(now)
	}
	return nil
}

// HandleInbound processes one decoded inbound buffer (spec section 4.8
// receive pipeline).
func (s *Session) HandleInbound(b *Buffer, now time.Time) {
	s.rcvTimePos = now

	if len(b.Updates()) > 0 {
		s.applyUpdates(b.Updates())
	}

	switch b.Type() {
	case TypeConnecting:
		s.handlePeerToken(b)
		if s.state != StateAccepting {
			s.state = StateAccepting
		}
		return
	case TypeAccepting:
		s.handlePeerToken(b)
		if s.state == StateWaitAccept || s.state == StateConnecting {
			s.window[0] = windowSlot{}
			s.freeStack = append(s.freeStack, 0)
			s.state = StateConnected
		}
		return
	case TypeKeepAlive:
		s.acceptingToConnected()
		return
	}

	s.acceptingToConnected()
	s.acceptDataBuffer(b.ID(), b.Payload())
}

// acceptingToConnected completes the accepting side's half of the
// handshake: any post-handshake traffic (data or keep-alive) proves the
// initiator received our Accepting buffer, so there is no need for a
// third handshake leg (spec section 4.8's Connecting/Accepting/
// WaitAccept/Connected table has no separate "accepted" state).
func (s *Session) acceptingToConnected() {
	if s.state == StateAccepting {
		s.window[0] = windowSlot{}
		s.freeStack = append(s.freeStack, 0)
		s.state = StateConnected
	}
}

func (s *Session) handlePeerToken(b *Buffer) {
	_, token := decodeHandshake(b.Payload())
	if s.peerToken != 0 && token != s.peerToken {
		// Peer restart detected: the new handshake token does not
		// match the one this session was established with (resolves
		// the "peer restart detection" open question by comparing the
		// exchanged per-session token directly, rather than inferring
		// intent from ephemeral port changes alone).
		s.resetForReconnect()
	}
	s.peerToken = token
}

func (s *Session) resetForReconnect() {
	s.state = StateReconnecting
	s.rcvExpectedID = FirstDataID
	s.reorder = ring.New[*Buffer](s.cfg.ReorderRingSize)
	for _, sig := range s.active {
		if sig.opts.SameConnector {
			s.completeSignal(sig, CompleteNoResponse)
		}
	}
}

func (s *Session) acceptDataBuffer(id uint32, payload []byte) {
	switch seqCompare(id, s.rcvExpectedID) {
	case 0:
		s.deliver(payload)
		s.rcvExpectedID++
		s.pendingAcks = append(s.pendingAcks, id)
		s.drainReorderRing()
	case 1:
		gap := id - s.rcvExpectedID
		if gap <= uint32(s.cfg.ReorderRingSize) {
			s.reorder.Put(uint64(id), cloneBuffer(payload))
		}
	default:
		s.pendingAcks = append(s.pendingAcks, id)
	}
}

func (s *Session) drainReorderRing() {
	for {
		v, ok := s.reorder.Get(uint64(s.rcvExpectedID))
		if !ok {
			return
		}
		s.deliver(v.payload)
		s.reorder.Clear(uint64(s.rcvExpectedID))
		s.pendingAcks = append(s.pendingAcks, s.rcvExpectedID)
		s.rcvExpectedID++
	}
}

func (s *Session) deliver(payload []byte) {
	if s.onDeliver != nil {
		s.onDeliver(payload)
	}
}

// applyUpdates frees the window slots named in ids, completing any
// signals whose serialization ended there (spec section 4.8 step 4).
func (s *Session) applyUpdates(ids []uint32) {
	for _, id := range ids {
		for i := range s.window {
			ws := &s.window[i]
			if !ws.used || ws.id != id {
				continue
			}
			sig := ws.sig
			*ws = windowSlot{}
			s.freeStack = append(s.freeStack, i)
			if sig == nil {
				continue
			}
			sig.bufCount--
			if sig.done() && sig.bufCount == 0 {
				if sig.opts.WaitResponse {
					s.completeSignal(sig, CompleteOK)
				} else {
					s.completeSignal(sig, CompleteOK)
				}
			}
		}
	}
}

func (s *Session) completeSignal(sig *pendingSignal, code SignalCompletionCode) {
	if sig.onComplete != nil {
		sig.onComplete(code)
	}
	if s.onComplete != nil {
		s.onComplete(sig.uid, code)
	}
}

// ExecuteTimeout is called by the owning Talker's timer queue when a
// window slot's retransmission deadline expires (spec section 4.9,
// 5). Returns the retransmit buffer, or nil if none was produced.
func (s *Session) ExecuteTimeout(slotIdx int, now time.Time) *Buffer {
	if slotIdx < 0 || slotIdx >= len(s.window) {
		return nil
	}
	ws := &s.window[slotIdx]
	if !ws.used {
		return nil
	}

	retryCap := s.cfg.DataRetryCap
	if slotIdx == 0 && (ws.id == ConnectingID || ws.id == AcceptingID) {
		retryCap = s.cfg.HandshakeRetryCap
	}
	if int(ws.resendCount) >= retryCap {
		s.teardown(CompleteNoResponse)
		return nil
	}

	ws.resendCount++
	ws.lastSent = now

	b := NewBuffer()
	b.SetID(ws.id)
	b.SetResendCount(ws.resendCount)
	switch {
	case ws.id == ConnectingID && s.state == StateWaitAccept:
		b.SetType(TypeConnecting)
		_ = b.SetPayload(encodeHandshake(s.localPort, s.localToken))
	case ws.id == AcceptingID:
		b.SetType(TypeAccepting)
		_ = b.SetPayload(encodeHandshake(s.localPort, s.localToken))
	case ws.id == 0 && ws.sig == nil:
		b.SetType(TypeKeepAlive)
	default:
		if ws.sig == nil {
			return nil
		}
		b.SetType(TypeData)
		if err := b.SetPayload(ws.raw); err != nil {
			s.log.Errorf("retransmit payload for id %d: %v", ws.id, err)
			s.teardown(CompleteNoResponse)
			return nil
		}
	}
	return b
}

// RetryDelay computes the non-decreasing staircase retransmission
// interval for a buffer's resendCount (spec section 4.8: "computed as
// a staircase function of resend_count").
func RetryDelay(resendCount uint8) time.Duration {
	base := 200 * time.Millisecond
	d := base << resendCount
	const ceiling = 8 * time.Second
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// RequestDisconnect moves a Connected session to WaitDisconnecting: it
// keeps draining its outbound window but accepts no further signals
// (spec section 4.8). Once the window empties, the owning Talker's
// next flush observes WindowEmpty and completes the teardown.
func (s *Session) RequestDisconnect() {
	if s.state == StateConnected {
		s.state = StateWaitDisconnecting
	}
}

// WindowEmpty reports whether every send window slot (including the
// keep-alive slot) is currently free.
func (s *Session) WindowEmpty() bool {
	return len(s.freeStack) == len(s.window)
}

// WindowInflight reports how many send window slots are currently
// occupied by a buffer awaiting acknowledgment (SPEC_FULL.md section
// 4.12's ipc_session_window_inflight).
func (s *Session) WindowInflight() int {
	return len(s.window) - len(s.freeStack)
}

// teardown moves the session to Disconnecting, failing every signal
// still in flight (spec section 4.8, 7).
func (s *Session) teardown(code SignalCompletionCode) {
	s.state = StateDisconnecting
	for _, sig := range s.active {
		if sig.done() && sig.bufCount == 0 {
			continue // already completed by applyUpdates
		}
		s.completeSignal(sig, code)
	}
	s.active = nil
	for _, sig := range s.enqueueFIFO {
		s.completeSignal(sig, CompleteNeverSent)
	}
	s.enqueueFIFO = nil
}

// seqCompare returns 0 if a == b, 1 if a is ahead of b, -1 if behind,
// using overflow-safe modulo-2^32 arithmetic (spec section 4.8).
func seqCompare(a, b uint32) int {
	d := int32(a - b)
	switch {
	case d == 0:
		return 0
	case d > 0:
		return 1
	default:
		return -1
	}
}

func cloneBuffer(payload []byte) *Buffer {
	b := NewBuffer()
	b.SetType(TypeData)
	_ = b.SetPayload(append([]byte(nil), payload...))
	return b
}
