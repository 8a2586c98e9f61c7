package ipc

import "errors"

var (
	// ErrSessionDisconnected names the Disconnecting/Disconnected
	// condition (spec section 4.8). No function in this package returns
	// it: Session.EnqueueSignal queues a signal in every state, and a
	// signal queued on a torn-down session is never sent.
	ErrSessionDisconnected = errors.New("ipc: session disconnected")

	// ErrTalkerFull is returned by Service when every Talker has
	// reached SessionsPerTalker and MaxTalkers has also been reached
	// (spec section 4.9).
	ErrTalkerFull = errors.New("ipc: talker capacity exhausted")

	// ErrBindFailed wraps a fatal per-talker socket error (spec
	// section 7: "Fatal per-talker").
	ErrBindFailed = errors.New("ipc: talker socket bind failed")
)

// SignalCompletionCode is the result delivered once for every signal,
// with or without WaitResponse (spec section 7, 6.2).
type SignalCompletionCode int

const (
	// CompleteOK means the signal's last buffer was acknowledged. This
	// holds for WaitResponse signals too: responses are not tracked.
	CompleteOK SignalCompletionCode = 0
	// CompleteNeverSent means the signal never left the process.
	CompleteNeverSent SignalCompletionCode = -1
	// CompleteNoResponse means the signal was sent but the peer died
	// or never responded before the session ended.
	CompleteNoResponse SignalCompletionCode = -2
)
