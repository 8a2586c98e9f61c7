package orbit

import "errors"

// Sentinel errors for the small set of conditions a caller is expected
// to branch on. Everything else is folded into return values per
// spec §7 — errors never cross an execute boundary.
var (
	// ErrUnknownService is returned when a signal targets a ServiceId
	// that is not currently registered with the Manager.
	ErrUnknownService = errors.New("orbit: unknown service")

	// ErrStaleObjectID is returned when an operation keyed by ObjectId
	// finds the target slot's unique generation no longer matches —
	// the object the id once named is gone (spec §3 invariant).
	ErrStaleObjectID = errors.New("orbit: stale object id")

	// ErrSchedulerFull is returned by Scheduler.Schedule when no
	// selector can accept another object and the worker cap has been
	// reached.
	ErrSchedulerFull = errors.New("orbit: scheduler at capacity")

	// ErrNotOnManagedThread is returned by The() when PrepareThread has
	// never been called in this process.
	ErrNotOnManagedThread = errors.New("orbit: goroutine has no associated manager")
)
