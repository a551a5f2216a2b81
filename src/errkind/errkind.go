// Package errkind defines the sentinel error values shared across
// components so callers can use errors.Is/errors.As instead of matching on
// message text, and so the propagation policy (which failures are
// committable, which abort a build) is expressed once in one place.
package errkind

import "errors"

// CAS errors.
var (
	InvalidDigest = errors.New("invalid digest")
	CasMissing    = errors.New("digest not found in cas")
	CasFull       = errors.New("cas size ceiling reached and no space could be freed")
	CasCorrupt    = errors.New("cas blob failed verification")
)

// Action Cache errors.
var (
	AcMissing = errors.New("action cache entry not found")
	AcCorrupt = errors.New("action cache entry could not be decoded")
)

// Scheduler/graph errors.
var (
	CycleDetected = errors.New("dependency cycle detected")
	UnknownTask   = errors.New("unknown task referenced as a dependency")
	Cancelled     = errors.New("task cancelled")
)

// Sandbox/execution errors. NonZeroExit and MissingDeclaredOutput are
// committable: a Scheduler that sees one of these still writes an Action
// Cache entry and reports the task as a (cached) failure. The rest are
// non-committable: no Action Cache entry is written and the task retries
// on the next build.
var (
	SandboxSetupFailed    = errors.New("sandbox setup failed")
	SandboxInternalError  = errors.New("sandbox internal error")
	TimeoutExceeded       = errors.New("task exceeded its timeout")
	MemoryExceeded        = errors.New("task exceeded its memory cap")
	NonZeroExit           = errors.New("task exited non-zero")
	MissingDeclaredOutput = errors.New("task did not produce a declared output")
)

// Remote cache errors.
var RemoteCacheUnavailable = errors.New("remote cache unavailable")

// Committable reports whether err represents a failure that should still
// produce a cached Action Result, per the propagation policy: NonZeroExit
// and MissingDeclaredOutput are committable, everything else is not.
func Committable(err error) bool {
	return errors.Is(err, NonZeroExit) || errors.Is(err, MissingDeclaredOutput)
}
