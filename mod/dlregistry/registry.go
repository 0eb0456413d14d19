package dlregistry

import (
	"context"
	"errors"
)

// Capacity is the fixed size of the DownloadSlot table. The cap is soft
// above this: once the table is full, new requests are admitted without
// tracking rather than growing the table unboundedly (spec.md §9,
// "Shared-memory fixed-size table").
const Capacity = 512

// ErrCapReached is returned by Acquire when the duplicate-download cap
// for a digest has been reached.
var ErrCapReached = errors.New("dlregistry: duplicate download cap reached")

// PIDAlive reports whether the process or logical worker identified by
// pid is still active. LocalRegistry consults this to reclaim slots left
// behind by a holder that is no longer running. Satisfied by
// *LivenessChecker (gopsutil-backed, for a real OS pid) and equally by an
// in-process request-liveness tracker (for a synthetic per-request id),
// since the slot table itself does not care which kind of identity it
// was handed.
type PIDAlive interface {
	Alive(pid int) bool
}

// Registry enforces the per-(client-IP, URI) concurrency cap. A zero cap
// disables it entirely: callers should skip Acquire/Release rather than
// call into a Registry constructed with cap 0.
type Registry interface {
	// Acquire attempts to claim a slot for digest on behalf of pid. It
	// returns ErrCapReached if the number of other live holders of this
	// digest has already reached cap.
	Acquire(ctx context.Context, digest Digest, pid int) error

	// Release clears the slot previously claimed by pid for digest, if
	// any. Called on every request-worker termination path, including
	// error paths, so a crash does not need to be the only path to
	// reclamation (liveness checking in Acquire covers that case too).
	Release(ctx context.Context, digest Digest, pid int) error

	Close() error
}
