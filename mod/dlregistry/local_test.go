package dlregistry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.offloadsrv.dev/offload/mod/cachemutex"
)

func newTestLocalRegistry(t *testing.T, cap int) *LocalRegistry {
	t.Helper()
	dir := t.TempDir()
	mutex := cachemutex.New(dir, "offloadtest")
	liveness := NewLivenessChecker(time.Second)
	t.Cleanup(liveness.Close)

	reg, err := NewLocalRegistry(filepath.Join(dir, "dlslots.db"), mutex, cachemutex.Token(1), cap, liveness)
	if err != nil {
		t.Fatalf("NewLocalRegistry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestLocalRegistryAcquireWithinCap(t *testing.T) {
	reg := newTestLocalRegistry(t, 1)
	digest := ComputeDigest("203.0.113.5", "/foo.bin")

	if err := reg.Acquire(context.Background(), digest, os.Getpid()); err != nil {
		t.Fatalf("expected Acquire to succeed within cap, got %v", err)
	}
}

func TestLocalRegistryRejectsOverCap(t *testing.T) {
	reg := newTestLocalRegistry(t, 1)
	digest := ComputeDigest("203.0.113.5", "/foo.bin")

	// Register a slot for a pid that is genuinely alive (our own pid)
	// but distinct from the "second worker" pid used below, so the
	// liveness check treats it as a real live holder.
	if err := reg.Acquire(context.Background(), digest, os.Getpid()); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	// A distinct "pid" that also happens to be alive (reuse our own
	// pid value is not distinct enough for the dup-count check, which
	// excludes s.PID != pid, so use a pid we know is not our own: 1
	// is usually alive (init/launchd) on a real system, used here only
	// to exercise the same-process liveness path deterministically
	// would be fragile; instead assert on the cap directly).
	err := reg.Acquire(context.Background(), digest, os.Getpid()+100000)
	if err != ErrCapReached {
		t.Fatalf("expected ErrCapReached, got %v", err)
	}
}

func TestLocalRegistryReleaseFreesSlot(t *testing.T) {
	reg := newTestLocalRegistry(t, 1)
	digest := ComputeDigest("203.0.113.5", "/foo.bin")
	pid := os.Getpid()

	if err := reg.Acquire(context.Background(), digest, pid); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := reg.Release(context.Background(), digest, pid); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := reg.Acquire(context.Background(), digest, pid); err != nil {
		t.Fatalf("expected Acquire to succeed again after Release, got %v", err)
	}
}
