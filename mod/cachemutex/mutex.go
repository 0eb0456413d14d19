// Package cachemutex implements the named, cross-process binary semaphore
// the Request Pipeline uses to serialize access to a single CacheEntry's
// metadata and filedata files across concurrent requests.
//
// Go processes in this repository are goroutines sharing one address
// space, so the in-process half of this is ordinary mutual exclusion.
// The cross-process half is required because a sibling offload instance
// sharing the same GOFFLOADDIR (a clustered deployment, or a restarted
// process racing its predecessor's still-flushing file descriptors) must
// also be excluded. flock(2) on a dedicated lock file, one per CacheKey,
// gives us that for free without an external coordination service.
package cachemutex

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// Mutex is a named mutex: exclusive within this process via an internal
// sync.Mutex plus a reentrant holder counter, and exclusive across
// processes via flock(2) on a lock file named after the CacheKey.
//
// Reentrant means the same goroutine may call Lock again while it already
// holds the lock (mirroring the original's counting semaphore, which a
// single CachingWorker could acquire more than once across nested
// helpers). Unlock must be called the same number of times.
type Mutex struct {
	path string

	mu      sync.Mutex
	holder  uint64 // goroutine-local identity token of the current holder, 0 if free
	count   int    // reentrancy depth
	file    *os.File
	flocked bool
}

// goroutineToken identifies "the same logical holder" within a process.
// Go has no portable goroutine-id API; callers pass a token of their own
// choosing (e.g. a request ID) so the same logical owner can reenter.
type Token uint64

// New returns a Mutex backed by a lock file at lockDir/<name>.lock. The
// directory must already exist.
func New(lockDir, name string) *Mutex {
	return &Mutex{path: filepath.Join(lockDir, name+".lock")}
}

// Lock acquires the mutex for the given token, blocking while a distinct
// token holds it; reentrant calls by the current holder return
// immediately. The cross-process flock is taken once per distinct
// holder and released only when the holder's count drops to zero.
func (m *Mutex) Lock(tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count > 0 && m.holder == uint64(tok) {
		m.count++
		return nil
	}

	// A different holder owns the lock: wait, without holding mu, until
	// its Unlock brings the count to zero. Only then is the
	// cross-process lock taken.
	for m.count > 0 {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		m.mu.Lock()
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("cachemutex: open %s: %w", m.path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return fmt.Errorf("cachemutex: flock %s: %w", m.path, err)
	}

	m.file = f
	m.flocked = true
	m.holder = uint64(tok)
	m.count = 1
	return nil
}

// Unlock releases one level of reentrancy for tok. When the count drops
// to zero the cross-process flock is released and the lock file handle
// closed.
func (m *Mutex) Unlock(tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count == 0 || m.holder != uint64(tok) {
		return fmt.Errorf("cachemutex: unlock by non-holder token %d", tok)
	}

	m.count--
	if m.count > 0 {
		return nil
	}

	m.holder = 0
	if m.flocked {
		syscall.Flock(int(m.file.Fd()), syscall.LOCK_UN)
		m.file.Close()
		m.file = nil
		m.flocked = false
	}
	return nil
}

// TryLock attempts a non-blocking acquisition, returning false if another
// holder currently owns the lock.
func (m *Mutex) TryLock(tok Token) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count > 0 && m.holder == uint64(tok) {
		m.count++
		return true, nil
	}
	if m.count > 0 {
		return false, nil
	}

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("cachemutex: open %s: %w", m.path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("cachemutex: flock %s: %w", m.path, err)
	}

	m.file = f
	m.flocked = true
	m.holder = uint64(tok)
	m.count = 1
	return true, nil
}
