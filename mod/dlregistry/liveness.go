package dlregistry

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/shirou/gopsutil/v4/process"
)

// LivenessChecker answers "is pid still alive", memoizing each answer for
// a short TTL so a registry scan over many slots doesn't re-run a
// gopsutil process-table scan per slot within the same instant.
type LivenessChecker struct {
	cache *ttlcache.Cache[int32, bool]
}

// NewLivenessChecker returns a checker memoizing answers for ttl.
func NewLivenessChecker(ttl time.Duration) *LivenessChecker {
	c := ttlcache.New[int32, bool](ttlcache.WithTTL[int32, bool](ttl))
	go c.Start()
	return &LivenessChecker{cache: c}
}

// Alive reports whether pid is a live process. A pid that cannot be
// signalled (the gopsutil equivalent of ESRCH) is treated as dead, i.e.
// its slot is free.
func (l *LivenessChecker) Alive(pid int) bool {
	key := int32(pid)
	if item := l.cache.Get(key); item != nil {
		return item.Value()
	}
	ok, err := process.PidExists(key)
	alive := err == nil && ok
	l.cache.Set(key, alive, ttlcache.DefaultTTL)
	return alive
}

// Close stops the background TTL-eviction goroutine.
func (l *LivenessChecker) Close() {
	l.cache.Stop()
}
