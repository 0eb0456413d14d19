package cache

import (
	"os"
	"strconv"
)

// PIDAlive reports whether the process identified by pid is still alive.
// Callers normally supply (*dlregistry.LivenessChecker).Alive (gopsutil-backed); the
// indirection keeps this package free of a dependency it otherwise has no
// reason to carry.
type PIDAlive func(pid int) bool

// IsFresh implements the five-point Freshness Oracle: given cached
// metadata and a fresh origin HEAD response, decide whether the cached
// entry still represents the origin object.
func IsFresh(meta, head *Metadata, dataPath string, alive PIDAlive) bool {
	mLen, ok := meta.Get(HeaderContentLength)
	if !ok {
		return false
	}
	mETag, ok := meta.Get(HeaderETag)
	if !ok {
		return false
	}
	mLastMod, ok := meta.Get(HeaderLastModified)
	if !ok {
		return false
	}

	hLen, ok := head.Get(HeaderContentLength)
	if !ok || hLen != mLen {
		return false
	}
	hETag, ok := head.Get(HeaderETag)
	if !ok || hETag != mETag {
		return false
	}

	if meta.GetDefault(KeyIsWeak, "0") != "1" {
		hLastMod, ok := head.Get(HeaderLastModified)
		if !ok || hLastMod != mLastMod {
			return false
		}
	}

	fi, err := os.Stat(dataPath)
	if err != nil {
		return false
	}
	if want, ok := parseSize(mLen); ok && fi.Size() == want {
		return true
	}

	pidStr, ok := meta.Get(KeyCachingPID)
	if !ok {
		return false
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return false
	}
	return alive(pid)
}

// IsAbandoned implements the §4.6 edge case: filedata is shorter than
// Content-Length and the caching worker's pid is dead. Both CacheEntry
// files should then be removed under the mutex and a fresh cache-miss
// path run.
func IsAbandoned(meta *Metadata, dataPath string, alive PIDAlive) bool {
	mLen, ok := meta.Get(HeaderContentLength)
	if !ok {
		return true
	}
	want, ok := parseSize(mLen)
	if !ok {
		return true
	}
	fi, err := os.Stat(dataPath)
	if err != nil {
		return true
	}
	if fi.Size() >= want {
		return false
	}
	pidStr, ok := meta.Get(KeyCachingPID)
	if !ok {
		return true
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return true
	}
	return !alive(pid)
}

func parseSize(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
