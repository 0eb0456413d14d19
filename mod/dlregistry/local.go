package dlregistry

import (
	"context"
	"fmt"

	"github.com/boltdb/bolt"

	"go.offloadsrv.dev/offload/mod/cachemutex"
)

const bucketName = "dlslots"

// slot is the on-disk form of one DownloadSlot row.
type slot struct {
	PID    int    `json:"pid"`
	Digest string `json:"digest"`
}

// LocalRegistry is the single-instance Duplicate-Download Registry: a
// fixed Capacity-row table persisted in boltdb (replacing the original's
// shared-memory array — persistence matters here because a crash must
// not permanently leak a slot; the liveness check already reclaims it on
// the next Acquire regardless). Table mutations run in a boltdb
// read-write transaction under the Mutex passed to NewLocalRegistry,
// which cmd/offloadsrv creates as a registry-specific lock separate from
// the per-CacheKey mutexes.
type LocalRegistry struct {
	db       *bolt.DB
	mutex    *cachemutex.Mutex
	token    cachemutex.Token
	cap      int
	liveness PIDAlive
}

// NewLocalRegistry opens (or creates) the registry table at dbPath,
// seeding Capacity empty slots on first use.
func NewLocalRegistry(dbPath string, mutex *cachemutex.Mutex, token cachemutex.Token, cap int, liveness PIDAlive) (*LocalRegistry, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("dlregistry: open %s: %w", dbPath, err)
	}
	r := &LocalRegistry{db: db, mutex: mutex, token: token, cap: cap, liveness: liveness}
	if err := r.seed(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *LocalRegistry) seed() error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return err
		}
		if b.Stats().KeyN >= Capacity {
			return nil
		}
		for i := 0; i < Capacity; i++ {
			k := slotKey(i)
			if b.Get(k) != nil {
				continue
			}
			if err := putSlot(b, i, slot{}); err != nil {
				return err
			}
		}
		return nil
	})
}

func slotKey(i int) []byte {
	return []byte(fmt.Sprintf("%04d", i))
}

func putSlot(b *bolt.Bucket, i int, s slot) error {
	return b.Put(slotKey(i), []byte(fmt.Sprintf("%d|%s", s.PID, s.Digest)))
}

func getSlot(b *bolt.Bucket, i int) slot {
	v := b.Get(slotKey(i))
	if v == nil {
		return slot{}
	}
	var s slot
	fmt.Sscanf(string(v), "%d|%s", &s.PID, &s.Digest)
	return s
}

// Acquire implements the scan-count-claim sequence from spec.md §4.3.
func (r *LocalRegistry) Acquire(ctx context.Context, digest Digest, pid int) error {
	if err := r.mutex.Lock(r.token); err != nil {
		return fmt.Errorf("dlregistry: acquire mutex: %w", err)
	}
	defer r.mutex.Unlock(r.token)

	digestStr := digest.String()
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		dupCount := 0
		freeIdx := -1
		for i := 0; i < Capacity; i++ {
			s := getSlot(b, i)
			reclaimable := s.PID == 0 || !r.liveness.Alive(s.PID)
			if reclaimable && freeIdx == -1 {
				freeIdx = i
			}
			if !reclaimable && s.Digest == digestStr && s.PID != pid {
				dupCount++
			}
		}

		if dupCount >= r.cap {
			return ErrCapReached
		}
		if freeIdx == -1 {
			// Table full: admit without tracking (soft cap above
			// capacity, per spec.md §9).
			return nil
		}
		return putSlot(b, freeIdx, slot{PID: pid, Digest: digestStr})
	})
}

// Release clears every slot held by pid for digest.
func (r *LocalRegistry) Release(ctx context.Context, digest Digest, pid int) error {
	if err := r.mutex.Lock(r.token); err != nil {
		return fmt.Errorf("dlregistry: release mutex: %w", err)
	}
	defer r.mutex.Unlock(r.token)

	digestStr := digest.String()
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		for i := 0; i < Capacity; i++ {
			s := getSlot(b, i)
			if s.PID == pid && s.Digest == digestStr {
				if err := putSlot(b, i, slot{}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Close closes the underlying boltdb handle.
func (r *LocalRegistry) Close() error {
	return r.db.Close()
}
