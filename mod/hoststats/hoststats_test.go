package hoststats

import (
	"path/filepath"
	"testing"
	"time"

	"go.offloadsrv.dev/offload/mod/store"
)

func newTestCollector(t *testing.T) (*Collector, *store.Database) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "hoststats.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	c, err := NewCollector(CollectorOption{Database: db, PersistInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	return c, db
}

func TestRecordRequestTracksHitRate(t *testing.T) {
	c, _ := newTestCollector(t)
	defer c.Close()

	c.RecordRequest("client.example.com", true)
	c.RecordRequest("client.example.com", true)
	c.RecordRequest("client.example.com", false)

	stats := c.GetHostStats("client.example.com")
	if stats == nil {
		t.Fatal("expected stats to exist")
	}
	if stats.TotalRequests != 3 || stats.CachedRequests != 2 || stats.CacheMisses != 1 {
		t.Fatalf("counters = %+v", stats)
	}
	want := 2.0 / 3.0 * 100.0
	if stats.CacheHitRate != want {
		t.Errorf("CacheHitRate = %v, want %v", stats.CacheHitRate, want)
	}
}

func TestRecordTrafficAccumulates(t *testing.T) {
	c, _ := newTestCollector(t)
	defer c.Close()

	c.RecordTraffic("client.example.com", 1024, 512)
	c.RecordTraffic("client.example.com", 100, 50)

	stats := c.GetHostStats("client.example.com")
	if stats.BytesSent != 1124 || stats.BytesReceived != 562 {
		t.Fatalf("traffic = %+v", stats)
	}
}

// TestRecordCacheDataTracksLiveOccupancy exercises the pattern the
// Request Pipeline actually drives it with: a positive delta when a
// CachingWorker commits an entry, a negated delta when it is later
// purged, so the running total reflects what's on disk right now
// rather than a cumulative ever-growing counter.
func TestRecordCacheDataTracksLiveOccupancy(t *testing.T) {
	c, _ := newTestCollector(t)
	defer c.Close()

	c.RecordCacheData("origin.example.com", 4096, 1)
	c.RecordCacheData("origin.example.com", 8192, 1)
	stats := c.GetHostStats("origin.example.com")
	if stats.CachedDataSize != 12288 || stats.CachedObjects != 2 {
		t.Fatalf("after two commits: %+v", stats)
	}

	c.RecordCacheData("origin.example.com", -4096, -1)
	stats = c.GetHostStats("origin.example.com")
	if stats.CachedDataSize != 8192 || stats.CachedObjects != 1 {
		t.Fatalf("after purge: %+v", stats)
	}
}

func TestResetHostStatsZeroesButKeepsEntry(t *testing.T) {
	c, _ := newTestCollector(t)
	defer c.Close()

	c.RecordRequest("client.example.com", true)
	c.RecordTraffic("client.example.com", 1024, 512)
	c.RecordCacheData("client.example.com", 2048, 5)

	c.ResetHostStats("client.example.com")

	stats := c.GetHostStats("client.example.com")
	if stats == nil {
		t.Fatal("expected the entry to still exist after reset")
	}
	if stats.TotalRequests != 0 || stats.BytesSent != 0 || stats.CachedDataSize != 0 || stats.CachedObjects != 0 {
		t.Fatalf("expected zeroed counters, got %+v", stats)
	}
}

func TestGetHostStatsReturnsIndependentCopies(t *testing.T) {
	c, _ := newTestCollector(t)
	defer c.Close()

	c.RecordRequest("client.example.com", true)
	first := c.GetHostStats("client.example.com")
	first.TotalRequests = 999

	second := c.GetHostStats("client.example.com")
	if second.TotalRequests == 999 {
		t.Fatal("mutating a returned snapshot must not affect the collector's internal state")
	}
}

func TestCollectorPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "hoststats.db")

	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	c, err := NewCollector(CollectorOption{Database: db, PersistInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	c.RecordRequest("client.example.com", true)
	c.RecordCacheData("origin.example.com", 4096, 1)
	c.Close() // flushes synchronously
	db.Close()

	db2, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen store.Open: %v", err)
	}
	defer db2.Close()
	c2, err := NewCollector(CollectorOption{Database: db2, PersistInterval: time.Hour})
	if err != nil {
		t.Fatalf("reopen NewCollector: %v", err)
	}
	defer c2.Close()

	stats := c2.GetHostStats("client.example.com")
	if stats == nil || stats.TotalRequests != 1 {
		t.Fatalf("expected persisted request counter to survive restart, got %+v", stats)
	}
	origin := c2.GetHostStats("origin.example.com")
	if origin == nil || origin.CachedDataSize != 4096 {
		t.Fatalf("expected persisted cache-data counter to survive restart, got %+v", origin)
	}
}
