// Package hoststats tracks per-origin-host traffic and cache-occupancy
// counters: request/hit counts keyed by the client-facing Host header,
// and cached-bytes/cached-objects keyed by the origin hostname a
// CacheEntry was fetched from (mod/cache.KeyHostname), since those are
// two different axes in a single-origin accelerator — many virtual
// hosts can share one cfg.BaseServer, or vice versa.
package hoststats

import (
	"encoding/json"
	"sync"
	"time"

	"go.offloadsrv.dev/offload/mod/store"
)

const (
	bandwidthSampleInterval = 5 * time.Second
	maxBandwidthSamples     = 17280 // 24h of 5s samples
)

// defaultPersistInterval is how often the collector flushes its in-memory
// counters to the backing store absent a CollectorOption override.
const defaultPersistInterval = 15 * time.Minute

// HostStatistics holds the counters tracked for a single key (either a
// client-facing hostname or an origin hostname, depending on which
// Collector method recorded it).
type HostStatistics struct {
	Hostname string `json:"hostname"`

	TotalRequests int64   `json:"total_requests"`
	CachedRequests int64  `json:"cached_requests"`
	CacheMisses   int64   `json:"cache_misses"`
	CacheHitRate  float64 `json:"cache_hit_rate"`

	CachedDataSize int64 `json:"cached_data_size"`
	CachedObjects  int64 `json:"cached_objects"`

	BytesSent     int64 `json:"bytes_sent"`
	BytesReceived int64 `json:"bytes_received"`

	CurrentBandwidth     int64 `json:"current_bandwidth"`
	MaxBandwidth         int64 `json:"max_bandwidth"`
	MinBandwidth         int64 `json:"min_bandwidth"`
	MinBandwidthRecorded bool  `json:"min_bandwidth_recorded"`

	BandwidthSamples []BandwidthSample `json:"bandwidth_samples"`

	LastUpdated time.Time `json:"last_updated"`

	mu sync.RWMutex `json:"-"`
}

// BandwidthSample is one point on a host's bandwidth time series.
type BandwidthSample struct {
	Timestamp      time.Time `json:"timestamp"`
	BytesPerSecond int64     `json:"bytes_per_second"`
}

// Collector aggregates HostStatistics across every key it has seen,
// persisting them into a boltdb-backed store.Database table.
type Collector struct {
	stats    map[string]*HostStatistics
	mu       sync.RWMutex
	db       *store.Database
	stopChan chan bool
	ticker   *time.Ticker

	persistInterval time.Duration
}

// CollectorOption configures NewCollector. PersistInterval defaults to
// defaultPersistInterval when zero.
type CollectorOption struct {
	Database        *store.Database
	PersistInterval time.Duration
}

// NewCollector opens the hoststats table, replays any persisted counters,
// and starts the bandwidth-sampling and periodic-persistence goroutines.
func NewCollector(option CollectorOption) (*Collector, error) {
	if err := option.Database.NewTable("hoststats"); err != nil {
		return nil, err
	}
	interval := option.PersistInterval
	if interval <= 0 {
		interval = defaultPersistInterval
	}

	c := &Collector{
		stats:           make(map[string]*HostStatistics),
		db:              option.Database,
		stopChan:        make(chan bool),
		persistInterval: interval,
	}
	c.loadFromDatabase()
	c.startBandwidthSampling()
	c.schedulePeriodicPersistence()
	return c, nil
}

// GetHostStats returns a point-in-time copy of the statistics for key,
// or nil if nothing has been recorded for it yet.
func (c *Collector) GetHostStats(key string) *HostStatistics {
	c.mu.RLock()
	stats, exists := c.stats[key]
	c.mu.RUnlock()
	if !exists {
		return nil
	}
	return stats.snapshot()
}

// GetAllHostStats returns a point-in-time copy of every tracked key's
// statistics.
func (c *Collector) GetAllHostStats() map[string]*HostStatistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]*HostStatistics, len(c.stats))
	for key, stats := range c.stats {
		result[key] = stats.snapshot()
	}
	return result
}

func (s *HostStatistics) snapshot() *HostStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s
	cp.BandwidthSamples = append([]BandwidthSample(nil), s.BandwidthSamples...)
	return &cp
}

func (c *Collector) entry(key string) *HostStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats, exists := c.stats[key]
	if !exists {
		stats = &HostStatistics{Hostname: key, LastUpdated: time.Now()}
		c.stats[key] = stats
	}
	return stats
}

// RecordRequest tallies a request against the client-facing hostname,
// updating the running cache-hit rate.
func (c *Collector) RecordRequest(hostname string, cached bool) {
	stats := c.entry(hostname)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.TotalRequests++
	if cached {
		stats.CachedRequests++
	} else {
		stats.CacheMisses++
	}
	if stats.TotalRequests > 0 {
		stats.CacheHitRate = float64(stats.CachedRequests) / float64(stats.TotalRequests) * 100.0
	}
	stats.LastUpdated = time.Now()
}

// RecordTraffic tallies bytes served to, and fetched on behalf of, a
// client-facing hostname.
func (c *Collector) RecordTraffic(hostname string, bytesSent, bytesReceived int64) {
	stats := c.entry(hostname)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.BytesSent += bytesSent
	stats.BytesReceived += bytesReceived
	stats.LastUpdated = time.Now()
}

// RecordCacheData adjusts the cached-bytes/cached-objects counters for an
// origin hostname (mod/cache.KeyHostname). The Request Pipeline calls
// this with a positive delta when a CachingWorker commits a new
// CacheEntry and with the entry's negated size when it is purged or
// reclaimed as abandoned, so CachedDataSize tracks live occupancy rather
// than a monotonically growing total.
func (c *Collector) RecordCacheData(originHostname string, dataSizeDelta, objectsDelta int64) {
	stats := c.entry(originHostname)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.CachedDataSize += dataSizeDelta
	stats.CachedObjects += objectsDelta
	stats.LastUpdated = time.Now()
}

// startBandwidthSampling periodically derives a bytes/sec rate from the
// delta in BytesSent+BytesReceived since the previous sample.
func (c *Collector) startBandwidthSampling() {
	c.ticker = time.NewTicker(bandwidthSampleInterval)

	go func() {
		lastSampleTime := time.Now()
		lastSent := make(map[string]int64)
		lastReceived := make(map[string]int64)

		for {
			select {
			case <-c.ticker.C:
				now := time.Now()
				elapsed := now.Sub(lastSampleTime).Seconds()

				c.mu.RLock()
				for key, stats := range c.stats {
					c.sampleOne(key, stats, now, elapsed, lastSent, lastReceived)
				}
				c.mu.RUnlock()

				lastSampleTime = now

			case <-c.stopChan:
				c.ticker.Stop()
				return
			}
		}
	}()
}

func (c *Collector) sampleOne(key string, stats *HostStatistics, now time.Time, elapsed float64, lastSent, lastReceived map[string]int64) {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	sent, received := stats.BytesSent, stats.BytesReceived
	delta := (sent - lastSent[key]) + (received - lastReceived[key])
	bandwidth := int64(float64(delta) / elapsed)

	stats.CurrentBandwidth = bandwidth
	if bandwidth > stats.MaxBandwidth {
		stats.MaxBandwidth = bandwidth
	}
	if bandwidth > 0 && (!stats.MinBandwidthRecorded || bandwidth < stats.MinBandwidth) {
		stats.MinBandwidth = bandwidth
		stats.MinBandwidthRecorded = true
	}

	stats.BandwidthSamples = append(stats.BandwidthSamples, BandwidthSample{Timestamp: now, BytesPerSecond: bandwidth})
	if len(stats.BandwidthSamples) > maxBandwidthSamples {
		stats.BandwidthSamples = stats.BandwidthSamples[len(stats.BandwidthSamples)-maxBandwidthSamples:]
	}

	lastSent[key] = sent
	lastReceived[key] = received
}

// schedulePeriodicPersistence flushes every tracked key to the database
// every persistInterval, rather than the teacher's fixed "next midnight"
// schedule — an accelerator instance can be restarted far more often
// than once a day, and a shorter, configurable interval bounds how much
// of the in-memory counters a crash can lose.
func (c *Collector) schedulePeriodicPersistence() {
	go func() {
		ticker := time.NewTicker(c.persistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.saveToDatabase()
			case <-c.stopChan:
				return
			}
		}
	}()
}

func (c *Collector) saveToDatabase() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for key, stats := range c.stats {
		c.db.Write("hoststats", key, stats.snapshot())
	}
}

func (c *Collector) loadFromDatabase() {
	entries, err := c.db.ListTable("hoststats")
	if err != nil {
		return
	}
	for _, entry := range entries {
		var stats HostStatistics
		if err := json.Unmarshal([]byte(entry[1]), &stats); err != nil {
			continue
		}
		c.stats[stats.Hostname] = &stats
	}
}

// ResetHostStats zeroes every counter for key, keeping the entry (rather
// than deleting it) so GetHostStats continues to report a present-but-empty
// record instead of nil.
func (c *Collector) ResetHostStats(key string) {
	c.mu.RLock()
	stats, exists := c.stats[key]
	c.mu.RUnlock()
	if !exists {
		return
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()
	stats.TotalRequests = 0
	stats.CachedRequests = 0
	stats.CacheMisses = 0
	stats.CacheHitRate = 0
	stats.CachedDataSize = 0
	stats.CachedObjects = 0
	stats.BytesSent = 0
	stats.BytesReceived = 0
	stats.CurrentBandwidth = 0
	stats.MaxBandwidth = 0
	stats.MinBandwidth = 0
	stats.MinBandwidthRecorded = false
	stats.BandwidthSamples = nil
	stats.LastUpdated = time.Now()
}

// Close stops the background goroutines and flushes counters one last
// time.
func (c *Collector) Close() {
	close(c.stopChan)
	c.saveToDatabase()
}
