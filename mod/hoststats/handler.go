package hoststats

import (
	"encoding/json"
	"net/http"
	"strings"
)

// HandleGetAllHostStats serves every tracked key's statistics.
func (c *Collector) HandleGetAllHostStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, c.GetAllHostStats())
}

// HandleGetHostStats serves the statistics for ?hostname=.
func (c *Collector) HandleGetHostStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := c.lookup(w, r)
	if stats == nil {
		return
	}
	writeJSON(w, stats)
}

// HandleGetHostBandwidth serves just the bandwidth fields for ?hostname=,
// trimming the full counter set for a dashboard widget that only plots
// throughput.
func (c *Collector) HandleGetHostBandwidth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := c.lookup(w, r)
	if stats == nil {
		return
	}
	writeJSON(w, map[string]any{
		"hostname":          stats.Hostname,
		"current_bandwidth": stats.CurrentBandwidth,
		"max_bandwidth":     stats.MaxBandwidth,
		"min_bandwidth":     stats.MinBandwidth,
		"samples":           stats.BandwidthSamples,
	})
}

// HandleResetHostStats zeroes the counters for ?hostname=.
func (c *Collector) HandleResetHostStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hostname := r.URL.Query().Get("hostname")
	if hostname == "" {
		http.Error(w, "hostname parameter is required", http.StatusBadRequest)
		return
	}
	c.ResetHostStats(hostname)
	writeJSON(w, map[string]string{"status": "success"})
}

// HandleGetHostList serves a trimmed summary row per tracked key, for a
// host-picker list that doesn't need the full bandwidth history.
func (c *Collector) HandleGetHostList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type summary struct {
		Hostname      string  `json:"hostname"`
		TotalRequests int64   `json:"total_requests"`
		CacheHitRate  float64 `json:"cache_hit_rate"`
		BytesSent     int64   `json:"bytes_sent"`
		BytesReceived int64   `json:"bytes_received"`
		MaxBandwidth  int64   `json:"max_bandwidth"`
	}

	all := c.GetAllHostStats()
	rows := make([]summary, 0, len(all))
	for _, stats := range all {
		rows = append(rows, summary{
			Hostname:      stats.Hostname,
			TotalRequests: stats.TotalRequests,
			CacheHitRate:  stats.CacheHitRate,
			BytesSent:     stats.BytesSent,
			BytesReceived: stats.BytesReceived,
			MaxBandwidth:  stats.MaxBandwidth,
		})
	}
	writeJSON(w, rows)
}

// lookup resolves ?hostname= to a HostStatistics, writing the
// appropriate error response and returning nil if it can't.
func (c *Collector) lookup(w http.ResponseWriter, r *http.Request) *HostStatistics {
	hostname := r.URL.Query().Get("hostname")
	if hostname == "" {
		http.Error(w, "hostname parameter is required", http.StatusBadRequest)
		return nil
	}
	stats := c.GetHostStats(hostname)
	if stats == nil {
		http.Error(w, "host not found", http.StatusNotFound)
		return nil
	}
	return stats
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// GetHostnameFromRequest extracts the client-facing hostname from a
// request's Host header, stripping any port.
func GetHostnameFromRequest(r *http.Request) string {
	hostname := r.Host
	if idx := strings.Index(hostname, ":"); idx != -1 {
		hostname = hostname[:idx]
	}
	return hostname
}
