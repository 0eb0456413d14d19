// Package originhealth periodically probes the configured origin host
// with ICMP for operator-facing reachability diagnostics. It is purely
// observational: correctness of cache serving never depends on it, only
// the HEAD-based Freshness Oracle does.
package originhealth

import (
	"sync"
	"time"

	"github.com/go-ping/ping"
)

// Status is the most recently observed reachability snapshot.
type Status struct {
	Host          string    `json:"host"`
	Reachable     bool      `json:"reachable"`
	PacketLoss    float64   `json:"packet_loss_percent"`
	AvgRTT        string    `json:"avg_rtt"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	Err           string    `json:"error,omitempty"`
}

// Prober runs a background ICMP probe of one host on an interval.
type Prober struct {
	host     string
	interval time.Duration
	count    int

	mu     sync.RWMutex
	status Status

	stop chan struct{}
}

// New returns a Prober for host, probing every interval with a small
// ping count per probe.
func New(host string, interval time.Duration) *Prober {
	return &Prober{
		host:     host,
		interval: interval,
		count:    3,
		status:   Status{Host: host},
		stop:     make(chan struct{}),
	}
}

// Start runs the probe loop in a background goroutine until Stop is
// called.
func (p *Prober) Start() {
	go func() {
		p.probeOnce()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.probeOnce()
			case <-p.stop:
				return
			}
		}
	}()
}

func (p *Prober) probeOnce() {
	now := time.Now()
	pinger, err := ping.NewPinger(p.host)
	if err != nil {
		p.setStatus(Status{Host: p.host, Reachable: false, LastCheckedAt: now, Err: err.Error()})
		return
	}
	pinger.Count = p.count
	pinger.Timeout = 5 * time.Second

	if err := pinger.Run(); err != nil {
		p.setStatus(Status{Host: p.host, Reachable: false, LastCheckedAt: now, Err: err.Error()})
		return
	}

	stats := pinger.Statistics()
	p.setStatus(Status{
		Host:          p.host,
		Reachable:     stats.PacketsRecv > 0,
		PacketLoss:    stats.PacketLoss,
		AvgRTT:        stats.AvgRtt.String(),
		LastCheckedAt: now,
	})
}

func (p *Prober) setStatus(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

// Status returns the most recent probe result.
func (p *Prober) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Stop halts the background probe loop.
func (p *Prober) Stop() {
	close(p.stop)
}
