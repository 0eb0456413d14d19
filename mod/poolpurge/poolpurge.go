// Package poolpurge fans a purge request out to sibling offload
// instances in the configured rotation pool (spec.md §6's "configured
// pool of offload hostnames"), adapted from the teacher's VarnishStore
// PURGE/BAN fan-out mechanics — same HTTP-verb-to-N-endpoints shape,
// retargeted at sibling offload admin endpoints instead of a Varnish
// cluster.
package poolpurge

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Broadcaster fans purge requests out to a pool of sibling instances'
// admin base URLs (e.g. "https://offload-2.example.com:8081").
type Broadcaster struct {
	members    []string
	httpClient *http.Client
}

// New returns a Broadcaster for the given sibling admin base URLs.
func New(members []string) *Broadcaster {
	return &Broadcaster{
		members:    members,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Result is the per-member outcome of a broadcast.
type Result struct {
	Member     string
	StatusCode int
	Err        error
}

// PurgeKey asks every pool member to purge the CacheEntry for key.
func (b *Broadcaster) PurgeKey(ctx context.Context, key string) []Result {
	return b.broadcast(ctx, "/admin/purge?key="+key)
}

// PurgePrefix asks every pool member to purge every CacheEntry whose
// stored origin URI starts with prefix.
func (b *Broadcaster) PurgePrefix(ctx context.Context, prefix string) []Result {
	return b.broadcast(ctx, "/admin/purge-prefix?prefix="+prefix)
}

func (b *Broadcaster) broadcast(ctx context.Context, path string) []Result {
	results := make([]Result, len(b.members))
	for i, member := range b.members {
		url := member + path
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			results[i] = Result{Member: member, Err: fmt.Errorf("poolpurge: build request: %w", err)}
			continue
		}

		resp, err := b.httpClient.Do(req)
		if err != nil {
			results[i] = Result{Member: member, Err: fmt.Errorf("poolpurge: request to %s: %w", member, err)}
			continue
		}
		resp.Body.Close()
		results[i] = Result{Member: member, StatusCode: resp.StatusCode}
	}
	return results
}

// Close releases idle connections held by the broadcaster's HTTP client.
func (b *Broadcaster) Close() {
	b.httpClient.CloseIdleConnections()
}
