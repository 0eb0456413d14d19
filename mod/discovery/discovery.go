// Package discovery advertises this offload instance over mDNS so the
// configured pool of offload hostnames (spec.md §6) can be populated by
// discovery instead of by hand.
package discovery

import (
	"fmt"

	"github.com/grandcat/zeroconf"
)

// Advertiser wraps a registered zeroconf service.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers instance.service.domain at port, with txt records
// describing this instance (e.g. cache-name).
func Advertise(instance, service, domain string, port int, txt []string) (*Advertiser, error) {
	server, err := zeroconf.Register(instance, service, domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s.%s: %w", instance, service, err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
}
