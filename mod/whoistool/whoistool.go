// Package whoistool provides a small admin diagnostic for looking up
// registration data on the configured origin hostname. Operational
// convenience only — it has no effect on request handling.
package whoistool

import (
	"fmt"

	"github.com/likexian/whois"
)

// Lookup returns the raw whois response text for domain.
func Lookup(domain string) (string, error) {
	result, err := whois.Whois(domain)
	if err != nil {
		return "", fmt.Errorf("whoistool: lookup %s: %w", domain, err)
	}
	return result, nil
}
