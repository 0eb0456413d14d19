// Package pathfilter matches request paths against a configured list of
// excluded prefixes — an offload-side mirror of the origin plug-in's own
// exclusion wildcards (spec.md §6), kept here as a defense-in-depth
// duplicate in case a request reaches this instance that the origin
// should never have redirected.
package pathfilter

import "github.com/armon/go-radix"

// Filter holds a set of excluded path prefixes.
type Filter struct {
	tree *radix.Tree
}

// New builds a Filter from a list of path prefixes (e.g. "/private",
// "/internal/"). An empty list yields a Filter that excludes nothing.
func New(prefixes []string) *Filter {
	t := radix.New()
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		t.Insert(p, true)
	}
	return &Filter{tree: t}
}

// Excluded reports whether path matches any configured excluded prefix.
func (f *Filter) Excluded(path string) bool {
	if f.tree.Len() == 0 {
		return false
	}
	prefix, _, ok := f.tree.LongestPrefix(path)
	if !ok {
		return false
	}
	// LongestPrefix matches a key that is itself a prefix of path under
	// radix semantics by construction of the tree lookup order, but
	// since go-radix doesn't distinguish "starts with" from exact
	// containment here, confirm explicitly.
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}
