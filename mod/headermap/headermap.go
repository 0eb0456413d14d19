// Package headermap implements the ordered name/value map used for both
// origin response headers and the persisted metadata sidecar.
package headermap

import (
	"fmt"
	"io"

	"golang.org/x/net/http/httpguts"
)

// pair is one name/value entry. Keeping the value as an independent copy
// on every Set matters here: callers (notably the CacheKey normalizer)
// routinely derive a new value from a substring of an old one, e.g.
// stripping a "W/" prefix off an ETag before it's stored back under the
// same or a different name.
type pair struct {
	name  string
	value string
}

// Map is an insertion-ordered, case-sensitive name/value map. The zero
// value is ready to use.
type Map struct {
	order []pair
	index map[string]int
}

// New returns an empty Map.
func New() *Map {
	return &Map{index: make(map[string]int)}
}

// Set inserts name=value, or overwrites the value if name is already
// present. Order is preserved: an overwrite keeps its original position.
func (m *Map) Set(name, value string) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	cp := string([]byte(value)) // independent copy; see pair doc above
	if i, ok := m.index[name]; ok {
		m.order[i].value = cp
		return
	}
	m.index[name] = len(m.order)
	m.order = append(m.order, pair{name: name, value: cp})
}

// Get returns the value for name and whether it was present.
func (m *Map) Get(name string) (string, bool) {
	i, ok := m.index[name]
	if !ok {
		return "", false
	}
	return m.order[i].value, true
}

// GetDefault returns the value for name, or def if absent.
func (m *Map) GetDefault(name, def string) string {
	if v, ok := m.Get(name); ok {
		return v
	}
	return def
}

// Has reports whether name is present.
func (m *Map) Has(name string) bool {
	_, ok := m.index[name]
	return ok
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return len(m.order)
}

// Range calls fn for each entry in insertion order. fn returning false
// stops iteration early.
func (m *Map) Range(fn func(name, value string) bool) {
	for _, p := range m.order {
		if !fn(p.name, p.value) {
			return
		}
	}
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	out := New()
	for _, p := range m.order {
		out.Set(p.name, p.value)
	}
	return out
}

// Validate rejects header values the metadata sidecar format cannot round
// trip: the format has no escaping, so a value containing a bare newline
// would corrupt the alternating key/value layout, and a header name or
// value with an invalid field character is ambiguous on the wire anyway.
func (m *Map) Validate() error {
	for _, p := range m.order {
		if !httpguts.ValidHeaderFieldName(p.name) {
			return fmt.Errorf("headermap: invalid header name %q", p.name)
		}
		if !httpguts.ValidHeaderFieldValue(p.value) {
			return fmt.Errorf("headermap: invalid header value for %q", p.name)
		}
	}
	return nil
}

// WriteTo serializes the map to the metadata sidecar format: for each
// pair, the name, a newline, the value, a newline. No escaping.
func (m *Map) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, p := range m.order {
		n, err := io.WriteString(w, p.name+"\n"+p.value+"\n")
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
