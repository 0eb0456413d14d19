package pathfilter

import "testing"

func TestExcludedMatchesPrefix(t *testing.T) {
	f := New([]string{"/private", "/internal/"})

	cases := map[string]bool{
		"/private":         true,
		"/private/file.js": true,
		"/internal/x":      true,
		"/public/file.js":  false,
		"/":                false,
	}
	for path, want := range cases {
		if got := f.Excluded(path); got != want {
			t.Errorf("Excluded(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestEmptyFilterExcludesNothing(t *testing.T) {
	f := New(nil)
	if f.Excluded("/anything") {
		t.Fatal("expected empty filter to exclude nothing")
	}
}
