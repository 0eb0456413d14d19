package poolpurge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPurgeKeyBroadcastsToAllMembers(t *testing.T) {
	var gotPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path+"?"+r.URL.RawQuery)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := New([]string{srv.URL, srv.URL})
	defer b.Close()

	results := b.PurgeKey(context.Background(), "abc123")
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("member %s: unexpected error %v", r.Member, r.Err)
		}
		if r.StatusCode != http.StatusOK {
			t.Errorf("member %s: status = %d, want 200", r.Member, r.StatusCode)
		}
	}
	if len(gotPaths) != 2 || gotPaths[0] != "/admin/purge?key=abc123" {
		t.Errorf("unexpected request paths: %v", gotPaths)
	}
}

func TestPurgePrefixReportsPerMemberErrors(t *testing.T) {
	b := New([]string{"http://127.0.0.1:0", "http://[::1]:0"})
	defer b.Close()

	results := b.PurgePrefix(context.Background(), "hostA/")
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Err == nil {
			t.Errorf("member %s: expected connection error, got none", r.Member)
		}
	}
}

func TestBroadcastWithNoMembersReturnsEmpty(t *testing.T) {
	b := New(nil)
	defer b.Close()

	results := b.PurgeKey(context.Background(), "k")
	if len(results) != 0 {
		t.Errorf("len(results) = %d, want 0", len(results))
	}
}
