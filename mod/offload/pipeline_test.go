package offload

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.offloadsrv.dev/offload/mod/cache"
	"go.offloadsrv.dev/offload/mod/cachemutex"
	"go.offloadsrv.dev/offload/mod/config"
	"go.offloadsrv.dev/offload/mod/dlregistry"
	"go.offloadsrv.dev/offload/mod/hoststats"
	"go.offloadsrv.dev/offload/mod/logger"
	"go.offloadsrv.dev/offload/mod/originclient"
	"go.offloadsrv.dev/offload/mod/store"
)

// fakeOrigin is a one-connection-per-request raw HTTP/1.1 server whose
// response is produced by a caller-supplied function of (method, uri),
// standing in for the base origin server this package talks to in
// production.
type fakeOrigin struct {
	ln       net.Listener
	respond  func(method, uri string) string
	getCalls int32
}

func startFakeOrigin(t *testing.T, respond func(method, uri string) string) *fakeOrigin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeOrigin{ln: ln, respond: respond}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeOrigin) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	requestLine, err := r.ReadString('\n')
	if err != nil {
		return
	}
	fields := strings.Fields(requestLine)
	if len(fields) < 2 {
		return
	}
	method, uri := fields[0], fields[1]
	for {
		line, err := r.ReadString('\n')
		if err != nil || strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}
	if method == http.MethodGet {
		atomic.AddInt32(&f.getCalls, 1)
	}
	io.WriteString(conn, f.respond(method, uri))
}

func (f *fakeOrigin) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(f.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// newTestHandler wires a Handler against a fresh temp cache directory and
// the given fake origin, with the Duplicate-Download Registry disabled
// unless dupCap > 0.
func newTestHandler(t *testing.T, origin *fakeOrigin, dupCap int) *Handler {
	t.Helper()
	dir := t.TempDir()

	st, err := cache.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	host, port := origin.hostPort(t)
	cfg := &config.Config{
		BaseServer:     "origin.example.com",
		BaseServerPort: port,
		TimeoutSeconds: 2,
		OffloadDir:     dir,
	}
	client := originclient.New(host, port, cfg.Timeout())

	var registry dlregistry.Registry
	var liveness *dlregistry.LivenessChecker
	if dupCap > 0 {
		liveness = dlregistry.NewLivenessChecker(time.Second)
		t.Cleanup(liveness.Close)
		mutex := cachemutex.New(dir, "dlregistry")
		reg, err := dlregistry.NewLocalRegistry(dir+"/dlregistry.db", mutex, cachemutex.Token(1), dupCap, liveness)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { reg.Close() })
		registry = reg
	}

	db, err := store.Open(dir + "/hoststats.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	stats, err := hoststats.NewCollector(hoststats.CollectorOption{Database: db})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(stats.Close)

	log := logger.New(io.Discard, logger.LevelError)

	return NewHandler(cfg, client, st, registry, liveness, nil, log, stats, nil)
}

func headAndGetResponder(body string, extraHeaders string) func(method, uri string) string {
	return func(method, uri string) string {
		hdr := fmt.Sprintf(
			"HTTP/1.1 200 OK\r\nETag: \"v1\"\r\nContent-Length: %d\r\nLast-Modified: Mon, 01 Jan 2024 00:00:00 GMT\r\nContent-Type: text/plain\r\n%s\r\n",
			len(body), extraHeaders,
		)
		if method == http.MethodHead {
			return hdr
		}
		return hdr + body
	}
}

func TestServeHTTPColdMissServesFullBodyAndCaches(t *testing.T) {
	body := "hello, offload"
	origin := startFakeOrigin(t, headAndGetResponder(body, ""))
	h := newTestHandler(t, origin, 0)

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/object.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for string(got) != body && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		resp2, err := http.Get(srv.URL + "/object.bin")
		if err != nil {
			t.Fatal(err)
		}
		got, _ = io.ReadAll(resp2.Body)
		resp2.Body.Close()
	}
	if string(got) != body {
		t.Fatalf("body = %q, want %q", got, body)
	}
	if resp.Header.Get("ETag") != "v1" {
		t.Errorf("ETag = %q, want v1", resp.Header.Get("ETag"))
	}
}

func TestServeHTTPWarmHitSkipsOriginGet(t *testing.T) {
	body := "cached payload"
	origin := startFakeOrigin(t, headAndGetResponder(body, ""))
	h := newTestHandler(t, origin, 0)

	srv := httptest.NewServer(h)
	defer srv.Close()

	first, err := http.Get(srv.URL + "/warm.bin")
	if err != nil {
		t.Fatal(err)
	}
	io.ReadAll(first.Body)
	first.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := h.store.DataSize("v1"); n == int64(len(body)) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	callsBefore := atomic.LoadInt32(&origin.getCalls)

	second, err := http.Get(srv.URL + "/warm.bin")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(second.Body)
	second.Body.Close()

	if string(got) != body {
		t.Fatalf("second read body = %q, want %q", got, body)
	}
	if atomic.LoadInt32(&origin.getCalls) != callsBefore {
		t.Errorf("expected no additional origin GET on a warm hit, calls went from %d to %d", callsBefore, atomic.LoadInt32(&origin.getCalls))
	}
}

func TestServeHTTPForwardsNonOKOriginStatus(t *testing.T) {
	origin := startFakeOrigin(t, func(method, uri string) string {
		return "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"
	})
	h := newTestHandler(t, origin, 0)

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/missing.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServeHTTPRejectsQueryString(t *testing.T) {
	origin := startFakeOrigin(t, headAndGetResponder("x", ""))
	h := newTestHandler(t, origin, 0)

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/a.bin?x=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestServeHTTPRejectsUnsupportedMethod(t *testing.T) {
	origin := startFakeOrigin(t, headAndGetResponder("x", ""))
	h := newTestHandler(t, origin, 0)

	srv := httptest.NewServer(h)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/a.bin", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestServeHTTPServesRobotsTxtLocally(t *testing.T) {
	origin := startFakeOrigin(t, headAndGetResponder("x", ""))
	h := newTestHandler(t, origin, 0)

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/robots.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Disallow: /") {
		t.Errorf("robots body = %q, missing Disallow", body)
	}
	if atomic.LoadInt32(&origin.getCalls) != 0 {
		t.Errorf("robots.txt should not reach the origin")
	}
}

func TestParseRangeIgnoresRangeWhenIfRangePresent(t *testing.T) {
	start, end, partial, err := parseRange("bytes=0-3", "\"some-etag\"", 100)
	if err != nil {
		t.Fatal(err)
	}
	if partial {
		t.Errorf("expected If-Range to suppress partial content")
	}
	if start != 0 || end != 99 {
		t.Errorf("start=%d end=%d, want full range 0-99", start, end)
	}
}

func TestParseRangeSuffixForm(t *testing.T) {
	start, end, partial, err := parseRange("bytes=-10", "", 100)
	if err != nil {
		t.Fatal(err)
	}
	if !partial || start != 90 || end != 99 {
		t.Errorf("start=%d end=%d partial=%v, want 90-99 partial", start, end, partial)
	}
}

func TestParseRangeClampsEndToTotal(t *testing.T) {
	start, end, partial, err := parseRange("bytes=10-1000", "", 100)
	if err != nil {
		t.Fatal(err)
	}
	if !partial || start != 10 || end != 99 {
		t.Errorf("start=%d end=%d partial=%v, want 10-99 partial", start, end, partial)
	}
}

func TestParseRangeRejectsMultipleRanges(t *testing.T) {
	_, _, _, err := parseRange("bytes=0-1,2-3", "", 100)
	if err == nil {
		t.Fatal("expected error for multiple ranges")
	}
}

func TestParseRangeRejectsInvertedRange(t *testing.T) {
	_, _, _, err := parseRange("bytes=50-10", "", 100)
	if err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestServeHTTPDuplicateDownloadRejectedOverCap(t *testing.T) {
	block := make(chan struct{})
	origin := startFakeOrigin(t, func(method, uri string) string {
		if method == http.MethodGet {
			<-block
		}
		return headAndGetResponder("slow-body", "")(method, uri)
	})
	h := newTestHandler(t, origin, 1)
	defer close(block)

	srv := httptest.NewServer(h)
	defer srv.Close()

	results := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := http.Get(srv.URL + "/dupe.bin")
			if err != nil {
				results <- -1
				return
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)
			results <- resp.StatusCode
		}()
		time.Sleep(50 * time.Millisecond)
	}

	a, b := <-results, <-results
	if !(a == http.StatusForbidden || b == http.StatusForbidden) {
		t.Errorf("expected one of two concurrent duplicate GETs to be rejected, got %d and %d", a, b)
	}
}
