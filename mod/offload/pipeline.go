// Package offload implements the Request Pipeline: the per-request state
// machine that validates an inbound request, performs the origin HEAD,
// consults the cache store, starts a CachingWorker on a miss, emits
// response headers, and streams the selected byte range to the client.
//
// States: Parsed -> Validated -> HeadFetched -> CacheDecision ->
// (HitOpen | MissStartWriter) -> RespondHeaders -> StreamBody -> Done.
// There is no explicit state enum; ServeHTTP runs the states as a
// straight-line sequence of early returns, each terminating at Fail on
// error, which mirrors the teacher's own flat ServeHTTP dispatch more
// closely than a modeled state value would.
package offload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.offloadsrv.dev/offload/mod/cache"
	"go.offloadsrv.dev/offload/mod/cacheworker"
	"go.offloadsrv.dev/offload/mod/cachemutex"
	"go.offloadsrv.dev/offload/mod/config"
	"go.offloadsrv.dev/offload/mod/dlregistry"
	"go.offloadsrv.dev/offload/mod/hoststats"
	"go.offloadsrv.dev/offload/mod/keyindex"
	"go.offloadsrv.dev/offload/mod/logger"
	"go.offloadsrv.dev/offload/mod/originclient"
	"go.offloadsrv.dev/offload/mod/pathfilter"
)

const robotsBody = "User-agent: *\nDisallow: /\n"

const readChunk = 32 * 1024

// Handler implements the Request Pipeline as an http.Handler.
type Handler struct {
	cfg      *config.Config
	origin   *originclient.Client
	store    *cache.Store
	registry dlregistry.Registry
	liveness *dlregistry.LivenessChecker
	filter   *pathfilter.Filter
	log      *logger.Logger
	stats    *hoststats.Collector
	index    *keyindex.Index // optional: nil disables the admin key-listing endpoint

	mutexesMu sync.Mutex
	mutexes   map[string]*cachemutex.Mutex
	tokenSeq  uint64

	slots *requestTracker
}

// NewHandler wires the Request Pipeline. registry and liveness may be nil
// to disable the Duplicate-Download Registry entirely (spec.md §4.3,
// "a zero cap disables this component"). index may be nil to skip
// secondary key-index maintenance.
func NewHandler(cfg *config.Config, origin *originclient.Client, store *cache.Store, registry dlregistry.Registry, liveness *dlregistry.LivenessChecker, filter *pathfilter.Filter, log *logger.Logger, stats *hoststats.Collector, index *keyindex.Index) *Handler {
	return &Handler{
		cfg:      cfg,
		origin:   origin,
		store:    store,
		registry: registry,
		liveness: liveness,
		filter:   filter,
		log:      log,
		stats:    stats,
		index:    index,
		mutexes:  make(map[string]*cachemutex.Mutex),
		slots:    newRequestTracker(),
	}
}

func (h *Handler) mutexFor(key string) *cachemutex.Mutex {
	h.mutexesMu.Lock()
	defer h.mutexesMu.Unlock()
	m, ok := h.mutexes[key]
	if !ok {
		m = cachemutex.New(h.cfg.OffloadDir, h.cfg.CacheName+"-"+key)
		h.mutexes[key] = m
	}
	return m
}

func (h *Handler) nextToken() cachemutex.Token {
	return cachemutex.Token(atomic.AddUint64(&h.tokenSeq, 1))
}

// ServeHTTP is the pipeline entry point — Parsed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Path
	hostname := hoststats.GetHostnameFromRequest(r)

	// Validated.
	if r.URL.RawQuery != "" {
		h.fail(w, http.StatusForbidden, "query strings are not supported")
		return
	}
	if uri == "" || uri[0] != '/' {
		h.fail(w, http.StatusBadRequest, "malformed request URI")
		return
	}
	method := strings.ToUpper(r.Method)
	if method != http.MethodGet && method != http.MethodHead {
		h.fail(w, http.StatusForbidden, "method not supported")
		return
	}
	if uri == "/robots.txt" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, robotsBody)
		return
	}
	if h.filter != nil && h.filter.Excluded(uri) {
		h.fail(w, http.StatusForbidden, "path excluded")
		return
	}

	var digest dlregistry.Digest
	var slotID int
	haveSlot := false
	if method == http.MethodGet && h.registry != nil {
		digest = dlregistry.ComputeDigest(clientIPOf(r), uri)
		slotID = h.slots.Begin()
		defer h.slots.End(slotID)
		if err := h.registry.Acquire(r.Context(), digest, slotID); err != nil {
			if errors.Is(err, dlregistry.ErrCapReached) {
				h.fail(w, http.StatusForbidden, "too many concurrent downloads for this URL; please disable your download accelerator and try again")
				return
			}
			h.fail(w, http.StatusInternalServerError, "duplicate-download registry error")
			return
		}
		haveSlot = true
		defer func() {
			if err := h.registry.Release(context.Background(), digest, slotID); err != nil {
				h.log.PrintAndLog("offload", "release download slot", err)
			}
		}()
	}
	_ = haveSlot

	// HeadFetched.
	head, err := h.origin.Head(uri)
	if err != nil {
		h.fail(w, http.StatusServiceUnavailable, "origin unreachable")
		return
	}
	if head.StatusCode == http.StatusUnauthorized || head.Headers.Has("WWW-Authenticate") {
		h.fail(w, http.StatusForbidden, "protected content")
		return
	}
	if head.StatusCode != http.StatusOK {
		h.forwardNonOK(w, head)
		return
	}
	if !head.Headers.Has(cache.HeaderETag) || !head.Headers.Has(cache.HeaderContentLength) || !head.Headers.Has(cache.HeaderLastModified) {
		h.fail(w, http.StatusForbidden, "origin response missing required headers")
		return
	}

	key, weak, err := cache.NormalizeETag(head.Headers.GetDefault(cache.HeaderETag, ""))
	if err != nil {
		h.fail(w, http.StatusServiceUnavailable, "origin returned an unusable ETag")
		return
	}
	contentLength, err := strconv.ParseInt(head.Headers.GetDefault(cache.HeaderContentLength, ""), 10, 64)
	if err != nil || contentLength < 0 {
		h.fail(w, http.StatusServiceUnavailable, "origin returned an invalid Content-Length")
		return
	}

	// CacheDecision -> (HitOpen | MissStartWriter).
	meta, hit, err := h.resolveCacheEntry(key, weak, uri, head, contentLength)
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "cache error: "+err.Error())
		return
	}

	start, end, partial, rangeErr := parseRange(r.Header.Get("Range"), r.Header.Get("If-Range"), contentLength)
	if rangeErr != nil {
		h.fail(w, http.StatusBadRequest, rangeErr.Error())
		return
	}

	// RespondHeaders.
	status := http.StatusOK
	if partial {
		status = http.StatusPartialContent
	}
	h.writeResponseHeaders(w, status, meta, start, end, contentLength, partial)

	if method == http.MethodHead {
		h.stats.RecordRequest(hostname, hit)
		return
	}

	// StreamBody.
	sent, err := h.streamBody(w, key, start, end, contentLength)
	h.stats.RecordRequest(hostname, hit)
	h.stats.RecordTraffic(hostname, sent, 0)
	if err != nil {
		h.log.PrintAndLog("offload", fmt.Sprintf("stream body for %s", uri), err)
	}
	// Done.
}

// resolveCacheEntry implements CacheDecision: it loads and validates any
// existing CacheEntry for key against a fresh HEAD, reclaiming an
// abandoned entry or starting a new CachingWorker as needed. The bool
// result is true on a cache hit (no new CachingWorker spawned).
func (h *Handler) resolveCacheEntry(key string, weak bool, uri string, head *originclient.Response, contentLength int64) (*cache.Metadata, bool, error) {
	if h.store.Exists(key) {
		meta, err := h.store.ReadMetadata(key)
		if err == nil && meta.IsValidEntry(key) {
			dataPath := h.store.DataPath(key)
			headMeta := headMetaFromResponse(head, key)
			if cache.IsFresh(meta, headMeta, dataPath, h.pidAlive) {
				return meta, true, nil
			}
			if cache.IsAbandoned(meta, dataPath, h.pidAlive) {
				token := h.nextToken()
				mutex := h.mutexFor(key)
				if err := mutex.Lock(token); err != nil {
					return nil, false, fmt.Errorf("acquire mutex: %w", err)
				}
				h.recordCacheRemoved(key, meta)
				err := h.store.Remove(key)
				mutex.Unlock(token)
				if err != nil {
					return nil, false, fmt.Errorf("remove abandoned entry: %w", err)
				}
				h.indexDelete(key)
			}
		}
	}

	meta, err := h.startCachingWorker(key, weak, uri, head, contentLength)
	return meta, false, err
}

// startCachingWorker implements MissStartWriter: under the mutex, unlink
// any stale files, open the origin GET, create filedata/metadata, commit
// metadata, and spawn the detached CachingWorker, exactly the ordering
// spec.md §4.8's cache-miss path requires.
func (h *Handler) startCachingWorker(key string, weak bool, uri string, head *originclient.Response, contentLength int64) (*cache.Metadata, error) {
	token := h.nextToken()
	mutex := h.mutexFor(key)
	if err := mutex.Lock(token); err != nil {
		return nil, fmt.Errorf("acquire mutex: %w", err)
	}
	defer mutex.Unlock(token)

	if err := h.store.Remove(key); err != nil {
		return nil, fmt.Errorf("remove stale entry: %w", err)
	}

	getResp, err := h.origin.Get(uri)
	if err != nil {
		return nil, fmt.Errorf("origin GET: %w", err)
	}

	dataFile, err := h.store.CreateDataFile(key)
	if err != nil {
		getResp.Body.Close()
		return nil, fmt.Errorf("create filedata: %w", err)
	}

	meta := cache.NewMetadata()
	head.Headers.Range(func(name, value string) bool {
		meta.Set(name, value)
		return true
	})
	if !meta.Has(cache.HeaderContentType) {
		meta.Set(cache.HeaderContentType, "application/octet-stream")
	}
	meta.Set(cache.HeaderETag, key)
	weakFlag := "0"
	if weak {
		weakFlag = "1"
	}
	meta.Set(cache.KeyIsWeak, weakFlag)
	meta.Set(cache.KeyOrigURL, uri)
	meta.Set(cache.KeyHostname, h.cfg.BaseServer)
	meta.Set(cache.KeyOrigETag, head.Headers.GetDefault(cache.HeaderETag, ""))
	meta.Set(cache.KeyCachingPID, strconv.Itoa(os.Getpid()))

	if err := h.store.WriteMetadata(key, meta); err != nil {
		dataFile.Close()
		getResp.Body.Close()
		h.store.Remove(key)
		return nil, fmt.Errorf("commit metadata: %w", err)
	}

	worker := cacheworker.New(key, contentLength, getResp.Body, dataFile, h.store, mutex, h.log, h.cfg.Timeout())
	worker.Start()
	h.indexPut(key)
	h.stats.RecordCacheData(h.cfg.BaseServer, contentLength, 1)

	return meta, nil
}

// recordCacheRemoved decrements the live cache-occupancy counters for an
// entry about to be removed, mirroring the increment startCachingWorker
// records on commit. Best-effort: a metadata read failure just means the
// occupancy counters drift rather than the purge/reclaim failing.
func (h *Handler) recordCacheRemoved(key string, meta *cache.Metadata) {
	if meta == nil {
		var err error
		meta, err = h.store.ReadMetadata(key)
		if err != nil {
			return
		}
	}
	size, err := strconv.ParseInt(meta.GetDefault(cache.HeaderContentLength, ""), 10, 64)
	if err != nil {
		return
	}
	hostname := meta.GetDefault(cache.KeyHostname, h.cfg.BaseServer)
	h.stats.RecordCacheData(hostname, -size, -1)
}

// indexPut and indexDelete maintain the optional secondary key index,
// tolerating a nil index (disabled) and logging rather than failing the
// request on an index write error — the filesystem remains authoritative.
func (h *Handler) indexPut(key string) {
	if h.index == nil {
		return
	}
	if err := h.index.Put(key); err != nil {
		h.log.PrintAndLog("offload", "key index put", err)
	}
}

func (h *Handler) indexDelete(key string) {
	if h.index == nil {
		return
	}
	if err := h.index.Delete(key); err != nil {
		h.log.PrintAndLog("offload", "key index delete", err)
	}
}

// headMetaFromResponse builds the comparison side of the Freshness
// Oracle from a fresh HEAD: the origin's raw ETag is replaced with its
// normalized form so the byte-exact compare in cache.IsFresh lines up
// with what is actually stored in a CacheEntry's metadata.
func headMetaFromResponse(head *originclient.Response, normalizedKey string) *cache.Metadata {
	m := cache.NewMetadata()
	head.Headers.Range(func(name, value string) bool {
		m.Set(name, value)
		return true
	})
	m.Set(cache.HeaderETag, normalizedKey)
	return m
}

func (h *Handler) pidAlive(pid int) bool {
	if h.liveness == nil {
		// No checker when the registry is disabled: this process is the
		// only caching pid that can be confirmed alive.
		return pid == os.Getpid()
	}
	return h.liveness.Alive(pid)
}

// streamBody implements the reader half of the Streaming Reader/Writer
// (spec.md §4.7): fstat-polling for writer progress, bounded by
// GTIMEOUT, never holding the mutex.
func (h *Handler) streamBody(w http.ResponseWriter, key string, startRange, endRange, contentLength int64) (int64, error) {
	f, err := h.store.OpenDataFile(key)
	if err != nil {
		return 0, fmt.Errorf("open filedata: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(startRange, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek filedata: %w", err)
	}

	buf := make([]byte, readChunk)
	bytesRead := startRange
	var sent int64
	lastProgress := time.Now()
	timeout := h.cfg.Timeout()
	flusher, _ := w.(http.Flusher)

	for bytesRead <= endRange {
		cursize, err := h.store.DataSize(key)
		if err != nil {
			return sent, fmt.Errorf("stat filedata: %w", err)
		}
		if cursize < contentLength && cursize-bytesRead <= 0 {
			if time.Since(lastProgress) > timeout {
				return sent, fmt.Errorf("reader stalled waiting for writer progress")
			}
			time.Sleep(time.Second)
			continue
		}

		want := int64(readChunk)
		if avail := cursize - bytesRead; avail < want {
			want = avail
		}
		if remain := endRange + 1 - bytesRead; remain < want {
			want = remain
		}
		if want <= 0 {
			break
		}

		n, rerr := f.Read(buf[:want])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client disconnected: stop without touching the cache —
				// the CachingWorker keeps running for later readers.
				return sent, nil
			}
			if flusher != nil {
				flusher.Flush()
			}
			sent += int64(n)
			bytesRead += int64(n)
			lastProgress = time.Now()
		}
		if rerr != nil && rerr != io.EOF {
			return sent, fmt.Errorf("read filedata: %w", rerr)
		}
	}
	return sent, nil
}

// parseRange implements spec.md §4.8's Range handling: a single
// "bytes=" range is accepted; If-Range is ignored entirely (Range is
// dropped, not honored); multiple ranges, non-byte units, and malformed
// or inverted ranges are rejected.
func parseRange(rangeHeader, ifRange string, total int64) (start, end int64, partial bool, err error) {
	if ifRange != "" || rangeHeader == "" {
		return 0, total - 1, false, nil
	}
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, false, fmt.Errorf("unsupported range unit")
	}
	spec := strings.TrimPrefix(rangeHeader, "bytes=")
	if strings.Contains(spec, ",") {
		return 0, 0, false, fmt.Errorf("multiple ranges not supported")
	}
	a, b, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, false, fmt.Errorf("malformed range")
	}

	switch {
	case a == "" && b == "":
		return 0, 0, false, fmt.Errorf("malformed range")
	case a == "":
		n, convErr := strconv.ParseInt(b, 10, 64)
		if convErr != nil || n <= 0 {
			return 0, 0, false, fmt.Errorf("malformed range")
		}
		start = total - n
		if start < 0 {
			start = 0
		}
		end = total - 1
	default:
		s, convErr := strconv.ParseInt(a, 10, 64)
		if convErr != nil || s < 0 {
			return 0, 0, false, fmt.Errorf("malformed range")
		}
		start = s
		if b == "" {
			end = total - 1
		} else {
			e, convErr := strconv.ParseInt(b, 10, 64)
			if convErr != nil {
				return 0, 0, false, fmt.Errorf("malformed range")
			}
			end = e
		}
	}

	if end >= total {
		end = total - 1
	}
	if start < 0 || start > end {
		return 0, 0, false, fmt.Errorf("invalid range")
	}
	return start, end, true, nil
}

func (h *Handler) writeResponseHeaders(w http.ResponseWriter, status int, meta *cache.Metadata, start, end, total int64, partial bool) {
	hdr := w.Header()
	hdr.Set("Status", fmt.Sprintf("%d %s", status, http.StatusText(status)))
	hdr.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	hdr.Set("Server", originclient.ServerIdent)
	hdr.Set("Connection", "close")
	hdr.Set("ETag", meta.GetDefault(cache.HeaderETag, ""))
	hdr.Set("Last-Modified", meta.GetDefault(cache.HeaderLastModified, ""))
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("Content-Type", meta.GetDefault(cache.HeaderContentType, "application/octet-stream"))

	length := total
	if partial {
		length = end - start + 1
		hdr.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	}
	hdr.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)
}

func (h *Handler) fail(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, msg+"\n")
}

func (h *Handler) forwardNonOK(w http.ResponseWriter, head *originclient.Response) {
	if loc, ok := head.Headers.Get("Location"); ok {
		w.Header().Set("Location", loc)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(head.StatusCode)
	io.WriteString(w, http.StatusText(head.StatusCode)+"\n")
}

func clientIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
