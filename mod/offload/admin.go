package offload

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"

	"go.offloadsrv.dev/offload/mod/cache"
	"go.offloadsrv.dev/offload/mod/config"
	"go.offloadsrv.dev/offload/mod/hoststats"
	"go.offloadsrv.dev/offload/mod/keyindex"
	"go.offloadsrv.dev/offload/mod/logger"
	"go.offloadsrv.dev/offload/mod/originhealth"
	"go.offloadsrv.dev/offload/mod/poolpurge"
	"go.offloadsrv.dev/offload/mod/whoistool"
)

const sessionName = "offloadsrv-admin"

// AdminHandler serves the operator-facing endpoints: purge, host
// statistics, a live log tail, and the origin reachability/whois
// diagnostics. Authentication is a cookie session rather than the
// teacher's Bearer-token-or-query-secret check, since an operator
// console benefits from a login the browser remembers.
type AdminHandler struct {
	store    *sessions.CookieStore
	cache    *cacheAdmin
	stats    *hoststats.Collector
	log      *logger.Logger
	pool     *poolpurge.Broadcaster
	prober   *originhealth.Prober
	cfg      *config.Config
	upgrader websocket.Upgrader
	index    *keyindex.Index
}

// cacheAdmin is the subset of the Handler's cache access an admin
// endpoint needs, named separately so it reads as its own concern.
type cacheAdmin struct {
	purgeKey    func(key string) error
	purgePrefix func(prefix string) error
}

// NewAdminHandler wires the admin surface against a running Handler's
// cache store, the host-statistics collector, the shared logger, the
// sibling-pool broadcaster, and the origin-health prober.
func NewAdminHandler(cfg *config.Config, h *Handler, stats *hoststats.Collector, log *logger.Logger, pool *poolpurge.Broadcaster, prober *originhealth.Prober) *AdminHandler {
	return &AdminHandler{
		store: sessions.NewCookieStore([]byte(cfg.Admin.SessionKey)),
		cache: &cacheAdmin{
			purgeKey:    h.purgeKey,
			purgePrefix: h.purgePrefixLocal,
		},
		stats:  stats,
		log:    log,
		pool:   pool,
		prober: prober,
		cfg:    cfg,
		index:  h.index,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Mux builds the admin HTTP mux.
func (ah *AdminHandler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/login", ah.HandleLogin)
	mux.HandleFunc("/admin/purge", ah.requireAuth(ah.HandlePurge))
	mux.HandleFunc("/admin/purge-prefix", ah.requireAuth(ah.HandlePurgePrefix))
	mux.HandleFunc("/admin/status", ah.requireAuth(ah.HandleStatus))
	mux.HandleFunc("/admin/logs/stream", ah.requireAuth(ah.HandleLogStream))
	mux.HandleFunc("/admin/health", ah.requireAuth(ah.HandleOriginHealth))
	mux.HandleFunc("/admin/whois", ah.requireAuth(ah.HandleWhois))
	mux.HandleFunc("/admin/stats", ah.requireAuth(ah.stats.HandleGetAllHostStats))
	mux.HandleFunc("/admin/stats/host", ah.requireAuth(ah.stats.HandleGetHostStats))
	mux.HandleFunc("/admin/stats/bandwidth", ah.requireAuth(ah.stats.HandleGetHostBandwidth))
	mux.HandleFunc("/admin/stats/reset", ah.requireAuth(ah.stats.HandleResetHostStats))
	mux.HandleFunc("/admin/stats/hosts", ah.requireAuth(ah.stats.HandleGetHostList))
	mux.HandleFunc("/admin/keys", ah.requireAuth(ah.HandleListKeys))
	return mux
}

// HandleListKeys lists currently indexed CacheKeys, or those under a
// ?prefix= filter. Backed by the secondary goleveldb key index rather
// than a directory walk.
func (ah *AdminHandler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	if ah.index == nil {
		sendError(w, http.StatusServiceUnavailable, "key index is disabled")
		return
	}
	prefix := r.URL.Query().Get("prefix")
	var keys []string
	var err error
	if prefix != "" {
		keys, err = ah.index.ListPrefix(prefix)
	} else {
		keys, err = ah.index.List()
	}
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sendJSON(w, map[string]any{"keys": keys})
}

func (ah *AdminHandler) session(r *http.Request) (*sessions.Session, error) {
	return ah.store.Get(r, sessionName)
}

// requireAuth rejects any request without a valid admin session.
func (ah *AdminHandler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := ah.session(r)
		if err != nil || sess.Values["authenticated"] != true {
			sendError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		next(w, r)
	}
}

// HandleLogin authenticates against the configured admin credentials and
// sets the session cookie on success.
func (ah *AdminHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username != ah.cfg.Admin.AdminUser || req.Password != ah.cfg.Admin.AdminPassword {
		sendError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	sess, _ := ah.session(r)
	sess.Values["authenticated"] = true
	if err := sess.Save(r, w); err != nil {
		sendError(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	sendJSON(w, map[string]any{"success": true})
}

// HandlePurge purges a single CacheEntry by CacheKey, fanning the purge
// out to every configured sibling instance.
func (ah *AdminHandler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		var req struct {
			Key string `json:"key"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		key = req.Key
	}
	if key == "" {
		sendError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := ah.cache.purgeKey(key); err != nil {
		sendError(w, http.StatusInternalServerError, "purge failed: "+err.Error())
		return
	}

	var poolResults []poolpurge.Result
	if ah.pool != nil {
		poolResults = ah.pool.PurgeKey(r.Context(), key)
	}
	sendJSON(w, map[string]any{"success": true, "key": key, "pool": poolResults})
}

// HandlePurgePrefix purges every CacheEntry whose stored origin URI
// starts with the given prefix.
func (ah *AdminHandler) HandlePurgePrefix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		var req struct {
			Prefix string `json:"prefix"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		prefix = req.Prefix
	}
	if prefix == "" {
		sendError(w, http.StatusBadRequest, "prefix is required")
		return
	}

	if err := ah.cache.purgePrefix(prefix); err != nil {
		sendError(w, http.StatusInternalServerError, "purge failed: "+err.Error())
		return
	}

	var poolResults []poolpurge.Result
	if ah.pool != nil {
		poolResults = ah.pool.PurgePrefix(r.Context(), prefix)
	}
	sendJSON(w, map[string]any{"success": true, "prefix": prefix, "pool": poolResults})
}

// HandleStatus reports aggregate per-host statistics.
func (ah *AdminHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, map[string]any{
		"hosts": ah.stats.GetAllHostStats(),
	})
}

// HandleLogStream upgrades to a websocket and streams new log lines as
// they are written, after replaying the current tail buffer.
func (ah *AdminHandler) HandleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := ah.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, line := range ah.log.Tail() {
		if conn.WriteMessage(websocket.TextMessage, []byte(line)) != nil {
			return
		}
	}

	lines := make(chan string, 64)
	unsubscribe := ah.log.Subscribe(lines)
	defer unsubscribe()

	for line := range lines {
		if conn.WriteMessage(websocket.TextMessage, []byte(line)) != nil {
			return
		}
	}
}

// HandleOriginHealth reports the most recent ICMP reachability snapshot.
func (ah *AdminHandler) HandleOriginHealth(w http.ResponseWriter, r *http.Request) {
	if ah.prober == nil {
		sendError(w, http.StatusServiceUnavailable, "origin health probing is disabled")
		return
	}
	sendJSON(w, ah.prober.Status())
}

// HandleWhois looks up registration data for the configured origin
// hostname, or a ?domain= override.
func (ah *AdminHandler) HandleWhois(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		domain = ah.cfg.BaseServer
	}
	result, err := whoistool.Lookup(domain)
	if err != nil {
		sendError(w, http.StatusBadGateway, err.Error())
		return
	}
	sendJSON(w, map[string]any{"domain": domain, "result": result})
}

func sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}

// purgeKey removes the CacheEntry for a CacheKey directly from this
// instance's store, serialized through the same per-key mutex the
// Request Pipeline uses so a concurrent CachingWorker never races an
// admin purge.
func (h *Handler) purgeKey(key string) error {
	token := h.nextToken()
	mutex := h.mutexFor(key)
	if err := mutex.Lock(token); err != nil {
		return err
	}
	defer mutex.Unlock(token)
	h.recordCacheRemoved(key, nil)
	if err := h.store.Remove(key); err != nil {
		return err
	}
	h.indexDelete(key)
	return nil
}

// purgePrefixLocal removes every CacheEntry whose stored origin URI
// starts with prefix. Unlike purgeKey this has to read each candidate
// entry's metadata to find its URI, since the store itself is indexed
// by CacheKey, not by URI.
func (h *Handler) purgePrefixLocal(prefix string) error {
	keys, err := h.store.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		meta, err := h.store.ReadMetadata(key)
		if err != nil {
			continue
		}
		uri := meta.GetDefault(cache.KeyOrigURL, "")
		if !strings.HasPrefix(uri, prefix) {
			continue
		}
		if err := h.purgeKey(key); err != nil {
			return err
		}
	}
	return nil
}
