// Package httpapi terminates the control-plane HTTP surface sharing the
// hub's listening port: health, metrics, stats, the plain-text banner, and
// the websocket upgrade routing.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/MaximeRivest/mrmd-sync/internal/clock"
	"github.com/MaximeRivest/mrmd-sync/internal/hub"
	"github.com/MaximeRivest/mrmd-sync/internal/metrics"
)

// Banner is served for unmatched control-plane paths.
const Banner = "mrmd-sync: real-time markdown synchronization hub\n"

// ConfigMirror is the configuration echo included in /stats responses.
type ConfigMirror struct {
	Dir                  string `json:"dir,omitempty"`
	Store                string `json:"store"`
	DebounceMs           int64  `json:"debounceMs"`
	MaxConnections       int    `json:"maxConnections"`
	MaxConnectionsPerDoc int    `json:"maxConnectionsPerDoc"`
	MaxMessageSize       int64  `json:"maxMessageSize"`
	MaxFileSize          int64  `json:"maxFileSize"`
	PingIntervalMs       int64  `json:"pingIntervalMs"`
	DocCleanupDelayMs    int64  `json:"docCleanupDelayMs"`
	SnapshotIntervalMs   int64  `json:"snapshotIntervalMs"`
	PersistState         bool   `json:"persistState"`
	PathPrefix           string `json:"pathPrefix,omitempty"`
}

// Config wires the handler.
type Config struct {
	Hub      *hub.Hub
	Counters *metrics.Counters
	Clock    clock.Clock
	Logger   pslog.Logger
	Hooks    hub.Hooks
	Mirror   ConfigMirror
}

// Handler serves the shared port: upgrades go to the hub, everything else to
// the built-in control-plane routes.
type Handler struct {
	cfg Config
	log pslog.Logger
}

// New builds the handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Handler{cfg: cfg, log: cfg.Logger.With("svc", "http")}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if websocket.IsWebSocketUpgrade(r) {
		if h.cfg.Hooks != nil && h.cfg.Hooks.HandleConnection(w, r) {
			return
		}
		h.cfg.Hub.HandleSocket(w, r)
		return
	}
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if h.cfg.Hooks != nil && h.cfg.Hooks.HandleRequest(w, r) {
		return
	}

	switch r.URL.Path {
	case "/health", "/healthz":
		h.health(w)
	case "/metrics":
		h.metrics(w)
	case "/stats":
		h.stats(w)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(Banner))
	}
}

type healthResponse struct {
	Status       string `json:"status"`
	ShuttingDown bool   `json:"shutting_down"`
}

func (h *Handler) health(w http.ResponseWriter) {
	resp := healthResponse{Status: "healthy"}
	status := http.StatusOK
	if h.cfg.Hub.ShuttingDown() {
		resp.Status = "shutting_down"
		resp.ShuttingDown = true
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handler) metrics(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, h.cfg.Counters.Snapshot(h.cfg.Clock.Now()))
}

type statsResponse struct {
	metrics.Snapshot
	Documents []docEntry   `json:"documents"`
	Config    ConfigMirror `json:"config"`
}

type docEntry struct {
	Name        string `json:"name"`
	Connections int    `json:"connections"`
	Path        string `json:"path"`
}

func (h *Handler) stats(w http.ResponseWriter) {
	docs := h.cfg.Hub.Documents()
	entries := make([]docEntry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, docEntry{Name: d.Name, Connections: d.Connections, Path: d.Path})
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Snapshot:  h.cfg.Counters.Snapshot(h.cfg.Clock.Now()),
		Documents: entries,
		Config:    h.cfg.Mirror,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
