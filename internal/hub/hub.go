// Package hub multiplexes incoming sockets onto per-document coordinators:
// admission control, the upgrade handshake, heartbeats, fan-in of frames, and
// routing of watcher events. It retains no global state; several hubs may
// coexist in one process.
package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/MaximeRivest/mrmd-sync/internal/clock"
	"github.com/MaximeRivest/mrmd-sync/internal/coordinator"
	"github.com/MaximeRivest/mrmd-sync/internal/docname"
	"github.com/MaximeRivest/mrmd-sync/internal/metrics"
	"github.com/MaximeRivest/mrmd-sync/internal/protocol"
	"github.com/MaximeRivest/mrmd-sync/internal/storage"
)

// Hooks is the capability surface injected by embedders: admission policy and
// request/connection interception ahead of the built-in handling.
type Hooks interface {
	// Authorize decides whether the request may open the named document.
	Authorize(r *http.Request, doc string) (bool, error)
	// HandleRequest may fully handle a control-plane request; it reports
	// whether it did.
	HandleRequest(w http.ResponseWriter, r *http.Request) bool
	// HandleConnection may fully handle an upgrade request; it reports
	// whether it did.
	HandleConnection(w http.ResponseWriter, r *http.Request) bool
}

// Config wires a hub to its collaborators.
type Config struct {
	Backend  storage.Backend
	Clock    clock.Clock
	Logger   pslog.Logger
	Counters *metrics.Counters
	Hooks    Hooks

	PathPrefix           string
	Debounce             time.Duration
	SnapshotInterval     time.Duration
	IdleDelay            time.Duration
	MaxConnections       int
	MaxConnectionsPerDoc int
	MaxMessageSize       int64
	PingInterval         time.Duration
	PersistState         bool
	AsyncLoad            bool

	// SendQueueDepth bounds each socket's outbound queue; a client that
	// falls this far behind is terminated rather than allowed to stall
	// fan-out.
	SendQueueDepth int
}

// Hub owns the coordinator index and the live socket set.
type Hub struct {
	cfg      Config
	log      pslog.Logger
	upgrader websocket.Upgrader

	mu           sync.Mutex
	coords       map[string]*coordinator.Coordinator
	byPath       map[string]*coordinator.Coordinator
	conns        map[*conn]struct{}
	shuttingDown bool

	watchDone chan struct{}
}

// New builds a hub and, when the backend exposes an external-change stream,
// starts the dispatch loop routing events to coordinators.
func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.SendQueueDepth <= 0 {
		cfg.SendQueueDepth = 256
	}
	h := &Hub{
		cfg: cfg,
		log: cfg.Logger.With("svc", "hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		coords: make(map[string]*coordinator.Coordinator),
		byPath: make(map[string]*coordinator.Coordinator),
		conns:  make(map[*conn]struct{}),
	}
	if changes := cfg.Backend.ExternalChanges(); changes != nil {
		h.watchDone = make(chan struct{})
		go h.dispatchChanges(changes)
	}
	return h
}

// HandleSocket runs the full admission sequence for an upgrade request and,
// on success, serves the socket until it disconnects.
func (h *Hub) HandleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("hub.upgrade_error", "error", err)
		return
	}

	h.mu.Lock()
	shuttingDown := h.shuttingDown
	active := len(h.conns)
	h.mu.Unlock()
	if shuttingDown {
		closeWith(ws, protocol.CloseGoingAway, "shutting down")
		return
	}
	if h.cfg.MaxConnections > 0 && active >= h.cfg.MaxConnections {
		closeWith(ws, protocol.CloseTryAgainLater, "connection limit reached")
		return
	}

	name := docname.FromPath(r.URL.Path, h.cfg.PathPrefix)
	if err := docname.Validate(name); err != nil {
		h.log.Debug("hub.admission.invalid_name", "name", name, "error", err)
		closeWith(ws, protocol.ClosePolicyViolation, "invalid document name")
		return
	}
	if h.cfg.Hooks != nil {
		ok, err := h.cfg.Hooks.Authorize(r, name)
		if err != nil {
			h.log.Warn("hub.admission.auth_error", "doc", name, "error", err)
			if h.cfg.Counters != nil {
				h.cfg.Counters.Errors.Add(1)
			}
			closeWith(ws, protocol.CloseInternalError, "authorization failed")
			return
		}
		if !ok {
			closeWith(ws, protocol.ClosePolicyViolation, "unauthorized")
			return
		}
	}

	c := newConn(h, ws)
	coord, frames, err := h.attach(r.Context(), name, c)
	switch {
	case errors.Is(err, coordinator.ErrDocFull):
		closeWith(ws, protocol.CloseTryAgainLater, "document connection limit reached")
		return
	case err != nil:
		h.log.Warn("hub.attach_error", "doc", name, "error", err)
		closeWith(ws, protocol.CloseInternalError, "attach failed")
		return
	}

	h.mu.Lock()
	if h.shuttingDown {
		h.mu.Unlock()
		coord.Detach(c)
		closeWith(ws, protocol.CloseGoingAway, "shutting down")
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	if h.cfg.Counters != nil {
		h.cfg.Counters.ConnectionsTotal.Add(1)
		h.cfg.Counters.ConnectionsActive.Add(1)
		h.cfg.Counters.Touch(h.cfg.Clock.Now())
	}
	h.log.Info("hub.connected", "doc", name, "conn", c.ID())

	c.start()
	for _, frame := range frames {
		c.Send(frame)
	}
	c.readLoop(coord, name)
}

// attach obtains the coordinator for name and registers the socket, retrying
// when it loses the race against an in-flight eviction.
func (h *Hub) attach(ctx context.Context, name string, c *conn) (*coordinator.Coordinator, [][]byte, error) {
	for attempt := 0; attempt < 3; attempt++ {
		coord, err := h.getOrCreate(name)
		if err != nil {
			return nil, nil, err
		}
		frames, err := coord.Attach(ctx, c)
		if errors.Is(err, coordinator.ErrClosing) {
			h.remove(coord)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return coord, frames, nil
	}
	return nil, nil, coordinator.ErrClosing
}

// getOrCreate returns the coordinator for name, creating it race-free: at
// most one coordinator exists per document name.
func (h *Hub) getOrCreate(name string) (*coordinator.Coordinator, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.coords[name]; ok {
		return c, nil
	}
	c, err := coordinator.New(coordinator.Config{
		Name:             name,
		Backend:          h.cfg.Backend,
		Clock:            h.cfg.Clock,
		Logger:           h.cfg.Logger,
		Counters:         h.cfg.Counters,
		Debounce:         h.cfg.Debounce,
		SnapshotInterval: h.cfg.SnapshotInterval,
		IdleDelay:        h.cfg.IdleDelay,
		MaxClients:       h.cfg.MaxConnectionsPerDoc,
		PersistState:     h.cfg.PersistState,
		AsyncLoad:        h.cfg.AsyncLoad,
		OnEvict:          h.remove,
	})
	if err != nil {
		return nil, err
	}
	h.coords[name] = c
	h.byPath[c.Location()] = c
	return c, nil
}

// Get returns the live coordinator for name, if any.
func (h *Hub) Get(name string) (*coordinator.Coordinator, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.coords[name]
	return c, ok
}

func (h *Hub) remove(c *coordinator.Coordinator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.coords[c.Name()]; ok && current == c {
		delete(h.coords, c.Name())
	}
	if current, ok := h.byPath[c.Location()]; ok && current == c {
		delete(h.byPath, c.Location())
	}
}

func (h *Hub) dispatchChanges(changes <-chan storage.ChangeEvent) {
	defer close(h.watchDone)
	for ev := range changes {
		h.mu.Lock()
		c := h.byPath[ev.Path]
		h.mu.Unlock()
		if c == nil {
			// Not an open document; external edits to closed documents are
			// picked up on the next load.
			h.log.Debug("hub.watch.unclaimed", "path", ev.Path)
			continue
		}
		c.ExternalChange(ev.Text, ev.Err)
	}
}

func (h *Hub) dropConn(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	if ok {
		delete(h.conns, c)
	}
	h.mu.Unlock()
	if ok && h.cfg.Counters != nil {
		h.cfg.Counters.ConnectionsActive.Add(-1)
	}
}

// ActiveConnections reports the live socket count.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Documents reports the control-plane summary of open coordinators.
func (h *Hub) Documents() []coordinator.Stats {
	h.mu.Lock()
	coords := make([]*coordinator.Coordinator, 0, len(h.coords))
	for _, c := range h.coords {
		coords = append(coords, c)
	}
	h.mu.Unlock()
	out := make([]coordinator.Stats, 0, len(coords))
	for _, c := range coords {
		out = append(out, c.Stats())
	}
	return out
}

// ShuttingDown reports whether Shutdown has begun.
func (h *Hub) ShuttingDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shuttingDown
}

// Shutdown refuses new sockets, flushes and closes every coordinator, and
// closes the remaining sockets with the going-away code. Idempotent.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.shuttingDown {
		h.mu.Unlock()
		return nil
	}
	h.shuttingDown = true
	coords := make([]*coordinator.Coordinator, 0, len(h.coords))
	for _, c := range h.coords {
		coords = append(coords, c)
	}
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var firstErr error
	for _, c := range coords {
		if err := c.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range conns {
		c.terminate(protocol.CloseGoingAway, "shutting down")
	}
	return firstErr
}

// WaitWatch blocks until the watcher dispatch loop has drained; callers close
// the backend first so the change stream ends.
func (h *Hub) WaitWatch(ctx context.Context) {
	if h.watchDone == nil {
		return
	}
	select {
	case <-h.watchDone:
	case <-ctx.Done():
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
