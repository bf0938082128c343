// Package coordinator owns one document: its CRDT replica, presence, the
// connected sockets, reconciliation with the backing store, debounced
// persistence, crash-recovery snapshots, and lifecycle. All replica and
// presence mutation happens on a single actor goroutine fed by a command
// channel, which also serves as the writer gate: no two storage side effects
// for the same document are ever in flight together.
package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/MaximeRivest/mrmd-sync/internal/clock"
	"github.com/MaximeRivest/mrmd-sync/internal/crdt"
	"github.com/MaximeRivest/mrmd-sync/internal/metrics"
	"github.com/MaximeRivest/mrmd-sync/internal/protocol"
	"github.com/MaximeRivest/mrmd-sync/internal/storage"
)

// Sentinel errors returned by Attach.
var (
	// ErrClosing reports a coordinator that is flushing for teardown.
	ErrClosing = errors.New("coordinator: closing")
	// ErrDocFull reports the per-document connection cap.
	ErrDocFull = errors.New("coordinator: document connection limit reached")
)

// Client is a connected socket as the coordinator sees it: an identity plus a
// non-blocking outbound queue, so a slow client can never stall the actor.
type Client interface {
	ID() string
	Send(frame []byte) bool
}

// Config wires a coordinator to its collaborators.
type Config struct {
	// Name is the validated document name.
	Name string
	// Backend persists the document.
	Backend storage.Backend
	// Clock drives the debounce, snapshot, and idle timers.
	Clock clock.Clock
	// Logger receives coordinator events; nil disables logging.
	Logger pslog.Logger
	// Counters aggregates hub-wide metrics; nil disables counting.
	Counters *metrics.Counters
	// Debounce is the quiet interval collapsing update bursts into one save.
	Debounce time.Duration
	// SnapshotInterval arms the periodic recovery snapshot; 0 disables.
	SnapshotInterval time.Duration
	// IdleDelay is how long a clientless coordinator lingers before evicting.
	IdleDelay time.Duration
	// MaxClients caps attached sockets; 0 means unlimited.
	MaxClients int
	// PersistState includes the encoded replica state in saves.
	PersistState bool
	// AsyncLoad hydrates from storage in the background (external-table
	// mode) instead of blocking construction.
	AsyncLoad bool
	// OnEvict is invoked after a teardown has flushed, whether the teardown
	// came from idle eviction or from Close.
	OnEvict func(*Coordinator)
}

type phase int

const (
	phaseOpening phase = iota
	phaseReady
	phaseFlushing
	phaseIdleArmed
	phaseEvicting
	phaseGone
)

func (p phase) String() string {
	switch p {
	case phaseOpening:
		return "opening"
	case phaseReady:
		return "ready"
	case phaseFlushing:
		return "flushing"
	case phaseIdleArmed:
		return "idle-armed"
	case phaseEvicting:
		return "evicting"
	default:
		return "gone"
	}
}

type cmdKind int

const (
	cmdAttach cmdKind = iota
	cmdDetach
	cmdFrame
	cmdExternal
	cmdHydrate
	cmdFlush
	cmdText
	cmdClose
)

type command struct {
	kind   cmdKind
	client Client
	raw    []byte
	text   string
	err    error
	doc    storage.Document
	reply  chan result
}

type result struct {
	frames [][]byte
	text   string
	err    error
}

// Coordinator is the per-document actor.
type Coordinator struct {
	cfg  Config
	log  pslog.Logger
	cmds chan command
	done chan struct{}

	location    string
	clientCount atomic.Int64

	// Actor-owned state; never touched off the run goroutine.
	replica           *crdt.Replica
	presence          *crdt.Presence
	clients           map[Client]*crdt.Peer
	lastPersistedHash string
	writingIn         bool
	writingOut        bool
	closing           bool
	dirty             bool
	phase             phase

	debounceC <-chan time.Time
	idleC     <-chan time.Time
	snapshotC <-chan time.Time
}

// New builds the coordinator and starts its actor. In synchronous mode the
// initial load completes before any command is served; in async mode the
// coordinator is immediately ready and hydrates when the load lands.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	replica, err := crdt.NewReplica()
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:      cfg,
		log:      cfg.Logger.With("svc", "coordinator").With("doc", cfg.Name),
		cmds:     make(chan command, 64),
		done:     make(chan struct{}),
		location: cfg.Backend.Resolve(cfg.Name),
		replica:  replica,
		presence: crdt.NewPresence(),
		clients:  make(map[Client]*crdt.Peer),
		phase:    phaseOpening,
	}
	c.replica.OnUpdate(c.onReplicaUpdate)
	c.presence.OnChange(c.onPresenceChange)
	go c.run()
	return c, nil
}

// Name returns the document name.
func (c *Coordinator) Name() string { return c.cfg.Name }

// Location returns the backend location, used to route watcher events.
func (c *Coordinator) Location() string { return c.location }

// ClientCount reports the number of attached sockets.
func (c *Coordinator) ClientCount() int { return int(c.clientCount.Load()) }

// Done is closed once the actor has terminated.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) post(cmd command) bool {
	select {
	case c.cmds <- cmd:
		return true
	case <-c.done:
		return false
	}
}

func (c *Coordinator) call(ctx context.Context, cmd command) result {
	cmd.reply = make(chan result, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return result{err: ErrClosing}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-c.done:
		// The actor may have replied just before terminating.
		select {
		case res := <-cmd.reply:
			return res
		default:
			return result{err: ErrClosing}
		}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
}

// Attach registers a socket, cancels any pending idle eviction, and returns
// the initial handshake frames (sync-step-1 and, when presence is non-empty,
// a presence snapshot) to send to the new client.
func (c *Coordinator) Attach(ctx context.Context, client Client) ([][]byte, error) {
	res := c.call(ctx, command{kind: cmdAttach, client: client})
	return res.frames, res.err
}

// Detach unregisters a socket, drops its presence entries, and arms idle
// eviction when the client set becomes empty.
func (c *Coordinator) Detach(client Client) {
	c.post(command{kind: cmdDetach, client: client})
}

// HandleFrame processes one raw inbound frame from a socket.
func (c *Coordinator) HandleFrame(client Client, raw []byte) {
	c.post(command{kind: cmdFrame, client: client, raw: raw})
}

// ExternalChange feeds an out-of-band text observation from the watcher.
func (c *Coordinator) ExternalChange(text string, err error) {
	c.post(command{kind: cmdExternal, text: text, err: err})
}

// Flush forces a synchronous write of any dirty state.
func (c *Coordinator) Flush(ctx context.Context) error {
	return c.call(ctx, command{kind: cmdFlush}).err
}

// Text returns the replica's current text.
func (c *Coordinator) Text(ctx context.Context) (string, error) {
	res := c.call(ctx, command{kind: cmdText})
	return res.text, res.err
}

// Close flushes pending writes, writes a final snapshot, tears down presence
// and replica, and stops the actor. It is idempotent.
func (c *Coordinator) Close(ctx context.Context) error {
	res := c.call(ctx, command{kind: cmdClose})
	if errors.Is(res.err, ErrClosing) {
		// Already torn down.
		return nil
	}
	return res.err
}

func (c *Coordinator) run() {
	defer close(c.done)

	if c.cfg.AsyncLoad {
		c.seedHash()
		c.phase = phaseReady
		go func() {
			doc, err := c.cfg.Backend.Load(context.Background(), c.cfg.Name)
			c.post(command{kind: cmdHydrate, doc: doc, err: err})
		}()
	} else {
		c.hydrateSync()
		c.phase = phaseReady
	}
	if c.cfg.SnapshotInterval > 0 {
		c.snapshotC = c.cfg.Clock.After(c.cfg.SnapshotInterval)
	}
	// A freshly created document with no clients must not linger forever.
	c.armIdle()

	for {
		select {
		case cmd := <-c.cmds:
			if c.handle(cmd) {
				return
			}
		case <-c.debounceC:
			c.debounceC = nil
			c.writeOut(context.Background())
		case <-c.idleC:
			c.idleC = nil
			if len(c.clients) == 0 && !c.closing {
				c.evict()
				return
			}
		case <-c.snapshotC:
			c.snapshotC = c.cfg.Clock.After(c.cfg.SnapshotInterval)
			c.writeSnapshot()
		}
	}
}

func (c *Coordinator) handle(cmd command) (stop bool) {
	switch cmd.kind {
	case cmdAttach:
		cmd.reply <- c.attach(cmd.client)
	case cmdDetach:
		c.detach(cmd.client)
	case cmdFrame:
		c.frame(cmd.client, cmd.raw)
	case cmdExternal:
		c.external(cmd.text, cmd.err)
	case cmdHydrate:
		c.hydrateAsync(cmd.doc, cmd.err)
	case cmdFlush:
		c.debounceC = nil
		cmd.reply <- result{err: c.writeOut(context.Background())}
	case cmdText:
		text, err := c.replica.Text()
		cmd.reply <- result{text: text, err: err}
	case cmdClose:
		err := c.teardown()
		cmd.reply <- result{err: err}
		return true
	}
	return false
}

// hydrateSync runs the filesystem-mode construction sequence: snapshot slot
// first (errors ignored), then the stored text, replacing the replica's text
// in one transaction when they differ.
func (c *Coordinator) hydrateSync() {
	c.log.Info("coordinator.open", "location", c.location)
	c.seedHash()
	doc, err := c.cfg.Backend.Load(context.Background(), c.cfg.Name)
	if err != nil {
		c.countLoadError(err)
		return
	}
	if len(doc.ReplicaState) > 0 {
		if err := c.replica.Merge(doc.ReplicaState, crdt.OriginSnapshot); err != nil {
			c.log.Warn("coordinator.hydrate.snapshot_error", "error", err)
		}
	}
	if doc.HasText {
		current, err := c.replica.Text()
		if err == nil && current != doc.Text {
			c.writingIn = true
			err = c.replica.SetText(doc.Text, crdt.OriginLoad)
			c.writingIn = false
		}
		if err != nil {
			c.countLoadError(err)
			return
		}
		c.lastPersistedHash = storage.Hash(doc.Text)
	}
	c.countLoad()
}

// seedHash anchors the persisted hash to the replica's current (empty) text
// so a never-edited document is not written out on eviction.
func (c *Coordinator) seedHash() {
	if text, err := c.replica.Text(); err == nil {
		c.lastPersistedHash = storage.Hash(text)
	}
}

// hydrateAsync lands the external-table load after clients may already have
// pushed updates. The persisted-text hash is taken from a throwaway replica
// built from the loaded state, never from the live replica, so a stale hash
// cannot suppress the next save.
func (c *Coordinator) hydrateAsync(doc storage.Document, loadErr error) {
	if loadErr != nil {
		c.countLoadError(loadErr)
		return
	}
	switch {
	case len(doc.ReplicaState) > 0:
		throwaway, err := crdt.LoadReplica(doc.ReplicaState)
		if err != nil {
			c.countLoadError(err)
			return
		}
		storedText, err := throwaway.Text()
		if err != nil {
			c.countLoadError(err)
			return
		}
		c.lastPersistedHash = storage.Hash(storedText)
		if err := c.replica.Merge(doc.ReplicaState, crdt.OriginLoad); err != nil {
			c.countLoadError(err)
			return
		}
	case doc.HasText:
		current, err := c.replica.Text()
		if err == nil && current == "" {
			c.writingIn = true
			err = c.replica.SetText(doc.Text, crdt.OriginLoad)
			c.writingIn = false
		}
		if err != nil {
			c.countLoadError(err)
			return
		}
		c.lastPersistedHash = storage.Hash(doc.Text)
	default:
		c.countLoad()
		return
	}
	c.countLoad()
	// Client updates may have raced the load; schedule a save when the live
	// text already diverges from what storage holds.
	if text, err := c.replica.Text(); err == nil && storage.Hash(text) != c.lastPersistedHash {
		c.armDebounce()
	}
}

func (c *Coordinator) countLoad() {
	if c.cfg.Counters != nil {
		c.cfg.Counters.Loads.Add(1)
	}
}

func (c *Coordinator) countLoadError(err error) {
	c.log.Warn("coordinator.load.error", "error", err)
	if c.cfg.Counters != nil {
		c.cfg.Counters.LoadsErrored.Add(1)
		c.cfg.Counters.Errors.Add(1)
	}
}

func (c *Coordinator) attach(client Client) result {
	if c.closing {
		return result{err: ErrClosing}
	}
	if c.cfg.MaxClients > 0 && len(c.clients) >= c.cfg.MaxClients {
		return result{err: ErrDocFull}
	}
	c.idleC = nil
	c.phase = phaseReady
	peer := c.replica.NewPeer()
	c.clients[client] = peer
	c.clientCount.Store(int64(len(c.clients)))

	var frames [][]byte
	for _, msg := range peer.Step1() {
		frames = append(frames, protocol.EncodeSync(protocol.SyncMessage, msg))
	}
	if c.presence.Len() > 0 {
		raw, err := c.presence.EncodeUpdate(c.presence.ClientIDs())
		if err == nil {
			frames = append(frames, protocol.EncodePresence(raw))
		} else {
			c.log.Warn("coordinator.attach.presence_error", "error", err)
		}
	}
	c.log.Debug("coordinator.attach", "client", client.ID(), "clients", len(c.clients))
	return result{frames: frames}
}

func (c *Coordinator) detach(client Client) {
	if _, ok := c.clients[client]; !ok {
		return
	}
	delete(c.clients, client)
	c.clientCount.Store(int64(len(c.clients)))
	c.presence.DropOrigin(client)
	c.log.Debug("coordinator.detach", "client", client.ID(), "clients", len(c.clients))
	if len(c.clients) == 0 && !c.closing {
		c.armIdle()
	}
}

func (c *Coordinator) armIdle() {
	if c.cfg.IdleDelay <= 0 {
		return
	}
	c.phase = phaseIdleArmed
	c.idleC = c.cfg.Clock.After(c.cfg.IdleDelay)
}

func (c *Coordinator) frame(client Client, raw []byte) {
	peer, ok := c.clients[client]
	if !ok {
		return
	}
	f, err := protocol.Decode(raw)
	if err != nil {
		c.countError()
		c.log.Debug("coordinator.frame.decode_error", "client", client.ID(), "error", err)
		return
	}
	switch f.Kind {
	case protocol.FrameSync:
		c.syncFrame(client, peer, f)
	case protocol.FramePresence:
		if err := c.presence.ApplyUpdate(f.Payload, client); err != nil {
			c.countError()
			c.log.Debug("coordinator.frame.presence_error", "client", client.ID(), "error", err)
		}
	default:
		c.countError()
		c.log.Debug("coordinator.frame.unknown", "client", client.ID(), "discriminant", f.Kind)
	}
}

func (c *Coordinator) syncFrame(client Client, peer *crdt.Peer, f protocol.Frame) {
	switch f.SyncKind {
	case protocol.SyncMessage:
		replies, err := peer.Receive(f.Payload)
		if err != nil {
			c.countError()
			c.log.Debug("coordinator.sync.receive_error", "client", client.ID(), "error", err)
			return
		}
		// The receive may have integrated new changes; surface them to the
		// fan-out listener before answering the origin.
		c.replica.FlushUpdates(client)
		for _, msg := range replies {
			client.Send(protocol.EncodeSync(protocol.SyncMessage, msg))
		}
	case protocol.SyncStep2, protocol.SyncUpdate:
		if err := c.replica.ApplyUpdate(f.Payload, client); err != nil {
			c.countError()
			c.log.Debug("coordinator.sync.apply_error", "client", client.ID(), "error", err)
		}
	default:
		c.countError()
	}
}

func (c *Coordinator) countError() {
	if c.cfg.Counters != nil {
		c.cfg.Counters.Errors.Add(1)
	}
}

// onReplicaUpdate is the fan-out listener: every integrated update is
// broadcast to all other clients in integration order, and scheduled for a
// debounced write unless it came from the external-change path, from
// hydration (load or snapshot origin), or arrived while writingIn is set.
func (c *Coordinator) onReplicaUpdate(blob []byte, origin any) {
	frame := protocol.EncodeSync(protocol.SyncUpdate, blob)
	for client := range c.clients {
		if client == origin {
			continue
		}
		client.Send(frame)
	}
	if origin == crdt.OriginExternal || c.writingIn {
		return
	}
	if origin == crdt.OriginLoad || origin == crdt.OriginSnapshot {
		return
	}
	c.armDebounce()
}

func (c *Coordinator) onPresenceChange(ev crdt.PresenceEvent, origin any) {
	ids := make([]string, 0, len(ev.Added)+len(ev.Updated)+len(ev.Removed))
	ids = append(ids, ev.Added...)
	ids = append(ids, ev.Updated...)
	ids = append(ids, ev.Removed...)
	if len(ids) == 0 {
		return
	}
	raw, err := c.presence.EncodeUpdate(ids)
	if err != nil {
		c.log.Warn("coordinator.presence.encode_error", "error", err)
		return
	}
	frame := protocol.EncodePresence(raw)
	for client := range c.clients {
		client.Send(frame)
	}
}

func (c *Coordinator) armDebounce() {
	c.dirty = true
	if c.cfg.Debounce <= 0 {
		c.writeOut(context.Background())
		return
	}
	c.debounceC = c.cfg.Clock.After(c.cfg.Debounce)
}

// writeOut is the debounce body: skip when the text hash already matches the
// last persisted hash, otherwise save and advance the hash only on success so
// failures retry on the next trigger.
func (c *Coordinator) writeOut(ctx context.Context) error {
	text, err := c.replica.Text()
	if err != nil {
		c.log.Warn("coordinator.write.text_error", "error", err)
		return err
	}
	h := storage.Hash(text)
	if h == c.lastPersistedHash {
		c.dirty = false
		return nil
	}
	var state []byte
	if c.cfg.PersistState {
		state = c.replica.EncodeState()
	}
	prev := c.phase
	c.phase = phaseFlushing
	c.writingOut = true
	err = c.cfg.Backend.Save(ctx, c.cfg.Name, text, state)
	c.writingOut = false
	c.phase = prev
	if err != nil {
		c.log.Error("coordinator.write.save_error", "location", c.location, "error", err)
		if c.cfg.Counters != nil {
			c.cfg.Counters.SaveErrors.Add(1)
			c.cfg.Counters.Errors.Add(1)
		}
		return err
	}
	c.lastPersistedHash = h
	c.dirty = false
	if c.cfg.Counters != nil {
		c.cfg.Counters.Saves.Add(1)
	}
	c.log.Debug("coordinator.write.success", "location", c.location, "bytes", len(text))
	return nil
}

// external is the storage→replica path: drop echoes of our own writes, update
// the hash for already-integrated content, otherwise apply a character-level
// edit script inside one transaction with writingIn guarding the debounce.
func (c *Coordinator) external(text string, evErr error) {
	if evErr != nil {
		c.countLoadError(evErr)
		return
	}
	if c.writingOut {
		return
	}
	h := storage.Hash(text)
	if h == c.lastPersistedHash {
		return
	}
	old, err := c.replica.Text()
	if err != nil {
		c.log.Warn("coordinator.external.text_error", "error", err)
		return
	}
	if old == text {
		c.lastPersistedHash = h
		return
	}
	script := diffScript(old, text)
	c.writingIn = true
	err = c.replica.ApplyEdits(script, crdt.OriginExternal)
	c.writingIn = false
	if err != nil {
		c.countError()
		c.log.Warn("coordinator.external.apply_error", "error", err)
		return
	}
	c.lastPersistedHash = h
	c.log.Debug("coordinator.external.applied", "bytes", len(text))
}

func (c *Coordinator) writeSnapshot() {
	if !c.cfg.PersistState {
		return
	}
	state := c.replica.EncodeState()
	if err := c.cfg.Backend.SaveState(context.Background(), c.cfg.Name, state); err != nil && !errors.Is(err, storage.ErrNotSupported) {
		c.log.Warn("coordinator.snapshot.error", "error", err)
	}
}

func (c *Coordinator) evict() {
	c.closing = true
	c.phase = phaseEvicting
	c.log.Info("coordinator.evict", "location", c.location)
	if err := c.finalFlush(); err != nil {
		c.log.Warn("coordinator.evict.flush_error", "error", err)
	}
	c.phase = phaseGone
	if c.cfg.OnEvict != nil {
		c.cfg.OnEvict(c)
	}
}

func (c *Coordinator) teardown() error {
	if c.closing {
		return ErrClosing
	}
	c.closing = true
	c.phase = phaseEvicting
	err := c.finalFlush()
	c.clients = make(map[Client]*crdt.Peer)
	c.clientCount.Store(0)
	c.phase = phaseGone
	if c.cfg.OnEvict != nil {
		c.cfg.OnEvict(c)
	}
	c.log.Info("coordinator.close", "location", c.location)
	return err
}

// finalFlush cancels the debounce timer, writes dirty state synchronously,
// and records one last snapshot.
func (c *Coordinator) finalFlush() error {
	c.debounceC = nil
	c.idleC = nil
	c.snapshotC = nil
	err := c.writeOut(context.Background())
	c.writeSnapshot()
	return err
}

// Stats is the per-document entry surfaced on /stats.
type Stats struct {
	Name        string `json:"name"`
	Connections int    `json:"connections"`
	Path        string `json:"path"`
}

// Stats reports the coordinator's control-plane summary.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Name:        c.cfg.Name,
		Connections: c.ClientCount(),
		Path:        c.location,
	}
}
