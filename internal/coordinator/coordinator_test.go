package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MaximeRivest/mrmd-sync/internal/clock"
	"github.com/MaximeRivest/mrmd-sync/internal/crdt"
	"github.com/MaximeRivest/mrmd-sync/internal/metrics"
	"github.com/MaximeRivest/mrmd-sync/internal/protocol"
	"github.com/MaximeRivest/mrmd-sync/internal/storage"
)

type fakeBackend struct {
	mu       sync.Mutex
	docs     map[string]storage.Document
	saves    int
	attempts int
	saveErr  error
	loadErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{docs: make(map[string]storage.Document)}
}

func (b *fakeBackend) Load(ctx context.Context, name string) (storage.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadErr != nil {
		return storage.Document{}, b.loadErr
	}
	return b.docs[name], nil
}

func (b *fakeBackend) Save(ctx context.Context, name, text string, state []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.saveErr != nil {
		return b.saveErr
	}
	b.saves++
	b.docs[name] = storage.Document{Text: text, HasText: true, ReplicaState: state}
	return nil
}

func (b *fakeBackend) Flush(ctx context.Context, name, text string, state []byte) error {
	return b.Save(ctx, name, text, state)
}

func (b *fakeBackend) SaveState(ctx context.Context, name string, state []byte) error {
	return nil
}

func (b *fakeBackend) Resolve(name string) string { return "/fake/" + name }

func (b *fakeBackend) ExternalChanges() <-chan storage.ChangeEvent { return nil }

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) saveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

func (b *fakeBackend) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func (b *fakeBackend) document(name string) storage.Document {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.docs[name]
}

type fakeClient struct {
	id string

	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeClient) ID() string { return f.id }

func (f *fakeClient) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeClient) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

// updateBlobs produces n sequential update blobs from a replica seeded with
// the coordinator's initial state.
func updateBlobs(t *testing.T, seed []byte, inserts ...string) [][]byte {
	t.Helper()
	source, err := crdt.LoadReplica(seed)
	if err != nil {
		t.Fatalf("load source: %v", err)
	}
	var blobs [][]byte
	source.OnUpdate(func(blob []byte, origin any) {
		blobs = append(blobs, blob)
	})
	pos := 0
	for _, s := range inserts {
		if err := source.Insert(pos, s, "test"); err != nil {
			t.Fatalf("insert: %v", err)
		}
		pos += len([]rune(s))
	}
	return blobs
}

func seedState(t *testing.T) []byte {
	t.Helper()
	r, err := crdt.NewReplica()
	if err != nil {
		t.Fatalf("seed replica: %v", err)
	}
	return r.EncodeState()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestCoordinator(t *testing.T, mutate func(*Config)) (*Coordinator, *fakeBackend, *clock.Manual) {
	t.Helper()
	backend := newFakeBackend()
	clk := clock.NewManual(time.Unix(1700000000, 0))
	cfg := Config{
		Name:     "doc",
		Backend:  backend,
		Clock:    clk,
		Counters: metrics.New(clk.Now()),
		Debounce: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c, backend, clk
}

func TestAttachSendsHandshake(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t, nil)
	client := &fakeClient{id: "c1"}
	frames, err := c.Attach(context.Background(), client)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(frames) == 0 {
		t.Fatal("expected sync-step-1 frame")
	}
	f, err := protocol.Decode(frames[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Kind != protocol.FrameSync || f.SyncKind != protocol.SyncMessage {
		t.Fatalf("handshake frame kind = %d/%d", f.Kind, f.SyncKind)
	}
	if c.ClientCount() != 1 {
		t.Fatalf("client count = %d", c.ClientCount())
	}
}

func TestAttachEnforcesDocCap(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t, func(cfg *Config) { cfg.MaxClients = 1 })
	if _, err := c.Attach(context.Background(), &fakeClient{id: "c1"}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := c.Attach(context.Background(), &fakeClient{id: "c2"}); !errors.Is(err, ErrDocFull) {
		t.Fatalf("expected ErrDocFull, got %v", err)
	}
}

func TestDebouncedWriteAndIdempotence(t *testing.T) {
	t.Parallel()

	c, backend, clk := newTestCoordinator(t, nil)
	client := &fakeClient{id: "c1"}
	if _, err := c.Attach(context.Background(), client); err != nil {
		t.Fatalf("attach: %v", err)
	}
	blobs := updateBlobs(t, seedState(t), "hello")
	c.HandleFrame(client, protocol.EncodeSync(protocol.SyncUpdate, blobs[0]))

	waitFor(t, "debounce armed", func() bool { return clk.Pending() > 0 })
	clk.Advance(time.Second)
	waitFor(t, "first save", func() bool { return backend.saveCount() == 1 })
	if doc := backend.document("doc"); doc.Text != "hello" {
		t.Fatalf("saved text = %q", doc.Text)
	}

	// No edits between firings: the second debounce must not call Save (P3).
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if backend.saveCount() != 1 {
		t.Fatalf("saves = %d, want 1", backend.saveCount())
	}
}

func TestDebounceResetOnEachUpdate(t *testing.T) {
	t.Parallel()

	c, backend, clk := newTestCoordinator(t, nil)
	client := &fakeClient{id: "c1"}
	if _, err := c.Attach(context.Background(), client); err != nil {
		t.Fatalf("attach: %v", err)
	}
	blobs := updateBlobs(t, seedState(t), "a", "b")
	c.HandleFrame(client, protocol.EncodeSync(protocol.SyncUpdate, blobs[0]))
	waitFor(t, "debounce armed", func() bool { return clk.Pending() == 1 })
	clk.Advance(500 * time.Millisecond)
	c.HandleFrame(client, protocol.EncodeSync(protocol.SyncUpdate, blobs[1]))
	// Two waiters pending means the actor replaced the first timer.
	waitFor(t, "debounce re-armed", func() bool { return clk.Pending() == 2 })

	// The orphaned first timer fires without reaching the actor: no write yet.
	clk.Advance(600 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if backend.saveCount() != 0 {
		t.Fatalf("write fired before the reset window elapsed")
	}

	clk.Advance(400 * time.Millisecond)
	waitFor(t, "save after reset window", func() bool { return backend.saveCount() == 1 })
	if doc := backend.document("doc"); doc.Text != "ab" {
		t.Fatalf("saved text = %q", doc.Text)
	}
}

func TestSaveErrorRetriesNextTrigger(t *testing.T) {
	t.Parallel()

	c, backend, clk := newTestCoordinator(t, nil)
	client := &fakeClient{id: "c1"}
	if _, err := c.Attach(context.Background(), client); err != nil {
		t.Fatalf("attach: %v", err)
	}
	backend.mu.Lock()
	backend.saveErr = errors.New("disk full")
	backend.mu.Unlock()

	blobs := updateBlobs(t, seedState(t), "persist me")
	c.HandleFrame(client, protocol.EncodeSync(protocol.SyncUpdate, blobs[0]))
	waitFor(t, "debounce armed", func() bool { return clk.Pending() > 0 })
	clk.Advance(time.Second)

	// The failed save must not advance the hash; a flush retries and lands.
	waitFor(t, "failed save attempt", func() bool { return backend.attemptCount() == 1 })
	backend.mu.Lock()
	backend.saveErr = nil
	backend.mu.Unlock()
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if doc := backend.document("doc"); doc.Text != "persist me" {
		t.Fatalf("saved text = %q", doc.Text)
	}
}

func TestExternalChangeAppliesDiffAndSkipsDebounce(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.docs["doc"] = storage.Document{Text: "hello world", HasText: true}
	clk := clock.NewManual(time.Unix(1700000000, 0))
	c, err := New(Config{
		Name:     "doc",
		Backend:  backend,
		Clock:    clk,
		Debounce: time.Second,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close(context.Background())

	client := &fakeClient{id: "c1"}
	if _, err := c.Attach(context.Background(), client); err != nil {
		t.Fatalf("attach: %v", err)
	}
	before := len(client.sent())

	c.ExternalChange("hello there world", nil)
	waitFor(t, "external broadcast", func() bool { return len(client.sent()) > before })

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	// The external application must have been marked clean: no save happened.
	if backend.saveCount() != 0 {
		t.Fatalf("saves = %d, want 0", backend.saveCount())
	}
}

func TestExternalChangeEchoIsDropped(t *testing.T) {
	t.Parallel()

	c, backend, clk := newTestCoordinator(t, nil)
	client := &fakeClient{id: "c1"}
	if _, err := c.Attach(context.Background(), client); err != nil {
		t.Fatalf("attach: %v", err)
	}
	blobs := updateBlobs(t, seedState(t), "stable text")
	c.HandleFrame(client, protocol.EncodeSync(protocol.SyncUpdate, blobs[0]))
	waitFor(t, "debounce armed", func() bool { return clk.Pending() > 0 })
	clk.Advance(time.Second)
	waitFor(t, "save", func() bool { return backend.saveCount() == 1 })

	before := len(client.sent())
	c.ExternalChange("stable text", nil)
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	// P4: neither a replica mutation broadcast nor an extra save.
	if got := len(client.sent()); got != before {
		t.Fatalf("broadcast frames grew from %d to %d", before, got)
	}
	if backend.saveCount() != 1 {
		t.Fatalf("saves = %d", backend.saveCount())
	}
}

func TestBroadcastOrderingAndNoEchoToOrigin(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t, nil)
	c1 := &fakeClient{id: "c1"}
	c2 := &fakeClient{id: "c2"}
	if _, err := c.Attach(context.Background(), c1); err != nil {
		t.Fatalf("attach c1: %v", err)
	}
	if _, err := c.Attach(context.Background(), c2); err != nil {
		t.Fatalf("attach c2: %v", err)
	}
	c1Before := len(c1.sent())
	c2Before := len(c2.sent())

	blobs := updateBlobs(t, seedState(t), "first ", "second")
	c.HandleFrame(c1, protocol.EncodeSync(protocol.SyncUpdate, blobs[0]))
	c.HandleFrame(c1, protocol.EncodeSync(protocol.SyncUpdate, blobs[1]))

	waitFor(t, "c2 receives both updates", func() bool { return len(c2.sent()) >= c2Before+2 })

	// P5: frames arrive in integration order and reassemble to the source text.
	sink, err := crdt.LoadReplica(seedState(t))
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	for _, raw := range c2.sent()[c2Before:] {
		f, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if f.Kind != protocol.FrameSync || f.SyncKind != protocol.SyncUpdate {
			continue
		}
		if err := sink.ApplyUpdate(f.Payload, "test"); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if got, _ := sink.Text(); got != "first second" {
		t.Fatalf("reassembled text = %q", got)
	}

	// The origin socket must not have been echoed the update frames.
	for _, raw := range c1.sent()[c1Before:] {
		f, _ := protocol.Decode(raw)
		if f.Kind == protocol.FrameSync && f.SyncKind == protocol.SyncUpdate {
			t.Fatal("origin received its own update")
		}
	}
}

func TestPresenceBroadcastIncludesOrigin(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t, nil)
	c1 := &fakeClient{id: "c1"}
	c2 := &fakeClient{id: "c2"}
	if _, err := c.Attach(context.Background(), c1); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := c.Attach(context.Background(), c2); err != nil {
		t.Fatalf("attach: %v", err)
	}
	c1Before := len(c1.sent())

	c.HandleFrame(c1, protocol.EncodePresence([]byte(`{"states":{"7":{"cursor":1}}}`)))

	waitFor(t, "presence fan-out to origin", func() bool {
		for _, raw := range c1.sent()[c1Before:] {
			if f, err := protocol.Decode(raw); err == nil && f.Kind == protocol.FramePresence {
				return true
			}
		}
		return false
	})
}

func TestIdleEviction(t *testing.T) {
	t.Parallel()

	evicted := make(chan struct{})
	c, _, clk := newTestCoordinator(t, func(cfg *Config) {
		cfg.IdleDelay = time.Minute
		cfg.OnEvict = func(*Coordinator) { close(evicted) }
	})
	client := &fakeClient{id: "c1"}
	if _, err := c.Attach(context.Background(), client); err != nil {
		t.Fatalf("attach: %v", err)
	}
	c.Detach(client)
	// Round-trip through the actor so the detach (and its idle arm) has been
	// processed before the clock moves.
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	clk.Advance(time.Minute)

	select {
	case <-evicted:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator not evicted")
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not stop")
	}
}

func TestIdleEvictionCancelledByReconnect(t *testing.T) {
	t.Parallel()

	// Close also invokes OnEvict; only an eviction before cleanup is an error.
	bodyDone := make(chan struct{})
	c, _, clk := newTestCoordinator(t, func(cfg *Config) {
		cfg.IdleDelay = time.Minute
		cfg.OnEvict = func(*Coordinator) {
			select {
			case <-bodyDone:
			default:
				t.Error("unexpected eviction")
			}
		}
	})
	t.Cleanup(func() { close(bodyDone) })
	client := &fakeClient{id: "c1"}
	if _, err := c.Attach(context.Background(), client); err != nil {
		t.Fatalf("attach: %v", err)
	}
	c.Detach(client)
	if _, err := c.Attach(context.Background(), client); err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	clk.Advance(time.Minute)
	// Give a stale fire a chance to surface before asserting survival.
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if c.ClientCount() != 1 {
		t.Fatalf("client count = %d", c.ClientCount())
	}
}

func TestCloseFlushesLateEdits(t *testing.T) {
	t.Parallel()

	c, backend, _ := newTestCoordinator(t, func(cfg *Config) {
		cfg.Debounce = time.Hour // far beyond test lifetime
	})
	client := &fakeClient{id: "c1"}
	if _, err := c.Attach(context.Background(), client); err != nil {
		t.Fatalf("attach: %v", err)
	}
	blobs := updateBlobs(t, seedState(t), "Content before shutdown!")
	c.HandleFrame(client, protocol.EncodeSync(protocol.SyncUpdate, blobs[0]))

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if doc := backend.document("doc"); doc.Text != "Content before shutdown!" {
		t.Fatalf("persisted text = %q", doc.Text)
	}
}

func TestSyncLoadSeedsReplicaFromText(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.docs["doc"] = storage.Document{Text: "# Existing Content\n\nHello world!", HasText: true}
	c, err := New(Config{Name: "doc", Backend: backend, Clock: clock.Real{}, Debounce: time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close(context.Background())

	client := &fakeClient{id: "c1"}
	frames, err := c.Attach(context.Background(), client)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(frames) == 0 {
		t.Fatal("expected handshake")
	}
	// Loaded text must not be treated as dirty.
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if backend.saveCount() != 0 {
		t.Fatalf("saves = %d, want 0", backend.saveCount())
	}
}

func TestAsyncHydrationUsesThrowawayReplicaHash(t *testing.T) {
	t.Parallel()

	stored, err := crdt.NewReplica()
	if err != nil {
		t.Fatalf("stored replica: %v", err)
	}
	if err := stored.SetText("from the table", "seed"); err != nil {
		t.Fatalf("set: %v", err)
	}
	backend := newFakeBackend()
	backend.docs["doc"] = storage.Document{
		Text:         "from the table",
		HasText:      true,
		ReplicaState: stored.EncodeState(),
	}
	c, err := New(Config{
		Name:      "doc",
		Backend:   backend,
		Clock:     clock.Real{},
		Debounce:  10 * time.Millisecond,
		AsyncLoad: true,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close(context.Background())

	waitFor(t, "hydration", func() bool {
		text, err := c.Text(context.Background())
		return err == nil && text == "from the table"
	})
	// The hash came from the throwaway replica and matches the live text, so
	// nothing is dirty.
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if backend.saveCount() != 0 {
		t.Fatalf("saves = %d, want 0", backend.saveCount())
	}
}

func TestLoadErrorStartsEmpty(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.loadErr = fmt.Errorf("io failure")
	counters := metrics.New(time.Unix(1700000000, 0))
	c, err := New(Config{
		Name:     "doc",
		Backend:  backend,
		Clock:    clock.Real{},
		Counters: counters,
		Debounce: time.Second,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close(context.Background())

	if _, err := c.Attach(context.Background(), &fakeClient{id: "c1"}); err != nil {
		t.Fatalf("attach after load failure: %v", err)
	}
	if counters.LoadsErrored.Load() != 1 {
		t.Fatalf("loads errored = %d", counters.LoadsErrored.Load())
	}
}

func TestUnknownFrameCountsError(t *testing.T) {
	t.Parallel()

	counters := metrics.New(time.Unix(1700000000, 0))
	c, _, _ := newTestCoordinator(t, func(cfg *Config) { cfg.Counters = counters })
	client := &fakeClient{id: "c1"}
	if _, err := c.Attach(context.Background(), client); err != nil {
		t.Fatalf("attach: %v", err)
	}
	c.HandleFrame(client, []byte{0x09, 0xff})
	waitFor(t, "error counted", func() bool { return counters.Errors.Load() == 1 })
}
