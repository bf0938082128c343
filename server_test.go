package mrmdsync_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	mrmdsync "github.com/MaximeRivest/mrmd-sync"
	"github.com/MaximeRivest/mrmd-sync/client"
	"github.com/MaximeRivest/mrmd-sync/internal/storage/disk"
)

func testLogger() pslog.Logger {
	return pslog.NewStructured(io.Discard)
}

func startTestServer(t *testing.T, mutate func(*mrmdsync.Config)) (*mrmdsync.Server, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "docs")
	cfg := mrmdsync.Config{
		Listen:          "127.0.0.1:0",
		Dir:             dir,
		Debounce:        100 * time.Millisecond,
		DocCleanupDelay: time.Minute,
		WatchDebounce:   50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, stop, err := mrmdsync.StartServer(context.Background(), cfg, mrmdsync.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = stop(ctx)
		os.RemoveAll(disk.TempArea(cfg.Dir))
	})
	return srv, dir
}

func wsURL(srv *mrmdsync.Server, doc string) string {
	return "ws://" + srv.ListenerAddr().String() + "/" + doc
}

func httpURL(srv *mrmdsync.Server, path string) string {
	return "http://" + srv.ListenerAddr().String() + path
}

func connect(t *testing.T, srv *mrmdsync.Server, doc string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Connect(ctx, wsURL(srv, doc), client.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("connect %s: %v", doc, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPreExistingFileIsReadOnFirstConnect(t *testing.T) {
	t.Parallel()

	srv, dir := startTestServer(t, nil)
	content := "# Existing Content\n\nHello world!"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "existing.md"), []byte(content), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	c := connect(t, srv, "existing")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitText(ctx, content); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
}

func TestNewDocumentCreatedOnFirstEdit(t *testing.T) {
	t.Parallel()

	srv, dir := startTestServer(t, nil)
	c := connect(t, srv, "newfile")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Insert(ctx, 0, "New content created!"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	path := filepath.Join(dir, "newfile.md")
	deadline := time.Now().Add(5 * time.Second)
	for {
		raw, err := os.ReadFile(path)
		if err == nil && strings.Contains(string(raw), "New content created") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("file %s never contained the edit (err=%v)", path, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	srv, dir := startTestServer(t, func(cfg *mrmdsync.Config) { cfg.Debounce = 50 * time.Millisecond })
	c := connect(t, srv, "atomic")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Insert(ctx, 0, "atomic write content"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dir, "atomic.md")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("document never persisted")
		}
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp.*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}

func TestTwoClientsConverge(t *testing.T) {
	t.Parallel()

	srv, _ := startTestServer(t, nil)
	c1 := connect(t, srv, "collab")
	c2 := connect(t, srv, "collab")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c1.Insert(ctx, 0, "Hello from client 1"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c2.WaitText(ctx, "Hello from client 1"); err != nil {
		t.Fatalf("convergence: %v", err)
	}
}

func TestCapacityRejection(t *testing.T) {
	t.Parallel()

	srv, _ := startTestServer(t, func(cfg *mrmdsync.Config) { cfg.MaxConnections = 2 })
	c1 := connect(t, srv, "cap")
	c2 := connect(t, srv, "cap")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c1.WaitSynced(ctx); err != nil {
		t.Fatalf("c1 sync: %v", err)
	}
	if err := c2.WaitSynced(ctx); err != nil {
		t.Fatalf("c2 sync: %v", err)
	}

	c3, err := client.Connect(ctx, wsURL(srv, "cap"), client.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("connect c3: %v", err)
	}
	defer c3.Close()
	select {
	case <-c3.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("third connection not closed")
	}
	var closeErr *websocket.CloseError
	if !errors.As(c3.CloseErr(), &closeErr) {
		t.Fatalf("expected close error, got %v", c3.CloseErr())
	}
	if closeErr.Code != 1013 {
		t.Fatalf("close code = %d, want 1013", closeErr.Code)
	}
	if c3.SawSync() {
		t.Fatal("rejected connection observed a sync frame")
	}
}

func TestShutdownFlushPreservesLateEdits(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "docs")
	cfg := mrmdsync.Config{
		Listen:   "127.0.0.1:0",
		Dir:      dir,
		Debounce: 5 * time.Second,
	}
	srv, stop, err := mrmdsync.StartServer(context.Background(), cfg, mrmdsync.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer os.RemoveAll(disk.TempArea(dir))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Connect(ctx, wsURL(srv, "late"), client.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	if err := c.Insert(ctx, 0, "Content before shutdown!"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Give the update frame time to reach the coordinator before closing.
	time.Sleep(100 * time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "late.md"))
	if err != nil {
		t.Fatalf("read persisted file: %v", err)
	}
	if !strings.Contains(string(raw), "Content before shutdown!") {
		t.Fatalf("persisted content = %q", raw)
	}
}

func TestAtMostOneCoordinatorPerName(t *testing.T) {
	t.Parallel()

	srv, _ := startTestServer(t, nil)
	var wg sync.WaitGroup
	clients := make([]*client.Client, 8)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c, err := client.Connect(ctx, wsURL(srv, "shared"), client.WithLogger(testLogger()))
			if err != nil {
				t.Errorf("connect %d: %v", i, err)
				return
			}
			clients[i] = c
			_ = c.WaitSynced(ctx)
		}(i)
	}
	wg.Wait()
	defer func() {
		for _, c := range clients {
			if c != nil {
				c.Close()
			}
		}
	}()

	count := 0
	for _, d := range srv.Hub().Documents() {
		if d.Name == "shared" {
			count++
			if d.Connections != 8 {
				t.Fatalf("connections = %d, want 8", d.Connections)
			}
		}
	}
	if count != 1 {
		t.Fatalf("coordinators for name = %d, want 1", count)
	}
}

func TestExternalEditPropagatesToClients(t *testing.T) {
	t.Parallel()

	srv, dir := startTestServer(t, nil)
	c := connect(t, srv, "watched")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.WaitSynced(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "watched.md"), []byte("External edit landed"), 0o644); err != nil {
		t.Fatalf("external write: %v", err)
	}
	if err := c.WaitText(ctx, "External edit landed"); err != nil {
		t.Fatalf("external propagation: %v", err)
	}
}

func TestIdleEvictionRemovesCoordinator(t *testing.T) {
	t.Parallel()

	srv, _ := startTestServer(t, func(cfg *mrmdsync.Config) {
		cfg.DocCleanupDelay = 100 * time.Millisecond
	})
	c := connect(t, srv, "ephemeral")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitSynced(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	c.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := srv.Hub().Get("ephemeral"); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("coordinator never evicted")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestInvalidNameRejectedWithPolicyViolation(t *testing.T) {
	t.Parallel()

	srv, _ := startTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Connect(ctx, "ws://"+srv.ListenerAddr().String()+"/bad%20name", client.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed")
	}
	var closeErr *websocket.CloseError
	if !errors.As(c.CloseErr(), &closeErr) || closeErr.Code != 1008 {
		t.Fatalf("expected policy violation close, got %v", c.CloseErr())
	}
}

type denyHooks struct {
	allowDoc string
}

func (h *denyHooks) Authorize(r *http.Request, doc string) (bool, error) {
	return doc == h.allowDoc, nil
}

func (h *denyHooks) HandleRequest(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Path == "/custom" {
		w.WriteHeader(http.StatusTeapot)
		return true
	}
	return false
}

func (h *denyHooks) HandleConnection(w http.ResponseWriter, r *http.Request) bool { return false }

func TestAuthPredicateGatesDocuments(t *testing.T) {
	t.Parallel()

	srv, _ := startTestServer(t, func(cfg *mrmdsync.Config) {
		cfg.Hooks = &denyHooks{allowDoc: "public"}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	allowed := connect(t, srv, "public")
	if err := allowed.WaitSynced(ctx); err != nil {
		t.Fatalf("allowed doc: %v", err)
	}

	denied, err := client.Connect(ctx, wsURL(srv, "secret"), client.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer denied.Close()
	select {
	case <-denied.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("denied connection not closed")
	}
	var closeErr *websocket.CloseError
	if !errors.As(denied.CloseErr(), &closeErr) || closeErr.Code != 1008 {
		t.Fatalf("expected policy violation, got %v", denied.CloseErr())
	}

	// The request hook runs ahead of built-in routes.
	resp, err := http.Get(httpURL(srv, "/custom"))
	if err != nil {
		t.Fatalf("custom route: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("custom status = %d", resp.StatusCode)
	}
}

func TestControlPlaneEndpoints(t *testing.T) {
	t.Parallel()

	srv, _ := startTestServer(t, nil)

	resp, err := http.Get(httpURL(srv, "/health"))
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("cors header = %q", got)
	}
	var health struct {
		Status       string `json:"status"`
		ShuttingDown bool   `json:"shutting_down"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "healthy" || health.ShuttingDown {
		t.Fatalf("health = %+v", health)
	}

	resp, err = http.Get(httpURL(srv, "/metrics"))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	var m struct {
		Uptime      float64 `json:"uptime"`
		Connections struct {
			Total  int64 `json:"total"`
			Active int64 `json:"active"`
		} `json:"connections"`
		LastActivity string `json:"lastActivity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if m.LastActivity == "" {
		t.Fatal("missing lastActivity")
	}

	resp, err = http.Get(httpURL(srv, "/stats"))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer resp.Body.Close()
	var stats struct {
		Documents []any          `json:"documents"`
		Config    map[string]any `json:"config"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Config["debounceMs"] == nil {
		t.Fatalf("config mirror missing: %+v", stats.Config)
	}

	req, _ := http.NewRequest(http.MethodOptions, httpURL(srv, "/anything"), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("options status = %d", resp.StatusCode)
	}

	resp, err = http.Get(httpURL(srv, "/not-a-route"))
	if err != nil {
		t.Fatalf("banner: %v", err)
	}
	banner, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(banner) == 0 {
		t.Fatalf("banner status = %d body = %q", resp.StatusCode, banner)
	}
}

func TestInstanceLockRefusesSecondServer(t *testing.T) {
	t.Parallel()

	srv, dir := startTestServer(t, nil)
	_ = srv

	_, err := mrmdsync.NewServer(mrmdsync.Config{
		Listen: "127.0.0.1:0",
		Dir:    dir,
	}, mrmdsync.WithLogger(testLogger()))
	if err == nil {
		t.Fatal("second server started over a held instance lock")
	}
	if !strings.Contains(err.Error(), "instancelock") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPresencePropagatesBetweenClients(t *testing.T) {
	t.Parallel()

	srv, _ := startTestServer(t, nil)
	c1 := connect(t, srv, "cursors")
	c2 := connect(t, srv, "cursors")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c1.WaitSynced(ctx); err != nil {
		t.Fatalf("c1: %v", err)
	}
	if err := c2.WaitSynced(ctx); err != nil {
		t.Fatalf("c2: %v", err)
	}

	if err := c1.SetPresence("11", json.RawMessage(`{"cursor":4}`)); err != nil {
		t.Fatalf("set presence: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if state, ok := c2.Presence()["11"]; ok {
			var decoded struct {
				Cursor int `json:"cursor"`
			}
			if err := json.Unmarshal(state, &decoded); err != nil || decoded.Cursor != 4 {
				t.Fatalf("presence payload = %s (err=%v)", state, err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("presence never propagated")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDangerousBaseDirectoryRefused(t *testing.T) {
	t.Parallel()

	for _, dir := range []string{"/etc", "/usr/share", "/home/someone"} {
		cfg := mrmdsync.Config{Listen: "127.0.0.1:0", Dir: dir}
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected %q to be refused", dir)
		}
	}
	for _, dir := range []string{"/home/someone/notes", "/srv/data"} {
		cfg := mrmdsync.Config{Listen: "127.0.0.1:0", Dir: dir}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("expected %q to be allowed: %v", dir, err)
		}
	}
	cfg := mrmdsync.Config{Listen: "127.0.0.1:0", Dir: "/etc", DangerouslyAllowSystemPaths: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("opt-in failed: %v", err)
	}
}

func TestPathPrefixStripped(t *testing.T) {
	t.Parallel()

	srv, dir := startTestServer(t, func(cfg *mrmdsync.Config) {
		cfg.PathPrefix = "/sync"
		cfg.Debounce = 50 * time.Millisecond
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Connect(ctx, "ws://"+srv.ListenerAddr().String()+"/sync/prefixed", client.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Insert(ctx, 0, "prefixed content"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if raw, err := os.ReadFile(filepath.Join(dir, "prefixed.md")); err == nil && strings.Contains(string(raw), "prefixed content") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("prefixed document never persisted")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
