package mrmdsync

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MaximeRivest/mrmd-sync/internal/hub"
)

// Defaults for Config fields left at their zero value.
const (
	// DefaultListen is the TCP endpoint the hub binds to.
	DefaultListen = ":8765"
	// DefaultDebounce is the quiet interval collapsing edit bursts into one
	// storage write.
	DefaultDebounce = time.Second
	// DefaultMaxConnections caps sockets across all documents.
	DefaultMaxConnections = 100
	// DefaultMaxConnectionsPerDoc caps sockets per document.
	DefaultMaxConnectionsPerDoc = 20
	// DefaultMaxMessageSize bounds a single inbound frame.
	DefaultMaxMessageSize = 1 << 20
	// DefaultMaxFileSize bounds documents loaded from storage.
	DefaultMaxFileSize = 10 << 20
	// DefaultPingInterval is the heartbeat cadence per socket.
	DefaultPingInterval = 30 * time.Second
	// DefaultDocCleanupDelay is how long a clientless document lingers
	// before eviction.
	DefaultDocCleanupDelay = 30 * time.Second
	// DefaultSnapshotInterval is the periodic recovery-snapshot cadence.
	DefaultSnapshotInterval = 30 * time.Second
	// DefaultWatchDebounce is the stability window before an externally
	// changed file is emitted.
	DefaultWatchDebounce = 200 * time.Millisecond
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"
)

// DefaultExtensions lists the recognised document suffixes; the first is
// appended to names that carry none.
var DefaultExtensions = []string{".md", ".markdown"}

// Hooks is the embedder capability surface: admission policy plus request and
// connection interception. See hub.Hooks.
type Hooks = hub.Hooks

// Config captures the tunables for a Server instance.
type Config struct {
	// Listen is the bind address serving both HTTP and socket upgrades.
	Listen string
	// Store selects the backend: empty or file:// for the filesystem,
	// postgres:// for the external table.
	Store string
	// Dir is the base directory for the filesystem backend.
	Dir string
	// Extensions lists recognised document suffixes.
	Extensions []string
	// PathPrefix is stripped from request paths before name derivation.
	PathPrefix string
	// Hooks injects admission policy and custom handlers; nil allows all.
	Hooks Hooks
	// Debounce is the write-collapse interval.
	Debounce time.Duration
	// MaxConnections caps sockets across all documents.
	MaxConnections int
	// MaxConnectionsPerDoc caps sockets per document.
	MaxConnectionsPerDoc int
	// MaxMessageSize bounds a single inbound frame in bytes.
	MaxMessageSize int64
	// MaxFileSize bounds documents loaded from storage in bytes.
	MaxFileSize int64
	// PingInterval is the per-socket heartbeat cadence.
	PingInterval time.Duration
	// DocCleanupDelay is the idle-eviction delay.
	DocCleanupDelay time.Duration
	// SnapshotInterval is the recovery-snapshot cadence (filesystem mode).
	SnapshotInterval time.Duration
	// WatchDebounce is the watcher stability window (filesystem mode).
	WatchDebounce time.Duration
	// DisableStatePersistence turns off replica-state snapshots; text is
	// still persisted.
	DisableStatePersistence bool
	// DisableWatch turns off the external-change watcher (filesystem mode).
	DisableWatch bool
	// DangerouslyAllowSystemPaths opts into base directories under system
	// paths.
	DangerouslyAllowSystemPaths bool
	// LogLevel selects the minimum log level (debug, info, warn, error).
	LogLevel string
	// MetricsListen optionally serves Prometheus metrics on a second
	// address; empty disables it.
	MetricsListen string
	// PGUser and PGProject complete the external-table composite key.
	PGUser    string
	PGProject string
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if len(c.Extensions) == 0 {
		c.Extensions = append([]string(nil), DefaultExtensions...)
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxConnectionsPerDoc <= 0 {
		c.MaxConnectionsPerDoc = DefaultMaxConnectionsPerDoc
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.DocCleanupDelay <= 0 {
		c.DocCleanupDelay = DefaultDocCleanupDelay
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.WatchDebounce <= 0 {
		c.WatchDebounce = DefaultWatchDebounce
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Dir == "" && !c.externalTable() {
		c.Dir = "."
	}
}

func (c *Config) externalTable() bool {
	return strings.HasPrefix(c.Store, "postgres://") || strings.HasPrefix(c.Store, "postgresql://")
}

// Validate checks the configuration, applying defaults first.
func (c *Config) Validate() error {
	c.applyDefaults()
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("config: invalid listen address %q: %w", c.Listen, err)
	}
	if !c.externalTable() {
		if c.Store != "" && !strings.HasPrefix(c.Store, "file://") && c.Store != "file" {
			return fmt.Errorf("config: unsupported store %q (expected file:// or postgres://)", c.Store)
		}
		dir, err := filepath.Abs(c.Dir)
		if err != nil {
			return fmt.Errorf("config: resolve dir %q: %w", c.Dir, err)
		}
		if !c.DangerouslyAllowSystemPaths && dangerousPath(dir) {
			return fmt.Errorf(
				"config: base directory %q is a system path; set DangerouslyAllowSystemPaths to serve it anyway",
				dir,
			)
		}
	}
	return nil
}

// Port extracts the numeric port from the listen address, 0 when unknown.
func (c *Config) Port() int {
	_, portStr, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

var systemPaths = []string{"/", "/etc", "/usr", "/var", "/bin", "/sbin", "/root", "/home"}

// dangerousPath reports whether dir is, contains, or sits inside a system
// path. Subdirectories more than one level under /home are allowed.
func dangerousPath(dir string) bool {
	dir = filepath.Clean(dir)
	for _, sys := range systemPaths {
		if dir == sys {
			return true
		}
		if sys != "/" && isAncestor(dir, sys) {
			return true
		}
	}
	if isAncestor("/home", dir) {
		// /home/<user> is still dangerous; anything deeper is fine.
		rel := strings.TrimPrefix(dir, "/home/")
		return !strings.Contains(rel, "/")
	}
	for _, sys := range []string{"/etc", "/usr", "/var", "/bin", "/sbin", "/root"} {
		if isAncestor(sys, dir) {
			return true
		}
	}
	return false
}

// isAncestor reports whether parent strictly contains child.
func isAncestor(parent, child string) bool {
	return child != parent && strings.HasPrefix(child, parent+"/")
}
