// Package storage defines the persistence capability document coordinators
// write through: load and save of (text, opaque replica state) per document,
// plus an external-change stream for backends that can observe out-of-band
// edits.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Sentinel errors shared by backends.
var (
	// ErrNotFound indicates the document has never been persisted.
	ErrNotFound = errors.New("storage: not found")
	// ErrOversize indicates a stored document exceeds the configured maximum.
	ErrOversize = errors.New("storage: document exceeds size limit")
	// ErrNotSupported indicates the backend has no such capability.
	ErrNotSupported = errors.New("storage: not supported")
)

// Document is the persisted unit: current rendered text plus the opaque
// replica state. Either field may be absent.
type Document struct {
	Text         string
	HasText      bool
	ReplicaState []byte
}

// ChangeEvent reports an out-of-band modification observed by the backend.
// Err is set when the changed file could not be read back.
type ChangeEvent struct {
	Path string
	Text string
	Err  error
}

// Backend abstracts persistence of documents keyed by name.
type Backend interface {
	// Load returns whatever is currently persisted for name. A document that
	// was never saved yields a zero Document and no error; errors indicate
	// I/O failures the coordinator treats as "start empty".
	Load(ctx context.Context, name string) (Document, error)

	// Save atomically persists text and replica state for name.
	Save(ctx context.Context, name, text string, replicaState []byte) error

	// Flush is Save with shutdown intent.
	Flush(ctx context.Context, name, text string, replicaState []byte) error

	// SaveState persists only the replica state to the crash-recovery slot.
	// Backends without snapshot slots return ErrNotSupported.
	SaveState(ctx context.Context, name string, replicaState []byte) error

	// Resolve maps a document name to the backend location (a file path in
	// filesystem mode, a composite row key otherwise) used to correlate
	// external-change events.
	Resolve(name string) string

	// ExternalChanges returns the out-of-band change stream, or nil when the
	// backend cannot observe external edits.
	ExternalChanges() <-chan ChangeEvent

	Close() error
}

// Hash returns the canonical content hash used for no-op write suppression
// and echo detection.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
