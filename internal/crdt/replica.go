// Package crdt wraps the automerge document that backs each coordinator with
// the one-text-register shape the hub works on, and adds the update-event and
// presence plumbing the sync protocol needs.
package crdt

import (
	"fmt"
	"unicode/utf8"

	"github.com/automerge/automerge-go"
)

// ContentKey names the single text register every document carries.
const ContentKey = "content"

// Well-known origin tags. Everything else is an opaque per-connection tag.
const (
	OriginExternal = "external-change"
	OriginLoad     = "load"
	OriginSnapshot = "snapshot"
)

// UpdateListener observes update blobs integrated into the replica together
// with the origin tag of whatever caused them.
type UpdateListener func(blob []byte, origin any)

// Replica is an automerge document holding one text register. It is not safe
// for concurrent use; the owning coordinator serializes access.
type Replica struct {
	doc       *automerge.Doc
	listeners []UpdateListener
}

// NewReplica returns an empty replica with the content register created.
func NewReplica() (*Replica, error) {
	r := &Replica{doc: automerge.New()}
	if err := r.doc.Path(ContentKey).Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("crdt: create content register: %w", err)
	}
	// Swallow the creation change so the first FlushUpdates after real edits
	// carries only those edits.
	r.doc.SaveIncremental()
	return r, nil
}

// NewBlankReplica returns a replica without the content register. Clients use
// this shape so the register is adopted from the first peer that has it
// instead of being created twice; it materializes locally only on first edit.
func NewBlankReplica() *Replica {
	return &Replica{doc: automerge.New()}
}

// LoadReplica rebuilds a replica from a full encoded state.
func LoadReplica(state []byte) (*Replica, error) {
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("crdt: load state: %w", err)
	}
	r := &Replica{doc: doc}
	r.doc.SaveIncremental()
	return r, nil
}

// OnUpdate registers a listener invoked for every integrated update.
func (r *Replica) OnUpdate(fn UpdateListener) {
	r.listeners = append(r.listeners, fn)
}

func (r *Replica) emit(blob []byte, origin any) {
	for _, fn := range r.listeners {
		fn(blob, origin)
	}
}

// FlushUpdates collects changes made to the document since the last flush,
// emits them to listeners tagged with origin, and returns the update blob.
// It returns nil when nothing changed.
func (r *Replica) FlushUpdates(origin any) []byte {
	blob := r.doc.SaveIncremental()
	if len(blob) == 0 {
		return nil
	}
	r.emit(blob, origin)
	return blob
}

// ApplyUpdate integrates an opaque update blob. Application is idempotent and
// commutative; an event is emitted only when the document actually changed.
func (r *Replica) ApplyUpdate(blob []byte, origin any) error {
	if err := r.doc.LoadIncremental(blob); err != nil {
		return fmt.Errorf("crdt: apply update: %w", err)
	}
	r.FlushUpdates(origin)
	return nil
}

// Merge integrates a full encoded state, for hydration from snapshots or
// asynchronously loaded storage rows.
func (r *Replica) Merge(state []byte, origin any) error {
	if err := r.doc.LoadIncremental(state); err != nil {
		return fmt.Errorf("crdt: merge state: %w", err)
	}
	r.FlushUpdates(origin)
	return nil
}

// EncodeState serializes the entire replica.
func (r *Replica) EncodeState() []byte {
	return r.doc.Save()
}

// content fetches the text register, creating it when create is set. A
// missing register is reported as (nil, nil) otherwise.
func (r *Replica) content(create bool) (*automerge.Text, error) {
	text, err := automerge.As[*automerge.Text](r.doc.Path(ContentKey).Get())
	if err == nil && text != nil {
		return text, nil
	}
	if !create {
		return nil, nil
	}
	if setErr := r.doc.Path(ContentKey).Set(automerge.NewText("")); setErr != nil {
		return nil, fmt.Errorf("crdt: create content register: %w", setErr)
	}
	text, err = automerge.As[*automerge.Text](r.doc.Path(ContentKey).Get())
	if err != nil {
		return nil, fmt.Errorf("crdt: content register: %w", err)
	}
	return text, nil
}

// HasContent reports whether the content register exists yet.
func (r *Replica) HasContent() bool {
	text, err := r.content(false)
	return err == nil && text != nil
}

// Text returns the current value of the content register, empty when the
// register does not exist yet.
func (r *Replica) Text() (string, error) {
	text, err := r.content(false)
	if err != nil {
		return "", err
	}
	if text == nil {
		return "", nil
	}
	value, err := text.Get()
	if err != nil {
		return "", fmt.Errorf("crdt: read content: %w", err)
	}
	return value, nil
}

// Insert inserts s at the given code-point position and emits the resulting
// update tagged with origin.
func (r *Replica) Insert(pos int, s string, origin any) error {
	text, err := r.content(true)
	if err != nil {
		return err
	}
	if err := text.Insert(pos, s); err != nil {
		return fmt.Errorf("crdt: insert at %d: %w", pos, err)
	}
	r.FlushUpdates(origin)
	return nil
}

// Delete removes count code points starting at pos and emits the update.
func (r *Replica) Delete(pos, count int, origin any) error {
	text, err := r.content(true)
	if err != nil {
		return err
	}
	if err := text.Delete(pos, count); err != nil {
		return fmt.Errorf("crdt: delete %d at %d: %w", count, pos, err)
	}
	r.FlushUpdates(origin)
	return nil
}

// EditOp discriminates edit-script entries.
type EditOp int

// Edit-script operations over code points.
const (
	EditKeep EditOp = iota
	EditInsert
	EditDelete
)

// Edit is one step of a character-level edit script.
type Edit struct {
	Op    EditOp
	Text  string // EditInsert and EditKeep
	Count int    // EditDelete
}

// ApplyEdits walks an edit script against the content register inside one
// transaction, maintaining a code-point cursor: inserts advance the cursor by
// the inserted length, deletes leave it in place, keeps skip ahead. The
// resulting single change is emitted tagged with origin.
func (r *Replica) ApplyEdits(script []Edit, origin any) error {
	text, err := r.content(true)
	if err != nil {
		return err
	}
	cursor := 0
	changed := false
	for _, edit := range script {
		switch edit.Op {
		case EditKeep:
			cursor += utf8.RuneCountInString(edit.Text)
		case EditInsert:
			if edit.Text == "" {
				continue
			}
			if err := text.Insert(cursor, edit.Text); err != nil {
				return fmt.Errorf("crdt: edit insert at %d: %w", cursor, err)
			}
			cursor += utf8.RuneCountInString(edit.Text)
			changed = true
		case EditDelete:
			if edit.Count <= 0 {
				continue
			}
			if err := text.Delete(cursor, edit.Count); err != nil {
				return fmt.Errorf("crdt: edit delete %d at %d: %w", edit.Count, cursor, err)
			}
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if _, err := r.doc.Commit("edit script", automerge.CommitOptions{}); err != nil {
		return fmt.Errorf("crdt: commit edit script: %w", err)
	}
	r.FlushUpdates(origin)
	return nil
}

// SetText replaces the entire content register in one transaction.
func (r *Replica) SetText(value string, origin any) error {
	current, err := r.Text()
	if err != nil {
		return err
	}
	if current == value {
		return nil
	}
	script := make([]Edit, 0, 2)
	if n := utf8.RuneCountInString(current); n > 0 {
		script = append(script, Edit{Op: EditDelete, Count: n})
	}
	if value != "" {
		script = append(script, Edit{Op: EditInsert, Text: value})
	}
	return r.ApplyEdits(script, origin)
}
