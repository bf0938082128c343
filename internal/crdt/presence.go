package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// PresenceEvent describes the client IDs affected by one presence update.
type PresenceEvent struct {
	Added   []string
	Updated []string
	Removed []string
}

// PresenceListener observes presence changes with their origin tag.
type PresenceListener func(ev PresenceEvent, origin any)

// Presence maps client identifiers to opaque presence payloads (cursor,
// selection). It is broadcast but never persisted.
type Presence struct {
	states    map[string]json.RawMessage
	owners    map[string]any
	listeners []PresenceListener
}

// NewPresence returns an empty presence map.
func NewPresence() *Presence {
	return &Presence{
		states: make(map[string]json.RawMessage),
		owners: make(map[string]any),
	}
}

// OnChange registers a listener for presence events.
func (p *Presence) OnChange(fn PresenceListener) {
	p.listeners = append(p.listeners, fn)
}

func (p *Presence) emit(ev PresenceEvent, origin any) {
	if len(ev.Added) == 0 && len(ev.Updated) == 0 && len(ev.Removed) == 0 {
		return
	}
	for _, fn := range p.listeners {
		fn(ev, origin)
	}
}

// States returns the current client states.
func (p *Presence) States() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(p.states))
	for id, payload := range p.states {
		out[id] = payload
	}
	return out
}

// ClientIDs returns the known client identifiers in stable order.
func (p *Presence) ClientIDs() []string {
	ids := make([]string, 0, len(p.states))
	for id := range p.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type presenceWire struct {
	States map[string]json.RawMessage `json:"states"`
}

// ApplyUpdate integrates an encoded presence update. Entries with a null
// payload remove the client; others add or update it. The origin tag records
// which socket announced each ID so DropOrigin can clean up on disconnect.
func (p *Presence) ApplyUpdate(raw []byte, origin any) error {
	var wire presenceWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("crdt: decode presence update: %w", err)
	}
	var ev PresenceEvent
	for id, payload := range wire.States {
		if payload == nil || string(payload) == "null" {
			if _, ok := p.states[id]; ok {
				delete(p.states, id)
				delete(p.owners, id)
				ev.Removed = append(ev.Removed, id)
			}
			continue
		}
		if _, ok := p.states[id]; ok {
			ev.Updated = append(ev.Updated, id)
		} else {
			ev.Added = append(ev.Added, id)
		}
		p.states[id] = payload
		if origin != nil {
			p.owners[id] = origin
		}
	}
	sort.Strings(ev.Added)
	sort.Strings(ev.Updated)
	sort.Strings(ev.Removed)
	p.emit(ev, origin)
	return nil
}

// EncodeUpdate serializes the states of the given client IDs. Unknown IDs are
// encoded as removals so receivers converge.
func (p *Presence) EncodeUpdate(ids []string) ([]byte, error) {
	wire := presenceWire{States: make(map[string]json.RawMessage, len(ids))}
	for _, id := range ids {
		if payload, ok := p.states[id]; ok {
			wire.States[id] = payload
		} else {
			wire.States[id] = json.RawMessage("null")
		}
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode presence update: %w", err)
	}
	return raw, nil
}

// DropOrigin removes every client ID announced by the given origin and emits
// the removal. It returns the removed IDs.
func (p *Presence) DropOrigin(origin any) []string {
	var removed []string
	for id, owner := range p.owners {
		if owner == origin {
			delete(p.states, id)
			delete(p.owners, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	p.emit(PresenceEvent{Removed: removed}, origin)
	return removed
}

// Len reports the number of known clients.
func (p *Presence) Len() int {
	return len(p.states)
}
