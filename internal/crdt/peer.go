package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// Peer tracks the sync-protocol state for one connected socket. Like the
// replica it belongs to, it must only be touched by the owning coordinator.
type Peer struct {
	state *automerge.SyncState
}

// NewPeer starts a sync conversation with a freshly connected socket.
func (r *Replica) NewPeer() *Peer {
	return &Peer{state: automerge.NewSyncState(r.doc)}
}

// Step1 produces the opening sync messages describing this replica's current
// state vector. The result may be empty when the conversation is already up
// to date.
func (p *Peer) Step1() [][]byte {
	return p.drain()
}

// Receive consumes an inbound sync-protocol message and returns any reply
// messages the protocol wants sent back to the same socket. The underlying
// document may be mutated; the caller flushes replica updates afterwards.
func (p *Peer) Receive(payload []byte) ([][]byte, error) {
	if _, err := p.state.ReceiveMessage(payload); err != nil {
		return nil, fmt.Errorf("crdt: receive sync message: %w", err)
	}
	return p.drain(), nil
}

func (p *Peer) drain() [][]byte {
	var out [][]byte
	for {
		msg, valid := p.state.GenerateMessage()
		if !valid || msg == nil {
			return out
		}
		out = append(out, msg.Bytes())
	}
}
