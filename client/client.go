// Package client is a Go client for the mrmd-sync hub: it maintains a local
// replica of one document, keeps it converged with the server over the framed
// socket protocol, and exposes simple text and presence operations. The
// server's own tests are its main consumer.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/MaximeRivest/mrmd-sync/internal/crdt"
	"github.com/MaximeRivest/mrmd-sync/internal/protocol"
)

// ErrClosed reports operations on a closed client.
var ErrClosed = errors.New("client: closed")

// Option configures a client.
type Option func(*options)

type options struct {
	Logger pslog.Logger
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// Client is one live document connection.
type Client struct {
	ws  *websocket.Conn
	log pslog.Logger

	mu       sync.Mutex
	replica  *crdt.Replica
	peer     *crdt.Peer
	presence map[string]json.RawMessage
	sawSync  bool
	closed   bool

	writeMu sync.Mutex

	syncedOnce sync.Once
	synced     chan struct{}
	done       chan struct{}
	closeErr   error
}

// Connect dials url (ws://host:port/<doc>) and starts the sync conversation.
func Connect(ctx context.Context, url string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = pslog.NoopLogger()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %q: %w", url, err)
	}
	c := &Client{
		ws:       ws,
		log:      o.Logger.With("svc", "client"),
		replica:  crdt.NewBlankReplica(),
		presence: make(map[string]json.RawMessage),
		synced:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.peer = c.replica.NewPeer()
	c.replica.OnUpdate(c.onLocalUpdate)

	// Open the conversation with our own sync-step-1.
	c.mu.Lock()
	step1 := c.peer.Step1()
	c.mu.Unlock()
	for _, msg := range step1 {
		if err := c.writeFrame(protocol.EncodeSync(protocol.SyncMessage, msg)); err != nil {
			ws.Close()
			return nil, err
		}
	}
	go c.readLoop()
	return c, nil
}

// onLocalUpdate forwards updates produced by local edits to the server.
// Updates applied from server frames are tagged "remote" and skipped.
func (c *Client) onLocalUpdate(blob []byte, origin any) {
	if origin != "local" {
		return
	}
	if err := c.writeFrame(protocol.EncodeSync(protocol.SyncUpdate, blob)); err != nil {
		c.log.Debug("client.update.write_error", "error", err)
	}
}

func (c *Client) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.closeErr = err
			c.closed = true
			c.mu.Unlock()
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if err := c.handleFrame(data); err != nil {
			c.log.Debug("client.frame_error", "error", err)
		}
	}
}

func (c *Client) handleFrame(raw []byte) error {
	f, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	switch f.Kind {
	case protocol.FrameSync:
		return c.handleSync(f)
	case protocol.FramePresence:
		return c.handlePresence(f.Payload)
	default:
		return nil
	}
}

func (c *Client) handleSync(f protocol.Frame) error {
	c.mu.Lock()
	c.sawSync = true
	var replies [][]byte
	var err error
	switch f.SyncKind {
	case protocol.SyncMessage:
		replies, err = c.peer.Receive(f.Payload)
		if err == nil {
			c.replica.FlushUpdates("remote")
		}
	case protocol.SyncStep2, protocol.SyncUpdate:
		err = c.replica.ApplyUpdate(f.Payload, "remote")
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	for _, msg := range replies {
		if werr := c.writeFrame(protocol.EncodeSync(protocol.SyncMessage, msg)); werr != nil {
			return werr
		}
	}
	if f.SyncKind == protocol.SyncMessage && len(replies) == 0 {
		// The conversation quiesced: we hold everything the server had.
		c.syncedOnce.Do(func() { close(c.synced) })
	}
	return nil
}

func (c *Client) handlePresence(payload []byte) error {
	var wire struct {
		States map[string]json.RawMessage `json:"states"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return fmt.Errorf("client: decode presence: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, state := range wire.States {
		if state == nil || string(state) == "null" {
			delete(c.presence, id)
			continue
		}
		c.presence[id] = state
	}
	return nil
}

// WaitSynced blocks until the initial sync conversation has quiesced.
func (c *Client) WaitSynced(ctx context.Context) error {
	select {
	case <-c.synced:
		return nil
	case <-c.done:
		return c.CloseErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitText polls until the document text equals want.
func (c *Client) WaitText(ctx context.Context, want string) error {
	for {
		if text, err := c.Text(); err == nil && text == want {
			return nil
		}
		select {
		case <-ctx.Done():
			text, _ := c.Text()
			return fmt.Errorf("client: text %q never became %q: %w", text, want, ctx.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Text returns the current value of the document's text register.
func (c *Client) Text() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Text()
}

// Insert writes s at the given code-point position and pushes the update to
// the server. It requires the initial sync to have completed so the edit
// lands in the shared text register.
func (c *Client) Insert(ctx context.Context, pos int, s string) error {
	if err := c.WaitSynced(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.replica.Insert(pos, s, "local")
}

// Delete removes count code points at pos and pushes the update.
func (c *Client) Delete(ctx context.Context, pos, count int) error {
	if err := c.WaitSynced(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.replica.Delete(pos, count, "local")
}

// SetPresence announces this client's presence payload under id.
func (c *Client) SetPresence(id string, payload json.RawMessage) error {
	states := map[string]json.RawMessage{id: payload}
	raw, err := json.Marshal(map[string]any{"states": states})
	if err != nil {
		return fmt.Errorf("client: encode presence: %w", err)
	}
	return c.writeFrame(protocol.EncodePresence(raw))
}

// Presence returns the last known presence states.
func (c *Client) Presence() map[string]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]json.RawMessage, len(c.presence))
	for id, state := range c.presence {
		out[id] = state
	}
	return out
}

// SawSync reports whether any sync frame has arrived; capacity-rejected
// connections never see one.
func (c *Client) SawSync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sawSync
}

// CloseErr returns the read-side error once the connection has ended; close
// frames surface as *websocket.CloseError.
func (c *Client) CloseErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}
