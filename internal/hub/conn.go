package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/MaximeRivest/mrmd-sync/internal/coordinator"
	"github.com/MaximeRivest/mrmd-sync/internal/protocol"
)

const writeTimeout = 10 * time.Second

// conn is one accepted socket: a bounded outbound queue drained by a writer
// goroutine (so fan-out never blocks on a slow peer) plus the ping/pong
// heartbeat.
type conn struct {
	id  string
	hub *Hub
	ws  *websocket.Conn

	out   chan []byte
	done  chan struct{}
	alive atomic.Bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConn(h *Hub, ws *websocket.Conn) *conn {
	c := &conn{
		id:   xid.New().String(),
		hub:  h,
		ws:   ws,
		out:  make(chan []byte, h.cfg.SendQueueDepth),
		done: make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// ID implements coordinator.Client.
func (c *conn) ID() string { return c.id }

// Send enqueues a frame without blocking. A full queue means the client has
// fallen hopelessly behind; it is terminated to protect the coordinator.
func (c *conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		c.hub.log.Warn("hub.conn.queue_overflow", "conn", c.id)
		c.terminate(protocol.CloseTryAgainLater, "send queue overflow")
		return false
	}
}

// start launches the writer and heartbeat.
func (c *conn) start() {
	if c.hub.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	}
	c.ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	c.wg.Add(1)
	go c.writeLoop()
}

func (c *conn) writeLoop() {
	defer c.wg.Done()
	var ping <-chan time.Time
	interval := c.hub.cfg.PingInterval
	if interval > 0 {
		ping = c.hub.cfg.Clock.After(interval)
	}
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.hub.log.Debug("hub.conn.write_error", "conn", c.id, "error", err)
				c.shut()
				return
			}
			if c.hub.cfg.Counters != nil {
				c.hub.cfg.Counters.BytesOut.Add(int64(len(frame)))
			}
		case <-ping:
			if !c.alive.Load() {
				c.hub.log.Info("hub.conn.heartbeat_timeout", "conn", c.id)
				c.shut()
				return
			}
			c.alive.Store(false)
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.shut()
				return
			}
			ping = c.hub.cfg.Clock.After(interval)
		}
	}
}

// readLoop processes inbound frames until the socket dies, then detaches.
func (c *conn) readLoop(coord *coordinator.Coordinator, doc string) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if counters := c.hub.cfg.Counters; counters != nil {
			counters.MessagesTotal.Add(1)
			counters.BytesIn.Add(int64(len(data)))
			counters.Touch(c.hub.cfg.Clock.Now())
		}
		coord.HandleFrame(c, data)
	}
	c.shut()
	c.wg.Wait()
	coord.Detach(c)
	c.hub.dropConn(c)
	c.hub.log.Info("hub.disconnected", "doc", doc, "conn", c.id)
}

// terminate sends a close frame with the given code and tears the socket
// down.
func (c *conn) terminate(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.shut()
}

func (c *conn) shut() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
