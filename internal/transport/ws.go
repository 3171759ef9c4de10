package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"securechat/internal/logging"
	"securechat/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// Inbound frames carry whole messages with ciphertext
	maxFrameSize = 1 << 20
)

// Duplex is the persistent, acknowledged channel.
type Duplex interface {
	Emit(ctx context.Context, event protocol.EventType, data any) *Future
}

// FrameHandler receives every non-ack frame from the server.
type FrameHandler func(*protocol.Frame)

// WSChannel is a Duplex over one WebSocket connection. Outbound frames get a
// fresh id and the server echoes it in the ack frame.
type WSChannel struct {
	conn    *websocket.Conn
	handler FrameHandler

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*Future
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects to a WebSocket endpoint authenticating with a bearer token.
func DialWS(ctx context.Context, url, token string, handler FrameHandler) (*WSChannel, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, protocol.Wrap(protocol.CodeFromStatus(resp.StatusCode), err, "failed to connect to server")
		}
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return NewWSChannel(conn, handler), nil
}

// NewWSChannel starts the read and ping loops on conn.
func NewWSChannel(conn *websocket.Conn, handler FrameHandler) *WSChannel {
	c := &WSChannel{
		conn:    conn,
		handler: handler,
		pending: make(map[string]*Future),
		done:    make(chan struct{}),
	}
	go c.readPump()
	go c.pingLoop()
	return c
}

// Emit writes an operation frame and returns its acknowledgement future.
func (c *WSChannel) Emit(_ context.Context, event protocol.EventType, data any) *Future {
	id := uuid.NewString()
	f := NewFuture(func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f.Resolve(Result{Outcome: Failed, Reason: "connection closed"})
		return f
	}
	c.pending[id] = f
	c.mu.Unlock()

	if err := c.write(protocol.NewFrame(event, id, data)); err != nil {
		f.Resolve(Result{Outcome: Failed, Reason: err.Error()})
	}
	return f
}

// Done is closed when the connection ends.
func (c *WSChannel) Done() <-chan struct{} { return c.done }

// Close closes the connection and fails every pending operation.
func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		c.shutdown()
	})
	return err
}

func (c *WSChannel) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*Future)
	c.mu.Unlock()

	for _, f := range pending {
		f.Resolve(Result{Outcome: Failed, Reason: "connection closed"})
	}
	close(c.done)
}

func (c *WSChannel) write(f *protocol.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSChannel) readPump() {
	defer func() {
		c.conn.Close()
		c.shutdown()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.ErrorWithError("WebSocket read error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := protocol.UnmarshalFrame(data)
		if err != nil {
			logging.WarnWithError("Dropping malformed frame", err)
			continue
		}

		if frame.Type == protocol.EventAck {
			c.settle(frame)
			continue
		}
		if c.handler != nil {
			c.handler(frame)
		}
	}
}

func (c *WSChannel) settle(frame *protocol.Frame) {
	c.mu.Lock()
	f, ok := c.pending[frame.ID]
	c.mu.Unlock()
	if !ok {
		logging.Info("Ignoring late acknowledgement", map[string]string{"id": frame.ID})
		return
	}

	var ack protocol.Ack
	if err := frame.ParseData(&ack); err != nil {
		f.Resolve(Result{Outcome: Failed, Reason: "malformed acknowledgement"})
		return
	}
	f.Resolve(ackResult(ack))
}

func (c *WSChannel) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
