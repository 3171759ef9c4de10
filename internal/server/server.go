package server

import (
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"securechat/internal/audit"
	"securechat/internal/crypto"
	"securechat/internal/db"
	"securechat/internal/keystore"
	"securechat/internal/logging"
	"securechat/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

// Config configures a Server.
type Config struct {
	// DataDir holds the message and key databases. Empty runs in memory.
	DataDir string
	// Secret derives server-encrypted conversation keys.
	Secret     string
	KeyVersion int
	// Audit receives security events in addition to the database recorder.
	Audit audit.Logger
	// AllowedOrigins lists accepted WebSocket origins; requests without an
	// Origin header are always accepted.
	AllowedOrigins []string
}

// Connection represents a WebSocket connection
type Connection struct {
	ws      *websocket.Conn
	userID  string
	server  *Server
	limiter *rate.Limiter

	mu     sync.Mutex // Protects send and closed
	send   chan []byte
	closed bool
}

type delivery struct {
	recipients []string
	data       []byte
}

// Server routes delivery events between the connections of conversation members
// and serves the key exchange REST API.
type Server struct {
	database *db.Database
	keys     *keystore.Store
	keyring  *crypto.Keyring
	audit    audit.Logger

	connections map[string]map[*Connection]struct{} // owned by Run
	register    chan *Connection
	unregister  chan *Connection
	broadcast   chan delivery
	quit        chan struct{}
	closeOnce   sync.Once
	online      atomic.Int64

	upgrader   websocket.Upgrader
	globalRate *rate.Limiter
	limits     *userLimits
}

// NewServer creates a new server instance
func NewServer(cfg Config) (*Server, error) {
	dataPath, keysPath := "", ""
	if cfg.DataDir != "" {
		dataPath = filepath.Join(cfg.DataDir, "messages")
		keysPath = filepath.Join(cfg.DataDir, "keys")
	}

	database, err := db.NewDatabase(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	keys, err := keystore.Open(keysPath)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize key store: %w", err)
	}

	if cfg.Secret == "" {
		cfg.Secret, err = crypto.GenerateUserToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate server secret: %w", err)
		}
		logging.Warn("No server secret configured, server-encrypted conversations will not survive a restart")
	}
	if cfg.KeyVersion == 0 {
		cfg.KeyVersion = 1
	}
	sink := cfg.Audit
	if sink == nil {
		sink = audit.LogSink{}
	}

	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}

	s := &Server{
		database:    database,
		keys:        keys,
		keyring:     crypto.NewKeyring(cfg.Secret, cfg.KeyVersion),
		audit:       audit.Multi{database, sink},
		connections: make(map[string]map[*Connection]struct{}),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan delivery, 256),
		quit:        make(chan struct{}),
		globalRate:  rate.NewLimiter(rate.Limit(100), 200), // 100 req/sec, burst 200
		limits:      newUserLimits(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins[origin]
			},
		},
	}

	go s.cleanupRoutine()

	return s, nil
}

// Database exposes the message database.
func (s *Server) Database() *db.Database { return s.database }

// Keys exposes the bundle store.
func (s *Server) Keys() *keystore.Store { return s.keys }

// Run starts the server hub
func (s *Server) Run() {
	for {
		select {
		case conn := <-s.register:
			if s.connections[conn.userID] == nil {
				s.connections[conn.userID] = make(map[*Connection]struct{})
			}
			s.connections[conn.userID][conn] = struct{}{}
			s.online.Add(1)
			logging.Info("User connected", map[string]string{"user": conn.userID})

		case conn := <-s.unregister:
			s.drop(conn)

		case d := <-s.broadcast:
			for _, uid := range d.recipients {
				for conn := range s.connections[uid] {
					if !conn.enqueue(d.data) {
						logging.Warn("Dropping slow connection", map[string]string{"user": uid})
						s.drop(conn)
					}
				}
			}

		case <-s.quit:
			for _, conns := range s.connections {
				for conn := range conns {
					conn.close()
				}
			}
			return
		}
	}
}

func (s *Server) drop(conn *Connection) {
	conns, ok := s.connections[conn.userID]
	if !ok {
		return
	}
	if _, ok := conns[conn]; !ok {
		return
	}
	delete(conns, conn)
	s.online.Add(-1)
	if len(conns) == 0 {
		delete(s.connections, conn.userID)
	}
	conn.close()
	logging.Info("User disconnected", map[string]string{"user": conn.userID})
}

// deliver queues a frame for every connection of the given users.
func (s *Server) deliver(recipients []string, eventType protocol.EventType, data any) {
	if len(recipients) == 0 {
		return
	}
	raw, err := protocol.NewFrame(eventType, "", data).Marshal()
	if err != nil {
		logging.ErrorWithError("Failed to marshal broadcast", err, map[string]string{"type": string(eventType)})
		return
	}
	select {
	case s.broadcast <- delivery{recipients: recipients, data: raw}:
	case <-s.quit:
	}
}

// HandleWebSocket authenticates the bearer token and upgrades the connection.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.globalRate.Allow() {
		writeError(w, protocol.Errorf(protocol.CodeRateLimited, "rate limit exceeded"))
		return
	}

	user, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("WebSocket upgrade failed", map[string]string{"error": err.Error()})
		return
	}

	conn := &Connection{
		ws:      ws,
		userID:  user.ID,
		send:    make(chan []byte, sendBuffer),
		server:  s,
		limiter: rate.NewLimiter(rate.Limit(10), 20), // 10 req/sec per connection
	}

	select {
	case s.register <- conn:
	case <-s.quit:
		ws.Close()
		return
	}
	if err := s.database.UpdateLastSeen(user.ID); err != nil {
		logging.WarnWithError("Failed to update last seen", err, map[string]string{"user": user.ID})
	}

	go conn.writePump()
	go conn.readPump()
}

// enqueue hands data to the write pump without blocking. It reports false
// when the buffer is full.
func (c *Connection) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump handles incoming frames from the WebSocket
func (c *Connection) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.quit:
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.WarnWithError("Failed to set read deadline", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.WarnWithError("WebSocket error", err, map[string]string{"user": c.userID})
			}
			return
		}

		f, err := protocol.UnmarshalFrame(data)
		if err != nil {
			c.sendError(protocol.Errorf(protocol.CodeBadRequest, "invalid frame format"))
			continue
		}

		if !c.limiter.Allow() {
			c.ack(f.ID, protocol.Errorf(protocol.CodeRateLimited, "rate limit exceeded"))
			continue
		}

		c.handleFrame(f)
	}
}

// writePump handles outgoing frames to the WebSocket
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ack answers the request frame id.
func (c *Connection) ack(id string, err error) {
	a := protocol.Ack{Success: err == nil}
	if err != nil {
		a.Error = string(protocol.CodeOf(err))
		a.Message = err.Error()
	}
	c.write(protocol.EventAck, id, a)
}

func (c *Connection) sendError(err error) {
	c.write(protocol.EventError, "", protocol.ErrorResponse{Code: protocol.CodeOf(err), Message: err.Error()})
}

func (c *Connection) write(eventType protocol.EventType, id string, data any) {
	raw, err := protocol.NewFrame(eventType, id, data).Marshal()
	if err != nil {
		logging.ErrorWithError("Failed to marshal frame", err, map[string]string{"type": string(eventType)})
		return
	}
	if !c.enqueue(raw) {
		logging.Warn("Failed to send frame: channel full", map[string]string{"user": c.userID})
	}
}

// Close shuts down the hub and the databases.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.quit) })
	kerr := s.keys.Close()
	if err := s.database.Close(); err != nil {
		return err
	}
	return kerr
}

// cleanupRoutine periodically prunes old security events and runs value log GC.
func (s *Server) cleanupRoutine() {
	cleanupTicker := time.NewTicker(time.Hour)
	gcTicker := time.NewTicker(15 * time.Minute)
	defer cleanupTicker.Stop()
	defer gcTicker.Stop()

	for {
		select {
		case <-cleanupTicker.C:
			if err := s.database.CleanupSecurityEvents(30 * 24 * time.Hour); err != nil {
				logging.ErrorWithError("Failed to cleanup security events", err)
			}
			s.limits.prune(time.Hour)

		case <-gcTicker.C:
			if err := s.database.RunGarbageCollection(); err != nil {
				logging.WarnWithError("Garbage collection failed", err)
			}

		case <-s.quit:
			return
		}
	}
}
