// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client connections, and dispatching
// incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/moodcall/video-app/internal/metrics"
	"github.com/moodcall/video-app/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent message-handler invocations
	MaxConnections int           // hard cap on total connections
	MaxFrameSize   int64         // largest accepted client frame in bytes
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameSize:   64 << 10,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws. It upgrades HTTP
// connections to WebSocket, runs a read loop goroutine per connection, and
// dispatches complete text frames to the message callback, bounded by a
// worker-pool semaphore.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent message handlers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	onUpgrade    func(remoteIP string) error         // pre-upgrade check, e.g. per-IP rate limit
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from the connection's read loop
// whenever a complete WebSocket text frame is received, so frames from one
// client are always handled in arrival order.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Start configures the HTTP server and begins accepting WebSocket connections.
// It blocks on http.Server.ListenAndServe until Shutdown is called.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// SetUpgradeGuard registers a callback invoked with the client's IP address
// before each WebSocket upgrade. A non-nil error rejects the upgrade with
// 429 Too Many Requests.
func (s *Server) SetUpgradeGuard(fn func(remoteIP string) error) {
	s.onUpgrade = fn
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. On success it registers the Connection, sends
// the connected handshake with the assigned connection ID, and starts the
// read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.onUpgrade != nil {
		if err := s.onUpgrade(clientIP(r)); err != nil {
			log.Printf("ws: upgrade rejected for %s: %v", r.RemoteAddr, err)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	// Upgrade the HTTP connection to WebSocket.
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		Conn:      conn,
		CreatedAt: time.Now(),
	}
	c.Touch()

	s.conns.Add(c)
	metrics.Connections.Inc()

	// Tell the client its connection ID before any other traffic.
	hello, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: c.ID,
	})
	if err != nil {
		log.Printf("ws: failed to build connected message for conn %s: %v", c.ID, err)
	} else if err := c.WriteMessage(hello); err != nil {
		log.Printf("ws: failed to send connected message for conn %s: %v", c.ID, err)
	}

	go s.readLoop(c)

	log.Printf("ws: new connection conn=%s remote=%s (total=%d)", c.ID, r.RemoteAddr, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime. It is used by load balancers for health
// checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// readLoop reads frames from a single connection until the read fails or the
// peer closes. Control frames are answered by the library handler so ping
// payloads are echoed back and close frames complete the closing handshake.
// Data frames go to the onMessage callback on this goroutine, so frames from
// one connection keep their arrival order; the worker-pool semaphore bounds
// how many connections can be inside a handler at once.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	controls := wsutil.ControlFrameHandler(c.Conn, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         c.Conn,
		State:          ws.StateServerSide,
		MaxFrameSize:   s.config.MaxFrameSize,
		OnIntermediate: controls,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			if err == wsutil.ErrFrameTooLarge {
				log.Printf("ws: frame over %d bytes conn=%s, closing", s.config.MaxFrameSize, c.ID)
				_ = c.WriteClose(ws.StatusMessageTooBig, "frame too large")
			}
			return
		}

		// Any frame proves the connection is alive.
		c.Touch()

		if hdr.OpCode.IsControl() {
			if err := controls(hdr, rd); err != nil {
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return
		}
		if len(data) == 0 || s.onMessage == nil {
			continue
		}

		// Acquire a worker slot (blocks if the pool is full).
		s.workerPool <- struct{}{}
		s.onMessage(c, data)
		<-s.workerPool
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from the manager and closes the
// underlying network connection, which unblocks the connection's read loop.
// The read loop, the heartbeat, and Shutdown can all call this; the manager's
// Remove reports which caller got there first, so cleanup runs once.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.Connections.Dec()

	// Notify the application layer so it can release queue and session state.
	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat or message handlers).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the heartbeat to exit, and closes all active connections
// through the normal disconnect path so application state is released.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	// Stop accepting new HTTP connections with a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// clientIP extracts the host part of the request's remote address. The rate
// limiter keys per-IP connect limits off this value.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
