// Package dashboard provides a real-time WebSocket server for sync monitoring.
//
// The dashboard broadcasts reconciliation decisions, per-path sync outcomes,
// and full sync reports to connected WebSocket clients, and serves
// Prometheus metrics at /metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/picostuff/lockstep/internal/metrics"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeDecision indicates the engine decided an action for a path
	MessageTypeDecision MessageType = "decision"

	// MessageTypeOutcome indicates a path finished syncing
	MessageTypeOutcome MessageType = "outcome"

	// MessageTypeSyncComplete indicates a full sync completed
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeStats indicates updated sync statistics
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DecisionData describes one reconciliation decision
type DecisionData struct {
	Path   string `json:"path"`
	Remote string `json:"remote"`
	Local  string `json:"local"`
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
}

// OutcomeData describes the result of syncing one path
type OutcomeData struct {
	Path     string   `json:"path"`
	Actions  []string `json:"actions"`
	Attempts int      `json:"attempts"`
	Rejected bool     `json:"rejected,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// SyncCompleteData contains full sync completion information
type SyncCompleteData struct {
	RunID     string        `json:"run_id"`
	Paths     int           `json:"paths"`
	Pushed    int           `json:"pushed"`
	Conflicts int           `json:"conflicts"`
	Failures  int           `json:"failures"`
	Duration  time.Duration `json:"duration"`
}

// StatsData contains running sync statistics
type StatsData struct {
	Decisions  int            `json:"decisions"`
	ByAction   map[string]int `json:"by_action"`
	Conflicts  int            `json:"conflicts"`
	Rejected   int            `json:"rejected"`
	Failures   int            `json:"failures"`
	FullSyncs  int            `json:"full_syncs"`
	LastRunID  string         `json:"last_run_id,omitempty"`
	LocalItems int            `json:"local_items"`
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	// Connected viewers, each with its own send queue
	clients   map[*client]struct{}
	clientsMu sync.RWMutex
	sendQueue int

	// Message broadcasting
	broadcast chan Message

	// Snapshot queued for clients as they connect
	welcome func() Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Logging
	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// SendQueue is how many messages may wait for one client before it is
	// dropped as too slow (default: 32)
	SendQueue int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:      8080,
		SendQueue: 32,
		Logger:    log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	queue := config.SendQueue
	if queue <= 0 {
		queue = 32
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		clients:   make(map[*client]struct{}),
		sendQueue: queue,
		broadcast: make(chan Message, 100),
		welcome:   func() Message { return Message{Type: MessageTypeStats} },
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start listens and serves /ws, /health, /metrics and an index page.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop disconnects every client and shuts the HTTP server down. Clients
// are closed with StatusGoingAway.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")
	s.cancel()

	s.clientsMu.Lock()
	for c := range s.clients {
		c.kick(websocket.StatusGoingAway, "Server shutting down")
	}
	s.clientsMu.Unlock()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	// Hijacked WebSocket handlers aren't covered by Shutdown
	s.wg.Wait()

	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast queues msg for every connected client. It never blocks; when
// the server is stopped or backed up the message is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal %s message: %v", msg.Type, err)
				continue
			}
			s.fanout(data)
		}
	}
}

// fanout offers data to every client. A client whose queue is full has
// fallen behind and is disconnected.
func (s *Server) fanout(data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		if !c.offer(data) {
			s.logger.Printf("Dropping slow client (%d messages queued)", len(c.send))
			c.kick(websocket.StatusPolicyViolation, "client too slow")
		}
	}
}

// handleWebSocket serves one viewer for the life of its connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := newClient(conn, s.sendQueue)
	welcome := s.welcome()
	welcome.Timestamp = time.Now()
	if data, err := json.Marshal(welcome); err == nil {
		c.offer(data)
	}

	total, ok := s.addClient(c)
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		return
	}
	defer s.wg.Done()
	s.logger.Printf("Client connected (total: %d)", total)

	// Viewers don't send anything; the read side only watches for close
	ctx := conn.CloseRead(s.ctx)
	err = c.writeLoop(ctx)

	total = s.removeClient(c)
	if err != nil {
		s.logger.Printf("Client disconnected: %v (total: %d)", err, total)
	} else {
		s.logger.Printf("Client disconnected (total: %d)", total)
	}
}

// addClient registers c and counts its handler in s.wg. It refuses once
// Stop has begun.
func (s *Server) addClient(c *client) (int, bool) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.ctx.Err() != nil {
		return 0, false
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	return len(s.clients), true
}

func (s *Server) removeClient(c *client) int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
	return len(s.clients)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>lockstep</title>
</head>
<body>
    <h1>lockstep sync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Metrics: <a href="/metrics">/metrics</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
