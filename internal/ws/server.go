// Package ws is the realtime gateway's WebSocket layer. It upgrades HTTP
// connections, keeps per-connection topic subscriptions, dispatches client
// messages to handlers and fans row changes out to matching subscriptions.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/model"
	"github.com/whisper/livechat/internal/protocol"
	"github.com/whisper/livechat/internal/ratelimit"
)

// DefaultMaxMessageSize bounds a client message, all fragments included.
// Client messages are small subscribe requests.
const DefaultMaxMessageSize = 16 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxMessageSize int64         // largest accepted client message in bytes
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxMessageSize: DefaultMaxMessageSize,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Sessions records gateway sessions outside the process.
type Sessions interface {
	Create(ctx context.Context, sessionID, remoteIP string) error
	Delete(ctx context.Context, sessionID string) error
}

// Limiter throttles actions per identifier.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with an epoll instance for I/O
// readiness notifications and dispatches ready connections to a bounded
// worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	sessions     Sessions                            // optional external session registry
	limiter      Limiter                             // optional connect limiter
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(conn *Connection)              // called when a connection is removed
	mu           sync.Mutex
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. sessions and limiter may be nil. The onMessage
// function is called from a worker goroutine whenever a complete WebSocket
// text message is received from a client.
func NewServer(config ServerConfig, sessions Sessions, limiter Limiter, onMessage func(conn *Connection, data []byte)) *Server {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		sessions:   sessions,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve initializes the epoll instance, starts the event loop and heartbeat,
// and accepts WebSocket upgrades on ln. It blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		ln.Close()
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.mu.Lock()
	s.httpServer = &http.Server{Handler: mux}
	s.mu.Unlock()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader and registers it with epoll.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if s.limiter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		allowed, _ := s.limiter.Allow(ctx, ip, ratelimit.RuleConnect)
		if !allowed {
			retry := s.limiter.RetryAfter(ctx, ip, ratelimit.RuleConnect)
			cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		cancel()
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	sessionID := uuid.New().String()
	c := NewConnection(sessionID, conn)
	c.Fd = socketFD(conn)
	c.RemoteIP = ip

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for session %s: %v", sessionID, err)
		s.conns.Remove(sessionID)
		return
	}
	metrics.GatewayConnections.Inc()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, sessionID, ip); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", sessionID, err)
		}
		cancel()
	}

	sessionMsg, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: sessionID,
	})
	if err != nil {
		log.Printf("ws: failed to build session_created for session %s: %v", sessionID, err)
	} else if err := s.write(c, sessionMsg); err != nil {
		log.Printf("ws: failed to send session_created for session %s: %v", sessionID, err)
	}

	log.Printf("ws: new connection session=%s fd=%d ip=%s (total=%d)", sessionID, c.Fd, ip, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON.
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

// startEventLoop runs the epoll wait loop and hands each ready connection to
// a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// errPeerClosed aborts a fragmented message interrupted by a close frame.
var errPeerClosed = errors.New("ws: close frame inside fragmented message")

// handleConn reads one WebSocket message from a ready connection, joining
// fragments. Control frames are handled inline; a read failure removes the
// connection, and oversized or malformed input is answered with a close
// frame first.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may dispatch the same fd twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	rd := wsutil.Reader{
		Source:       netConn,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: s.config.MaxMessageSize,
		OnIntermediate: func(h ws.Header, _ io.Reader) error {
			if h.OpCode == ws.OpClose {
				return errPeerClosed
			}
			return nil
		},
	}

	header, err := rd.NextFrame()
	if err != nil {
		// Stale dispatch; the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.rejectConn(c, err)
		return
	}

	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return
		}
		if err := rd.Discard(); err != nil {
			s.RemoveConnection(c)
		}
		_ = netConn.SetReadDeadline(time.Time{})
		return
	}

	data, err := io.ReadAll(io.LimitReader(&rd, s.config.MaxMessageSize+1))
	if err == nil && int64(len(data)) > s.config.MaxMessageSize {
		err = wsutil.ErrFrameTooLarge
	}
	if err != nil {
		s.rejectConn(c, err)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// rejectConn closes c after a read error, telling the client why when the
// error is its fault.
func (s *Server) rejectConn(c *Connection, err error) {
	var status ws.StatusCode
	var protoErr ws.ProtocolError
	switch {
	case errors.Is(err, wsutil.ErrFrameTooLarge):
		status = ws.StatusMessageTooBig
	case errors.Is(err, wsutil.ErrInvalidUTF8):
		status = ws.StatusInvalidFramePayloadData
	case errors.As(err, &protoErr):
		status = ws.StatusProtocolError
	}

	if status != 0 {
		log.Printf("ws: closing session=%s status=%d: %v", c.ID, status, err)
		if s.config.WriteTimeout > 0 {
			_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		if werr := c.WriteClose(status, err.Error()); werr != nil {
			log.Printf("ws: close frame failed session=%s: %v", c.ID, werr)
		}
	}
	s.RemoveConnection(c)
}

// SetOnDisconnect registers a callback invoked when a connection is removed,
// before its session is deleted.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from epoll and the connection
// manager and closes it. Concurrent removals of the same connection clean up
// once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}

	metrics.GatewayConnections.Dec()
	metrics.GatewaySubscriptions.Sub(float64(c.SubscriptionCount()))

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessions.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}

// Publish delivers change to every subscription whose topic matches it and
// returns the number of deliveries. Connections that fail a write are
// removed.
func (s *Server) Publish(change model.Change) int {
	delivered := 0
	for _, c := range s.conns.All() {
		for _, ref := range c.Refs(change) {
			data, err := protocol.NewServerMessage(protocol.TypeChange, protocol.NewChangeMsg(ref, change))
			if err != nil {
				log.Printf("ws: failed to build change for session=%s ref=%s: %v", c.ID, ref, err)
				continue
			}
			if err := s.write(c, data); err != nil {
				log.Printf("ws: change delivery failed session=%s: %v", c.ID, err)
				s.RemoveConnection(c)
				break
			}
			delivered++
		}
	}
	return delivered
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return s.write(c, data)
}

func (s *Server) write(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	// Heartbeat pings share the connection.
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, closes
// all active connections and releases the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	hs := s.httpServer
	s.mu.Unlock()
	if hs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// remoteIP returns the client address, preferring the first X-Forwarded-For
// hop set by the load balancer.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks if the error is a syscall interrupted error (EINTR), which
// is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
