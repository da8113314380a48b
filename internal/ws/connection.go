package ws

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/livechat/internal/model"
	"github.com/whisper/livechat/internal/store"
)

// ErrDuplicateRef is returned when a connection reuses a subscription ref.
var ErrDuplicateRef = errors.New("ws: subscription ref already in use")

// Connection represents a single WebSocket client connection with its
// associated metadata, its topic subscriptions and a write mutex for
// serializing outbound frames.
type Connection struct {
	ID         string    // session ID (UUID)
	Conn       net.Conn  // underlying TCP connection
	Fd         int       // file descriptor, -1 where unavailable
	RemoteIP   string    // client address without port
	CreatedAt  time.Time // when the connection was established
	LastPing   time.Time // last heartbeat received from the client
	writeMu    sync.Mutex
	processing int32 // atomic flag: 0 = idle, 1 = being read by handleConn

	subMu sync.RWMutex
	subs  map[string]store.Topic // ref -> topic
}

// NewConnection wraps conn for session id.
func NewConnection(id string, conn net.Conn) *Connection {
	now := time.Now()
	return &Connection{
		ID:        id,
		Conn:      conn,
		CreatedAt: now,
		LastPing:  now,
		subs:      make(map[string]store.Topic),
	}
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WriteClose sends a close frame carrying status and reason.
func (c *Connection) WriteClose(status ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(status, reason)))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Subscribe registers topic under ref.
func (c *Connection) Subscribe(ref string, topic store.Topic) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[ref]; ok {
		return ErrDuplicateRef
	}
	c.subs[ref] = topic
	return nil
}

// Unsubscribe removes ref and reports whether it existed.
func (c *Connection) Unsubscribe(ref string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[ref]; !ok {
		return false
	}
	delete(c.subs, ref)
	return true
}

// Refs returns the refs whose topic matches change, sorted.
func (c *Connection) Refs(change model.Change) []string {
	c.subMu.RLock()
	var refs []string
	for ref, topic := range c.subs {
		if topic.Matches(change) {
			refs = append(refs, ref)
		}
	}
	c.subMu.RUnlock()
	sort.Strings(refs)
	return refs
}

// SubscriptionCount returns the number of live subscriptions.
func (c *Connection) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subs)
}

// ConnectionManager is a thread-safe registry of connections, indexed by
// session ID and by the underlying net.Conn that the poller reports.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // session_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID and closes it. It reports
// whether the connection was present, so concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
