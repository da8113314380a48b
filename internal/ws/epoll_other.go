//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// pollInterval is how often an idle connection is offered to the workers.
const pollInterval = 50 * time.Millisecond

// Epoll is the poller used where epoll is unavailable. There is no way to
// wait for readability without consuming bytes, so every registered
// connection is offered to Wait periodically; the server's read deadline and
// its per-connection processing guard turn idle offers into no-ops.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers conn and starts offering it to Wait.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.offer(conn)
	return nil
}

func (e *Epoll) offer(conn net.Conn) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if !e.registered(conn) {
			return
		}
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case <-ticker.C:
		case <-e.done:
			return
		}
	}
}

func (e *Epoll) registered(conn net.Conn) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.conns[conn]
	return ok
}

// Remove unregisters conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is offered and returns it along
// with any others already queued.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops the poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]struct{})
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll.
func socketFD(net.Conn) int {
	return -1
}
