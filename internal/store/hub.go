package store

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/whisper/livechat/internal/model"
)

// hubQueueSize bounds the per-subscription backlog. A subscriber that falls
// further behind than this loses changes, which the feed contract allows.
const hubQueueSize = 256

// Hub fans changes out to subscriptions. Each subscription owns one goroutine
// so a slow handler never blocks the publisher or other subscribers, and
// changes reach a given handler in publish order.
type Hub struct {
	name   string
	mu     sync.RWMutex
	subs   map[string]*HubSubscription
	closed bool
}

// NewHub creates an empty hub. The name tags its log lines.
func NewHub(name string) *Hub {
	return &Hub{
		name: name,
		subs: make(map[string]*HubSubscription),
	}
}

// Add registers a handler for topic. onClose, if non-nil, runs once when the
// subscription is closed.
func (h *Hub) Add(topic Topic, handler Handler, onClose func() error) (*HubSubscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("store: nil handler for %s", topic)
	}

	s := &HubSubscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		queue:   make(chan model.Change, hubQueueSize),
		done:    make(chan struct{}),
		hub:     h,
		onClose: onClose,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[s.id] = s
	h.mu.Unlock()

	go s.run()
	return s, nil
}

// Publish queues the change on every matching subscription.
func (h *Hub) Publish(c model.Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subs {
		if !s.topic.Matches(c) {
			continue
		}
		select {
		case s.queue <- c:
		default:
			log.Printf("[%s] subscription %s backlog full, dropping %s change", h.name, s.id, c.Table)
		}
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Tables returns the distinct tables with at least one live subscription.
func (h *Hub) Tables() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool)
	var tables []string
	for _, s := range h.subs {
		if !seen[s.topic.Table] {
			seen[s.topic.Table] = true
			tables = append(tables, s.topic.Table)
		}
	}
	return tables
}

// Close closes every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*HubSubscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// HubSubscription is a Subscription registered on a Hub.
type HubSubscription struct {
	id      string
	topic   Topic
	handler Handler
	queue   chan model.Change
	done    chan struct{}
	once    sync.Once
	hub     *Hub
	onClose func() error
}

// ID returns the unique subscription id.
func (s *HubSubscription) ID() string { return s.id }

// Topic returns the subscribed topic.
func (s *HubSubscription) Topic() Topic { return s.topic }

// Close unregisters the subscription and stops its goroutine. Changes still
// queued are discarded.
func (s *HubSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.hub.remove(s.id)
		close(s.done)
		if s.onClose != nil {
			err = s.onClose()
		}
	})
	return err
}

func (s *HubSubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case c := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(c)
		}
	}
}
