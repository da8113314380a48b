package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/model"
	"github.com/whisper/livechat/internal/store"
)

// Publisher delivers a change to local subscribers and reports how many
// deliveries were made.
type Publisher interface {
	Publish(change model.Change) int
}

// ChangePublisher forwards a change to other processes.
type ChangePublisher interface {
	PublishChange(change model.Change) error
}

// relayTopics covers every change on both tables.
var relayTopics = []store.Topic{
	{Table: model.TableMessages, Event: model.EventAll},
	{Table: model.TableTypingStatus, Event: model.EventAll},
}

// Relay copies changes from a source feed to the WebSocket server and,
// optionally, to NATS.
type Relay struct {
	source store.Feed
	local  Publisher
	remote ChangePublisher

	mu   sync.Mutex
	subs []store.Subscription
}

// NewRelay returns a relay from source to local and remote. remote may be nil.
func NewRelay(source store.Feed, local Publisher, remote ChangePublisher) *Relay {
	return &Relay{source: source, local: local, remote: remote}
}

// Start subscribes to the source. On error nothing stays subscribed.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, topic := range relayTopics {
		sub, err := r.source.Subscribe(ctx, topic, r.relay)
		if err != nil {
			r.closeLocked()
			return fmt.Errorf("gateway: relay subscribe %s: %w", topic, err)
		}
		r.subs = append(r.subs, sub)
	}
	log.Printf("[gateway] relay started (%d topics)", len(r.subs))
	return nil
}

func (r *Relay) relay(change model.Change) {
	metrics.ChangesRelayed.WithLabelValues(change.Table).Inc()
	r.local.Publish(change)
	if r.remote != nil {
		if err := r.remote.PublishChange(change); err != nil {
			log.Printf("[gateway] nats publish %s %s: %v", change.Table, change.Event, err)
		}
	}
}

// Close stops relaying.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Relay) closeLocked() error {
	var first error
	for _, sub := range r.subs {
		if err := sub.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.subs = nil
	return first
}
