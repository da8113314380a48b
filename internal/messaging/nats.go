// Package messaging wraps the NATS connection the realtime gateway uses to
// fan row changes out to other processes. Changes travel on subjects of the
// form changes.<table>.<event>, with the event lower-cased.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/livechat/internal/model"
	"github.com/whisper/livechat/internal/store"
)

// SubjectChanges is the root of all change subjects.
const SubjectChanges = "changes"

// ChangeSubject returns the subject a change is published on.
func ChangeSubject(table string, event model.EventType) string {
	return SubjectChanges + "." + table + "." + strings.ToLower(string(event))
}

// TopicSubject returns the subject filter for a subscription topic. EventAll
// maps to the single-token wildcard.
func TopicSubject(topic store.Topic) string {
	if topic.Event == model.EventAll {
		return SubjectChanges + "." + topic.Table + ".*"
	}
	return ChangeSubject(topic.Table, topic.Event)
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns the connection defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "livechat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config. It returns an error
// if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[*nats.Subscription]struct{}),
	}, nil
}

// PublishChange publishes c on its change subject.
func (c *NATSClient) PublishChange(change model.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("nats: encode change: %w", err)
	}
	return c.conn.Publish(ChangeSubject(change.Table, change.Event), data)
}

// SubscribeChanges registers handler for changes under topic. Undecodable
// payloads are logged and skipped.
func (c *NATSClient) SubscribeChanges(topic store.Topic, handler func(model.Change)) (*nats.Subscription, error) {
	subject := TopicSubject(topic)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var change model.Change
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			log.Printf("[nats] bad change on %s: %v", msg.Subject, err)
			return
		}
		handler(change)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub, nil
}

// Unsubscribe cancels a subscription returned by SubscribeChanges. It is a
// no-op for subscriptions already removed.
func (c *NATSClient) Unsubscribe(sub *nats.Subscription) error {
	c.mu.Lock()
	_, ok := c.subs[sub]
	delete(c.subs, sub)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", sub.Subject, err)
	}
	return nil
}

// Flush waits until the server has processed everything sent so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	c.subs = make(map[*nats.Subscription]struct{})

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
