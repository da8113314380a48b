// Package gateway wires the realtime gateway: it answers subscribe and
// unsubscribe requests on WebSocket connections and relays row changes from
// the Postgres feed to matching subscriptions and to NATS.
package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/protocol"
	"github.com/whisper/livechat/internal/ratelimit"
	"github.com/whisper/livechat/internal/store"
	"github.com/whisper/livechat/internal/ws"
)

// TopicRegistry mirrors connection subscriptions outside the process.
type TopicRegistry interface {
	AddTopic(ctx context.Context, sessionID, ref, topic string) error
	RemoveTopic(ctx context.Context, sessionID, ref string) error
}

// Subscriptions handles subscribe and unsubscribe messages.
type Subscriptions struct {
	registry TopicRegistry
	limiter  ws.Limiter
	timeout  time.Duration
}

// NewSubscriptions returns the handlers. registry and limiter may be nil.
func NewSubscriptions(registry TopicRegistry, limiter ws.Limiter) *Subscriptions {
	return &Subscriptions{
		registry: registry,
		limiter:  limiter,
		timeout:  2 * time.Second,
	}
}

// Register installs the handlers on d.
func (s *Subscriptions) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeSubscribe, s.handleSubscribe)
	d.Register(protocol.TypeUnsubscribe, s.handleUnsubscribe)
}

func (s *Subscriptions) handleSubscribe(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.SubscribeMsg)
	if m.Ref == "" {
		ws.SendError(conn, "", protocol.CodeInvalidMessage, "subscribe requires a ref")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(ctx, conn.ID, ratelimit.RuleSubscribe); !ok {
			retry := s.limiter.RetryAfter(ctx, conn.ID, ratelimit.RuleSubscribe)
			ws.Send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(retry.Round(time.Second).Seconds()),
			})
			return
		}
	}

	topic := store.Topic{Table: m.Table, Event: m.Event}
	if err := topic.Validate(); err != nil {
		ws.SendError(conn, m.Ref, protocol.CodeInvalidTopic, err.Error())
		return
	}

	if err := conn.Subscribe(m.Ref, topic); err != nil {
		if errors.Is(err, ws.ErrDuplicateRef) {
			ws.SendError(conn, m.Ref, protocol.CodeDuplicateRef, err.Error())
			return
		}
		ws.SendError(conn, m.Ref, protocol.CodeInternal, "subscribe failed")
		return
	}
	metrics.GatewaySubscriptions.Inc()

	if s.registry != nil {
		if err := s.registry.AddTopic(ctx, conn.ID, m.Ref, topic.String()); err != nil {
			log.Printf("[gateway] record topic session=%s ref=%s: %v", conn.ID, m.Ref, err)
		}
	}

	log.Printf("[gateway] subscribed session=%s ref=%s topic=%s", conn.ID, m.Ref, topic)
	ws.Send(conn, protocol.TypeSubscribed, protocol.SubscribedMsg{Ref: m.Ref})
}

func (s *Subscriptions) handleUnsubscribe(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.UnsubscribeMsg)
	if !conn.Unsubscribe(m.Ref) {
		ws.SendError(conn, m.Ref, protocol.CodeUnknownRef, "no subscription with that ref")
		return
	}
	metrics.GatewaySubscriptions.Dec()

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.registry.RemoveTopic(ctx, conn.ID, m.Ref); err != nil {
			log.Printf("[gateway] forget topic session=%s ref=%s: %v", conn.ID, m.Ref, err)
		}
	}

	ws.Send(conn, protocol.TypeUnsubscribed, protocol.UnsubscribedMsg{Ref: m.Ref})
}
