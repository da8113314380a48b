package realtime

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/whisper/livechat/internal/messaging"
	"github.com/whisper/livechat/internal/store"
)

// NATSFeed is a store.Feed over the change subjects the gateway publishes.
type NATSFeed struct {
	client *messaging.NATSClient
}

// NewNATSFeed returns a feed reading from client.
func NewNATSFeed(client *messaging.NATSClient) *NATSFeed {
	return &NATSFeed{client: client}
}

// Subscribe registers handler on the topic's change subject.
func (f *NATSFeed) Subscribe(_ context.Context, topic store.Topic, handler store.Handler) (store.Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	sub, err := f.client.SubscribeChanges(topic, handler)
	if err != nil {
		return nil, err
	}
	return &natsSubscription{client: f.client, sub: sub, topic: topic}, nil
}

type natsSubscription struct {
	client *messaging.NATSClient
	sub    *nats.Subscription
	topic  store.Topic
	once   sync.Once
}

func (s *natsSubscription) Topic() store.Topic { return s.topic }

func (s *natsSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.client.Unsubscribe(s.sub) })
	return err
}
