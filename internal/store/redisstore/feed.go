package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/livechat/internal/model"
	"github.com/whisper/livechat/internal/store"
)

// Feed delivers changes published by Store over Redis pub/sub. Redis does not
// buffer pub/sub messages, so changes published while the feed is
// disconnected are lost.
type Feed struct {
	rdb *redis.Client
	hub *store.Hub

	mu     sync.Mutex
	ps     *redis.PubSub
	refs   map[string]int
	closed bool
}

// NewFeed creates a feed on rdb. The client is not closed by Close.
func NewFeed(rdb *redis.Client) *Feed {
	return &Feed{
		rdb:  rdb,
		hub:  store.NewHub("redisfeed"),
		refs: make(map[string]int),
	}
}

// Subscribe starts delivering changes for topic to handler.
func (f *Feed) Subscribe(ctx context.Context, topic store.Topic, handler store.Handler) (store.Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}

	channel := ChannelFor(topic.Table)
	if err := f.acquire(ctx, channel); err != nil {
		return nil, err
	}

	sub, err := f.hub.Add(topic, handler, func() error { return f.release(channel) })
	if err != nil {
		_ = f.release(channel)
		return nil, err
	}
	return sub, nil
}

// Close closes every subscription and the pub/sub connection.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	ps := f.ps
	f.mu.Unlock()

	f.hub.Close()
	if ps != nil {
		return ps.Close()
	}
	return nil
}

func (f *Feed) acquire(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return store.ErrClosed
	}

	if f.refs[channel] == 0 {
		if f.ps == nil {
			ps := f.rdb.Subscribe(ctx, channel)
			// Wait for the subscription confirmation before reading.
			if _, err := ps.Receive(ctx); err != nil {
				ps.Close()
				return fmt.Errorf("redisstore: subscribe %s: %w", channel, err)
			}
			f.ps = ps
			go f.loop(ps)
		} else if err := f.ps.Subscribe(ctx, channel); err != nil {
			return fmt.Errorf("redisstore: subscribe %s: %w", channel, err)
		}
		log.Printf("[redisfeed] subscribed to %s", channel)
	}
	f.refs[channel]++
	return nil
}

func (f *Feed) release(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.refs[channel] == 0 {
		return nil
	}
	f.refs[channel]--
	if f.refs[channel] > 0 {
		return nil
	}
	delete(f.refs, channel)

	if f.closed || f.ps == nil {
		return nil
	}
	if err := f.ps.Unsubscribe(context.Background(), channel); err != nil {
		return fmt.Errorf("redisstore: unsubscribe %s: %w", channel, err)
	}
	return nil
}

func (f *Feed) loop(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var c model.Change
		if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
			log.Printf("[redisfeed] bad payload on %s: %v", msg.Channel, err)
			continue
		}
		f.hub.Publish(c)
	}
}
