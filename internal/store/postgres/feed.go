package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/whisper/livechat/internal/model"
	"github.com/whisper/livechat/internal/store"
)

const (
	minReconnectInterval = time.Second
	maxReconnectInterval = 30 * time.Second

	// listenerPingInterval keeps idle LISTEN connections from being reaped
	// by proxies and detects dead connections early.
	listenerPingInterval = 90 * time.Second
)

// ChannelFor returns the NOTIFY channel the triggers use for table.
func ChannelFor(table string) string {
	return table + "_changes"
}

// Feed delivers table changes from LISTEN/NOTIFY. One pq.Listener connection
// serves every subscription; a channel is LISTENed while at least one
// subscription needs its table.
type Feed struct {
	listener *pq.Listener
	hub      *store.Hub

	mu   sync.Mutex
	refs map[string]int // channel -> live subscriptions

	done chan struct{}
	once sync.Once
}

// NewFeed opens a listener connection to dsn. The connection is established
// in the background and re-established after failures.
func NewFeed(dsn string) *Feed {
	f := &Feed{
		hub:  store.NewHub("pgfeed"),
		refs: make(map[string]int),
		done: make(chan struct{}),
	}
	f.listener = pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, f.onEvent)
	go f.loop()
	return f
}

// Subscribe starts delivering changes for topic to handler.
func (f *Feed) Subscribe(_ context.Context, topic store.Topic, handler store.Handler) (store.Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	select {
	case <-f.done:
		return nil, store.ErrClosed
	default:
	}

	channel := ChannelFor(topic.Table)
	if err := f.acquire(channel); err != nil {
		return nil, err
	}

	sub, err := f.hub.Add(topic, handler, func() error { return f.release(channel) })
	if err != nil {
		_ = f.release(channel)
		return nil, err
	}
	return sub, nil
}

// Close stops the listener and every subscription.
func (f *Feed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		f.hub.Close()
		err = f.listener.Close()
		log.Printf("[pgfeed] closed")
	})
	return err
}

func (f *Feed) acquire(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.refs[channel] == 0 {
		if err := f.listener.Listen(channel); err != nil && err != pq.ErrChannelAlreadyOpen {
			return fmt.Errorf("postgres: listen %s: %w", channel, err)
		}
		log.Printf("[pgfeed] listening on %s", channel)
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

	select {
	case <-f.done:
		// The listener is being closed; UNLISTEN would race with it.
		return nil
	default:
	}
	if err := f.listener.Unlisten(channel); err != nil && err != pq.ErrChannelNotOpen {
		return fmt.Errorf("postgres: unlisten %s: %w", channel, err)
	}
	return nil
}

func (f *Feed) loop() {
	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-f.done:
			return

		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Sent after a reconnect: anything NOTIFYed during the gap is gone.
				log.Printf("[pgfeed] connection re-established, changes during the outage were not delivered")
				continue
			}
			var c model.Change
			if err := json.Unmarshal([]byte(n.Extra), &c); err != nil {
				log.Printf("[pgfeed] bad payload on %s: %v", n.Channel, err)
				continue
			}
			f.hub.Publish(c)

		case <-ping.C:
			go func() {
				if err := f.listener.Ping(); err != nil {
					log.Printf("[pgfeed] ping: %v", err)
				}
			}()
		}
	}
}

func (f *Feed) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		log.Printf("[pgfeed] connected")
	case pq.ListenerEventDisconnected:
		log.Printf("[pgfeed] disconnected: %v", err)
	case pq.ListenerEventReconnected:
		log.Printf("[pgfeed] reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		log.Printf("[pgfeed] connection attempt failed: %v", err)
	}
}
