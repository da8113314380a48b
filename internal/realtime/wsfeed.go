// Package realtime provides change feeds that reach the store through a
// relay instead of a direct connection: the gateway's WebSocket endpoint and
// the NATS change subjects it publishes to.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/livechat/internal/protocol"
	"github.com/whisper/livechat/internal/store"
)

var (
	// ErrRateLimited is returned when the gateway throttles a subscribe.
	ErrRateLimited = errors.New("realtime: rate limited")

	// ErrRejected is returned when the gateway refuses a subscribe.
	ErrRejected = errors.New("realtime: subscription rejected")
)

// WSFeed is a store.Feed served by the realtime gateway over one WebSocket
// connection. Each subscription gets its own ref on the connection.
type WSFeed struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	subs      map[string]*wsSubscription
	pending   map[string]chan error
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
}

// DialFeed connects to the gateway at url (ws://host:port/ws).
func DialFeed(ctx context.Context, url string) (*WSFeed, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial %s: %w", url, err)
	}

	f := &WSFeed{
		conn:    conn,
		subs:    make(map[string]*wsSubscription),
		pending: make(map[string]chan error),
		done:    make(chan struct{}),
	}
	go f.readLoop()
	return f, nil
}

// SessionID returns the gateway-assigned session, or "" before the
// handshake arrives.
func (f *WSFeed) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

// Subscribe registers handler for topic and waits for the gateway to
// confirm it.
func (f *WSFeed) Subscribe(ctx context.Context, topic store.Topic, handler store.Handler) (store.Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}

	ref := uuid.New().String()
	sub := &wsSubscription{feed: f, ref: ref, topic: topic, handler: handler}
	ack := make(chan error, 1)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, store.ErrClosed
	}
	f.subs[ref] = sub
	f.pending[ref] = ack
	f.mu.Unlock()

	err := f.send(protocol.TypeSubscribe, protocol.SubscribeMsg{
		Ref:   ref,
		Table: topic.Table,
		Event: topic.Event,
	})
	abandoned := false
	if err == nil {
		select {
		case err = <-ack:
		case <-ctx.Done():
			err = ctx.Err()
			abandoned = true
		case <-f.done:
			err = store.ErrClosed
		}
	}
	if err != nil {
		// An abandoned subscribe may still be registered by the gateway.
		if f.forget(ref) && abandoned {
			if uerr := f.send(protocol.TypeUnsubscribe, protocol.UnsubscribeMsg{Ref: ref}); uerr != nil {
				log.Printf("[realtime] release abandoned ref=%s: %v", ref, uerr)
			}
		}
		return nil, err
	}
	return sub, nil
}

// Close closes the connection. Live subscriptions stop receiving changes.
func (f *WSFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.done)

		f.writeMu.Lock()
		_ = wsutil.WriteClientMessage(f.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		f.writeMu.Unlock()
		err = f.conn.Close()
	})
	return err
}

func (f *WSFeed) send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(f.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("realtime: send %s: %w", msgType, err)
	}
	return nil
}

func (f *WSFeed) forget(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, ref)
	if _, ok := f.subs[ref]; !ok {
		return false
	}
	delete(f.subs, ref)
	return !f.closed
}

func (f *WSFeed) ack(ref string, err error) {
	f.mu.Lock()
	ch, ok := f.pending[ref]
	delete(f.pending, ref)
	f.mu.Unlock()
	if ok {
		ch <- err
	}
}

// failPending resolves every outstanding subscribe with err.
func (f *WSFeed) failPending(err error) {
	f.mu.Lock()
	pending := f.pending
	f.pending = make(map[string]chan error)
	f.mu.Unlock()
	for _, ch := range pending {
		ch <- err
	}
}

// readText returns the next text message. Control frames are answered under
// the write lock so pongs never interleave with outgoing messages.
func (f *WSFeed) readText() ([]byte, error) {
	control := func(h ws.Header, r io.Reader) error {
		f.writeMu.Lock()
		defer f.writeMu.Unlock()
		return wsutil.ControlFrameHandler(f.conn, ws.StateClientSide)(h, r)
	}
	rd := &wsutil.Reader{
		Source:         f.conn,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
	}
}

// readLoop reads server frames until the connection closes.
func (f *WSFeed) readLoop() {
	defer f.failPending(store.ErrClosed)

	for {
		data, err := f.readText()
		if err != nil {
			select {
			case <-f.done:
			default:
				log.Printf("[realtime] gateway connection lost: %v", err)
				f.mu.Lock()
				f.closed = true
				f.mu.Unlock()
			}
			return
		}

		_, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Printf("[realtime] bad server message: %v", err)
			continue
		}

		switch m := msg.(type) {
		case protocol.SessionCreatedMsg:
			f.mu.Lock()
			f.sessionID = m.SessionID
			f.mu.Unlock()
		case protocol.SubscribedMsg:
			f.ack(m.Ref, nil)
		case protocol.ErrorMsg:
			if m.Ref == "" {
				log.Printf("[realtime] gateway error %s: %s", m.Code, m.Message)
				continue
			}
			rejected := ErrRejected
			if m.Code == protocol.CodeInvalidTopic {
				rejected = store.ErrInvalidTopic
			}
			f.ack(m.Ref, fmt.Errorf("%w: %s: %s", rejected, m.Code, m.Message))
		case protocol.RateLimitedMsg:
			f.failPending(fmt.Errorf("%w: retry after %ds", ErrRateLimited, m.RetryAfter))
		case protocol.ChangeMsg:
			f.mu.Lock()
			sub := f.subs[m.Ref]
			f.mu.Unlock()
			if sub != nil {
				sub.handler(m.Change())
			}
		}
	}
}

type wsSubscription struct {
	feed    *WSFeed
	ref     string
	topic   store.Topic
	handler store.Handler
	once    sync.Once
}

func (s *wsSubscription) Topic() store.Topic { return s.topic }

// Close unsubscribes on the gateway when the connection is still open.
func (s *wsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		if s.feed.forget(s.ref) {
			err = s.feed.send(protocol.TypeUnsubscribe, protocol.UnsubscribeMsg{Ref: s.ref})
		}
	})
	return err
}
