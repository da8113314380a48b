package realtime

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/livechat/internal/model"
	"github.com/whisper/livechat/internal/protocol"
	"github.com/whisper/livechat/internal/store"
)

// replyFunc answers one subscribe request. A nil payload sends nothing and
// the type "hangup" drops the connection.
type replyFunc func(req protocol.SubscribeMsg) (string, interface{})

// fakeGateway accepts one connection and answers subscribes with reply.
func fakeGateway(t *testing.T, reply replyFunc) string {
	t.Helper()
	return fakeGatewayWith(t, reply, nil)
}

// fakeGatewayWith is fakeGateway that also reports unsubscribe refs.
func fakeGatewayWith(t *testing.T, reply replyFunc, onUnsubscribe func(ref string)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		go serveFake(conn, reply, onUnsubscribe)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func serveFake(conn net.Conn, reply replyFunc, onUnsubscribe func(ref string)) {
	defer conn.Close()
	write := func(msgType string, payload interface{}) {
		data, _ := protocol.NewServerMessage(msgType, payload)
		_ = wsutil.WriteServerMessage(conn, ws.OpText, data)
	}
	write(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: "fake-session"})

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		_, msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			continue
		}
		if u, ok := msg.(protocol.UnsubscribeMsg); ok && onUnsubscribe != nil {
			onUnsubscribe(u.Ref)
			continue
		}
		req, ok := msg.(protocol.SubscribeMsg)
		if !ok {
			continue
		}
		msgType, payload := reply(req)
		if msgType == "hangup" {
			return
		}
		if payload == nil {
			continue
		}
		write(msgType, payload)
		if msgType == protocol.TypeSubscribed {
			c, _ := model.NewChange(req.Table, model.EventInsert, model.Message{ID: 9, Content: "pushed", User: "srv"})
			write(protocol.TypeChange, protocol.NewChangeMsg(req.Ref, c))
		}
	}
}

func TestWSFeedDeliversAfterConfirm(t *testing.T) {
	url := fakeGateway(t, func(req protocol.SubscribeMsg) (string, interface{}) {
		return protocol.TypeSubscribed, protocol.SubscribedMsg{Ref: req.Ref}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	feed, err := DialFeed(ctx, url)
	require.NoError(t, err)
	defer feed.Close()

	got := make(chan model.Change, 1)
	_, err = feed.Subscribe(ctx, store.MessageInserts, func(c model.Change) { got <- c })
	require.NoError(t, err)

	select {
	case c := <-got:
		m, err := c.Message()
		require.NoError(t, err)
		assert.Equal(t, "pushed", m.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("change not delivered")
	}
	assert.Equal(t, "fake-session", feed.SessionID())
}

func TestWSFeedSubscribeFailures(t *testing.T) {
	cases := []struct {
		name    string
		reply   replyFunc
		wantErr error
	}{
		{
			name: "rejected",
			reply: func(req protocol.SubscribeMsg) (string, interface{}) {
				return protocol.TypeError, protocol.ErrorMsg{Ref: req.Ref, Code: protocol.CodeDuplicateRef, Message: "taken"}
			},
			wantErr: ErrRejected,
		},
		{
			name: "invalid topic",
			reply: func(req protocol.SubscribeMsg) (string, interface{}) {
				return protocol.TypeError, protocol.ErrorMsg{Ref: req.Ref, Code: protocol.CodeInvalidTopic, Message: "no"}
			},
			wantErr: store.ErrInvalidTopic,
		},
		{
			name: "rate limited",
			reply: func(protocol.SubscribeMsg) (string, interface{}) {
				return protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: 10}
			},
			wantErr: ErrRateLimited,
		},
		{
			name: "connection lost",
			reply: func(protocol.SubscribeMsg) (string, interface{}) {
				return "hangup", nil
			},
			wantErr: store.ErrClosed,
		},
		{
			name: "no answer",
			reply: func(protocol.SubscribeMsg) (string, interface{}) {
				return "", nil
			},
			wantErr: context.DeadlineExceeded,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			url := fakeGateway(t, tc.reply)
			feed, err := DialFeed(context.Background(), url)
			require.NoError(t, err)
			defer feed.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()
			_, err = feed.Subscribe(ctx, store.MessageInserts, func(model.Change) {})
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestWSFeedValidatesTopicLocally(t *testing.T) {
	url := fakeGateway(t, func(req protocol.SubscribeMsg) (string, interface{}) {
		return protocol.TypeSubscribed, protocol.SubscribedMsg{Ref: req.Ref}
	})
	feed, err := DialFeed(context.Background(), url)
	require.NoError(t, err)
	defer feed.Close()

	_, err = feed.Subscribe(context.Background(), store.Topic{Table: "users", Event: model.EventAll}, func(model.Change) {})
	assert.ErrorIs(t, err, store.ErrInvalidTopic)
}

func TestWSFeedReleasesAbandonedSubscribe(t *testing.T) {
	subscribed := make(chan string, 1)
	released := make(chan string, 1)
	url := fakeGatewayWith(t, func(req protocol.SubscribeMsg) (string, interface{}) {
		subscribed <- req.Ref
		return "", nil
	}, func(ref string) { released <- ref })

	feed, err := DialFeed(context.Background(), url)
	require.NoError(t, err)
	defer feed.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = feed.Subscribe(ctx, store.MessageInserts, func(model.Change) {})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var ref string
	select {
	case ref = <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe never reached the gateway")
	}
	select {
	case got := <-released:
		assert.Equal(t, ref, got)
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned subscribe was not released")
	}
}
