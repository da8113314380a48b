package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/livechat/internal/model"
	"github.com/whisper/livechat/internal/store"
)

// newTestStore connects to a local Redis on localhost:6379 and deletes the
// livechat keys before and after the test. It skips when Redis is not running.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		client.Del(ctx, MessagesKey, MessageSeqKey, TypingKey)
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return New(client)
}

func TestInsertAndListMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertMessage(ctx, model.NewMessage{Content: "second", User: "bob", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.InsertMessage(ctx, model.NewMessage{Content: "first", User: "alice", CreatedAt: base}))
	require.NoError(t, s.InsertMessage(ctx, model.NewMessage{Content: "third", User: "alice", CreatedAt: base.Add(2 * time.Second)}))

	asc, err := s.ListMessages(ctx, store.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, "first", asc[0].Content)
	assert.Equal(t, int64(2), asc[0].ID)
	assert.Equal(t, "third", asc[2].Content)

	newest, err := s.ListMessages(ctx, store.MessageQuery{Limit: 1, Descending: true})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, "third", newest[0].Content)
}

func TestUpdateTypingOnlyExistingRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateTyping(ctx, "ghost", true))
	rows, err := s.ListTyping(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, s.UpsertTyping(ctx, model.TypingStatus{Username: "bob"}))
	require.NoError(t, s.UpdateTyping(ctx, "bob", true))
	rows, err = s.ListTyping(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bob", rows[0].Username)
}

func TestFeedReceivesPublishedChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	feed := NewFeed(s.Client())
	defer feed.Close()

	var (
		mu     sync.Mutex
		msgs   []string
		events []model.EventType
	)
	_, err := feed.Subscribe(ctx, store.MessageInserts, func(c model.Change) {
		m, err := c.Message()
		assert.NoError(t, err)
		mu.Lock()
		msgs = append(msgs, m.Content)
		mu.Unlock()
	})
	require.NoError(t, err)
	_, err = feed.Subscribe(ctx, store.TypingChanges, func(c model.Change) {
		mu.Lock()
		events = append(events, c.Event)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, s.InsertMessage(ctx, model.NewMessage{Content: "hi", User: "alice", CreatedAt: time.Now()}))
	require.NoError(t, s.UpsertTyping(ctx, model.TypingStatus{Username: "alice"}))
	require.NoError(t, s.UpdateTyping(ctx, "alice", true))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(msgs) == 1 && len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hi"}, msgs)
	assert.Equal(t, []model.EventType{model.EventInsert, model.EventUpdate}, events)
}
