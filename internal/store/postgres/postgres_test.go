package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/livechat/internal/model"
	"github.com/whisper/livechat/internal/store"
)

// newTestStore connects to LIVECHAT_TEST_DATABASE_URL, applies the schema and
// empties both tables. Tests that call it skip when no database is reachable.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dsn := os.Getenv("LIVECHAT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LIVECHAT_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	require.NoError(t, Migrate(dsn))

	_, err = s.DB().ExecContext(ctx, `TRUNCATE messages, typing_status RESTART IDENTITY`)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dsn
}

func TestInsertAndListMessages(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.InsertMessage(ctx, model.NewMessage{Content: "b", User: "bob", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.InsertMessage(ctx, model.NewMessage{Content: "a", User: "alice", CreatedAt: base}))
	require.NoError(t, s.InsertMessage(ctx, model.NewMessage{Content: "c", User: "alice", CreatedAt: base.Add(2 * time.Second)}))

	all, err := s.ListMessages(ctx, store.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Content)
	assert.Equal(t, "alice", all[0].User)
	assert.Equal(t, "c", all[2].Content)
	assert.True(t, all[0].CreatedAt.Equal(base))

	newest, err := s.ListMessages(ctx, store.MessageQuery{Limit: 2, Descending: true})
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, "c", newest[0].Content)
	assert.Equal(t, "b", newest[1].Content)
}

func TestTypingRows(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateTyping(ctx, "ghost", true))
	require.NoError(t, s.UpsertTyping(ctx, model.TypingStatus{Username: "bob"}))
	require.NoError(t, s.UpdateTyping(ctx, "bob", true))

	rows, err := s.ListTyping(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bob", rows[0].Username)

	require.NoError(t, s.UpsertTyping(ctx, model.TypingStatus{Username: "bob", IsTyping: false}))
	rows, err = s.ListTyping(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFeedReceivesNotifications(t *testing.T) {
	s, dsn := newTestStore(t)
	ctx := context.Background()

	feed := NewFeed(dsn)
	defer feed.Close()

	var (
		mu   sync.Mutex
		msgs []model.Message
		ops  []model.EventType
	)
	_, err := feed.Subscribe(ctx, store.MessageInserts, func(c model.Change) {
		m, err := c.Message()
		assert.NoError(t, err)
		mu.Lock()
		msgs = append(msgs, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	_, err = feed.Subscribe(ctx, store.TypingChanges, func(c model.Change) {
		mu.Lock()
		ops = append(ops, c.Event)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, s.InsertMessage(ctx, model.NewMessage{Content: "hi", User: "alice", CreatedAt: time.Now().UTC()}))
	require.NoError(t, s.UpsertTyping(ctx, model.TypingStatus{Username: "alice"}))
	require.NoError(t, s.UpdateTyping(ctx, "alice", true))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(msgs) == 1 && len(ops) == 2
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "alice", msgs[0].User)
	assert.NotZero(t, msgs[0].ID)
	assert.Equal(t, []model.EventType{model.EventInsert, model.EventUpdate}, ops)
}

func TestChannelFor(t *testing.T) {
	assert.Equal(t, "messages_changes", ChannelFor(model.TableMessages))
	assert.Equal(t, "typing_status_changes", ChannelFor(model.TableTypingStatus))
}
