package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/livechat/internal/model"
)

type collector struct {
	mu      sync.Mutex
	changes []model.Change
}

func (c *collector) handle(ch model.Change) {
	c.mu.Lock()
	c.changes = append(c.changes, ch)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

func TestHubPublishRoutesByTopic(t *testing.T) {
	h := NewHub("test")
	defer h.Close()

	var msgs, typing collector
	_, err := h.Add(MessageInserts, msgs.handle, nil)
	require.NoError(t, err)
	_, err = h.Add(TypingChanges, typing.handle, nil)
	require.NoError(t, err)

	h.Publish(model.Change{Table: model.TableMessages, Event: model.EventInsert})
	h.Publish(model.Change{Table: model.TableTypingStatus, Event: model.EventUpdate})
	h.Publish(model.Change{Table: model.TableTypingStatus, Event: model.EventInsert})

	require.Eventually(t, func() bool { return msgs.len() == 1 && typing.len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestHubPreservesOrderPerSubscription(t *testing.T) {
	h := NewHub("test")
	defer h.Close()

	var got collector
	_, err := h.Add(MessageInserts, got.handle, nil)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		c, err := model.NewChange(model.TableMessages, model.EventInsert, model.Message{ID: int64(i)})
		require.NoError(t, err)
		h.Publish(c)
	}

	require.Eventually(t, func() bool { return got.len() == 50 }, time.Second, 5*time.Millisecond)
	got.mu.Lock()
	defer got.mu.Unlock()
	for i, c := range got.changes {
		m, err := c.Message()
		require.NoError(t, err)
		assert.Equal(t, int64(i), m.ID)
	}
}

func TestHubSubscriptionClose(t *testing.T) {
	h := NewHub("test")
	defer h.Close()

	closed := 0
	sub, err := h.Add(MessageInserts, func(model.Change) {}, func() error {
		closed++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, []string{model.TableMessages}, h.Tables())

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 1, closed)
	assert.Equal(t, 0, h.Len())
}

func TestHubRejectsAfterClose(t *testing.T) {
	h := NewHub("test")
	h.Close()

	_, err := h.Add(MessageInserts, func(model.Change) {}, nil)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestHubRejectsInvalidTopic(t *testing.T) {
	h := NewHub("test")
	defer h.Close()

	_, err := h.Add(Topic{Table: "nope", Event: model.EventAll}, func(model.Change) {}, nil)
	assert.True(t, errors.Is(err, ErrInvalidTopic))
}
