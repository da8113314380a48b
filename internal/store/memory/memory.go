// Package memory provides an in-process chat store and change feed. It backs
// the offline demo mode and the tests of packages built on store.Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/whisper/livechat/internal/model"
	"github.com/whisper/livechat/internal/store"
)

// Store keeps messages and typing rows in memory and publishes every write
// on its own feed.
type Store struct {
	mu       sync.RWMutex
	nextID   int64
	messages []model.Message
	typing   map[string]model.TypingStatus
	hub      *store.Hub
	closed   bool
	now      func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		typing: make(map[string]model.TypingStatus),
		hub:    store.NewHub("memfeed"),
		now:    time.Now,
	}
}

// InsertMessage appends a message and assigns the next ID.
func (s *Store) InsertMessage(ctx context.Context, msg model.NewMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	s.nextID++
	m := model.Message{
		ID:        s.nextID,
		Content:   msg.Content,
		User:      msg.User,
		CreatedAt: msg.CreatedAt,
	}
	s.messages = append(s.messages, m)
	s.mu.Unlock()

	s.publish(model.TableMessages, model.EventInsert, m)
	return nil
}

// ListMessages returns messages ordered by created_at, ties broken by ID.
func (s *Store) ListMessages(ctx context.Context, q store.MessageQuery) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, store.ErrClosed
	}
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// UpsertTyping inserts or replaces the row for status.Username.
func (s *Store) UpsertTyping(ctx context.Context, status model.TypingStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = s.now().UTC()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	_, existed := s.typing[status.Username]
	s.typing[status.Username] = status
	s.mu.Unlock()

	event := model.EventInsert
	if existed {
		event = model.EventUpdate
	}
	s.publish(model.TableTypingStatus, event, status)
	return nil
}

// UpdateTyping sets is_typing on an existing row; missing rows are left alone.
func (s *Store) UpdateTyping(ctx context.Context, username string, isTyping bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	row, ok := s.typing[username]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	row.IsTyping = isTyping
	row.UpdatedAt = s.now().UTC()
	s.typing[username] = row
	s.mu.Unlock()

	s.publish(model.TableTypingStatus, model.EventUpdate, row)
	return nil
}

// ListTyping returns rows with is_typing set, ordered by username.
func (s *Store) ListTyping(ctx context.Context) ([]model.TypingStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	var out []model.TypingStatus
	for _, row := range s.typing {
		if row.IsTyping {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// Subscribe registers a handler for changes made through this store.
func (s *Store) Subscribe(_ context.Context, topic store.Topic, handler store.Handler) (store.Subscription, error) {
	return s.hub.Add(topic, handler, nil)
}

// Close drops all subscriptions. Further calls fail with store.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.Close()
	return nil
}

func (s *Store) publish(table string, event model.EventType, row interface{}) {
	c, err := model.NewChange(table, event, row)
	if err != nil {
		return
	}
	s.hub.Publish(c)
}
