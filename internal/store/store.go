// Package store defines the contract between the chat client and its data
// store: row writes, ordered/filtered bulk reads, and a push feed of
// row-level changes scoped by table and event type.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/whisper/livechat/internal/model"
)

var (
	// ErrClosed is returned by operations on a closed store, feed or subscription.
	ErrClosed = errors.New("store: closed")

	// ErrInvalidTopic is returned when a subscription names an unknown table
	// or event type.
	ErrInvalidTopic = errors.New("store: invalid topic")
)

// MessageQuery selects messages ordered by created_at.
//
// With Limit == 0 every message is returned. With Limit > 0 and Descending
// set, the newest Limit messages are returned newest first.
type MessageQuery struct {
	Limit      int
	Descending bool
}

// Store is the row-level interface to the chat tables.
type Store interface {
	// InsertMessage writes one message row.
	InsertMessage(ctx context.Context, msg model.NewMessage) error

	// ListMessages reads messages ordered by created_at.
	ListMessages(ctx context.Context, q MessageQuery) ([]model.Message, error)

	// UpsertTyping inserts or replaces the typing row keyed by username.
	UpsertTyping(ctx context.Context, status model.TypingStatus) error

	// UpdateTyping sets is_typing on the row for username, if one exists.
	UpdateTyping(ctx context.Context, username string, isTyping bool) error

	// ListTyping reads the rows with is_typing = true.
	ListTyping(ctx context.Context) ([]model.TypingStatus, error)

	Close() error
}

// Topic scopes a subscription to one table and one event type (or
// model.EventAll).
type Topic struct {
	Table string          `json:"table"`
	Event model.EventType `json:"event"`
}

// MessageInserts is the topic for newly inserted messages.
var MessageInserts = Topic{Table: model.TableMessages, Event: model.EventInsert}

// TypingChanges is the topic for any change to typing rows.
var TypingChanges = Topic{Table: model.TableTypingStatus, Event: model.EventAll}

// Validate reports ErrInvalidTopic for unknown tables or event types.
func (t Topic) Validate() error {
	switch t.Table {
	case model.TableMessages, model.TableTypingStatus:
	default:
		return fmt.Errorf("%w: table %q", ErrInvalidTopic, t.Table)
	}
	switch t.Event {
	case model.EventInsert, model.EventUpdate, model.EventDelete, model.EventAll:
	default:
		return fmt.Errorf("%w: event %q", ErrInvalidTopic, t.Event)
	}
	return nil
}

// Matches reports whether the change falls under this topic.
func (t Topic) Matches(c model.Change) bool {
	if t.Table != c.Table {
		return false
	}
	return t.Event == model.EventAll || t.Event == c.Event
}

func (t Topic) String() string {
	return t.Table + ":" + string(t.Event)
}

// Handler receives changes for a subscription. Handlers run on a feed
// goroutine and must not block for long.
type Handler func(model.Change)

// Feed delivers row-level changes. Delivery is best-effort: changes may be
// lost across reconnects, so readers reconcile with a full read.
type Feed interface {
	Subscribe(ctx context.Context, topic Topic, handler Handler) (Subscription, error)
}

// Subscription is a live registration on a Feed. Close is idempotent.
type Subscription interface {
	Topic() Topic
	Close() error
}
