// Package model defines the row shapes exchanged with the chat store and the
// change notifications its realtime feed delivers.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Table names as they exist in the store.
const (
	TableMessages     = "messages"
	TableTypingStatus = "typing_status"
)

// EventType is the kind of row-level change carried by a Change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"

	// EventAll matches every event type when used in a subscription topic.
	EventAll EventType = "*"
)

// Message is one chat message. It is immutable once the store assigns an ID.
type Message struct {
	ID        int64     `db:"id" json:"id"`
	Content   string    `db:"content" json:"content"`
	User      string    `db:"user" json:"user"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// MaxUsernameChars bounds usernames so change notifications that embed them
// stay under the Postgres NOTIFY payload limit.
const MaxUsernameChars = 64

// NewMessage is the insert shape of a message; the store assigns the ID.
type NewMessage struct {
	Content   string    `db:"content" json:"content" validate:"required"`
	User      string    `db:"user" json:"user" validate:"required,max=64"`
	CreatedAt time.Time `db:"created_at" json:"created_at" validate:"required"`
}

// TypingStatus is the per-username typing flag. One row per username,
// last writer wins.
type TypingStatus struct {
	Username  string    `db:"username" json:"username"`
	IsTyping  bool      `db:"is_typing" json:"is_typing"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Change is a row-level change notification delivered by a feed.
type Change struct {
	Table           string          `json:"table"`
	Event           EventType       `json:"type"`
	Record          json.RawMessage `json:"record"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// NewChange builds a Change whose record is the JSON encoding of row.
func NewChange(table string, event EventType, row interface{}) (Change, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return Change{}, fmt.Errorf("model: marshal %s record: %w", table, err)
	}
	return Change{
		Table:           table,
		Event:           event,
		Record:          raw,
		CommitTimestamp: time.Now().UTC(),
	}, nil
}

// Message decodes the record of a messages change.
func (c Change) Message() (Message, error) {
	var m Message
	if c.Table != TableMessages {
		return m, fmt.Errorf("model: change on %q is not a message", c.Table)
	}
	if err := json.Unmarshal(c.Record, &m); err != nil {
		return m, fmt.Errorf("model: decode message record: %w", err)
	}
	return m, nil
}

// TypingStatus decodes the record of a typing_status change.
func (c Change) TypingStatus() (TypingStatus, error) {
	var ts TypingStatus
	if c.Table != TableTypingStatus {
		return ts, fmt.Errorf("model: change on %q is not a typing status", c.Table)
	}
	if err := json.Unmarshal(c.Record, &ts); err != nil {
		return ts, fmt.Errorf("model: decode typing status record: %w", err)
	}
	return ts, nil
}
