// Package chat holds the client-side chat state: the session a view renders,
// the typing-indicator debouncer and the serial typing writer.
package chat

import (
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/whisper/livechat/internal/model"
)

// State is the composer state.
type State int

const (
	// StateNoUsername shows the username form.
	StateNoUsername State = iota
	// StateActive shows the message list and composer.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateNoUsername:
		return "no_username"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Session is the transient client state of one chat view. It is not safe
// for concurrent use; the view's update loop owns it.
type Session struct {
	username string
	draft    string
	messages []model.Message
	typing   []string
}

// NewSession returns a session waiting for a username.
func NewSession() *Session {
	return &Session{}
}

func (s *Session) State() State {
	if s.username == "" {
		return StateNoUsername
	}
	return StateActive
}

func (s *Session) Username() string { return s.username }

// ConfirmUsername sets the username once. It returns the stored name and
// true on the NoUsername -> Active transition; whitespace-only input and any
// call after a name is set leave the session unchanged.
func (s *Session) ConfirmUsername(input string) (string, bool) {
	if s.username != "" {
		return s.username, false
	}
	name, err := NormalizeUsername(input)
	if err != nil {
		return "", false
	}
	s.username = name
	s.typing = lo.Without(s.typing, name)
	return name, true
}

func (s *Session) Draft() string { return s.draft }

// SetDraft replaces the draft and reports whether it changed.
func (s *Session) SetDraft(text string) bool {
	if text == s.draft {
		return false
	}
	s.draft = text
	return true
}

// ClearDraft empties the draft after a successful send.
func (s *Session) ClearDraft() { s.draft = "" }

// CanSend reports whether Send preconditions hold: a username is set and the
// draft is non-empty after trimming.
func (s *Session) CanSend() bool {
	return s.username != "" && strings.TrimSpace(s.draft) != ""
}

// Messages returns the held messages in display order.
func (s *Session) Messages() []model.Message { return s.messages }

// AppendMessage adds a pushed message at the end without deduplication.
func (s *Session) AppendMessage(m model.Message) {
	s.messages = append(s.messages, m)
}

// ReplaceMessages swaps in a fresh read, ordered by created_at ascending.
// Rows with equal timestamps keep their relative order.
func (s *Session) ReplaceMessages(msgs []model.Message) {
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	s.messages = out
}

// SetTyping replaces the typing set from a read of typing rows. Rows that are
// not typing and the local user's own row are dropped.
func (s *Session) SetTyping(rows []model.TypingStatus) {
	names := lo.FilterMap(rows, func(r model.TypingStatus, _ int) (string, bool) {
		return r.Username, r.IsTyping && r.Username != "" && r.Username != s.username
	})
	names = lo.Uniq(names)
	sort.Strings(names)
	s.typing = names
}

// Typing returns the other users currently typing, sorted.
func (s *Session) Typing() []string { return s.typing }
