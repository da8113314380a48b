package chat

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/whisper/livechat/internal/model"
)

func TestConfirmUsername(t *testing.T) {
	s := NewSession()
	if s.State() != StateNoUsername {
		t.Fatalf("expected %v, got %v", StateNoUsername, s.State())
	}

	if _, ok := s.ConfirmUsername("   \t "); ok {
		t.Fatal("whitespace username should be ignored")
	}
	if s.State() != StateNoUsername {
		t.Fatalf("expected %v after whitespace input, got %v", StateNoUsername, s.State())
	}

	name, ok := s.ConfirmUsername("  alice ")
	if !ok || name != "alice" {
		t.Fatalf("expected (alice, true), got (%q, %v)", name, ok)
	}
	if s.State() != StateActive {
		t.Fatalf("expected %v, got %v", StateActive, s.State())
	}

	// One-way transition.
	name, ok = s.ConfirmUsername("bob")
	if ok || name != "alice" {
		t.Fatalf("expected username to stay alice, got (%q, %v)", name, ok)
	}
}

func TestCanSend(t *testing.T) {
	s := NewSession()
	s.SetDraft("hello")
	if s.CanSend() {
		t.Error("should not send without a username")
	}

	s.ConfirmUsername("alice")
	s.SetDraft("   ")
	if s.CanSend() {
		t.Error("should not send a whitespace draft")
	}

	s.SetDraft(" hi ")
	if !s.CanSend() {
		t.Error("expected send to be allowed")
	}
	s.ClearDraft()
	if s.Draft() != "" {
		t.Errorf("expected empty draft, got %q", s.Draft())
	}
}

func TestSetDraftReportsChange(t *testing.T) {
	s := NewSession()
	if !s.SetDraft("a") {
		t.Error("expected change")
	}
	if s.SetDraft("a") {
		t.Error("expected no change for same text")
	}
}

func TestReplaceMessagesSortsByCreatedAt(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewSession()
	s.AppendMessage(model.Message{ID: 99, Content: "stale"})

	in := []model.Message{
		{ID: 3, Content: "c", CreatedAt: base.Add(2 * time.Second)},
		{ID: 1, Content: "a", CreatedAt: base},
		{ID: 4, Content: "a2", CreatedAt: base},
		{ID: 2, Content: "b", CreatedAt: base.Add(time.Second)},
	}
	s.ReplaceMessages(in)

	var got []string
	for _, m := range s.Messages() {
		got = append(got, m.Content)
	}
	want := []string{"a", "a2", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if in[0].Content != "c" {
		t.Error("input slice should not be reordered")
	}
}

func TestAppendMessageNoDedup(t *testing.T) {
	s := NewSession()
	m := model.Message{ID: 1, Content: "hi", User: "alice"}
	s.AppendMessage(m)
	s.AppendMessage(m)
	if len(s.Messages()) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(s.Messages()))
	}
}

func TestTypingSetExcludesSelf(t *testing.T) {
	s := NewSession()
	rows := []model.TypingStatus{
		{Username: "carol", IsTyping: true},
		{Username: "alice", IsTyping: true},
		{Username: "bob", IsTyping: true},
		{Username: "dave", IsTyping: false},
		{Username: "bob", IsTyping: true},
	}

	s.SetTyping(rows)
	if want := []string{"alice", "bob", "carol"}; !reflect.DeepEqual(s.Typing(), want) {
		t.Fatalf("before confirm: expected %v, got %v", want, s.Typing())
	}

	s.ConfirmUsername("alice")
	if want := []string{"bob", "carol"}; !reflect.DeepEqual(s.Typing(), want) {
		t.Fatalf("after confirm: expected %v, got %v", want, s.Typing())
	}

	s.SetTyping(rows)
	if want := []string{"bob", "carol"}; !reflect.DeepEqual(s.Typing(), want) {
		t.Fatalf("after reread: expected %v, got %v", want, s.Typing())
	}
}

func TestValidateMessage(t *testing.T) {
	cases := []struct {
		name string
		text string
		want error
	}{
		{"ok", "hello", nil},
		{"empty", "", ErrEmptyMessage},
		{"whitespace", "  \n", ErrEmptyMessage},
		{"too many bytes", strings.Repeat("a", MaxMessageBytes+1), ErrMessageTooLarge},
		{"too many chars", strings.Repeat("é", MaxTextChars+1), ErrMessageTooLong},
		{"invalid utf8", "bad\xff", ErrInvalidUTF8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMessage(tc.text)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateNewMessage(t *testing.T) {
	ok := model.NewMessage{Content: "hi", User: "alice", CreatedAt: time.Now()}
	if err := ValidateNewMessage(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	noUser := ok
	noUser.User = ""
	if err := ValidateNewMessage(noUser); err == nil {
		t.Error("expected error for missing user")
	}

	noTime := ok
	noTime.CreatedAt = time.Time{}
	if err := ValidateNewMessage(noTime); err == nil {
		t.Error("expected error for zero created_at")
	}
}

func TestNormalizeUsername(t *testing.T) {
	if _, err := NormalizeUsername(" "); !errors.Is(err, ErrEmptyUsername) {
		t.Errorf("expected ErrEmptyUsername, got %v", err)
	}
	if name, err := NormalizeUsername(" bob "); err != nil || name != "bob" {
		t.Errorf("expected bob, got %q (%v)", name, err)
	}
}

func TestConfirmUsernameRejectsLongNames(t *testing.T) {
	s := NewSession()

	if _, ok := s.ConfirmUsername(strings.Repeat("a", 8000)); ok {
		t.Fatal("expected an 8000 character name to be rejected")
	}
	if s.State() != StateNoUsername {
		t.Fatalf("expected %v after long input, got %v", StateNoUsername, s.State())
	}

	limit := strings.Repeat("é", MaxUsernameChars)
	name, ok := s.ConfirmUsername("  " + limit + "  ")
	if !ok || name != limit {
		t.Fatalf("expected a %d character name to be accepted, got %q ok=%v", MaxUsernameChars, name, ok)
	}
}

func TestNormalizeUsernameLimit(t *testing.T) {
	if _, err := NormalizeUsername(strings.Repeat("b", MaxUsernameChars+1)); !errors.Is(err, ErrUsernameTooLong) {
		t.Errorf("expected ErrUsernameTooLong, got %v", err)
	}

	err := ValidateNewMessage(model.NewMessage{
		Content:   "hi",
		User:      strings.Repeat("c", MaxUsernameChars+1),
		CreatedAt: time.Now(),
	})
	if err == nil {
		t.Error("expected an oversized user to fail validation")
	}
}
