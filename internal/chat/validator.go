package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/whisper/livechat/internal/model"
)

const (
	MaxMessageBytes = 4096 // 4KB max row payload
	MaxTextChars    = 2000 // max character count

	MaxUsernameChars = model.MaxUsernameChars
)

var (
	ErrEmptyMessage    = errors.New("chat: message text is empty")
	ErrMessageTooLarge = fmt.Errorf("chat: message exceeds %d byte limit", MaxMessageBytes)
	ErrMessageTooLong  = fmt.Errorf("chat: message exceeds %d character limit", MaxTextChars)
	ErrInvalidUTF8     = errors.New("chat: message contains invalid UTF-8")
	ErrEmptyUsername   = errors.New("chat: username is empty")
	ErrUsernameTooLong = fmt.Errorf("chat: username exceeds %d character limit", MaxUsernameChars)
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateMessage checks that message text meets content requirements.
// Whitespace-only text counts as empty.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageBytes {
		return ErrMessageTooLarge
	}
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return ErrMessageTooLong
	}
	return nil
}

// ValidateNewMessage checks every field of an insert before it reaches the
// store.
func ValidateNewMessage(msg model.NewMessage) error {
	if err := ValidateMessage(msg.Content); err != nil {
		return err
	}
	if err := validate.Struct(msg); err != nil {
		return fmt.Errorf("chat: invalid message: %w", err)
	}
	return nil
}

// NormalizeUsername trims input and rejects names that are empty or longer
// than MaxUsernameChars afterwards.
func NormalizeUsername(input string) (string, error) {
	name := strings.TrimSpace(input)
	if name == "" {
		return "", ErrEmptyUsername
	}
	if utf8.RuneCountInString(name) > MaxUsernameChars {
		return "", ErrUsernameTooLong
	}
	return name, nil
}
