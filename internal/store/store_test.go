package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/whisper/livechat/internal/model"
)

func TestTopicMatches(t *testing.T) {
	insert := model.Change{Table: model.TableMessages, Event: model.EventInsert}
	update := model.Change{Table: model.TableTypingStatus, Event: model.EventUpdate}

	assert.True(t, MessageInserts.Matches(insert))
	assert.False(t, MessageInserts.Matches(update))
	assert.True(t, TypingChanges.Matches(update))
	assert.True(t, TypingChanges.Matches(model.Change{Table: model.TableTypingStatus, Event: model.EventInsert}))
	assert.False(t, TypingChanges.Matches(insert))

	deletes := Topic{Table: model.TableMessages, Event: model.EventDelete}
	assert.False(t, deletes.Matches(insert))
}

func TestTopicValidate(t *testing.T) {
	assert.NoError(t, MessageInserts.Validate())
	assert.NoError(t, TypingChanges.Validate())

	err := Topic{Table: "users", Event: model.EventAll}.Validate()
	assert.True(t, errors.Is(err, ErrInvalidTopic))

	err = Topic{Table: model.TableMessages, Event: "TRUNCATE"}.Validate()
	assert.True(t, errors.Is(err, ErrInvalidTopic))
}

func TestTopicString(t *testing.T) {
	assert.Equal(t, "typing_status:*", TypingChanges.String())
}
