package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeMessage_PostgresPayload(t *testing.T) {
	// Shape produced by json_build_object + row_to_json in the notify trigger.
	c := Change{
		Table:  TableMessages,
		Event:  EventInsert,
		Record: []byte(`{"id":7,"content":"hi","user":"alice","created_at":"2024-05-01T10:00:00.123456+00:00"}`),
	}

	m, err := c.Message()
	require.NoError(t, err)
	assert.Equal(t, int64(7), m.ID)
	assert.Equal(t, "hi", m.Content)
	assert.Equal(t, "alice", m.User)
	assert.Equal(t, 2024, m.CreatedAt.Year())
	assert.Equal(t, 123456000, m.CreatedAt.Nanosecond())
}

func TestChangeMessage_WrongTable(t *testing.T) {
	c := Change{Table: TableTypingStatus, Record: []byte(`{}`)}
	_, err := c.Message()
	require.Error(t, err)
}

func TestChangeTypingStatus(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c, err := NewChange(TableTypingStatus, EventUpdate, TypingStatus{Username: "bob", IsTyping: true, UpdatedAt: now})
	require.NoError(t, err)

	ts, err := c.TypingStatus()
	require.NoError(t, err)
	assert.Equal(t, "bob", ts.Username)
	assert.True(t, ts.IsTyping)
	assert.True(t, ts.UpdatedAt.Equal(now))

	_, err = c.Message()
	assert.Error(t, err)
}

func TestChangeMessage_BadRecord(t *testing.T) {
	c := Change{Table: TableMessages, Record: []byte(`not json`)}
	_, err := c.Message()
	require.Error(t, err)
}
