package chatview

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/samber/lo"

	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/model"
	"github.com/whisper/livechat/internal/store"
)

type (
	messagesLoadedMsg struct {
		msgs []model.Message
		err  error
	}

	typingLoadedMsg struct {
		rows []model.TypingStatus
		err  error
	}

	messageInsertedMsg struct {
		msg model.Message
	}

	typingChangedMsg struct{}

	sendResultMsg struct {
		err error
	}
)

func (m *Model) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.cfg.OpTimeout)
}

// loadMessages reads the full history, or the newest HistoryLimit messages
// put back into chronological order.
func (m *Model) loadMessages() tea.Cmd {
	limit := m.cfg.HistoryLimit
	return func() tea.Msg {
		ctx, cancel := m.opContext()
		defer cancel()

		start := time.Now()
		q := store.MessageQuery{}
		if limit > 0 {
			q = store.MessageQuery{Limit: limit, Descending: true}
		}
		msgs, err := m.store.ListMessages(ctx, q)
		metrics.ObserveStoreOp("list_messages", start)
		if err != nil {
			return messagesLoadedMsg{err: err}
		}
		if q.Descending {
			msgs = lo.Reverse(msgs)
		}
		return messagesLoadedMsg{msgs: msgs}
	}
}

func (m *Model) loadTyping() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.opContext()
		defer cancel()

		start := time.Now()
		rows, err := m.store.ListTyping(ctx)
		metrics.ObserveStoreOp("list_typing", start)
		return typingLoadedMsg{rows: rows, err: err}
	}
}

func (m *Model) insertMessage(msg model.NewMessage) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := m.opContext()
		defer cancel()

		start := time.Now()
		err := m.store.InsertMessage(ctx, msg)
		metrics.ObserveStoreOp("insert_message", start)
		return sendResultMsg{err: err}
	}
}
