// Package chatview is the terminal chat view: a username form, then a
// scrolling message list with a composer and a typing indicator, kept in sync
// with the store through its change feed.
package chatview

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/charmbracelet/bubbles/cursor"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/whisper/livechat/internal/chat"
	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/model"
	"github.com/whisper/livechat/internal/store"
)

// Config controls the optional behaviors of the view.
type Config struct {
	// HistoryLimit > 0 loads only the newest N messages.
	HistoryLimit int
	// TypingIndicator enables typing-flag writes and the "is typing" line.
	TypingIndicator bool
	// RefetchAfterSend re-reads the full history after every send attempt.
	RefetchAfterSend bool
	// TypingDebounce is the idle time after which the typing flag is cleared.
	TypingDebounce time.Duration
	// OpTimeout bounds every store call.
	OpTimeout time.Duration
}

// DefaultConfig returns the view defaults.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:     0,
		TypingIndicator:  true,
		RefetchAfterSend: true,
		TypingDebounce:   chat.DefaultTypingDebounce,
		OpTimeout:        5 * time.Second,
	}
}

const eventBuffer = 64

// Model is the Bubble Tea model of the chat view. It must be mounted before
// the program starts and unmounted after it exits.
type Model struct {
	store store.Store
	feed  store.Feed
	cfg   Config
	now   func() time.Time

	session *chat.Session
	sending bool

	nameInput textinput.Model
	composer  textinput.Model
	viewport  viewport.Model
	width     int

	notifier *chat.TypingNotifier
	writer   *chat.TypingWriter

	events    chan tea.Msg
	done      chan struct{}
	subs      []store.Subscription
	mounted   bool
	unmounted bool
}

// New creates an unmounted view over st and feed.
func New(st store.Store, feed store.Feed, cfg Config) *Model {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConfig().OpTimeout
	}

	name := newInput("Enter your username", chat.MaxUsernameChars)
	name.Focus()
	composer := newInput("Type your message", chat.MaxTextChars)

	vp := viewport.New(80, 15)
	vp.SetContent(renderMessages(nil))

	return &Model{
		store:     st,
		feed:      feed,
		cfg:       cfg,
		now:       time.Now,
		session:   chat.NewSession(),
		nameInput: name,
		composer:  composer,
		viewport:  vp,
		width:     80,
		events:    make(chan tea.Msg, eventBuffer),
		done:      make(chan struct{}),
	}
}

func newInput(placeholder string, limit int) textinput.Model {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.Prompt = "> "
	ti.CharLimit = limit
	ti.Cursor.SetMode(cursor.CursorStatic)
	return ti
}

// Session exposes the view state.
func (m *Model) Session() *chat.Session { return m.session }

// Events carries feed notifications. The caller forwards them to the
// running program with Program.Send.
func (m *Model) Events() <-chan tea.Msg { return m.events }

// Mount opens the message and typing subscriptions. If the second fails the
// first is released before the error is returned.
func (m *Model) Mount(ctx context.Context) error {
	if m.unmounted {
		return store.ErrClosed
	}
	if m.mounted {
		return nil
	}

	msgSub, err := m.feed.Subscribe(ctx, store.MessageInserts, m.onMessageChange)
	if err != nil {
		return fmt.Errorf("chatview: subscribe messages: %w", err)
	}
	typingSub, err := m.feed.Subscribe(ctx, store.TypingChanges, m.onTypingChange)
	if err != nil {
		if cerr := msgSub.Close(); cerr != nil {
			log.Printf("[chatview] release messages subscription: %v", cerr)
		}
		return fmt.Errorf("chatview: subscribe typing: %w", err)
	}

	m.subs = []store.Subscription{msgSub, typingSub}
	m.mounted = true
	return nil
}

// Unmount releases both subscriptions, cancels the typing timer and lowers
// the local typing flag if it is still up. Safe to call more than once.
func (m *Model) Unmount() {
	if m.unmounted {
		return
	}
	m.unmounted = true
	close(m.done)

	for _, sub := range m.subs {
		if err := sub.Close(); err != nil {
			log.Printf("[chatview] release %s subscription: %v", sub.Topic(), err)
		}
	}
	m.subs = nil

	if m.notifier != nil && m.notifier.Stop() {
		m.writer.Set(false)
	}
	if m.writer != nil {
		m.writer.Close()
	}
}

// ConfirmUsername performs the NoUsername -> Active transition and reports
// whether it happened. Blank or overlong names and any call after a username
// is set change nothing.
func (m *Model) ConfirmUsername(input string) bool {
	name, ok := m.session.ConfirmUsername(input)
	if !ok {
		return false
	}
	log.Printf("[chatview] username confirmed: %s", name)

	m.nameInput.Blur()
	m.composer.Focus()

	if m.cfg.TypingIndicator {
		m.writer = chat.NewTypingWriter(m.store, name, m.cfg.OpTimeout)
		m.notifier = chat.NewTypingNotifier(m.cfg.TypingDebounce, m.writer.Set)
	}
	return true
}

func (m *Model) onMessageChange(c model.Change) {
	metrics.FeedEventsTotal.WithLabelValues(c.Table).Inc()
	msg, err := c.Message()
	if err != nil {
		log.Printf("[chatview] %v", err)
		return
	}
	m.deliver(messageInsertedMsg{msg: msg})
}

func (m *Model) onTypingChange(c model.Change) {
	metrics.FeedEventsTotal.WithLabelValues(c.Table).Inc()
	m.deliver(typingChangedMsg{})
}

func (m *Model) deliver(msg tea.Msg) {
	select {
	case m.events <- msg:
	case <-m.done:
	}
}

// Init loads the message history and the current typing rows.
func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.loadMessages()}
	if m.cfg.TypingIndicator {
		cmds = append(cmds, m.loadTyping())
	}
	return tea.Batch(cmds...)
}

// Update applies one message to the view state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case messagesLoadedMsg:
		if msg.err != nil {
			log.Printf("[chatview] fetch messages: %v", msg.err)
			return m, nil
		}
		m.session.ReplaceMessages(msg.msgs)
		m.refreshMessages()
		return m, nil

	case typingLoadedMsg:
		if msg.err != nil {
			log.Printf("[chatview] fetch typing: %v", msg.err)
			return m, nil
		}
		m.session.SetTyping(msg.rows)
		return m, nil

	case messageInsertedMsg:
		metrics.MessagesTotal.WithLabelValues("received").Inc()
		m.session.AppendMessage(msg.msg)
		m.refreshMessages()
		return m, nil

	case typingChangedMsg:
		if !m.cfg.TypingIndicator {
			return m, nil
		}
		return m, m.loadTyping()

	case sendResultMsg:
		return m, m.handleSendResult(msg)
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return tea.Quit
	case tea.KeyEnter:
		if m.session.State() == chat.StateNoUsername {
			m.ConfirmUsername(m.nameInput.Value())
			return nil
		}
		return m.send()
	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return cmd
	}

	var cmd tea.Cmd
	if m.session.State() == chat.StateNoUsername {
		m.nameInput, cmd = m.nameInput.Update(msg)
		return cmd
	}

	m.composer, cmd = m.composer.Update(msg)
	m.draftChanged(m.composer.Value())
	return cmd
}

func (m *Model) draftChanged(text string) {
	if !m.session.SetDraft(text) {
		return
	}
	if m.notifier != nil {
		m.notifier.DraftChanged(text)
	}
}

func (m *Model) send() tea.Cmd {
	if m.sending || !m.session.CanSend() {
		return nil
	}

	msg := model.NewMessage{
		Content:   m.session.Draft(),
		User:      m.session.Username(),
		CreatedAt: m.now().UTC(),
	}
	if err := chat.ValidateNewMessage(msg); err != nil {
		return func() tea.Msg { return sendResultMsg{err: err} }
	}

	m.sending = true
	return m.insertMessage(msg)
}

func (m *Model) handleSendResult(msg sendResultMsg) tea.Cmd {
	m.sending = false

	if msg.err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Printf("[chatview] send failed: %v", msg.err)
	} else {
		metrics.MessagesTotal.WithLabelValues("sent").Inc()
		m.session.ClearDraft()
		m.composer.Reset()
		if m.notifier != nil {
			m.notifier.Clear()
		}
	}

	if !m.cfg.RefetchAfterSend {
		return nil
	}
	metrics.RefetchTotal.Inc()
	return m.loadMessages()
}

func (m *Model) resize(width, height int) {
	m.width = width
	// Title, typing line, composer, help and borders.
	const chrome = 8
	h := height - chrome
	if h < 3 {
		h = 3
	}
	w := width - 2
	if w < 10 {
		w = 10
	}
	m.viewport.Width = w
	m.viewport.Height = h
	m.composer.Width = w - 4
	m.nameInput.Width = w - 4
	m.refreshMessages()
}

func (m *Model) refreshMessages() {
	m.viewport.SetContent(renderMessages(m.session.Messages()))
	m.viewport.GotoBottom()
}
