package chatview

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/whisper/livechat/internal/chat"
	"github.com/whisper/livechat/internal/model"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).MarginBottom(1)
	userStyle   = lipgloss.NewStyle().Bold(true)
	emptyStyle  = lipgloss.NewStyle().Faint(true).Italic(true)
	typingStyle = lipgloss.NewStyle().Faint(true).Italic(true)
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
)

const title = "Realtime Chat"

// View renders the username form or the chat screen.
func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	if m.session.State() == chat.StateNoUsername {
		b.WriteString("Pick a display name to join.\n\n")
		b.WriteString(m.nameInput.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter: set username • esc: quit"))
		return b.String()
	}

	b.WriteString(boxStyle.Render(m.viewport.View()))
	b.WriteString("\n")
	b.WriteString(typingStyle.Render(typingLine(m.session.Typing())))
	b.WriteString("\n")
	b.WriteString(m.composer.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("signed in as " + m.session.Username() + " • enter: send • pgup/pgdn: scroll • esc: quit"))
	return b.String()
}

func renderMessages(msgs []model.Message) string {
	if len(msgs) == 0 {
		return emptyStyle.Render("No messages yet.")
	}
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		lines = append(lines, userStyle.Render(msg.User)+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

// typingLine describes who is typing; empty when nobody is.
func typingLine(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1] + " are typing..."
	}
}
