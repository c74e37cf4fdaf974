package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/npezzotti/pilgrim-chat/internal/client"
	"github.com/npezzotti/pilgrim-chat/internal/types"
)

// --- Styles ---

var (
	primaryColor   = lipgloss.Color("#0F766E")
	secondaryColor = lipgloss.Color("#10B981")
	mutedColor     = lipgloss.Color("#9CA3AF")
	errorColor     = lipgloss.Color("#EF4444")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	windowStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(mutedColor)

	footerStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(mutedColor)

	selectedItemStyle = lipgloss.NewStyle().
				Foreground(secondaryColor).
				Bold(true).
				PaddingLeft(1).
				Border(lipgloss.NormalBorder(), false, false, false, true).
				BorderForeground(secondaryColor)

	unselectedItemStyle = lipgloss.NewStyle().
				PaddingLeft(2)

	ownMessageStyle   = lipgloss.NewStyle().Foreground(secondaryColor)
	otherMessageStyle = lipgloss.NewStyle().Foreground(primaryColor)
	replyStyle        = lipgloss.NewStyle().Foreground(mutedColor).Italic(true).PaddingLeft(6)
)

func (m model) View() string {
	if m.fatalErr != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress ctrl+c to quit.", m.fatalErr))
	}

	var body string
	if m.mode == modeChat {
		body = m.chatView()
	} else {
		body = m.listView()
	}

	return windowStyle.Render(body)
}

func (m model) listView() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render("Conversations of "+m.self.Name) + "\n\n")

	if len(m.convs) == 0 {
		s.WriteString(mutedStyle.Render("No conversations yet.") + "\n")
	}

	for i, conv := range m.convs {
		line := m.conversationLine(conv)
		if i == m.selected {
			s.WriteString(selectedItemStyle.Render(line) + "\n")
		} else {
			s.WriteString(unselectedItemStyle.Render(line) + "\n")
		}
	}

	s.WriteString("\n" + m.footer(mutedStyle.Render("↑/↓ select • enter open • esc quit")))
	return s.String()
}

func (m model) conversationLine(conv types.Conversation) string {
	other := conv.Other(m.self.Id)
	name := other
	if conv.OtherMember != nil && conv.OtherMember.Name != "" {
		name = conv.OtherMember.Name
	}

	dot := mutedStyle.Render("○")
	if m.online != nil && m.online.IsOnline(other) {
		dot = ownMessageStyle.Render("●")
	}

	line := fmt.Sprintf("%s %s (%s)", dot, name, other)
	if conv.UnreadCount > 0 {
		line += fmt.Sprintf(" [%d unread]", conv.UnreadCount)
	}
	return line
}

func (m model) chatView() string {
	conv := m.session.Conversation()
	header := headerStyle.Width(max(m.width-4, 10)).Render(
		m.otherName(conv) + "  " + mutedStyle.Render(presenceLine(m.other, time.Now())),
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		m.viewport.View(),
		m.footer(""),
	)
}

func (m model) footer(hint string) string {
	var lines []string
	if m.mode == modeChat && m.session != nil {
		if id, ok := m.session.Replying(); ok {
			lines = append(lines, mutedStyle.Render("replying to "+id+" (/cancel)"))
		}
	}
	if m.errText != "" {
		lines = append(lines, errorStyle.Render(m.errText))
	} else if m.status != "" {
		lines = append(lines, mutedStyle.Render(m.status))
	}
	lines = append(lines, m.input.View())
	if hint != "" {
		lines = append(lines, hint)
	}
	return footerStyle.Render(strings.Join(lines, "\n"))
}

func (m model) otherName(conv types.Conversation) string {
	if conv.OtherMember != nil && conv.OtherMember.Name != "" {
		return conv.OtherMember.Name
	}
	return conv.Other(m.self.Id)
}

// presenceLine describes the other participant for the chat header.
func presenceLine(st client.OtherState, now time.Time) string {
	switch {
	case st.Typing:
		return "typing..."
	case st.Online:
		return "online"
	case st.LastSeen.IsZero():
		return "offline"
	}
	return "last seen " + formatLastSeen(st.LastSeen, now)
}

func formatLastSeen(t, now time.Time) string {
	t = t.Local()
	now = now.Local()
	y1, m1, d1 := t.Date()
	y2, m2, d2 := now.Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return "today at " + t.Format("15:04")
	}
	return t.Format("Jan 2 at 15:04")
}

// renderMessages refreshes the viewport from the session's message view.
func (m *model) renderMessages() {
	if m.session == nil {
		m.viewport.SetContent("")
		return
	}

	state, err := m.session.State()
	switch state {
	case client.StateLoading:
		m.viewport.SetContent(mutedStyle.Render("loading..."))
		return
	case client.StateErrored:
		m.viewport.SetContent(errorStyle.Render(fmt.Sprintf("could not load conversation: %v", err)) +
			"\n" + mutedStyle.Render("type /retry to try again"))
		return
	}

	conv := m.session.Conversation()
	msgs := m.session.Messages()
	if len(msgs) == 0 {
		m.viewport.SetContent(mutedStyle.Render("No messages yet. Say salaam!"))
		return
	}

	lines := make([]string, 0, len(msgs))
	for i, msg := range msgs {
		if preview, ok := m.session.ReplyPreview(msg); ok {
			lines = append(lines, replyStyle.Render("↪ "+m.replyLine(conv, preview)))
		}
		lines = append(lines, m.messageLine(conv, i+1, msg))
	}

	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

func (m model) senderName(conv types.Conversation, id string) string {
	if id == m.self.Id {
		return "You"
	}
	return m.otherName(conv)
}

func (m model) replyLine(conv types.Conversation, p client.ReplyPreview) string {
	if p.Missing {
		return p.Text
	}
	return m.senderName(conv, p.SenderId) + ": " + truncate(p.Text, 60)
}

func (m model) messageLine(conv types.Conversation, n int, msg types.Message) string {
	body := msg.Content
	if msg.Type.IsMedia() {
		body = fmt.Sprintf("[%s", msg.Type)
		if msg.DurationSeconds != nil {
			body += fmt.Sprintf(" %ds", *msg.DurationSeconds)
		}
		body += "] " + msg.Content
	}
	if msg.EditedAt != nil {
		body += mutedStyle.Render(" (edited)")
	}

	style := otherMessageStyle
	receipt := ""
	if msg.SenderId == m.self.Id {
		style = ownMessageStyle
		receipt = " ✓"
		if msg.IsRead {
			receipt = " ✓✓"
		}
	}

	return fmt.Sprintf("%s %s %s %s%s",
		mutedStyle.Render(fmt.Sprintf("[%d]", n)),
		mutedStyle.Render(msg.CreatedAt.Local().Format("15:04")),
		style.Render(m.senderName(conv, msg.SenderId)+":"),
		body,
		mutedStyle.Render(receipt),
	)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
