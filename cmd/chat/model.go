package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/npezzotti/pilgrim-chat/internal/client"
	"github.com/npezzotti/pilgrim-chat/internal/types"
)

const (
	requestTimeout  = 15 * time.Second
	typingThrottle  = time.Second
	onlineRefresh   = 5 * time.Second
	uploadSizeLimit = 25 << 20
)

type mode int

const (
	modeList mode = iota
	modeChat
)

// --- Messages ---

type conversationsMsg struct {
	convs []types.Conversation
	err   error
}

type conversationStartedMsg struct {
	conv types.Conversation
	err  error
}

type sessionOpenedMsg struct {
	session *client.Session
	err     error
}

type sessionChangedMsg struct {
	session *client.Session
}

type presenceMsg struct {
	session *client.Session
	state   client.OtherState
}

type actionDoneMsg struct {
	status string
	err    error
}

type connLostMsg struct {
	err error
}

type onlineTickMsg struct{}

// --- Model ---

type model struct {
	log    *log.Logger
	api    *client.API
	conn   *client.Conn
	online *client.OnlineWatcher
	self   types.Member

	mode     mode
	convs    []types.Conversation
	selected int

	session    *client.Session
	other      client.OtherState
	lastTyping time.Time

	input    textinput.Model
	viewport viewport.Model

	status   string
	errText  string
	fatalErr error
	width    int
	height   int
}

func newModel(api *client.API, conn *client.Conn, online *client.OnlineWatcher, self types.Member, logger *log.Logger) model {
	ti := textinput.New()
	ti.Placeholder = "/new MEMBER_ID to start a conversation"
	ti.CharLimit = 4000
	ti.Focus()

	return model{
		log:      logger,
		api:      api,
		conn:     conn,
		online:   online,
		self:     self,
		input:    ti,
		viewport: viewport.New(80, 20),
	}
}

// --- Commands ---

func loadConversations(api *client.API) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		convs, err := api.ListConversations(ctx)
		return conversationsMsg{convs: convs, err: err}
	}
}

func startConversation(api *client.API, memberId string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		conv, err := api.StartConversation(ctx, memberId)
		return conversationStartedMsg{conv: conv, err: err}
	}
}

func openSession(s *client.Session) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		return sessionOpenedMsg{session: s, err: s.Open(ctx)}
	}
}

func waitForChanges(s *client.Session) tea.Cmd {
	return func() tea.Msg {
		<-s.Changes()
		return sessionChangedMsg{session: s}
	}
}

func waitForPresence(s *client.Session) tea.Cmd {
	return func() tea.Msg {
		return presenceMsg{session: s, state: <-s.Presence().Changes()}
	}
}

func waitForConnLoss(conn *client.Conn) tea.Cmd {
	return func() tea.Msg {
		<-conn.Done()
		err := conn.Err()
		if err == nil {
			err = client.ErrConnClosed
		}
		return connLostMsg{err: err}
	}
}

func refreshOnline() tea.Cmd {
	return tea.Tick(onlineRefresh, func(time.Time) tea.Msg {
		return onlineTickMsg{}
	})
}

// runAction performs a session operation off the UI goroutine.
func runAction(status string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: status}
	}
}

func closeSession(s *client.Session) tea.Cmd {
	return func() tea.Msg {
		if err := s.Close(); err != nil {
			return actionDoneMsg{err: err}
		}
		return nil
	}
}

// --- Init ---

func (m model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		loadConversations(m.api),
		waitForConnLoss(m.conn),
		refreshOnline(),
	)
}

// --- Update ---

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = max(msg.Height-9, 3)
		m.input.Width = msg.Width - 8
		m.renderMessages()

	case tea.KeyMsg:
		return m.handleKey(msg)

	case conversationsMsg:
		if msg.err != nil {
			m.errText = msg.err.Error()
			break
		}
		m.convs = msg.convs
		if m.selected >= len(m.convs) {
			m.selected = max(len(m.convs)-1, 0)
		}

	case conversationStartedMsg:
		if msg.err != nil {
			m.errText = msg.err.Error()
			break
		}
		return m.enterChat(msg.conv)

	case sessionOpenedMsg:
		if msg.session != m.session {
			// superseded by a later navigation
			return m, closeSession(msg.session)
		}
		if msg.err != nil {
			m.errText = msg.err.Error() + " (type /retry)"
		}
		m.renderMessages()
		cmds = append(cmds, waitForChanges(msg.session), waitForPresence(msg.session))

	case sessionChangedMsg:
		if msg.session != m.session {
			break
		}
		m.renderMessages()
		cmds = append(cmds, waitForChanges(msg.session))
		if state, _ := msg.session.State(); state == client.StateLive {
			cmds = append(cmds, runAction("", msg.session.Activate))
		}

	case presenceMsg:
		if msg.session != m.session {
			break
		}
		m.other = msg.state
		cmds = append(cmds, waitForPresence(msg.session))

	case actionDoneMsg:
		if msg.err != nil && !errors.Is(msg.err, client.ErrNotLive) && !errors.Is(msg.err, client.ErrNotAttached) {
			m.errText = msg.err.Error()
		} else if msg.status != "" {
			m.status = msg.status
			m.errText = ""
		}

	case connLostMsg:
		m.fatalErr = fmt.Errorf("connection lost: %w", msg.err)
		return m, nil

	case onlineTickMsg:
		cmds = append(cmds, refreshOnline())
		if m.mode == modeList {
			cmds = append(cmds, loadConversations(m.api))
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		if m.mode == modeChat {
			return m.leaveChat()
		}
		if m.input.Value() == "" {
			return m, tea.Quit
		}
		m.input.SetValue("")
		return m, nil
	case "enter":
		line := m.input.Value()
		m.input.SetValue("")
		return m.submit(line)
	}

	if m.mode == modeList && m.input.Value() == "" {
		switch msg.String() {
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
			return m, nil
		case "down", "j":
			if m.selected < len(m.convs)-1 {
				m.selected++
			}
			return m, nil
		}
	}

	if m.mode == modeChat {
		switch msg.String() {
		case "pgup", "pgdown", "up", "down":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	if m.mode == modeChat && m.session != nil {
		cmds = append(cmds, m.typingCmd())
	}

	return m, tea.Batch(cmds...)
}

// typingCmd reports typing while the input holds a draft and clears it once
// the input is emptied. Reports are throttled and the tracker's timer clears
// the flag after a pause.
func (m *model) typingCmd() tea.Cmd {
	presence := m.session.Presence()
	draft := m.input.Value()

	if draft == "" || draft[0] == '/' {
		if !presence.Typing() {
			return nil
		}
		return runAction("", func(ctx context.Context) error {
			return presence.SetTyping(ctx, false)
		})
	}

	now := time.Now()
	if now.Sub(m.lastTyping) < typingThrottle {
		return nil
	}
	m.lastTyping = now

	return runAction("", func(ctx context.Context) error {
		return presence.SetTyping(ctx, true)
	})
}

func (m model) submit(line string) (tea.Model, tea.Cmd) {
	if line == "" {
		if m.mode == modeList && len(m.convs) > 0 {
			return m.enterChat(m.convs[m.selected])
		}
		return m, nil
	}

	c, err := parseCommand(line)
	if err != nil {
		m.errText = err.Error()
		return m, nil
	}
	m.errText = ""

	switch c.kind {
	case cmdHelp:
		m.status = helpText
		return m, nil
	case cmdNew:
		return m, startConversation(m.api, c.memberId)
	}

	if m.mode != modeChat || m.session == nil {
		m.errText = "open a conversation first"
		return m, nil
	}

	s := m.session
	switch c.kind {
	case cmdBack:
		return m.leaveChat()
	case cmdSend:
		return m, runAction("", func(ctx context.Context) error {
			_, err := s.Send(ctx, client.Draft{Type: types.MessageTypeText, Text: c.text})
			return err
		})
	case cmdMedia:
		return m, sendMediaFile(s, c)
	case cmdRetry:
		return m, runAction("reloaded", s.Retry)
	case cmdCancel:
		s.CancelReply()
		m.renderMessages()
		return m, nil
	}

	msgs := s.Messages()
	if c.index > len(msgs) {
		m.errText = fmt.Sprintf("no message %d", c.index)
		return m, nil
	}
	target := msgs[c.index-1]

	switch c.kind {
	case cmdReply:
		if err := s.ReplyTo(target.Id); err != nil {
			m.errText = err.Error()
		}
		m.renderMessages()
		return m, nil
	case cmdEdit:
		return m, runAction("edited", func(ctx context.Context) error {
			_, err := s.Edit(ctx, target.Id, c.text)
			return err
		})
	case cmdDelete:
		return m, runAction("deleted", func(ctx context.Context) error {
			return s.Delete(ctx, target.Id)
		})
	}

	return m, nil
}

func sendMediaFile(s *client.Session, c command) tea.Cmd {
	return runAction("sent "+string(c.media), func(ctx context.Context) error {
		info, err := os.Stat(c.path)
		if err != nil {
			return err
		}
		if info.Size() > uploadSizeLimit {
			return fmt.Errorf("%s is larger than %d bytes", c.path, uploadSizeLimit)
		}

		data, err := os.ReadFile(c.path)
		if err != nil {
			return err
		}

		_, err = s.Send(ctx, client.Draft{
			Type:            c.media,
			Media:           data,
			MediaName:       info.Name(),
			ContentType:     contentTypeOf(c.path, c.media),
			DurationSeconds: c.duration,
		})
		return err
	})
}

func (m model) enterChat(conv types.Conversation) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	if m.session != nil {
		cmds = append(cmds, closeSession(m.session))
	}

	m.mode = modeChat
	m.other = client.OtherState{}
	m.status = ""
	m.errText = ""
	m.input.Placeholder = "Message, or /help"

	m.session = client.NewSession(m.api, m.conn, conv, m.self.Id, client.RealClock, m.log)
	m.renderMessages()

	return m, tea.Batch(append(cmds, openSession(m.session))...)
}

func (m model) leaveChat() (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	if m.session != nil {
		cmd = closeSession(m.session)
	}

	m.session = nil
	m.mode = modeList
	m.status = ""
	m.errText = ""
	m.input.Placeholder = "/new MEMBER_ID to start a conversation"

	return m, tea.Batch(cmd, loadConversations(m.api))
}
