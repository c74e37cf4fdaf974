package notify

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"strings"

	"github.com/npezzotti/pilgrim-chat/internal/config"
	"github.com/npezzotti/pilgrim-chat/internal/types"
	"github.com/stretchr/testify/mock"
)

type Mail struct {
	To      string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
}

func NewSMTPMailer(cfg config.SMTPConfig) (*SMTPMailer, error) {
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid smtp address %q: %w", cfg.Addr, err)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp sender address cannot be empty")
	}

	m := &SMTPMailer{addr: cfg.Addr, from: cfg.From}
	if cfg.Username != "" {
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}

	return m, nil
}

func (s *SMTPMailer) Send(ctx context.Context, m Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return smtp.SendMail(s.addr, s.auth, s.from, []string{m.To}, formatMail(s.from, m))
}

// LogMailer writes mail to the log instead of sending it.
type LogMailer struct {
	Log *log.Logger
}

func (l LogMailer) Send(_ context.Context, m Mail) error {
	l.Log.Printf("mail to %s: %s", m.To, m.Subject)
	return nil
}

type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Send(ctx context.Context, mail Mail) error {
	args := m.Called(mail)
	return args.Error(0)
}

func formatMail(from string, m Mail) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	return []byte(b.String())
}

func newMessageMail(n NewMessageNotification) Mail {
	sender := n.SenderName
	if sender == "" {
		sender = "member " + n.SenderId
	}

	var preview string
	switch n.Type {
	case types.MessageTypeVoice:
		preview = "sent you a voice message"
	case types.MessageTypeVideo:
		preview = "sent you a video"
	default:
		preview = fmt.Sprintf("wrote: %s", n.Preview)
	}

	return Mail{
		To:      n.RecipientEmail,
		Subject: fmt.Sprintf("New message from %s", sender),
		Body:    fmt.Sprintf("Hi %s,\n\n%s %s\n", n.RecipientName, sender, preview),
	}
}
