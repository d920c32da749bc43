package notify

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
)

// SMTPConfig configures the SMTP dispatcher
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	FromName string
}

// SendMailFunc matches smtp.SendMail
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPDispatcher delivers multipart text/html email over SMTP
type SMTPDispatcher struct {
	config   SMTPConfig
	sendMail SendMailFunc
}

// NewSMTPDispatcher creates an SMTP dispatcher
func NewSMTPDispatcher(config SMTPConfig) *SMTPDispatcher {
	return &SMTPDispatcher{config: config, sendMail: smtp.SendMail}
}

// Send implements Dispatcher. net/smtp has no context support; ctx is
// only checked before dialing.
func (d *SMTPDispatcher) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rendered, err := Render(msg)
	if err != nil {
		return err
	}

	body, err := d.buildMessage(msg.Email, rendered)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if d.config.User != "" {
		auth = smtp.PlainAuth("", d.config.User, d.config.Password, d.config.Host)
	}
	addr := fmt.Sprintf("%s:%d", d.config.Host, d.config.Port)
	if err := d.sendMail(addr, auth, d.config.From, []string{msg.Email}, body); err != nil {
		return fmt.Errorf("failed to send %s email: %w", msg.Purpose, err)
	}
	return nil
}

func (d *SMTPDispatcher) buildMessage(to string, rendered *Rendered) ([]byte, error) {
	from := d.config.From
	if d.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", d.config.FromName, d.config.From)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	var head strings.Builder
	fmt.Fprintf(&head, "From: %s\r\n", from)
	fmt.Fprintf(&head, "To: %s\r\n", to)
	fmt.Fprintf(&head, "Subject: %s\r\n", rendered.Subject)
	head.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&head, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", writer.Boundary())

	for _, part := range []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=UTF-8", rendered.Text},
		{"text/html; charset=UTF-8", rendered.HTML},
	} {
		w, err := writer.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return nil, fmt.Errorf("failed to create mime part: %w", err)
		}
		if _, err := w.Write([]byte(part.content)); err != nil {
			return nil, fmt.Errorf("failed to write mime part: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close mime message: %w", err)
	}

	return append([]byte(head.String()), body.Bytes()...), nil
}
