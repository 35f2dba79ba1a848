package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	netmail "net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/orderbridge/orderbridge/internal/config"
)

const smtpDialTimeout = 15 * time.Second

// SMTPSender delivers through an SMTP relay. UseTLS selects implicit TLS (port 465);
// otherwise the connection is upgraded with STARTTLS when the server offers it.
type SMTPSender struct {
	config config.SMTPConfig
	from   string
}

func NewSMTPSender(cfg config.SMTPConfig, from string) *SMTPSender {
	return &SMTPSender{config: cfg, from: from}
}

func (s *SMTPSender) Name() string { return "smtp" }

func (s *SMTPSender) Send(ctx context.Context, msg Message) Result {
	if msg.From == "" {
		msg.From = s.from
	}
	if err := validateMessage(msg); err != nil {
		return Result{Error: err}
	}

	raw, messageID, err := buildMessage(msg, time.Now())
	if err != nil {
		return Result{Error: err}
	}

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}
	if err := s.deliver(ctx, auth, msg.From, msg.To, raw); err != nil {
		return Result{Error: sanitizeSMTPError(err)}
	}
	return Result{Success: true, MessageID: messageID}
}

// buildMessage renders msg as an RFC 5322 message with an encoded subject and a
// quoted-printable UTF-8 body.
func buildMessage(msg Message, now time.Time) ([]byte, string, error) {
	from, err := netmail.ParseAddress(msg.From)
	if err != nil {
		return nil, "", fmt.Errorf("invalid sender: %w", err)
	}
	to, err := netmail.ParseAddress(msg.To)
	if err != nil {
		return nil, "", fmt.Errorf("invalid recipient: %w", err)
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{(*mail.Address)(from)})
	h.SetAddressList("To", []*mail.Address{(*mail.Address)(to)})
	h.SetSubject(msg.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("failed to generate message id: %w", err)
	}
	messageID, _ := h.MessageID()

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to write message header: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, "", fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func sanitizeSMTPError(err error) error {
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "auth"):
		return fmt.Errorf("SMTP authentication failed")
	case strings.Contains(s, "certificate"):
		return fmt.Errorf("TLS certificate error")
	case strings.Contains(s, "context"), strings.Contains(s, "timeout"):
		return fmt.Errorf("SMTP server did not respond: %w", err)
	}
	return fmt.Errorf("SMTP error: check your configuration")
}

func (s *SMTPSender) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: smtpDialTimeout}
	if !s.config.UseTLS {
		return dialer.DialContext(ctx, "tcp", addr)
	}
	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config:    &tls.Config{ServerName: s.config.Host, MinVersion: tls.VersionTLS12},
	}
	return tlsDialer.DialContext(ctx, "tcp", addr)
}

func (s *SMTPSender) deliver(ctx context.Context, auth smtp.Auth, from, to string, msg []byte) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("SMTP client creation failed: %w", err)
	}
	defer client.Close()

	if !s.config.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.config.Host, MinVersion: tls.VersionTLS12}); err != nil {
				return fmt.Errorf("STARTTLS failed: %w", err)
			}
		}
	}
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("sender rejected: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("recipient rejected: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data command failed: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("message write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message finalization failed: %w", err)
	}
	return client.Quit()
}
