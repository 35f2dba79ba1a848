// Package email delivers follow-up reminders through SMTP or a mail API.
package email

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/orderbridge/orderbridge/internal/config"
)

type Message struct {
	To      string
	From    string
	Subject string
	Body    string
}

type Result struct {
	Success   bool
	MessageID string
	Error     error
}

type Sender interface {
	Send(ctx context.Context, msg Message) Result
	Name() string
}

func NewSender(cfg config.EmailConfig) (Sender, error) {
	switch cfg.Provider {
	case "", "smtp":
		return NewSMTPSender(cfg.SMTP, cfg.From), nil
	case "resend":
		if cfg.ResendAPIKey == "" {
			return nil, fmt.Errorf("resend: api key is required")
		}
		return NewResendSender(cfg.ResendAPIKey), nil
	case "sendgrid":
		if cfg.SendGridAPIKey == "" {
			return nil, fmt.Errorf("sendgrid: api key is required")
		}
		return NewSendGridSender(cfg.SendGridAPIKey), nil
	}
	return nil, fmt.Errorf("unknown email provider: %s (supported: smtp, resend, sendgrid)", cfg.Provider)
}

// ValidateEmail checks for injection characters and RFC 5322 compliance
func ValidateEmail(email string) error {
	if strings.ContainsAny(email, "\r\n,;") {
		return fmt.Errorf("email contains invalid characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	return nil
}

func validateMessage(msg Message) error {
	if err := ValidateEmail(msg.From); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := ValidateEmail(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	// Reject headers with CRLF to prevent injection
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return fmt.Errorf("subject contains invalid characters")
	}
	return nil
}
