package email

import (
	"context"
	"fmt"
	"net/url"

	"github.com/resend/resend-go/v2"
)

// ResendSender sends through the Resend HTTP API.
type ResendSender struct {
	client *resend.Client
}

func NewResendSender(apiKey string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey)}
}

// withBaseURL points the client at another API host.
func (s *ResendSender) withBaseURL(raw string) error {
	u, err := url.Parse(raw + "/")
	if err != nil {
		return err
	}
	s.client.BaseURL = u
	return nil
}

func (s *ResendSender) Name() string { return "resend" }

func (s *ResendSender) Send(ctx context.Context, msg Message) Result {
	if err := validateMessage(msg); err != nil {
		return Result{Success: false, Error: err}
	}

	sent, err := s.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Body,
	})
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("resend: %w", err)}
	}
	return Result{Success: true, MessageID: sent.Id}
}
