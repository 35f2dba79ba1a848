package email

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendGridHost = "https://api.sendgrid.com"

// SendGridSender sends through the SendGrid v3 mail API.
type SendGridSender struct {
	apiKey string
	host   string
}

func NewSendGridSender(apiKey string) *SendGridSender {
	return &SendGridSender{apiKey: apiKey, host: sendGridHost}
}

func (s *SendGridSender) Name() string { return "sendgrid" }

func (s *SendGridSender) Send(ctx context.Context, msg Message) Result {
	if err := validateMessage(msg); err != nil {
		return Result{Success: false, Error: err}
	}

	message := mail.NewSingleEmail(
		mail.NewEmail("", msg.From),
		msg.Subject,
		mail.NewEmail("", msg.To),
		msg.Body,
		"",
	)

	request := sendgrid.GetRequest(s.apiKey, "/v3/mail/send", s.host)
	request.Method = "POST"
	request.Body = mail.GetRequestBody(message)

	resp, err := sendgrid.MakeRequestWithContext(ctx, request)
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("sendgrid: %w", err)}
	}
	if resp.StatusCode >= 300 {
		return Result{Success: false, Error: fmt.Errorf("sendgrid returned %d: %s", resp.StatusCode, resp.Body)}
	}

	var id string
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		id = ids[0]
	}
	return Result{Success: true, MessageID: id}
}
