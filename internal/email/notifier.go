package email

import (
	"context"
	"fmt"

	"github.com/orderbridge/orderbridge/internal/store"
	"github.com/orderbridge/orderbridge/internal/template"
)

// Notifier mails follow-up reminders to the shop owner.
type Notifier struct {
	sender Sender
	engine *template.Engine
	from   string
	to     string
	days   int
}

func NewNotifier(sender Sender, engine *template.Engine, from, to string, days int) *Notifier {
	return &Notifier{sender: sender, engine: engine, from: from, to: to, days: days}
}

// Notify renders and sends the reminder for one order.
func (n *Notifier) Notify(ctx context.Context, o store.OrderWithCustomer) error {
	rendered, err := n.engine.RenderReminder(o, n.days)
	if err != nil {
		return err
	}

	result := n.sender.Send(ctx, Message{
		To:      n.to,
		From:    n.from,
		Subject: rendered.Subject,
		Body:    rendered.Body,
	})
	if !result.Success {
		return fmt.Errorf("failed to send reminder via %s: %w", n.sender.Name(), result.Error)
	}
	return nil
}
