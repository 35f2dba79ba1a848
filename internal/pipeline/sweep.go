package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/orderbridge/orderbridge/internal/inbox"
)

// Mailbox is the mail collaborator swept for order emails. *inbox.Monitor implements it.
type Mailbox interface {
	Connect(ctx context.Context) error
	FetchUnread(ctx context.Context) ([]inbox.Email, error)
	MarkSeen(ctx context.Context, uid uint32) error
	Disconnect() error
}

// SweepReport summarizes one pass over the unread mail.
type SweepReport struct {
	Messages         int          `json:"messages"`
	Processed        int          `json:"processed"`
	Ignored          int          `json:"ignored"`
	AlreadyProcessed int          `json:"already_processed"`
	Failed           int          `json:"failed"`
	Ingest           IngestReport `json:"ingest"`
}

// Sweep processes every unread message once. Failing to connect or fetch aborts
// the pass. A message whose orders could not be stored stays unread so the next
// sweep retries it; every other message is marked seen.
func (p *Pipeline) Sweep(ctx context.Context, mb Mailbox) (SweepReport, error) {
	var report SweepReport

	if err := mb.Connect(ctx); err != nil {
		return report, fmt.Errorf("failed to open mailbox: %w", err)
	}
	defer func() {
		if err := mb.Disconnect(); err != nil {
			zap.L().Debug("mailbox logout failed", zap.Error(err))
		}
	}()

	emails, err := mb.FetchUnread(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to fetch unread mail: %w", err)
	}
	report.Messages = len(emails)

	for i := range emails {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if p.handleMessage(ctx, &emails[i], &report) {
			if err := mb.MarkSeen(ctx, emails[i].UID); err != nil {
				zap.L().Warn("failed to mark message seen", zap.Uint32("uid", emails[i].UID), zap.Error(err))
			}
		}
	}

	zap.L().Info("sweep finished",
		zap.Int("messages", report.Messages),
		zap.Int("processed", report.Processed),
		zap.Int("ignored", report.Ignored),
		zap.Int("already_processed", report.AlreadyProcessed),
		zap.Int("failed", report.Failed),
		zap.Int("orders_created", report.Ingest.Created),
		zap.Int("duplicates", report.Ingest.Duplicates))
	return report, nil
}

// handleMessage reports whether the message may be marked seen.
func (p *Pipeline) handleMessage(ctx context.Context, email *inbox.Email, report *SweepReport) bool {
	log := zap.L().With(zap.Uint32("uid", email.UID), zap.String("message_id", email.MessageID))

	done, err := p.store.IsMessageProcessed(ctx, email.MessageID)
	if err != nil {
		report.Failed++
		log.Error("failed to check message ledger", zap.Error(err))
		return false
	}
	if done {
		report.AlreadyProcessed++
		log.Debug("message already processed")
		return true
	}

	body := email.Text()
	if !p.opts.Filter.IsOrderEmail(email.Subject, body) {
		report.Ignored++
		log.Debug("not an order email", zap.String("subject", email.Subject))
		return true
	}

	ingest, err := p.ProcessBody(ctx, body, "")
	report.Ingest.add(ingest)
	if err != nil {
		report.Failed++
		log.Error("message left unread for retry", zap.Error(err))
		return false
	}

	if err := p.store.MarkMessageProcessed(ctx, email.MessageID); err != nil {
		log.Warn("failed to record processed message", zap.Error(err))
	}
	report.Processed++
	return true
}
