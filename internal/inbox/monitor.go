package inbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"github.com/orderbridge/orderbridge/internal/config"
)

// Monitor handles the IMAP connection to the order mailbox
type Monitor struct {
	config   config.InboxConfig
	client   *client.Client
	selected string
}

// NewMonitor creates a new inbox monitor
func NewMonitor(cfg config.InboxConfig) *Monitor {
	return &Monitor{config: cfg}
}

// Connect establishes the IMAP connection and logs in
func (m *Monitor) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.config.Server, m.config.Port)

	zap.L().Debug("connecting to IMAP server", zap.String("addr", addr))

	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(m.config.Email, m.config.Password); err != nil {
		c.Logout()
		return fmt.Errorf("failed to login: %w", err)
	}

	m.client = c
	m.selected = ""
	zap.L().Debug("IMAP login successful", zap.String("email", m.config.Email))
	return nil
}

// Disconnect closes the IMAP connection
func (m *Monitor) Disconnect() error {
	if m.client == nil {
		return nil
	}
	err := m.client.Logout()
	m.client = nil
	m.selected = ""
	return err
}

// selectFolder opens the configured folder, falling back to FallbackFolder when
// it cannot be selected.
func (m *Monitor) selectFolder() (*imap.MailboxStatus, error) {
	mbox, err := m.client.Select(m.config.Folder, false)
	if err == nil {
		m.selected = m.config.Folder
		return mbox, nil
	}

	fallback := m.config.FallbackFolder
	if fallback == "" || strings.EqualFold(fallback, m.config.Folder) {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", m.config.Folder, err)
	}

	zap.L().Warn("folder not found, using fallback",
		zap.String("folder", m.config.Folder), zap.String("fallback", fallback), zap.Error(err))

	mbox, err = m.client.Select(fallback, false)
	if err != nil {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", fallback, err)
	}
	m.selected = fallback
	return mbox, nil
}

// FetchUnread returns every unseen message of the order folder without marking it
// seen. Callers acknowledge with MarkSeen once a message is handled.
func (m *Monitor) FetchUnread(ctx context.Context) ([]Email, error) {
	if m.client == nil {
		return nil, fmt.Errorf("not connected to IMAP server")
	}

	mbox, err := m.selectFolder()
	if err != nil {
		return nil, err
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}

	zap.L().Info("unread messages found", zap.String("folder", m.selected), zap.Int("count", len(uids)))

	if len(uids) == 0 {
		return nil, nil
	}

	var emails []Email
	batchSize := 50
	for i := 0; i < len(uids); i += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := i + batchSize
		if end > len(uids) {
			end = len(uids)
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uids[i:end]...)

		section := &imap.BodySectionName{Peek: true}
		items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

		messages := make(chan *imap.Message, batchSize)
		done := make(chan error, 1)
		go func() {
			done <- m.client.UidFetch(seqSet, items, messages)
		}()

		for msg := range messages {
			email, err := parseFetched(msg, section)
			if err != nil {
				zap.L().Warn("failed to parse message", zap.Uint32("uid", msg.Uid), zap.Error(err))
				continue
			}
			emails = append(emails, *email)
		}

		if err := <-done; err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}
	}

	return emails, nil
}

// parseFetched converts an IMAP message to our Email struct
func parseFetched(msg *imap.Message, section *imap.BodySectionName) (*Email, error) {
	if msg == nil {
		return nil, fmt.Errorf("empty message")
	}

	r := msg.GetBody(section)
	if r == nil {
		return nil, fmt.Errorf("server returned no body")
	}

	email, err := ParseMessage(r)
	if err != nil {
		return nil, err
	}
	email.UID = msg.Uid

	if env := msg.Envelope; env != nil {
		if env.MessageId != "" {
			email.MessageID = env.MessageId
		}
		if email.Subject == "" {
			email.Subject = env.Subject
		}
		if email.ReceivedAt.IsZero() {
			email.ReceivedAt = env.Date
		}
	}
	return email, nil
}

// MarkSeen flags a message as read in the currently selected folder
func (m *Monitor) MarkSeen(ctx context.Context, uid uint32) error {
	if m.client == nil {
		return fmt.Errorf("not connected to IMAP server")
	}
	if m.selected == "" {
		return fmt.Errorf("no mailbox selected")
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := m.client.UidStore(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark email %d as seen: %w", uid, err)
	}
	return nil
}
