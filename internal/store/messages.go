package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// IsMessageProcessed reports whether a mail Message-ID has already been ingested.
func (s *Store) IsMessageProcessed(ctx context.Context, messageID string) (bool, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return false, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_messages WHERE message_id = ?`, messageID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	return count > 0, nil
}

// MarkMessageProcessed records a Message-ID. Recording it twice is not an error.
func (s *Store) MarkMessageProcessed(ctx context.Context, messageID string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages (message_id, processed_at) VALUES (?, ?)`,
		messageID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}
	return nil
}

// ClearProcessedMessages empties the ledger and returns how many entries were removed.
func (s *Store) ClearProcessedMessages(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM processed_messages`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear processed messages: %w", err)
	}
	return result.RowsAffected()
}
