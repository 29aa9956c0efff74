package store

import (
	"fmt"
	"time"
)

// MarkProcessed records a message id in the idempotency ledger. Returns
// false if the id was already present (a redelivery), true if this is the
// first time. The check-and-insert is atomic at the database level.
func (s *Store) MarkProcessed(messageID, conversationID string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO idempotency_keys (message_id, conversation_id, processed_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		messageID, conversationID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to record idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PurgeExpiredKeys removes ledger entries past their retention window.
// Returns the number of rows removed.
func (s *Store) PurgeExpiredKeys(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM idempotency_keys WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
