package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cartbot/internal/types"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// SaveConversation upserts a conversation.
func (s *Store) SaveConversation(c *types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO conversations (
			id, tenant_id, customer_id, current_flow, awaiting_response,
			last_bot_message, last_customer_message, language, session_epoch,
			last_message_at, needs_human, clarification_count, created_at, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_flow = excluded.current_flow,
			awaiting_response = excluded.awaiting_response,
			last_bot_message = excluded.last_bot_message,
			last_customer_message = excluded.last_customer_message,
			language = excluded.language,
			session_epoch = excluded.session_epoch,
			last_message_at = excluded.last_message_at,
			needs_human = excluded.needs_human,
			clarification_count = excluded.clarification_count,
			archived_at = excluded.archived_at`,
		c.ID, c.TenantID, c.CustomerID, c.CurrentFlow, c.AwaitingResponse,
		c.LastBotMessage, c.LastCustomerMessage, c.Language, c.SessionEpoch,
		nullableTime(c.LastMessageAt), boolInt(c.NeedsHuman), c.ClarificationCount,
		c.CreatedAt, c.ArchivedAt)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// GetConversation loads one conversation by id.
func (s *Store) GetConversation(id string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`
		SELECT id, tenant_id, customer_id, current_flow, awaiting_response,
			last_bot_message, last_customer_message, language, session_epoch,
			last_message_at, needs_human, clarification_count, created_at, archived_at
		FROM conversations WHERE id = ?`, id)

	var c types.Conversation
	var lastMessageAt sql.NullTime
	var needsHuman int
	err := row.Scan(&c.ID, &c.TenantID, &c.CustomerID, &c.CurrentFlow, &c.AwaitingResponse,
		&c.LastBotMessage, &c.LastCustomerMessage, &c.Language, &c.SessionEpoch,
		&lastMessageAt, &needsHuman, &c.ClarificationCount, &c.CreatedAt, &c.ArchivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if lastMessageAt.Valid {
		c.LastMessageAt = lastMessageAt.Time
	}
	c.NeedsHuman = needsHuman != 0
	return &c, nil
}

// ArchiveConversation soft-archives a conversation. History is never hard
// deleted.
func (s *Store) ArchiveConversation(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE conversations SET archived_at = ? WHERE id = ?`, at, id)
	return err
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
