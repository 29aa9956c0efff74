// Package store persists engine state in SQLite: conversations, checkout
// sessions, the idempotency ledger, tenant documents and the append-only
// audit trail. One file per deployment, WAL mode, versioned migrations.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"cartbot/internal/logging"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Open creates or opens the engine database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "cartbot.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// migrations are applied in order; PRAGMA user_version tracks progress so
// upgrades are incremental and idempotent.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		current_flow TEXT NOT NULL DEFAULT '',
		awaiting_response TEXT NOT NULL DEFAULT '',
		last_bot_message TEXT NOT NULL DEFAULT '',
		last_customer_message TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		session_epoch INTEGER NOT NULL DEFAULT 0,
		last_message_at DATETIME,
		needs_human INTEGER NOT NULL DEFAULT 0,
		clarification_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		archived_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_last_message ON conversations(last_message_at);

	CREATE TABLE IF NOT EXISTS checkout_sessions (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		state TEXT NOT NULL,
		selected_item_id TEXT NOT NULL DEFAULT '',
		selected_title TEXT NOT NULL DEFAULT '',
		unit_price_cents INTEGER NOT NULL DEFAULT 0,
		quantity INTEGER NOT NULL DEFAULT 0,
		payment_method TEXT NOT NULL DEFAULT '',
		order_ref TEXT NOT NULL DEFAULT '',
		payment_ref TEXT NOT NULL DEFAULT '',
		total_cents INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME,
		abandoned_at DATETIME,
		flagged_for_review INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_conversation ON checkout_sessions(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_state ON checkout_sessions(state);
	CREATE INDEX IF NOT EXISTS idx_sessions_payment_ref ON checkout_sessions(payment_ref);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		message_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		processed_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at);

	CREATE TABLE IF NOT EXISTS intent_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		intent TEXT NOT NULL,
		confidence REAL NOT NULL,
		method TEXT NOT NULL,
		slots_json TEXT,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		taxonomy_ver TEXT NOT NULL,
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_intent_audit_conversation ON intent_audit(conversation_id);

	CREATE TABLE IF NOT EXISTS validation_issues (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		original TEXT NOT NULL,
		cleaned TEXT NOT NULL,
		issues_json TEXT,
		at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS provider_costs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		cost_cents INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 1,
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_provider_costs_tenant ON provider_costs(tenant_id);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		indexed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id);
	`,
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return err
		}
		logging.Store("applied schema migration %d", i+1)
	}
	return nil
}
