package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order. Statements must stay idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS notification_templates (
		id          TEXT PRIMARY KEY,
		title       TEXT NOT NULL DEFAULT '',
		body        TEXT NOT NULL,
		category    TEXT NOT NULL,
		format      TEXT NOT NULL DEFAULT 'text',
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS trigger_definitions (
		id              TEXT PRIMARY KEY,
		event_type      TEXT NOT NULL,
		condition       JSONB NOT NULL,
		template_id     TEXT NOT NULL REFERENCES notification_templates(id),
		recipient_rule  JSONB NOT NULL,
		enabled         BOOLEAN NOT NULL DEFAULT TRUE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS trigger_definitions_event_type_idx
		ON trigger_definitions (event_type) WHERE enabled`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id                 TEXT PRIMARY KEY,
		recipient_id       TEXT NOT NULL,
		title              TEXT NOT NULL,
		message            TEXT NOT NULL,
		category           TEXT NOT NULL,
		source_trigger_id  TEXT NOT NULL,
		event_ref          TEXT NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL,
		read_at            TIMESTAMPTZ,
		UNIQUE (event_ref, source_trigger_id, recipient_id)
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_recipient_created_idx
		ON notifications (recipient_id, created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS notifications_unread_idx
		ON notifications (recipient_id) WHERE read_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		display_name  TEXT NOT NULL DEFAULT '',
		email         TEXT,
		phone         TEXT,
		webhook_url   TEXT,
		active        BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS user_roles (
		user_id  TEXT NOT NULL REFERENCES users(id),
		role     TEXT NOT NULL,
		PRIMARY KEY (user_id, role)
	)`,
	`CREATE TABLE IF NOT EXISTS supervisor_assignments (
		user_id        TEXT PRIMARY KEY REFERENCES users(id),
		supervisor_id  TEXT NOT NULL REFERENCES users(id)
	)`,

	`CREATE TABLE IF NOT EXISTS consent_records (
		id               TEXT PRIMARY KEY,
		subject_id       TEXT NOT NULL,
		category         TEXT NOT NULL,
		granted          BOOLEAN NOT NULL,
		consent_version  TEXT NOT NULL DEFAULT '',
		granted_at       TIMESTAMPTZ,
		withdrawn_at     TIMESTAMPTZ,
		recorded_at      TIMESTAMPTZ NOT NULL,
		recorded_by      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS consent_records_latest_idx
		ON consent_records (subject_id, category, recorded_at DESC, id DESC)`,

	`CREATE TABLE IF NOT EXISTS audit_entries (
		id               TEXT PRIMARY KEY,
		subject_id       TEXT NOT NULL DEFAULT '',
		actor            TEXT NOT NULL,
		action           TEXT NOT NULL,
		occurred_at      TIMESTAMPTZ NOT NULL,
		ip_address       TEXT,
		detail           JSONB,
		consent_version  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS audit_entries_subject_idx
		ON audit_entries (subject_id, occurred_at DESC)`,
	`CREATE OR REPLACE FUNCTION audit_entries_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'audit_entries is append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS audit_entries_no_update ON audit_entries`,
	`CREATE TRIGGER audit_entries_no_update
		BEFORE UPDATE OR DELETE ON audit_entries
		FOR EACH ROW EXECUTE FUNCTION audit_entries_append_only()`,
	`DROP TRIGGER IF EXISTS audit_entries_no_truncate ON audit_entries`,
	`CREATE TRIGGER audit_entries_no_truncate
		BEFORE TRUNCATE ON audit_entries
		FOR EACH STATEMENT EXECUTE FUNCTION audit_entries_append_only()`,

	`CREATE TABLE IF NOT EXISTS events (
		id                TEXT PRIMARY KEY,
		event_type        TEXT NOT NULL,
		subject_id        TEXT NOT NULL,
		occurred_at       TIMESTAMPTZ NOT NULL,
		context           JSONB NOT NULL DEFAULT '{}',
		submitted_by      TEXT,
		consent_category  TEXT,
		status            TEXT NOT NULL,
		last_error        TEXT,
		received_at       TIMESTAMPTZ NOT NULL,
		processed_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS events_received_idx
		ON events (received_at) WHERE status = 'received'`,
}

// Migrate applies the schema in one transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}
