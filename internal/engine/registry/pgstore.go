package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"practice-rules-engine/internal/models"
)

// PgStore keeps templates and trigger definitions in Postgres.
type PgStore struct {
	db *sql.DB
}

func NewPgStore(db *sql.DB) *PgStore {
	return &PgStore{db: db}
}

const entryColumns = `
	t.id, t.event_type, t.condition, t.template_id, t.recipient_rule, t.enabled, t.created_at, t.updated_at,
	p.id, p.title, p.body, p.category, p.format, p.updated_at`

func (s *PgStore) Definitions(ctx context.Context, eventType string) ([]Entry, error) {
	query := `SELECT` + entryColumns + `
		FROM trigger_definitions t
		JOIN notification_templates p ON p.id = t.template_id
		WHERE t.event_type = $1 AND t.enabled = true
		ORDER BY t.id`

	rows, err := s.db.QueryContext(ctx, query, eventType)
	if err != nil {
		return nil, fmt.Errorf("query trigger definitions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var cond, rule []byte
		if err := rows.Scan(
			&e.Trigger.ID, &e.Trigger.EventType, &cond, &e.Trigger.TemplateID, &rule,
			&e.Trigger.Enabled, &e.Trigger.CreatedAt, &e.Trigger.UpdatedAt,
			&e.Template.ID, &e.Template.Title, &e.Template.Body, &e.Template.Category,
			&e.Template.Format, &e.Template.Updated,
		); err != nil {
			return nil, fmt.Errorf("scan trigger definition: %w", err)
		}
		e.Trigger.Condition = cond
		e.Trigger.RecipientRule = rule
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PgStore) UpsertTemplate(ctx context.Context, tmpl models.Template) error {
	const query = `
		INSERT INTO notification_templates (id, title, body, category, format, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			category = EXCLUDED.category,
			format = EXCLUDED.format,
			updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query, tmpl.ID, tmpl.Title, tmpl.Body, tmpl.Category, tmpl.Format); err != nil {
		return fmt.Errorf("upsert template %s: %w", tmpl.ID, err)
	}
	return nil
}

func (s *PgStore) UpsertTrigger(ctx context.Context, def models.TriggerDefinition) error {
	const query = `
		INSERT INTO trigger_definitions
			(id, event_type, condition, template_id, recipient_rule, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			event_type = EXCLUDED.event_type,
			condition = EXCLUDED.condition,
			template_id = EXCLUDED.template_id,
			recipient_rule = EXCLUDED.recipient_rule,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		def.ID, def.EventType, []byte(def.Condition), def.TemplateID, []byte(def.RecipientRule),
		def.Enabled, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert trigger %s: %w", def.ID, err)
	}
	return nil
}

// SetTriggerEnabled returns the trigger's event type, or "" when it does not exist.
func (s *PgStore) SetTriggerEnabled(ctx context.Context, id string, enabled bool) (string, error) {
	const query = `
		UPDATE trigger_definitions SET enabled = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING event_type`

	var eventType string
	err := s.db.QueryRowContext(ctx, query, id, enabled).Scan(&eventType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("update trigger %s: %w", id, err)
	}
	return eventType, nil
}

func (s *PgStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	const query = `SELECT id, title, body, category, format, updated_at FROM notification_templates WHERE id = $1`

	var t models.Template
	err := s.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Title, &t.Body, &t.Category, &t.Format, &t.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", id, err)
	}
	return &t, nil
}

const triggerColumns = `id, event_type, condition, template_id, recipient_rule, enabled, created_at, updated_at`

func (s *PgStore) GetTrigger(ctx context.Context, id string) (*models.TriggerDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM trigger_definitions WHERE id = $1`, id)
	def, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger %s: %w", id, err)
	}
	return def, nil
}

func (s *PgStore) ListTriggers(ctx context.Context) ([]models.TriggerDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+triggerColumns+` FROM trigger_definitions ORDER BY event_type, id`)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var defs []models.TriggerDefinition
	for rows.Next() {
		def, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		defs = append(defs, *def)
	}
	return defs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrigger(row scanner) (*models.TriggerDefinition, error) {
	var def models.TriggerDefinition
	var cond, rule []byte
	if err := row.Scan(&def.ID, &def.EventType, &cond, &def.TemplateID, &rule,
		&def.Enabled, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	def.Condition = cond
	def.RecipientRule = rule
	return &def, nil
}
