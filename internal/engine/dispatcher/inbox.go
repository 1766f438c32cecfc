package dispatcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"practice-rules-engine/internal/models"
)

// PgInbox persists accepted events so unfinished work survives a restart.
type PgInbox struct {
	db  *sql.DB
	now func() time.Time
}

func NewPgInbox(db *sql.DB) *PgInbox {
	return &PgInbox{db: db, now: time.Now}
}

// Save records an event once. It reports false when the id was already known.
func (i *PgInbox) Save(ctx context.Context, e models.Event) (bool, error) {
	raw, err := json.Marshal(e.Context)
	if err != nil {
		return false, fmt.Errorf("marshal event context: %w", err)
	}

	const query = `
		INSERT INTO events
			(id, event_type, subject_id, occurred_at, context, submitted_by, consent_category, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	res, err := i.db.ExecContext(ctx, query,
		e.ID, e.EventType, e.SubjectID, e.OccurredAt, raw,
		nullString(e.SubmittedBy), nullString(e.ConsentCategory),
		string(models.EventReceived), i.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("save event %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save event %s: %w", e.ID, err)
	}
	return n == 1, nil
}

// SetStatus moves an event to a new status. A resubmitted event returns to received.
func (i *PgInbox) SetStatus(ctx context.Context, id string, status models.EventStatus, lastError string) error {
	var processedAt interface{}
	if status != models.EventReceived {
		processedAt = i.now().UTC()
	}

	const query = `
		UPDATE events
		SET status = $2, last_error = $3, processed_at = $4
		WHERE id = $1`

	if _, err := i.db.ExecContext(ctx, query, id, string(status), nullString(lastError), processedAt); err != nil {
		return fmt.Errorf("update event %s: %w", id, err)
	}
	return nil
}

// Pending returns events that were accepted but never finished, oldest first.
func (i *PgInbox) Pending(ctx context.Context, limit int) ([]models.Event, error) {
	const query = `
		SELECT id, event_type, subject_id, occurred_at, context, submitted_by, consent_category
		FROM events
		WHERE status = $1
		ORDER BY received_at
		LIMIT $2`

	rows, err := i.db.QueryContext(ctx, query, string(models.EventReceived), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var e models.Event
		var raw []byte
		var submittedBy, consentCategory sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &e.SubjectID, &e.OccurredAt, &raw, &submittedBy, &consentCategory); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Context); err != nil {
				return nil, fmt.Errorf("decode context of event %s: %w", e.ID, err)
			}
		}
		e.SubmittedBy = submittedBy.String
		e.ConsentCategory = consentCategory.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
