// Package audit records append-only compliance entries.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "practice-rules-engine/internal/common/errors"
	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/models"
)

// Sink mirrors committed entries somewhere searchable. Sinks are best effort.
type Sink interface {
	Index(ctx context.Context, entry models.AuditEntry) error
}

// Query filters audit entries.
type Query struct {
	SubjectID string
	Action    string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Log is the Postgres-backed audit log. The table rejects UPDATE and DELETE.
type Log struct {
	db     *sql.DB
	sinks  []Sink
	logger logger.Logger
	now    func() time.Time
	newID  func() string
}

func NewLog(db *sql.DB, log logger.Logger, sinks ...Sink) *Log {
	return &Log{
		db:     db,
		sinks:  sinks,
		logger: log.WithFields(map[string]interface{}{"component": "audit-log"}),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// Append writes an entry on its own and mirrors it to the sinks.
func (l *Log) Append(ctx context.Context, entry models.AuditEntry) (*models.AuditEntry, error) {
	stored, err := l.insert(ctx, l.db, entry)
	if err != nil {
		return nil, err
	}
	l.Mirror(ctx, *stored)
	return stored, nil
}

// AppendTx writes an entry inside the caller's transaction. The caller
// mirrors it with Mirror once the transaction commits.
func (l *Log) AppendTx(ctx context.Context, tx *sql.Tx, entry models.AuditEntry) (*models.AuditEntry, error) {
	return l.insert(ctx, tx, entry)
}

func (l *Log) insert(ctx context.Context, exec execer, entry models.AuditEntry) (*models.AuditEntry, error) {
	if entry.Action == "" || entry.Actor == "" {
		return nil, apperrors.NewAuditWriteFailedError(fmt.Errorf("action and actor are required"))
	}
	if entry.ID == "" {
		entry.ID = l.newID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	var detail []byte
	if len(entry.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(entry.Detail); err != nil {
			return nil, apperrors.NewAuditWriteFailedError(fmt.Errorf("marshal detail: %w", err))
		}
	}

	const query = `
		INSERT INTO audit_entries
			(id, subject_id, actor, action, occurred_at, ip_address, detail, consent_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := exec.ExecContext(ctx, query,
		entry.ID, entry.SubjectID, entry.Actor, entry.Action, entry.Timestamp,
		nullString(entry.IPAddress), detail, nullString(entry.ConsentVersion),
	)
	if err != nil {
		return nil, apperrors.NewAuditWriteFailedError(err)
	}
	return &entry, nil
}

// Mirror hands a committed entry to every sink, logging failures.
func (l *Log) Mirror(ctx context.Context, entry models.AuditEntry) {
	for _, sink := range l.sinks {
		if err := sink.Index(ctx, entry); err != nil {
			l.logger.Warn("audit mirror failed", map[string]interface{}{
				"entryId": entry.ID,
				"action":  entry.Action,
				"error":   err.Error(),
			})
		}
	}
}

// List returns entries newest first from the authoritative store.
func (l *Log) List(ctx context.Context, q Query) ([]models.AuditEntry, error) {
	query := `
		SELECT id, subject_id, actor, action, occurred_at, ip_address, detail, consent_version
		FROM audit_entries
		WHERE 1=1`
	args := []interface{}{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}
	if q.SubjectID != "" {
		add("subject_id = $%d", q.SubjectID)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if !q.From.IsZero() {
		add("occurred_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("occurred_at < $%d", q.To)
	}

	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, q.Offset)
	query += fmt.Sprintf(" ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]models.AuditEntry, 0)
	for rows.Next() {
		var e models.AuditEntry
		var ip, version sql.NullString
		var detail []byte
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.Actor, &e.Action, &e.Timestamp, &ip, &detail, &version); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.IPAddress = ip.String
		e.ConsentVersion = version.String
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
