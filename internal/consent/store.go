package consent

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "practice-rules-engine/internal/common/errors"
	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/models"
)

// RecordRequest is a consent grant or withdrawal.
type RecordRequest struct {
	SubjectID      string `json:"subjectId"`
	Category       string `json:"category"`
	Granted        bool   `json:"granted"`
	ConsentVersion string `json:"consentVersion"`
	Actor          string `json:"-"`
	IPAddress      string `json:"-"`
}

// AdminFilter narrows the consent report. Nil Granted matches both states.
type AdminFilter struct {
	Category string
	Granted  *bool
}

// Store writes consent records. Records are superseded by newer rows, never edited.
type Store struct {
	db         *sql.DB
	audit      Auditor
	categories map[string]struct{}
	logger     logger.Logger
	now        func() time.Time
	newID      func() string
}

func NewStore(db *sql.DB, audit Auditor, categories []string, log logger.Logger) *Store {
	return &Store{
		db:         db,
		audit:      audit,
		categories: categorySet(categories),
		logger:     log.WithFields(map[string]interface{}{"component": "consent-store"}),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// Record appends a new consent record and its audit entry in one transaction.
func (s *Store) Record(ctx context.Context, req RecordRequest) (*models.ConsentRecord, error) {
	if req.SubjectID == "" {
		return nil, apperrors.NewConsentWriteFailedError(fmt.Errorf("subjectId is required"))
	}
	if _, ok := s.categories[req.Category]; !ok {
		return nil, apperrors.NewConsentCategoryUnknownError(req.Category)
	}
	if req.Actor == "" {
		return nil, apperrors.NewConsentWriteFailedError(fmt.Errorf("actor is required"))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewConsentWriteFailedError(err)
	}
	defer tx.Rollback()

	latest, err := latestRecords(ctx, tx, req.SubjectID, req.Category, exclusiveLock)
	if err != nil {
		return nil, apperrors.NewConsentWriteFailedError(err)
	}

	rec := s.supersede(req, latest)

	const insert = `
		INSERT INTO consent_records
			(id, subject_id, category, granted, consent_version, granted_at, withdrawn_at, recorded_at, recorded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	if _, err := tx.ExecContext(ctx, insert,
		rec.ID, rec.SubjectID, rec.Category, rec.Granted, rec.ConsentVersion,
		rec.GrantedAt, rec.WithdrawnAt, rec.RecordedAt, rec.RecordedBy,
	); err != nil {
		return nil, apperrors.NewConsentWriteFailedError(err)
	}

	action := models.AuditConsentWithdrawn
	if rec.Granted {
		action = models.AuditConsentGranted
	}
	entry, err := s.audit.AppendTx(ctx, tx, models.AuditEntry{
		SubjectID:      rec.SubjectID,
		Actor:          req.Actor,
		Action:         action,
		IPAddress:      req.IPAddress,
		ConsentVersion: rec.ConsentVersion,
		Detail: map[string]interface{}{
			"category": rec.Category,
			"recordId": rec.ID,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewConsentWriteFailedError(err)
	}
	s.audit.Mirror(ctx, *entry)

	s.logger.Info("consent recorded", map[string]interface{}{
		"subjectId": rec.SubjectID,
		"category":  rec.Category,
		"granted":   rec.Granted,
		"version":   rec.ConsentVersion,
	})
	return &rec, nil
}

// supersede builds the record that replaces latest. Its recorded_at is kept
// strictly after the previous record so the pair never reads as ambiguous.
func (s *Store) supersede(req RecordRequest, latest []models.ConsentRecord) models.ConsentRecord {
	now := s.now().UTC()
	if len(latest) > 0 && !now.After(latest[0].RecordedAt) {
		now = latest[0].RecordedAt.Add(time.Microsecond)
	}

	rec := models.ConsentRecord{
		ID:             s.newID(),
		SubjectID:      req.SubjectID,
		Category:       req.Category,
		Granted:        req.Granted,
		ConsentVersion: req.ConsentVersion,
		RecordedAt:     now,
		RecordedBy:     req.Actor,
	}
	if req.Granted {
		rec.GrantedAt = &now
		return rec
	}
	rec.WithdrawnAt = &now
	if len(latest) > 0 && latest[0].Granted {
		rec.GrantedAt = latest[0].GrantedAt
		if rec.ConsentVersion == "" {
			rec.ConsentVersion = latest[0].ConsentVersion
		}
	}
	return rec
}

// ListSubjects reports the current record per subject and category.
// effectiveGrant matches Decide: a grant counts only without withdrawn_at and
// without a conflicting record at the same instant.
const effectiveGrant = `(latest.granted AND latest.withdrawn_at IS NULL AND NOT EXISTS (
			SELECT 1 FROM consent_records tie
			WHERE tie.subject_id = latest.subject_id AND tie.category = latest.category
				AND tie.recorded_at = latest.recorded_at AND tie.granted <> latest.granted))`

func (s *Store) ListSubjects(ctx context.Context, f AdminFilter) ([]models.SubjectConsents, error) {
	query := `
		SELECT id, subject_id, category, granted, consent_version, granted_at, withdrawn_at, recorded_at, recorded_by
		FROM (
			SELECT DISTINCT ON (subject_id, category) *
			FROM consent_records
			ORDER BY subject_id, category, recorded_at DESC, id DESC
		) latest
		WHERE 1=1`
	var args []interface{}
	if f.Category != "" {
		args = append(args, f.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if f.Granted != nil {
		args = append(args, *f.Granted)
		query += fmt.Sprintf(" AND %s = $%d", effectiveGrant, len(args))
	}
	query += " ORDER BY subject_id, category"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list consents: %w", err)
	}
	defer rows.Close()

	out := make([]models.SubjectConsents, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].SubjectID != rec.SubjectID {
			out = append(out, models.SubjectConsents{SubjectID: rec.SubjectID})
		}
		last := &out[len(out)-1]
		last.Consents = append(last.Consents, rec)
	}
	return out, rows.Err()
}
