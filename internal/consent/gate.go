package consent

import (
	"context"
	"database/sql"
	"fmt"

	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/common/metrics"
	"practice-rules-engine/internal/common/observability"
	"practice-rules-engine/internal/models"
)

// Auditor is the slice of the audit log the consent package writes through.
type Auditor interface {
	Append(ctx context.Context, entry models.AuditEntry) (*models.AuditEntry, error)
	AppendTx(ctx context.Context, tx *sql.Tx, entry models.AuditEntry) (*models.AuditEntry, error)
	Mirror(ctx context.Context, entry models.AuditEntry)
}

// CheckRequest asks whether an action of a category may proceed for a subject.
type CheckRequest struct {
	SubjectID string `json:"subjectId"`
	Category  string `json:"category"`
	Actor     string `json:"actor,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
}

// Result is a consent decision with the state it was based on.
type Result struct {
	Decision       Decision `json:"-"`
	Category       string   `json:"category"`
	Reason         string   `json:"reason"`
	ConsentVersion string   `json:"consentVersion,omitempty"`
	AuditID        string   `json:"auditId,omitempty"`
}

func (r Result) Granted() bool { return r.Decision == Granted }

// Gate answers consent checks. Every check is audited; every failure denies.
type Gate struct {
	db         *sql.DB
	audit      Auditor
	categories map[string]struct{}
	logger     logger.Logger
	otel       *observability.Observability
}

func NewGate(db *sql.DB, audit Auditor, categories []string, log logger.Logger, otel *observability.Observability) *Gate {
	return &Gate{
		db:         db,
		audit:      audit,
		categories: categorySet(categories),
		logger:     log.WithFields(map[string]interface{}{"component": "consent-gate"}),
		otel:       otel,
	}
}

// Check never returns an error: infrastructure problems produce Denied.
func (g *Gate) Check(ctx context.Context, req CheckRequest) Result {
	res := g.check(ctx, req)

	metrics.ConsentDecisions.WithLabelValues(req.Category, res.Decision.String()).Inc()
	g.otel.RecordConsentCheck(ctx, req.Category, res.Decision.String())
	g.logger.Info("consent checked", map[string]interface{}{
		"subjectId": req.SubjectID,
		"category":  req.Category,
		"decision":  res.Decision.String(),
		"reason":    res.Reason,
	})
	return res
}

func (g *Gate) check(ctx context.Context, req CheckRequest) Result {
	res := Result{Decision: Denied, Category: req.Category}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		g.logger.Error("consent transaction failed to start", map[string]interface{}{"error": err.Error()})
		res.Reason = ReasonStoreUnavailable
		g.auditDetached(ctx, req, &res)
		return res
	}
	defer tx.Rollback()

	if !g.known(req.Category) {
		res.Reason = ReasonUnknownCategory
	} else {
		latest, err := latestRecords(ctx, tx, req.SubjectID, req.Category, sharedLock)
		if err != nil {
			g.logger.Error("consent read failed", map[string]interface{}{
				"subjectId": req.SubjectID,
				"category":  req.Category,
				"error":     err.Error(),
			})
			// The transaction is unusable after a failed statement.
			_ = tx.Rollback()
			res.Reason = ReasonStoreUnavailable
			g.auditDetached(ctx, req, &res)
			return res
		}
		res.Decision, res.Reason = Decide(latest)
		if len(latest) > 0 {
			res.ConsentVersion = latest[0].ConsentVersion
		}
	}

	entry, err := g.audit.AppendTx(ctx, tx, checkEntry(req, res))
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		g.logger.Error("consent audit failed", map[string]interface{}{
			"subjectId": req.SubjectID,
			"category":  req.Category,
			"error":     err.Error(),
		})
		return Result{Decision: Denied, Category: req.Category, Reason: ReasonAuditFailed, ConsentVersion: res.ConsentVersion}
	}

	g.audit.Mirror(ctx, *entry)
	res.AuditID = entry.ID
	return res
}

// auditDetached records a denial the transaction could not carry. A failure
// here leaves the decision Denied.
func (g *Gate) auditDetached(ctx context.Context, req CheckRequest, res *Result) {
	entry, err := g.audit.Append(ctx, checkEntry(req, *res))
	if err != nil {
		g.logger.Error("consent audit failed", map[string]interface{}{"subjectId": req.SubjectID, "error": err.Error()})
		return
	}
	res.AuditID = entry.ID
}

func (g *Gate) known(category string) bool {
	_, ok := g.categories[category]
	return ok
}

func checkEntry(req CheckRequest, res Result) models.AuditEntry {
	actor := req.Actor
	if actor == "" {
		actor = "system"
	}
	return models.AuditEntry{
		SubjectID:      req.SubjectID,
		Actor:          actor,
		Action:         models.AuditConsentCheck,
		IPAddress:      req.IPAddress,
		ConsentVersion: res.ConsentVersion,
		Detail: map[string]interface{}{
			"category": req.Category,
			"decision": res.Decision.String(),
			"reason":   res.Reason,
		},
	}
}

func categorySet(categories []string) map[string]struct{} {
	set := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}
	return set
}

type lockMode string

const (
	sharedLock    lockMode = "pg_advisory_xact_lock_shared"
	exclusiveLock lockMode = "pg_advisory_xact_lock"
)

// latestRecords locks the (subject, category) pair for the rest of the
// transaction and returns its two newest records.
func latestRecords(ctx context.Context, tx *sql.Tx, subjectID, category string, mode lockMode) ([]models.ConsentRecord, error) {
	if _, err := tx.ExecContext(ctx, "SELECT "+string(mode)+"(hashtext($1))", lockKey(subjectID, category)); err != nil {
		return nil, fmt.Errorf("lock consent %s/%s: %w", subjectID, category, err)
	}

	const query = `
		SELECT id, subject_id, category, granted, consent_version, granted_at, withdrawn_at, recorded_at, recorded_by
		FROM consent_records
		WHERE subject_id = $1 AND category = $2
		ORDER BY recorded_at DESC, id DESC
		LIMIT 2`

	rows, err := tx.QueryContext(ctx, query, subjectID, category)
	if err != nil {
		return nil, fmt.Errorf("read consent %s/%s: %w", subjectID, category, err)
	}
	defer rows.Close()

	var out []models.ConsentRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (models.ConsentRecord, error) {
	var r models.ConsentRecord
	var grantedAt, withdrawnAt sql.NullTime
	var recordedBy sql.NullString
	if err := s.Scan(&r.ID, &r.SubjectID, &r.Category, &r.Granted, &r.ConsentVersion,
		&grantedAt, &withdrawnAt, &r.RecordedAt, &recordedBy); err != nil {
		return r, fmt.Errorf("scan consent record: %w", err)
	}
	if grantedAt.Valid {
		t := grantedAt.Time
		r.GrantedAt = &t
	}
	if withdrawnAt.Valid {
		t := withdrawnAt.Time
		r.WithdrawnAt = &t
	}
	r.RecordedBy = recordedBy.String
	return r, nil
}
