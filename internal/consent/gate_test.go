package consent

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/common/observability"
	"practice-rules-engine/internal/models"
)

var (
	fixedNow       = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	testCategories = []string{"ai_processing", "data_sharing"}
	consentColumns = []string{
		"id", "subject_id", "category", "granted", "consent_version", "granted_at", "withdrawn_at", "recorded_at", "recorded_by",
	}
)

type fakeAuditor struct {
	txEntries       []models.AuditEntry
	detachedEntries []models.AuditEntry
	mirrored        []models.AuditEntry
	txErr           error
	detachedErr     error
}

func (f *fakeAuditor) Append(_ context.Context, e models.AuditEntry) (*models.AuditEntry, error) {
	if f.detachedErr != nil {
		return nil, f.detachedErr
	}
	e.ID = "audit-detached"
	f.detachedEntries = append(f.detachedEntries, e)
	return &e, nil
}

func (f *fakeAuditor) AppendTx(_ context.Context, _ *sql.Tx, e models.AuditEntry) (*models.AuditEntry, error) {
	if f.txErr != nil {
		return nil, f.txErr
	}
	e.ID = "audit-tx"
	f.txEntries = append(f.txEntries, e)
	return &e, nil
}

func (f *fakeAuditor) Mirror(_ context.Context, e models.AuditEntry) {
	f.mirrored = append(f.mirrored, e)
}

func newTestGate(t *testing.T) (*Gate, *fakeAuditor, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	audit := &fakeAuditor{}
	g := NewGate(db, audit, testCategories, logger.NewTestLogger(t), observability.NewNoop())
	return g, audit, mock, db
}

func expectLatest(mock sqlmock.Sqlmock, lockFn, key string, rows *sqlmock.Rows) {
	mock.ExpectExec(lockFn + `\(hashtext\(\$1\)\)`).WithArgs(key).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM consent_records WHERE subject_id = \$1 AND category = \$2 ORDER BY recorded_at DESC, id DESC LIMIT 2`).
		WillReturnRows(rows)
}

var checkReq = CheckRequest{SubjectID: "s-1", Category: "ai_processing", Actor: "clinician-7", IPAddress: "10.0.0.5"}

func TestCheck_Granted(t *testing.T) {
	g, audit, mock, db := newTestGate(t)
	defer db.Close()

	mock.ExpectBegin()
	expectLatest(mock, "pg_advisory_xact_lock_shared", "s-1|ai_processing",
		sqlmock.NewRows(consentColumns).AddRow("c-2", "s-1", "ai_processing", true, "v3", fixedNow, nil, fixedNow, "admin"))
	mock.ExpectCommit()

	res := g.Check(context.Background(), checkReq)
	assert.Equal(t, Granted, res.Decision)
	assert.True(t, res.Granted())
	assert.Equal(t, "v3", res.ConsentVersion)
	assert.Equal(t, "audit-tx", res.AuditID)

	require.Len(t, audit.txEntries, 1)
	e := audit.txEntries[0]
	assert.Equal(t, models.AuditConsentCheck, e.Action)
	assert.Equal(t, "clinician-7", e.Actor)
	assert.Equal(t, "10.0.0.5", e.IPAddress)
	assert.Equal(t, "v3", e.ConsentVersion)
	assert.Equal(t, "granted", e.Detail["decision"])
	assert.Len(t, audit.mirrored, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheck_NoRecordIsDeniedAndAudited(t *testing.T) {
	g, audit, mock, db := newTestGate(t)
	defer db.Close()

	mock.ExpectBegin()
	expectLatest(mock, "pg_advisory_xact_lock_shared", "s-1|ai_processing", sqlmock.NewRows(consentColumns))
	mock.ExpectCommit()

	res := g.Check(context.Background(), checkReq)
	assert.Equal(t, Denied, res.Decision)
	assert.Equal(t, ReasonNoRecord, res.Reason)
	require.Len(t, audit.txEntries, 1)
	assert.Equal(t, "clinician-7", audit.txEntries[0].Actor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheck_AmbiguousIsDenied(t *testing.T) {
	g, _, mock, db := newTestGate(t)
	defer db.Close()

	mock.ExpectBegin()
	expectLatest(mock, "pg_advisory_xact_lock_shared", "s-1|ai_processing",
		sqlmock.NewRows(consentColumns).
			AddRow("c-2", "s-1", "ai_processing", true, "v3", fixedNow, nil, fixedNow, "admin").
			AddRow("c-1", "s-1", "ai_processing", false, "v3", nil, fixedNow, fixedNow, "admin"))
	mock.ExpectCommit()

	res := g.Check(context.Background(), checkReq)
	assert.Equal(t, Denied, res.Decision)
	assert.Equal(t, ReasonAmbiguous, res.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheck_UnknownCategory(t *testing.T) {
	g, audit, mock, db := newTestGate(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	res := g.Check(context.Background(), CheckRequest{SubjectID: "s-1", Category: "telepathy"})
	assert.Equal(t, Denied, res.Decision)
	assert.Equal(t, ReasonUnknownCategory, res.Reason)
	require.Len(t, audit.txEntries, 1)
	assert.Equal(t, "system", audit.txEntries[0].Actor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheck_ReadErrorIsDenied(t *testing.T) {
	g, audit, mock, db := newTestGate(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock_shared`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM consent_records`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	res := g.Check(context.Background(), checkReq)
	assert.Equal(t, Denied, res.Decision)
	assert.Equal(t, ReasonStoreUnavailable, res.Reason)
	assert.Empty(t, audit.txEntries)
	require.Len(t, audit.detachedEntries, 1)
	assert.Equal(t, "audit-detached", res.AuditID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheck_BeginErrorIsDenied(t *testing.T) {
	g, audit, mock, db := newTestGate(t)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	res := g.Check(context.Background(), checkReq)
	assert.Equal(t, Denied, res.Decision)
	assert.Equal(t, ReasonStoreUnavailable, res.Reason)
	assert.Len(t, audit.detachedEntries, 1)
}

func TestCheck_AuditFailureOverridesGrant(t *testing.T) {
	g, audit, mock, db := newTestGate(t)
	defer db.Close()
	audit.txErr = errors.New("audit table unavailable")

	mock.ExpectBegin()
	expectLatest(mock, "pg_advisory_xact_lock_shared", "s-1|ai_processing",
		sqlmock.NewRows(consentColumns).AddRow("c-2", "s-1", "ai_processing", true, "v3", fixedNow, nil, fixedNow, "admin"))
	mock.ExpectRollback()

	res := g.Check(context.Background(), checkReq)
	assert.Equal(t, Denied, res.Decision)
	assert.Equal(t, ReasonAuditFailed, res.Reason)
	assert.Empty(t, res.AuditID)
	assert.Empty(t, audit.mirrored)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheck_CommitFailureIsDenied(t *testing.T) {
	g, audit, mock, db := newTestGate(t)
	defer db.Close()

	mock.ExpectBegin()
	expectLatest(mock, "pg_advisory_xact_lock_shared", "s-1|ai_processing",
		sqlmock.NewRows(consentColumns).AddRow("c-2", "s-1", "ai_processing", true, "v3", fixedNow, nil, fixedNow, "admin"))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	res := g.Check(context.Background(), checkReq)
	assert.Equal(t, Denied, res.Decision)
	assert.Equal(t, ReasonAuditFailed, res.Reason)
	assert.Empty(t, audit.mirrored)
}
