package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"practice-rules-engine/internal/audit"
	"practice-rules-engine/internal/common/config"
	apperrors "practice-rules-engine/internal/common/errors"
	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/consent"
	"practice-rules-engine/internal/models"
	"practice-rules-engine/internal/notifications"
)

type fakeEvents struct {
	got []models.Event
	err error
}

func (f *fakeEvents) Submit(ctx context.Context, e models.Event) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.got = append(f.got, e)
	return "evt_1", nil
}

type fakeNotifications struct {
	list        []models.Notification
	filter      notifications.Filter
	recipientID string
	markErr     error
}

func (f *fakeNotifications) List(ctx context.Context, recipientID string, fl notifications.Filter) ([]models.Notification, error) {
	f.recipientID = recipientID
	f.filter = fl
	return f.list, nil
}

func (f *fakeNotifications) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	f.recipientID = recipientID
	return 3, nil
}

func (f *fakeNotifications) MarkRead(ctx context.Context, id, recipientID string) error {
	f.recipientID = recipientID
	return f.markErr
}

func (f *fakeNotifications) MarkAllRead(ctx context.Context, recipientID string) (int64, time.Time, error) {
	f.recipientID = recipientID
	return 2, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), nil
}

type fakeGate struct {
	req consent.CheckRequest
	res consent.Result
}

func (f *fakeGate) Check(ctx context.Context, req consent.CheckRequest) consent.Result {
	f.req = req
	return f.res
}

type fakeConsents struct {
	req      consent.RecordRequest
	filter   consent.AdminFilter
	err      error
	subjects []models.SubjectConsents
}

func (f *fakeConsents) Record(ctx context.Context, req consent.RecordRequest) (*models.ConsentRecord, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &models.ConsentRecord{ID: "c1", SubjectID: req.SubjectID, Category: req.Category, Granted: req.Granted}, nil
}

func (f *fakeConsents) ListSubjects(ctx context.Context, fl consent.AdminFilter) ([]models.SubjectConsents, error) {
	f.filter = fl
	return f.subjects, nil
}

type fakeAudit struct {
	query   audit.Query
	entries []models.AuditEntry
}

func (f *fakeAudit) List(ctx context.Context, q audit.Query) ([]models.AuditEntry, error) {
	f.query = q
	return f.entries, nil
}

type fakeSearch struct {
	query audit.Query
}

func (f *fakeSearch) Search(ctx context.Context, q audit.Query) ([]models.AuditEntry, int64, error) {
	f.query = q
	return []models.AuditEntry{{ID: "a9", Action: models.AuditConsentCheck}}, 42, nil
}

type fakeRegistry struct {
	triggers map[string]models.TriggerDefinition
	saveErr  error
	disabled []string
}

func (f *fakeRegistry) SaveTemplate(ctx context.Context, tmpl models.Template) error {
	if tmpl.Body == "" {
		return apperrors.NewTemplateInvalidError("body is required")
	}
	return nil
}

func (f *fakeRegistry) SaveTrigger(ctx context.Context, def models.TriggerDefinition) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.triggers[def.ID] = def
	return nil
}

func (f *fakeRegistry) DisableTrigger(ctx context.Context, id string) error {
	if _, ok := f.triggers[id]; !ok {
		return apperrors.NewTriggerNotFoundError(id)
	}
	f.disabled = append(f.disabled, id)
	return nil
}

func (f *fakeRegistry) EnableTrigger(ctx context.Context, id string) error {
	if _, ok := f.triggers[id]; !ok {
		return apperrors.NewTriggerNotFoundError(id)
	}
	return nil
}

func (f *fakeRegistry) GetTrigger(ctx context.Context, id string) (*models.TriggerDefinition, error) {
	def, ok := f.triggers[id]
	if !ok {
		return nil, apperrors.NewTriggerNotFoundError(id)
	}
	return &def, nil
}

func (f *fakeRegistry) ListTriggers(ctx context.Context) ([]models.TriggerDefinition, error) {
	var out []models.TriggerDefinition
	for _, d := range f.triggers {
		out = append(out, d)
	}
	return out, nil
}

type fixture struct {
	server   *Server
	events   *fakeEvents
	notifs   *fakeNotifications
	gate     *fakeGate
	consents *fakeConsents
	audit    *fakeAudit
	search   *fakeSearch
	registry *fakeRegistry
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		events:   &fakeEvents{},
		notifs:   &fakeNotifications{},
		gate:     &fakeGate{},
		consents: &fakeConsents{},
		audit:    &fakeAudit{},
		search:   &fakeSearch{},
		registry: &fakeRegistry{triggers: map[string]models.TriggerDefinition{}},
	}
	f.server = New(Config{
		Events:        f.events,
		Notifications: f.notifs,
		Consent:       f.gate,
		Consents:      f.consents,
		Audit:         f.audit,
		AuditSearch:   f.search,
		Registry:      f.registry,
		Ready: map[string]ReadyCheck{
			"postgres": func(ctx context.Context) error { return nil },
		},
		Logger: logger.NewTestLogger(t),
	})
	return f
}

func (f *fixture) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["ready"])
}

func TestReadyReportsFailingDependency(t *testing.T) {
	f := newFixture(t)
	f.server.cfg.Ready["redis"] = func(ctx context.Context) error { return errors.New("connection refused") }

	w := f.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode(t, w)
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "connection refused", checks["redis"])
	assert.Equal(t, "ok", checks["postgres"])
}

func TestSubmitEvent(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/events",
		`{"eventType":"TaskOverdue","subjectId":"task-1","context":{"assigneeId":"u1","daysOverdue":3}}`,
		map[string]string{ActorHeader: "scheduler"})

	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "evt_1", body["eventRef"])

	require.Len(t, f.events.got, 1)
	got := f.events.got[0]
	assert.Equal(t, "TaskOverdue", got.EventType)
	assert.Equal(t, "scheduler", got.SubmittedBy)
	assert.Equal(t, json.Number("3"), got.Context["daysOverdue"])
}

func TestSubmitEventErrors(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/events", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.events.err = apperrors.NewEventInvalidError("missing eventType")
	w = f.do(http.MethodPost, "/api/v1/events", `{"subjectId":"s"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "EVENT_INVALID", decode(t, w)["code"])

	f.events.err = apperrors.NewDatabaseConnectionFailedError(errors.New("down"))
	w = f.do(http.MethodPost, "/api/v1/events", `{"eventType":"X","subjectId":"s"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, true, decode(t, w)["retryable"])
}

func TestListNotifications(t *testing.T) {
	f := newFixture(t)
	f.notifs.list = []models.Notification{{ID: "n1", RecipientID: "u1", Title: "Task overdue"}}

	w := f.do(http.MethodGet, "/api/v1/notifications?recipientId=u1&unreadOnly=true&limit=10&offset=5", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", f.notifs.recipientID)
	assert.Equal(t, notifications.Filter{UnreadOnly: true, Limit: 10, Offset: 5}, f.notifs.filter)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

func TestListNotificationsFallsBackToActor(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/notifications", "", map[string]string{ActorHeader: "u7"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u7", f.notifs.recipientID)

	body := decode(t, w)
	assert.Equal(t, []interface{}{}, body["notifications"])
}

func TestListNotificationsRequiresRecipient(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/v1/notifications", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnreadCountAndMarkAllRead(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/notifications/unread-count?recipientId=u1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), decode(t, w)["count"])

	w = f.do(http.MethodPut, "/api/v1/notifications/mark-all-read?recipientId=u1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["updated"])
	assert.Equal(t, "2024-06-01T12:00:00Z", body["cutoff"])
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPut, "/api/v1/notifications/n1/read", "", map[string]string{ActorHeader: "u1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", f.notifs.recipientID)

	f.notifs.markErr = apperrors.NewNotificationNotFoundError("n2")
	w = f.do(http.MethodPut, "/api/v1/notifications/n2/read", "", map[string]string{ActorHeader: "u1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOTIFICATION_NOT_FOUND", decode(t, w)["code"])
}

func TestCheckConsent(t *testing.T) {
	f := newFixture(t)
	f.gate.res = consent.Result{Decision: consent.Granted, Category: "sms", Reason: consent.ReasonGranted, ConsentVersion: "v2"}

	w := f.do(http.MethodPost, "/api/v1/consent/check", `{"subjectId":"p1","category":"sms"}`,
		map[string]string{ActorHeader: "clinician-7"})

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "granted", body["decision"])
	assert.Equal(t, true, body["granted"])
	assert.Equal(t, "v2", body["consentVersion"])
	assert.Equal(t, "clinician-7", f.gate.req.Actor)
	assert.NotEmpty(t, f.gate.req.IPAddress)
}

func TestCheckConsentDeniedIsStillOK(t *testing.T) {
	f := newFixture(t)
	f.gate.res = consent.Result{Category: "sms", Reason: consent.ReasonStoreUnavailable}

	w := f.do(http.MethodPost, "/api/v1/consent/check", `{"subjectId":"p1","category":"sms"}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "denied", body["decision"])
	assert.Equal(t, false, body["granted"])
}

func TestCheckConsentValidatesBody(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/v1/consent/check", `{"subjectId":"p1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordConsent(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/consent",
		`{"subjectId":"p1","category":"sms","granted":true,"consentVersion":"v3"}`,
		map[string]string{ActorHeader: "front-desk"})

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "front-desk", f.consents.req.Actor)
	assert.Equal(t, "v3", f.consents.req.ConsentVersion)
	assert.Equal(t, "c1", decode(t, w)["id"])
}

func TestRecordConsentValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/consent", `{"subjectId":"p1","category":"sms","granted":true}`,
		map[string]string{ActorHeader: "front-desk"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/consent", `{"subjectId":"p1","category":"sms","granted":false}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.consents.err = apperrors.NewConsentCategoryUnknownError("fax")
	w = f.do(http.MethodPost, "/api/v1/consent", `{"subjectId":"p1","category":"fax","granted":false}`,
		map[string]string{ActorHeader: "front-desk"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "CONSENT_CATEGORY_UNKNOWN", decode(t, w)["code"])
}

func TestListConsents(t *testing.T) {
	f := newFixture(t)
	f.consents.subjects = []models.SubjectConsents{{SubjectID: "p1"}}

	w := f.do(http.MethodGet, "/api/v1/admin/consents?category=sms&granted=false", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sms", f.consents.filter.Category)
	require.NotNil(t, f.consents.filter.Granted)
	assert.False(t, *f.consents.filter.Granted)
	var got []models.SubjectConsents
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].SubjectID)

	f.consents.subjects = nil
	w = f.do(http.MethodGet, "/api/v1/admin/consents", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = f.do(http.MethodGet, "/api/v1/admin/consents?granted=maybe", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAuditFromDatabase(t *testing.T) {
	f := newFixture(t)
	f.audit.entries = []models.AuditEntry{{ID: "a1"}, {ID: "a2"}}

	w := f.do(http.MethodGet, "/api/v1/admin/audit?subjectId=p1&action=consent.check&limit=2&from=2024-01-01T00:00:00Z", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "p1", f.audit.query.SubjectID)
	assert.Equal(t, "consent.check", f.audit.query.Action)
	assert.Equal(t, 2, f.audit.query.Limit)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), f.audit.query.From)
	body := decode(t, w)
	assert.Equal(t, "database", body["source"])
	assert.Equal(t, float64(2), body["total"])
}

func TestListAuditFromIndex(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/admin/audit?source=index&subjectId=p1", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "p1", f.search.query.SubjectID)
	body := decode(t, w)
	assert.Equal(t, "index", body["source"])
	assert.Equal(t, float64(42), body["total"])
}

func TestListAuditRejectsBadTime(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/v1/admin/audit?to=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerAdmin(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/admin/triggers",
		`{"id":"t1","eventType":"TaskOverdue","templateId":"tpl","condition":{"field":"daysOverdue","op":"gt","value":1},"recipientRule":{"type":"event_field","path":"assigneeId"},"enabled":true}`,
		nil)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Contains(t, f.registry.triggers, "t1")
	assert.JSONEq(t, `{"field":"daysOverdue","op":"gt","value":1}`, string(f.registry.triggers["t1"].Condition))

	w = f.do(http.MethodGet, "/api/v1/admin/triggers/t1", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/v1/admin/triggers", "", nil)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = f.do(http.MethodDelete, "/api/v1/admin/triggers/t1", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"t1"}, f.registry.disabled)

	w = f.do(http.MethodDelete, "/api/v1/admin/triggers/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPut, "/api/v1/admin/triggers/t1/enable", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSaveTriggerInvalid(t *testing.T) {
	f := newFixture(t)
	f.registry.saveErr = apperrors.NewTriggerDefinitionInvalidError("t1", errors.New("eventType is required"))

	w := f.do(http.MethodPost, "/api/v1/admin/triggers", `{"id":"t1"}`, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "TRIGGER_DEFINITION_INVALID", decode(t, w)["code"])
}

func TestSaveTemplate(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/admin/templates", `{"id":"tpl","title":"Overdue","body":"{{title}} is late"}`, nil)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = f.do(http.MethodPost, "/api/v1/admin/templates", `{"id":"tpl","title":"Overdue"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnexpectedErrorIsInternal(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("boom")

	w := f.do(http.MethodPost, "/api/v1/events", `{"eventType":"X","subjectId":"s"}`, nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decode(t, w)["code"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORS(t *testing.T) {
	srv := New(Config{
		Server:   config.ServerConfig{AllowedOrigins: []string{"https://practice.example"}},
		Events:   &fakeEvents{},
		Registry: &fakeRegistry{triggers: map[string]models.TriggerDefinition{}},
		Logger:   logger.NewNoOpLogger(),
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/events", nil)
	req.Header.Set("Origin", "https://practice.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "https://practice.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
