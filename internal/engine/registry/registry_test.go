package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "practice-rules-engine/internal/common/errors"
	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/models"
)

// ==========================================
// Helpers
// ==========================================

const (
	overdueCondition = `{"kind":"compare","operator":"eq","field":"status","value":"overdue"}`
	assigneeRule     = `{"type":"event_field","path":"assigneeId"}`
)

func createTestTemplate() models.Template {
	return models.Template{ID: "task-overdue", Title: "Overdue", Body: "{{TASK_TITLE}} is overdue", Category: "task", Format: "text"}
}

func createTestTrigger(id string) models.TriggerDefinition {
	return models.TriggerDefinition{
		ID:            id,
		EventType:     "TaskOverdue",
		Condition:     json.RawMessage(overdueCondition),
		TemplateID:    "task-overdue",
		RecipientRule: json.RawMessage(assigneeRule),
		Enabled:       true,
	}
}

type memoryStore struct {
	mu        sync.Mutex
	templates map[string]models.Template
	triggers  map[string]models.TriggerDefinition
	loadErr   error
	loads     int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{templates: map[string]models.Template{}, triggers: map[string]models.TriggerDefinition{}}
}

func (m *memoryStore) Definitions(ctx context.Context, eventType string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	var out []Entry
	for _, t := range m.triggers {
		if t.EventType == eventType && t.Enabled {
			out = append(out, Entry{Trigger: t, Template: m.templates[t.TemplateID]})
		}
	}
	return out, nil
}

func (m *memoryStore) UpsertTemplate(ctx context.Context, tmpl models.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[tmpl.ID] = tmpl
	return nil
}

func (m *memoryStore) UpsertTrigger(ctx context.Context, def models.TriggerDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[def.ID] = def
	return nil
}

func (m *memoryStore) SetTriggerEnabled(ctx context.Context, id string, enabled bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return "", nil
	}
	t.Enabled = enabled
	m.triggers[id] = t
	return t.EventType, nil
}

func (m *memoryStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.templates[id]; ok {
		return &t, nil
	}
	return nil, nil
}

func (m *memoryStore) GetTrigger(ctx context.Context, id string) (*models.TriggerDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.triggers[id]; ok {
		return &t, nil
	}
	return nil, nil
}

func (m *memoryStore) ListTriggers(ctx context.Context) ([]models.TriggerDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TriggerDefinition
	for _, t := range m.triggers {
		out = append(out, t)
	}
	return out, nil
}

// ==========================================
// Registry
// ==========================================

func TestRegistry_SaveAndFind(t *testing.T) {
	store := newMemoryStore()
	reg := New(store, store, logger.NewTestLogger(t))
	ctx := context.Background()

	require.NoError(t, reg.SaveTemplate(ctx, createTestTemplate()))
	require.NoError(t, reg.SaveTrigger(ctx, createTestTrigger("t1")))

	found, err := reg.FindTriggers(ctx, "TaskOverdue")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "t1", found[0].Definition.ID)
	assert.Equal(t, "task-overdue", found[0].Template.ID)
	assert.False(t, found[0].Definition.CreatedAt.IsZero())

	none, err := reg.FindTriggers(ctx, "SomethingElse")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRegistry_SaveTriggerRejectsInvalid(t *testing.T) {
	store := newMemoryStore()
	reg := New(store, store, logger.NewNoOpLogger())
	ctx := context.Background()
	require.NoError(t, reg.SaveTemplate(ctx, createTestTemplate()))

	tests := []struct {
		name   string
		mutate func(*models.TriggerDefinition)
	}{
		{"missing id", func(d *models.TriggerDefinition) { d.ID = "" }},
		{"missing event type", func(d *models.TriggerDefinition) { d.EventType = "" }},
		{"malformed condition", func(d *models.TriggerDefinition) { d.Condition = json.RawMessage(`{"kind":"not","children":[]}`) }},
		{"malformed recipient rule", func(d *models.TriggerDefinition) { d.RecipientRule = json.RawMessage(`{"type":"all"}`) }},
		{"unknown template", func(d *models.TriggerDefinition) { d.TemplateID = "missing" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := createTestTrigger("bad")
			tt.mutate(&def)
			err := reg.SaveTrigger(ctx, def)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTriggerDefinitionInvalid), err.Error())
		})
	}
	assert.Empty(t, store.triggers, "nothing invalid is stored")
}

func TestRegistry_SaveTemplateRejectsInvalid(t *testing.T) {
	store := newMemoryStore()
	reg := New(store, store, logger.NewNoOpLogger())

	tmpl := createTestTemplate()
	tmpl.Body = "{{BROKEN"
	err := reg.SaveTemplate(context.Background(), tmpl)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTemplateInvalid))
}

func TestRegistry_DisableTrigger(t *testing.T) {
	store := newMemoryStore()
	reg := New(store, store, logger.NewNoOpLogger())
	ctx := context.Background()
	require.NoError(t, reg.SaveTemplate(ctx, createTestTemplate()))
	require.NoError(t, reg.SaveTrigger(ctx, createTestTrigger("t1")))

	require.NoError(t, reg.DisableTrigger(ctx, "t1"))
	found, err := reg.FindTriggers(ctx, "TaskOverdue")
	require.NoError(t, err)
	assert.Empty(t, found)

	err = reg.DisableTrigger(ctx, "nope")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTriggerNotFound))

	require.NoError(t, reg.EnableTrigger(ctx, "t1"))
	def, err := reg.GetTrigger(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, def.Enabled)
}

func TestRegistry_FindTriggersSkipsUncompilable(t *testing.T) {
	store := newMemoryStore()
	store.templates["task-overdue"] = createTestTemplate()
	store.triggers["good"] = createTestTrigger("good")
	broken := createTestTrigger("broken")
	broken.Condition = json.RawMessage(`{"kind":"compare"}`)
	store.triggers["broken"] = broken

	reg := New(store, store, logger.NewNoOpLogger())
	found, err := reg.FindTriggers(context.Background(), "TaskOverdue")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "good", found[0].Definition.ID)
}

func TestRegistry_FindTriggersUnavailable(t *testing.T) {
	store := newMemoryStore()
	store.loadErr = errors.New("connection refused")
	reg := New(store, store, logger.NewNoOpLogger())

	_, err := reg.FindTriggers(context.Background(), "TaskOverdue")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRegistryUnavailable))
	assert.True(t, apperrors.IsRetryable(err))
}

// ==========================================
// CachedSource
// ==========================================

func TestCachedSource(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := newMemoryStore()
	store.templates["task-overdue"] = createTestTemplate()
	store.triggers["t1"] = createTestTrigger("t1")

	cache := NewCachedSource(store, client, time.Minute, logger.NewTestLogger(t))
	ctx := context.Background()

	first, err := cache.Definitions(ctx, "TaskOverdue")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.True(t, mr.Exists("triggers:TaskOverdue"))

	second, err := cache.Definitions(ctx, "TaskOverdue")
	require.NoError(t, err)
	assert.Equal(t, 1, store.loads, "second read is served from cache")
	assert.JSONEq(t, string(first[0].Trigger.Condition), string(second[0].Trigger.Condition))

	require.NoError(t, cache.Invalidate(ctx, "TaskOverdue"))
	assert.False(t, mr.Exists("triggers:TaskOverdue"))

	_, err = cache.Definitions(ctx, "TaskOverdue")
	require.NoError(t, err)
	_, err = cache.Definitions(ctx, "Other")
	require.NoError(t, err)
	require.NoError(t, cache.InvalidateAll(ctx))
	assert.Empty(t, mr.Keys())
}

func TestCachedSource_RedisDownFallsThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	store := newMemoryStore()
	store.templates["task-overdue"] = createTestTemplate()
	store.triggers["t1"] = createTestTrigger("t1")

	cache := NewCachedSource(store, client, time.Minute, logger.NewNoOpLogger())
	entries, err := cache.Definitions(context.Background(), "TaskOverdue")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCachedSource_RedisErrors(t *testing.T) {
	store := newMemoryStore()
	store.templates["task-overdue"] = createTestTemplate()
	store.triggers["t1"] = createTestTrigger("t1")
	want, err := json.Marshal([]Entry{{Trigger: store.triggers["t1"], Template: store.templates["task-overdue"]}})
	require.NoError(t, err)

	t.Run("undecodable entry is reloaded", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		mock.ExpectGet("triggers:TaskOverdue").SetVal("not-json")
		mock.ExpectSet("triggers:TaskOverdue", want, time.Minute).SetVal("OK")

		cache := NewCachedSource(store, client, time.Minute, logger.NewNoOpLogger())
		entries, err := cache.Definitions(context.Background(), "TaskOverdue")
		require.NoError(t, err)
		assert.Len(t, entries, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("write failure still returns definitions", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		mock.ExpectGet("triggers:TaskOverdue").RedisNil()
		mock.ExpectSet("triggers:TaskOverdue", want, time.Minute).SetErr(errors.New("READONLY"))

		cache := NewCachedSource(store, client, time.Minute, logger.NewNoOpLogger())
		entries, err := cache.Definitions(context.Background(), "TaskOverdue")
		require.NoError(t, err)
		assert.Len(t, entries, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("scan failure fails invalidation", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		mock.ExpectScan(0, "triggers:*", 100).SetErr(errors.New("connection reset"))

		cache := NewCachedSource(store, client, time.Minute, logger.NewNoOpLogger())
		err := cache.InvalidateAll(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scan trigger cache")
	})
}

func TestRegistry_WriteInvalidatesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := newMemoryStore()
	cache := NewCachedSource(store, client, time.Minute, logger.NewNoOpLogger())
	reg := New(cache, store, logger.NewNoOpLogger())
	ctx := context.Background()

	require.NoError(t, reg.SaveTemplate(ctx, createTestTemplate()))
	require.NoError(t, reg.SaveTrigger(ctx, createTestTrigger("t1")))
	found, err := reg.FindTriggers(ctx, "TaskOverdue")
	require.NoError(t, err)
	require.Len(t, found, 1)

	require.NoError(t, reg.DisableTrigger(ctx, "t1"))
	found, err = reg.FindTriggers(ctx, "TaskOverdue")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestRegistry_MovedTriggerLeavesOldEventType(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := newMemoryStore()
	cache := NewCachedSource(store, client, time.Minute, logger.NewNoOpLogger())
	reg := New(cache, store, logger.NewNoOpLogger())
	ctx := context.Background()

	require.NoError(t, reg.SaveTemplate(ctx, createTestTemplate()))
	require.NoError(t, reg.SaveTrigger(ctx, createTestTrigger("t1")))
	found, err := reg.FindTriggers(ctx, "TaskOverdue")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.True(t, mr.Exists("triggers:TaskOverdue"))
	created := store.triggers["t1"].CreatedAt

	moved := createTestTrigger("t1")
	moved.EventType = "TaskCompleted"
	require.NoError(t, reg.SaveTrigger(ctx, moved))

	assert.False(t, mr.Exists("triggers:TaskOverdue"))
	found, err = reg.FindTriggers(ctx, "TaskOverdue")
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = reg.FindTriggers(ctx, "TaskCompleted")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, created, found[0].Definition.CreatedAt)
}

func TestRegistry_Exists(t *testing.T) {
	store := newMemoryStore()
	reg := New(store, store, logger.NewNoOpLogger())
	ctx := context.Background()

	ok, err := reg.TriggerExists(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, reg.SaveTemplate(ctx, createTestTemplate()))
	require.NoError(t, reg.SaveTrigger(ctx, createTestTrigger("t1")))

	ok, err = reg.TemplateExists(ctx, "task-overdue")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = reg.TriggerExists(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
}

// ==========================================
// PgStore
// ==========================================

func TestPgStore_Definitions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM trigger_definitions t JOIN notification_templates p`).
		WithArgs("TaskOverdue").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "event_type", "condition", "template_id", "recipient_rule", "enabled", "created_at", "updated_at",
			"pid", "title", "body", "category", "format", "pupdated",
		}).AddRow("t1", "TaskOverdue", []byte(overdueCondition), "task-overdue", []byte(assigneeRule), true, now, now,
			"task-overdue", "Overdue", "{{TASK_TITLE}} is overdue", "task", "text", now))

	entries, err := NewPgStore(db).Definitions(context.Background(), "TaskOverdue")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, overdueCondition, string(entries[0].Trigger.Condition))
	assert.Equal(t, "task", entries[0].Template.Category)

	_, err = Compile(entries[0])
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_Writes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPgStore(db)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO notification_templates`).
		WithArgs("task-overdue", "Overdue", "{{TASK_TITLE}} is overdue", "task", "text").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpsertTemplate(ctx, createTestTemplate()))

	def := createTestTrigger("t1")
	mock.ExpectExec(`INSERT INTO trigger_definitions`).
		WithArgs("t1", "TaskOverdue", []byte(overdueCondition), "task-overdue", []byte(assigneeRule), true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpsertTrigger(ctx, def))

	mock.ExpectQuery(`UPDATE trigger_definitions SET enabled`).
		WithArgs("missing", false).
		WillReturnRows(sqlmock.NewRows([]string{"event_type"}))
	eventType, err := store.SetTriggerEnabled(ctx, "missing", false)
	require.NoError(t, err)
	assert.Empty(t, eventType)

	mock.ExpectQuery(`SELECT id, title, body, category, format, updated_at FROM notification_templates`).
		WithArgs("nope").
		WillReturnError(errors.New("boom"))
	_, err = store.GetTemplate(ctx, "nope")
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}
