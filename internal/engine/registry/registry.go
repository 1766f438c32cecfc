// Package registry stores trigger definitions and serves them, compiled, by event type.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "practice-rules-engine/internal/common/errors"
	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/engine/condition"
	"practice-rules-engine/internal/engine/recipients"
	"practice-rules-engine/internal/engine/template"
	"practice-rules-engine/internal/models"
)

// Entry is a stored trigger joined with its template.
type Entry struct {
	Trigger  models.TriggerDefinition `json:"trigger"`
	Template models.Template          `json:"template"`
}

// CompiledTrigger is a trigger ready for evaluation.
type CompiledTrigger struct {
	Definition models.TriggerDefinition
	Condition  condition.Expr
	Recipients recipients.Rule
	Template   models.Template
}

// Source loads the enabled definitions for an event type.
type Source interface {
	Definitions(ctx context.Context, eventType string) ([]Entry, error)
}

// Writer persists definitions. Callers validate before writing.
type Writer interface {
	UpsertTemplate(ctx context.Context, tmpl models.Template) error
	UpsertTrigger(ctx context.Context, def models.TriggerDefinition) error
	SetTriggerEnabled(ctx context.Context, id string, enabled bool) (string, error)
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	GetTrigger(ctx context.Context, id string) (*models.TriggerDefinition, error)
	ListTriggers(ctx context.Context) ([]models.TriggerDefinition, error)
}

// Invalidator drops cached definitions after writes.
type Invalidator interface {
	Invalidate(ctx context.Context, eventType string) error
	InvalidateAll(ctx context.Context) error
}

// Registry is the read path used by the dispatcher and the validated write path used by admin tooling.
type Registry struct {
	source Source
	writer Writer
	logger logger.Logger
	now    func() time.Time
}

func New(source Source, writer Writer, log logger.Logger) *Registry {
	return &Registry{
		source: source,
		writer: writer,
		logger: log.WithFields(map[string]interface{}{"component": "trigger-registry"}),
		now:    time.Now,
	}
}

// FindTriggers returns the enabled, compiled triggers for eventType.
// Infrastructure failure is REGISTRY_UNAVAILABLE and is fatal to the event.
func (r *Registry) FindTriggers(ctx context.Context, eventType string) ([]CompiledTrigger, error) {
	entries, err := r.source.Definitions(ctx, eventType)
	if err != nil {
		return nil, apperrors.NewRegistryUnavailableError(err)
	}

	out := make([]CompiledTrigger, 0, len(entries))
	for _, e := range entries {
		if !e.Trigger.Enabled {
			continue
		}
		compiled, err := Compile(e)
		if err != nil {
			// Writes are validated, so this only happens with hand-edited rows.
			r.logger.Error("stored trigger failed to compile; skipping", map[string]interface{}{
				"triggerId": e.Trigger.ID,
				"error":     err.Error(),
			})
			continue
		}
		out = append(out, compiled)
	}
	return out, nil
}

// Compile parses a stored entry.
func Compile(e Entry) (CompiledTrigger, error) {
	cond, err := condition.Parse(e.Trigger.Condition)
	if err != nil {
		return CompiledTrigger{}, err
	}
	rule, err := recipients.ParseRule(e.Trigger.RecipientRule)
	if err != nil {
		return CompiledTrigger{}, err
	}
	if err := template.Validate(e.Template); err != nil {
		return CompiledTrigger{}, err
	}
	return CompiledTrigger{Definition: e.Trigger, Condition: cond, Recipients: rule, Template: e.Template}, nil
}

// ValidateTrigger checks a definition without touching storage.
func ValidateTrigger(def models.TriggerDefinition) error {
	var problems []string
	if strings.TrimSpace(def.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(def.EventType) == "" {
		problems = append(problems, "eventType is required")
	}
	if strings.TrimSpace(def.TemplateID) == "" {
		problems = append(problems, "templateId is required")
	}
	if _, err := condition.Parse(def.Condition); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := recipients.ParseRule(def.RecipientRule); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return apperrors.NewTriggerDefinitionInvalidError(def.ID, fmt.Errorf("%s", strings.Join(problems, "; ")))
	}
	return nil
}

// SaveTemplate validates and stores a template.
func (r *Registry) SaveTemplate(ctx context.Context, tmpl models.Template) error {
	if tmpl.Format == "" {
		tmpl.Format = models.TemplateFormatText
	}
	if err := template.Validate(tmpl); err != nil {
		return err
	}
	if err := r.writer.UpsertTemplate(ctx, tmpl); err != nil {
		return apperrors.NewRegistryUnavailableError(err)
	}
	r.invalidateAll(ctx)
	r.logger.Info("template saved", map[string]interface{}{"templateId": tmpl.ID})
	return nil
}

// SaveTrigger validates and stores a trigger. Malformed definitions never reach storage.
func (r *Registry) SaveTrigger(ctx context.Context, def models.TriggerDefinition) error {
	if err := ValidateTrigger(def); err != nil {
		return err
	}

	tmpl, err := r.writer.GetTemplate(ctx, def.TemplateID)
	if err != nil {
		return apperrors.NewRegistryUnavailableError(err)
	}
	if tmpl == nil {
		return apperrors.NewTriggerDefinitionInvalidError(def.ID, apperrors.NewTemplateNotFoundError(def.TemplateID))
	}

	prev, err := r.writer.GetTrigger(ctx, def.ID)
	if err != nil {
		return apperrors.NewRegistryUnavailableError(err)
	}

	now := r.now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
		if prev != nil {
			def.CreatedAt = prev.CreatedAt
		}
	}
	def.UpdatedAt = now

	if err := r.writer.UpsertTrigger(ctx, def); err != nil {
		return apperrors.NewRegistryUnavailableError(err)
	}
	r.invalidate(ctx, def.EventType)
	if prev != nil && prev.EventType != def.EventType {
		r.invalidate(ctx, prev.EventType)
	}
	r.logger.Info("trigger saved", map[string]interface{}{
		"triggerId": def.ID,
		"eventType": def.EventType,
		"enabled":   def.Enabled,
	})
	return nil
}

// TemplateExists reports whether a template with id is stored.
func (r *Registry) TemplateExists(ctx context.Context, id string) (bool, error) {
	tmpl, err := r.writer.GetTemplate(ctx, id)
	if err != nil {
		return false, apperrors.NewRegistryUnavailableError(err)
	}
	return tmpl != nil, nil
}

// TriggerExists reports whether a trigger with id is stored, enabled or not.
func (r *Registry) TriggerExists(ctx context.Context, id string) (bool, error) {
	def, err := r.writer.GetTrigger(ctx, id)
	if err != nil {
		return false, apperrors.NewRegistryUnavailableError(err)
	}
	return def != nil, nil
}

// DisableTrigger stops a trigger from firing without deleting it.
func (r *Registry) DisableTrigger(ctx context.Context, id string) error {
	return r.setEnabled(ctx, id, false)
}

// EnableTrigger re-enables a disabled trigger.
func (r *Registry) EnableTrigger(ctx context.Context, id string) error {
	return r.setEnabled(ctx, id, true)
}

func (r *Registry) setEnabled(ctx context.Context, id string, enabled bool) error {
	eventType, err := r.writer.SetTriggerEnabled(ctx, id, enabled)
	if err != nil {
		return apperrors.NewRegistryUnavailableError(err)
	}
	if eventType == "" {
		return apperrors.NewTriggerNotFoundError(id)
	}
	r.invalidate(ctx, eventType)
	return nil
}

// GetTrigger returns one stored definition.
func (r *Registry) GetTrigger(ctx context.Context, id string) (*models.TriggerDefinition, error) {
	def, err := r.writer.GetTrigger(ctx, id)
	if err != nil {
		return nil, apperrors.NewRegistryUnavailableError(err)
	}
	if def == nil {
		return nil, apperrors.NewTriggerNotFoundError(id)
	}
	return def, nil
}

// ListTriggers returns every stored definition, enabled or not.
func (r *Registry) ListTriggers(ctx context.Context) ([]models.TriggerDefinition, error) {
	defs, err := r.writer.ListTriggers(ctx)
	if err != nil {
		return nil, apperrors.NewRegistryUnavailableError(err)
	}
	return defs, nil
}

func (r *Registry) invalidate(ctx context.Context, eventType string) {
	inv, ok := r.source.(Invalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(ctx, eventType); err != nil {
		r.logger.Warn("trigger cache invalidation failed", map[string]interface{}{
			"eventType": eventType,
			"error":     err.Error(),
		})
	}
}

func (r *Registry) invalidateAll(ctx context.Context) {
	inv, ok := r.source.(Invalidator)
	if !ok {
		return
	}
	if err := inv.InvalidateAll(ctx); err != nil {
		r.logger.Warn("trigger cache flush failed", map[string]interface{}{"error": err.Error()})
	}
}
