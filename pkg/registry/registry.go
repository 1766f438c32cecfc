// pkg/registry/registry.go
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"practice-rules-engine/internal/engine/registry"
	"practice-rules-engine/internal/engine/template"
	"practice-rules-engine/internal/models"
)

// Admin is the validated write path a catalog is imported through.
type Admin interface {
	SaveTemplate(ctx context.Context, tmpl models.Template) error
	SaveTrigger(ctx context.Context, def models.TriggerDefinition) error
}

// Seeder is an Admin that can tell which definitions are already stored.
type Seeder interface {
	Admin
	TemplateExists(ctx context.Context, id string) (bool, error)
	TriggerExists(ctx context.Context, id string) (bool, error)
}

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return &c, nil
}

func SaveCatalog(c *Catalog, path string) error {
	c.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog file: %w", err)
	}
	return nil
}

// Validate checks every entry offline: unique ids, valid templates, parseable
// conditions and recipient rules, and triggers naming a catalog template.
func Validate(c *Catalog) []error {
	var errs []error

	templates := make(map[string]bool, len(c.Templates))
	for _, tmpl := range c.Templates {
		if tmpl.ID == "" {
			errs = append(errs, fmt.Errorf("template missing required field: id"))
			continue
		}
		if templates[tmpl.ID] {
			errs = append(errs, fmt.Errorf("duplicate template id: %s", tmpl.ID))
		}
		templates[tmpl.ID] = true
		if tmpl.Format == "" {
			tmpl.Format = models.TemplateFormatText
		}
		if err := template.Validate(tmpl); err != nil {
			errs = append(errs, fmt.Errorf("template %s: %w", tmpl.ID, err))
		}
	}

	triggers := make(map[string]bool, len(c.Triggers))
	for _, def := range c.Triggers {
		if triggers[def.ID] {
			errs = append(errs, fmt.Errorf("duplicate trigger id: %s", def.ID))
		}
		triggers[def.ID] = true
		if err := registry.ValidateTrigger(def); err != nil {
			errs = append(errs, err)
			continue
		}
		if !templates[def.TemplateID] {
			errs = append(errs, fmt.Errorf("trigger %s references unknown template %s", def.ID, def.TemplateID))
		}
	}
	return errs
}

// Import writes templates before triggers so template references resolve.
// It stops at the first failure.
func Import(ctx context.Context, c *Catalog, admin Admin) (templates, triggers int, err error) {
	for _, tmpl := range c.Templates {
		if err := admin.SaveTemplate(ctx, tmpl); err != nil {
			return templates, triggers, fmt.Errorf("template %s: %w", tmpl.ID, err)
		}
		templates++
	}
	for _, def := range c.Triggers {
		if err := admin.SaveTrigger(ctx, def); err != nil {
			return templates, triggers, fmt.Errorf("trigger %s: %w", def.ID, err)
		}
		triggers++
	}
	return templates, triggers, nil
}

// Seed imports only the templates and triggers not stored yet. Stored
// definitions keep their admin edits and enabled flag.
func Seed(ctx context.Context, c *Catalog, admin Seeder) (templates, triggers int, err error) {
	for _, tmpl := range c.Templates {
		exists, err := admin.TemplateExists(ctx, tmpl.ID)
		if err != nil {
			return templates, triggers, fmt.Errorf("template %s: %w", tmpl.ID, err)
		}
		if exists {
			continue
		}
		if err := admin.SaveTemplate(ctx, tmpl); err != nil {
			return templates, triggers, fmt.Errorf("template %s: %w", tmpl.ID, err)
		}
		templates++
	}
	for _, def := range c.Triggers {
		exists, err := admin.TriggerExists(ctx, def.ID)
		if err != nil {
			return templates, triggers, fmt.Errorf("trigger %s: %w", def.ID, err)
		}
		if exists {
			continue
		}
		if err := admin.SaveTrigger(ctx, def); err != nil {
			return templates, triggers, fmt.Errorf("trigger %s: %w", def.ID, err)
		}
		triggers++
	}
	return templates, triggers, nil
}
