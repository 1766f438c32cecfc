// pkg/registry/schema.go
package registry

import "practice-rules-engine/internal/models"

// Catalog is the on-disk seed format for templates and triggers.
type Catalog struct {
	Version     string                     `json:"version"`
	LastUpdated string                     `json:"lastUpdated"`
	Templates   []models.Template          `json:"templates"`
	Triggers    []models.TriggerDefinition `json:"triggers"`
}

// Template returns the catalog template with id.
func (c *Catalog) Template(id string) (*models.Template, bool) {
	for i := range c.Templates {
		if c.Templates[i].ID == id {
			return &c.Templates[i], true
		}
	}
	return nil, false
}

// Trigger returns the catalog trigger with id.
func (c *Catalog) Trigger(id string) (*models.TriggerDefinition, bool) {
	for i := range c.Triggers {
		if c.Triggers[i].ID == id {
			return &c.Triggers[i], true
		}
	}
	return nil, false
}
