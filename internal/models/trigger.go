// internal/models/trigger.go
package models

import (
	"encoding/json"
	"time"
)

// TriggerDefinition binds an event type to a condition, a template and a recipient rule.
// Condition and RecipientRule hold their JSON wire form; the registry parses them.
type TriggerDefinition struct {
	ID            string          `json:"id"`
	EventType     string          `json:"eventType"`
	Condition     json.RawMessage `json:"condition"`
	TemplateID    string          `json:"templateId"`
	RecipientRule json.RawMessage `json:"recipientRule"`
	Enabled       bool            `json:"enabled"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

const (
	TemplateFormatText = "text"
	TemplateFormatHTML = "html"
)

// Template is a parameterized title and body for one notification category.
type Template struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Category string    `json:"category"`
	Format   string    `json:"format"`
	Updated  time.Time `json:"updatedAt"`
}
