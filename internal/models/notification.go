// internal/models/notification.go
package models

import "time"

// Notification is one message addressed to one recipient.
// IsRead is always derived from ReadAt.
type Notification struct {
	ID              string     `json:"id"`
	RecipientID     string     `json:"recipientId"`
	Title           string     `json:"title"`
	Message         string     `json:"message"`
	Category        string     `json:"category"`
	SourceTriggerID string     `json:"sourceTriggerId"`
	EventRef        string     `json:"eventRef"`
	CreatedAt       time.Time  `json:"createdAt"`
	IsRead          bool       `json:"isRead"`
	ReadAt          *time.Time `json:"readAt,omitempty"`
}

// DeliveryChannel is an external channel a notification may be pushed through.
type DeliveryChannel string

const (
	ChannelEmail   DeliveryChannel = "email"
	ChannelSMS     DeliveryChannel = "sms"
	ChannelWebhook DeliveryChannel = "webhook"
)

// Contact is how a user is reached outside the application.
type Contact struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	WebhookURL  string `json:"webhookUrl,omitempty"`
}
