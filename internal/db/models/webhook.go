package models

import (
	"strings"

	"gorm.io/gorm"
)

type WebhookEvent string

const (
	EventDocumentCompleted WebhookEvent = "DOCUMENT_COMPLETED"
	EventDocumentRejected  WebhookEvent = "DOCUMENT_REJECTED"
	EventDocumentSent      WebhookEvent = "DOCUMENT_SENT"
)

// WebhookEndpoint is a registered subscriber. SubscribedEvents is a
// comma-joined event list.
type WebhookEndpoint struct {
	gorm.Model
	OwnerScope       string `gorm:"index;not null"`
	URL              string `gorm:"not null"`
	Secret           string `gorm:"not null"`
	SubscribedEvents string `gorm:"not null"`
	// No column default: gorm would omit a zero-valued bool on insert
	// and a disabled endpoint could never be stored.
	Enabled          bool   `gorm:"not null"`
}

func (w *WebhookEndpoint) SubscribedTo(event WebhookEvent) bool {
	for _, e := range strings.Split(w.SubscribedEvents, ",") {
		if strings.TrimSpace(e) == string(event) {
			return true
		}
	}
	return false
}
