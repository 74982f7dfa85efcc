package models

import (
	"time"
)

type AuditEventType string

const (
	AuditFieldInserted      AuditEventType = "FIELD_INSERTED"
	AuditFieldPrefilled     AuditEventType = "FIELD_PREFILLED"
	AuditRecipientCompleted AuditEventType = "RECIPIENT_COMPLETED"
	AuditDocumentRejected   AuditEventType = "DOCUMENT_REJECTED"
	AuditDocumentCompleted  AuditEventType = "DOCUMENT_COMPLETED"
	AuditAccessAuth2FA      AuditEventType = "ACCESS_AUTH_2FA"
	AuditEmailSent          AuditEventType = "EMAIL_SENT"
	AuditEmailFailed        AuditEventType = "EMAIL_FAILED"
	AuditWebhookDelivered   AuditEventType = "WEBHOOK_DELIVERED"
	AuditWebhookFailed      AuditEventType = "WEBHOOK_FAILED"
	AuditEnvelopeSent       AuditEventType = "ENVELOPE_SENT"
	AuditSigningRequested   AuditEventType = "SIGNING_REQUESTED"
)

// AuditLogEntry is append-only and strictly ordered per envelope. Rows
// are created in the same transaction as the state change they document
// and are never mutated or deleted.
type AuditLogEntry struct {
	ID          uint           `gorm:"primaryKey"`
	EnvelopeID  string         `gorm:"index;not null"`
	Type        AuditEventType `gorm:"not null"`
	ActorEmail  string
	RecipientID string
	Detail      string    `gorm:"type:json"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}
