package models

import (
	"time"

	"gorm.io/gorm"
)

type RecipientRole string

const (
	RoleSigner    RecipientRole = "SIGNER"
	RoleApprover  RecipientRole = "APPROVER"
	RoleViewer    RecipientRole = "VIEWER"
	RoleCC        RecipientRole = "CC"
	RoleAssistant RecipientRole = "ASSISTANT"
)

type SigningStatus string

const (
	StatusNotSigned SigningStatus = "NOT_SIGNED"
	StatusSigned    SigningStatus = "SIGNED"
	StatusRejected  SigningStatus = "REJECTED"
)

type SendStatus string

const (
	SendNotSent SendStatus = "NOT_SENT"
	SendSent    SendStatus = "SENT"
)

// Recipient is a named party on an envelope. AccessAuth/ActionAuth are
// comma-joined override lists; empty means inherit from the envelope.
// CC and VIEWER are never gated by signing order and are force-marked
// SIGNED at seal time.
type Recipient struct {
	gorm.Model
	ID              string        `gorm:"primaryKey"`
	EnvelopeID      string        `gorm:"index;not null"`
	Email           string        `gorm:"not null"`
	Name            string
	Role            RecipientRole `gorm:"not null;default:'SIGNER'"`
	// The token is the credential; it must never serialize into a view
	// another recipient can read.
	Token           string        `gorm:"uniqueIndex;not null" json:"-"`
	SigningStatus   SigningStatus `gorm:"not null;default:'NOT_SIGNED'"`
	SendStatus      SendStatus    `gorm:"not null;default:'NOT_SENT'"`
	SigningOrder    *int
	AccessAuth      string
	ActionAuth      string
	SignedAt        *time.Time
	RejectionReason string
}

// Passive reports whether the recipient never actively acts on the
// envelope (CC recipients, and viewers for order purposes).
func (r *Recipient) Passive() bool {
	return r.Role == RoleCC || r.Role == RoleViewer
}
