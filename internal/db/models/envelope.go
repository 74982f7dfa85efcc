package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

type EnvelopeStatus string

const (
	EnvelopeDraft     EnvelopeStatus = "DRAFT"
	EnvelopePending   EnvelopeStatus = "PENDING"
	EnvelopeCompleted EnvelopeStatus = "COMPLETED"
	EnvelopeRejected  EnvelopeStatus = "REJECTED"
)

type EnvelopeType string

const (
	EnvelopeDocument EnvelopeType = "DOCUMENT"
	EnvelopeTemplate EnvelopeType = "TEMPLATE"
)

type SigningOrderMode string

const (
	OrderSequential SigningOrderMode = "SEQUENTIAL"
	OrderParallel   SigningOrderMode = "PARALLEL"
)

type AuthMethod string

const (
	AuthAccount      AuthMethod = "ACCOUNT"
	AuthPasskey      AuthMethod = "PASSKEY"
	AuthTwoFactor    AuthMethod = "TWO_FACTOR_AUTH"
	AuthPassword     AuthMethod = "PASSWORD"
	AuthExplicitNone AuthMethod = "EXPLICIT_NONE"
)

// Envelope is the aggregate signing unit. Status only moves forward:
// DRAFT -> PENDING -> COMPLETED | REJECTED. The terminal flip happens
// exclusively inside the sealing transaction.
type Envelope struct {
	gorm.Model
	ID               string         `gorm:"primaryKey"`
	ExternalID       string         `gorm:"index"`
	Title            string         `gorm:"not null"`
	Type             EnvelopeType   `gorm:"not null;default:'DOCUMENT'"`
	Status           EnvelopeStatus `gorm:"not null;default:'DRAFT'"`
	GlobalAccessAuth string
	GlobalActionAuth string
	SigningOrder     SigningOrderMode `gorm:"not null;default:'PARALLEL'"`
	Language         string           `gorm:"default:'en'"`
	Timezone         string           `gorm:"default:'UTC'"`
	DateFormat       string           `gorm:"default:'2006-01-02 15:04'"`
	RedirectURL      string
	ReminderInterval int
	CompletedAt      *time.Time
	RejectionReason  string
	Items            []EnvelopeItem  `gorm:"foreignKey:EnvelopeID"`
	Recipients       []Recipient     `gorm:"foreignKey:EnvelopeID"`
	AuditLog         []AuditLogEntry `gorm:"foreignKey:EnvelopeID"`
}

// JoinMethods and SplitMethods map auth method lists onto the
// comma-joined column representation. An empty list round-trips to "".
func JoinMethods(methods []AuthMethod) string {
	parts := make([]string, len(methods))
	for i, m := range methods {
		parts[i] = string(m)
	}
	return strings.Join(parts, ",")
}

func SplitMethods(raw string) []AuthMethod {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	methods := make([]AuthMethod, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			methods = append(methods, AuthMethod(p))
		}
	}
	return methods
}
