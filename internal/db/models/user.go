package models

import (
	"time"

	"gorm.io/gorm"
)

// User is an account used for ACCOUNT, TWO_FACTOR_AUTH and PASSKEY
// authorization of recipient actions.
type User struct {
	gorm.Model
	Email        string `gorm:"unique;not null"`
	Name         string
	PasswordHash string
	TOTPSecret   string
	TOTPEnabled  bool `gorm:"not null;default:false"`
	ActiveStatus bool `gorm:"not null;default:true"`
	LastLogin    time.Time
	Passkeys     []PasskeyCredential `gorm:"foreignKey:UserID"`
}

type PasskeyCredential struct {
	gorm.Model
	UserID       uint   `gorm:"index;not null"`
	CredentialID []byte `gorm:"type:bytea;not null"`
	PublicKey    []byte `gorm:"type:bytea;not null"`
	AAGUID       []byte `gorm:"type:bytea"`
	SignCount    uint32 `gorm:"not null;default:0"`
	Transports   string
	LastUsedAt   *time.Time
}

// AccountSession binds an opaque token to a logged-in account. The
// token is presented in the X-Session-Token header; a bare email
// assertion never identifies an account.
type AccountSession struct {
	gorm.Model
	Token     string `gorm:"uniqueIndex;not null" json:"-"`
	UserID    uint   `gorm:"index;not null"`
	ExpiresAt time.Time
}

// PasskeyChallenge is an issued assertion challenge, referenced by an
// opaque token. Consumed exactly once; expiry enforced at verify time
// independent of any request deadline.
type PasskeyChallenge struct {
	gorm.Model
	Token       string `gorm:"uniqueIndex;not null"`
	UserID      uint   `gorm:"index;not null"`
	SessionData string `gorm:"type:json;not null"`
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
}
