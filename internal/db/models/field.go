package models

import (
	"time"

	"gorm.io/gorm"
)

type FieldType string

const (
	FieldSignature FieldType = "SIGNATURE"
	FieldText      FieldType = "TEXT"
	FieldNumber    FieldType = "NUMBER"
	FieldDate      FieldType = "DATE"
	FieldCheckbox  FieldType = "CHECKBOX"
	FieldRadio     FieldType = "RADIO"
	FieldDropdown  FieldType = "DROPDOWN"
	FieldName      FieldType = "NAME"
	FieldEmail     FieldType = "EMAIL"
	FieldInitials  FieldType = "INITIALS"
)

// Field is a placed widget on one page of an envelope item. Geometry is
// fractional (0..1) relative to the page, as placed in the editor.
// Inserted flips false -> true exactly once.
type Field struct {
	gorm.Model
	ID             string    `gorm:"primaryKey"`
	EnvelopeItemID string    `gorm:"index;not null"`
	RecipientID    string    `gorm:"index;not null"`
	Type           FieldType `gorm:"not null"`
	Page           int       `gorm:"not null;default:1"`
	PosX           float64   `gorm:"not null"`
	PosY           float64   `gorm:"not null"`
	Width          float64   `gorm:"not null"`
	Height         float64   `gorm:"not null"`
	Meta           string    `gorm:"type:json"`
	Inserted       bool      `gorm:"not null;default:false"`
	CustomText     string
	SignatureData  string
	InsertedAt     *time.Time
	PrefilledBy    string
}
