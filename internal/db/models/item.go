package models

import (
	"gorm.io/gorm"
)

// EnvelopeItem is one underlying PDF within an envelope. BlobID points at
// the current bytes; OriginalBlobID keeps the pre-field upload so
// resealing never compounds overlays. Version selects the field
// placement schema (1: per-field form constructs, 2: per-page overlay).
type EnvelopeItem struct {
	gorm.Model
	ID             string `gorm:"primaryKey"`
	EnvelopeID     string `gorm:"index;not null"`
	Position       int    `gorm:"not null;default:0"`
	Title          string `gorm:"not null"`
	BlobID         string `gorm:"not null"`
	OriginalBlobID string `gorm:"not null"`
	Version        int    `gorm:"not null;default:2"`
	// PageRotations is a json map of page number to the rotation
	// (0/90/180/270) observed when the document was prepared in the
	// editor; the overlay step compensates for it.
	PageRotations string  `gorm:"type:json"`
	Fields        []Field `gorm:"foreignKey:EnvelopeItemID"`
}
