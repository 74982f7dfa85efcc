package models

import (
	"gorm.io/gorm"
)

// DocumentBlob is an immutable, content-addressed byte store row.
// Items point at blobs; sealing writes a new blob and repoints, never
// mutates bytes in place. Signature/SignerKeyID hold the detached
// cryptographic signature applied by the sealing pipeline.
type DocumentBlob struct {
	gorm.Model
	ID          string `gorm:"primaryKey"`
	Digest      string `gorm:"index;not null"`
	ContentType string `gorm:"not null;default:'application/pdf'"`
	Content     []byte `gorm:"type:bytea;not null"`
	Signature   string
	SignerKeyID string
}
