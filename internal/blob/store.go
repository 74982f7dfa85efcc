package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
	"github.com/seal-protocol/internal/apperr"
	"github.com/seal-protocol/internal/db/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store is the blob collaborator contract the sealing pipeline depends
// on. Blobs are immutable; callers repoint rather than rewrite.
type Store interface {
	Get(ctx context.Context, blobID string) ([]byte, string, error)
	Put(ctx context.Context, content []byte, contentType string) (string, error)
	AttachSignature(ctx context.Context, blobID, signatureHex, keyID string) error
}

type dbStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewStore(db *gorm.DB, logger *zap.Logger) Store {
	return &dbStore{
		db:     db,
		logger: logger.With(zap.String("service", "blob_store")),
	}
}

func (s *dbStore) Get(ctx context.Context, blobID string) ([]byte, string, error) {
	var b models.DocumentBlob
	if err := s.db.WithContext(ctx).First(&b, "id = ?", blobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", apperr.New(apperr.NotFound, "blob not found")
		}
		return nil, "", err
	}
	return b.Content, b.ContentType, nil
}

// Put stores content under a fresh id. Identical bytes already stored
// are reused via the digest index.
func (s *dbStore) Put(ctx context.Context, content []byte, contentType string) (string, error) {
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	var existing models.DocumentBlob
	err := s.db.WithContext(ctx).
		Where("digest = ? AND content_type = ?", digest, contentType).
		First(&existing).Error
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	b := models.DocumentBlob{
		ID:          uuid.New().String(),
		Digest:      digest,
		ContentType: contentType,
		Content:     content,
	}
	if err := s.db.WithContext(ctx).Create(&b).Error; err != nil {
		return "", err
	}
	s.logger.Debug("Stored blob", zap.String("blob_id", b.ID), zap.Int("size", len(content)))
	return b.ID, nil
}

func (s *dbStore) AttachSignature(ctx context.Context, blobID, signatureHex, keyID string) error {
	return s.db.WithContext(ctx).Model(&models.DocumentBlob{}).
		Where("id = ?", blobID).
		Updates(map[string]interface{}{
			"signature":     signatureHex,
			"signer_key_id": keyID,
		}).Error
}
