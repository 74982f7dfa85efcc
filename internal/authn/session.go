package authn

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/seal-protocol/internal/db/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Login checks the account password and issues a session token. The
// token is the only way to act as an account; asserting an email proves
// nothing. All credential failures collapse into ErrUnauthorized.
func (r *Resolver) Login(ctx context.Context, email, password string) (string, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			r.logger.Warn("Login for unknown account", zap.String("email", email))
			return "", ErrUnauthorized
		}
		return "", err
	}

	if err := r.verifyPassword(password, &user); err != nil {
		r.logger.Warn("Login rejected",
			zap.String("email", email),
			zap.Error(err))
		return "", ErrUnauthorized
	}

	session := models.AccountSession{
		Token:     uuid.New().String(),
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(r.cfg.SessionTTL),
	}
	if err := r.db.WithContext(ctx).Create(&session).Error; err != nil {
		return "", err
	}
	if err := r.db.WithContext(ctx).Model(&user).
		Update("last_login", time.Now().UTC()).Error; err != nil {
		r.logger.Error("Failed to record login time", zap.Error(err))
	}
	return session.Token, nil
}

// ResolveSession returns the account behind a session token, or
// ErrUnauthorized when the token is unknown or expired.
func (r *Resolver) ResolveSession(ctx context.Context, token string) (*models.User, error) {
	var session models.AccountSession
	if err := r.db.WithContext(ctx).First(&session, "token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, ErrUnauthorized
	}

	var user models.User
	if err := r.db.WithContext(ctx).First(&user, session.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return &user, nil
}
