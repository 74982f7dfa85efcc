package authn

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/seal-protocol/internal/config"
	"github.com/seal-protocol/internal/db/models"
	"gorm.io/gorm"
)

type passkeyVerifier struct {
	db  *gorm.DB
	wa  *webauthn.WebAuthn
	ttl time.Duration
}

func newPasskeyVerifier(db *gorm.DB, cfg *config.AuthConfig) (*passkeyVerifier, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RelyingPartyName,
		RPID:          cfg.RelyingPartyID,
		RPOrigins:     []string{cfg.RelyingPartyOrigin},
	})
	if err != nil {
		return nil, err
	}
	return &passkeyVerifier{db: db, wa: wa, ttl: cfg.PasskeyTimeout}, nil
}

// webauthnUser adapts a User row plus its stored credentials to the
// library's user contract.
type webauthnUser struct {
	user  *models.User
	creds []models.PasskeyCredential
}

func (u *webauthnUser) WebAuthnID() []byte {
	id := make([]byte, 8)
	binary.BigEndian.PutUint64(id, uint64(u.user.ID))
	return id
}

func (u *webauthnUser) WebAuthnName() string { return u.user.Email }

func (u *webauthnUser) WebAuthnDisplayName() string {
	if u.user.Name != "" {
		return u.user.Name
	}
	return u.user.Email
}

func (u *webauthnUser) WebAuthnIcon() string { return "" }

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(u.creds))
	for _, c := range u.creds {
		var transports []protocol.AuthenticatorTransport
		for _, t := range strings.Split(c.Transports, ",") {
			if t = strings.TrimSpace(t); t != "" {
				transports = append(transports, protocol.AuthenticatorTransport(t))
			}
		}
		creds = append(creds, webauthn.Credential{
			ID:        c.CredentialID,
			PublicKey: c.PublicKey,
			Transport: transports,
			Authenticator: webauthn.Authenticator{
				AAGUID:    c.AAGUID,
				SignCount: c.SignCount,
			},
		})
	}
	return creds
}

func (p *passkeyVerifier) loadUser(userID uint) (*webauthnUser, error) {
	var user models.User
	if err := p.db.First(&user, userID).Error; err != nil {
		return nil, err
	}
	var creds []models.PasskeyCredential
	if err := p.db.Where("user_id = ?", userID).Find(&creds).Error; err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, errors.New("no passkeys enrolled")
	}
	return &webauthnUser{user: &user, creds: creds}, nil
}

// IssueChallenge begins an assertion ceremony for the user and stores
// the session under an opaque token the client must echo back.
func (p *passkeyVerifier) IssueChallenge(ctx context.Context, userID uint) (string, *protocol.CredentialAssertion, error) {
	wu, err := p.loadUser(userID)
	if err != nil {
		return "", nil, err
	}
	options, session, err := p.wa.BeginLogin(wu)
	if err != nil {
		return "", nil, err
	}
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return "", nil, err
	}
	challenge := models.PasskeyChallenge{
		Token:       uuid.New().String(),
		UserID:      userID,
		SessionData: string(sessionJSON),
		ExpiresAt:   time.Now().Add(p.ttl),
	}
	if err := p.db.WithContext(ctx).Create(&challenge).Error; err != nil {
		return "", nil, err
	}
	return challenge.Token, options, nil
}

// verify consumes the referenced challenge exactly once, checks expiry,
// validates the authenticator assertion and advances the replay counter.
func (p *passkeyVerifier) verify(ctx context.Context, proof *Proof, actingUser *models.User) error {
	if actingUser == nil || proof.PasskeyToken == "" || proof.PasskeyAssertion == "" {
		return errors.New("missing passkey proof")
	}

	var challenge models.PasskeyChallenge
	if err := p.db.WithContext(ctx).
		Where("token = ? AND user_id = ?", proof.PasskeyToken, actingUser.ID).
		First(&challenge).Error; err != nil {
		return errors.New("challenge not found")
	}

	// Single consumption: the guarded update loses cleanly if another
	// verify got there first.
	now := time.Now()
	res := p.db.WithContext(ctx).Model(&models.PasskeyChallenge{}).
		Where("id = ? AND consumed_at IS NULL", challenge.ID).
		Update("consumed_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("challenge already consumed")
	}
	if now.After(challenge.ExpiresAt) {
		return errors.New("challenge expired")
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SessionData), &session); err != nil {
		return err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(proof.PasskeyAssertion))
	if err != nil {
		return err
	}

	wu, err := p.loadUser(actingUser.ID)
	if err != nil {
		return err
	}
	cred, err := p.wa.ValidateLogin(wu, session, parsed)
	if err != nil {
		return err
	}

	return p.db.WithContext(ctx).Model(&models.PasskeyCredential{}).
		Where("user_id = ? AND credential_id = ?", actingUser.ID, cred.ID).
		Updates(map[string]interface{}{
			"sign_count":   cred.Authenticator.SignCount,
			"last_used_at": now,
		}).Error
}

// IssuePasskeyChallenge is the resolver-level entry point used by the
// API layer.
func (r *Resolver) IssuePasskeyChallenge(ctx context.Context, userID uint) (string, *protocol.CredentialAssertion, error) {
	return r.passkey.IssueChallenge(ctx, userID)
}
