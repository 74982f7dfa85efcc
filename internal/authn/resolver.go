package authn

import (
	"context"
	"errors"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/seal-protocol/internal/apperr"
	"github.com/seal-protocol/internal/config"
	"github.com/seal-protocol/internal/db/models"
	"github.com/seal-protocol/internal/utils"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrUnauthorized is the single failure surfaced by Verify. Which
// sub-check failed is logged server-side but never reported.
var ErrUnauthorized = apperr.New(apperr.Unauthorized, "unauthorized")

type Kind string

const (
	KindAccess Kind = "ACCESS"
	KindAction Kind = "ACTION"
)

type Provenance string

const (
	Inherited  Provenance = "INHERITED"
	Overridden Provenance = "OVERRIDDEN"
)

// Derived is the effective authorization requirement after combining the
// envelope policy with a recipient override.
type Derived struct {
	AccessAuth       []models.AuthMethod
	ActionAuth       []models.AuthMethod
	AccessProvenance Provenance
	ActionProvenance Provenance
}

// Proof carries whatever the caller supplied to satisfy the requirement.
type Proof struct {
	Password         string `json:"password,omitempty"`
	TOTPCode         string `json:"totpCode,omitempty"`
	PasskeyToken     string `json:"passkeyToken,omitempty"`
	PasskeyAssertion string `json:"passkeyAssertion,omitempty"`
}

type Resolver struct {
	db      *gorm.DB
	logger  *zap.Logger
	cfg     *config.AuthConfig
	passkey *passkeyVerifier
}

func NewResolver(db *gorm.DB, cfg *config.AuthConfig, logger *zap.Logger) (*Resolver, error) {
	pk, err := newPasskeyVerifier(db, cfg)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		db:      db,
		logger:  logger.With(zap.String("service", "authn_resolver")),
		cfg:     cfg,
		passkey: pk,
	}, nil
}

// DeriveAuth combines the envelope-wide policy with the recipient
// override. A non-empty override list fully replaces the envelope list
// for that dimension; there is no merging.
func DeriveAuth(envelope *models.Envelope, recipient *models.Recipient) Derived {
	d := Derived{
		AccessAuth:       models.SplitMethods(envelope.GlobalAccessAuth),
		ActionAuth:       models.SplitMethods(envelope.GlobalActionAuth),
		AccessProvenance: Inherited,
		ActionProvenance: Inherited,
	}
	if override := models.SplitMethods(recipient.AccessAuth); len(override) > 0 {
		d.AccessAuth = override
		d.AccessProvenance = Overridden
	}
	if override := models.SplitMethods(recipient.ActionAuth); len(override) > 0 {
		d.ActionAuth = override
		d.ActionProvenance = Overridden
	}
	return d
}

// Verify checks the supplied proof against the first derived method for
// the given dimension. An empty method list and EXPLICIT_NONE always
// pass. Every internal failure, including expired tokens and library
// rejections, collapses into ErrUnauthorized.
func (r *Resolver) Verify(ctx context.Context, kind Kind, derived Derived, proof *Proof, recipientEmail string, actingUser *models.User) error {
	methods := derived.AccessAuth
	if kind == KindAction {
		methods = derived.ActionAuth
	}
	if len(methods) == 0 {
		return nil
	}
	if proof == nil {
		proof = &Proof{}
	}

	method := methods[0]
	var err error
	switch method {
	case models.AuthExplicitNone:
		return nil
	case models.AuthAccount:
		err = r.verifyAccount(recipientEmail, actingUser)
	case models.AuthPassword:
		err = r.verifyPassword(proof.Password, actingUser)
	case models.AuthTwoFactor:
		err = r.verifyTwoFactor(proof.TOTPCode, actingUser)
	case models.AuthPasskey:
		err = r.passkey.verify(ctx, proof, actingUser)
	default:
		err = errors.New("unknown auth method")
	}

	if err != nil {
		r.logger.Warn("Authorization check failed",
			zap.String("kind", string(kind)),
			zap.String("method", string(method)),
			zap.String("recipient_email", recipientEmail),
			zap.Error(err))
		return ErrUnauthorized
	}
	return nil
}

func (r *Resolver) verifyAccount(recipientEmail string, actingUser *models.User) error {
	if actingUser == nil {
		return errors.New("no acting account")
	}
	// Case-sensitive on purpose: the recipient row is authoritative.
	if actingUser.Email != recipientEmail {
		return errors.New("account email mismatch")
	}
	return nil
}

func (r *Resolver) verifyPassword(password string, actingUser *models.User) error {
	if actingUser == nil || actingUser.PasswordHash == "" || password == "" {
		return errors.New("missing password credentials")
	}
	ok, err := utils.VerifyPassword(actingUser.PasswordHash, password)
	if err != nil || !ok {
		return errors.New("password mismatch")
	}
	return nil
}

func (r *Resolver) verifyTwoFactor(code string, actingUser *models.User) error {
	if actingUser == nil || !actingUser.TOTPEnabled || actingUser.TOTPSecret == "" {
		return errors.New("two factor not enrolled")
	}
	if code == "" {
		return errors.New("missing one-time code")
	}
	valid, err := totp.ValidateCustom(code, actingUser.TOTPSecret, time.Now().UTC(), totp.ValidateOpts{
		Period:    r.cfg.TOTPPeriod,
		Skew:      r.cfg.TOTPSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return errors.New("one-time code rejected")
	}
	return nil
}
