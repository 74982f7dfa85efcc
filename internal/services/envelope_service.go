package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/seal-protocol/internal/apperr"
	"github.com/seal-protocol/internal/authn"
	"github.com/seal-protocol/internal/db/models"
	"github.com/seal-protocol/internal/fields"
	"github.com/seal-protocol/internal/notify"
	"github.com/seal-protocol/internal/sealing"
	"github.com/seal-protocol/internal/signing"
	"github.com/seal-protocol/internal/tasks"
	"github.com/seal-protocol/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrEnvelopeNotPending = apperr.New(apperr.Conflict, "envelope is not pending")
	ErrFieldInserted      = apperr.New(apperr.Conflict, "field has already been inserted")
	ErrAlreadySigned      = apperr.New(apperr.Conflict, "recipient has already signed")
	ErrRecipientRejected  = apperr.New(apperr.Conflict, "recipient has already rejected")
)

// EnvelopeService linearizes every per-envelope state change inside one
// transaction, so concurrent recipient actions cannot both observe
// "not yet complete" and both enqueue a sealing run.
type EnvelopeService struct {
	db       *gorm.DB
	resolver *authn.Resolver
	logger   *zap.Logger
	metrics  *metrics.MetricsCollector
}

func NewEnvelopeService(db *gorm.DB, resolver *authn.Resolver, logger *zap.Logger, collector *metrics.MetricsCollector) *EnvelopeService {
	return &EnvelopeService{
		db:       db,
		resolver: resolver,
		logger:   logger.With(zap.String("service", "envelope_service")),
		metrics:  collector,
	}
}

// resolveByToken loads the acting recipient and its envelope, with all
// recipients attached, from a recipient access token.
func (es *EnvelopeService) resolveByToken(tx *gorm.DB, token string) (*models.Recipient, *models.Envelope, error) {
	var recipient models.Recipient
	if err := tx.First(&recipient, "token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperr.New(apperr.NotFound, "unknown or stale recipient token")
		}
		return nil, nil, err
	}

	var envelope models.Envelope
	if err := tx.Preload("Recipients").Preload("Items").
		First(&envelope, "id = ?", recipient.EnvelopeID).Error; err != nil {
		return nil, nil, err
	}
	return &recipient, &envelope, nil
}

// RecipientView is the envelope as one recipient sees it.
type RecipientView struct {
	Envelope  *models.Envelope  `json:"envelope"`
	Recipient *models.Recipient `json:"recipient"`
	Fields    []models.Field    `json:"fields"`
	Derived   authn.Derived     `json:"derivedAuth"`
}

// GetRecipientView returns the recipient's slice of the envelope after
// the ACCESS authorization gate.
func (es *EnvelopeService) GetRecipientView(ctx context.Context, token string, proof *authn.Proof, actingUser *models.User) (*RecipientView, error) {
	recipient, envelope, err := es.resolveByToken(es.db.WithContext(ctx), token)
	if err != nil {
		return nil, err
	}

	derived := authn.DeriveAuth(envelope, recipient)
	if err := es.resolver.Verify(ctx, authn.KindAccess, derived, proof, recipient.Email, actingUser); err != nil {
		return nil, err
	}

	var fieldRows []models.Field
	itemIDs := make([]string, 0, len(envelope.Items))
	for _, item := range envelope.Items {
		itemIDs = append(itemIDs, item.ID)
	}
	if len(itemIDs) > 0 {
		if err := es.db.WithContext(ctx).
			Where("envelope_item_id IN ? AND recipient_id = ?", itemIDs, recipient.ID).
			Find(&fieldRows).Error; err != nil {
			return nil, err
		}
	}

	return &RecipientView{
		Envelope:  envelope,
		Recipient: recipient,
		Fields:    fieldRows,
		Derived:   derived,
	}, nil
}

// SubmitFieldValue validates and commits one field value. SIGNATURE
// fields require ACTION authorization; every other type bypasses it.
// An ASSISTANT may commit on behalf of a later, not-yet-signed
// recipient, recorded as a prefill.
func (es *EnvelopeService) SubmitFieldValue(ctx context.Context, token, fieldID, value string, proof *authn.Proof, actingUser *models.User) (*models.Field, error) {
	var committed models.Field

	err := es.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		actor, envelope, err := es.resolveByToken(tx, token)
		if err != nil {
			return err
		}
		if envelope.Status != models.EnvelopePending {
			return ErrEnvelopeNotPending
		}
		if actor.SigningStatus == models.StatusSigned {
			return ErrAlreadySigned
		}
		if actor.SigningStatus == models.StatusRejected {
			return ErrRecipientRejected
		}

		var field models.Field
		if err := tx.First(&field, "id = ?", fieldID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "field not found")
			}
			return err
		}
		var item models.EnvelopeItem
		if err := tx.First(&item, "id = ?", field.EnvelopeItemID).Error; err != nil {
			return err
		}
		if item.EnvelopeID != envelope.ID {
			return apperr.New(apperr.NotFound, "field not found")
		}

		prefill := field.RecipientID != actor.ID
		if prefill {
			if err := es.checkAssistantProxy(envelope, actor, field.RecipientID); err != nil {
				return err
			}
		}
		if field.Inserted {
			return ErrFieldInserted
		}

		if err := signing.CanAct(envelope, envelope.Recipients, actor); err != nil {
			return err
		}

		// Only the act of signing is gated by ACTION auth.
		if field.Type == models.FieldSignature {
			derived := authn.DeriveAuth(envelope, actor)
			if err := es.resolver.Verify(ctx, authn.KindAction, derived, proof, actor.Email, actingUser); err != nil {
				return err
			}
		}

		if verrs := fields.Validate(field.Type, field.Meta, value); len(verrs) > 0 {
			detail, _ := json.Marshal(verrs)
			return apperr.New(apperr.Validation, string(detail))
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"inserted":    true,
			"inserted_at": now,
		}
		switch field.Type {
		case models.FieldSignature, models.FieldInitials:
			updates["signature_data"] = value
		case models.FieldDate:
			// Submitted values are ignored; the server stamps its own
			// clock in the envelope's timezone and date format.
			updates["custom_text"] = stampDate(envelope, now)
		default:
			updates["custom_text"] = value
		}
		if prefill {
			updates["prefilled_by"] = actor.ID
		}

		res := tx.Model(&models.Field{}).
			Where("id = ? AND inserted = ?", field.ID, false).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrFieldInserted
		}

		auditType := models.AuditFieldInserted
		if prefill {
			auditType = models.AuditFieldPrefilled
		}
		detail, _ := json.Marshal(map[string]interface{}{
			"fieldId":   field.ID,
			"fieldType": field.Type,
		})
		if err := tx.Create(&models.AuditLogEntry{
			EnvelopeID:  envelope.ID,
			Type:        auditType,
			ActorEmail:  actor.Email,
			RecipientID: field.RecipientID,
			Detail:      string(detail),
		}).Error; err != nil {
			return err
		}

		return tx.First(&committed, "id = ?", field.ID).Error
	})
	if err != nil {
		return nil, err
	}

	es.metrics.IncrementCounter("fields_committed", map[string]string{"type": string(committed.Type)})
	return &committed, nil
}

// checkAssistantProxy enforces the assistant boundary: only later,
// not-yet-signed, non-CC, non-assistant recipients may be acted for.
func (es *EnvelopeService) checkAssistantProxy(envelope *models.Envelope, actor *models.Recipient, targetID string) error {
	if actor.Role != models.RoleAssistant {
		return apperr.New(apperr.NotFound, "field not found")
	}

	var target *models.Recipient
	for i := range envelope.Recipients {
		if envelope.Recipients[i].ID == targetID {
			target = &envelope.Recipients[i]
			break
		}
	}
	if target == nil {
		return apperr.New(apperr.NotFound, "field not found")
	}
	if target.Role == models.RoleCC || target.Role == models.RoleAssistant {
		return apperr.New(apperr.Conflict, "cannot act for this recipient")
	}
	if target.SigningStatus != models.StatusNotSigned {
		return apperr.New(apperr.Conflict, "recipient has already acted")
	}
	if envelope.SigningOrder == models.OrderSequential {
		if actor.SigningOrder == nil || target.SigningOrder == nil {
			return apperr.New(apperr.Internal, "sequential envelope recipient without signing order")
		}
		if *target.SigningOrder < *actor.SigningOrder {
			return apperr.New(apperr.Conflict, "cannot act for an earlier recipient")
		}
	}
	return nil
}

func stampDate(envelope *models.Envelope, now time.Time) string {
	loc, err := time.LoadLocation(envelope.Timezone)
	if err != nil {
		loc = time.UTC
	}
	layout := envelope.DateFormat
	if layout == "" {
		layout = "2006-01-02 15:04"
	}
	return now.In(loc).Format(layout)
}

// CompleteRecipientAction marks the acting recipient SIGNED, advances
// the signing order, and enqueues the sealing run when the envelope is
// ready or rejected. All inside one envelope-scoped transaction.
func (es *EnvelopeService) CompleteRecipientAction(ctx context.Context, token string, proof *authn.Proof, actingUser *models.User) error {
	err := es.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		actor, envelope, err := es.resolveByToken(tx, token)
		if err != nil {
			return err
		}
		if envelope.Status != models.EnvelopePending {
			return ErrEnvelopeNotPending
		}
		if actor.SigningStatus == models.StatusSigned {
			return ErrAlreadySigned
		}
		if actor.SigningStatus == models.StatusRejected {
			return ErrRecipientRejected
		}

		if err := signing.CanAct(envelope, envelope.Recipients, actor); err != nil {
			return err
		}

		derived := authn.DeriveAuth(envelope, actor)
		if err := es.resolver.Verify(ctx, authn.KindAction, derived, proof, actor.Email, actingUser); err != nil {
			return err
		}

		var pending int64
		if err := tx.Model(&models.Field{}).
			Joins("JOIN envelope_items ON envelope_items.id = fields.envelope_item_id").
			Where("envelope_items.envelope_id = ? AND fields.recipient_id = ? AND fields.inserted = ?",
				envelope.ID, actor.ID, false).
			Count(&pending).Error; err != nil {
			return err
		}
		if pending > 0 {
			return apperr.New(apperr.Validation,
				fmt.Sprintf("%d required fields have not been completed", pending))
		}

		now := time.Now().UTC()
		res := tx.Model(&models.Recipient{}).
			Where("id = ? AND signing_status = ?", actor.ID, models.StatusNotSigned).
			Updates(map[string]interface{}{
				"signing_status": models.StatusSigned,
				"signed_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		// Losing the guarded flip means a concurrent action got here
		// first; proceeding would duplicate the audit row and
		// re-advance the order.
		if res.RowsAffected == 0 {
			return ErrAlreadySigned
		}

		if err := tx.Create(&models.AuditLogEntry{
			EnvelopeID:  envelope.ID,
			Type:        models.AuditRecipientCompleted,
			ActorEmail:  actor.Email,
			RecipientID: actor.ID,
		}).Error; err != nil {
			return err
		}

		// Re-read recipient rows so ordering and completion run on the
		// state this transaction just produced.
		var current []models.Recipient
		if err := tx.Where("envelope_id = ?", envelope.ID).Find(&current).Error; err != nil {
			return err
		}

		if next := signing.NextPending(envelope, current, actor); next != nil {
			if err := tx.Model(&models.Recipient{}).
				Where("id = ?", next.ID).
				Update("send_status", models.SendSent).Error; err != nil {
				return err
			}
			if err := tx.Create(&models.AuditLogEntry{
				EnvelopeID:  envelope.ID,
				Type:        models.AuditSigningRequested,
				RecipientID: next.ID,
				ActorEmail:  next.Email,
			}).Error; err != nil {
				return err
			}
			if err := notify.EnqueueSigningRequest(tx, envelope.ID, next); err != nil {
				return err
			}
		}

		switch signing.Classify(current) {
		case signing.ReadyToSeal, signing.Rejected:
			return tasks.Enqueue(tx, sealing.TaskSealEnvelope,
				sealing.SealTaskKey(envelope.ID),
				sealing.SealPayload{EnvelopeID: envelope.ID})
		}
		return nil
	})
	if err != nil {
		return err
	}

	es.metrics.IncrementCounter("recipients_completed", nil)
	return nil
}

// RejectEnvelope records the recipient's rejection and schedules the
// sealing run on the rejection path. The envelope stays PENDING until
// the pipeline performs the terminal flip.
func (es *EnvelopeService) RejectEnvelope(ctx context.Context, token, reason string) error {
	err := es.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		actor, envelope, err := es.resolveByToken(tx, token)
		if err != nil {
			return err
		}
		if envelope.Status != models.EnvelopePending {
			return ErrEnvelopeNotPending
		}
		if actor.SigningStatus == models.StatusSigned {
			return ErrAlreadySigned
		}
		if actor.SigningStatus == models.StatusRejected {
			return ErrRecipientRejected
		}

		now := time.Now().UTC()
		res := tx.Model(&models.Recipient{}).
			Where("id = ? AND signing_status = ?", actor.ID, models.StatusNotSigned).
			Updates(map[string]interface{}{
				"signing_status":   models.StatusRejected,
				"rejection_reason": reason,
				"signed_at":        now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.Conflict, "recipient has already acted")
		}
		if err := tx.Model(&models.Envelope{}).
			Where("id = ?", envelope.ID).
			Update("rejection_reason", reason).Error; err != nil {
			return err
		}

		detail, _ := json.Marshal(map[string]interface{}{"reason": reason})
		if err := tx.Create(&models.AuditLogEntry{
			EnvelopeID:  envelope.ID,
			Type:        models.AuditDocumentRejected,
			ActorEmail:  actor.Email,
			RecipientID: actor.ID,
			Detail:      string(detail),
		}).Error; err != nil {
			return err
		}

		return tasks.Enqueue(tx, sealing.TaskSealEnvelope,
			sealing.SealTaskKey(envelope.ID),
			sealing.SealPayload{EnvelopeID: envelope.ID})
	})
	if err != nil {
		return err
	}

	es.metrics.IncrementCounter("envelopes_rejected", nil)
	return nil
}

// SendEnvelope distributes a DRAFT envelope: flips it to PENDING and
// invites the first-turn recipients. Later turns are invited only as
// the order advances.
func (es *EnvelopeService) SendEnvelope(ctx context.Context, envelopeID string) error {
	return es.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var envelope models.Envelope
		if err := tx.Preload("Recipients").Preload("Items").
			First(&envelope, "id = ?", envelopeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "envelope not found")
			}
			return err
		}
		if envelope.Status != models.EnvelopeDraft {
			return apperr.New(apperr.Conflict, "envelope has already been sent")
		}
		if len(envelope.Items) == 0 {
			return apperr.New(apperr.Validation, "envelope has no documents")
		}
		if len(envelope.Recipients) == 0 {
			return apperr.New(apperr.Validation, "envelope has no recipients")
		}

		res := tx.Model(&models.Envelope{}).
			Where("id = ? AND status = ?", envelope.ID, models.EnvelopeDraft).
			Update("status", models.EnvelopePending)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.Conflict, "envelope has already been sent")
		}

		for _, r := range signing.FirstTurn(&envelope, envelope.Recipients) {
			if err := tx.Model(&models.Recipient{}).
				Where("id = ?", r.ID).
				Update("send_status", models.SendSent).Error; err != nil {
				return err
			}
			if err := notify.EnqueueSigningRequest(tx, envelope.ID, r); err != nil {
				return err
			}
		}

		return tx.Create(&models.AuditLogEntry{
			EnvelopeID: envelope.ID,
			Type:       models.AuditEnvelopeSent,
		}).Error
	})
}

// IssuePasskeyChallenge starts an assertion ceremony for the acting
// account. The returned token must accompany the assertion in the
// subsequent proof.
func (es *EnvelopeService) IssuePasskeyChallenge(ctx context.Context, actingUser *models.User) (string, *protocol.CredentialAssertion, error) {
	if actingUser == nil {
		return "", nil, authn.ErrUnauthorized
	}
	return es.resolver.IssuePasskeyChallenge(ctx, actingUser.ID)
}

// ResealEnvelope schedules an administrative re-run of the sealing
// pipeline from the original pre-field bytes.
func (es *EnvelopeService) ResealEnvelope(ctx context.Context, envelopeID string) error {
	return es.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var envelope models.Envelope
		if err := tx.First(&envelope, "id = ?", envelopeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "envelope not found")
			}
			return err
		}
		if envelope.Status != models.EnvelopeCompleted && envelope.Status != models.EnvelopeRejected {
			return apperr.New(apperr.Conflict, "only sealed envelopes can be resealed")
		}
		return tasks.Enqueue(tx, sealing.TaskSealEnvelope,
			sealing.ResealTaskKey(envelope.ID),
			sealing.SealPayload{EnvelopeID: envelope.ID, Reseal: true})
	})
}
