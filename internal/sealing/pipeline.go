package sealing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/seal-protocol/internal/blob"
	"github.com/seal-protocol/internal/config"
	"github.com/seal-protocol/internal/db/models"
	"github.com/seal-protocol/internal/notify"
	"github.com/seal-protocol/internal/signing"
	"github.com/seal-protocol/internal/tasks"
	"github.com/seal-protocol/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const TaskSealEnvelope = "envelope.seal"

type SealPayload struct {
	EnvelopeID string `json:"envelope_id"`
	Reseal     bool   `json:"reseal"`
}

// SealTaskKey is the idempotency key for the one-and-only seal run of
// an envelope. Reseals are administrative and get a fresh key.
func SealTaskKey(envelopeID string) string {
	return "seal:" + envelopeID
}

func ResealTaskKey(envelopeID string) string {
	return "reseal:" + envelopeID + ":" + uuid.New().String()
}

// errAlreadySealed aborts the finish transaction when a concurrent run
// won the status flip. The pipeline treats it as a clean no-op.
var errAlreadySealed = errors.New("envelope already sealed")

type Pipeline struct {
	db       *gorm.DB
	blobs    blob.Store
	runner   *tasks.Runner
	renderer PageRenderer
	signer   CryptoSigner
	cfg      *config.SealingConfig
	logger   *zap.Logger
	metrics  *metrics.MetricsCollector
}

func NewPipeline(
	db *gorm.DB,
	blobs blob.Store,
	runner *tasks.Runner,
	renderer PageRenderer,
	signer CryptoSigner,
	cfg *config.SealingConfig,
	logger *zap.Logger,
	collector *metrics.MetricsCollector,
) *Pipeline {
	p := &Pipeline{
		db:       db,
		blobs:    blobs,
		runner:   runner,
		renderer: renderer,
		signer:   signer,
		cfg:      cfg,
		logger:   logger.With(zap.String("service", "sealing_pipeline")),
		metrics:  collector,
	}
	runner.Register(TaskSealEnvelope, p.Handle)
	return p
}

func (p *Pipeline) Handle(ctx context.Context, task *models.OutboxTask) error {
	var payload SealPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return fmt.Errorf("decode seal payload: %w", err)
	}
	return p.Run(ctx, task.ID, payload)
}

// Run executes the full sealing pipeline for one envelope. Safe under
// at-least-once delivery: per-item work hides behind RunStep, and the
// terminal transaction is guarded by the envelope status column.
func (p *Pipeline) Run(ctx context.Context, taskID string, payload SealPayload) error {
	start := time.Now()

	var envelope models.Envelope
	err := p.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Items.Fields").
		Preload("Recipients").
		First(&envelope, "id = ?", payload.EnvelopeID).Error
	if err != nil {
		return fmt.Errorf("load envelope %s: %w", payload.EnvelopeID, err)
	}

	if !payload.Reseal && envelope.Status != models.EnvelopePending {
		p.logger.Info("Envelope already in a terminal state, skipping seal",
			zap.String("envelope_id", envelope.ID),
			zap.String("status", string(envelope.Status)))
		return nil
	}
	if len(envelope.Items) == 0 {
		return fmt.Errorf("envelope %s has no items to seal", envelope.ID)
	}

	outcome := signing.Classify(envelope.Recipients)
	rejected := outcome == signing.Rejected ||
		(payload.Reseal && envelope.Status == models.EnvelopeRejected)
	if !payload.Reseal && outcome == signing.InProgress {
		return fmt.Errorf("envelope %s is not ready to seal", envelope.ID)
	}

	certPages, auditPages, err := p.renderAttachments(ctx, &envelope, rejected)
	if err != nil {
		return err
	}

	newBlobs := make(map[string]string, len(envelope.Items))
	for i := range envelope.Items {
		item := &envelope.Items[i]
		newID, err := p.runner.RunStep(ctx, taskID, "item:"+item.ID, func() (string, error) {
			return p.sealItem(ctx, item, rejected, payload.Reseal, certPages, auditPages)
		})
		if err != nil {
			return fmt.Errorf("seal item %s: %w", item.ID, err)
		}
		newBlobs[item.ID] = newID
	}

	if err := p.finish(ctx, &envelope, newBlobs, rejected, payload.Reseal); err != nil {
		if errors.Is(err, errAlreadySealed) {
			p.logger.Info("Lost the seal race, another run finished first",
				zap.String("envelope_id", envelope.ID))
			return nil
		}
		return err
	}

	p.metrics.IncrementCounter("envelopes_sealed", map[string]string{
		"outcome": string(outcome),
	})
	p.metrics.ObserveLatency("sealing_pipeline", time.Since(start))
	p.logger.Info("Envelope sealed",
		zap.String("envelope_id", envelope.ID),
		zap.Bool("rejected", rejected),
		zap.Bool("reseal", payload.Reseal),
		zap.Int("items", len(envelope.Items)))
	return nil
}

func (p *Pipeline) renderAttachments(ctx context.Context, envelope *models.Envelope, rejected bool) ([]byte, []byte, error) {
	var certPages, auditPages []byte
	var err error

	if p.cfg.CertificateEnabled {
		data := CertificateData{
			EnvelopeID:  envelope.ID,
			ExternalID:  envelope.ExternalID,
			Title:       envelope.Title,
			CompletedAt: time.Now().UTC(),
			Rejected:    rejected,
			Reason:      envelope.RejectionReason,
		}
		for _, r := range envelope.Recipients {
			data.Recipients = append(data.Recipients, CertificateRecipient{
				Name:     r.Name,
				Email:    r.Email,
				Role:     string(r.Role),
				Status:   string(r.SigningStatus),
				SignedAt: r.SignedAt,
			})
		}
		certPages, err = p.renderer.RenderCertificate(ctx, data)
		if err != nil {
			return nil, nil, fmt.Errorf("render certificate: %w", err)
		}
	}

	if p.cfg.AuditTrailEnabled {
		var entries []models.AuditLogEntry
		if err := p.db.WithContext(ctx).
			Where("envelope_id = ?", envelope.ID).
			Order("id ASC").
			Find(&entries).Error; err != nil {
			return nil, nil, fmt.Errorf("load audit log: %w", err)
		}
		auditPages, err = p.renderer.RenderAuditTrail(ctx, AuditTrailData{
			EnvelopeID: envelope.ID,
			Title:      envelope.Title,
			Entries:    entries,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("render audit trail: %w", err)
		}
	}

	return certPages, auditPages, nil
}

// sealItem transforms one item's bytes and stores the result as a new
// blob. Resealing starts from the original pre-field upload so overlays
// never compound.
func (p *Pipeline) sealItem(ctx context.Context, item *models.EnvelopeItem, rejected, reseal bool, certPages, auditPages []byte) (string, error) {
	srcBlobID := item.BlobID
	if reseal {
		srcBlobID = item.OriginalBlobID
	}

	data, contentType, err := p.blobs.Get(ctx, srcBlobID)
	if err != nil {
		return "", fmt.Errorf("fetch blob %s: %w", srcBlobID, err)
	}

	if data, err = normalize(data); err != nil {
		return "", err
	}
	if data, err = flattenAnnotations(data); err != nil {
		return "", err
	}
	if rejected {
		if data, err = stampRejected(data); err != nil {
			return "", err
		}
	}
	if data, err = appendPages(data, certPages, auditPages); err != nil {
		return "", err
	}

	committed := make([]models.Field, 0, len(item.Fields))
	for _, f := range item.Fields {
		if f.Inserted {
			committed = append(committed, f)
		}
	}
	if len(committed) > 0 {
		if item.Version <= 1 {
			data, err = overlayFieldsV1(data, committed)
		} else {
			data, err = overlayFieldsV2(data, committed, parseRotations(item.PageRotations))
		}
		if err != nil {
			return "", err
		}
		// Absorb any native widgets the overlay introduced.
		if data, err = flattenAnnotations(data); err != nil {
			return "", err
		}
	}

	signed, sigHex, err := p.signer.Sign(data)
	if err != nil {
		return "", fmt.Errorf("sign document: %w", err)
	}

	newID, err := p.blobs.Put(ctx, signed, contentType)
	if err != nil {
		return "", fmt.Errorf("store sealed blob: %w", err)
	}
	if err := p.blobs.AttachSignature(ctx, newID, sigHex, p.signer.KeyID()); err != nil {
		return "", err
	}

	p.metrics.ObserveSize("sealed_document", float64(len(signed)))
	return newID, nil
}

func parseRotations(raw string) map[int]int {
	rotations := make(map[int]int)
	if raw == "" {
		return rotations
	}
	var decoded map[string]int
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return rotations
	}
	for k, v := range decoded {
		var page int
		if _, err := fmt.Sscanf(k, "%d", &page); err == nil {
			rotations[page] = v
		}
	}
	return rotations
}

// finish repoints every item at its sealed blob, flips the envelope to
// its terminal status and writes the completion audit row, all in one
// transaction. Notification tasks are enqueued in the same transaction
// so they become durable exactly when the state change does.
func (p *Pipeline) finish(ctx context.Context, envelope *models.Envelope, newBlobs map[string]string, rejected, reseal bool) error {
	now := time.Now().UTC()
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for itemID, blobID := range newBlobs {
			if err := tx.Model(&models.EnvelopeItem{}).
				Where("id = ?", itemID).
				Update("blob_id", blobID).Error; err != nil {
				return err
			}
		}

		// CC and VIEWER recipients never act; they are force-marked
		// SIGNED here.
		if err := tx.Model(&models.Recipient{}).
			Where("envelope_id = ? AND role IN ? AND signing_status <> ?",
				envelope.ID, []models.RecipientRole{models.RoleCC, models.RoleViewer},
				models.StatusSigned).
			Updates(map[string]interface{}{
				"signing_status": models.StatusSigned,
				"signed_at":      now,
			}).Error; err != nil {
			return err
		}

		terminal := models.EnvelopeCompleted
		if rejected {
			terminal = models.EnvelopeRejected
		}

		if !reseal {
			res := tx.Model(&models.Envelope{}).
				Where("id = ? AND status = ?", envelope.ID, models.EnvelopePending).
				Updates(map[string]interface{}{
					"status":       terminal,
					"completed_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errAlreadySealed
			}
		}

		detail, _ := json.Marshal(map[string]interface{}{
			"isRejected": rejected,
			"reason":     envelope.RejectionReason,
			"reseal":     reseal,
		})
		if err := tx.Create(&models.AuditLogEntry{
			EnvelopeID: envelope.ID,
			Type:       models.AuditDocumentCompleted,
			Detail:     string(detail),
		}).Error; err != nil {
			return err
		}

		return p.enqueueSideEffects(tx, envelope, rejected)
	})
}

func (p *Pipeline) enqueueSideEffects(tx *gorm.DB, envelope *models.Envelope, rejected bool) error {
	event := models.EventDocumentCompleted
	if rejected {
		event = models.EventDocumentRejected
	}

	for _, r := range envelope.Recipients {
		key := fmt.Sprintf("email:%s:%s:%s", event, envelope.ID, r.ID)
		payload := notify.EmailPayload{
			EnvelopeID:  envelope.ID,
			RecipientID: r.ID,
			Event:       string(event),
		}
		if err := tasks.Enqueue(tx, notify.TaskSendEmail, key, payload); err != nil {
			return err
		}
	}

	var endpoints []models.WebhookEndpoint
	if err := tx.Where("enabled = ?", true).Find(&endpoints).Error; err != nil {
		return err
	}
	for _, ep := range endpoints {
		if !ep.SubscribedTo(event) {
			continue
		}
		key := fmt.Sprintf("webhook:%s:%s:%d", event, envelope.ID, ep.ID)
		payload := notify.WebhookPayload{
			EndpointID: ep.ID,
			EnvelopeID: envelope.ID,
			Event:      string(event),
		}
		if err := tasks.Enqueue(tx, notify.TaskDeliverWebhook, key, payload); err != nil {
			return err
		}
	}
	return nil
}
