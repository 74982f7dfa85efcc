package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/seal-protocol/internal/config"
	"github.com/seal-protocol/internal/db/models"
	"github.com/seal-protocol/internal/tasks"
	"github.com/seal-protocol/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	TaskSendEmail      = "notify.email"
	TaskDeliverWebhook = "notify.webhook"

	signatureHeader = "X-Signature"
	eventIDHeader   = "X-Event-Id"
	eventTypeHeader = "X-Event-Type"
)

type EmailPayload struct {
	EnvelopeID  string `json:"envelope_id"`
	RecipientID string `json:"recipient_id"`
	Event       string `json:"event"`
}

type WebhookPayload struct {
	EndpointID uint   `json:"endpoint_id"`
	EnvelopeID string `json:"envelope_id"`
	Event      string `json:"event"`
}

// webhookBody is the JSON document delivered to subscribers.
type webhookBody struct {
	Event      string    `json:"event"`
	EnvelopeID string    `json:"envelopeId"`
	ExternalID string    `json:"externalId,omitempty"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Dispatcher fires emails and webhook deliveries as independently
// retryable outbox tasks. A failing endpoint never blocks another, and
// no failure here reaches back into the sealing transaction. Every
// attempt, success or failure, lands in the audit trail.
type Dispatcher struct {
	db      *gorm.DB
	mailer  Mailer
	client  *http.Client
	cfg     *config.NotificationConfig
	logger  *zap.Logger
	metrics *metrics.MetricsCollector
}

func NewDispatcher(
	db *gorm.DB,
	runner *tasks.Runner,
	mailer Mailer,
	cfg *config.NotificationConfig,
	logger *zap.Logger,
	collector *metrics.MetricsCollector,
) *Dispatcher {
	d := &Dispatcher{
		db:      db,
		mailer:  mailer,
		client:  &http.Client{Timeout: cfg.WebhookTimeout},
		cfg:     cfg,
		logger:  logger.With(zap.String("service", "notification_dispatcher")),
		metrics: collector,
	}
	runner.Register(TaskSendEmail, d.HandleEmail)
	runner.Register(TaskDeliverWebhook, d.HandleWebhook)
	return d
}

func (d *Dispatcher) HandleEmail(ctx context.Context, task *models.OutboxTask) error {
	var payload EmailPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return fmt.Errorf("decode email payload: %w", err)
	}

	var envelope models.Envelope
	if err := d.db.WithContext(ctx).First(&envelope, "id = ?", payload.EnvelopeID).Error; err != nil {
		return err
	}
	var recipient models.Recipient
	if err := d.db.WithContext(ctx).First(&recipient, "id = ?", payload.RecipientID).Error; err != nil {
		return err
	}

	subject, text := emailContent(payload.Event, &envelope, &recipient)
	err := d.mailer.Send(ctx, recipient.Email, subject, "", text)

	auditType := models.AuditEmailSent
	detailMap := map[string]interface{}{"event": payload.Event, "to": recipient.Email}
	if err != nil {
		auditType = models.AuditEmailFailed
		detailMap["error"] = err.Error()
		d.metrics.IncrementCounter("emails_failed", nil)
	} else {
		d.metrics.IncrementCounter("emails_sent", nil)
	}
	detail, _ := json.Marshal(detailMap)
	if createErr := d.db.Create(&models.AuditLogEntry{
		EnvelopeID:  envelope.ID,
		Type:        auditType,
		ActorEmail:  recipient.Email,
		RecipientID: recipient.ID,
		Detail:      string(detail),
	}).Error; createErr != nil {
		d.logger.Error("Failed to record email audit entry",
			zap.String("envelope_id", envelope.ID),
			zap.Error(createErr))
	}

	if err != nil {
		return fmt.Errorf("send %s mail to %s: %w", payload.Event, recipient.Email, err)
	}
	return nil
}

func emailContent(event string, envelope *models.Envelope, recipient *models.Recipient) (string, string) {
	switch event {
	case string(models.EventDocumentRejected):
		return fmt.Sprintf("%q was rejected", envelope.Title),
			fmt.Sprintf("Hello %s,\n\nThe document %q was rejected.\nReason: %s\n",
				recipient.Name, envelope.Title, envelope.RejectionReason)
	case "SIGNING_REQUESTED":
		return fmt.Sprintf("Please sign %q", envelope.Title),
			fmt.Sprintf("Hello %s,\n\nIt is your turn to sign the document %q.\n",
				recipient.Name, envelope.Title)
	default:
		return fmt.Sprintf("%q is completed", envelope.Title),
			fmt.Sprintf("Hello %s,\n\nAll parties have signed %q. The sealed document is available for download.\n",
				recipient.Name, envelope.Title)
	}
}

func (d *Dispatcher) HandleWebhook(ctx context.Context, task *models.OutboxTask) error {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return fmt.Errorf("decode webhook payload: %w", err)
	}

	var endpoint models.WebhookEndpoint
	if err := d.db.WithContext(ctx).First(&endpoint, payload.EndpointID).Error; err != nil {
		return err
	}
	if !endpoint.Enabled {
		d.logger.Info("Webhook endpoint disabled, dropping delivery",
			zap.Uint("endpoint_id", endpoint.ID))
		return nil
	}
	var envelope models.Envelope
	if err := d.db.WithContext(ctx).First(&envelope, "id = ?", payload.EnvelopeID).Error; err != nil {
		return err
	}

	body, err := json.Marshal(webhookBody{
		Event:      payload.Event,
		EnvelopeID: envelope.ID,
		ExternalID: envelope.ExternalID,
		Status:     string(envelope.Status),
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	err = d.deliver(ctx, &endpoint, payload.Event, body)

	auditType := models.AuditWebhookDelivered
	detailMap := map[string]interface{}{"event": payload.Event, "url": endpoint.URL}
	if err != nil {
		auditType = models.AuditWebhookFailed
		detailMap["error"] = err.Error()
		d.metrics.IncrementCounter("webhooks_failed", nil)
	} else {
		d.metrics.IncrementCounter("webhooks_delivered", nil)
	}
	detail, _ := json.Marshal(detailMap)
	if createErr := d.db.Create(&models.AuditLogEntry{
		EnvelopeID: envelope.ID,
		Type:       auditType,
		Detail:     string(detail),
	}).Error; createErr != nil {
		d.logger.Error("Failed to record webhook audit entry",
			zap.String("envelope_id", envelope.ID),
			zap.Error(createErr))
	}

	return err
}

// deliver posts the body with an HMAC-SHA256 signature of the raw bytes
// so subscribers can authenticate the origin.
func (d *Dispatcher) deliver(ctx context.Context, endpoint *models.WebhookEndpoint, event string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, []byte(endpoint.Secret))
	mac.Write(body)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set(eventIDHeader, uuid.New().String())
	req.Header.Set(eventTypeHeader, event)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook to %s: %w", endpoint.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint %s returned %d", endpoint.URL, resp.StatusCode)
	}
	return nil
}

// EnqueueSigningRequest queues the invitation email for a recipient
// whose turn just arrived.
func EnqueueSigningRequest(tx *gorm.DB, envelopeID string, recipient *models.Recipient) error {
	if recipient == nil {
		return errors.New("no recipient to invite")
	}
	key := fmt.Sprintf("email:SIGNING_REQUESTED:%s:%s", envelopeID, recipient.ID)
	return tasks.Enqueue(tx, TaskSendEmail, key, EmailPayload{
		EnvelopeID:  envelopeID,
		RecipientID: recipient.ID,
		Event:       "SIGNING_REQUESTED",
	})
}
