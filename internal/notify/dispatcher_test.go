package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/seal-protocol/internal/config"
	"github.com/seal-protocol/internal/db"
	"github.com/seal-protocol/internal/db/models"
	"github.com/seal-protocol/internal/tasks"
	"github.com/seal-protocol/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(gdb))
	return gdb
}

func newTestDispatcher(t *testing.T, gdb *gorm.DB, mailer Mailer) (*Dispatcher, *tasks.Runner) {
	t.Helper()
	runner := tasks.NewRunner(gdb, zap.NewNop(), metrics.NewMetricsCollector(), 50*time.Millisecond, 3)
	cfg := &config.NotificationConfig{
		FromAddress:    "noreply@test.local",
		WebhookTimeout: 2 * time.Second,
		MaxAttempts:    3,
	}
	return NewDispatcher(gdb, runner, mailer, cfg, zap.NewNop(), metrics.NewMetricsCollector()), runner
}

func seedEnvelope(t *testing.T, gdb *gorm.DB) (*models.Envelope, *models.Recipient) {
	t.Helper()
	env := models.Envelope{
		ID:         "env-1",
		ExternalID: "ext-42",
		Title:      "Retention Agreement",
		Status:     models.EnvelopeCompleted,
	}
	require.NoError(t, gdb.Create(&env).Error)
	recipient := models.Recipient{
		ID:         "rec-1",
		EnvelopeID: env.ID,
		Email:      "signer@example.com",
		Name:       "Signer One",
		Role:       models.RoleSigner,
		Token:      "tok-1",
	}
	require.NoError(t, gdb.Create(&recipient).Error)
	return &env, &recipient
}

func TestHandleEmailSendsAndAudits(t *testing.T) {
	gdb := newTestDB(t)
	mailer := &RecordingMailer{}
	dispatcher, _ := newTestDispatcher(t, gdb, mailer)
	env, rec := seedEnvelope(t, gdb)

	payload, _ := json.Marshal(EmailPayload{
		EnvelopeID:  env.ID,
		RecipientID: rec.ID,
		Event:       string(models.EventDocumentCompleted),
	})
	task := &models.OutboxTask{ID: "email:1", Name: TaskSendEmail, Payload: string(payload)}

	require.NoError(t, dispatcher.HandleEmail(context.Background(), task))
	require.Len(t, mailer.Sent, 1)
	assert.Equal(t, "signer@example.com", mailer.Sent[0].To)
	assert.Contains(t, mailer.Sent[0].Subject, "Retention Agreement")

	var entry models.AuditLogEntry
	require.NoError(t, gdb.First(&entry, "type = ?", models.AuditEmailSent).Error)
	assert.Equal(t, env.ID, entry.EnvelopeID)
}

func TestHandleEmailFailureIsRetryable(t *testing.T) {
	gdb := newTestDB(t)
	mailer := &RecordingMailer{Fail: true}
	dispatcher, _ := newTestDispatcher(t, gdb, mailer)
	env, rec := seedEnvelope(t, gdb)

	payload, _ := json.Marshal(EmailPayload{EnvelopeID: env.ID, RecipientID: rec.ID, Event: "SIGNING_REQUESTED"})
	task := &models.OutboxTask{ID: "email:1", Name: TaskSendEmail, Payload: string(payload)}

	err := dispatcher.HandleEmail(context.Background(), task)
	require.Error(t, err)

	// The failed attempt still lands in the audit trail.
	var entry models.AuditLogEntry
	require.NoError(t, gdb.First(&entry, "type = ?", models.AuditEmailFailed).Error)
	assert.Equal(t, env.ID, entry.EnvelopeID)
}

func TestHandleWebhookSignsBody(t *testing.T) {
	gdb := newTestDB(t)
	dispatcher, _ := newTestDispatcher(t, gdb, &RecordingMailer{})
	env, _ := seedEnvelope(t, gdb)

	var gotBody []byte
	var gotSig, gotEventType, gotEventID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature")
		gotEventType = r.Header.Get("X-Event-Type")
		gotEventID = r.Header.Get("X-Event-Id")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	endpoint := models.WebhookEndpoint{
		OwnerScope:       "org-1",
		URL:              server.URL,
		Secret:           "topsecret",
		SubscribedEvents: "DOCUMENT_COMPLETED,DOCUMENT_REJECTED",
		Enabled:          true,
	}
	require.NoError(t, gdb.Create(&endpoint).Error)

	payload, _ := json.Marshal(WebhookPayload{
		EndpointID: endpoint.ID,
		EnvelopeID: env.ID,
		Event:      string(models.EventDocumentCompleted),
	})
	task := &models.OutboxTask{ID: "webhook:1", Name: TaskDeliverWebhook, Payload: string(payload)}

	require.NoError(t, dispatcher.HandleWebhook(context.Background(), task))

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
	assert.Equal(t, "DOCUMENT_COMPLETED", gotEventType)
	assert.NotEmpty(t, gotEventID)

	var body webhookBody
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, env.ID, body.EnvelopeID)
	assert.Equal(t, "ext-42", body.ExternalID)
	assert.Equal(t, "COMPLETED", body.Status)

	var entry models.AuditLogEntry
	require.NoError(t, gdb.First(&entry, "type = ?", models.AuditWebhookDelivered).Error)
	assert.Equal(t, env.ID, entry.EnvelopeID)
}

func TestHandleWebhookNon2xxFails(t *testing.T) {
	gdb := newTestDB(t)
	dispatcher, _ := newTestDispatcher(t, gdb, &RecordingMailer{})
	env, _ := seedEnvelope(t, gdb)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	endpoint := models.WebhookEndpoint{
		OwnerScope:       "org-1",
		URL:              server.URL,
		Secret:           "topsecret",
		SubscribedEvents: "DOCUMENT_COMPLETED",
		Enabled:          true,
	}
	require.NoError(t, gdb.Create(&endpoint).Error)

	payload, _ := json.Marshal(WebhookPayload{EndpointID: endpoint.ID, EnvelopeID: env.ID, Event: "DOCUMENT_COMPLETED"})
	task := &models.OutboxTask{ID: "webhook:1", Name: TaskDeliverWebhook, Payload: string(payload)}

	err := dispatcher.HandleWebhook(context.Background(), task)
	require.Error(t, err)

	var entry models.AuditLogEntry
	require.NoError(t, gdb.First(&entry, "type = ?", models.AuditWebhookFailed).Error)
	assert.Equal(t, env.ID, entry.EnvelopeID)
}

func TestHandleWebhookDisabledEndpointDrops(t *testing.T) {
	gdb := newTestDB(t)
	dispatcher, _ := newTestDispatcher(t, gdb, &RecordingMailer{})
	env, _ := seedEnvelope(t, gdb)

	endpoint := models.WebhookEndpoint{
		OwnerScope:       "org-1",
		URL:              "http://unreachable.invalid",
		Secret:           "topsecret",
		SubscribedEvents: "DOCUMENT_COMPLETED",
		Enabled:          false,
	}
	require.NoError(t, gdb.Create(&endpoint).Error)

	payload, _ := json.Marshal(WebhookPayload{EndpointID: endpoint.ID, EnvelopeID: env.ID, Event: "DOCUMENT_COMPLETED"})
	task := &models.OutboxTask{ID: "webhook:1", Name: TaskDeliverWebhook, Payload: string(payload)}

	// Dropping a disabled endpoint is a success, not a retry.
	require.NoError(t, dispatcher.HandleWebhook(context.Background(), task))
}

func TestDisabledEndpointStaysDisabled(t *testing.T) {
	gdb := newTestDB(t)

	endpoint := models.WebhookEndpoint{
		OwnerScope:       "org-1",
		URL:              "http://unreachable.invalid",
		Secret:           "topsecret",
		SubscribedEvents: "DOCUMENT_COMPLETED",
		Enabled:          false,
	}
	require.NoError(t, gdb.Create(&endpoint).Error)

	// A zero-valued Enabled must survive the insert; a column default
	// would silently re-enable it.
	var reloaded models.WebhookEndpoint
	require.NoError(t, gdb.First(&reloaded, endpoint.ID).Error)
	assert.False(t, reloaded.Enabled)
}

func TestHandleEmailSucceedsWhenAuditInsertFails(t *testing.T) {
	gdb := newTestDB(t)
	mailer := &RecordingMailer{}
	dispatcher, _ := newTestDispatcher(t, gdb, mailer)
	env, rec := seedEnvelope(t, gdb)

	// Losing the audit row is logged, never surfaced as a dispatch
	// failure that would retry an already-sent mail.
	require.NoError(t, gdb.Migrator().DropTable(&models.AuditLogEntry{}))

	payload, _ := json.Marshal(EmailPayload{
		EnvelopeID:  env.ID,
		RecipientID: rec.ID,
		Event:       string(models.EventDocumentCompleted),
	})
	task := &models.OutboxTask{ID: "email:1", Name: TaskSendEmail, Payload: string(payload)}

	require.NoError(t, dispatcher.HandleEmail(context.Background(), task))
	require.Len(t, mailer.Sent, 1)
}

func TestSubscribedTo(t *testing.T) {
	endpoint := models.WebhookEndpoint{SubscribedEvents: "DOCUMENT_COMPLETED, DOCUMENT_REJECTED"}
	assert.True(t, endpoint.SubscribedTo(models.EventDocumentCompleted))
	assert.True(t, endpoint.SubscribedTo(models.EventDocumentRejected))
	assert.False(t, endpoint.SubscribedTo(models.EventDocumentSent))
}

func TestEnqueueSigningRequestKeyedPerRecipient(t *testing.T) {
	gdb := newTestDB(t)
	_, rec := seedEnvelope(t, gdb)

	require.NoError(t, EnqueueSigningRequest(gdb, "env-1", rec))
	require.NoError(t, EnqueueSigningRequest(gdb, "env-1", rec))

	var count int64
	require.NoError(t, gdb.Model(&models.OutboxTask{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}
