package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/seal-protocol/internal/apperr"
	"github.com/seal-protocol/internal/authn"
	"github.com/seal-protocol/internal/db/models"
	"github.com/seal-protocol/internal/services"
	"go.uber.org/zap"
)

type EnvelopeHandler struct {
	envelopeService *services.EnvelopeService
	resolver        *authn.Resolver
	logger          *zap.Logger
}

func NewEnvelopeHandler(envelopeService *services.EnvelopeService, resolver *authn.Resolver, logger *zap.Logger) *EnvelopeHandler {
	return &EnvelopeHandler{
		envelopeService: envelopeService,
		resolver:        resolver,
		logger:          logger.With(zap.String("handler", "envelope")),
	}
}

type actionRequest struct {
	Value  string       `json:"value"`
	Reason string       `json:"reason"`
	Auth   *authn.Proof `json:"auth"`
}

// actingUser resolves the authenticated account behind the
// X-Session-Token header, when present. Recipient tokens are the
// primary credential; the account session only backs ACCOUNT, PASSWORD,
// TWO_FACTOR_AUTH and PASSKEY proof checks. An account is never
// accepted on a bare email assertion.
func (h *EnvelopeHandler) actingUser(c *gin.Context) (*models.User, error) {
	token := c.GetHeader("X-Session-Token")
	if token == "" {
		return nil, nil
	}
	return h.resolver.ResolveSession(c.Request.Context(), token)
}

func (h *EnvelopeHandler) respondError(c *gin.Context, err error) {
	respondError(c, h.logger, err)
}

func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.Validation:
		status = http.StatusUnprocessableEntity
	case apperr.Unauthorized:
		status = http.StatusUnauthorized
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": apperr.Message(err)})
}

func (h *EnvelopeHandler) GetEnvelope(c *gin.Context) {
	user, err := h.actingUser(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	proof := &authn.Proof{
		Password:         c.GetHeader("X-Auth-Password"),
		TOTPCode:         c.GetHeader("X-Auth-TOTP"),
		PasskeyToken:     c.GetHeader("X-Auth-Passkey-Token"),
		PasskeyAssertion: c.GetHeader("X-Auth-Passkey-Assertion"),
	}

	view, err := h.envelopeService.GetRecipientView(c.Request.Context(), c.Param("token"), proof, user)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *EnvelopeHandler) SubmitField(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "malformed request body"})
		return
	}
	user, err := h.actingUser(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	field, err := h.envelopeService.SubmitFieldValue(
		c.Request.Context(), c.Param("token"), c.Param("fieldId"), req.Value, req.Auth, user)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"field": field})
}

func (h *EnvelopeHandler) Complete(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "malformed request body"})
		return
	}
	user, err := h.actingUser(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.envelopeService.CompleteRecipientAction(c.Request.Context(), c.Param("token"), req.Auth, user); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func (h *EnvelopeHandler) Reject(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "malformed request body"})
		return
	}
	if req.Reason == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "a rejection reason is required"})
		return
	}

	if err := h.envelopeService.RejectEnvelope(c.Request.Context(), c.Param("token"), req.Reason); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

func (h *EnvelopeHandler) PasskeyChallenge(c *gin.Context) {
	user, err := h.actingUser(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	token, options, err := h.envelopeService.IssuePasskeyChallenge(c.Request.Context(), user)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "options": options})
}

func (h *EnvelopeHandler) SendEnvelope(c *gin.Context) {
	if err := h.envelopeService.SendEnvelope(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (h *EnvelopeHandler) ResealEnvelope(c *gin.Context) {
	if err := h.envelopeService.ResealEnvelope(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}
