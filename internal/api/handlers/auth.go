package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/seal-protocol/internal/authn"
	"go.uber.org/zap"
)

type AuthHandler struct {
	resolver *authn.Resolver
	logger   *zap.Logger
}

func NewAuthHandler(resolver *authn.Resolver, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		resolver: resolver,
		logger:   logger.With(zap.String("handler", "auth")),
	}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login exchanges account credentials for a session token. The token is
// presented in the X-Session-Token header on subsequent requests.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "malformed request body"})
		return
	}

	token, err := h.resolver.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
