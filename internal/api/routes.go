package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/seal-protocol/internal/api/handlers"
	"github.com/seal-protocol/internal/api/middleware"
	"github.com/seal-protocol/internal/authn"
	"github.com/seal-protocol/internal/services"
	"github.com/seal-protocol/pkg/metrics"
	"go.uber.org/zap"
)

type Router struct {
	engine          *gin.Engine
	logger          *zap.Logger
	metrics         *metrics.MetricsCollector
	envelopeHandler *handlers.EnvelopeHandler
	authHandler     *handlers.AuthHandler
	reqMiddleware   *middleware.RequestMiddleware
}

func NewRouter(
	logger *zap.Logger,
	collector *metrics.MetricsCollector,
	envelopeService *services.EnvelopeService,
	resolver *authn.Resolver,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	reqMiddleware := middleware.NewRequestMiddleware(logger, collector)
	engine.Use(reqMiddleware.ProcessRequest())
	engine.Use(reqMiddleware.RecoverPanic())

	envelopeHandler := handlers.NewEnvelopeHandler(envelopeService, resolver, logger)
	authHandler := handlers.NewAuthHandler(resolver, logger)

	return &Router{
		engine:          engine,
		logger:          logger,
		metrics:         collector,
		envelopeHandler: envelopeHandler,
		authHandler:     authHandler,
		reqMiddleware:   reqMiddleware,
	}
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "up", "name": "seal-protocol"})
	})

	r.engine.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"counters":  r.metrics.GetCounters(),
			"latencies": r.metrics.GetLatencies(),
			"sizes":     r.metrics.GetSizes(),
		})
	})

	v1 := r.engine.Group("/api/v1")
	{
		v1.GET("/envelopes/:token", r.envelopeHandler.GetEnvelope)
		v1.POST("/envelopes/:token/fields/:fieldId", r.envelopeHandler.SubmitField)
		v1.POST("/envelopes/:token/complete", r.envelopeHandler.Complete)
		v1.POST("/envelopes/:token/reject", r.envelopeHandler.Reject)
		v1.POST("/auth/login", r.authHandler.Login)
		v1.POST("/auth/passkey-challenge", r.envelopeHandler.PasskeyChallenge)

		v1.POST("/admin/envelopes/:id/send", r.envelopeHandler.SendEnvelope)
		v1.POST("/admin/envelopes/:id/reseal", r.envelopeHandler.ResealEnvelope)
	}
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

func (r *Router) Run(addr string) error {
	r.logger.Info("Starting HTTP server", zap.String("address", addr))
	return r.engine.Run(addr)
}
