package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pesaflow/mpesa-payment-service/internal/config"
	"github.com/pesaflow/mpesa-payment-service/internal/service"
)

// NewRouter wires the caller-facing v1 group behind principal resolution and
// per-IP rate limiting. The gateway callback sits outside the limiter:
// Safaricom delivers from shared egress addresses that must never be throttled.
func NewRouter(svc *service.PaymentService, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))

	r.POST("/mpesa/callback", CallbackHandler(svc, log))

	v1 := r.Group("/v1")
	v1.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	v1.Use(PrincipalMiddleware())
	RegisterHandlers(v1, svc)

	return r
}
