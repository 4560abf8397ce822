package http

import (
	"github.com/gin-gonic/gin"
	"github.com/rinzindorjit/b4uesports/internal/config"
	"github.com/rinzindorjit/b4uesports/internal/piauth"
	"github.com/rinzindorjit/b4uesports/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc *service.PaymentService, verifier piauth.TokenVerifier, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc, verifier)
	return r
}
