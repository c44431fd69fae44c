package http

import (
	"net/http"
	"time"

	"fieldgw/internal/core/services"
	"fieldgw/internal/infrastructure/middleware"
	"fieldgw/pkg/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewAdminRouter builds the gateway admin server. With a JWT secret set the
// /api/v1 group requires a bearer token of role admin.
func NewAdminRouter(cfg config.AdminConfig, status *StatusHandler, logger *zap.SugaredLogger) *gin.Engine {
	router := newRouter(cfg.RateLimit, logger)

	var protect []gin.HandlerFunc
	if cfg.JWTSecret != "" {
		auth := services.NewAuthService(cfg.JWTSecret, time.Hour, nil)
		protect = append(protect, middleware.AuthMiddleware(auth), middleware.RequireRole("admin"))
	}
	status.SetupRoutes(router, protect...)
	return router
}

// NewSignalRouter builds the rendezvous server: the device websocket at
// /signal and the token API.
func NewSignalRouter(limit config.HTTPRateLimitConfig, signal, health http.HandlerFunc, auth *AuthHandler, logger *zap.SugaredLogger) *gin.Engine {
	router := newRouter(limit, logger)
	router.GET("/signal", gin.WrapF(signal))
	router.GET("/health", gin.WrapF(health))
	auth.SetupRoutes(router)
	return router
}

func newRouter(limit config.HTTPRateLimitConfig, logger *zap.SugaredLogger) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(limit),
		middleware.ErrorHandlerMiddleware(logger),
	)
	return router
}
