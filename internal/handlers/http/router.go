// Package http is the gin control API for the intercom engine.
package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"intercom/internal/core/ports"
	"intercom/internal/core/services"
	"intercom/internal/infrastructure/middleware"
	"intercom/internal/infrastructure/monitoring"
	"intercom/internal/infrastructure/signal"
	"intercom/pkg/config"
	"intercom/pkg/logger"
)

type RouterDeps struct {
	Calls    ports.CallController
	Settings *services.SettingsService
	Contacts *services.ContactBook
	Auth     services.AuthService // required when auth is enabled
	Health   *monitoring.HealthChecker
	Gatherer prometheus.Gatherer
	Hub      *signal.Hub
	Logger   *zap.Logger
}

// NewRouter assembles middleware and routes:
//
//	/health /ready /metrics
//	/api/v1/status, /call/:action, /settings, /contacts..., /auth/token
//	/ws/events
func NewRouter(cfg *config.Config, deps RouterDeps) *gin.Engine {
	sugar := deps.Logger.Sugar()

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(sugar),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(deps.Logger)),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(sugar),
	)
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	NewHealthHandler(deps.Health, deps.Gatherer).SetupRoutes(router, cfg.Monitoring.PrometheusEnabled)

	api := router.Group("/api/v1")
	read := api.Group("")
	control := api.Group("")
	ws := router.Group("/ws")
	if cfg.Auth.Enabled {
		NewAuthHandler(deps.Auth).SetupRoutes(api)
		read.Use(middleware.AuthMiddleware(deps.Auth, services.ScopeRead))
		control.Use(middleware.AuthMiddleware(deps.Auth, services.ScopeControl))
		ws.Use(middleware.AuthMiddleware(deps.Auth, services.ScopeRead))
	}

	NewCallHandler(deps.Calls).SetupRoutes(read, control)
	NewSettingsHandler(deps.Settings).SetupRoutes(read, control)
	NewContactsHandler(deps.Contacts).SetupRoutes(read, control)
	if deps.Hub != nil {
		NewEventsHandler(deps.Hub).SetupRoutes(ws)
	}

	return router
}
