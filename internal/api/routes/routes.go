package routes

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/Wikid82/perimeter/internal/api/handlers"
	"github.com/Wikid82/perimeter/internal/api/middleware"
	"github.com/Wikid82/perimeter/internal/cerberus"
	"github.com/Wikid82/perimeter/internal/services"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	DB            *gorm.DB
	Engine        *cerberus.Engine
	Security      *services.SecurityService
	Notifications *services.NotificationService
	// Gatherer backs /metrics. Nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
	// Perimeter configures how the engine middleware reads identities and sessions.
	Perimeter cerberus.MiddlewareOptions
}

// Register wires up the API. Health and metrics stay outside the perimeter so
// probes are never rate limited.
func Register(router *gin.Engine, deps Deps) error {
	if deps.Engine == nil || deps.Security == nil || deps.Notifications == nil {
		return errors.New("routes: engine, security and notification services are required")
	}

	router.GET("/api/v1/health", handlers.HealthHandler(deps.DB))
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	api.Use(deps.Engine.Middleware(deps.Perimeter))

	adminAuth := middleware.AdminAuth(deps.Security)
	sec := handlers.NewSecurityHandler(deps.Engine, deps.Security)
	providers := handlers.NewNotificationProviderHandler(deps.Notifications)

	api.POST("/auth/session", adminAuth, sec.StartSession)

	admin := api.Group("/security")
	admin.Use(adminAuth)
	{
		admin.GET("/analytics", sec.GetAnalytics)
		admin.GET("/policy", sec.Policy)

		admin.GET("/sessions", sec.ListSessions)
		admin.POST("/sessions/:id/terminate", sec.TerminateSession)

		admin.GET("/blocks", sec.ListBlocks)
		admin.POST("/blocks", sec.CreateBlock)
		admin.DELETE("/blocks/:key", sec.DeleteBlock)

		admin.GET("/events", sec.ListEvents)

		admin.GET("/alerts", sec.ListAlerts)
		admin.GET("/alerts/:uuid/events", sec.GetAlertEvents)
		admin.POST("/alerts/:uuid/ack", sec.AcknowledgeAlert)
		admin.POST("/alerts/:uuid/resolve", sec.ResolveAlert)

		admin.GET("/audits", sec.ListAudits)

		admin.GET("/notifications/providers", providers.List)
		admin.POST("/notifications/providers", providers.Create)
		admin.POST("/notifications/providers/test", providers.Test)
		admin.DELETE("/notifications/providers/:id", providers.Delete)
	}
	return nil
}
