package api

import (
	"net/http"

	"lostfound-board/backend/internal/chat"
	"lostfound-board/backend/internal/hub"
	"lostfound-board/backend/pkg/config"
	"lostfound-board/backend/pkg/errors"
	"lostfound-board/backend/pkg/logger"
	"lostfound-board/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Router wires the conversation subsystem's HTTP surface.
type Router struct {
	Engine *gin.Engine
	cfg    *config.Config
}

// NewRouter builds the gin engine with the full middleware stack and all
// conversation routes registered.
func NewRouter(cfg *config.Config, log *logger.Logger, service *chat.Service, rooms, inboxes *hub.Hub) *Router {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(cfg.Security.TrustedProxies)

	engine.Use(middleware.RequestID())
	engine.Use(logger.Middleware(log))
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())
	engine.Use(MetricsMiddleware())

	conversations := NewConversationHandler(service)
	events := NewEventsHandler(service, rooms, inboxes, cfg)

	sendLimiter := middleware.NewRateLimiter(log, middleware.RateLimiterOptions{
		Limit:          rate.Limit(cfg.Security.SendRateLimit),
		Burst:          cfg.Security.SendRateBurst,
		ExpiryDuration: middleware.DefaultRateLimiterOptions().ExpiryDuration,
	})

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := engine.Group("/", RequireAuth(cfg))
	{
		authed.GET("/conversations", conversations.ListInbox)
		authed.POST("/conversations", conversations.StartDirect)
		authed.GET("/conversations/:id", conversations.Open)
		authed.GET("/conversations/:id/messages", conversations.History)
		authed.POST("/conversations/:id/messages", sendLimiter.Middleware(), conversations.Send)
		authed.POST("/conversations/:id/read", conversations.MarkRead)
		authed.GET("/conversations/:id/events", events.RoomEvents)
		authed.GET("/conversations/:id/ws", events.RoomSocket)
		authed.GET("/inbox/events", events.InboxEvents)
	}

	return &Router{Engine: engine, cfg: cfg}
}
