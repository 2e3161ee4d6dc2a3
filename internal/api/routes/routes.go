package routes

import (
	"log/slog"
	"net/http"

	"notify-service/internal/api/handlers"
	"notify-service/internal/api/middleware"
	"notify-service/internal/events"
	"notify-service/internal/metrics"
	"notify-service/internal/monitoring"
	"notify-service/internal/queue"
	"notify-service/internal/websocket"

	"github.com/gin-gonic/gin"
)

// Dependencies are the components the HTTP surface exposes.
type Dependencies struct {
	Hub            *websocket.Hub
	Registry       *websocket.Registry
	Events         *events.Router
	Graph          *events.StoreGraph
	Queues         *queue.Engine
	Monitor        *monitoring.Monitor
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	AllowedOrigins []string
	AdminToken     string
}

type Router struct {
	engine          *gin.Engine
	deps            Dependencies
	wsHandler       *handlers.WSHandler
	queueHandler    *handlers.QueueHandler
	eventHandler    *handlers.EventHandler
	presenceHandler *handlers.PresenceHandler
	healthHandler   *handlers.HealthHandler
}

func NewRouter(deps Dependencies) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(deps.AllowedOrigins))
	engine.Use(middleware.LogApi(deps.Logger, deps.Metrics))

	return &Router{
		engine:          engine,
		deps:            deps,
		wsHandler:       handlers.NewWSHandler(deps.Hub),
		queueHandler:    handlers.NewQueueHandler(deps.Queues),
		eventHandler:    handlers.NewEventHandler(deps.Events, deps.Graph),
		presenceHandler: handlers.NewPresenceHandler(deps.Registry),
		healthHandler:   handlers.NewHealthHandler(deps.Monitor),
	}
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if r.deps.Metrics != nil {
		r.engine.GET("/metrics", gin.WrapH(r.deps.Metrics.Handler()))
	}
	r.wsHandler.RegisterRoutes(r.engine)

	api := r.engine.Group("/api/v1")
	api.Use(middleware.AdminToken(r.deps.AdminToken))
	r.queueHandler.RegisterRoutes(api)
	r.eventHandler.RegisterRoutes(api)
	r.presenceHandler.RegisterRoutes(api)
	r.healthHandler.RegisterRoutes(api)
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
