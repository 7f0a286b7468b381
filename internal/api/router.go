package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prasenjit/omock/internal/logging"
	"github.com/prasenjit/omock/internal/metrics"
	"github.com/prasenjit/omock/internal/mocks"
	"github.com/prasenjit/omock/internal/models"
	"github.com/prasenjit/omock/internal/peersync"
	"github.com/prasenjit/omock/internal/stats"
	"github.com/prasenjit/omock/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// MockPrefix is the path prefix of the dynamic mock route
const MockPrefix = "/mock/"

// Dependencies are the components the router serves
type Dependencies struct {
	Mocks    *mocks.Service
	Dispatch http.Handler
	Stats    *stats.Collector
	Tracing  *tracing.Service
	Syncer   SyncController
	// Gatherer exposes /metrics when set
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	SharedSecret string
	SecretHeader string
}

// Router handles HTTP routing
type Router struct {
	engine  *gin.Engine
	deps    Dependencies
	handler *Handler
	logger  *zap.Logger
}

// NewRouter creates a new router
func NewRouter(deps Dependencies) *Router {
	logger := logging.OrNop(deps.Logger)
	if deps.SecretHeader == "" {
		deps.SecretHeader = peersync.DefaultSecretHeader
	}

	r := &Router{
		engine: gin.New(),
		deps:   deps,
		logger: logger,
	}

	r.handler = NewHandler(deps.Mocks, deps.Stats, deps.Tracing, deps.Syncer, logger.Named("api"))

	r.engine.Use(gin.Recovery())
	r.engine.Use(corsMiddleware())
	r.engine.Use(deps.Metrics.GinMiddleware())
	r.engine.Use(logging.GinLogger(logger.Named("http")))

	r.setupRoutes()

	return r
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	api := r.engine.Group("/_api")
	{
		// Mocks
		api.GET("/mocks", r.handler.ListMocks)
		api.POST("/mocks", r.handler.CreateMock)
		api.DELETE("/mocks", r.handler.DeleteAllMocks)
		api.GET("/mocks/:id", r.handler.GetMock)
		api.PUT("/mocks/:id", r.handler.UpdateMock)
		api.DELETE("/mocks/:id", r.handler.DeleteMock)

		// Import
		api.POST("/import/openapi", r.handler.ImportOpenAPI)

		// Statistics
		api.GET("/stats", r.handler.GetGlobalStats)
		api.GET("/stats/mocks/:id", r.handler.GetMockStats)
		api.POST("/stats/reset", r.handler.ResetStats)

		// Tracing
		api.GET("/traces", r.handler.ListTraces)
		api.GET("/traces/:id", r.handler.GetTrace)
		api.DELETE("/traces", r.handler.ClearTraces)

		// Peers
		api.GET("/peers", r.handler.GetPeers)
		api.POST("/sync", r.handler.TriggerSync)

		// Health
		api.GET("/health", r.handler.HealthCheck)
	}

	if r.deps.Tracing != nil {
		wsHandler := tracing.NewWebSocketHandler(r.deps.Tracing, r.logger.Named("tracing"))
		r.engine.GET("/_api/traces/stream", gin.WrapH(wsHandler))
	}

	if r.deps.SharedSecret == "" {
		r.logger.Warn("no shared secret configured; internal replication endpoints reject all calls")
	}
	internal := r.engine.Group("/_internal", RequireSecret(r.deps.SharedSecret, r.deps.SecretHeader, r.logger))
	{
		internal.POST("/mocks", r.handler.InternalCreate)
		internal.PUT("/mocks/:id", r.handler.InternalUpdate)
		internal.DELETE("/mocks/:id", r.handler.InternalDelete)
		internal.DELETE("/mocks", r.handler.InternalClear)
	}

	r.engine.GET("/health", r.handler.HealthCheck)
	r.engine.GET("/ready", r.handler.ReadyCheck)

	if r.deps.Gatherer != nil {
		r.engine.GET("/metrics", gin.WrapH(metrics.Handler(r.deps.Gatherer)))
	}

	if r.deps.Dispatch != nil {
		dispatch := gin.WrapH(r.deps.Dispatch)
		for _, method := range models.SupportedMethods {
			r.engine.Handle(method, MockPrefix+"*name", dispatch)
		}
	}
}

// Handler returns the http.Handler
func (r *Router) Handler() http.Handler {
	return r.engine
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
