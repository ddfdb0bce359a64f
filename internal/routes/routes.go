// internal/routes/routes.go
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "hubstream/docs"
	"hubstream/internal/config"
	"hubstream/internal/handler"
	"hubstream/internal/metrics"
	"hubstream/internal/middleware"
	"hubstream/internal/utils"
)

const (
	batchPath      = "/events:batch"
	batchRoutePath = "/events/batch"
)

// Router holds all dependencies for routing
type Router struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	writer  handler.EventWriter
	checks  []handler.Check
}

// NewRouter creates a new router instance. writer is nil for processes that
// only expose the health surface.
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	m *metrics.Metrics,
	writer handler.EventWriter,
	checks ...handler.Check,
) *Router {
	return &Router{
		config:  config,
		logger:  logger,
		metrics: m,
		writer:  writer,
		checks:  checks,
	}
}

// Handler returns the configured engine wrapped so that the batch endpoint
// answers on /events:batch
func (r *Router) Handler() http.Handler {
	return BatchPathRewrite(r.SetupRouter())
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	// Set Gin mode
	switch {
	case r.config.App.Environment == "test":
		gin.SetMode(gin.TestMode)
	case r.config.IsProduction() || !r.config.IsDebugEnabled():
		gin.SetMode(gin.ReleaseMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	// Create Gin engine
	router := gin.New()

	// Add middleware
	r.addMiddleware(router)

	// Add routes
	r.addRoutes(router)

	return router
}

// BatchPathRewrite serves /events:batch from the /events/batch route. The
// gin router reads ':' as the start of a path parameter.
func BatchPathRewrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == batchPath {
			req.URL.Path = batchRoutePath
			req.URL.RawPath = ""
		}
		next.ServeHTTP(w, req)
	})
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	// Recovery middleware
	router.Use(middleware.RecoveryMiddleware(r.logger))

	// Request ID middleware
	router.Use(middleware.RequestIDMiddleware())

	// Logging middleware; probes and scrapes are only logged when they fail
	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger, "/health", "/ready", "/live", "/metrics"))

	// CORS middleware
	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Debug("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	root := router.Group("")

	handler.NewHealthHandler(r.config, r.logger, r.checks...).RegisterRoutes(root)

	if r.metrics != nil {
		router.GET("/metrics", gin.WrapH(r.metrics.Handler()))
	}

	if r.writer != nil {
		handler.NewEventHandler(r.writer, r.logger).RegisterRoutes(root)
	}

	// Documentation routes
	r.addDocumentationRoutes(router)

	r.logger.Debug("All routes configured successfully")
}

// addDocumentationRoutes sets up documentation routes
func (r *Router) addDocumentationRoutes(router *gin.Engine) {
	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	// Swagger redirect for convenience
	router.GET("/docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})
}
