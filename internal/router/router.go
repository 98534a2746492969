package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/handler"
	"github.com/stemsi/proctord/internal/middleware"
	"github.com/stemsi/proctord/internal/response"
	"github.com/stemsi/proctord/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	WS      *handler.WSHandler
	Proctor *handler.ProctorHandler
	Monitor *handler.MonitorHandler
}

// Deps carries the cross-cutting pieces the router wires in.
type Deps struct {
	Auth     *service.AuthService
	Limiter  *middleware.RateLimiter
	Registry *prometheus.Registry
	Log      zerolog.Logger
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(deps Deps, handlers *Handlers, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(response.AccessLog(deps.Log))
	router.Use(middleware.BrotliWithConfig(middleware.BrotliConfig{
		Quality:   middleware.DefaultBrotliConfig.Quality,
		MinLength: middleware.DefaultBrotliConfig.MinLength,
		SkipPaths: []string{"/metrics"},
	}))

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// Prometheus scrape endpoint.
	if deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	// ─── 1. Student Group (JWT, Rate Limited) ──────────────────────────
	studentAPI := router.Group("/api/v1/student")
	if deps.Limiter != nil {
		studentAPI.Use(deps.Limiter.Middleware())
	}
	studentAPI.Use(middleware.RequireStudentJWT(deps.Auth), middleware.NoStore())
	{
		studentAPI.GET("/tests/:test_id/proctor", handlers.Proctor.GetState)
		studentAPI.GET("/tests/:test_id/proctor/violations", handlers.Proctor.GetViolations)
	}

	// ─── 2. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	if deps.Limiter != nil {
		ws.Use(deps.Limiter.Middleware())
	}
	ws.Use(middleware.RequireStudentWSAuth(deps.Auth))
	{
		ws.GET("/student/tests/:test_id/proctor", handlers.WS.ProctorStream)
	}

	// ─── 3. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin/proctor")
	adminAPI.Use(
		middleware.RequireAdminJWT(deps.Auth),
		middleware.RequirePermission(service.PermissionProctorRead),
		middleware.NoStore(),
	)
	{
		adminAPI.GET("/sessions", handlers.Proctor.ListSessions)
		adminAPI.GET("/tests/:test_id/summary", handlers.Proctor.GetSummary)
		adminAPI.GET("/tests/:test_id/violations", handlers.Proctor.ListViolations)
		adminAPI.GET("/tests/:test_id/users/:user_id/counts", handlers.Proctor.GetViolationCounts)
		adminAPI.GET("/tests/:test_id/monitor", handlers.Monitor.MonitorTestSSE)
	}

	return router
}
