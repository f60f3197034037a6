package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/hemocheck/triage-backend/internal/handlers"
	"github.com/hemocheck/triage-backend/internal/middleware"
	"github.com/hemocheck/triage-backend/internal/observability"
	"github.com/hemocheck/triage-backend/internal/platform/envutil"
	"github.com/hemocheck/triage-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log           *logger.Logger
	TriageHandler *handlers.TriageHandler
	DonorHandler  *handlers.DonorHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := strings.Split(envutil.Str("CORS_ALLOW_ORIGINS", "http://localhost:3000,http://localhost:5173"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Request-ID"},
		AllowCredentials: true,
	}))

	router.Use(otelgin.Middleware("hemocheck-triage"))
	router.Use(middleware.RequestMeta(cfg.Log))

	router.GET("/healthcheck", handlers.HealthCheck)
	if observability.Enabled() {
		router.GET("/metrics", handlers.Metrics)
	}

	api := router.Group("/api")
	{
		triage := api.Group("/triage")
		{
			triage.POST("/turn", cfg.TriageHandler.RunTurn)
			triage.GET("/session/:id", cfg.TriageHandler.GetSession)
			triage.POST("/session/:id/reset", cfg.TriageHandler.ResetSession)
			triage.GET("/session/:id/turns", cfg.TriageHandler.ListTurns)
		}

		if cfg.DonorHandler != nil {
			donors := api.Group("/donors")
			{
				donors.POST("", cfg.DonorHandler.Create)
				donors.GET("/:id", cfg.DonorHandler.GetByID)
				donors.PUT("/:id/attributes", cfg.DonorHandler.UpdateAttributes)
			}
		}
	}

	return router
}
