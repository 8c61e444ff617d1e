package server

import (
	"net/http"

	"github.com/evermind-ai/persona-server/internal/api"
	"github.com/evermind-ai/persona-server/internal/api/middleware"
	"github.com/evermind-ai/persona-server/internal/app"
	"github.com/evermind-ai/persona-server/internal/metrics"
	"github.com/gin-gonic/gin"
)

func (s *Server) SetupRoutes(app *app.App) {
	// Health check endpoint
	s.ginEngine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Prometheus scrape endpoint
	s.ginEngine.GET("/metrics", metrics.Handler())

	// Not an API, just a simple file server endpoint
	s.ginEngine.GET("/files/:filename", handlerWrapper(app, api.GetFile))

	apiV1 := s.ginEngine.Group("/api/v1")

	// Authentication middleware
	apiV1.Use(handlerWrapper(app, middleware.AuthenticationMiddleware))

	apiV1.POST("/upload", handlerWrapper(app, api.UploadFileHandler))

	apiV1.POST("/training/jobs", handlerWrapper(app, api.SubmitJobHandler))
	apiV1.GET("/training/jobs", handlerWrapper(app, api.ListJobsHandler))
	apiV1.GET("/training/jobs/:id", handlerWrapper(app, api.GetJobHandler))
	apiV1.DELETE("/training/jobs/:id", handlerWrapper(app, api.CancelJobHandler))
	apiV1.GET("/training/jobs/:id/stream", handlerWrapper(app, api.StreamJobHandler))
	apiV1.GET("/training/queue", handlerWrapper(app, api.QueueStatsHandler))

	apiV1.POST("/inference", handlerWrapper(app, api.InferenceHandler))

	apiV1.GET("/deployments", handlerWrapper(app, api.ListDeploymentsHandler))
	apiV1.POST("/deployments", handlerWrapper(app, api.DeployModelHandler))
	apiV1.DELETE("/deployments/:id", handlerWrapper(app, api.UnloadDeploymentHandler))

	apiV1.GET("/system/stats", handlerWrapper(app, api.SystemStatsHandler))
}

func handlerWrapper(app *app.App, f func(c *gin.Context)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Set("app", app)
		f(ctx)
	}
}
