package rest

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/Aroton/AroMCP-sub001/internal/infrastructure/logger"
	"github.com/Aroton/AroMCP-sub001/pkg/engine"
	"github.com/Aroton/AroMCP-sub001/pkg/loader"
	"github.com/Aroton/AroMCP-sub001/pkg/trigger"
)

// NewRouter builds the gin router exposing the engine's public API. Routes
// map 1:1 to the API methods; large state views and event exports are
// gzip-compressed.
func NewRouter(registry *loader.Registry, eng *engine.Engine, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{`.*/events/stream$`})))

	workflows := NewWorkflowHandlers(registry, log)
	executions := NewExecutionHandlers(eng, log)
	events := NewEventStreamHandler(eng.Tracker(), log)

	scheduler := trigger.NewCronScheduler(eng, log)
	scheduler.Start()
	triggers := NewTriggerHandlers(scheduler, log)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/workflows", workflows.HandleListWorkflows)
		v1.GET("/workflows/:name", workflows.HandleGetWorkflow)
		v1.POST("/workflows/:name/start", executions.HandleStart)

		v1.GET("/instances/:id", executions.HandleStatus)
		v1.GET("/instances/:id/next", executions.HandleGetNextStep)
		v1.POST("/instances/:id/steps/:step_id/complete", executions.HandleStepComplete)
		v1.POST("/instances/:id/state", executions.HandleUpdateState)
		v1.POST("/instances/:id/pause", executions.HandlePause)
		v1.POST("/instances/:id/resume", executions.HandleResume)
		v1.POST("/instances/:id/cancel", executions.HandleCancel)
		v1.GET("/instances/:id/sub_agents", executions.HandleListSubAgents)
		v1.GET("/instances/:id/events", executions.HandleEvents)
		v1.GET("/instances/:id/events/stream", events.HandleStream)

		v1.PUT("/triggers/:id", triggers.HandleAddTrigger)
		v1.DELETE("/triggers/:id", triggers.HandleRemoveTrigger)
	}

	return router
}
