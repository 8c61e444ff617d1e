package api

import (
	"net/http"

	"github.com/evermind-ai/persona-server/internal/app"
	"github.com/gin-gonic/gin"
)

// SystemStatsHandler reports one consolidated snapshot: memory books, queue
// depth, the deployment roster, the last health sweep, and the journal
// position.
func SystemStatsHandler(c *gin.Context) {
	app := c.MustGet("app").(*app.App)

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"memory":      app.Allocator.Stats(),
		"queue":       app.Trainer.Stats(),
		"deployments": app.Deployments.Roster(),
		"health":      app.Health.LastReport(),
		"journal":     gin.H{"events": app.Journal.Seq()},
	}})
}
