package api

import (
	"net/http"

	"github.com/evermind-ai/persona-server/internal/app"
	"github.com/evermind-ai/persona-server/internal/types"
	"github.com/gin-gonic/gin"
)

type DeployRequest struct {
	UserID string `json:"user_id" msgpack:"user_id"`
	// Version 0 deploys the user's latest promoted artifact.
	Version int `json:"version,omitempty" msgpack:"version,omitempty"`
}

func ListDeploymentsHandler(c *gin.Context) {
	app := c.MustGet("app").(*app.App)
	c.JSON(http.StatusOK, gin.H{"data": app.Deployments.Roster()})
}

func DeployModelHandler(c *gin.Context) {
	var req DeployRequest
	if !bindBody(c, &req) {
		return
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "user_id is required"})
		return
	}

	app := c.MustGet("app").(*app.App)
	id, err := app.Deployments.Deploy(c.Request.Context(), req.UserID, "", req.Version)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "status": types.DeploymentReady})
}

func UnloadDeploymentHandler(c *gin.Context) {
	app := c.MustGet("app").(*app.App)
	id := c.Param("id")
	if err := app.Deployments.Unload(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "status": types.DeploymentUnloaded})
}
