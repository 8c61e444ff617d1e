// Package api holds the HTTP handlers. Handlers read the application
// container from the gin context under the "app" key; the server's route
// wrapper puts it there.
package api

import (
	"errors"
	"net/http"

	"github.com/evermind-ai/persona-server/internal/artifacts"
	"github.com/evermind-ai/persona-server/internal/deployment"
	"github.com/evermind-ai/persona-server/internal/inference"
	"github.com/evermind-ai/persona-server/internal/services/safetyfilter"
	"github.com/evermind-ai/persona-server/internal/trainer"
	"github.com/evermind-ai/persona-server/pkg/retry"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

// bindBody decodes the request body into out based on Content-Type and
// writes the 400 response itself when decoding fails.
func bindBody(c *gin.Context, out any) bool {
	contentType := c.ContentType()
	if contentType == "" {
		contentType = "application/json" // Default to JSON
	}

	switch contentType {
	case "application/msgpack":
		if err := c.ShouldBindWith(out, binding.MsgPack); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "failed to parse msgpack request body"})
			return false
		}
	case "application/json":
		if err := c.ShouldBindWith(out, binding.JSON); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "failed to parse json request body"})
			return false
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"message": "unsupported content type: " + contentType})
		return false
	}

	return true
}

// errorStatus maps the domain error taxonomy onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case trainer.IsValidation(err), inference.IsValidation(err):
		return http.StatusBadRequest
	case safetyfilter.IsRefusal(err):
		return http.StatusForbidden
	case trainer.IsNotFound(err), deployment.IsNotFound(err), artifacts.IsNotFound(err),
		errors.Is(err, artifacts.ErrNoVersions):
		return http.StatusNotFound
	case trainer.IsState(err):
		return http.StatusConflict
	case trainer.IsRejected(err), artifacts.IsInvalidArtifact(err):
		return http.StatusUnprocessableEntity
	case deployment.IsNotReady(err), deployment.IsInsufficientMemory(err), deployment.IsEvictionBlocked(err):
		return http.StatusServiceUnavailable
	case retry.IsExhausted(err), deployment.IsLoadError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"message": err.Error()})
}
