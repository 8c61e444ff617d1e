package api

import (
	"net/http"
	"time"

	"github.com/evermind-ai/persona-server/internal/app"
	"github.com/evermind-ai/persona-server/internal/inference"
	"github.com/evermind-ai/persona-server/internal/metrics"
	"github.com/evermind-ai/persona-server/internal/services/safetyfilter"
	"github.com/evermind-ai/persona-server/internal/types"
	"github.com/gin-gonic/gin"
)

func InferenceHandler(c *gin.Context) {
	var req types.InferenceRequest
	if !bindBody(c, &req) {
		return
	}

	app := c.MustGet("app").(*app.App)
	started := time.Now()
	resp, err := app.Inference.GenerateResponse(c.Request.Context(), req)
	if err != nil {
		outcome := metrics.OutcomeFailed
		if safetyfilter.IsRefusal(err) {
			outcome = metrics.OutcomeRefused
		}
		attempts := inference.AttemptsFromError(err)
		metrics.ObserveInference(outcome, time.Since(started), len(attempts))

		body := gin.H{"message": err.Error()}
		if len(attempts) > 0 {
			body["attempts"] = attempts
		}
		c.JSON(errorStatus(err), body)
		return
	}

	metrics.ObserveInference(metrics.OutcomeOK, time.Since(started), len(resp.Attempts))
	c.JSON(http.StatusOK, resp)
}
