package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/evermind-ai/persona-server/internal/app"
	"github.com/evermind-ai/persona-server/internal/mq"
	"github.com/evermind-ai/persona-server/internal/trainer"
	"github.com/evermind-ai/persona-server/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/vmihailenco/msgpack/v5"
)

type SubmitJobResponse struct {
	ID     string          `json:"id"`
	Status types.JobStatus `json:"status"`
	Stream string          `json:"stream"`
}

func SubmitJobHandler(c *gin.Context) {
	var sub types.JobSubmission
	if !bindBody(c, &sub) {
		return
	}

	app := c.MustGet("app").(*app.App)
	id, err := app.Trainer.Enqueue(c.Request.Context(), sub)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SubmitJobResponse{
		ID:     id,
		Status: types.JobQueued,
		Stream: "/api/v1/training/jobs/" + id + "/stream",
	})
}

func GetJobHandler(c *gin.Context) {
	app := c.MustGet("app").(*app.App)
	job, err := app.Trainer.Job(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": job})
}

func ListJobsHandler(c *gin.Context) {
	app := c.MustGet("app").(*app.App)
	c.JSON(http.StatusOK, gin.H{"data": app.Trainer.Jobs()})
}

func CancelJobHandler(c *gin.Context) {
	app := c.MustGet("app").(*app.App)
	id := c.Param("id")
	if err := app.Trainer.Cancel(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "status": types.JobCancelled})
}

func QueueStatsHandler(c *gin.Context) {
	app := c.MustGet("app").(*app.App)
	c.JSON(http.StatusOK, gin.H{"data": app.Trainer.Stats()})
}

// StreamJobHandler relays a job's progress topic as server-sent events.
// Progress rides the queue as msgpack; it is re-encoded as JSON so browsers
// and the CLI can read the stream directly. The stream ends with the job's
// terminal event or when the client goes away.
func StreamJobHandler(c *gin.Context) {
	id := c.Param("id")
	app := c.MustGet("app").(*app.App)
	if _, err := app.Trainer.Job(id); err != nil {
		respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	topic := trainer.Topic(id)
	for {
		message, err := app.MQ().Receive(c.Request.Context(), topic)
		if err != nil {
			if errors.Is(err, mq.ErrTopicClosed) || errors.Is(err, mq.ErrQueueClosed) {
				return
			}
			if c.Request.Context().Err() != nil {
				return
			}

			continue
		}

		data, err := app.MQ().GetMessageData(message)
		if err != nil {
			continue
		}

		var event types.ProgressEvent
		if err := msgpack.Unmarshal(data, &event); err != nil {
			continue
		}

		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}

		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
			return
		}
		c.Writer.Flush()

		if err := app.MQ().Ack(topic, message); err != nil {
			continue
		}

		if event.Terminal() {
			return
		}
	}
}
