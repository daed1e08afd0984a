package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/fusion/models"
)

// Searcher runs aggregation tasks.
type Searcher interface {
	StartTask(ctx context.Context, query string, sourceIDs []string) (models.Task, error)
	Feed() models.Feed
	Subscribe(ctx context.Context) <-chan models.Feed
}

// PostSearch returns a handler for POST /api/v1/search. It starts a task and
// returns at once; results are read through GET /search or the stream.
func PostSearch(s Searcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.SearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidInput(c, err)
			return
		}

		task, err := s.StartTask(c.Request.Context(), req.Query, req.Sources)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, models.SearchResponse{Success: true, Task: &task})
	}
}

// GetSearch returns a handler for GET /api/v1/search: a snapshot of the
// current feed. An optional ?task= must match the current task.
func GetSearch(s Searcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		feed := s.Feed()
		if want := c.Query("task"); want != "" && want != feed.TaskID {
			respondError(c, models.NewFusionError(models.ErrCodeNoTask, "task is not the current task", nil))
			return
		}
		c.JSON(http.StatusOK, models.FeedResponse{Success: true, Feed: &feed})
	}
}

// streamHeartbeat keeps idle SSE connections open through proxies.
const streamHeartbeat = 15 * time.Second

// Stream returns a handler for GET /api/v1/search/stream. It emits a "feed"
// event per update and closes once the current task settles, unless
// ?follow=true keeps it open across tasks.
func Stream(s Searcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		follow := c.Query("follow") == "true"
		updates := s.Subscribe(c.Request.Context())
		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()

		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")
		c.Stream(func(w io.Writer) bool {
			select {
			case feed, ok := <-updates:
				if !ok {
					return false
				}
				c.SSEvent("feed", feed)
				return follow || !finished(feed)
			case <-heartbeat.C:
				c.SSEvent("ping", time.Now().Unix())
				return true
			}
		})
	}
}

func finished(feed models.Feed) bool {
	return feed.State == models.FeedSettled || feed.State == models.FeedEmpty
}
