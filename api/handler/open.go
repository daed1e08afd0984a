package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/use-agent/fusion/models"
	"github.com/use-agent/fusion/sources"
)

// Opener opens untagged pages for manual browsing.
type Opener interface {
	Open(ctx context.Context, task models.Task, src sources.Source) (string, error)
}

// Open returns a handler for POST /api/v1/open. Every named source is
// opened in its own foreground context, with no loading policy and no
// extraction. Any source may be opened, parsable or not.
func Open(o Opener, catalog *sources.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.SearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidInput(c, err)
			return
		}
		query := strings.TrimSpace(req.Query)
		if query == "" {
			respondError(c, models.NewFusionError(models.ErrCodeInvalidInput, "query must not be empty", nil))
			return
		}

		srcs := catalog.ForOpen(req.Sources)
		if len(srcs) == 0 {
			respondError(c, models.ErrNoSources)
			return
		}

		id, err := uuid.NewV7()
		if err != nil {
			respondError(c, err)
			return
		}
		task := models.Task{ID: id.String(), Query: query, CreatedAt: time.Now()}

		opened := make([]string, 0, len(srcs))
		var lastErr error
		for _, src := range srcs {
			task.Sources = append(task.Sources, src.ID)
			if _, err := o.Open(c.Request.Context(), task, src); err != nil {
				slog.Warn("open failed", "source", src.ID, "error", err)
				lastErr = err
				continue
			}
			opened = append(opened, src.ID)
		}
		if len(opened) == 0 && lastErr != nil {
			respondError(c, lastErr)
			return
		}
		c.JSON(http.StatusOK, models.OpenResponse{Success: true, Opened: opened})
	}
}
