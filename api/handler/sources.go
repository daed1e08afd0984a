package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/fusion/models"
	"github.com/use-agent/fusion/sources"
)

// Sources returns a handler for GET /api/v1/sources. An optional
// ?category= narrows the list.
func Sources(catalog *sources.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		category := c.Query("category")

		resp := models.SourcesResponse{Sources: []models.SourceInfo{}}
		for _, cat := range catalog.Categories() {
			resp.Categories = append(resp.Categories, cat.Value)
		}
		for _, s := range catalog.List() {
			if category != "" && s.Category != category {
				continue
			}
			resp.Sources = append(resp.Sources, models.SourceInfo{
				ID:       s.ID,
				Name:     s.Name,
				Category: s.Category,
				Parsable: s.IsParsable(),
			})
		}
		c.JSON(http.StatusOK, resp)
	}
}
