package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ListModels handles the /v1/models endpoint (OpenAI compatible). Each
// active logical model is listed once, owned by the relay with its active
// upstream providers appended for visibility.
func (s *Server) ListModels(c *gin.Context) {
	ctx := c.Request.Context()

	mappings, err := s.models.ListActiveMappings(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Message: "Failed to list models",
				Type:    "api_error",
			},
		})
		return
	}

	providers, err := s.providers.List(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Message: "Failed to list models",
				Type:    "api_error",
			},
		})
		return
	}
	names := make(map[string]string, len(providers))
	for _, p := range providers {
		names[p.ID] = p.Name
	}

	models := make([]OpenAIModel, 0, len(mappings))
	for _, m := range mappings {
		ownedBy := "tingly-relay"

		edges, err := s.models.GetProviderMappings(ctx, m.RequestedModel, true)
		if err == nil && len(edges) > 0 {
			desc := make([]string, 0, len(edges))
			for _, e := range edges {
				if name, ok := names[e.ProviderID]; ok {
					desc = append(desc, name)
				} else {
					desc = append(desc, e.ProviderID)
				}
			}
			ownedBy += " via " + strings.Join(desc, ", ")
		}

		var created int64
		if !m.CreatedAt.IsZero() {
			created = m.CreatedAt.Unix()
		}

		models = append(models, OpenAIModel{
			ID:      m.RequestedModel,
			Object:  "model",
			Created: created,
			OwnedBy: ownedBy,
		})
	}

	c.JSON(http.StatusOK, OpenAIModelsResponse{
		Object: "list",
		Data:   models,
	})
}
