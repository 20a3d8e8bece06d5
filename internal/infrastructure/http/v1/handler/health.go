package handler

import (
	"net/http"

	"github.com/Singlerr/FarPlaneTwo/internal/infrastructure/http/v1/dto"
	"github.com/gin-gonic/gin"
)

func (h *Handler) Healthz(c *gin.Context) {
	stats, live := h.terrain.Stats()
	h.RespondWithJSON(c, http.StatusOK, "OK", dto.HealthResponse{
		Queued:    stats.Queued,
		Running:   stats.Running,
		Completed: stats.Completed,
		Failed:    stats.Failed,
		LiveTiles: live,
	})
}
