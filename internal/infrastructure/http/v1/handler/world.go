package handler

import (
	"net/http"

	"github.com/Singlerr/FarPlaneTwo/internal/infrastructure/http/v1/dto"
	"github.com/gin-gonic/gin"
)

func (h *Handler) LoadRegions(c *gin.Context) {
	var req dto.LoadRegionsRequest
	if !h.bind(c, &req) {
		return
	}

	v, err := h.terrain.LoadRegions(c.Request.Context(), req.SourceRegions())
	if err != nil {
		h.RespondWithDomainError(c, err)
		return
	}
	h.RespondWithJSON(c, http.StatusOK, "regions loaded", dto.VersionResponse{Version: int64(v)})
}

func (h *Handler) SetColumns(c *gin.Context) {
	var req dto.SetColumnsRequest
	if !h.bind(c, &req) {
		return
	}

	v, err := h.terrain.SetColumns(req.Edits())
	if err != nil {
		h.RespondWithDomainError(c, err)
		return
	}
	h.RespondWithJSON(c, http.StatusOK, "columns updated", dto.VersionResponse{Version: int64(v)})
}
