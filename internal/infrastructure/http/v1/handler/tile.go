package handler

import (
	"net/http"
	"strconv"

	"github.com/Singlerr/FarPlaneTwo/internal/infrastructure/http/v1/dto"
	"github.com/Singlerr/FarPlaneTwo/internal/scheduler"
	"github.com/Singlerr/FarPlaneTwo/internal/tile"
	"github.com/Singlerr/FarPlaneTwo/pkg/logger"
	"github.com/gin-gonic/gin"
)

func parseInt32(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	return int32(v), err
}

func parsePos(c *gin.Context) (tile.Pos, error) {
	level, err := parseInt32(c.Param("level"))
	if err != nil {
		return tile.Pos{}, err
	}
	x, err := parseInt32(c.Param("x"))
	if err != nil {
		return tile.Pos{}, err
	}
	z, err := parseInt32(c.Param("z"))
	if err != nil {
		return tile.Pos{}, err
	}
	return tile.Pos{X: x, Z: z, Level: level}, nil
}

func parsePriority(c *gin.Context) (int32, error) {
	raw, ok := c.GetQuery("priority")
	if !ok {
		return scheduler.PriorityRequested, nil
	}
	p, err := parseInt32(raw)
	if err != nil || p < 0 || p > 1000 {
		return 0, ErrInvalidPriority
	}
	return p, nil
}

// Tile returns the tile if it is generated. Otherwise it schedules the tile
// and answers 202.
func (h *Handler) Tile(c *gin.Context) {
	l := logger.FromContext(c.Request.Context())

	pos, err := parsePos(c)
	if err != nil {
		h.RespondWithError(c, http.StatusBadRequest, ErrInvalidTileParam)
		return
	}
	priority, err := parsePriority(c)
	if err != nil {
		h.RespondWithError(c, http.StatusBadRequest, err)
		return
	}

	snap, ok, err := h.terrain.Snapshot(c.Request.Context(), pos)
	if err != nil {
		h.RespondWithDomainError(c, err)
		return
	}
	if ok {
		l.Debug("returned generated tile", "pos", pos, "timestamp", snap.Timestamp)
		h.RespondWithJSON(c, http.StatusOK, "got tile", dto.NewTileResponse(snap))
		return
	}

	h.schedule(c, pos, priority)
}

func (h *Handler) RequestTile(c *gin.Context) {
	var req dto.TileRequest
	if !h.bind(c, &req) {
		return
	}

	priority := scheduler.PriorityRequested
	if req.Priority != nil {
		priority = *req.Priority
	}
	h.schedule(c, req.Pos(), priority)
}

func (h *Handler) schedule(c *gin.Context, pos tile.Pos, priority int32) {
	t, err := h.terrain.RequestTile(pos, priority)
	if err != nil {
		h.RespondWithDomainError(c, err)
		return
	}
	h.RespondWithJSON(c, http.StatusAccepted, "tile scheduled", dto.TaskResponse{
		Task:     t.Key().String(),
		Priority: t.Priority(),
	})
}
