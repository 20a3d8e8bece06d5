package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/Singlerr/FarPlaneTwo/internal/repository/store"
	"github.com/Singlerr/FarPlaneTwo/internal/source"
	"github.com/Singlerr/FarPlaneTwo/internal/storage"
	"github.com/Singlerr/FarPlaneTwo/internal/tile"
	"github.com/Singlerr/FarPlaneTwo/internal/usecase"
	"github.com/Singlerr/FarPlaneTwo/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type Handler struct {
	validate *validator.Validate
	terrain  *usecase.TerrainUseCase
}

func NewHandler(v *validator.Validate, uc *usecase.TerrainUseCase) *Handler {
	return &Handler{
		validate: v,
		terrain:  uc,
	}
}

func (h *Handler) RespondWithJSON(c *gin.Context, code int, message string, data any) {
	c.JSON(code, response{
		Success: code < 400,
		Message: message,
		Data:    data,
	})
}

func (h *Handler) RespondWithInternalServerError(c *gin.Context, err error) {
	l := logger.FromContext(c.Request.Context())
	l.Error("internal http_server error",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"user_agent", c.Request.UserAgent(),
		"ip", c.ClientIP(),
		"error", err,
	)
	_ = c.Error(err)
	h.RespondWithJSON(c, http.StatusInternalServerError, InternalServerError.Error(), nil)
}

func (h *Handler) RespondWithError(c *gin.Context, code int, err error) {
	_ = c.Error(err)
	h.RespondWithJSON(c, code, err.Error(), nil)
}

// RespondWithDomainError maps usecase errors onto status codes.
func (h *Handler) RespondWithDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tile.ErrInvalidPos):
		h.RespondWithError(c, http.StatusBadRequest, err)
	case errors.Is(err, source.ErrNotLoaded):
		h.RespondWithError(c, http.StatusConflict, err)
	case errors.Is(err, storage.ErrClosed), errors.Is(err, store.ErrClosed):
		h.RespondWithError(c, http.StatusServiceUnavailable, ErrShuttingDown)
	case errors.Is(err, context.DeadlineExceeded):
		h.RespondWithError(c, http.StatusGatewayTimeout, ErrRequestTimeout)
	default:
		h.RespondWithInternalServerError(c, err)
	}
}

// bind decodes and validates a JSON body into dst.
func (h *Handler) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.RespondWithError(c, http.StatusBadRequest, ErrFailedToDecodeRequestBody)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.RespondWithError(c, http.StatusUnprocessableEntity, err)
		return false
	}
	return true
}
