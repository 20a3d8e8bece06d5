package v1

import (
	"context"
	"time"

	"github.com/Singlerr/FarPlaneTwo/internal/infrastructure/http/v1/handler"
	"github.com/Singlerr/FarPlaneTwo/pkg/logger"
	"github.com/Singlerr/FarPlaneTwo/pkg/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestIDHeader = "X-Request-ID"

func NewRouter(handler *handler.Handler, l logger.Logger, telemetryEnabled bool, timeout time.Duration) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(requestID())

	if telemetryEnabled {
		r.Use(telemetry.GinMiddleware("/metrics", "/api/v1/healthz"))
	}

	r.Use(ginZapLogger(l))
	r.Use(requestTimeout(timeout))

	api := r.Group("/api")
	v1 := api.Group("/v1")

	v1.GET("/healthz", handler.Healthz)
	v1.GET("/tile/:level/:x/:z", handler.Tile)
	v1.POST("/tile/request", handler.RequestTile)
	v1.POST("/world/regions/load", handler.LoadRegions)
	v1.POST("/world/columns", handler.SetColumns)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// requestTimeout bounds the request context. Zero disables it.
func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func ginZapLogger(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(logger.WithLogger(c.Request.Context(), l))

		start := time.Now()

		c.Next()

		latency := time.Since(start)

		l.Info("request",
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
			"latency", latency,
			"size", c.Writer.Size(),
			"request_id", c.GetString("request_id"),
		)
	}
}
