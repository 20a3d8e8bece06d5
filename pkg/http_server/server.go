package http_server

import (
	"context"
	"net"
	"net/http"

	"github.com/Singlerr/FarPlaneTwo/pkg/config"
)

// NewServer builds the http.Server for the API. Handlers receive requests
// whose context derives from ctx, so cancelling ctx reaches in-flight work.
func NewServer(ctx context.Context, cfg config.Server, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
}
