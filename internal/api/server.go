package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/docserve/internal/config"
	"github.com/zjrosen/docserve/internal/log"
	"github.com/zjrosen/docserve/internal/tracing"
)

// Server owns the listener and the http.Server serving the API.
type Server struct {
	srv      *http.Server
	listener net.Listener
}

// NewServer binds the address and assembles the middleware chain around
// the handler: tracing outermost, then CORS.
func NewServer(host string, port int, corsCfg config.CORSConfig, tracer trace.Tracer, handler http.Handler) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: corsCfg.Origins,
		AllowedMethods: corsCfg.Methods,
		AllowedHeaders: corsCfg.Headers,
	}).Handler(handler)

	srv := &http.Server{
		Handler:           tracing.Middleware(tracer, corsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{srv: srv, listener: listener}, nil
}

// Addr returns the bound address, useful when port 0 was requested.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks serving requests until Shutdown or a listener error.
func (s *Server) Serve() error {
	log.Info(log.CatAPI, "server listening", "addr", s.Addr())
	if err := s.srv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info(log.CatAPI, "server shutting down")
	return s.srv.Shutdown(ctx)
}
