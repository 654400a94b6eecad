// Package api exposes the REST surface: the chat endpoint, plugin HTTP
// routes, health, and metrics.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frontclaw/backend/internal/chat"
	"github.com/frontclaw/backend/internal/orchestrator"
)

// PluginRouter is the orchestrator surface the plugin route handler needs.
type PluginRouter interface {
	RouteHTTPRequest(ctx context.Context, pluginID string, req orchestrator.HTTPRequest) (*orchestrator.HTTPResponse, error)
}

// Server hosts the HTTP API.
type Server struct {
	driver  *chat.Driver
	router  PluginRouter
	ws      http.HandlerFunc
	logger  *log.Logger
	httpSrv *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the component logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithWebSocket mounts a realtime gateway handler at /ws.
func WithWebSocket(h http.HandlerFunc) Option {
	return func(s *Server) { s.ws = h }
}

// NewServer builds the API server over the chat driver and plugin router.
func NewServer(driver *chat.Driver, router PluginRouter, opts ...Option) *Server {
	s := &Server{
		driver: driver,
		router: router,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route tree. Exposed separately so tests can drive it
// with httptest.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if s.ws != nil {
		r.HandleFunc("/ws", s.ws).Methods("GET")
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/chat", s.handleChat).Methods("POST")
	v1.PathPrefix("/p/{pluginId}").HandlerFunc(s.handlePluginRoute)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(port string) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Printf("listening on :%s", port)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}
