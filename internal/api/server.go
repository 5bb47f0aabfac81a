// Package api exposes the billing engine over an admin HTTP surface.
// The storage cluster and operator tooling call these endpoints; end
// users never reach this server directly.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Peergos/payments/internal/engine"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// BatchTrigger requests an immediate settlement pass from the
// scheduler.
type BatchTrigger interface {
	RunNow()
}

type Server struct {
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	engine     *engine.Engine
	trigger    BatchTrigger
	authToken  string
	startTime  time.Time
}

// NewServer wires the admin routes. An empty authToken disables
// authentication, for local runs against the in-memory store only.
func NewServer(addr, authToken string, logger *zap.Logger, eng *engine.Engine,
	trigger BatchTrigger, gatherer prometheus.Gatherer) *Server {

	s := &Server{
		logger:    logger,
		router:    mux.NewRouter(),
		engine:    eng,
		trigger:   trigger,
		authToken: authToken,
		startTime: time.Now(),
	}

	s.setupRoutes(gatherer)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(s.authMiddleware)
	admin.HandleFunc("/signups", s.handleSignups).Methods("GET")
	admin.HandleFunc("/usernames", s.handleUsernames).Methods("GET")
	admin.HandleFunc("/allowed", s.handleAllowed).Methods("GET")
	admin.HandleFunc("/quota", s.handleQuota).Methods("GET")
	admin.HandleFunc("/payment-properties", s.handlePaymentProperties).Methods("GET")
	admin.HandleFunc("/payments", s.handlePayments).Methods("GET")
	admin.HandleFunc("/quota-request", s.handleQuotaRequest).Methods("POST")
	admin.HandleFunc("/settle", s.handleSettle).Methods("POST")

	s.router.Use(s.loggingMiddleware)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" {
			got := r.Header.Get("Authorization")
			want := "Bearer " + s.authToken
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("writing response", zap.Error(err))
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting admin server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
