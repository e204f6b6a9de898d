// Package api exposes the harness status server: service states, overall
// readiness, Prometheus metrics and a WebSocket stream of state-transition
// events for anything watching a test run.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/e2e-harness/harness/metrics"
	"github.com/e2e-harness/harness/service"
)

// Server is the harness status API.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	Broadcast(ev service.Event)
	Handler() http.Handler
}

// server implements the status API.
type server struct {
	addr       string
	manager    *service.Manager
	collector  *metrics.Collector
	hub        *eventHub
	hubOnce    sync.Once
	upgrader   websocket.Upgrader
	httpServer *http.Server
	log        logrus.FieldLogger
}

// NewServer creates a status server for the given manager.
func NewServer(addr string, manager *service.Manager, collector *metrics.Collector, log logrus.FieldLogger) Server {
	s := &server{
		addr:      addr,
		manager:   manager,
		collector: collector,
		log:       log.WithField("component", "status-server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // observers are local tooling
			},
		},
	}
	s.hub = newEventHub(s.log)
	return s
}

// Start begins serving the status API.
func (s *server) Start(ctx context.Context) error {
	router := s.routes()

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.hubOnce.Do(func() { go s.hub.run() })

	go func() {
		s.log.WithField("addr", s.addr).Info("Status server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("Status server failed")
		}
	}()

	return nil
}

// Stop shuts the status server down gracefully.
func (s *server) Stop() error {
	s.hub.stop()
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("Failed to shutdown status server gracefully")
		return err
	}
	s.log.Info("Status server stopped")
	return nil
}

// Broadcast publishes a service state-transition event to observers.
func (s *server) Broadcast(ev service.Event) {
	s.hub.Broadcast(ev)
}

// Handler exposes the route tree without binding a listener; used by tests
// that serve the API from an httptest server.
func (s *server) Handler() http.Handler {
	s.hubOnce.Do(func() { go s.hub.run() })
	return s.routes()
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/services", s.handleServices).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	if s.collector != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))
	}
	return r
}

// handleHealth reports overall harness readiness: 200 only when every
// configured service is ready.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := s.manager.Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now().UTC(),
	})
}

// handleServices lists the state of every configured service.
func (s *server) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"services":      s.manager.Statuses(),
		"startup_order": s.manager.StartupOrder(),
	})
}

// handleWebSocket upgrades an observer connection onto the event hub.
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	s.hub.serve(conn)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
