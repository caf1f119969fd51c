package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courier-mta/courier/internal/detector"
	"github.com/courier-mta/courier/internal/queue"
	"github.com/courier-mta/courier/internal/transport"
)

// Server exposes the operational surface: health, pipeline stats, detection
// cache management and Prometheus metrics
type Server struct {
	listenAddr string
	httpServer *http.Server
	queues     *queue.Manager
	detections *detector.LayeredCache
	transports *transport.TransportCache
	metrics    bool
	logger     *slog.Logger
}

// NewServer builds the ops server
func NewServer(listenAddr string, queues *queue.Manager, detections *detector.LayeredCache,
	transports *transport.TransportCache, metricsEnabled bool) *Server {
	return &Server{
		listenAddr: listenAddr,
		queues:     queues,
		detections: detections,
		transports: transports,
		metrics:    metricsEnabled,
		logger:     slog.Default().With("component", "api"),
	}
}

// Start begins serving in a background goroutine
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/api/detection/{domain}/invalidate", s.handleInvalidate).Methods("POST")
	r.HandleFunc("/api/detection/invalidate", s.handleInvalidateAll).Methods("POST")
	if s.metrics {
		r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		s.logger.Info("Starting ops API server", "listen", s.listenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Ops API server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Queues         map[string]int `json:"queues"`
	DetectionCache int            `json:"detection_cache_entries"`
	Transports     int            `json:"cached_transports"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := statsResponse{Queues: make(map[string]int)}

	for _, name := range []string{queue.RouteQueue, queue.DeliveryQueue} {
		depth, err := s.queues.Depth(name)
		if err != nil {
			s.logger.Warn("Failed to read queue depth", "queue", name, "error", err)
			continue
		}
		stats.Queues[name] = depth
	}
	if s.detections != nil {
		stats.DetectionCache = s.detections.MemorySize()
	}
	if s.transports != nil {
		stats.Transports = s.transports.Size()
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	s.detections.Invalidate(r.Context(), domain)
	s.logger.Info("Detection invalidated", "domain", domain)
	writeJSON(w, http.StatusOK, map[string]string{"invalidated": domain})
}

func (s *Server) handleInvalidateAll(w http.ResponseWriter, r *http.Request) {
	s.detections.InvalidateAll(r.Context())
	s.logger.Info("All detections invalidated")
	writeJSON(w, http.StatusOK, map[string]string{"invalidated": "all"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
