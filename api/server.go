package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/pairvolume/pkg/metrics"
	"github.com/gregtusar/pairvolume/pkg/models"
	"github.com/gregtusar/pairvolume/pkg/session"
	"github.com/sirupsen/logrus"
)

type SessionSource interface {
	Active() (models.Session, bool)
	History() []models.Session
}

type CycleSource interface {
	Status() session.CycleStatus
}

type Server struct {
	sessions SessionSource
	cycle    CycleSource
	logger   *logrus.Logger
	srv      *http.Server

	mu     sync.RWMutex
	prices map[string]models.Ticker
}

func NewServer(sessions SessionSource, cycle CycleSource, logger *logrus.Logger, port string) *Server {
	s := &Server{
		sessions: sessions,
		cycle:    cycle,
		logger:   logger,
		prices:   make(map[string]models.Ticker),
	}
	s.srv = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/active", s.handleActiveSession)
	mux.HandleFunc("/api/cycle", s.handleCycle)
	mux.HandleFunc("/api/prices", s.handlePrices)
	mux.Handle("/metrics", metrics.Handler())

	return corsMiddleware(mux)
}

func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// UpdateTicker records the latest price seen for a symbol.
func (s *Server) UpdateTicker(t models.Ticker) {
	s.mu.Lock()
	s.prices[t.Symbol] = t
	s.mu.Unlock()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, s.sessions.History())
}

func (s *Server) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active, ok := s.sessions.Active()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, s.cycle.Status())
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	prices := make([]models.Ticker, 0, len(s.prices))
	for _, t := range s.prices {
		prices = append(prices, t)
	}
	s.mu.RUnlock()
	sort.Slice(prices, func(i, j int) bool { return prices[i].Symbol < prices[j].Symbol })

	s.writeJSON(w, http.StatusOK, prices)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
