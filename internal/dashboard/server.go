// Package dashboard serves the read-only HTTP surface: account snapshots,
// recent log lines, the bar-store inventory and prometheus metrics. It
// consumes the outbound queues and never calls into the core.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mtkit/toolbox/internal/barstore"
	"github.com/mtkit/toolbox/internal/config"
	"github.com/mtkit/toolbox/internal/models"
)

// logRingSize bounds the /api/logs buffer.
const logRingSize = 500

// Server is the dashboard HTTP server plus the queue consumers feeding it.
type Server struct {
	router *chi.Mux
	server *http.Server
	store  *barstore.Store
	logger *logrus.Logger
	addr   string
	token  string

	mu    sync.RWMutex
	snaps map[string]models.Snapshot
	logs  []string
}

// NewServer builds the server. store may be nil when the bar store is not
// open; /api/bars then reports an empty inventory.
func NewServer(cfg config.Dashboard, store *barstore.Store, logger *logrus.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		store:  store,
		logger: logger,
		addr:   cfg.Addr,
		token:  cfg.Token,
		snaps:  make(map[string]models.Snapshot),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.token != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/api/accounts", s.handleAccounts)
	s.router.Get("/api/logs", s.handleLogs)
	s.router.Get("/api/bars", s.handleBars)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.token {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Consume drains the snapshot and log queues until both close or stop
// closes. Run it on its own goroutine.
func (s *Server) Consume(stop <-chan struct{}, snapshots <-chan models.Snapshot, logs <-chan string) {
	for {
		select {
		case <-stop:
			return
		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			s.mu.Lock()
			s.snaps[snap.AccountID] = snap
			s.mu.Unlock()
		case line, ok := <-logs:
			if !ok {
				logs = nil
				continue
			}
			s.mu.Lock()
			s.logs = append(s.logs, line)
			if len(s.logs) > logRingSize {
				s.logs = s.logs[len(s.logs)-logRingSize:]
			}
			s.mu.Unlock()
		}
	}
}

// Start blocks on ListenAndServe.
func (s *Server) Start() error {
	s.server = &http.Server{Addr: s.addr, Handler: s.router}
	s.logger.WithField("component", "dashboard").Infof("dashboard listening on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// handleAccounts returns the latest snapshot per account, sorted by id.
func (s *Server) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	out := make([]models.Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, snap)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	s.writeJSON(w, out)
}

func (s *Server) handleLogs(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	out := append([]string(nil), s.logs...)
	s.mu.RUnlock()
	s.writeJSON(w, out)
}

func (s *Server) handleBars(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil {
		s.writeJSON(w, []barstore.Dataset{})
		return
	}
	inv, err := s.store.Inventory()
	if err != nil {
		s.logger.WithError(err).Error("bar inventory failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if inv == nil {
		inv = []barstore.Dataset{}
	}
	s.writeJSON(w, inv)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("response encode failed")
	}
}
