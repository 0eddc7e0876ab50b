package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Veridical-Systems/quaestor/internal/gatherer"
	"github.com/Veridical-Systems/quaestor/internal/precedent"
	"github.com/Veridical-Systems/quaestor/internal/schema"
	"github.com/Veridical-Systems/quaestor/internal/session"
	"github.com/Veridical-Systems/quaestor/internal/store"
)

// Archiver persists completed classifications and serves them back newest
// first.
type Archiver interface {
	SaveCase(ctx context.Context, sessionID uuid.UUID, c schema.Classification, rounds int, forced bool) (uuid.UUID, error)
	RecentCases(ctx context.Context, limit int) ([]store.ClassifiedCase, error)
}

// Predictor runs the fine-prediction workflow for a completed case.
type Predictor interface {
	Predict(ctx context.Context, c schema.Classification) (*precedent.Result, error)
}

// Publisher emits events for downstream agents.
type Publisher interface {
	Publish(subject string, data any) error
}

// Deps carries the collaborators the server routes requests to. Archive,
// Predictor and Bus are optional; handlers degrade when they are nil.
type Deps struct {
	Sessions  session.Store
	Gatherer  *gatherer.Gatherer
	Archive   Archiver
	Predictor Predictor
	Bus       Publisher
	Logger    *slog.Logger
}

type Server struct {
	router    *chi.Mux
	port      int
	sessions  session.Store
	gatherer  *gatherer.Gatherer
	archive   Archiver
	predictor Predictor
	bus       Publisher
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]bool
}

func NewServer(port int, apiToken string, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		port:      port,
		sessions:  deps.Sessions,
		gatherer:  deps.Gatherer,
		archive:   deps.Archive,
		predictor: deps.Predictor,
		bus:       deps.Bus,
		logger:    deps.Logger,
		inflight:  make(map[uuid.UUID]bool),
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/quaestor/status", s.status)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/classifications", s.classifications)
		r.Get("/cases", s.recentCases)
		r.Post("/cases/start", s.startCase)
		r.Route("/cases/{id}", func(r chi.Router) {
			r.Post("/continue", s.continueCase)
			r.Get("/", s.caseStatus)
			r.Delete("/", s.endCase)
			r.Post("/predict", s.predictFine)
		})
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// BearerAuthMiddleware rejects requests without the configured token.
// An empty token disables the check.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
				writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"agent":  "quaestor",
		"status": "active",
	})
}

func (s *Server) classifications(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(schema.Domains())
}

// acquire marks a session as having a round in flight. A second concurrent
// round on the same session is refused rather than interleaved.
func (s *Server) acquire(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Server) release(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
