// Package server exposes provider health, job control, odds queries and the
// real-time websocket feed over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/broadcast"
	"github.com/Alias1177/OddsCollector/internal/providers"
	"github.com/Alias1177/OddsCollector/internal/scheduler"
	"github.com/Alias1177/OddsCollector/internal/store"
	"github.com/Alias1177/OddsCollector/models"
)

// ProviderAdmin is the part of providers.Registry the server uses.
type ProviderAdmin interface {
	Health() []providers.ProviderHealth
	Config(id string) (models.ProviderConfig, bool)
	ResetBreaker(id string) error
	TestOne(ctx context.Context, id string) bool
}

// JobControl is the part of scheduler.Scheduler the server uses.
type JobControl interface {
	TriggerProvider(ctx context.Context, providerID string) (scheduler.Job, error)
	TriggerAll(ctx context.Context) (scheduler.Job, error)
	Pause()
	Resume()
	Stats() scheduler.Stats
}

// OddsReader is the read side of store.OddsStore.
type OddsReader interface {
	GetLatestOddsForRace(ctx context.Context, raceID string) ([]models.OddsSnapshot, error)
	GetBestOddsForRace(ctx context.Context, raceID string, minConfidence float64) ([]store.BestOdds, error)
	GetOddsHistory(ctx context.Context, q models.HistoryQuery) ([]models.OddsSnapshot, error)
	GetOddsMovementSummary(ctx context.Context, q models.HistoryQuery) ([]store.MovementSummary, error)
	GetOddsVelocity(ctx context.Context, key models.SnapshotKey, window time.Duration) (*store.Velocity, error)
}

// Options configures the HTTP surface.
type Options struct {
	Addr           string
	AllowedOrigins []string
	// MinConfidence is the default bar for the best-odds view.
	MinConfidence float64
}

type Server struct {
	opts       Options
	providers  ProviderAdmin
	jobs       JobControl
	odds       OddsReader
	hub        *broadcast.Hub
	upgrader   websocket.Upgrader
	httpServer *http.Server
	logger     zerolog.Logger
}

func New(opts Options, providers ProviderAdmin, jobs JobControl, odds OddsReader, hub *broadcast.Hub) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		opts:      opts,
		providers: providers,
		jobs:      jobs,
		odds:      odds,
		hub:       hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: log.With().Str("component", "http_server").Logger(),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped in CORS.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	router.HandleFunc("/providers", s.handleProviders).Methods(http.MethodGet)
	router.HandleFunc("/providers/{id}/reset", s.handleResetProvider).Methods(http.MethodPost)
	router.HandleFunc("/providers/{id}/test", s.handleTestProvider).Methods(http.MethodGet)

	router.HandleFunc("/jobs/collect", s.handleCollectAll).Methods(http.MethodPost)
	router.HandleFunc("/jobs/collect/{id}", s.handleCollectProvider).Methods(http.MethodPost)
	router.HandleFunc("/scheduler", s.handleSchedulerStats).Methods(http.MethodGet)
	router.HandleFunc("/scheduler/pause", s.handlePause).Methods(http.MethodPost)
	router.HandleFunc("/scheduler/resume", s.handleResume).Methods(http.MethodPost)

	races := router.PathPrefix("/races/{raceId}").Subrouter()
	races.HandleFunc("/odds", s.handleLatestOdds).Methods(http.MethodGet)
	races.HandleFunc("/best", s.handleBestOdds).Methods(http.MethodGet)
	races.HandleFunc("/horses/{horseId}/history", s.handleHistory).Methods(http.MethodGet)
	races.HandleFunc("/horses/{horseId}/movement", s.handleMovement).Methods(http.MethodGet)
	races.HandleFunc("/horses/{horseId}/velocity", s.handleVelocity).Methods(http.MethodGet)

	router.HandleFunc("/ws", s.handleWebSocket)

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(router)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.opts.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
