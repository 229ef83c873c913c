package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keepframe/corenvr/internal/core"
	"github.com/keepframe/corenvr/internal/database"
	"github.com/keepframe/corenvr/internal/recording"
)

// Server implements the §6 command API contract over A (Repository) and E (RecordingService),
// plus a websocket mirror of the internal event bus.
type Server struct {
	router   chi.Router
	repo     recording.Repository
	service  recording.RecordingService
	bus      *core.EventBus
	shutdown *core.ShutdownCoordinator
	db       *database.DB
	dbVersion int
	logger   *slog.Logger
	hub      *Hub
}

// Config configures a new Server.
type Config struct {
	Repository       recording.Repository
	Service          recording.RecordingService
	Bus              *core.EventBus
	Shutdown         *core.ShutdownCoordinator
	DB               *database.DB
	DBVersion        int
	AllowedOrigins   []string
}

// NewServer builds the router. Call Handler() to obtain the http.Handler for http.Server.
func NewServer(cfg Config) *Server {
	s := &Server{
		repo:      cfg.Repository,
		service:   cfg.Service,
		bus:       cfg.Bus,
		shutdown:  cfg.Shutdown,
		db:        cfg.DB,
		dbVersion: cfg.DBVersion,
		logger:    slog.Default().With("component", "api"),
		hub:       NewHub(),
	}
	go s.hub.Run()
	if s.bus != nil {
		if err := s.hub.MirrorSubject(s.bus, "nvr.>"); err != nil {
			s.logger.Error("websocket event mirror subscribe failed", "error", err)
		}
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ws/events", s.handleWebSocket)

	r.Route("/streams", func(r chi.Router) {
		r.Get("/", s.handleListStreams)
		r.Post("/", s.handleCreateStream)
		r.Put("/{name}", s.handleUpdateStream)
		r.Delete("/{name}", s.handleDeleteStream)
		r.Post("/{name}/record/start", s.handleStartRecording)
		r.Post("/{name}/record/stop", s.handleStopRecording)
	})

	r.Post("/detections", s.handleIngestDetection)
	r.Get("/recordings", s.handleListRecordings)

	s.router = r
	return s
}

// Handler returns the http.Handler to mount on http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats, err := s.service.GetStorageStats(ctx)
	if err != nil {
		s.logger.Warn("health: storage stats failed", "error", err)
		stats = &recording.StorageStats{}
	}

	var workers []core.WorkerStatus
	if s.shutdown != nil {
		workers = s.shutdown.Workers()
	}

	JSON(w, http.StatusOK, map[string]any{
		"pressure":   stats.Pressure,
		"free_pct":   stats.FreeFraction * 100,
		"workers":    workers,
		"db_version": s.dbVersion,
		"ports":      core.GetCurrentPortConfig(),
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
