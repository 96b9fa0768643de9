package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

// Transfers is the orchestration surface the API exposes
type Transfers interface {
	Submit(ctx context.Context, intent models.TransferIntent) (string, error)
	Get(id string) (*models.Transfer, error)
	Cancel(ctx context.Context, id string) (*models.Transfer, error)
	Preview(ctx context.Context, intent models.TransferIntent) ([]*models.Quote, error)
	Reconcile(ctx context.Context, id string) ([]models.Reconciliation, error)
}

// Subscriber streams progress events of one transfer
type Subscriber interface {
	Subscribe(transferID string) (<-chan models.ProgressEvent, func())
}

// Depositors returns the address the service signs with on a chain
type Depositors interface {
	Address(chainID amount.ChainID) string
}

// Config controls the HTTP surface
type Config struct {
	Port               string
	JWTSecret          string
	CORSOrigins        []string
	RequestTimeout     time.Duration
	RateLimitPerMinute int
}

// Server is the caller facing HTTP API
type Server struct {
	cfg        Config
	transfers  Transfers
	events     Subscriber
	depositors Depositors
	limiter    Limiter
	logger     logger.Logger
	srv        *http.Server
}

// NewServer creates the API server. limiter may be nil to disable rate limiting.
func NewServer(cfg Config, transfers Transfers, events Subscriber, depositors Depositors, limiter Limiter, l logger.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{
		cfg:        cfg,
		transfers:  transfers,
		events:     events,
		depositors: depositors,
		limiter:    limiter,
		logger:     l,
	}
}

// Handler returns the routes of the API
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("healthy"))
	})

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.JWTSecret != "" {
			r.Use(JWTAuth(s.cfg.JWTSecret))
		}

		// event streams outlive the request timeout
		r.Get("/transfers/{id}/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))

			r.With(RateLimit(s.limiter, "quotes", s.cfg.RateLimitPerMinute, s.logger)).Post("/quotes", s.handleQuote)
			r.With(RateLimit(s.limiter, "transfers", s.cfg.RateLimitPerMinute, s.logger)).Post("/transfers", s.handleSubmit)
			r.Get("/transfers/{id}", s.handleGet)
			r.Delete("/transfers/{id}", s.handleCancel)
			r.Post("/transfers/{id}/reconcile", s.handleReconcile)
		})
	})
	return r
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting API server on port %s", s.cfg.Port)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
