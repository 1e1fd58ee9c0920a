package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/appointment"
	"github.com/hackgods/telehealth-booking/internal/logging"
)

// BookingService is the part of appointment.Service the HTTP layer drives.
type BookingService interface {
	RequestBooking(ctx context.Context, token string, req appointment.BookingRequest) (*appointment.Appointment, error)
	ConfirmBooking(ctx context.Context, token string, id uuid.UUID) (*appointment.Appointment, error)
	Cancel(ctx context.Context, token string, id uuid.UUID) (*appointment.Appointment, error)
	GetStatus(ctx context.Context, token string, id uuid.UUID) (*appointment.StatusView, error)
	GetAuditLog(ctx context.Context, token string, id uuid.UUID) ([]appointment.EventLog, error)
}

type RouterConfig struct {
	Service  BookingService
	Gate     appointment.Authorizer
	Postgres Pinger
	Redis    Pinger
	Metrics  http.Handler
	Logger   *zap.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := logging.OrNop(cfg.Logger)
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", requestBookingHandler(cfg.Service, logger))
		r.Get("/{id}", getStatusHandler(cfg.Service, logger))
		r.Post("/{id}/confirm", confirmBookingHandler(cfg.Service, logger))
		r.Post("/{id}/cancel", cancelHandler(cfg.Service, logger))
		r.Get("/{id}/audit", auditLogHandler(cfg.Service, logger))
	})
	r.Get("/areas/{area}", areaHandler(cfg.Gate, logger))

	return r
}
