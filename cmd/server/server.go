package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Simplici0/printflow/internal/db"
	"github.com/Simplici0/printflow/internal/idempotency"
	"github.com/Simplici0/printflow/internal/jobs"
	"github.com/Simplici0/printflow/internal/order"
	"github.com/Simplici0/printflow/internal/pipeline"
	"github.com/Simplici0/printflow/internal/pricing"
	"github.com/Simplici0/printflow/internal/storage"
	"github.com/Simplici0/printflow/internal/tracing"
)

// deliveryDedupe remembers webhook delivery ids.
type deliveryDedupe interface {
	Key(source, deliveryID string) string
	Begin(ctx context.Context, key string) (idempotency.State, error)
	Complete(ctx context.Context, key string) error
	Forget(ctx context.Context, key string) error
}

type serverDeps struct {
	Log           logrus.FieldLogger
	Service       *pipeline.Service
	Users         *db.Users
	Catalog       *db.Catalog
	Storage       *storage.Local
	Dedupe        deliveryDedupe
	SessionSecret string
	WebhookSecret string
	InternalToken string
	DownloadTTL   time.Duration
}

type server struct {
	log           logrus.FieldLogger
	svc           *pipeline.Service
	auth          *authService
	catalog       *db.Catalog
	storage       *storage.Local
	dedupe        deliveryDedupe
	webhookSecret []byte
	internalToken string
	downloadTTL   time.Duration
}

func newServer(d serverDeps) *server {
	return &server{
		log:           d.Log,
		svc:           d.Service,
		auth:          newAuthService(d.Users, d.SessionSecret),
		catalog:       d.Catalog,
		storage:       d.Storage,
		dedupe:        d.Dedupe,
		webhookSecret: []byte(d.WebhookSecret),
		internalToken: d.InternalToken,
		downloadTTL:   d.DownloadTTL,
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(tracing.Middleware)
	r.Use(s.logMiddleware)
	r.Use(middleware.Recoverer)

	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)
	r.Handle("/files/*", http.StripPrefix("/files", s.storage.Handler()))

	r.Route("/api", func(r chi.Router) {
		r.Get("/catalog", s.handleCatalog)
		r.Post("/uploads", s.handleUpload)
		r.Post("/orders", s.handleCreateOrder)
		r.Get("/orders/{id}", s.handleGetOrder)
		r.Post("/orders/{id}/quote", s.handleQuoteOrder)
		r.Post("/orders/{id}/cancel", s.handleCancelOrder)
		r.Get("/orders/{id}/events", s.handleOrderEvents)
	})

	r.Post("/webhooks/payments", s.handlePaymentWebhook)

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.requireInternalToken)
		r.Post("/orders/{id}/slice", s.handleInternalSlice)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/orders", s.handleAdminListOrders)
		r.Get("/orders/{id}", s.handleAdminGetOrder)
		r.Get("/orders/{id}/events", s.handleAdminOrderEvents)
		r.Post("/orders/{id}/transition", s.handleAdminTransition)
		r.Get("/materials", s.handleAdminMaterials)
		r.Post("/materials", s.handleAdminMaterialsSave)
		r.Post("/materials/{id}", s.handleAdminMaterialsSave)
		r.Get("/printers", s.handleAdminPrinters)
		r.Post("/printers", s.handleAdminPrintersSave)
		r.Post("/printers/{id}", s.handleAdminPrintersSave)
	})

	return r
}

func (s *server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration":    time.Since(started),
			"request_id":  middleware.GetReqID(r.Context()),
			"remote_addr": r.RemoteAddr,
		}).Info("request")
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP statuses. Server errors are logged
// and answered with a generic message.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("request failed")
		writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, order.ErrValidation),
		errors.Is(err, pricing.ErrEstimateInvalid),
		errors.Is(err, pricing.ErrQuantityInvalid),
		errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrStatusConflict):
		return http.StatusConflict
	case errors.Is(err, pricing.ErrPricingConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, order.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, pipeline.ErrInterrupted):
		return http.StatusServiceUnavailable
	case errors.Is(err, order.ErrSlicingService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
