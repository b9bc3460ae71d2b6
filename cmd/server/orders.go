package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Simplici0/printflow/internal/catalog"
	"github.com/Simplici0/printflow/internal/idempotency"
	"github.com/Simplici0/printflow/internal/order"
	"github.com/Simplici0/printflow/internal/pipeline"
	"github.com/Simplici0/printflow/internal/pricing"
)

const (
	maxUploadBytes  = 64 << 20
	maxWebhookBytes = 1 << 20
	webhookSource   = "payments"
)

// customerOrder is the order as customers see it. Failure details stay
// internal; only the category is shown.
type customerOrder struct {
	ID                string             `json:"id"`
	Status            order.Status       `json:"status"`
	Quantity          int                `json:"quantity"`
	LayerHeight       float64            `json:"layer_height"`
	InfillPercent     int                `json:"infill_percent"`
	Supports          bool               `json:"supports"`
	PrinterProfileID  *int64             `json:"printer_profile_id,omitempty"`
	MaterialProfileID int64              `json:"material_profile_id"`
	STLFilename       string             `json:"stl_filename"`
	Estimate          *pricing.Estimate  `json:"slicer_estimate,omitempty"`
	Quote             *pricing.Breakdown `json:"quote_breakdown,omitempty"`
	FailureCategory   string             `json:"failure_category,omitempty"`
	TrackingNumber    string             `json:"tracking_number,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	GCodeReadyAt      *time.Time         `json:"gcode_ready_at,omitempty"`
}

func newCustomerOrder(o order.Order) customerOrder {
	return customerOrder{
		ID:                o.ID,
		Status:            o.Status,
		Quantity:          o.Quantity,
		LayerHeight:       o.LayerHeight,
		InfillPercent:     o.InfillPercent,
		Supports:          o.Supports,
		PrinterProfileID:  o.PrinterProfileID,
		MaterialProfileID: o.MaterialProfileID,
		STLFilename:       o.STLFilename,
		Estimate:          o.Estimate,
		Quote:             o.Quote,
		FailureCategory:   o.FailureCategory(),
		TrackingNumber:    o.TrackingNumber,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
		GCodeReadyAt:      o.GCodeReadyAt,
	}
}

// customerEvents hides admin actors and failure details.
func customerEvents(events []order.Event) []order.Event {
	out := make([]order.Event, len(events))
	for i, e := range events {
		e.Actor = ""
		if e.To == order.StatusFailed {
			e.Message = "order failed"
		}
		out[i] = e
	}
	return out
}

type createOrderRequest struct {
	Quantity          int               `json:"quantity"`
	LayerHeight       float64           `json:"layer_height"`
	InfillPercent     int               `json:"infill_percent"`
	Supports          bool              `json:"supports"`
	PrinterProfileID  *int64            `json:"printer_profile_id"`
	MaterialProfileID int64             `json:"material_profile_id"`
	STLStorageKey     string            `json:"stl_storage_key"`
	STLFilename       string            `json:"stl_filename"`
	STLFileSizeBytes  int64             `json:"stl_file_size_bytes"`
	Estimate          *pricing.Estimate `json:"slicer_estimate"`
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(order.ErrValidation, "invalid request body: %v", err)
	}
	return nil
}

func (s *server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	materials, err := s.catalog.Materials(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	printers, err := s.catalog.Printers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Materials []catalog.MaterialProfile `json:"materials"`
		Printers  []catalog.PrinterProfile  `json:"printers"`
	}{materials, printers})
}

// handleUpload stores a model file and returns the key to create an order with.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, errors.Wrapf(order.ErrValidation, "a model file is required: %v", err))
		return
	}
	defer file.Close()

	filename := path.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
	if !strings.EqualFold(path.Ext(filename), ".stl") {
		s.writeError(w, r, errors.Wrapf(order.ErrValidation, "%q is not an .stl file", filename))
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, errors.Wrapf(order.ErrValidation, "read upload: %v", err))
		return
	}
	if len(data) == 0 {
		s.writeError(w, r, errors.Wrap(order.ErrValidation, "the model file is empty"))
		return
	}

	key := "models/" + uuid.NewString() + ".stl"
	if err := s.storage.Put(r.Context(), key, data); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.WithFields(logrus.Fields{"key": key, "size": humanize.Bytes(uint64(len(data)))}).Info("model uploaded")

	writeJSON(w, http.StatusCreated, struct {
		Key      string `json:"stl_storage_key"`
		Filename string `json:"stl_filename"`
		Size     int64  `json:"stl_file_size_bytes"`
	}{key, filename, int64(len(data))})
}

func (s *server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	o, err := s.svc.CreateOrder(r.Context(), order.Spec{
		Quantity:          req.Quantity,
		LayerHeight:       req.LayerHeight,
		InfillPercent:     req.InfillPercent,
		Supports:          req.Supports,
		PrinterProfileID:  req.PrinterProfileID,
		MaterialProfileID: req.MaterialProfileID,
		STLStorageKey:     req.STLStorageKey,
		STLFilename:       req.STLFilename,
		STLFileSizeBytes:  req.STLFileSizeBytes,
		Estimate:          req.Estimate,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCustomerOrder(o))
}

func (s *server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCustomerOrder(o))
}

func (s *server) handleQuoteOrder(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.QuoteOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.CancelOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCustomerOrder(o))
}

func (s *server) handleOrderEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, customerEvents(events))
}

type paymentNotification struct {
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference"`
}

// handlePaymentWebhook confirms a payment. Deliveries carrying an
// X-Delivery-ID are processed at most once while Redis remembers them.
func (s *server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		s.writeError(w, r, errors.Wrapf(order.ErrValidation, "read body: %v", err))
		return
	}
	if !validSignature(s.webhookSecret, body, r.Header.Get(signatureHeader)) {
		s.writeError(w, r, errors.Wrap(order.ErrAuthorization, "invalid webhook signature"))
		return
	}

	var n paymentNotification
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&n); err != nil {
		s.writeError(w, r, errors.Wrapf(order.ErrValidation, "invalid payment notification: %v", err))
		return
	}
	if strings.TrimSpace(n.OrderID) == "" {
		s.writeError(w, r, errors.Wrap(order.ErrValidation, "order_id is required"))
		return
	}

	log := s.log.WithFields(logrus.Fields{"order_id": n.OrderID, "delivery_id": r.Header.Get(deliveryHeader)})
	dedupeKey := ""
	if id := r.Header.Get(deliveryHeader); id != "" && s.dedupe != nil {
		key := s.dedupe.Key(webhookSource, id)
		state, err := s.dedupe.Begin(r.Context(), key)
		switch {
		case err != nil:
			log.WithError(err).Warn("delivery dedupe unavailable")
		case state == idempotency.Done:
			log.Info("duplicate webhook delivery ignored")
			writeJSON(w, http.StatusOK, map[string]any{"order_id": n.OrderID, "duplicate": true})
			return
		case state == idempotency.InProgress:
			log.Info("webhook delivery is already being processed")
			writeJSON(w, http.StatusConflict, errorResponse{Error: "delivery is being processed; retry later"})
			return
		default:
			dedupeKey = key
		}
	}

	o, err := s.svc.ConfirmPayment(r.Context(), pipeline.Payment{
		OrderID:     n.OrderID,
		AmountCents: n.AmountCents,
		Reference:   n.Reference,
	})
	if dedupeKey != "" {
		dctx := context.WithoutCancel(r.Context())
		if err != nil {
			if ferr := s.dedupe.Forget(dctx, dedupeKey); ferr != nil {
				log.WithError(ferr).Warn("forget failed delivery")
			}
		} else if cerr := s.dedupe.Complete(dctx, dedupeKey); cerr != nil {
			log.WithError(cerr).Warn("record processed delivery")
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": o.ID, "status": o.Status})
}

// handleInternalSlice queues slicing for a PAID order. With ?wait=true the
// run happens inline and its result is returned.
func (s *server) handleInternalSlice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		// A dropped connection must not strand the order in SLICING.
		res, err := s.svc.RunSlicing(context.WithoutCancel(r.Context()), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	if err := s.svc.TriggerSlicing(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"order_id": id, "status": "queued"})
}

// adminOrder is the full order plus short-lived download links.
type adminOrder struct {
	order.Order
	STLDownloadURL   string `json:"stl_download_url,omitempty"`
	GCodeDownloadURL string `json:"gcode_download_url,omitempty"`
}

func (s *server) newAdminOrder(r *http.Request, o order.Order) adminOrder {
	out := adminOrder{Order: o}
	if u, err := s.storage.DownloadURL(r.Context(), o.STLStorageKey, s.downloadTTL); err == nil {
		out.STLDownloadURL = u
	}
	if o.GCodeStorageKey != "" {
		u, err := s.storage.DownloadURL(r.Context(), o.GCodeStorageKey, s.downloadTTL)
		if err != nil {
			s.log.WithField("order_id", o.ID).WithError(err).Warn("toolpath download link unavailable")
		}
		out.GCodeDownloadURL = u
	}
	return out
}

func (s *server) handleAdminListOrders(w http.ResponseWriter, r *http.Request) {
	f := order.ListFilter{Status: order.Status(strings.ToUpper(r.URL.Query().Get("status")))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, errors.Wrapf(order.ErrValidation, "limit must be a non-negative integer, got %q", raw))
			return
		}
		f.Limit = limit
	}

	orders, err := s.svc.ListOrders(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *server) handleAdminGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newAdminOrder(r, o))
}

func (s *server) handleAdminOrderEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type transitionRequest struct {
	To             order.Status `json:"to"`
	Message        string       `json:"message"`
	FailureReason  string       `json:"failure_reason"`
	TrackingNumber string       `json:"tracking_number"`
	LabelURL       string       `json:"label_url"`
}

func (s *server) handleAdminTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	o, err := s.svc.AdminTransition(r.Context(), pipeline.AdminChange{
		OrderID:        chi.URLParam(r, "id"),
		To:             order.Status(strings.ToUpper(strings.TrimSpace(string(req.To)))),
		Message:        req.Message,
		FailureReason:  req.FailureReason,
		TrackingNumber: req.TrackingNumber,
		LabelURL:       req.LabelURL,
		Actor:          adminEmail(r.Context()),
		Admin:          adminEmail(r.Context()) != "",
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newAdminOrder(r, o))
}
