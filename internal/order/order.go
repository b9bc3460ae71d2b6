// Package order holds the order aggregate, its lifecycle state machine and the
// event log that records every status change.
package order

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Simplici0/printflow/internal/pricing"
)

// Order is one print job from upload to delivery.
type Order struct {
	ID string `json:"id"`

	Quantity          int     `json:"quantity"`
	LayerHeight       float64 `json:"layer_height"`
	InfillPercent     int     `json:"infill_percent"`
	Supports          bool    `json:"supports"`
	PrinterProfileID  *int64  `json:"printer_profile_id,omitempty"`
	MaterialProfileID int64   `json:"material_profile_id"`

	STLStorageKey    string `json:"stl_storage_key"`
	STLFilename      string `json:"stl_filename"`
	STLFileSizeBytes int64  `json:"stl_file_size_bytes"`

	Estimate *pricing.Estimate  `json:"slicer_estimate,omitempty"`
	Quote    *pricing.Breakdown `json:"quote_breakdown,omitempty"`
	Pricing  *pricing.Constants `json:"pricing_constants_snapshot,omitempty"`

	Status          Status `json:"status"`
	FailureReason   string `json:"failure_reason,omitempty"`
	GCodeStorageKey string `json:"gcode_storage_key,omitempty"`
	TrackingNumber  string `json:"tracking_number,omitempty"`
	LabelURL        string `json:"label_url,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	GCodeReadyAt *time.Time `json:"gcode_ready_at,omitempty"`
}

// FailureCategory returns the classification prefix of FailureReason, which
// is what customers get to see.
func (o Order) FailureCategory() string {
	if o.FailureReason == "" {
		return ""
	}
	category, _, _ := strings.Cut(o.FailureReason, ":")
	return strings.TrimSpace(category)
}

// Event is an immutable record of one status change. From is empty for the
// creation event and Actor is empty for system transitions.
type Event struct {
	Seq       int64     `json:"seq"`
	OrderID   string    `json:"order_id"`
	From      Status    `json:"from_status,omitempty"`
	To        Status    `json:"to_status"`
	Message   string    `json:"message"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Spec is the customer input that creates an order.
type Spec struct {
	Quantity          int
	LayerHeight       float64
	InfillPercent     int
	Supports          bool
	PrinterProfileID  *int64
	MaterialProfileID int64

	STLStorageKey    string
	STLFilename      string
	STLFileSizeBytes int64

	// Estimate is optional; when nil the slicer is asked at quote time.
	Estimate *pricing.Estimate
}

// Validate checks the shape of the spec. Profile existence is checked by the
// pipeline against the catalog.
func (s Spec) Validate() error {
	switch {
	case s.Quantity < 1:
		return errors.Wrap(ErrValidation, "quantity must be at least 1")
	case !(s.LayerHeight > 0):
		return errors.Wrap(ErrValidation, "layer_height must be greater than 0")
	case s.InfillPercent < 0 || s.InfillPercent > 100:
		return errors.Wrap(ErrValidation, "infill_percent must be between 0 and 100")
	case s.MaterialProfileID <= 0:
		return errors.Wrap(ErrValidation, "material_profile_id is required")
	case s.PrinterProfileID != nil && *s.PrinterProfileID <= 0:
		return errors.Wrap(ErrValidation, "printer_profile_id must be positive")
	case strings.TrimSpace(s.STLStorageKey) == "":
		return errors.Wrap(ErrValidation, "stl_storage_key is required")
	case strings.TrimSpace(s.STLFilename) == "":
		return errors.Wrap(ErrValidation, "stl_filename is required")
	case s.STLFileSizeBytes < 0:
		return errors.Wrap(ErrValidation, "stl_file_size_bytes must not be negative")
	}
	if s.Estimate != nil {
		if err := s.Estimate.Validate(); err != nil {
			return errors.Wrap(ErrValidation, err.Error())
		}
	}
	return nil
}

// New builds a NEW order from a validated spec.
func New(id string, s Spec, now time.Time) Order {
	return Order{
		ID:                id,
		Quantity:          s.Quantity,
		LayerHeight:       s.LayerHeight,
		InfillPercent:     s.InfillPercent,
		Supports:          s.Supports,
		PrinterProfileID:  s.PrinterProfileID,
		MaterialProfileID: s.MaterialProfileID,
		STLStorageKey:     strings.TrimSpace(s.STLStorageKey),
		STLFilename:       strings.TrimSpace(s.STLFilename),
		STLFileSizeBytes:  s.STLFileSizeBytes,
		Estimate:          s.Estimate,
		Status:            StatusNew,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// transition moves o to the target status, clearing the fields that only
// belong to the status being left.
func (o Order) transition(to Status, at time.Time) (Order, error) {
	if !CanTransition(o.Status, to) {
		return o, &InvalidTransitionError{From: o.Status, To: to}
	}

	next := o
	next.Status = to
	next.UpdatedAt = advance(o.UpdatedAt, at)
	if o.Status == StatusFailed {
		next.FailureReason = ""
	}
	if to == StatusSlicing {
		next.GCodeStorageKey = ""
		next.GCodeReadyAt = nil
	}
	return next, nil
}

// checkInvariants validates field/status consistency before a write.
func (o Order) checkInvariants() error {
	if (o.Status == StatusFailed) != (o.FailureReason != "") {
		return errors.Wrapf(ErrValidation, "failure_reason must be set exactly when status is %s", StatusFailed)
	}
	if o.GCodeStorageKey != "" && !Passed(o.Status, StatusReadyToPrint) {
		return errors.Wrapf(ErrValidation, "gcode_storage_key cannot be set in status %s", o.Status)
	}
	return nil
}

// advance returns at, or the smallest instant after prev when the clock has
// not moved past it.
func advance(prev, at time.Time) time.Time {
	if at.After(prev) {
		return at
	}
	return prev.Add(time.Microsecond)
}
