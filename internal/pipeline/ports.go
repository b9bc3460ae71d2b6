// Package pipeline drives an order from upload to a machine-ready toolpath:
// creation, quoting, payment confirmation, slicing and admin transitions.
package pipeline

import (
	"context"
	"time"

	"github.com/Simplici0/printflow/internal/pricing"
	"github.com/Simplici0/printflow/internal/slicer"
)

// Storage holds uploaded models and produced toolpaths.
type Storage interface {
	DownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Slicer converts a model into a toolpath.
type Slicer interface {
	Slice(ctx context.Context, req slicer.Request) (slicer.Result, error)
}

// Estimator predicts material use and print time for quoting.
type Estimator interface {
	Estimate(ctx context.Context, req slicer.Request) (pricing.Estimate, error)
}

// SlicingTrigger schedules slicing off the request path. resume is set for a
// manual retry of an order an admin moved back to SLICING.
type SlicingTrigger interface {
	Trigger(orderID string, resume bool) error
}

// Failure categories prefix FailureReason and are what customers see.
const (
	CategoryStorage        = "storage_error"
	CategorySlicingService = "slicing_service_error"
	CategorySlicingTimeout = "slicing_timeout"
	CategoryValidation     = "validation_error"
)
