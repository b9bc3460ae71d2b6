package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Simplici0/printflow/internal/catalog"
	"github.com/Simplici0/printflow/internal/jobs"
	"github.com/Simplici0/printflow/internal/order"
	"github.com/Simplici0/printflow/internal/slicer"
	"github.com/Simplici0/printflow/internal/tracing"
)

// ErrInterrupted is returned when the caller's context ends while an order
// is in SLICING. The order is left in SLICING for a later resume.
var ErrInterrupted = errors.New("slicing interrupted")

// Result is the outcome of one slicing run. Domain failures are reported
// here with a FAILED status, not as errors.
type Result struct {
	OrderID       string       `json:"order_id"`
	Status        order.Status `json:"status"`
	FailureReason string       `json:"failure_reason,omitempty"`
}

type OrchestratorConfig struct {
	SlicerTimeout time.Duration
	DownloadTTL   time.Duration
}

// Orchestrator runs a PAID order through the slicing service.
type Orchestrator struct {
	log     logrus.FieldLogger
	machine *order.Machine
	repo    order.Repository
	catalog catalog.Catalog
	storage Storage
	slicer  Slicer
	cfg     OrchestratorConfig
	now     func() time.Time
}

func NewOrchestrator(
	log logrus.FieldLogger,
	machine *order.Machine,
	repo order.Repository,
	cat catalog.Catalog,
	storage Storage,
	sl Slicer,
	cfg OrchestratorConfig,
) *Orchestrator {
	return &Orchestrator{
		log:     log,
		machine: machine,
		repo:    repo,
		catalog: cat,
		storage: storage,
		slicer:  sl,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run slices a PAID order. The PAID -> SLICING transition admits exactly one
// caller; everyone else gets an InvalidTransitionError before the slicer is
// contacted.
func (o *Orchestrator) Run(ctx context.Context, orderID string) (Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "pipeline.RunSlicing", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	cur, err := o.machine.Advance(ctx, orderID, order.StatusPaid, order.Change{
		To:      order.StatusSlicing,
		Message: "slicing started",
	})
	if err != nil {
		recordError(span, err)
		return Result{}, err
	}
	return o.slice(ctx, span, cur)
}

// Resume slices an order an admin has already moved back to SLICING.
func (o *Orchestrator) Resume(ctx context.Context, orderID string) (Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "pipeline.ResumeSlicing", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	cur, err := o.repo.Get(ctx, orderID)
	if err != nil {
		recordError(span, err)
		return Result{}, err
	}
	if cur.Status != order.StatusSlicing {
		err := &order.InvalidTransitionError{From: cur.Status, To: order.StatusSlicing}
		recordError(span, err)
		return Result{}, err
	}
	return o.slice(ctx, span, cur)
}

// Handle adapts Run and Resume to the job runner. Jobs for orders that are
// gone or no longer in the expected status are not retried.
func (o *Orchestrator) Handle(ctx context.Context, job jobs.Job) error {
	run := o.Run
	if job.Resume {
		run = o.Resume
	}
	_, err := run(ctx, job.OrderID)
	if errors.Is(err, order.ErrInvalidTransition) || errors.Is(err, order.ErrNotFound) || errors.Is(err, ErrInterrupted) {
		return jobs.Permanent(err)
	}
	return err
}

// slice runs once the order is in SLICING. Every failure from here on ends in
// FAILED unless the caller's context ended first.
func (o *Orchestrator) slice(ctx context.Context, span trace.Span, cur order.Order) (Result, error) {
	log := o.log.WithField("order_id", cur.ID)

	source, err := o.storage.DownloadURL(ctx, cur.STLStorageKey, o.cfg.DownloadTTL)
	if err != nil {
		return o.fail(ctx, span, cur, CategoryStorage, fmt.Sprintf("source file unavailable: %v", err))
	}

	req := slicer.Request{
		SourceReference: source,
		LayerHeight:     cur.LayerHeight,
		InfillPercent:   cur.InfillPercent,
		Supports:        cur.Supports,
	}
	if cur.PrinterProfileID != nil {
		p, err := o.catalog.Printer(ctx, *cur.PrinterProfileID)
		if err != nil {
			return o.failProfile(ctx, span, cur, err)
		}
		req.PrinterConfig = p.Config
	}
	m, err := o.catalog.Material(ctx, cur.MaterialProfileID)
	if err != nil {
		return o.failProfile(ctx, span, cur, err)
	}
	req.MaterialConfig = m.Config

	started := o.now()
	sctx, cancel := context.WithTimeout(ctx, o.cfg.SlicerTimeout)
	res, err := o.slicer.Slice(sctx, req)
	timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	switch {
	case timedOut || errors.Is(err, slicer.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		return o.fail(ctx, span, cur, CategorySlicingTimeout, fmt.Sprintf("no toolpath within %s", o.cfg.SlicerTimeout))
	case errors.Is(err, slicer.ErrRejected):
		return o.fail(ctx, span, cur, CategoryValidation, err.Error())
	case err != nil:
		return o.fail(ctx, span, cur, CategorySlicingService, err.Error())
	case len(res.Toolpath) == 0:
		return o.fail(ctx, span, cur, CategorySlicingService, "slicer returned an empty toolpath")
	}
	log.WithField("elapsed", o.now().Sub(started).String()).Debug("slicer returned toolpath")

	key := fmt.Sprintf("gcode/%s/%s.gcode", cur.ID, uuid.NewString())
	if err := o.storage.Put(ctx, key, res.Toolpath); err != nil {
		return o.fail(ctx, span, cur, CategoryStorage, fmt.Sprintf("store toolpath: %v", err))
	}

	message := fmt.Sprintf("toolpath ready (%s)", humanize.Bytes(uint64(len(res.Toolpath))))
	if res.Estimate.Validate() == nil {
		message += fmt.Sprintf("; slicer estimate %.2f g, %.2f h", res.Estimate.GramsUsed, res.Estimate.PrintTimeHours)
	}
	readyAt := o.now()
	next, err := o.machine.Advance(context.WithoutCancel(ctx), cur.ID, order.StatusSlicing, order.Change{
		To:      order.StatusReadyToPrint,
		Message: message,
		Mutate: func(ord *order.Order) error {
			ord.GCodeStorageKey = key
			ord.GCodeReadyAt = &readyAt
			return nil
		},
	})
	if err != nil {
		recordError(span, err)
		log.WithError(err).Error("record ready toolpath")
		return Result{}, err
	}

	log.WithField("gcode_storage_key", key).Info("order ready to print")
	span.SetAttributes(attribute.String("order.status", string(next.Status)))
	return Result{OrderID: next.ID, Status: next.Status}, nil
}

func (o *Orchestrator) failProfile(ctx context.Context, span trace.Span, cur order.Order, err error) (Result, error) {
	if errors.Is(err, order.ErrNotFound) {
		return o.fail(ctx, span, cur, CategoryValidation, err.Error())
	}
	return o.fail(ctx, span, cur, CategoryStorage, fmt.Sprintf("read catalog: %v", err))
}

// fail records the failure on the order. A failure caused by the caller
// going away is not the order's fault and leaves it in SLICING.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, cur order.Order, category, detail string) (Result, error) {
	reason := category + ": " + detail
	log := o.log.WithFields(logrus.Fields{"order_id": cur.ID, "category": category})

	if cause := ctx.Err(); cause != nil {
		err := errors.Wrapf(ErrInterrupted, "order %s: %v (%s)", cur.ID, cause, reason)
		recordError(span, err)
		log.WithError(err).Warn("slicing interrupted; order stays in SLICING")
		return Result{OrderID: cur.ID, Status: order.StatusSlicing}, err
	}

	next, err := o.machine.Advance(context.WithoutCancel(ctx), cur.ID, order.StatusSlicing, order.Change{
		To:      order.StatusFailed,
		Message: "slicing failed: " + category,
		Mutate: func(ord *order.Order) error {
			ord.FailureReason = reason
			return nil
		},
	})
	if err != nil {
		recordError(span, err)
		log.WithError(err).Error("record slicing failure")
		return Result{}, err
	}

	log.WithField("reason", reason).Warn("slicing failed")
	span.SetStatus(codes.Error, category)
	span.SetAttributes(attribute.String("order.status", string(next.Status)))
	return Result{OrderID: next.ID, Status: next.Status, FailureReason: next.FailureReason}, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
