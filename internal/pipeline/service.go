package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Simplici0/printflow/internal/catalog"
	"github.com/Simplici0/printflow/internal/order"
	"github.com/Simplici0/printflow/internal/pricing"
	"github.com/Simplici0/printflow/internal/slicer"
)

// CategoryProduction prefixes failures an admin records by hand without a
// category of their own.
const CategoryProduction = "production_error"

// Lister lists orders for the admin dashboard.
type Lister interface {
	List(ctx context.Context, f order.ListFilter) ([]order.Order, error)
}

// Payment is a confirmation from the payment collaborator.
type Payment struct {
	OrderID     string
	AmountCents int64
	Reference   string
}

// AdminChange is a privileged status change. FailureReason is required when
// moving to FAILED; Message is used when it is empty.
type AdminChange struct {
	OrderID        string
	To             order.Status
	Message        string
	FailureReason  string
	TrackingNumber string
	LabelURL       string
	Actor          string
	Admin          bool
}

type Deps struct {
	Log          logrus.FieldLogger
	Machine      *order.Machine
	Repo         order.Repository
	Lister       Lister
	Catalog      catalog.Catalog
	Resolver     pricing.Resolver
	Estimator    Estimator
	Storage      Storage
	Orchestrator *Orchestrator
	Trigger      SlicingTrigger
	DownloadTTL  time.Duration
	Now          func() time.Time
}

// Service exposes the pipeline operations to the HTTP layer.
type Service struct {
	log          logrus.FieldLogger
	machine      *order.Machine
	repo         order.Repository
	lister       Lister
	catalog      catalog.Catalog
	resolver     pricing.Resolver
	estimator    Estimator
	storage      Storage
	orchestrator *Orchestrator
	trigger      SlicingTrigger
	downloadTTL  time.Duration
	now          func() time.Time
}

func NewService(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		log:          d.Log,
		machine:      d.Machine,
		repo:         d.Repo,
		lister:       d.Lister,
		catalog:      d.Catalog,
		resolver:     d.Resolver,
		estimator:    d.Estimator,
		storage:      d.Storage,
		orchestrator: d.Orchestrator,
		trigger:      d.Trigger,
		downloadTTL:  d.DownloadTTL,
		now:          d.Now,
	}
}

// CreateOrder validates spec against the catalog and stores a NEW order.
func (s *Service) CreateOrder(ctx context.Context, spec order.Spec) (order.Order, error) {
	if err := spec.Validate(); err != nil {
		return order.Order{}, err
	}

	m, err := s.catalog.Material(ctx, spec.MaterialProfileID)
	if err != nil {
		return order.Order{}, profileError(err, "material", spec.MaterialProfileID)
	}
	if !m.Active {
		return order.Order{}, errors.Wrapf(order.ErrValidation, "material profile %d is not available", m.ID)
	}
	if spec.PrinterProfileID != nil {
		p, err := s.catalog.Printer(ctx, *spec.PrinterProfileID)
		if err != nil {
			return order.Order{}, profileError(err, "printer", *spec.PrinterProfileID)
		}
		if !p.Active {
			return order.Order{}, errors.Wrapf(order.ErrValidation, "printer profile %d is not available", p.ID)
		}
	}

	o := order.New(uuid.NewString(), spec, s.now())
	message := fmt.Sprintf("order created for %s (%s)", o.STLFilename, humanize.Bytes(uint64(o.STLFileSizeBytes)))
	if err := s.machine.Create(ctx, o, message, ""); err != nil {
		return order.Order{}, err
	}

	s.log.WithFields(logrus.Fields{"order_id": o.ID, "quantity": o.Quantity}).Info("order created")
	return o, nil
}

// QuoteOrder prices a NEW order and moves it to QUOTED. A QUOTED order is
// re-quoted in place.
func (s *Service) QuoteOrder(ctx context.Context, id string) (pricing.Breakdown, error) {
	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return pricing.Breakdown{}, err
	}
	if cur.Status != order.StatusNew && cur.Status != order.StatusQuoted {
		return pricing.Breakdown{}, &order.InvalidTransitionError{From: cur.Status, To: order.StatusQuoted}
	}

	est, err := s.estimate(ctx, cur)
	if err != nil {
		return pricing.Breakdown{}, err
	}
	c, err := s.constants(ctx, cur)
	if err != nil {
		return pricing.Breakdown{}, err
	}
	b, err := pricing.Quote(est, c, cur.Quantity)
	if errors.Is(err, pricing.ErrQuantityInvalid) {
		return pricing.Breakdown{}, errors.Wrap(order.ErrValidation, err.Error())
	}
	if err != nil {
		return pricing.Breakdown{}, err
	}

	mutate := func(o *order.Order) error {
		o.Estimate = &est
		o.Quote = &b
		o.Pricing = &c
		return nil
	}
	summary := fmt.Sprintf("%s for %d unit(s)", b.GrandTotal.StringFixed(2), b.Quantity)

	if cur.Status == order.StatusNew {
		_, err = s.machine.Advance(ctx, id, order.StatusNew, order.Change{
			To:      order.StatusQuoted,
			Message: "quoted " + summary,
			Mutate:  mutate,
		})
	} else {
		_, err = s.machine.Amend(ctx, id, order.StatusQuoted, "re-quoted "+summary, "", mutate)
	}
	if err != nil {
		return pricing.Breakdown{}, err
	}

	s.log.WithFields(logrus.Fields{"order_id": id, "grand_total": b.GrandTotal.StringFixed(2)}).Info("order quoted")
	return b, nil
}

// ConfirmPayment moves a QUOTED order to PAID and schedules slicing.
// Redelivered confirmations for an order already past PAID are no-ops.
func (s *Service) ConfirmPayment(ctx context.Context, p Payment) (order.Order, error) {
	log := s.log.WithFields(logrus.Fields{"order_id": p.OrderID, "reference": p.Reference})

	cur, err := s.repo.Get(ctx, p.OrderID)
	if err != nil {
		return order.Order{}, err
	}
	if order.Passed(cur.Status, order.StatusPaid) {
		log.WithField("status", cur.Status).Info("duplicate payment confirmation ignored")
		return cur, nil
	}
	if cur.Status != order.StatusQuoted {
		return cur, &order.InvalidTransitionError{From: cur.Status, To: order.StatusPaid}
	}
	if cur.Quote == nil {
		return cur, errors.Wrap(order.ErrValidation, "order has no quote")
	}
	if want := cur.Quote.GrandTotalCents(); p.AmountCents != want {
		return cur, errors.Wrapf(order.ErrValidation, "payment amount %d does not match quoted total %d", p.AmountCents, want)
	}

	message := "payment confirmed"
	if p.Reference != "" {
		message += " (" + p.Reference + ")"
	}
	next, applied, err := s.machine.Apply(ctx, p.OrderID, order.Change{To: order.StatusPaid, Message: message})
	if err != nil {
		if errors.Is(err, order.ErrInvalidTransition) && order.Passed(next.Status, order.StatusPaid) {
			log.WithField("status", next.Status).Info("payment confirmed concurrently")
			return next, nil
		}
		return next, err
	}
	if !applied {
		return next, nil
	}

	log.Info("payment confirmed")
	if err := s.trigger.Trigger(next.ID, false); err != nil {
		log.WithError(err).Error("schedule slicing after payment; use the internal trigger to retry")
	}
	return next, nil
}

// RunSlicing slices a PAID order synchronously.
func (s *Service) RunSlicing(ctx context.Context, id string) (Result, error) {
	return s.orchestrator.Run(ctx, id)
}

// TriggerSlicing schedules slicing for a PAID order.
func (s *Service) TriggerSlicing(ctx context.Context, id string) error {
	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status != order.StatusPaid {
		return &order.InvalidTransitionError{From: cur.Status, To: order.StatusSlicing}
	}
	return s.trigger.Trigger(id, false)
}

// AdminTransition applies a privileged status change. Moving an order back
// to SLICING schedules a new slicing run.
func (s *Service) AdminTransition(ctx context.Context, c AdminChange) (order.Order, error) {
	if !c.Admin {
		return order.Order{}, errors.Wrap(order.ErrAuthorization, "admin transitions require an admin session")
	}
	if !c.To.Valid() {
		return order.Order{}, errors.Wrapf(order.ErrValidation, "unknown status %q", c.To)
	}
	switch c.To {
	case order.StatusQuoted:
		return order.Order{}, errors.Wrapf(order.ErrValidation, "%s is set by quoting the order", c.To)
	case order.StatusPaid:
		return order.Order{}, errors.Wrapf(order.ErrValidation, "%s is set by a confirmed payment", c.To)
	case order.StatusReadyToPrint:
		return order.Order{}, errors.Wrapf(order.ErrValidation, "%s is set by the slicing pipeline", c.To)
	}

	reason := strings.TrimSpace(c.FailureReason)
	if reason == "" {
		reason = strings.TrimSpace(c.Message)
	}
	if c.To == order.StatusFailed {
		if reason == "" {
			return order.Order{}, errors.Wrap(order.ErrValidation, "a failure reason is required")
		}
		if !hasCategory(reason) {
			reason = CategoryProduction + ": " + reason
		}
	}

	next, applied, err := s.machine.Apply(ctx, c.OrderID, order.Change{
		To:      c.To,
		Message: c.Message,
		Actor:   c.Actor,
		Mutate: func(o *order.Order) error {
			if c.To == order.StatusFailed {
				o.FailureReason = reason
			}
			if v := strings.TrimSpace(c.TrackingNumber); v != "" {
				o.TrackingNumber = v
			}
			if v := strings.TrimSpace(c.LabelURL); v != "" {
				o.LabelURL = v
			}
			return nil
		},
	})
	if err != nil {
		var invalid *order.InvalidTransitionError
		if errors.As(err, &invalid) && order.IsTerminal(invalid.From) {
			err = errors.Wrapf(err, "order is %s and can no longer change", invalid.From)
		}
		return next, err
	}

	log := s.log.WithFields(logrus.Fields{"order_id": c.OrderID, "to": c.To, "actor": c.Actor, "applied": applied})
	log.Info("admin transition")
	if applied && c.To == order.StatusSlicing {
		if err := s.trigger.Trigger(next.ID, true); err != nil {
			log.WithError(err).Error("schedule slicing retry")
		}
	}
	return next, nil
}

// ResumeInterrupted schedules slicing for orders a previous process left
// behind: PAID orders whose job was never taken and SLICING orders whose run
// was interrupted.
func (s *Service) ResumeInterrupted(ctx context.Context) error {
	if s.lister == nil {
		return errors.New("order listing is not configured")
	}
	resumed := 0
	for _, st := range []order.Status{order.StatusPaid, order.StatusSlicing} {
		orders, err := s.lister.List(ctx, order.ListFilter{Status: st, Limit: 500})
		if err != nil {
			return errors.Wrapf(err, "list %s orders", st)
		}
		for _, o := range orders {
			if err := s.trigger.Trigger(o.ID, st == order.StatusSlicing); err != nil {
				s.log.WithError(err).WithField("order_id", o.ID).Warn("could not schedule interrupted order")
				continue
			}
			resumed++
		}
	}
	if resumed > 0 {
		s.log.WithField("orders", resumed).Info("resumed interrupted slicing")
	}
	return nil
}

// CancelOrder cancels an order on the customer's behalf. Only orders that
// have not been paid can be cancelled this way.
func (s *Service) CancelOrder(ctx context.Context, id string) (order.Order, error) {
	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return order.Order{}, err
	}
	if cur.Status == order.StatusCancelled {
		return cur, nil
	}
	if !order.CustomerCancellable(cur.Status) {
		return cur, &order.InvalidTransitionError{From: cur.Status, To: order.StatusCancelled}
	}

	next, err := s.machine.Advance(ctx, id, cur.Status, order.Change{
		To:      order.StatusCancelled,
		Message: "cancelled by customer",
	})
	if err != nil {
		return next, err
	}
	s.log.WithField("order_id", id).Info("order cancelled")
	return next, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (order.Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListEvents(ctx context.Context, id string) ([]order.Event, error) {
	return s.repo.ListEvents(ctx, id)
}

func (s *Service) ListOrders(ctx context.Context, f order.ListFilter) ([]order.Order, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, errors.Wrapf(order.ErrValidation, "unknown status %q", f.Status)
	}
	if s.lister == nil {
		return nil, errors.New("order listing is not configured")
	}
	return s.lister.List(ctx, f)
}

// estimate returns the stored estimate or asks the slicing service for one.
func (s *Service) estimate(ctx context.Context, cur order.Order) (pricing.Estimate, error) {
	if cur.Estimate != nil {
		return *cur.Estimate, cur.Estimate.Validate()
	}
	if s.estimator == nil {
		return pricing.Estimate{}, errors.Wrap(pricing.ErrEstimateInvalid, "order has no estimate and no estimator is configured")
	}

	source, err := s.storage.DownloadURL(ctx, cur.STLStorageKey, s.downloadTTL)
	if err != nil {
		return pricing.Estimate{}, errors.Wrap(order.ErrStorage, err.Error())
	}
	req := slicer.Request{
		SourceReference: source,
		LayerHeight:     cur.LayerHeight,
		InfillPercent:   cur.InfillPercent,
		Supports:        cur.Supports,
	}
	est, err := s.estimator.Estimate(ctx, req)
	switch {
	case errors.Is(err, slicer.ErrRejected):
		return pricing.Estimate{}, errors.Wrap(pricing.ErrEstimateInvalid, err.Error())
	case err != nil:
		return pricing.Estimate{}, errors.Wrap(order.ErrSlicingService, err.Error())
	}
	return est, est.Validate()
}

func (s *Service) constants(ctx context.Context, cur order.Order) (pricing.Constants, error) {
	m, err := s.catalog.Material(ctx, cur.MaterialProfileID)
	if err != nil {
		return pricing.Constants{}, pricingProfileError(err)
	}
	var printer *catalog.PrinterProfile
	if cur.PrinterProfileID != nil {
		p, err := s.catalog.Printer(ctx, *cur.PrinterProfileID)
		if err != nil {
			return pricing.Constants{}, pricingProfileError(err)
		}
		printer = &p
	}
	return s.resolver.Resolve(&m, printer)
}

func profileError(err error, kind string, id int64) error {
	if errors.Is(err, order.ErrNotFound) {
		return errors.Wrapf(order.ErrValidation, "%s profile %d does not exist", kind, id)
	}
	return err
}

func pricingProfileError(err error) error {
	if errors.Is(err, order.ErrNotFound) {
		return errors.Wrap(pricing.ErrPricingConfiguration, err.Error())
	}
	return err
}

func hasCategory(reason string) bool {
	category, _, ok := strings.Cut(reason, ":")
	return ok && category != "" && !strings.ContainsAny(category, " \t")
}
