package pipeline

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Simplici0/printflow/internal/order"
	"github.com/Simplici0/printflow/internal/pricing"
	"github.com/Simplici0/printflow/internal/slicer"
)

func TestCreateOrderStartsNewWithCreationEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, f.spec())
	require.NoError(t, err)
	assert.Equal(t, order.StatusNew, o.Status)
	assert.NotEmpty(t, o.ID)

	events, err := f.svc.ListEvents(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, order.Status(""), events[0].From)
	assert.Equal(t, order.StatusNew, events[0].To)
	assert.Contains(t, events[0].Message, "part.stl (1.5 MB)")
}

func TestCreateOrderRejectsUnknownProfiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	spec := f.spec()
	spec.MaterialProfileID = 999
	_, err := f.svc.CreateOrder(ctx, spec)
	assert.ErrorIs(t, err, order.ErrValidation)

	spec = f.spec()
	missing := int64(999)
	spec.PrinterProfileID = &missing
	_, err = f.svc.CreateOrder(ctx, spec)
	assert.ErrorIs(t, err, order.ErrValidation)

	spec = f.spec()
	spec.Quantity = 0
	_, err = f.svc.CreateOrder(ctx, spec)
	assert.ErrorIs(t, err, order.ErrValidation)
}

func TestQuoteOrderComputesReferenceQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, f.spec())
	require.NoError(t, err)

	b, err := f.svc.QuoteOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "11.4", b.UnitSubtotal.String())
	assert.Equal(t, "22.80", b.GrandTotal.StringFixed(2))
	assert.Equal(t, int64(2280), b.GrandTotalCents())

	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusQuoted, got.Status)
	require.NotNil(t, got.Quote)
	require.NotNil(t, got.Pricing)
	recomputed, err := pricing.Quote(*got.Estimate, *got.Pricing, got.Quantity)
	require.NoError(t, err)
	assert.True(t, recomputed.GrandTotal.Equal(got.Quote.GrandTotal))
}

func TestQuoteOrderAsksEstimatorWhenOrderHasNoEstimate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.storage.Put(ctx, "uploads/part.stl", []byte("solid")))

	spec := f.spec()
	spec.Estimate = nil
	o, err := f.svc.CreateOrder(ctx, spec)
	require.NoError(t, err)

	b, err := f.svc.QuoteOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "22.80", b.GrandTotal.StringFixed(2))

	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Estimate)
	assert.InDelta(t, 50.0, got.Estimate.GramsUsed, 1e-9)
}

func TestQuoteOrderRejectsZeroEstimate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.storage.Put(ctx, "uploads/part.stl", []byte("solid")))
	f.slicer.estimate = func(ctx context.Context, req slicer.Request) (pricing.Estimate, error) {
		return pricing.Estimate{GramsUsed: 0, PrintTimeHours: 1}, nil
	}

	spec := f.spec()
	spec.Estimate = nil
	o, err := f.svc.CreateOrder(ctx, spec)
	require.NoError(t, err)

	_, err = f.svc.QuoteOrder(ctx, o.ID)
	assert.ErrorIs(t, err, pricing.ErrEstimateInvalid)

	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusNew, got.Status)
}

func TestQuoteOrderMisconfiguredMaterial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, f.spec())
	require.NoError(t, err)

	m, err := f.catalog.Material(ctx, f.materialID)
	require.NoError(t, err)
	m.CostPerKg = 0
	_, err = f.catalog.SaveMaterial(ctx, m)
	require.NoError(t, err)

	_, err = f.svc.QuoteOrder(ctx, o.ID)
	assert.ErrorIs(t, err, pricing.ErrPricingConfiguration)
}

func TestRequoteKeepsStatusAndAppendsAuditEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, f.spec())
	require.NoError(t, err)
	_, err = f.svc.QuoteOrder(ctx, o.ID)
	require.NoError(t, err)

	m, err := f.catalog.Material(ctx, f.materialID)
	require.NoError(t, err)
	m.MarginMultiplier = 2
	_, err = f.catalog.SaveMaterial(ctx, m)
	require.NoError(t, err)

	b, err := f.svc.QuoteOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "38.00", b.GrandTotal.StringFixed(2))

	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusQuoted, got.Status)
	assert.True(t, got.Quote.GrandTotal.Equal(b.GrandTotal))

	events, err := f.svc.ListEvents(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, order.StatusQuoted, events[2].From)
	assert.Equal(t, order.StatusQuoted, events[2].To)
}

func TestQuoteOrderAfterPaymentIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)

	_, err := f.svc.QuoteOrder(context.Background(), o.ID)
	var ite *order.InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, order.StatusPaid, ite.From)
}

func TestConfirmPaymentSchedulesSlicingOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paidOrder(t)

	assert.Equal(t, []triggered{{OrderID: o.ID}}, f.trigger.triggered())

	again, err := f.svc.ConfirmPayment(ctx, Payment{OrderID: o.ID, AmountCents: 2280, Reference: "pay_1"})
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, again.Status)
	assert.Len(t, f.trigger.triggered(), 1, "redelivery must not schedule slicing again")

	events, err := f.svc.ListEvents(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, []order.Status{order.StatusNew, order.StatusQuoted, order.StatusPaid}, statuses(events))
}

func TestConfirmPaymentIsNoOpOncePastPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paidOrder(t)

	_, err := f.svc.RunSlicing(ctx, o.ID)
	require.NoError(t, err)

	got, err := f.svc.ConfirmPayment(ctx, Payment{OrderID: o.ID, AmountCents: 2280})
	require.NoError(t, err)
	assert.Equal(t, order.StatusReadyToPrint, got.Status)
}

func TestConfirmPaymentRejectsAmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, f.spec())
	require.NoError(t, err)
	_, err = f.svc.QuoteOrder(ctx, o.ID)
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, Payment{OrderID: o.ID, AmountCents: 2279})
	assert.ErrorIs(t, err, order.ErrValidation)

	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusQuoted, got.Status)
	assert.Empty(t, f.trigger.triggered())
}

func TestConfirmPaymentBeforeQuoteIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, f.spec())
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, Payment{OrderID: o.ID, AmountCents: 2280})
	assert.ErrorIs(t, err, order.ErrInvalidTransition)
}

func TestConfirmPaymentSucceedsWhenTriggerIsFull(t *testing.T) {
	f := newFixture(t)
	f.trigger.err = errors.New("job queue is full")
	o := f.paidOrder(t)
	assert.Equal(t, order.StatusPaid, o.Status)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, f.spec())
	require.NoError(t, err)

	cancelled, err := f.svc.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, cancelled.Status)

	again, err := f.svc.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, again.Status)

	events, err := f.svc.ListEvents(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestCancelOrderAfterPaymentIsRejected(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)

	_, err := f.svc.CancelOrder(context.Background(), o.ID)
	var ite *order.InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, order.StatusPaid, ite.From)
	assert.Equal(t, order.StatusCancelled, ite.To)
}

func TestAdminTransitionRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)

	_, err := f.svc.AdminTransition(context.Background(), AdminChange{OrderID: o.ID, To: order.StatusCancelled})
	assert.ErrorIs(t, err, order.ErrAuthorization)
}

func TestAdminTransitionFailedNeedsReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paidOrder(t)
	_, err := f.svc.RunSlicing(ctx, o.ID)
	require.NoError(t, err)

	_, err = f.svc.AdminTransition(ctx, AdminChange{OrderID: o.ID, To: order.StatusFailed, Admin: true})
	assert.ErrorIs(t, err, order.ErrValidation)

	got, err := f.svc.AdminTransition(ctx, AdminChange{
		OrderID: o.ID, To: order.StatusFailed, Message: "nozzle clogged", Actor: "admin@example.com", Admin: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "production_error: nozzle clogged", got.FailureReason)
	assert.Equal(t, "production_error", got.FailureCategory())

	events, err := f.svc.ListEvents(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "admin@example.com", events[len(events)-1].Actor)
}

func TestAdminTransitionRecordsDeliveryData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paidOrder(t)
	_, err := f.svc.RunSlicing(ctx, o.ID)
	require.NoError(t, err)

	for _, to := range []order.Status{order.StatusPrinting, order.StatusPrintDone, order.StatusWaitingDelivery} {
		_, err := f.svc.AdminTransition(ctx, AdminChange{OrderID: o.ID, To: to, Admin: true})
		require.NoError(t, err)
	}
	got, err := f.svc.AdminTransition(ctx, AdminChange{
		OrderID: o.ID, To: order.StatusOutForDelivery, TrackingNumber: "TRK123", LabelURL: "https://labels.test/1", Admin: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "TRK123", got.TrackingNumber)
	assert.Equal(t, "https://labels.test/1", got.LabelURL)

	_, err = f.svc.AdminTransition(ctx, AdminChange{OrderID: o.ID, To: order.StatusPrinting, Admin: true})
	assert.ErrorIs(t, err, order.ErrInvalidTransition)
}

func TestAdminCannotSetReadyToPrint(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)

	_, err := f.svc.AdminTransition(context.Background(), AdminChange{OrderID: o.ID, To: order.StatusReadyToPrint, Admin: true})
	assert.ErrorIs(t, err, order.ErrValidation)
}

func TestAdminCannotQuoteOrPayByHand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, f.spec())
	require.NoError(t, err)
	_, err = f.svc.AdminTransition(ctx, AdminChange{OrderID: o.ID, To: order.StatusQuoted, Admin: true})
	assert.ErrorIs(t, err, order.ErrValidation)

	got, err := f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusNew, got.Status)
	assert.Nil(t, got.Quote)

	_, err = f.svc.QuoteOrder(ctx, o.ID)
	require.NoError(t, err)
	_, err = f.svc.AdminTransition(ctx, AdminChange{OrderID: o.ID, To: order.StatusPaid, Admin: true})
	assert.ErrorIs(t, err, order.ErrValidation)

	got, err = f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusQuoted, got.Status)
	assert.Empty(t, f.trigger.triggered())
}

func TestAdminTransitionOnTerminalOrderNamesTheStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, f.spec())
	require.NoError(t, err)
	_, err = f.svc.AdminTransition(ctx, AdminChange{OrderID: o.ID, To: order.StatusCancelled, Admin: true})
	require.NoError(t, err)

	_, err = f.svc.AdminTransition(ctx, AdminChange{OrderID: o.ID, To: order.StatusSlicing, Admin: true})
	assert.ErrorIs(t, err, order.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "order is CANCELLED and can no longer change")
}

func TestResumeInterruptedSchedulesPaidAndSlicingOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paid := f.paidOrder(t)
	stuck := f.paidOrder(t)
	_, err := f.orch.machine.Advance(ctx, stuck.ID, order.StatusPaid, order.Change{To: order.StatusSlicing})
	require.NoError(t, err)
	_, err = f.svc.CreateOrder(ctx, f.spec())
	require.NoError(t, err)

	before := len(f.trigger.triggered())
	require.NoError(t, f.svc.ResumeInterrupted(ctx))

	assert.ElementsMatch(t, []triggered{
		{OrderID: paid.ID, Resume: false},
		{OrderID: stuck.ID, Resume: true},
	}, f.trigger.triggered()[before:])
}

func TestTriggerSlicingRequiresPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, f.spec())
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.TriggerSlicing(ctx, o.ID), order.ErrInvalidTransition)

	paid := f.paidOrder(t)
	require.NoError(t, f.svc.TriggerSlicing(ctx, paid.ID))
	assert.Len(t, f.trigger.triggered(), 2)
}

func TestListOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paid := f.paidOrder(t)
	_, err := f.svc.CreateOrder(ctx, f.spec())
	require.NoError(t, err)

	all, err := f.svc.ListOrders(ctx, order.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyPaid, err := f.svc.ListOrders(ctx, order.ListFilter{Status: order.StatusPaid})
	require.NoError(t, err)
	require.Len(t, onlyPaid, 1)
	assert.Equal(t, paid.ID, onlyPaid[0].ID)

	_, err = f.svc.ListOrders(ctx, order.ListFilter{Status: "SHIPPED"})
	assert.ErrorIs(t, err, order.ErrValidation)
}
