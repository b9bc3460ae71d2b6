package order

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Repository persists orders and their append-only event log. Every write
// that changes an order also appends its event in the same transaction.
type Repository interface {
	Get(ctx context.Context, id string) (Order, error)
	// Create inserts a new order together with its creation event.
	Create(ctx context.Context, o Order, ev Event) error
	// Save writes o if the stored status still equals expected and appends ev.
	// It returns ErrStatusConflict when another writer got there first.
	Save(ctx context.Context, o Order, expected Status, ev Event) error
	ListEvents(ctx context.Context, orderID string) ([]Event, error)
}

// ListFilter narrows order listings. The zero value lists the most recently
// updated orders.
type ListFilter struct {
	Status Status
	Limit  int
}

// Change is a requested status change.
type Change struct {
	To      Status
	Message string
	Actor   string
	// Mutate sets the fields that accompany the new status (failure reason,
	// toolpath key, tracking data). It runs after the status has been updated.
	Mutate func(o *Order) error
}

// Machine applies lifecycle transitions with compare-and-set persistence.
type Machine struct {
	repo Repository
	now  func() time.Time
}

// NewMachine returns a Machine writing through repo. A nil clock uses time.Now.
func NewMachine(repo Repository, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{repo: repo, now: now}
}

// Create persists a NEW order and its creation event.
func (m *Machine) Create(ctx context.Context, o Order, message, actor string) error {
	if o.Status != StatusNew {
		return errors.Wrapf(ErrValidation, "new orders start in %s, got %s", StatusNew, o.Status)
	}
	ev := Event{OrderID: o.ID, To: StatusNew, Message: message, Actor: actor, CreatedAt: o.CreatedAt}
	return m.repo.Create(ctx, o, ev)
}

// Apply moves the order to c.To. Asking for the status the order is already
// in is a no-op that reports applied == false, so duplicate deliveries of the
// same request are harmless.
func (m *Machine) Apply(ctx context.Context, id string, c Change) (o Order, applied bool, err error) {
	cur, err := m.repo.Get(ctx, id)
	if err != nil {
		return Order{}, false, err
	}
	if cur.Status == c.To {
		return cur, false, nil
	}

	next, err := m.commit(ctx, cur, c)
	if err != nil {
		return next, false, err
	}
	return next, true, nil
}

// Advance moves the order from exactly from to c.To. Unlike Apply it fails
// when the order is already in c.To, which makes it usable as a
// single-writer gate.
func (m *Machine) Advance(ctx context.Context, id string, from Status, c Change) (Order, error) {
	cur, err := m.repo.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if cur.Status != from {
		return cur, &InvalidTransitionError{From: cur.Status, To: c.To}
	}
	return m.commit(ctx, cur, c)
}

// Amend rewrites fields of an order that is in expected without changing its
// status. The audit event records expected -> expected.
func (m *Machine) Amend(ctx context.Context, id string, expected Status, message, actor string, mutate func(o *Order) error) (Order, error) {
	cur, err := m.repo.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if cur.Status != expected {
		return cur, &InvalidTransitionError{From: cur.Status, To: expected}
	}

	next := cur
	next.UpdatedAt = advance(cur.UpdatedAt, m.now())
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return cur, err
		}
	}
	if next.Status != expected {
		return cur, errors.Wrap(ErrValidation, "amend cannot change status")
	}
	return m.save(ctx, cur, next, message, actor)
}

func (m *Machine) commit(ctx context.Context, cur Order, c Change) (Order, error) {
	next, err := cur.transition(c.To, m.now())
	if err != nil {
		return cur, err
	}
	if c.Mutate != nil {
		if err := c.Mutate(&next); err != nil {
			return cur, err
		}
	}
	if next.Status != c.To {
		return cur, errors.Wrap(ErrValidation, "mutate cannot change status")
	}

	message := c.Message
	if message == "" {
		message = fmt.Sprintf("status changed from %s to %s", cur.Status, c.To)
	}
	return m.save(ctx, cur, next, message, c.Actor)
}

func (m *Machine) save(ctx context.Context, cur, next Order, message, actor string) (Order, error) {
	if err := next.checkInvariants(); err != nil {
		return cur, err
	}

	ev := Event{
		OrderID:   cur.ID,
		From:      cur.Status,
		To:        next.Status,
		Message:   message,
		Actor:     actor,
		CreatedAt: next.UpdatedAt,
	}
	if err := m.repo.Save(ctx, next, cur.Status, ev); err != nil {
		if !errors.Is(err, ErrStatusConflict) {
			return cur, err
		}
		latest, getErr := m.repo.Get(ctx, cur.ID)
		if getErr != nil {
			return cur, getErr
		}
		return latest, &InvalidTransitionError{From: latest.Status, To: next.Status}
	}
	return next, nil
}

// Replay folds an event sequence into the status it leads to. The sequence
// must start with the creation event and every step must be legal.
func Replay(events []Event) (Status, error) {
	if len(events) == 0 {
		return "", errors.Wrap(ErrValidation, "no events to replay")
	}
	if first := events[0]; first.From != "" || first.To != StatusNew {
		return "", errors.Wrapf(ErrValidation, "first event must create the order, got %q -> %q", first.From, first.To)
	}

	status := StatusNew
	for _, ev := range events[1:] {
		if ev.From != status {
			return "", errors.Wrapf(ErrValidation, "event %d starts at %s but order was %s", ev.Seq, ev.From, status)
		}
		if ev.To == status {
			continue
		}
		if !CanTransition(status, ev.To) {
			return "", &InvalidTransitionError{From: status, To: ev.To}
		}
		status = ev.To
	}
	return status, nil
}
