package outbox

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Store reads and updates outbox rows.
type Store interface {
	Pending(ctx context.Context, limit int) ([]Message, error)
	MarkSent(ctx context.Context, ids []int64) error
	// MarkFailed records a failed attempt. Rows that reach maxRetries attempts
	// move to StatusFailed and are not picked up again.
	MarkFailed(ctx context.Context, id int64, errMsg string, maxRetries int) error
}

type Relay struct {
	log        logrus.FieldLogger
	store      Store
	dispatch   *Dispatcher
	batchSize  int
	interval   time.Duration
	maxRetries int
}

func NewRelay(log logrus.FieldLogger, store Store, dispatch *Dispatcher) *Relay {
	return &Relay{
		log:        log,
		store:      store,
		dispatch:   dispatch,
		batchSize:  100,
		interval:   500 * time.Millisecond,
		maxRetries: 10,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopping")
			return nil
		case <-t.C:
			if _, err := r.Flush(ctx); err != nil {
				r.log.WithError(err).Error("outbox relay flush failed")
			}
		}
	}
}

// Flush publishes one batch of pending messages and returns how many were sent.
// Once a message fails, later messages for the same aggregate stay pending so
// consumers never see them out of order.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	msgs, err := r.store.Pending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(msgs))
	blocked := map[string]bool{}
	for _, m := range msgs {
		if blocked[m.AggregateID] {
			continue
		}
		if err := r.dispatch.Dispatch(ctx, m); err != nil {
			blocked[m.AggregateID] = true
			if markErr := r.store.MarkFailed(ctx, m.ID, err.Error(), r.maxRetries); markErr != nil {
				r.log.WithField("outbox_id", m.ID).WithError(markErr).Error("outbox mark failed error")
			}
			continue
		}
		ids = append(ids, m.ID)
	}
	if len(ids) > 0 {
		if err := r.store.MarkSent(ctx, ids); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
