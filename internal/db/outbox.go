package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Simplici0/printflow/internal/outbox"
)

// OutboxStore implements outbox.Store. A single relay process reads it, so
// rows are not leased.
type OutboxStore struct {
	db *sqlx.DB
}

func NewOutboxStore(db *sqlx.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

type outboxRow struct {
	ID            int64          `db:"id"`
	AggregateType string         `db:"aggregate_type"`
	AggregateID   string         `db:"aggregate_id"`
	Type          string         `db:"type"`
	Payload       []byte         `db:"payload"`
	Traceparent   string         `db:"traceparent"`
	Status        string         `db:"status"`
	RetryCount    int            `db:"retry_count"`
	LastError     sql.NullString `db:"last_error"`
	CreatedAt     int64          `db:"created_at"`
}

func (s *OutboxStore) Pending(ctx context.Context, limit int) ([]outbox.Message, error) {
	var rows []outboxRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, aggregate_type, aggregate_id, type, payload, traceparent, status, retry_count, last_error, created_at
		FROM outbox
		WHERE status = ?
		ORDER BY id
		LIMIT ?
	`, string(outbox.StatusPending), limit); err != nil {
		return nil, fmt.Errorf("select pending outbox rows: %w", err)
	}

	msgs := make([]outbox.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, outbox.Message{
			ID:            r.ID,
			AggregateType: r.AggregateType,
			AggregateID:   r.AggregateID,
			Type:          r.Type,
			Payload:       r.Payload,
			Traceparent:   r.Traceparent,
			Status:        outbox.Status(r.Status),
			RetryCount:    r.RetryCount,
			LastError:     r.LastError.String,
			CreatedAt:     fromNanos(r.CreatedAt),
		})
	}
	return msgs, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE outbox SET status = ?, last_error = NULL WHERE id IN (?)`, string(outbox.StatusSent), ids)
	if err != nil {
		return fmt.Errorf("build mark sent query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("mark outbox rows sent: %w", err)
	}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, errMsg string, maxRetries int) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retry_count = retry_count + 1,
			last_error = ?,
			status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE status END
		WHERE id = ?
	`, errMsg, maxRetries, string(outbox.StatusFailed), id); err != nil {
		return fmt.Errorf("mark outbox row %d failed: %w", id, err)
	}
	return nil
}
