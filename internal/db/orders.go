package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Simplici0/printflow/internal/order"
	"github.com/Simplici0/printflow/internal/outbox"
	"github.com/Simplici0/printflow/internal/pricing"
	"github.com/Simplici0/printflow/internal/tracing"
)

// Orders is the SQLite order repository. Every write changes the order row,
// appends its event and, when Outbox is set, queues an outbox message, all in
// one transaction.
type Orders struct {
	db     *sqlx.DB
	Outbox bool
}

func NewOrders(db *sqlx.DB) *Orders {
	return &Orders{db: db}
}

type orderRow struct {
	ID                string          `db:"id"`
	Status            string          `db:"status"`
	Quantity          int             `db:"quantity"`
	LayerHeight       float64         `db:"layer_height"`
	InfillPercent     int             `db:"infill_percent"`
	Supports          bool            `db:"supports"`
	PrinterProfileID  sql.NullInt64   `db:"printer_profile_id"`
	MaterialProfileID int64           `db:"material_profile_id"`
	STLStorageKey     string          `db:"stl_storage_key"`
	STLFilename       string          `db:"stl_filename"`
	STLFileSizeBytes  int64           `db:"stl_file_size_bytes"`
	GramsUsed         sql.NullFloat64 `db:"grams_used"`
	PrintTimeHours    sql.NullFloat64 `db:"print_time_hours"`
	QuoteJSON         sql.NullString  `db:"quote_json"`
	PricingJSON       sql.NullString  `db:"pricing_json"`
	GrandTotal        sql.NullString  `db:"grand_total"`
	FailureReason     sql.NullString  `db:"failure_reason"`
	GCodeStorageKey   sql.NullString  `db:"gcode_storage_key"`
	TrackingNumber    sql.NullString  `db:"tracking_number"`
	LabelURL          sql.NullString  `db:"label_url"`
	CreatedAt         int64           `db:"created_at"`
	UpdatedAt         int64           `db:"updated_at"`
	GCodeReadyAt      sql.NullInt64   `db:"gcode_ready_at"`
}

type casRow struct {
	orderRow
	ExpectedStatus string `db:"expected_status"`
}

type eventRow struct {
	Seq       int64          `db:"seq"`
	OrderID   string         `db:"order_id"`
	From      sql.NullString `db:"from_status"`
	To        string         `db:"to_status"`
	Message   string         `db:"message"`
	Actor     sql.NullString `db:"actor"`
	CreatedAt int64          `db:"created_at"`
}

const orderColumns = `id, status, quantity, layer_height, infill_percent, supports,
	printer_profile_id, material_profile_id, stl_storage_key, stl_filename,
	stl_file_size_bytes, grams_used, print_time_hours, quote_json, pricing_json,
	grand_total, failure_reason, gcode_storage_key, tracking_number, label_url,
	created_at, updated_at, gcode_ready_at`

const insertOrderQuery = `INSERT INTO orders (` + orderColumns + `) VALUES (
	:id, :status, :quantity, :layer_height, :infill_percent, :supports,
	:printer_profile_id, :material_profile_id, :stl_storage_key, :stl_filename,
	:stl_file_size_bytes, :grams_used, :print_time_hours, :quote_json, :pricing_json,
	:grand_total, :failure_reason, :gcode_storage_key, :tracking_number, :label_url,
	:created_at, :updated_at, :gcode_ready_at)`

const updateOrderQuery = `UPDATE orders SET
	status = :status,
	grams_used = :grams_used,
	print_time_hours = :print_time_hours,
	quote_json = :quote_json,
	pricing_json = :pricing_json,
	grand_total = :grand_total,
	failure_reason = :failure_reason,
	gcode_storage_key = :gcode_storage_key,
	tracking_number = :tracking_number,
	label_url = :label_url,
	updated_at = :updated_at,
	gcode_ready_at = :gcode_ready_at
WHERE id = :id AND status = :expected_status`

const insertEventQuery = `INSERT INTO order_events (order_id, from_status, to_status, message, actor, created_at)
VALUES (:order_id, :from_status, :to_status, :message, :actor, :created_at)`

const insertOutboxQuery = `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

// Get returns the order with id or an error matching order.ErrNotFound.
func (r *Orders) Get(ctx context.Context, id string) (order.Order, error) {
	var row orderRow
	err := r.db.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, fmt.Errorf("order %s: %w", id, order.ErrNotFound)
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("select order %s: %w", id, err)
	}
	return row.toOrder()
}

// List returns orders, most recently updated first.
func (r *Orders) List(ctx context.Context, f order.ListFilter) ([]order.Order, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	args := []any{}
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY updated_at DESC, id LIMIT ?`
	args = append(args, limit)

	var rows []orderRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	out := make([]order.Order, 0, len(rows))
	for _, row := range rows {
		o, err := row.toOrder()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// Create inserts a new order and its creation event.
func (r *Orders) Create(ctx context.Context, o order.Order, ev order.Event) error {
	row, err := fromOrder(o)
	if err != nil {
		return err
	}

	return r.transact(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertOrderQuery, row); err != nil {
			return fmt.Errorf("insert order %s: %w", o.ID, err)
		}
		return r.appendEvent(ctx, tx, ev, outbox.TypeOrderCreated)
	})
}

// Save writes o only if the stored status still equals expected. The
// conditional UPDATE is the first statement of the transaction.
func (r *Orders) Save(ctx context.Context, o order.Order, expected order.Status, ev order.Event) error {
	row, err := fromOrder(o)
	if err != nil {
		return err
	}

	return r.transact(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, updateOrderQuery, casRow{orderRow: row, ExpectedStatus: string(expected)})
		if err != nil {
			return fmt.Errorf("update order %s: %w", o.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update order %s rows affected: %w", o.ID, err)
		}
		if n == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = ?)`, o.ID); err != nil {
				return fmt.Errorf("check order %s existence: %w", o.ID, err)
			}
			if !exists {
				return fmt.Errorf("order %s: %w", o.ID, order.ErrNotFound)
			}
			return fmt.Errorf("order %s expected %s: %w", o.ID, expected, order.ErrStatusConflict)
		}
		return r.appendEvent(ctx, tx, ev, outbox.TypeOrderStatusChanged)
	})
}

// appendEvent is the only writer of order_events.
func (r *Orders) appendEvent(ctx context.Context, tx *sqlx.Tx, ev order.Event, eventType string) error {
	row := eventRow{
		OrderID:   ev.OrderID,
		From:      nullString(string(ev.From)),
		To:        string(ev.To),
		Message:   ev.Message,
		Actor:     nullString(ev.Actor),
		CreatedAt: ev.CreatedAt.UnixNano(),
	}
	res, err := tx.NamedExecContext(ctx, insertEventQuery, row)
	if err != nil {
		return fmt.Errorf("insert event for order %s: %w", ev.OrderID, err)
	}
	if !r.Outbox {
		return nil
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read event sequence for order %s: %w", ev.OrderID, err)
	}
	ev.Seq = seq
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode outbox payload for order %s: %w", ev.OrderID, err)
	}
	if _, err := tx.ExecContext(ctx, insertOutboxQuery,
		outbox.AggregateOrder, ev.OrderID, eventType, payload,
		tracing.Traceparent(ctx), string(outbox.StatusPending), ev.CreatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert outbox message for order %s: %w", ev.OrderID, err)
	}
	return nil
}

// ListEvents returns the events of one order in insertion order.
func (r *Orders) ListEvents(ctx context.Context, orderID string) ([]order.Event, error) {
	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT seq, order_id, from_status, to_status, message, actor, created_at
		FROM order_events
		WHERE order_id = ?
		ORDER BY seq
	`, orderID); err != nil {
		return nil, fmt.Errorf("list events for order %s: %w", orderID, err)
	}

	if len(rows) == 0 {
		if _, err := r.Get(ctx, orderID); err != nil {
			return nil, err
		}
	}

	events := make([]order.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, order.Event{
			Seq:       row.Seq,
			OrderID:   row.OrderID,
			From:      order.Status(row.From.String),
			To:        order.Status(row.To),
			Message:   row.Message,
			Actor:     row.Actor.String,
			CreatedAt: fromNanos(row.CreatedAt),
		})
	}
	return events, nil
}

func (r *Orders) transact(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func fromOrder(o order.Order) (orderRow, error) {
	row := orderRow{
		ID:                o.ID,
		Status:            string(o.Status),
		Quantity:          o.Quantity,
		LayerHeight:       o.LayerHeight,
		InfillPercent:     o.InfillPercent,
		Supports:          o.Supports,
		MaterialProfileID: o.MaterialProfileID,
		STLStorageKey:     o.STLStorageKey,
		STLFilename:       o.STLFilename,
		STLFileSizeBytes:  o.STLFileSizeBytes,
		FailureReason:     nullString(o.FailureReason),
		GCodeStorageKey:   nullString(o.GCodeStorageKey),
		TrackingNumber:    nullString(o.TrackingNumber),
		LabelURL:          nullString(o.LabelURL),
		CreatedAt:         o.CreatedAt.UnixNano(),
		UpdatedAt:         o.UpdatedAt.UnixNano(),
	}
	if o.PrinterProfileID != nil {
		row.PrinterProfileID = sql.NullInt64{Int64: *o.PrinterProfileID, Valid: true}
	}
	if o.Estimate != nil {
		row.GramsUsed = sql.NullFloat64{Float64: o.Estimate.GramsUsed, Valid: true}
		row.PrintTimeHours = sql.NullFloat64{Float64: o.Estimate.PrintTimeHours, Valid: true}
	}
	if o.Quote != nil {
		b, err := json.Marshal(o.Quote)
		if err != nil {
			return orderRow{}, fmt.Errorf("encode quote for order %s: %w", o.ID, err)
		}
		row.QuoteJSON = nullString(string(b))
		row.GrandTotal = nullString(o.Quote.GrandTotal.StringFixed(2))
	}
	if o.Pricing != nil {
		b, err := json.Marshal(o.Pricing)
		if err != nil {
			return orderRow{}, fmt.Errorf("encode pricing snapshot for order %s: %w", o.ID, err)
		}
		row.PricingJSON = nullString(string(b))
	}
	if o.GCodeReadyAt != nil {
		row.GCodeReadyAt = sql.NullInt64{Int64: o.GCodeReadyAt.UnixNano(), Valid: true}
	}
	return row, nil
}

func (row orderRow) toOrder() (order.Order, error) {
	o := order.Order{
		ID:                row.ID,
		Status:            order.Status(row.Status),
		Quantity:          row.Quantity,
		LayerHeight:       row.LayerHeight,
		InfillPercent:     row.InfillPercent,
		Supports:          row.Supports,
		MaterialProfileID: row.MaterialProfileID,
		STLStorageKey:     row.STLStorageKey,
		STLFilename:       row.STLFilename,
		STLFileSizeBytes:  row.STLFileSizeBytes,
		FailureReason:     row.FailureReason.String,
		GCodeStorageKey:   row.GCodeStorageKey.String,
		TrackingNumber:    row.TrackingNumber.String,
		LabelURL:          row.LabelURL.String,
		CreatedAt:         fromNanos(row.CreatedAt),
		UpdatedAt:         fromNanos(row.UpdatedAt),
	}
	if row.PrinterProfileID.Valid {
		id := row.PrinterProfileID.Int64
		o.PrinterProfileID = &id
	}
	if row.GramsUsed.Valid && row.PrintTimeHours.Valid {
		o.Estimate = &pricing.Estimate{GramsUsed: row.GramsUsed.Float64, PrintTimeHours: row.PrintTimeHours.Float64}
	}
	if row.QuoteJSON.Valid {
		var b pricing.Breakdown
		if err := json.Unmarshal([]byte(row.QuoteJSON.String), &b); err != nil {
			return order.Order{}, fmt.Errorf("decode quote for order %s: %w", row.ID, err)
		}
		o.Quote = &b
	}
	if row.PricingJSON.Valid {
		var c pricing.Constants
		if err := json.Unmarshal([]byte(row.PricingJSON.String), &c); err != nil {
			return order.Order{}, fmt.Errorf("decode pricing snapshot for order %s: %w", row.ID, err)
		}
		o.Pricing = &c
	}
	if row.GCodeReadyAt.Valid {
		t := fromNanos(row.GCodeReadyAt.Int64)
		o.GCodeReadyAt = &t
	}
	return o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
