// Package catalog describes the printer and material profiles the pipeline
// reads when pricing and slicing an order. Profiles are owned by the catalog
// and are never written by the pipeline.
package catalog

import "context"

// PrinterProfile represents a machine that can run a print job.
type PrinterProfile struct {
	ID            int64   `db:"id" json:"id"`
	Name          string  `db:"name" json:"name"`
	HourlyRate    float64 `db:"hourly_rate" json:"hourly_rate"`
	FixedOverhead float64 `db:"fixed_overhead" json:"fixed_overhead"`
	// Config is the slicer configuration file (ini) for this printer.
	Config string `db:"slicer_config" json:"-"`
	Active bool   `db:"active" json:"active"`
}

// MaterialProfile represents a filament the shop can print with.
type MaterialProfile struct {
	ID        int64   `db:"id" json:"id"`
	Name      string  `db:"name" json:"name"`
	CostPerKg float64 `db:"cost_per_kg" json:"cost_per_kg"`
	// MarginMultiplier overrides the default margin when greater than zero.
	MarginMultiplier float64 `db:"margin_multiplier" json:"margin_multiplier"`
	Config           string  `db:"slicer_config" json:"-"`
	Active           bool    `db:"active" json:"active"`
}

// Catalog looks up profiles by id. Implementations return an error matching
// order.ErrNotFound when a profile does not exist.
type Catalog interface {
	Printer(ctx context.Context, id int64) (PrinterProfile, error)
	Material(ctx context.Context, id int64) (MaterialProfile, error)
}
