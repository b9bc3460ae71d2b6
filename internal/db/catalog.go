package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Simplici0/printflow/internal/catalog"
	"github.com/Simplici0/printflow/internal/order"
)

// Catalog reads printer and material profiles.
type Catalog struct {
	db *sqlx.DB
}

func NewCatalog(db *sqlx.DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) Printer(ctx context.Context, id int64) (catalog.PrinterProfile, error) {
	var p catalog.PrinterProfile
	err := c.db.GetContext(ctx, &p, `
		SELECT id, name, hourly_rate, fixed_overhead, slicer_config, active
		FROM printer_profiles
		WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.PrinterProfile{}, fmt.Errorf("printer profile %d: %w", id, order.ErrNotFound)
	}
	if err != nil {
		return catalog.PrinterProfile{}, fmt.Errorf("select printer profile %d: %w", id, err)
	}
	return p, nil
}

func (c *Catalog) Material(ctx context.Context, id int64) (catalog.MaterialProfile, error) {
	var m catalog.MaterialProfile
	err := c.db.GetContext(ctx, &m, `
		SELECT id, name, cost_per_kg, margin_multiplier, slicer_config, active
		FROM material_profiles
		WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.MaterialProfile{}, fmt.Errorf("material profile %d: %w", id, order.ErrNotFound)
	}
	if err != nil {
		return catalog.MaterialProfile{}, fmt.Errorf("select material profile %d: %w", id, err)
	}
	return m, nil
}

// Printers lists active printer profiles by name.
func (c *Catalog) Printers(ctx context.Context) ([]catalog.PrinterProfile, error) {
	var out []catalog.PrinterProfile
	if err := c.db.SelectContext(ctx, &out, `
		SELECT id, name, hourly_rate, fixed_overhead, slicer_config, active
		FROM printer_profiles
		WHERE active = TRUE
		ORDER BY name
	`); err != nil {
		return nil, fmt.Errorf("list printer profiles: %w", err)
	}
	return out, nil
}

// Materials lists active material profiles by name.
func (c *Catalog) Materials(ctx context.Context) ([]catalog.MaterialProfile, error) {
	var out []catalog.MaterialProfile
	if err := c.db.SelectContext(ctx, &out, `
		SELECT id, name, cost_per_kg, margin_multiplier, slicer_config, active
		FROM material_profiles
		WHERE active = TRUE
		ORDER BY name
	`); err != nil {
		return nil, fmt.Errorf("list material profiles: %w", err)
	}
	return out, nil
}

// SaveMaterial inserts m when its ID is zero and updates it otherwise.
func (c *Catalog) SaveMaterial(ctx context.Context, m catalog.MaterialProfile) (int64, error) {
	if m.ID == 0 {
		res, err := c.db.NamedExecContext(ctx, `
			INSERT INTO material_profiles (name, cost_per_kg, margin_multiplier, slicer_config, active)
			VALUES (:name, :cost_per_kg, :margin_multiplier, :slicer_config, :active)
		`, m)
		if err != nil {
			return 0, fmt.Errorf("insert material profile: %w", err)
		}
		return res.LastInsertId()
	}

	res, err := c.db.NamedExecContext(ctx, `
		UPDATE material_profiles
		SET
			name = :name,
			cost_per_kg = :cost_per_kg,
			margin_multiplier = :margin_multiplier,
			slicer_config = :slicer_config,
			active = :active,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = :id
	`, m)
	if err != nil {
		return 0, fmt.Errorf("update material profile %d: %w", m.ID, err)
	}
	return m.ID, requireAffected(res, "material profile", m.ID)
}

// SavePrinter inserts p when its ID is zero and updates it otherwise.
func (c *Catalog) SavePrinter(ctx context.Context, p catalog.PrinterProfile) (int64, error) {
	if p.ID == 0 {
		res, err := c.db.NamedExecContext(ctx, `
			INSERT INTO printer_profiles (name, hourly_rate, fixed_overhead, slicer_config, active)
			VALUES (:name, :hourly_rate, :fixed_overhead, :slicer_config, :active)
		`, p)
		if err != nil {
			return 0, fmt.Errorf("insert printer profile: %w", err)
		}
		return res.LastInsertId()
	}

	res, err := c.db.NamedExecContext(ctx, `
		UPDATE printer_profiles
		SET
			name = :name,
			hourly_rate = :hourly_rate,
			fixed_overhead = :fixed_overhead,
			slicer_config = :slicer_config,
			active = :active,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = :id
	`, p)
	if err != nil {
		return 0, fmt.Errorf("update printer profile %d: %w", p.ID, err)
	}
	return p.ID, requireAffected(res, "printer profile", p.ID)
}

func requireAffected(res sql.Result, what string, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %d rows affected: %w", what, id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %d: %w", what, id, order.ErrNotFound)
	}
	return nil
}
