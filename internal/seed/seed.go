package seed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Simplici0/printflow/internal/db"
)

const (
	defaultMaterialName = "PLA (Generic)"
	defaultPrinterName  = "Generic FDM 220"

	defaultMaterialCostPerKg = 20.0
)

// Config contains the values required by startup seed.
type Config struct {
	AdminEmail    string
	AdminPassword string
	// HourlyRate and FixedOverhead seed the default printer profile.
	HourlyRate    float64
	FixedOverhead float64
}

// Stats contains seed operation counters.
type Stats struct {
	Inserts int
	Updates int
}

// Run executes the startup seed in an idempotent way.
func Run(ctx context.Context, conn *sqlx.DB, cfg Config) (Stats, error) {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("begin seed transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stats := Stats{}
	steps := []func(context.Context, *sqlx.Tx, Config, *Stats) error{
		seedAdmin,
		ensureMaterial,
		ensurePrinter,
	}
	for _, step := range steps {
		if err := step(ctx, tx, cfg, &stats); err != nil {
			return Stats{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("commit seed transaction: %w", err)
	}
	return stats, nil
}

// seedAdmin creates the admin user, or rehashes its password when the
// configured one no longer matches.
func seedAdmin(ctx context.Context, tx *sqlx.Tx, cfg Config, stats *Stats) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return nil
	}

	var current string
	err := tx.GetContext(ctx, &current, `SELECT password_hash FROM users WHERE email = ?`, cfg.AdminEmail)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("check admin user existence: %w", err)
	case db.CheckPassword(current, cfg.AdminPassword):
		return nil
	}

	hash, err := db.HashPassword(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	if current == "" {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES (?, ?)`, cfg.AdminEmail, hash); err != nil {
			return fmt.Errorf("insert admin user: %w", err)
		}
		stats.Inserts++
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE email = ?`, hash, cfg.AdminEmail); err != nil {
		return fmt.Errorf("update admin password: %w", err)
	}
	stats.Updates++
	return nil
}

func ensureMaterial(ctx context.Context, tx *sqlx.Tx, _ Config, stats *Stats) error {
	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM material_profiles WHERE name = ? LIMIT 1)`, defaultMaterialName); err != nil {
		return fmt.Errorf("check default material existence: %w", err)
	}
	if exists {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO material_profiles (name, cost_per_kg, margin_multiplier, slicer_config, active)
		VALUES (?, ?, ?, ?, ?)
	`, defaultMaterialName, defaultMaterialCostPerKg, 0, "filament_type = PLA\nfilament_diameter = 1.75\n", true); err != nil {
		return fmt.Errorf("insert default material: %w", err)
	}
	stats.Inserts++
	return nil
}

func ensurePrinter(ctx context.Context, tx *sqlx.Tx, cfg Config, stats *Stats) error {
	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM printer_profiles WHERE name = ? LIMIT 1)`, defaultPrinterName); err != nil {
		return fmt.Errorf("check default printer existence: %w", err)
	}
	if exists {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO printer_profiles (name, hourly_rate, fixed_overhead, slicer_config, active)
		VALUES (?, ?, ?, ?, ?)
	`, defaultPrinterName, cfg.HourlyRate, cfg.FixedOverhead, "bed_shape = 0x0,220x0,220x220,0x220\nnozzle_diameter = 0.4\n", true); err != nil {
		return fmt.Errorf("insert default printer: %w", err)
	}
	stats.Inserts++
	return nil
}
