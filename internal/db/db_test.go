package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/Simplici0/printflow/internal/migrations"
)

// openTestDB returns a migrated database in a temp file. Files rather than
// :memory: so every pooled connection sees the same schema.
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	conn, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = migrations.Up(context.Background(), conn.DB)
	require.NoError(t, err)
	return conn
}

func insertMaterial(t *testing.T, conn *sqlx.DB, name string, costPerKg, margin float64) int64 {
	t.Helper()
	res, err := conn.Exec(`INSERT INTO material_profiles (name, cost_per_kg, margin_multiplier, slicer_config) VALUES (?, ?, ?, ?)`,
		name, costPerKg, margin, "filament_type = PLA")
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func insertPrinter(t *testing.T, conn *sqlx.DB, name string, hourly, overhead float64) int64 {
	t.Helper()
	res, err := conn.Exec(`INSERT INTO printer_profiles (name, hourly_rate, fixed_overhead, slicer_config) VALUES (?, ?, ?, ?)`,
		name, hourly, overhead, "bed_shape = 0x0,220x0,220x220,0x220")
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestOpenSetsPragmas(t *testing.T) {
	conn := openTestDB(t)

	var mode string
	require.NoError(t, conn.Get(&mode, `PRAGMA journal_mode`))
	require.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, conn.Get(&timeout, `PRAGMA busy_timeout`))
	require.Equal(t, 5000, timeout)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	conn := openTestDB(t)

	results, err := migrations.Up(context.Background(), conn.DB)
	require.NoError(t, err)
	require.Empty(t, results)

	v, err := migrations.Version(context.Background(), conn.DB)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
}
