package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Simplici0/printflow/internal/catalog"
	"github.com/Simplici0/printflow/internal/order"
)

type materialRequest struct {
	Name             string  `json:"name"`
	CostPerKg        float64 `json:"cost_per_kg"`
	MarginMultiplier float64 `json:"margin_multiplier"`
	SlicerConfig     string  `json:"slicer_config"`
	Active           *bool   `json:"active"`
}

type printerRequest struct {
	Name          string  `json:"name"`
	HourlyRate    float64 `json:"hourly_rate"`
	FixedOverhead float64 `json:"fixed_overhead"`
	SlicerConfig  string  `json:"slicer_config"`
	Active        *bool   `json:"active"`
}

func (s *server) handleAdminMaterials(w http.ResponseWriter, r *http.Request) {
	materials, err := s.catalog.Materials(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, materials)
}

// handleAdminMaterialsSave creates a material, or replaces one when the path
// carries an id.
func (s *server) handleAdminMaterialsSave(w http.ResponseWriter, r *http.Request) {
	id, err := optionalID(r, "material")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req materialRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	m, err := parseMaterial(req)
	if err != nil {
		s.writeError(w, r, errors.Wrap(order.ErrValidation, err.Error()))
		return
	}
	m.ID = id

	saved, err := s.catalog.SaveMaterial(r.Context(), m)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m.ID = saved
	s.log.WithFields(logrus.Fields{"material_id": saved, "actor": adminEmail(r.Context())}).Info("material saved")
	writeJSON(w, savedStatus(id), m)
}

func (s *server) handleAdminPrinters(w http.ResponseWriter, r *http.Request) {
	printers, err := s.catalog.Printers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, printers)
}

func (s *server) handleAdminPrintersSave(w http.ResponseWriter, r *http.Request) {
	id, err := optionalID(r, "printer")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req printerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	p, err := parsePrinter(req)
	if err != nil {
		s.writeError(w, r, errors.Wrap(order.ErrValidation, err.Error()))
		return
	}
	p.ID = id

	saved, err := s.catalog.SavePrinter(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p.ID = saved
	s.log.WithFields(logrus.Fields{"printer_id": saved, "actor": adminEmail(r.Context())}).Info("printer saved")
	writeJSON(w, savedStatus(id), p)
}

func optionalID(r *http.Request, kind string) (int64, error) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Wrapf(order.ErrValidation, "invalid %s id %q", kind, raw)
	}
	return id, nil
}

func savedStatus(id int64) int {
	if id == 0 {
		return http.StatusCreated
	}
	return http.StatusOK
}

func parseMaterial(req materialRequest) (catalog.MaterialProfile, error) {
	m := catalog.MaterialProfile{
		Name:   strings.TrimSpace(req.Name),
		Config: req.SlicerConfig,
		Active: req.Active == nil || *req.Active,
	}
	if m.Name == "" {
		return m, fmt.Errorf("name is required")
	}

	var err error
	if m.CostPerKg, err = positive(req.CostPerKg, "cost_per_kg"); err != nil {
		return m, err
	}
	if m.MarginMultiplier, err = multiplier(req.MarginMultiplier, "margin_multiplier"); err != nil {
		return m, err
	}
	return m, nil
}

func parsePrinter(req printerRequest) (catalog.PrinterProfile, error) {
	p := catalog.PrinterProfile{
		Name:   strings.TrimSpace(req.Name),
		Config: req.SlicerConfig,
		Active: req.Active == nil || *req.Active,
	}
	if p.Name == "" {
		return p, fmt.Errorf("name is required")
	}

	var err error
	if p.HourlyRate, err = nonNegative(req.HourlyRate, "hourly_rate"); err != nil {
		return p, err
	}
	if p.FixedOverhead, err = nonNegative(req.FixedOverhead, "fixed_overhead"); err != nil {
		return p, err
	}
	return p, nil
}

func nonNegative(value float64, field string) (float64, error) {
	if value < 0 {
		return 0, fmt.Errorf("%s must be greater than or equal to 0", field)
	}
	return value, nil
}

func positive(value float64, field string) (float64, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", field)
	}
	return value, nil
}

// multiplier accepts 0, meaning "use the default", or a value of at least 1.
func multiplier(value float64, field string) (float64, error) {
	if value != 0 && value < 1 {
		return 0, fmt.Errorf("%s must be 0 or at least 1", field)
	}
	return value, nil
}
