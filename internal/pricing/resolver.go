package pricing

import (
	"math"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/Simplici0/printflow/internal/catalog"
)

// Defaults fills in rates that no profile declares.
type Defaults struct {
	CostPerHour      float64
	FixedOverhead    float64
	MarginMultiplier float64
}

// Resolver merges catalog profiles into a Constants value.
type Resolver struct {
	defaults Defaults
}

// NewResolver returns a Resolver that falls back to d for undeclared rates.
func NewResolver(d Defaults) Resolver {
	return Resolver{defaults: d}
}

// Resolve derives the cost model for a material and an optional printer.
func (r Resolver) Resolve(material *catalog.MaterialProfile, printer *catalog.PrinterProfile) (Constants, error) {
	if material == nil {
		return Constants{}, errors.Wrap(ErrPricingConfiguration, "material profile is required")
	}

	costPerKg, err := toDecimal(material.CostPerKg, "cost_per_kg")
	if err != nil {
		return Constants{}, err
	}

	hourly, overhead := r.defaults.CostPerHour, r.defaults.FixedOverhead
	if printer != nil {
		hourly = printer.HourlyRate
		if printer.FixedOverhead > 0 {
			overhead = printer.FixedOverhead
		}
	}

	margin := r.defaults.MarginMultiplier
	if material.MarginMultiplier > 0 {
		margin = material.MarginMultiplier
	}

	c := Constants{CostPerGram: costPerKg.Div(gramsInKg)}
	if c.CostPerHour, err = toDecimal(hourly, "cost_per_hour"); err != nil {
		return Constants{}, err
	}
	if c.FixedOverhead, err = toDecimal(overhead, "fixed_overhead"); err != nil {
		return Constants{}, err
	}
	if c.MarginMultiplier, err = toDecimal(margin, "margin_multiplier"); err != nil {
		return Constants{}, err
	}

	if err := c.Validate(); err != nil {
		return Constants{}, errors.Wrapf(err, "material %q", material.Name)
	}
	return c, nil
}

func toDecimal(v float64, field string) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, errors.Wrapf(ErrPricingConfiguration, "%s is not a finite number", field)
	}
	return decimal.NewFromFloat(v), nil
}
