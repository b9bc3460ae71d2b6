package pricing

import (
	"math"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrEstimateInvalid means the slicer estimate cannot produce a quote (bad file).
	ErrEstimateInvalid = errors.New("slicer estimate is invalid")
	// ErrPricingConfiguration means the catalog rates are missing or unusable.
	ErrPricingConfiguration = errors.New("pricing configuration is invalid")
	// ErrQuantityInvalid means fewer than one copy was requested.
	ErrQuantityInvalid = errors.New("quantity must be at least 1")
)

var (
	one       = decimal.NewFromInt(1)
	gramsInKg = decimal.NewFromInt(1000)
)

// Estimate is the slicer's prediction for printing a single copy.
type Estimate struct {
	GramsUsed      float64 `json:"grams_used"`
	PrintTimeHours float64 `json:"print_time_hours"`
}

// Validate rejects estimates that would silently produce zero-cost quotes.
func (e Estimate) Validate() error {
	if !positiveFinite(e.GramsUsed) {
		return errors.Wrapf(ErrEstimateInvalid, "grams_used must be greater than 0, got %v", e.GramsUsed)
	}
	if !positiveFinite(e.PrintTimeHours) {
		return errors.Wrapf(ErrEstimateInvalid, "print_time_hours must be greater than 0, got %v", e.PrintTimeHours)
	}
	return nil
}

// Constants is the cost model resolved for one order and frozen at quote time.
type Constants struct {
	CostPerGram      decimal.Decimal `json:"cost_per_gram"`
	CostPerHour      decimal.Decimal `json:"cost_per_hour"`
	FixedOverhead    decimal.Decimal `json:"fixed_overhead"`
	MarginMultiplier decimal.Decimal `json:"margin_multiplier"`
}

// Validate checks the positivity requirements of the cost model.
func (c Constants) Validate() error {
	if !c.CostPerGram.IsPositive() {
		return errors.Wrapf(ErrPricingConfiguration, "cost_per_gram must be greater than 0, got %s", c.CostPerGram)
	}
	if c.CostPerHour.IsNegative() {
		return errors.Wrapf(ErrPricingConfiguration, "cost_per_hour must not be negative, got %s", c.CostPerHour)
	}
	if c.FixedOverhead.IsNegative() {
		return errors.Wrapf(ErrPricingConfiguration, "fixed_overhead must not be negative, got %s", c.FixedOverhead)
	}
	if c.MarginMultiplier.LessThan(one) {
		return errors.Wrapf(ErrPricingConfiguration, "margin_multiplier must be at least 1.0, got %s", c.MarginMultiplier)
	}
	return nil
}

// Breakdown contains every line item of a quote. Costs other than GrandTotal
// are per copy and unrounded.
type Breakdown struct {
	MaterialCost  decimal.Decimal `json:"material_cost"`
	TimeCost      decimal.Decimal `json:"time_cost"`
	FixedOverhead decimal.Decimal `json:"fixed_overhead"`
	MarginAmount  decimal.Decimal `json:"margin_amount"`
	UnitSubtotal  decimal.Decimal `json:"unit_subtotal"`
	// UnitPrice is UnitSubtotal rounded for display.
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity"`
	GrandTotal decimal.Decimal `json:"grand_total"`
}

// GrandTotalCents returns the grand total in minor currency units.
func (b Breakdown) GrandTotalCents() int64 {
	return b.GrandTotal.Shift(2).IntPart()
}

// Quote computes the price of printing quantity copies. It is pure: the same
// inputs always produce the same breakdown.
func Quote(est Estimate, c Constants, quantity int) (Breakdown, error) {
	if err := est.Validate(); err != nil {
		return Breakdown{}, err
	}
	if err := c.Validate(); err != nil {
		return Breakdown{}, err
	}
	if quantity < 1 {
		return Breakdown{}, errors.Wrapf(ErrQuantityInvalid, "got %d", quantity)
	}

	materialCost := decimal.NewFromFloat(est.GramsUsed).Mul(c.CostPerGram)
	timeCost := decimal.NewFromFloat(est.PrintTimeHours).Mul(c.CostPerHour)
	base := materialCost.Add(timeCost).Add(c.FixedOverhead)
	unitSubtotal := base.Mul(c.MarginMultiplier)

	return Breakdown{
		MaterialCost:  materialCost,
		TimeCost:      timeCost,
		FixedOverhead: c.FixedOverhead,
		MarginAmount:  unitSubtotal.Sub(base),
		UnitSubtotal:  unitSubtotal,
		UnitPrice:     roundHalfUpToCents(unitSubtotal),
		Quantity:      quantity,
		GrandTotal:    roundHalfUpToCents(unitSubtotal.Mul(decimal.NewFromInt(int64(quantity)))),
	}, nil
}

// roundHalfUpToCents rounds to two places, halves away from zero. Totals are
// never negative so this is round-half-up.
func roundHalfUpToCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
