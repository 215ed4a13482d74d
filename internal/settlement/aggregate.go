package settlement

import "math"

// LineItem is a single client transaction recorded during a shift.
// Either amount may be absent.
type LineItem struct {
	ServiceAmount     *float64 `json:"serviceAmount,omitempty"`
	ConsumablesAmount *float64 `json:"consumablesAmount,omitempty"`
}

// Adjustment is a signed correction applied after line items are summed.
type Adjustment struct {
	ServiceDelta     *float64 `json:"serviceDelta,omitempty"`
	ConsumablesDelta *float64 `json:"consumablesDelta,omitempty"`
}

// Totals is the aggregate handed to the engine.
type Totals struct {
	Amount      float64 `json:"totalAmount"`
	Consumables float64 `json:"totalConsumables"`
}

// SumServiceAmount adds the service amounts of items. Missing, non-finite and
// negative amounts contribute nothing. The sum saturates at math.MaxFloat64.
func SumServiceAmount(items []LineItem) float64 {
	var sum float64
	for _, it := range items {
		sum = addClamped(sum, nonNegative(it.ServiceAmount))
	}
	return sum
}

// SumConsumablesAmount adds the consumables amounts of items using the same
// rules as SumServiceAmount.
func SumConsumablesAmount(items []LineItem) float64 {
	var sum float64
	for _, it := range items {
		sum = addClamped(sum, nonNegative(it.ConsumablesAmount))
	}
	return sum
}

// Aggregate sums line items into Totals.
func Aggregate(items []LineItem) Totals {
	return Totals{
		Amount:      SumServiceAmount(items),
		Consumables: SumConsumablesAmount(items),
	}
}

// ApplyAdjustments adds the signed deltas to the base totals and floors each
// result at zero. With no adjustments the bases are returned untouched.
func ApplyAdjustments(baseService, baseConsumables float64, adjustments []Adjustment) Totals {
	if len(adjustments) == 0 {
		return Totals{Amount: baseService, Consumables: baseConsumables}
	}
	var serviceDelta, consumablesDelta float64
	for _, adj := range adjustments {
		serviceDelta = addClamped(serviceDelta, finite(adj.ServiceDelta))
		consumablesDelta = addClamped(consumablesDelta, finite(adj.ConsumablesDelta))
	}
	return Totals{
		Amount:      math.Max(0, addClamped(baseService, serviceDelta)),
		Consumables: math.Max(0, addClamped(baseConsumables, consumablesDelta)),
	}
}

func finite(v *float64) float64 {
	if v == nil || !isFinite(*v) {
		return 0
	}
	return *v
}

func nonNegative(v *float64) float64 {
	f := finite(v)
	if f < 0 {
		return 0
	}
	return f
}

// addClamped adds finite values without overflowing to infinity.
func addClamped(a, b float64) float64 {
	return clampInf(a + b)
}

// clampInf maps ±Inf to ±math.MaxFloat64 and leaves everything else alone.
func clampInf(v float64) float64 {
	switch {
	case math.IsInf(v, 1):
		return math.MaxFloat64
	case math.IsInf(v, -1):
		return -math.MaxFloat64
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
