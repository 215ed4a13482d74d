// Package settlement computes how a closed shift's revenue is split between a
// staff member and the business.
//
// The functions in this package are pure. They never fail: invalid numeric
// input degrades to a safe default instead of producing an error, and callers
// that want strict input rules validate before calling in.
package settlement

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	// DefaultPercentMaster is the staff share used when the configured split is unusable.
	DefaultPercentMaster = 60.0
	// DefaultPercentSalon is the business share used when the configured split is unusable.
	DefaultPercentSalon = 40.0
)

// Split is a pair of percentages that sums to 100.
type Split struct {
	Master float64 `json:"percentMaster"`
	Salon  float64 `json:"percentSalon"`
}

// Input carries everything the engine needs to settle one shift.
type Input struct {
	TotalAmount      float64
	TotalConsumables float64
	PercentMaster    float64
	PercentSalon     float64
	HoursWorked      *float64
	HourlyRate       *float64
}

// Result is the full settlement breakdown.
type Result struct {
	TotalAmount             float64 `json:"totalAmount"`
	TotalConsumables        float64 `json:"totalConsumables"`
	BaseMasterShare         float64 `json:"baseMasterShare"`
	BaseSalonShare          float64 `json:"baseSalonShare"`
	GuaranteedAmount        float64 `json:"guaranteedAmount"`
	TopupAmount             float64 `json:"topupAmount"`
	FinalMasterShare        float64 `json:"finalMasterShare"`
	FinalSalonShare         float64 `json:"finalSalonShare"`
	NormalizedPercentMaster float64 `json:"normalizedPercentMaster"`
	NormalizedPercentSalon  float64 `json:"normalizedPercentSalon"`
}

// ToppedUp reports whether the guarantee exceeded the natural staff share.
func (r Result) ToppedUp() bool {
	return r.TopupAmount > 0
}

// FloorLoss is the part of the top-up the business share could not cover.
func (r Result) FloorLoss() float64 {
	if !r.ToppedUp() {
		return 0
	}
	loss := round2(r.TopupAmount - r.BaseSalonShare)
	if loss < 0 {
		return 0
	}
	return loss
}

// NormalizePercents rescales master and salon so they sum to 100. Negative
// inputs or a sum that is not a positive finite number fall back to the 60/40
// default.
func NormalizePercents(master, salon float64) Split {
	sum := master + salon
	if master < 0 || salon < 0 || !isFinite(sum) || sum <= 0 {
		return Split{Master: DefaultPercentMaster, Salon: DefaultPercentSalon}
	}
	m := master * 100 / sum
	return Split{Master: m, Salon: 100 - m}
}

// Guarantee returns hours*rate rounded to cents, or zero unless both values are
// present, finite and positive. A product too large for float64 saturates at
// math.MaxFloat64.
func Guarantee(hours, rate *float64) float64 {
	if !positive(hours) || !positive(rate) {
		return 0
	}
	return mulRound(*hours, *rate, 2)
}

// Calculate settles a shift.
//
// Base shares are whole currency units; consumables go entirely to the
// business. When the hourly guarantee is strictly greater than the staff base
// share, the staff member receives the guarantee and the difference is taken
// from the business share, which never drops below zero.
func Calculate(in Input) Result {
	total := finiteOrZero(in.TotalAmount)
	consumables := finiteOrZero(in.TotalConsumables)
	split := NormalizePercents(in.PercentMaster, in.PercentSalon)

	baseMaster := percentOf(total, split.Master)
	baseSalon := toFloat(decimal.NewFromFloat(percentOf(total, split.Salon)).
		Add(decimal.NewFromFloat(consumables)))

	res := Result{
		TotalAmount:             total,
		TotalConsumables:        consumables,
		BaseMasterShare:         baseMaster,
		BaseSalonShare:          baseSalon,
		GuaranteedAmount:        Guarantee(in.HoursWorked, in.HourlyRate),
		NormalizedPercentMaster: split.Master,
		NormalizedPercentSalon:  split.Salon,
	}

	finalMaster, finalSalon := baseMaster, baseSalon
	if res.GuaranteedAmount > baseMaster {
		res.TopupAmount = round2(clampInf(res.GuaranteedAmount - baseMaster))
		finalMaster = res.GuaranteedAmount
		finalSalon = math.Max(0, baseSalon-res.TopupAmount)
	}
	res.FinalMasterShare = round2(finalMaster)
	res.FinalSalonShare = round2(finalSalon)
	return res
}

func percentOf(total, percent float64) float64 {
	return toFloat(decimal.NewFromFloat(total).
		Mul(decimal.NewFromFloat(percent)).
		Div(decimal.NewFromInt(100)).
		Round(0))
}

func mulRound(a, b float64, places int32) float64 {
	return toFloat(decimal.NewFromFloat(a).Mul(decimal.NewFromFloat(b)).Round(places))
}

// toFloat converts d, saturating at ±math.MaxFloat64 instead of overflowing.
func toFloat(d decimal.Decimal) float64 {
	return clampInf(d.InexactFloat64())
}

// round2 rounds half away from zero to two decimals. NaN becomes zero and
// infinities saturate.
func round2(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return toFloat(decimal.NewFromFloat(clampInf(v)).Round(2))
}

func finiteOrZero(v float64) float64 {
	if !isFinite(v) {
		return 0
	}
	return v
}

func positive(v *float64) bool {
	return v != nil && isFinite(*v) && *v > 0
}
