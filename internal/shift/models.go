package shift

import (
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-booking/internal/settlement"
)

// Status is the lifecycle state of a shift.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Compensation is the pay configuration a staff member is settled with.
type Compensation struct {
	PercentMaster float64  `json:"percentMaster"`
	PercentSalon  float64  `json:"percentSalon"`
	HourlyRate    *float64 `json:"hourlyRate,omitempty"`
}

// Staff is a member of a business whose shifts are settled.
type Staff struct {
	ID            uuid.UUID `json:"id"`
	BusinessID    uuid.UUID `json:"businessId"`
	Name          string    `json:"name"`
	PercentMaster float64   `json:"percentMaster"`
	PercentSalon  float64   `json:"percentSalon"`
	HourlyRate    *float64  `json:"hourlyRate,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Compensation returns the staff member's pay configuration.
func (s Staff) Compensation() Compensation {
	return Compensation{PercentMaster: s.PercentMaster, PercentSalon: s.PercentSalon, HourlyRate: s.HourlyRate}
}

// EffectiveSplit is the split the engine will apply after normalization.
func (s Staff) EffectiveSplit() settlement.Split {
	return settlement.NormalizePercents(s.PercentMaster, s.PercentSalon)
}

// Shift is a bounded working period of one staff member.
type Shift struct {
	ID          uuid.UUID          `json:"id"`
	StaffID     uuid.UUID          `json:"staffId"`
	BusinessID  uuid.UUID          `json:"businessId"`
	Status      Status             `json:"status"`
	OpenedAt    time.Time          `json:"openedAt"`
	ClosedAt    *time.Time         `json:"closedAt,omitempty"`
	HoursWorked *float64           `json:"hoursWorked,omitempty"`
	Settlement  *settlement.Result `json:"settlement,omitempty"`
}

// IsOpen reports whether the shift still accepts items and adjustments.
func (s Shift) IsOpen() bool { return s.Status == StatusOpen }

// LineItem is one client transaction logged during a shift.
type LineItem struct {
	ID                uuid.UUID `json:"id"`
	ShiftID           uuid.UUID `json:"shiftId"`
	ClientName        string    `json:"clientName,omitempty"`
	ServiceAmount     *float64  `json:"serviceAmount,omitempty"`
	ConsumablesAmount *float64  `json:"consumablesAmount,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Adjustment is a signed correction recorded against a shift.
type Adjustment struct {
	ID               uuid.UUID `json:"id"`
	ShiftID          uuid.UUID `json:"shiftId"`
	Reason           string    `json:"reason,omitempty"`
	ServiceDelta     *float64  `json:"serviceDelta,omitempty"`
	ConsumablesDelta *float64  `json:"consumablesDelta,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Detail is a shift together with everything needed to settle it.
type Detail struct {
	Shift       Shift        `json:"shift"`
	Staff       Staff        `json:"staff"`
	Items       []LineItem   `json:"items"`
	Adjustments []Adjustment `json:"adjustments"`
}

// Settlement is a computed settlement together with the inputs derived for it.
type Settlement struct {
	ShiftID     uuid.UUID         `json:"shiftId"`
	HoursWorked float64           `json:"hoursWorked"`
	ItemTotals  settlement.Totals `json:"itemTotals"`
	Adjusted    settlement.Totals `json:"adjustedTotals"`
	Split       settlement.Split  `json:"effectiveSplit"`
	Result      settlement.Result `json:"result"`
}

func toSettlementItems(items []LineItem) []settlement.LineItem {
	out := make([]settlement.LineItem, 0, len(items))
	for _, it := range items {
		out = append(out, settlement.LineItem{ServiceAmount: it.ServiceAmount, ConsumablesAmount: it.ConsumablesAmount})
	}
	return out
}

func toSettlementAdjustments(adjs []Adjustment) []settlement.Adjustment {
	out := make([]settlement.Adjustment, 0, len(adjs))
	for _, a := range adjs {
		out = append(out, settlement.Adjustment{ServiceDelta: a.ServiceDelta, ConsumablesDelta: a.ConsumablesDelta})
	}
	return out
}
