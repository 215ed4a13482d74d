package shift

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-booking/internal/events"
	"github.com/noah-isme/backend-booking/internal/obs"
	"github.com/noah-isme/backend-booking/internal/settlement"
)

// Locker serializes work on a key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Emitter publishes domain events. Publish fans out an event that was already
// written to the outbox by the caller.
type Emitter interface {
	Emit(ctx context.Context, topic string, aggregateID uuid.UUID, payload any) (events.Event, error)
	Publish(ctx context.Context, ev events.Event) error
}

// Service orchestrates the shift lifecycle and settles shifts on close.
type Service struct {
	Store   Store
	Locker  Locker
	LockTTL time.Duration
	Events  Emitter
	Metrics *obs.SettlementMetrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

// NewStaff describes a staff member to create.
type NewStaff struct {
	BusinessID uuid.UUID
	Name       string
	Compensation
}

// NewLineItem describes a transaction to record.
type NewLineItem struct {
	ClientName        string
	ServiceAmount     *float64
	ConsumablesAmount *float64
}

// NewAdjustment describes a correction to record.
type NewAdjustment struct {
	Reason           string
	ServiceDelta     *float64
	ConsumablesDelta *float64
}

// ClosedPayload is the body of a shift.closed event.
type ClosedPayload struct {
	ShiftID     uuid.UUID         `json:"shiftId"`
	StaffID     uuid.UUID         `json:"staffId"`
	BusinessID  uuid.UUID         `json:"businessId"`
	ClosedAt    time.Time         `json:"closedAt"`
	HoursWorked float64           `json:"hoursWorked"`
	Result      settlement.Result `json:"result"`
}

// HoursBetween returns elapsed hours rounded to two decimals, never negative.
func HoursBetween(from, to time.Time) float64 {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return decimal.NewFromFloat(d.Hours()).Round(2).InexactFloat64()
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// CreateStaff registers a staff member.
func (s *Service) CreateStaff(ctx context.Context, in NewStaff) (Staff, error) {
	return s.Store.CreateStaff(ctx, Staff{
		ID:            uuid.New(),
		BusinessID:    in.BusinessID,
		Name:          strings.TrimSpace(in.Name),
		PercentMaster: in.PercentMaster,
		PercentSalon:  in.PercentSalon,
		HourlyRate:    in.HourlyRate,
	})
}

// GetStaff loads a staff member.
func (s *Service) GetStaff(ctx context.Context, id uuid.UUID) (Staff, error) {
	return s.Store.GetStaff(ctx, id)
}

// UpdateCompensation replaces a staff member's pay configuration. Shifts that
// are already closed keep the settlement they were closed with.
func (s *Service) UpdateCompensation(ctx context.Context, id uuid.UUID, c Compensation) (Staff, error) {
	return s.Store.UpdateCompensation(ctx, id, c)
}

// Open starts a new shift for the staff member.
func (s *Service) Open(ctx context.Context, staffID uuid.UUID) (Shift, error) {
	staff, err := s.Store.GetStaff(ctx, staffID)
	if err != nil {
		return Shift{}, err
	}
	opened, err := s.Store.OpenShift(ctx, Shift{
		ID:         uuid.New(),
		StaffID:    staff.ID,
		BusinessID: staff.BusinessID,
		Status:     StatusOpen,
		OpenedAt:   s.now(),
	})
	if err != nil {
		return Shift{}, err
	}
	s.emit(ctx, events.TopicShiftOpened, opened.ID, opened)
	return opened, nil
}

// AddLineItem records a transaction on an open shift.
func (s *Service) AddLineItem(ctx context.Context, shiftID uuid.UUID, in NewLineItem) (LineItem, error) {
	var out LineItem
	err := s.withShiftLock(ctx, shiftID, func(ctx context.Context) error {
		if err := s.requireOpen(ctx, shiftID); err != nil {
			return err
		}
		item, err := s.Store.InsertLineItem(ctx, LineItem{
			ID:                uuid.New(),
			ShiftID:           shiftID,
			ClientName:        strings.TrimSpace(in.ClientName),
			ServiceAmount:     in.ServiceAmount,
			ConsumablesAmount: in.ConsumablesAmount,
		})
		out = item
		return err
	})
	return out, err
}

// AddAdjustment records a signed correction on an open shift.
func (s *Service) AddAdjustment(ctx context.Context, shiftID uuid.UUID, in NewAdjustment) (Adjustment, error) {
	var out Adjustment
	err := s.withShiftLock(ctx, shiftID, func(ctx context.Context) error {
		if err := s.requireOpen(ctx, shiftID); err != nil {
			return err
		}
		adj, err := s.Store.InsertAdjustment(ctx, Adjustment{
			ID:               uuid.New(),
			ShiftID:          shiftID,
			Reason:           strings.TrimSpace(in.Reason),
			ServiceDelta:     in.ServiceDelta,
			ConsumablesDelta: in.ConsumablesDelta,
		})
		out = adj
		return err
	})
	return out, err
}

// Get loads a shift with its staff member, items and adjustments.
func (s *Service) Get(ctx context.Context, shiftID uuid.UUID) (Detail, error) {
	sh, err := s.Store.GetShift(ctx, shiftID)
	if err != nil {
		return Detail{}, err
	}
	staff, err := s.Store.GetStaff(ctx, sh.StaffID)
	if err != nil {
		return Detail{}, err
	}
	items, err := s.Store.ListLineItems(ctx, shiftID)
	if err != nil {
		return Detail{}, err
	}
	adjs, err := s.Store.ListAdjustments(ctx, shiftID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Shift: sh, Staff: staff, Items: items, Adjustments: adjs}, nil
}

// List pages through a staff member's shifts, newest first.
func (s *Service) List(ctx context.Context, staffID uuid.UUID, page, perPage int) ([]Shift, int, error) {
	if _, err := s.Store.GetStaff(ctx, staffID); err != nil {
		return nil, 0, err
	}
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	return s.Store.ListShifts(ctx, staffID, perPage, (page-1)*perPage)
}

// Preview settles the shift as if it closed now without persisting anything.
// A closed shift returns the settlement stored when it was closed.
func (s *Service) Preview(ctx context.Context, shiftID uuid.UUID) (Settlement, error) {
	d, err := s.Get(ctx, shiftID)
	if err != nil {
		return Settlement{}, err
	}
	if d.Shift.IsOpen() || d.Shift.ClosedAt == nil || d.Shift.Settlement == nil {
		return Compute(d, s.now()), nil
	}
	stl := Compute(d, *d.Shift.ClosedAt)
	stl.Result = *d.Shift.Settlement
	stl.Split = settlement.Split{
		Master: stl.Result.NormalizedPercentMaster,
		Salon:  stl.Result.NormalizedPercentSalon,
	}
	if d.Shift.HoursWorked != nil {
		stl.HoursWorked = *d.Shift.HoursWorked
	}
	return stl, nil
}

// Close settles the shift exactly once. Concurrent closes of the same shift are
// serialized by the lock; the losers observe ErrShiftClosed.
func (s *Service) Close(ctx context.Context, shiftID uuid.UUID) (detail Detail, err error) {
	ctx, span := obs.StartSpan(ctx, "shift.close", attribute.String("shift.id", shiftID.String()))
	defer func() { obs.EndSpan(span, err) }()

	var (
		stl    Settlement
		outbox events.Event
	)
	err = s.withShiftLock(ctx, shiftID, func(ctx context.Context) error {
		d, err := s.Get(ctx, shiftID)
		if err != nil {
			return err
		}
		if !d.Shift.IsOpen() {
			return ErrShiftClosed
		}
		closedAt := s.now().Truncate(time.Microsecond)
		stl = Compute(d, closedAt)
		if s.Events != nil {
			outbox, err = events.NewEvent(events.TopicShiftClosed, shiftID, ClosedPayload{
				ShiftID:     shiftID,
				StaffID:     d.Shift.StaffID,
				BusinessID:  d.Shift.BusinessID,
				ClosedAt:    closedAt,
				HoursWorked: stl.HoursWorked,
				Result:      stl.Result,
			})
			if err != nil {
				return err
			}
		}
		closed, err := s.Store.CloseShift(ctx, shiftID, closedAt, stl.HoursWorked, stl.Result, outbox)
		if err != nil {
			return err
		}
		d.Shift = closed
		detail = d
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrShiftClosed):
			s.Metrics.ObserveFailure(obs.SettlementResultConflict)
		case errors.Is(err, ErrShiftNotFound), errors.Is(err, ErrStaffNotFound):
		default:
			s.Metrics.ObserveFailure(obs.SettlementResultError)
		}
		return Detail{}, err
	}

	res := stl.Result
	s.Metrics.ObserveSettlement(res.TopupAmount, res.FloorLoss())
	span.SetAttributes(
		attribute.Float64("settlement.final_master", res.FinalMasterShare),
		attribute.Float64("settlement.final_salon", res.FinalSalonShare),
		attribute.Bool("settlement.topped_up", res.ToppedUp()),
	)
	s.Logger.Info().
		Str("shift_id", shiftID.String()).
		Float64("hours_worked", stl.HoursWorked).
		Float64("final_master", res.FinalMasterShare).
		Float64("final_salon", res.FinalSalonShare).
		Float64("topup", res.TopupAmount).
		Msg("shift settled")

	if s.Events != nil {
		if err := s.Events.Publish(ctx, outbox); err != nil {
			s.Logger.Error().Err(err).Str("topic", outbox.Topic).Str("aggregate_id", shiftID.String()).Msg("publish event")
		}
	}
	return detail, nil
}

// Compute aggregates the shift and runs the engine as of closedAt. Line items
// are summed first, then adjustments are applied.
func Compute(d Detail, closedAt time.Time) Settlement {
	items := settlement.Aggregate(toSettlementItems(d.Items))
	adjusted := settlement.ApplyAdjustments(items.Amount, items.Consumables, toSettlementAdjustments(d.Adjustments))
	hours := HoursBetween(d.Shift.OpenedAt, closedAt)
	comp := d.Staff.Compensation()
	res := settlement.Calculate(settlement.Input{
		TotalAmount:      adjusted.Amount,
		TotalConsumables: adjusted.Consumables,
		PercentMaster:    comp.PercentMaster,
		PercentSalon:     comp.PercentSalon,
		HoursWorked:      &hours,
		HourlyRate:       comp.HourlyRate,
	})
	return Settlement{
		ShiftID:     d.Shift.ID,
		HoursWorked: hours,
		ItemTotals:  items,
		Adjusted:    adjusted,
		Split:       d.Staff.EffectiveSplit(),
		Result:      res,
	}
}

func (s *Service) requireOpen(ctx context.Context, shiftID uuid.UUID) error {
	sh, err := s.Store.GetShift(ctx, shiftID)
	if err != nil {
		return err
	}
	if !sh.IsOpen() {
		return ErrShiftClosed
	}
	return nil
}

func (s *Service) withShiftLock(ctx context.Context, shiftID uuid.UUID, fn func(context.Context) error) error {
	if s.Locker == nil {
		return fn(ctx)
	}
	key := fmt.Sprintf("settlement:%s", shiftID)
	return s.Locker.WithLock(ctx, key, s.LockTTL, fn)
}

func (s *Service) emit(ctx context.Context, topic string, id uuid.UUID, payload any) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, topic, id, payload); err != nil {
		s.Logger.Error().Err(err).Str("topic", topic).Str("aggregate_id", id.String()).Msg("emit event")
	}
}
