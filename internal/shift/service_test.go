package shift

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-booking/internal/events"
	"github.com/noah-isme/backend-booking/internal/lock"
	"github.com/noah-isme/backend-booking/internal/obs"
)

func fp(v float64) *float64 { return &v }

type fixture struct {
	svc     *Service
	store   *memStore
	emitter *captureEmitter
	metrics *obs.SettlementMetrics
	clock   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f := &fixture{
		store:   newMemStore(),
		emitter: &captureEmitter{},
		metrics: obs.NewSettlementMetrics("test", prometheus.NewRegistry()),
		clock:   &now,
	}
	f.svc = &Service{
		Store:   f.store,
		Locker:  lock.Locker{R: client, RetryBackoff: time.Millisecond},
		LockTTL: time.Second,
		Events:  f.emitter,
		Metrics: f.metrics,
		Logger:  zerolog.Nop(),
		Now:     func() time.Time { return *f.clock },
	}
	return f
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func (f *fixture) staff(t *testing.T, rate *float64) Staff {
	t.Helper()
	s, err := f.svc.CreateStaff(context.Background(), NewStaff{
		BusinessID:   uuid.New(),
		Name:         " Dana ",
		Compensation: Compensation{PercentMaster: 60, PercentSalon: 40, HourlyRate: rate},
	})
	require.NoError(t, err)
	return s
}

func TestHoursBetween(t *testing.T) {
	start := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	require.Equal(t, 8.0, HoursBetween(start, start.Add(8*time.Hour)))
	require.Equal(t, 1.33, HoursBetween(start, start.Add(80*time.Minute)))
	require.Equal(t, 0.0, HoursBetween(start, start.Add(-time.Hour)))
}

func TestOpenEmitsAndRejectsSecondOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.staff(t, nil)
	require.Equal(t, "Dana", staff.Name)

	sh, err := f.svc.Open(ctx, staff.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, sh.Status)
	require.Equal(t, staff.BusinessID, sh.BusinessID)
	require.Equal(t, []string{events.TopicShiftOpened}, f.emitter.topics())

	_, err = f.svc.Open(ctx, staff.ID)
	require.ErrorIs(t, err, ErrShiftAlreadyOpen)

	_, err = f.svc.Open(ctx, uuid.New())
	require.ErrorIs(t, err, ErrStaffNotFound)
}

func TestCloseSettlesWithGuarantee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.staff(t, fp(1000))
	sh, err := f.svc.Open(ctx, staff.ID)
	require.NoError(t, err)

	_, err = f.svc.AddLineItem(ctx, sh.ID, NewLineItem{ClientName: "A", ServiceAmount: fp(6000), ConsumablesAmount: fp(200)})
	require.NoError(t, err)
	_, err = f.svc.AddLineItem(ctx, sh.ID, NewLineItem{ClientName: "B", ServiceAmount: fp(4000), ConsumablesAmount: fp(300)})
	require.NoError(t, err)

	f.advance(8 * time.Hour)
	d, err := f.svc.Close(ctx, sh.ID)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, d.Shift.Status)
	require.NotNil(t, d.Shift.Settlement)
	require.Equal(t, 8.0, *d.Shift.HoursWorked)

	res := *d.Shift.Settlement
	require.Equal(t, 6000.0, res.BaseMasterShare)
	require.Equal(t, 4500.0, res.BaseSalonShare)
	require.Equal(t, 8000.0, res.GuaranteedAmount)
	require.Equal(t, 2000.0, res.TopupAmount)
	require.Equal(t, 8000.0, res.FinalMasterShare)
	require.Equal(t, 2500.0, res.FinalSalonShare)

	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Total.WithLabelValues(obs.SettlementResultOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Topups))
	require.Equal(t, []string{events.TopicShiftOpened, events.TopicShiftClosed}, f.emitter.topics())

	raw, ok := f.emitter.events[1].payload.(json.RawMessage)
	require.True(t, ok)
	var payload ClosedPayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.Equal(t, res, payload.Result)
	require.Equal(t, staff.ID, payload.StaffID)
	require.True(t, d.Shift.ClosedAt.Equal(payload.ClosedAt))

	require.Len(t, f.store.outbox, 1)
	require.Equal(t, events.TopicShiftClosed, f.store.outbox[0].Topic)
	require.Equal(t, sh.ID, f.store.outbox[0].AggregateID)
	require.JSONEq(t, string(raw), string(f.store.outbox[0].Payload))
}

func TestCloseAppliesAdjustmentsAfterItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.staff(t, nil)
	sh, err := f.svc.Open(ctx, staff.ID)
	require.NoError(t, err)

	for _, amount := range []float64{1000, -500, 500} {
		_, err = f.svc.AddLineItem(ctx, sh.ID, NewLineItem{ServiceAmount: fp(amount)})
		require.NoError(t, err)
	}
	_, err = f.svc.AddAdjustment(ctx, sh.ID, NewAdjustment{Reason: "refund", ServiceDelta: fp(-500)})
	require.NoError(t, err)

	preview, err := f.svc.Preview(ctx, sh.ID)
	require.NoError(t, err)
	require.Equal(t, 1500.0, preview.ItemTotals.Amount)
	require.Equal(t, 1000.0, preview.Adjusted.Amount)
	require.Equal(t, 0, f.store.closeCalls)

	d, err := f.svc.Close(ctx, sh.ID)
	require.NoError(t, err)
	require.Equal(t, 1000.0, d.Shift.Settlement.TotalAmount)
	require.Equal(t, 600.0, d.Shift.Settlement.FinalMasterShare)
	require.Equal(t, 400.0, d.Shift.Settlement.FinalSalonShare)
	require.Zero(t, d.Shift.Settlement.GuaranteedAmount)
}

func TestClosedShiftIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.staff(t, nil)
	sh, err := f.svc.Open(ctx, staff.ID)
	require.NoError(t, err)
	_, err = f.svc.Close(ctx, sh.ID)
	require.NoError(t, err)

	_, err = f.svc.AddLineItem(ctx, sh.ID, NewLineItem{ServiceAmount: fp(10)})
	require.ErrorIs(t, err, ErrShiftClosed)
	_, err = f.svc.AddAdjustment(ctx, sh.ID, NewAdjustment{Reason: "late", ServiceDelta: fp(10)})
	require.ErrorIs(t, err, ErrShiftClosed)

	_, err = f.svc.Close(ctx, sh.ID)
	require.ErrorIs(t, err, ErrShiftClosed)
	require.Equal(t, 1, f.store.closeCalls)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Total.WithLabelValues(obs.SettlementResultConflict)))

	_, err = f.svc.Close(ctx, uuid.New())
	require.ErrorIs(t, err, ErrShiftNotFound)
}

func TestConcurrentCloseSettlesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.staff(t, fp(50))
	sh, err := f.svc.Open(ctx, staff.ID)
	require.NoError(t, err)
	_, err = f.svc.AddLineItem(ctx, sh.ID, NewLineItem{ServiceAmount: fp(2000)})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Close(ctx, sh.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrShiftClosed):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, workers-1, conflicts)
	require.Equal(t, 1, f.store.closeCalls)
}

func TestCloseIgnoresEventFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.staff(t, nil)
	sh, err := f.svc.Open(ctx, staff.ID)
	require.NoError(t, err)

	f.emitter.err = errors.New("notifier unavailable")
	_, err = f.svc.Close(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, f.store.outbox, 1)
}

func TestPreviewOfClosedShiftUsesStoredSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.staff(t, fp(100))
	sh, err := f.svc.Open(ctx, staff.ID)
	require.NoError(t, err)
	_, err = f.svc.AddLineItem(ctx, sh.ID, NewLineItem{ServiceAmount: fp(1000)})
	require.NoError(t, err)
	f.advance(2 * time.Hour)
	d, err := f.svc.Close(ctx, sh.ID)
	require.NoError(t, err)

	_, err = f.svc.UpdateCompensation(ctx, staff.ID, Compensation{PercentMaster: 10, PercentSalon: 90})
	require.NoError(t, err)
	f.advance(5 * time.Hour)

	preview, err := f.svc.Preview(ctx, sh.ID)
	require.NoError(t, err)
	require.Equal(t, *d.Shift.Settlement, preview.Result)
	require.Equal(t, 2.0, preview.HoursWorked)
	require.Equal(t, d.Shift.Settlement.NormalizedPercentMaster, preview.Split.Master)
	require.Equal(t, d.Shift.Settlement.NormalizedPercentSalon, preview.Split.Salon)
	require.NotEqual(t, 10.0, preview.Split.Master)
}

func TestListPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.staff(t, nil)
	for i := 0; i < 3; i++ {
		sh, err := f.svc.Open(ctx, staff.ID)
		require.NoError(t, err)
		f.advance(time.Hour)
		_, err = f.svc.Close(ctx, sh.ID)
		require.NoError(t, err)
	}

	shifts, total, err := f.svc.List(ctx, staff.ID, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, shifts, 2)
	require.True(t, shifts[0].OpenedAt.After(shifts[1].OpenedAt))

	_, _, err = f.svc.List(ctx, uuid.New(), 1, 2)
	require.ErrorIs(t, err, ErrStaffNotFound)
}

func TestRenderSlip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	staff := f.staff(t, fp(1000))
	sh, err := f.svc.Open(ctx, staff.ID)
	require.NoError(t, err)

	d, err := f.svc.Get(ctx, sh.ID)
	require.NoError(t, err)
	require.ErrorIs(t, RenderSlip(&bytes.Buffer{}, d, "IDR"), ErrShiftNotClosed)

	f.advance(8 * time.Hour)
	d, err = f.svc.Close(ctx, sh.ID)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, RenderSlip(&buf, d, "IDR"))
	require.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF")))
}
