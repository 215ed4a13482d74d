// Package tasks holds background jobs processed by the worker binary.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-booking/internal/events"
	"github.com/noah-isme/backend-booking/internal/obs"
	"github.com/noah-isme/backend-booking/internal/shift"
)

// TypeSettlementSlip renders the PDF slip of a closed shift.
const TypeSettlementSlip = "settlement:slip"

// SlipPayload identifies the shift to render.
type SlipPayload struct {
	ShiftID uuid.UUID `json:"shiftId"`
}

// NewSettlementSlipTask builds the slip task for shiftID.
func NewSettlementSlipTask(shiftID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(SlipPayload{ShiftID: shiftID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSettlementSlip, payload), nil
}

// Enqueuer is implemented by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// SlipNotifier enqueues a slip task whenever a shift closes.
type SlipNotifier struct {
	Client   Enqueuer
	Queue    string
	MaxRetry int
	Metrics  *obs.SettlementMetrics
	Logger   zerolog.Logger
}

// Notify implements events.Notifier. The task ID is derived from the shift so a
// replayed event does not render twice.
func (n SlipNotifier) Notify(ctx context.Context, ev events.Event) error {
	if ev.Topic != events.TopicShiftClosed || n.Client == nil {
		return nil
	}
	task, err := NewSettlementSlipTask(ev.AggregateID)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.TaskID("slip:" + ev.AggregateID.String())}
	if n.Queue != "" {
		opts = append(opts, asynq.Queue(n.Queue))
	}
	if n.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(n.MaxRetry))
	}
	info, err := n.Client.EnqueueContext(ctx, task, opts...)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		n.Metrics.ObserveSlipTask("duplicate")
		return nil
	case err != nil:
		n.Metrics.ObserveSlipTask("error")
		return fmt.Errorf("enqueue slip: %w", err)
	}
	n.Metrics.ObserveSlipTask("enqueued")
	n.Logger.Debug().Str("task_id", info.ID).Str("queue", info.Queue).Msg("slip task enqueued")
	return nil
}

// DetailLoader loads a shift with everything needed to render it.
type DetailLoader interface {
	Get(ctx context.Context, shiftID uuid.UUID) (shift.Detail, error)
}

// SlipHandler renders slips into Dir as <shiftID>.pdf.
type SlipHandler struct {
	Shifts   DetailLoader
	Dir      string
	Currency string
	Logger   zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (h SlipHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p SlipPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode slip payload: %v: %w", err, asynq.SkipRetry)
	}
	d, err := h.Shifts.Get(ctx, p.ShiftID)
	if errors.Is(err, shift.ErrShiftNotFound) {
		return fmt.Errorf("shift %s: %v: %w", p.ShiftID, err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(h.Dir, 0o755); err != nil {
		return fmt.Errorf("create slip dir: %w", err)
	}
	path := SlipPath(h.Dir, p.ShiftID)
	tmp, err := os.CreateTemp(h.Dir, ".slip-*.pdf")
	if err != nil {
		return fmt.Errorf("create slip file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := shift.RenderSlip(tmp, d, h.Currency); err != nil {
		_ = tmp.Close()
		if errors.Is(err, shift.ErrShiftNotClosed) {
			return fmt.Errorf("shift %s: %v: %w", p.ShiftID, err, asynq.SkipRetry)
		}
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close slip file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("store slip: %w", err)
	}
	h.Logger.Info().Str("shift_id", p.ShiftID.String()).Str("path", path).Msg("slip rendered")
	return nil
}

// SlipPath is where the slip of shiftID is stored under dir.
func SlipPath(dir string, shiftID uuid.UUID) string {
	return filepath.Join(dir, shiftID.String()+".pdf")
}
