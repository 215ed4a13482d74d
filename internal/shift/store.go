package shift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/noah-isme/backend-booking/internal/events"
	"github.com/noah-isme/backend-booking/internal/settlement"
)

// Store persists staff, shifts and their ledger entries.
type Store interface {
	CreateStaff(ctx context.Context, s Staff) (Staff, error)
	GetStaff(ctx context.Context, id uuid.UUID) (Staff, error)
	UpdateCompensation(ctx context.Context, id uuid.UUID, c Compensation) (Staff, error)
	OpenShift(ctx context.Context, s Shift) (Shift, error)
	GetShift(ctx context.Context, id uuid.UUID) (Shift, error)
	ListShifts(ctx context.Context, staffID uuid.UUID, limit, offset int) ([]Shift, int, error)
	InsertLineItem(ctx context.Context, item LineItem) (LineItem, error)
	ListLineItems(ctx context.Context, shiftID uuid.UUID) ([]LineItem, error)
	InsertAdjustment(ctx context.Context, adj Adjustment) (Adjustment, error)
	ListAdjustments(ctx context.Context, shiftID uuid.UUID) ([]Adjustment, error)
	// CloseShift writes the settlement and, when outbox has an ID, the outbox
	// event atomically with it.
	CloseShift(ctx context.Context, id uuid.UUID, closedAt time.Time, hours float64, result settlement.Result, outbox events.Event) (Shift, error)
}

// DBTX is the subset of pgx used by PGStore; satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// PGStore implements Store on Postgres.
type PGStore struct {
	DB DBTX
}

const staffColumns = `id, business_id, name, percent_master, percent_salon, hourly_rate, created_at`

const shiftColumns = `id, staff_id, business_id, status, opened_at, closed_at, hours_worked, settlement`

func (p PGStore) CreateStaff(ctx context.Context, s Staff) (Staff, error) {
	row := p.DB.QueryRow(ctx, `INSERT INTO staff (id, business_id, name, percent_master, percent_salon, hourly_rate)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+staffColumns, s.ID, s.BusinessID, s.Name, s.PercentMaster, s.PercentSalon, s.HourlyRate)
	out, err := scanStaff(row)
	if err != nil {
		return Staff{}, fmt.Errorf("insert staff: %w", err)
	}
	return out, nil
}

func (p PGStore) GetStaff(ctx context.Context, id uuid.UUID) (Staff, error) {
	out, err := scanStaff(p.DB.QueryRow(ctx, `SELECT `+staffColumns+` FROM staff WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Staff{}, ErrStaffNotFound
	}
	if err != nil {
		return Staff{}, fmt.Errorf("get staff: %w", err)
	}
	return out, nil
}

func (p PGStore) UpdateCompensation(ctx context.Context, id uuid.UUID, c Compensation) (Staff, error) {
	row := p.DB.QueryRow(ctx, `UPDATE staff
SET percent_master = $2, percent_salon = $3, hourly_rate = $4, updated_at = now()
WHERE id = $1
RETURNING `+staffColumns, id, c.PercentMaster, c.PercentSalon, c.HourlyRate)
	out, err := scanStaff(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Staff{}, ErrStaffNotFound
	}
	if err != nil {
		return Staff{}, fmt.Errorf("update compensation: %w", err)
	}
	return out, nil
}

func (p PGStore) OpenShift(ctx context.Context, s Shift) (Shift, error) {
	row := p.DB.QueryRow(ctx, `INSERT INTO shifts (id, staff_id, business_id, status, opened_at)
VALUES ($1, $2, $3, 'open', $4)
RETURNING `+shiftColumns, s.ID, s.StaffID, s.BusinessID, s.OpenedAt)
	out, err := scanShift(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return Shift{}, ErrShiftAlreadyOpen
			case pgerrcode.ForeignKeyViolation:
				return Shift{}, ErrStaffNotFound
			}
		}
		return Shift{}, fmt.Errorf("open shift: %w", err)
	}
	return out, nil
}

func (p PGStore) GetShift(ctx context.Context, id uuid.UUID) (Shift, error) {
	out, err := scanShift(p.DB.QueryRow(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Shift{}, ErrShiftNotFound
	}
	if err != nil {
		return Shift{}, fmt.Errorf("get shift: %w", err)
	}
	return out, nil
}

func (p PGStore) ListShifts(ctx context.Context, staffID uuid.UUID, limit, offset int) ([]Shift, int, error) {
	var total int
	if err := p.DB.QueryRow(ctx, `SELECT count(*) FROM shifts WHERE staff_id = $1`, staffID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count shifts: %w", err)
	}
	rows, err := p.DB.Query(ctx, `SELECT `+shiftColumns+` FROM shifts
WHERE staff_id = $1
ORDER BY opened_at DESC
LIMIT $2 OFFSET $3`, staffID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list shifts: %w", err)
	}
	defer rows.Close()

	shifts := make([]Shift, 0, limit)
	for rows.Next() {
		s, err := scanShift(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan shift: %w", err)
		}
		shifts = append(shifts, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list shifts: %w", err)
	}
	return shifts, total, nil
}

// InsertLineItem only writes when the shift is still open.
func (p PGStore) InsertLineItem(ctx context.Context, item LineItem) (LineItem, error) {
	row := p.DB.QueryRow(ctx, `INSERT INTO shift_line_items (id, shift_id, client_name, service_amount, consumables_amount)
SELECT $1::uuid, $2::uuid, $3::text, $4::double precision, $5::double precision
WHERE EXISTS (SELECT 1 FROM shifts WHERE id = $2 AND status = 'open')
RETURNING id, shift_id, client_name, service_amount, consumables_amount, created_at`,
		item.ID, item.ShiftID, item.ClientName, item.ServiceAmount, item.ConsumablesAmount)
	var out LineItem
	err := row.Scan(&out.ID, &out.ShiftID, &out.ClientName, &out.ServiceAmount, &out.ConsumablesAmount, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return LineItem{}, p.notOpen(ctx, item.ShiftID)
	}
	if err != nil {
		return LineItem{}, fmt.Errorf("insert line item: %w", err)
	}
	return out, nil
}

func (p PGStore) ListLineItems(ctx context.Context, shiftID uuid.UUID) ([]LineItem, error) {
	rows, err := p.DB.Query(ctx, `SELECT id, shift_id, client_name, service_amount, consumables_amount, created_at
FROM shift_line_items WHERE shift_id = $1 ORDER BY created_at, id`, shiftID)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	defer rows.Close()

	items := []LineItem{}
	for rows.Next() {
		var it LineItem
		if err := rows.Scan(&it.ID, &it.ShiftID, &it.ClientName, &it.ServiceAmount, &it.ConsumablesAmount, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// InsertAdjustment only writes when the shift is still open.
func (p PGStore) InsertAdjustment(ctx context.Context, adj Adjustment) (Adjustment, error) {
	row := p.DB.QueryRow(ctx, `INSERT INTO shift_adjustments (id, shift_id, reason, service_delta, consumables_delta)
SELECT $1::uuid, $2::uuid, $3::text, $4::double precision, $5::double precision
WHERE EXISTS (SELECT 1 FROM shifts WHERE id = $2 AND status = 'open')
RETURNING id, shift_id, reason, service_delta, consumables_delta, created_at`,
		adj.ID, adj.ShiftID, adj.Reason, adj.ServiceDelta, adj.ConsumablesDelta)
	var out Adjustment
	err := row.Scan(&out.ID, &out.ShiftID, &out.Reason, &out.ServiceDelta, &out.ConsumablesDelta, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Adjustment{}, p.notOpen(ctx, adj.ShiftID)
	}
	if err != nil {
		return Adjustment{}, fmt.Errorf("insert adjustment: %w", err)
	}
	return out, nil
}

func (p PGStore) ListAdjustments(ctx context.Context, shiftID uuid.UUID) ([]Adjustment, error) {
	rows, err := p.DB.Query(ctx, `SELECT id, shift_id, reason, service_delta, consumables_delta, created_at
FROM shift_adjustments WHERE shift_id = $1 ORDER BY created_at, id`, shiftID)
	if err != nil {
		return nil, fmt.Errorf("list adjustments: %w", err)
	}
	defer rows.Close()

	adjs := []Adjustment{}
	for rows.Next() {
		var a Adjustment
		if err := rows.Scan(&a.ID, &a.ShiftID, &a.Reason, &a.ServiceDelta, &a.ConsumablesDelta, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan adjustment: %w", err)
		}
		adjs = append(adjs, a)
	}
	return adjs, rows.Err()
}

// CloseShift persists the settlement. The update is conditional on the shift
// being open, so a settlement is written at most once. The outbox event commits
// in the same transaction when DB can begin one.
func (p PGStore) CloseShift(ctx context.Context, id uuid.UUID, closedAt time.Time, hours float64, result settlement.Result, outbox events.Event) (Shift, error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return Shift{}, fmt.Errorf("encode settlement: %w", err)
	}
	if outbox.ID == uuid.Nil {
		return p.closeShift(ctx, p.DB, id, closedAt, hours, encoded)
	}
	beginner, ok := p.DB.(TxBeginner)
	if !ok {
		out, err := p.closeShift(ctx, p.DB, id, closedAt, hours, encoded)
		if err != nil {
			return Shift{}, err
		}
		if _, err := (events.PGStore{DB: p.DB}).InsertEvent(ctx, outbox); err != nil {
			return Shift{}, err
		}
		return out, nil
	}

	tx, err := beginner.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Shift{}, fmt.Errorf("begin close: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	out, err := p.closeShift(ctx, tx, id, closedAt, hours, encoded)
	if err != nil {
		return Shift{}, err
	}
	if _, err := (events.PGStore{DB: tx}).InsertEvent(ctx, outbox); err != nil {
		return Shift{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Shift{}, fmt.Errorf("commit close: %w", err)
	}
	return out, nil
}

func (p PGStore) closeShift(ctx context.Context, db DBTX, id uuid.UUID, closedAt time.Time, hours float64, encoded []byte) (Shift, error) {
	row := db.QueryRow(ctx, `UPDATE shifts
SET status = 'closed', closed_at = $2, hours_worked = $3, settlement = $4
WHERE id = $1 AND status = 'open'
RETURNING `+shiftColumns, id, closedAt, hours, encoded)
	out, err := scanShift(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Shift{}, p.notOpen(ctx, id)
	}
	if err != nil {
		return Shift{}, fmt.Errorf("close shift: %w", err)
	}
	return out, nil
}

// notOpen explains why a conditional write on an open shift matched nothing.
func (p PGStore) notOpen(ctx context.Context, id uuid.UUID) error {
	if _, err := p.GetShift(ctx, id); err != nil {
		return err
	}
	return ErrShiftClosed
}

func scanStaff(row pgx.Row) (Staff, error) {
	var s Staff
	err := row.Scan(&s.ID, &s.BusinessID, &s.Name, &s.PercentMaster, &s.PercentSalon, &s.HourlyRate, &s.CreatedAt)
	return s, err
}

func scanShift(row pgx.Row) (Shift, error) {
	var (
		s       Shift
		status  string
		encoded []byte
	)
	if err := row.Scan(&s.ID, &s.StaffID, &s.BusinessID, &status, &s.OpenedAt, &s.ClosedAt, &s.HoursWorked, &encoded); err != nil {
		return Shift{}, err
	}
	s.Status = Status(status)
	if len(encoded) > 0 {
		var res settlement.Result
		if err := json.Unmarshal(encoded, &res); err != nil {
			return Shift{}, fmt.Errorf("decode settlement: %w", err)
		}
		s.Settlement = &res
	}
	return s, nil
}
