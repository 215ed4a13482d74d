package shift

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-booking/internal/events"
	"github.com/noah-isme/backend-booking/internal/settlement"
)

// memStore is an in-memory Store with the same conditional write rules as PGStore.
type memStore struct {
	mu          sync.Mutex
	staff       map[uuid.UUID]Staff
	shifts      map[uuid.UUID]Shift
	items       map[uuid.UUID][]LineItem
	adjustments map[uuid.UUID][]Adjustment
	outbox      []events.Event
	closeCalls  int
}

func newMemStore() *memStore {
	return &memStore{
		staff:       map[uuid.UUID]Staff{},
		shifts:      map[uuid.UUID]Shift{},
		items:       map[uuid.UUID][]LineItem{},
		adjustments: map[uuid.UUID][]Adjustment{},
	}
}

func (m *memStore) CreateStaff(_ context.Context, s Staff) (Staff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.CreatedAt = time.Now()
	m.staff[s.ID] = s
	return s, nil
}

func (m *memStore) GetStaff(_ context.Context, id uuid.UUID) (Staff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.staff[id]
	if !ok {
		return Staff{}, ErrStaffNotFound
	}
	return s, nil
}

func (m *memStore) UpdateCompensation(_ context.Context, id uuid.UUID, c Compensation) (Staff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.staff[id]
	if !ok {
		return Staff{}, ErrStaffNotFound
	}
	s.PercentMaster, s.PercentSalon, s.HourlyRate = c.PercentMaster, c.PercentSalon, c.HourlyRate
	m.staff[id] = s
	return s, nil
}

func (m *memStore) OpenShift(_ context.Context, s Shift) (Shift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.staff[s.StaffID]; !ok {
		return Shift{}, ErrStaffNotFound
	}
	for _, existing := range m.shifts {
		if existing.StaffID == s.StaffID && existing.IsOpen() {
			return Shift{}, ErrShiftAlreadyOpen
		}
	}
	s.Status = StatusOpen
	m.shifts[s.ID] = s
	return s, nil
}

func (m *memStore) GetShift(_ context.Context, id uuid.UUID) (Shift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shifts[id]
	if !ok {
		return Shift{}, ErrShiftNotFound
	}
	return s, nil
}

func (m *memStore) ListShifts(_ context.Context, staffID uuid.UUID, limit, offset int) ([]Shift, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Shift
	for _, s := range m.shifts {
		if s.StaffID == staffID {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].OpenedAt.After(all[j].OpenedAt) })
	total := len(all)
	if offset >= total {
		return []Shift{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memStore) requireOpenLocked(id uuid.UUID) error {
	s, ok := m.shifts[id]
	if !ok {
		return ErrShiftNotFound
	}
	if !s.IsOpen() {
		return ErrShiftClosed
	}
	return nil
}

func (m *memStore) InsertLineItem(_ context.Context, item LineItem) (LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOpenLocked(item.ShiftID); err != nil {
		return LineItem{}, err
	}
	item.CreatedAt = time.Now()
	m.items[item.ShiftID] = append(m.items[item.ShiftID], item)
	return item, nil
}

func (m *memStore) ListLineItems(_ context.Context, shiftID uuid.UUID) ([]LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LineItem{}, m.items[shiftID]...), nil
}

func (m *memStore) InsertAdjustment(_ context.Context, adj Adjustment) (Adjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOpenLocked(adj.ShiftID); err != nil {
		return Adjustment{}, err
	}
	adj.CreatedAt = time.Now()
	m.adjustments[adj.ShiftID] = append(m.adjustments[adj.ShiftID], adj)
	return adj, nil
}

func (m *memStore) ListAdjustments(_ context.Context, shiftID uuid.UUID) ([]Adjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Adjustment{}, m.adjustments[shiftID]...), nil
}

func (m *memStore) CloseShift(_ context.Context, id uuid.UUID, closedAt time.Time, hours float64, result settlement.Result, outbox events.Event) (Shift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOpenLocked(id); err != nil {
		return Shift{}, err
	}
	m.closeCalls++
	s := m.shifts[id]
	s.Status = StatusClosed
	s.ClosedAt = &closedAt
	s.HoursWorked = &hours
	s.Settlement = &result
	m.shifts[id] = s
	if outbox.ID != uuid.Nil {
		m.outbox = append(m.outbox, outbox)
	}
	return s, nil
}

type emitted struct {
	topic   string
	id      uuid.UUID
	payload any
}

type captureEmitter struct {
	mu     sync.Mutex
	events []emitted
	err    error
}

func (c *captureEmitter) Emit(_ context.Context, topic string, id uuid.UUID, payload any) (events.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, emitted{topic: topic, id: id, payload: payload})
	return events.Event{ID: uuid.New(), Topic: topic, AggregateID: id}, c.err
}

func (c *captureEmitter) Publish(_ context.Context, ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, emitted{topic: ev.Topic, id: ev.AggregateID, payload: ev.Payload})
	return c.err
}

func (c *captureEmitter) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.topic)
	}
	return out
}
