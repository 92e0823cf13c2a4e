package idempotency

import (
	"context"
	"sync"
)

type memRecord struct {
	status   State
	orderID  string
	snapshot []byte
}

// MemGuard keeps idempotency records in process memory. Test and local-dev
// stand-in for the durable guard; useless across replicas or restarts.
type MemGuard struct {
	mu   sync.Mutex
	recs map[string]*memRecord
}

func NewMemGuard() *MemGuard {
	return &MemGuard{recs: make(map[string]*memRecord)}
}

func (m *MemGuard) Begin(_ context.Context, key string) (BeginResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		m.recs[key] = &memRecord{status: StateInFlight}
		return BeginResult{State: StateFresh}, nil
	}
	switch rec.status {
	case StateCompleted:
		return BeginResult{State: StateCompleted, OrderID: rec.orderID, Snapshot: rec.snapshot}, nil
	case StateFailed:
		rec.status = StateInFlight
		return BeginResult{State: StateFresh}, nil
	default:
		return BeginResult{State: StateInFlight}, nil
	}
}

func (m *MemGuard) Complete(_ context.Context, key string, snapshot []byte, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok || rec.status != StateInFlight {
		return ErrNotInFlight
	}
	rec.status = StateCompleted
	rec.orderID = orderID
	rec.snapshot = snapshot
	return nil
}

func (m *MemGuard) Fail(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok || rec.status != StateInFlight {
		return ErrNotInFlight
	}
	rec.status = StateFailed
	return nil
}
