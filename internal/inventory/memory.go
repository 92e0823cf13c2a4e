package inventory

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemLedger mirrors the Postgres ledger semantics behind a mutex. It backs
// unit tests and single-process local runs; anything with more than one
// service replica needs the durable ledger.
type MemLedger struct {
	mu      sync.Mutex
	records map[string]*Record
	log     *zap.Logger
}

func NewMemLedger(log *zap.Logger, records ...Record) *MemLedger {
	m := &MemLedger{records: make(map[string]*Record, len(records)), log: log}
	for _, r := range records {
		cp := r
		m.records[r.VariantID] = &cp
	}
	return m
}

func (m *MemLedger) Reserve(_ context.Context, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQty
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[variantID]
	if !ok {
		return ErrVariantNotFound
	}
	if r.Available() < qty {
		return ErrInsufficientStock
	}
	r.ReservedQty += qty
	return nil
}

func (m *MemLedger) Release(_ context.Context, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQty
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[variantID]
	if !ok {
		return ErrVariantNotFound
	}
	if r.ReservedQty < qty {
		r.ReservedQty = 0
		m.log.Warn("release exceeded reserved quantity, clamped at zero",
			zap.String("variant_id", variantID), zap.Int("qty", qty))
		return nil
	}
	r.ReservedQty -= qty
	return nil
}

func (m *MemLedger) Commit(_ context.Context, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQty
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[variantID]
	if !ok {
		return ErrVariantNotFound
	}
	if r.ReservedQty < qty || r.StockQty < qty {
		return ErrOverCommit
	}
	r.ReservedQty -= qty
	r.StockQty -= qty
	return nil
}

func (m *MemLedger) Get(_ context.Context, variantID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[variantID]
	if !ok {
		return nil, ErrVariantNotFound
	}
	cp := *r
	return &cp, nil
}
