package inventory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrVariantNotFound   = errors.New("inventory: variant not found")
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	ErrInvalidQty        = errors.New("inventory: quantity must be greater than zero")
	ErrOverCommit        = errors.New("inventory: commit exceeds reserved stock")
)

// Record is one variant's ledger row. available = stock - reserved - safety,
// never below zero. The row is only ever mutated through single conditional
// statements, so concurrent buyers of the same variant cannot lose updates.
type Record struct {
	VariantID   string
	StockQty    int
	ReservedQty int
	SafetyStock int
}

func (r Record) Available() int { return r.StockQty - r.ReservedQty - r.SafetyStock }

type Ledger struct {
	DB  *pgxpool.Pool
	Log *zap.Logger
}

// Reserve places a hold of qty on the variant. Check and increment happen in
// one guarded UPDATE; zero rows means either a missing variant or not enough
// available stock.
func (l *Ledger) Reserve(ctx context.Context, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQty
	}
	ct, err := l.DB.Exec(ctx, `
		UPDATE inventory SET reserved_qty = reserved_qty + $2, updated_at = now()
		WHERE variant_id = $1
		  AND stock_qty - reserved_qty - safety_stock >= $2
	`, variantID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := l.DB.QueryRow(ctx, `SELECT true FROM inventory WHERE variant_id=$1`, variantID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVariantNotFound
		}
		return err
	}
	return ErrInsufficientStock
}

// Release gives a hold back. Releasing more than is currently reserved clamps
// at zero and logs a consistency warning: that is a caller bug (double
// release), not a reason to corrupt the ledger. An unknown variant is an
// error, same as Reserve.
func (l *Ledger) Release(ctx context.Context, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQty
	}
	ct, err := l.DB.Exec(ctx, `
		UPDATE inventory SET reserved_qty = reserved_qty - $2, updated_at = now()
		WHERE variant_id = $1 AND reserved_qty >= $2
	`, variantID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := l.DB.QueryRow(ctx, `SELECT true FROM inventory WHERE variant_id=$1`, variantID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVariantNotFound
		}
		return err
	}
	_, err = l.DB.Exec(ctx, `
		UPDATE inventory SET reserved_qty = 0, updated_at = now()
		WHERE variant_id = $1 AND reserved_qty > 0
	`, variantID)
	if err != nil {
		return err
	}
	l.Log.Warn("release exceeded reserved quantity, clamped at zero",
		zap.String("variant_id", variantID), zap.Int("qty", qty))
	return nil
}

// Commit moves reserved stock out of the warehouse: stock and reservation
// decrease together once payment settled.
func (l *Ledger) Commit(ctx context.Context, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQty
	}
	ct, err := l.DB.Exec(ctx, `
		UPDATE inventory
		SET stock_qty = stock_qty - $2, reserved_qty = reserved_qty - $2, updated_at = now()
		WHERE variant_id = $1 AND reserved_qty >= $2 AND stock_qty >= $2
	`, variantID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrOverCommit
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, variantID string) (*Record, error) {
	var r Record
	err := l.DB.QueryRow(ctx, `
		SELECT variant_id, stock_qty, reserved_qty, safety_stock
		FROM inventory WHERE variant_id=$1`, variantID).
		Scan(&r.VariantID, &r.StockQty, &r.ReservedQty, &r.SafetyStock)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVariantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
