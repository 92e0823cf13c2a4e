package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound      = errors.New("orders: not found")
	ErrTotalMismatch = errors.New("orders: item totals do not match order total")
	ErrBadTransition = errors.New("orders: invalid status transition")
)

type Repo struct{ DB *pgxpool.Pool }

// CreateTx persists the order, its items and the payment row in one transaction.
// The order total must equal the sum of line totals exactly (integer cents).
func (r *Repo) CreateTx(ctx context.Context, o *Order, items []OrderItem, pay *Payment) error {
	sum := 0
	for _, it := range items {
		sum += it.Qty * it.UnitPriceCents
	}
	if sum != o.TotalCents {
		return ErrTotalMismatch
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, buyer_id, status, total_cents)
		VALUES ($1, $2, $3, $4)
	`, o.ID, o.BuyerID, string(o.Status), o.TotalCents)
	if err != nil {
		return err
	}

	for _, it := range items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items(order_id, variant_id, qty, unit_price_cents)
			VALUES ($1, $2, $3, $4)`,
			o.ID, it.VariantID, it.Qty, it.UnitPriceCents,
		)
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payments(order_id, provider, provider_payment_id, status, amount_cents)
		VALUES ($1, $2, $3, $4, $5)
	`, o.ID, pay.Provider, pay.ProviderPaymentID, string(pay.Status), pay.AmountCents)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *Repo) Get(ctx context.Context, id string) (*Order, error) {
	var o Order
	var status string
	err := r.DB.QueryRow(ctx, `
		SELECT id, buyer_id, status, total_cents, created_at, updated_at
		FROM orders WHERE id=$1`, id).
		Scan(&o.ID, &o.BuyerID, &status, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	return &o, nil
}

func (r *Repo) Items(ctx context.Context, orderID string) ([]OrderItem, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT order_id, variant_id, qty, unit_price_cents
		FROM order_items WHERE order_id=$1 ORDER BY variant_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.OrderID, &it.VariantID, &it.Qty, &it.UnitPriceCents); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *Repo) GetPayment(ctx context.Context, orderID string) (*Payment, error) {
	var p Payment
	var status string
	err := r.DB.QueryRow(ctx, `
		SELECT order_id, provider, provider_payment_id, status, amount_cents, paid_at
		FROM payments WHERE order_id=$1`, orderID).
		Scan(&p.OrderID, &p.Provider, &p.ProviderPaymentID, &status, &p.AmountCents, &p.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = PaymentStatus(status)
	return &p, nil
}

// Transition applies a conditional status update: the row changes only when its
// current status is one of from. Returns false when no row matched, which makes
// concurrent reconciliation sweeps settle the same order exactly once.
func (r *Repo) Transition(ctx context.Context, id string, to Status, from ...Status) (bool, error) {
	fromStrs := make([]string, 0, len(from))
	for _, f := range from {
		if !CanTransition(f, to) {
			return false, fmt.Errorf("%w: %s -> %s", ErrBadTransition, f, to)
		}
		fromStrs = append(fromStrs, string(f))
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$2, updated_at=now()
		WHERE id=$1 AND status = ANY($3)
	`, id, string(to), fromStrs)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) SetProviderRef(ctx context.Context, orderID, ref string) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE payments SET provider_payment_id=$2 WHERE order_id=$1`, orderID, ref)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) MarkPaymentSettled(ctx context.Context, orderID string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE payments SET status=$2, paid_at=now()
		WHERE order_id=$1 AND status <> $2`, orderID, string(PaymentSettled))
	return err
}

func (r *Repo) MarkPaymentFailed(ctx context.Context, orderID string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE payments SET status=$2
		WHERE order_id=$1 AND status = $3`, orderID, string(PaymentFailed), string(PaymentCreated))
	return err
}

// ListAwaitingPayment returns orders still waiting on the gateway, oldest first,
// for the reconciliation sweep.
func (r *Repo) ListAwaitingPayment(ctx context.Context, olderThan time.Time, limit int) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, buyer_id, status, total_cents, created_at, updated_at
		FROM orders
		WHERE status=$1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`, string(StatusAwaitingPayment), olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		var status string
		if err := rows.Scan(&o.ID, &o.BuyerID, &status, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Status = Status(status)
		out = append(out, o)
	}
	return out, rows.Err()
}
