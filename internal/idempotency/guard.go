package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-pipeline/internal/redisx"
)

type State string

const (
	StateFresh     State = "fresh"
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// BeginResult carries the stored response verbatim when the key already
// completed, so a replay is byte-identical to the original answer.
type BeginResult struct {
	State    State
	OrderID  string
	Snapshot []byte
}

var ErrNotInFlight = errors.New("idempotency: key is not in flight")

// Guard deduplicates creation attempts by client token. Postgres is the truth;
// Redis only short-circuits replays of completed keys.
type Guard struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
	Log   *zap.Logger
}

// Begin claims the key. The INSERT .. ON CONFLICT DO NOTHING is the single
// atomic step deciding which concurrent attempt runs; everyone else observes
// the existing row. A failed row is flipped back to in-flight so the retry
// executes fresh.
func (g *Guard) Begin(ctx context.Context, key string) (BeginResult, error) {
	if b, err := g.Redis.Get(ctx, fmt.Sprintf(redisx.KeyIdemSnapshot, key)).Bytes(); err == nil && len(b) > 0 {
		return BeginResult{State: StateCompleted, Snapshot: b}, nil
	}

	ct, err := g.DB.Exec(ctx, `
		INSERT INTO idempotency_keys(key, status) VALUES ($1, 'in_flight')
		ON CONFLICT (key) DO NOTHING
	`, key)
	if err != nil {
		return BeginResult{}, err
	}
	if ct.RowsAffected() == 1 {
		return BeginResult{State: StateFresh}, nil
	}

	var status, orderID string
	var snapshot []byte
	err = g.DB.QueryRow(ctx, `
		SELECT status, COALESCE(order_id, ''), COALESCE(response_snapshot, '')
		FROM idempotency_keys WHERE key=$1`, key).
		Scan(&status, &orderID, &snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		// row vanished between insert and read; treat as a concurrent retry
		return BeginResult{State: StateInFlight}, nil
	}
	if err != nil {
		return BeginResult{}, err
	}

	switch status {
	case "completed":
		g.cacheSnapshot(ctx, key, snapshot)
		return BeginResult{State: StateCompleted, OrderID: orderID, Snapshot: snapshot}, nil
	case "failed":
		ct, err := g.DB.Exec(ctx, `
			UPDATE idempotency_keys SET status='in_flight', created_at=now()
			WHERE key=$1 AND status='failed'`, key)
		if err != nil {
			return BeginResult{}, err
		}
		if ct.RowsAffected() == 1 {
			return BeginResult{State: StateFresh}, nil
		}
		// a concurrent retry won the flip
		return BeginResult{State: StateInFlight}, nil
	default:
		return BeginResult{State: StateInFlight}, nil
	}
}

// Complete stores the exact response to replay on every later Begin with the
// same key. The record is immutable from here on.
func (g *Guard) Complete(ctx context.Context, key string, snapshot []byte, orderID string) error {
	ct, err := g.DB.Exec(ctx, `
		UPDATE idempotency_keys
		SET status='completed', order_id=$2, response_snapshot=$3
		WHERE key=$1 AND status='in_flight'
	`, key, orderID, snapshot)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrNotInFlight
	}
	g.cacheSnapshot(ctx, key, snapshot)
	return nil
}

// Fail marks the attempt as failed; the next Begin with this key runs fresh.
func (g *Guard) Fail(ctx context.Context, key string) error {
	ct, err := g.DB.Exec(ctx, `
		UPDATE idempotency_keys SET status='failed'
		WHERE key=$1 AND status='in_flight'`, key)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrNotInFlight
	}
	return nil
}

func (g *Guard) cacheSnapshot(ctx context.Context, key string, snapshot []byte) {
	if len(snapshot) == 0 {
		return
	}
	if err := g.Redis.Set(ctx, fmt.Sprintf(redisx.KeyIdemSnapshot, key), snapshot, redisx.TTLIdemSnapshot).Err(); err != nil {
		g.Log.Warn("idempotency cache write failed", zap.Error(err), zap.String("key", key))
	}
}
