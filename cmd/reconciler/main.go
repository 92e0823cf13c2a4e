package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-pipeline/internal/catalog"
	"github.com/ariefcatur/go-checkout-pipeline/internal/checkout"
	"github.com/ariefcatur/go-checkout-pipeline/internal/config"
	"github.com/ariefcatur/go-checkout-pipeline/internal/gateway"
	"github.com/ariefcatur/go-checkout-pipeline/internal/idempotency"
	"github.com/ariefcatur/go-checkout-pipeline/internal/inventory"
	kafkax "github.com/ariefcatur/go-checkout-pipeline/internal/kafka"
	"github.com/ariefcatur/go-checkout-pipeline/internal/logging"
	"github.com/ariefcatur/go-checkout-pipeline/internal/orders"
	"github.com/ariefcatur/go-checkout-pipeline/internal/postgres"
	"github.com/ariefcatur/go-checkout-pipeline/internal/redisx"
	"github.com/redis/go-redis/v9"
)

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.MustNew(cfg.ServiceName+"-reconciler", cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	bus := kafkax.NewBus(cfg.KafkaBrokers, 1024, log)
	bus.Start(ctx)

	orch := &checkout.Orchestrator{
		Ledger:      &inventory.Ledger{DB: db, Log: log},
		Guard:       &idempotency.Guard{DB: db, Redis: rdb, Log: log},
		Store:       &orders.Repo{DB: db},
		Catalog:     &catalog.Repo{DB: db},
		Gateway:     gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout, log),
		Bus:         bus,
		Currency:    cfg.Currency,
		Service:     cfg.ServiceName + "-reconciler",
		OrderExpiry: cfg.OrderExpiry,
		Log:         log,
	}

	// Provider callbacks, forwarded onto the callback topic by the webhook edge.
	group := getenv("RECONCILER_GROUP", "reconciler-svc")
	workers := mustAtoi(os.Getenv("RECONCILER_WORKERS"), "4")
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicPaymentCallback, workers, log)

	go func() {
		log.Info("callback consumer started",
			zap.String("group", group), zap.String("topic", orders.TopicPaymentCallback), zap.Int("workers", workers))
		if err := cons.Start(ctx, callbackHandler(orch, rdb, log)); err != nil {
			log.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	// Periodic sweep: anything the provider never called back about.
	go func() {
		t := time.NewTicker(cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				olderThan := time.Now().Add(-cfg.SweepInterval)
				if err := orch.Sweep(ctx, olderThan, cfg.SweepBatch); err != nil {
					log.Error("sweep", zap.Error(err))
				}
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	cancel()
	time.Sleep(500 * time.Millisecond)
	bus.Close()
	bus.WaitClosed()
}

// callbackHandler reconciles the order named by a provider callback. The
// callback only triggers the poll; the gateway's answer stays the truth.
func callbackHandler(orch *checkout.Orchestrator, rdb *redis.Client, log *zap.Logger) kafkax.Handler {
	return func(ctx context.Context, m kafkago.Message) error {
		var env orders.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			return err
		}
		if env.EventType != orders.EventPaymentCallback {
			return nil
		}

		dkey := fmt.Sprintf(redisx.KeyDedup, "reconciler", env.EventID)
		if seen, _ := redisx.Exists(ctx, rdb, dkey); seen {
			return nil
		}
		_ = rdb.Set(ctx, dkey, "1", redisx.TTLDedup).Err()

		p, err := kafkax.UnwrapPayload[orders.PaymentCallbackPayload](env.Payload)
		if err != nil {
			return err
		}
		status, err := orch.Reconcile(ctx, p.OrderID)
		if errors.Is(err, orders.ErrNotFound) {
			log.Warn("callback for unknown order", zap.String("order_id", p.OrderID))
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("callback reconciled",
			zap.String("order_id", p.OrderID), zap.String("status", string(status)))
		return nil
	}
}
