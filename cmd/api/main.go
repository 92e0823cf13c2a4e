package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-pipeline/internal/catalog"
	"github.com/ariefcatur/go-checkout-pipeline/internal/checkout"
	"github.com/ariefcatur/go-checkout-pipeline/internal/config"
	"github.com/ariefcatur/go-checkout-pipeline/internal/gateway"
	"github.com/ariefcatur/go-checkout-pipeline/internal/httpx"
	"github.com/ariefcatur/go-checkout-pipeline/internal/idempotency"
	"github.com/ariefcatur/go-checkout-pipeline/internal/inventory"
	kafkax "github.com/ariefcatur/go-checkout-pipeline/internal/kafka"
	"github.com/ariefcatur/go-checkout-pipeline/internal/logging"
	"github.com/ariefcatur/go-checkout-pipeline/internal/orders"
	"github.com/ariefcatur/go-checkout-pipeline/internal/postgres"
	"github.com/ariefcatur/go-checkout-pipeline/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.MustNew(cfg.ServiceName, cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka
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
		Service:     cfg.ServiceName,
		OrderExpiry: cfg.OrderExpiry,
		Log:         log,
	}

	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{Orchestrator: orch, Redis: rdb, Log: log}
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	bus.Close() // flush remaining events
	cancel()
	bus.WaitClosed()
}
