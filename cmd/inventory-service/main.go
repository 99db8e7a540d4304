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

	"github.com/shoporbit/fulfillment/internal/config"
	"github.com/shoporbit/fulfillment/internal/contract"
	"github.com/shoporbit/fulfillment/internal/httpx"
	"github.com/shoporbit/fulfillment/internal/idem"
	"github.com/shoporbit/fulfillment/internal/inventory"
	kafkax "github.com/shoporbit/fulfillment/internal/kafka"
	"github.com/shoporbit/fulfillment/internal/logx"
	"github.com/shoporbit/fulfillment/internal/postgres"
	"github.com/shoporbit/fulfillment/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	if os.Getenv("SERVICE_NAME") == "" {
		cfg.ServiceName = "inventory-service"
	}

	log, err := logx.New(cfg.AppEnv, cfg.ServiceName)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, int32(cfg.DBMaxConns))
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	failedProd := kafkax.NewProducer(cfg.KafkaBrokers, contract.TopicStockReservationFailed, 1024, log)
	failedProd.Start(ctx)

	svc := &inventory.Service{
		Store:    inventory.NewPgStore(db),
		Guard:    idem.NewRedisGuard(rdb),
		Pub:      failedProd,
		Log:      log,
		Producer: cfg.ServiceName,
	}

	policy := kafkax.RetryPolicy{MaxAttempts: cfg.ConsumerMaxAttempts, Backoff: cfg.ConsumerRetryBackoff}
	consume := func(topic string, h kafkax.Handler) {
		c := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ServiceName, topic, cfg.ConsumerWorkers, policy, log)
		go func() {
			log.Info("consumer started", zap.String("topic", topic))
			if err := c.Start(ctx, h); err != nil {
				log.Error("consumer exited", zap.String("topic", topic), zap.Error(err))
				cancel()
			}
		}()
	}
	consume(contract.TopicOrderCreated, kafkax.Typed(contract.EventOrderCreated, svc.HandleOrderCreated))
	consume(contract.TopicOrderCancelled, kafkax.Typed(contract.EventOrderCancelled, svc.HandleOrderCancelled))

	router := httpx.NewRouter(db.Ping, func(ctx context.Context) error { return redisx.Ping(ctx, rdb) })
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(shutdownCtx)

	failedProd.Close()
	cancel()
	failedProd.WaitClosed()
}
