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
	kafkax "github.com/shoporbit/fulfillment/internal/kafka"
	"github.com/shoporbit/fulfillment/internal/logx"
	"github.com/shoporbit/fulfillment/internal/order"
	"github.com/shoporbit/fulfillment/internal/outbox"
	"github.com/shoporbit/fulfillment/internal/postgres"
	"github.com/shoporbit/fulfillment/internal/redisx"
	"github.com/shoporbit/fulfillment/internal/timeout"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

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

	// outbox drain: staged order events -> broker
	sink := kafkax.NewTopicWriter(cfg.KafkaBrokers)
	defer sink.Close()
	obRepo := outbox.NewPgRepository()
	processor := outbox.NewProcessor(db, obRepo, sink, cfg.OutboxBatchSize, cfg.OutboxInterval, log)
	go processor.Run(ctx)

	// timeout scheduling and firing; timeouts go through the acknowledged
	// writer so a broker failure leaves the token queued
	scheduler := timeout.NewRedisScheduler(rdb)
	poller := timeout.NewPoller(scheduler, sink, cfg.ServiceName, cfg.PollerInterval, log)
	go poller.Run(ctx)

	repo := order.NewPgRepository(db, obRepo)
	svc := order.NewService(repo, scheduler, cfg.ServiceName, cfg.Currency, cfg.OrderTimeout, log)

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
	consume(contract.TopicPaymentSucceeded, kafkax.Typed(contract.EventPaymentSucceeded, svc.HandlePaymentSucceeded))
	consume(contract.TopicPaymentFailed, kafkax.Typed(contract.EventPaymentFailed, svc.HandlePaymentFailed))
	consume(contract.TopicOrderTimeout, kafkax.Typed(contract.EventOrderTimeout, svc.HandleOrderTimeout))

	router := httpx.NewRouter(db.Ping, func(ctx context.Context) error { return redisx.Ping(ctx, rdb) })
	oh := &httpx.OrdersHandler{Svc: svc}
	oh.Register(router)

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
	cancel()
}
