package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghya66/tg-dgn-bot/internal/callbacks"
	"github.com/ghya66/tg-dgn-bot/internal/config"
	kafkax "github.com/ghya66/tg-dgn-bot/internal/kafka"
	"github.com/ghya66/tg-dgn-bot/internal/logging"
	"github.com/ghya66/tg-dgn-bot/internal/orders"
	"github.com/ghya66/tg-dgn-bot/internal/payment"
	"github.com/ghya66/tg-dgn-bot/internal/postgres"
	"github.com/ghya66/tg-dgn-bot/internal/redisx"
	"github.com/ghya66/tg-dgn-bot/internal/suffix"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		logging.New("payment-reconciler", "info").Error("config", "err", err)
		os.Exit(1)
	}
	name := cfg.ServiceName + "-reconciler"
	log := logging.New(name, cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMax)
	if err != nil {
		log.Error("db connect", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(redisx.Options{
		Addr: cfg.RedisAddr, Password: cfg.RedisPass, DB: cfg.RedisDB,
		Timeout: cfg.StoreTimeout, MaxRetries: 3,
	})
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		log.Error("redis", "err", err)
		os.Exit(1)
	}

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start()

	repo := &orders.Repo{DB: db}
	events := orders.NewEventPublisher(prod, name)
	store := orders.NewStore(rdb, cfg.OrderTTLBuffer)
	machine := orders.NewMachine(store, log, repo, events)
	alloc := suffix.New(rdb, cfg.SuffixGrace)

	rec := payment.NewReconciler(store, machine, alloc, payment.NewSigner(cfg.WebhookSecret),
		orders.AnomalySinks{repo, events}, log)
	rec.PayAddress = cfg.PayAddress
	rec.Timeout = cfg.StoreTimeout

	svc := &callbacks.Service{Reconciler: rec, Redis: rdb, Name: cfg.CallbackGroup, Log: log}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.CallbackGroup, orders.TopicPaymentObserved, cfg.CallbackWorkers, log)

	go func() {
		log.Info("consumer_started", "group", cfg.CallbackGroup, "topic", orders.TopicPaymentObserved, "workers", cfg.CallbackWorkers)
		if err := cons.Start(ctx, svc.HandlePaymentObserved); err != nil {
			log.Error("consumer_exit", "err", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting_down")
	cancel()
	time.Sleep(500 * time.Millisecond)
	prod.Close()
	prod.WaitClosed()
}
