package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghya66/tg-dgn-bot/internal/config"
	"github.com/ghya66/tg-dgn-bot/internal/httpx"
	kafkax "github.com/ghya66/tg-dgn-bot/internal/kafka"
	"github.com/ghya66/tg-dgn-bot/internal/logging"
	"github.com/ghya66/tg-dgn-bot/internal/orders"
	"github.com/ghya66/tg-dgn-bot/internal/payment"
	"github.com/ghya66/tg-dgn-bot/internal/postgres"
	"github.com/ghya66/tg-dgn-bot/internal/redisx"
	"github.com/ghya66/tg-dgn-bot/internal/suffix"
	"github.com/ghya66/tg-dgn-bot/internal/validation"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.New("order-api", "info").Error("config", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.ServiceName, cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMax)
	if err != nil {
		log.Error("db connect", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Error("db migrate", "err", err)
		os.Exit(1)
	}

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

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start()

	repo := &orders.Repo{DB: db}
	events := orders.NewEventPublisher(prod, cfg.ServiceName)
	store := orders.NewStore(rdb, cfg.OrderTTLBuffer)
	machine := orders.NewMachine(store, log, repo, events)
	alloc := suffix.New(rdb, cfg.SuffixGrace)

	svc := orders.NewService(store, machine, alloc, repo, cfg.PayAddress, log)
	svc.Timeout = cfg.OrderTimeout
	rec := payment.NewReconciler(store, machine, alloc, payment.NewSigner(cfg.WebhookSecret),
		orders.AnomalySinks{repo, events}, log)
	rec.PayAddress = cfg.PayAddress
	rec.Timeout = cfg.StoreTimeout

	router := httpx.NewRouter()
	(&httpx.OrdersHandler{Orders: svc, Anomalies: repo, Validate: validation.New(), Log: log}).Register(router)
	(&httpx.WebhookHandler{Reconciler: rec, Log: log}).Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("http_listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "err", err)
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

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()      // stop intake, flush what is queued
	prod.WaitClosed() // drain
}
