package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghya66/tg-dgn-bot/internal/config"
	"github.com/ghya66/tg-dgn-bot/internal/expiry"
	kafkax "github.com/ghya66/tg-dgn-bot/internal/kafka"
	"github.com/ghya66/tg-dgn-bot/internal/logging"
	"github.com/ghya66/tg-dgn-bot/internal/orders"
	"github.com/ghya66/tg-dgn-bot/internal/postgres"
	"github.com/ghya66/tg-dgn-bot/internal/redisx"
	"github.com/ghya66/tg-dgn-bot/internal/suffix"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		logging.New("expiry-sweeper", "info").Error("config", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.ServiceName+"-sweeper", cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, 2)
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

	store := orders.NewStore(rdb, cfg.OrderTTLBuffer)
	machine := orders.NewMachine(store, log, &orders.Repo{DB: db}, orders.NewEventPublisher(prod, cfg.ServiceName+"-sweeper"))
	alloc := suffix.New(rdb, cfg.SuffixGrace)

	// lease outlives a pass that hits its timeout, never two intervals
	lease := expiry.NewLease(rdb, redisx.KeySweepLock, cfg.SweepInterval)
	sw := expiry.NewSweeper(store, machine, alloc, lease, cfg.SweepBatch, log)

	c := expiry.NewCron(log)
	if _, err := sw.Schedule(c, cfg.SweepInterval, cfg.SweepInterval*9/10); err != nil {
		log.Error("schedule", "err", err)
		os.Exit(1)
	}
	c.Start()
	log.Info("sweeper_started", "interval", cfg.SweepInterval, "batch", cfg.SweepBatch)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting_down")

	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(10 * time.Second):
		log.Warn("sweep_still_running_at_exit")
	}
	prod.Close()
	prod.WaitClosed()
}
