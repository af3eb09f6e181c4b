package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mkusnadi/go-ticket-ledger/internal/boost"
	"github.com/mkusnadi/go-ticket-ledger/internal/clock"
	"github.com/mkusnadi/go-ticket-ledger/internal/config"
	"github.com/mkusnadi/go-ticket-ledger/internal/inventory"
	kafkax "github.com/mkusnadi/go-ticket-ledger/internal/kafka"
	"github.com/mkusnadi/go-ticket-ledger/internal/orders"
	"github.com/mkusnadi/go-ticket-ledger/internal/payment"
	"github.com/mkusnadi/go-ticket-ledger/internal/postgres"
	"github.com/mkusnadi/go-ticket-ledger/internal/reconcile"
	"github.com/mkusnadi/go-ticket-ledger/internal/redisx"
	"github.com/mkusnadi/go-ticket-ledger/internal/tickets"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log, _ := zap.NewProduction()
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

	clk := clock.NewSystem()

	pCompleted := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCompleted, 1024, log)
	pCompleted.Start(ctx)
	pFailed := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderFailed, 1024, log)
	pFailed.Start(ctx)

	invRepo := &inventory.Repo{DB: db, LockTimeout: cfg.LockTimeout}
	invSvc := inventory.NewService(invRepo, log)
	orderRepo := &orders.Repo{DB: db}
	ticketRepo := &tickets.Repo{DB: db}
	provider := payment.NewHTTPProvider(cfg.ProviderBaseURL, cfg.ProviderAPIKey)
	paySvc := payment.NewService(orderRepo, ticketRepo, provider, pCompleted, clk, cfg.ServiceName+"-sweeper", log)

	sweeper := reconcile.NewSweeper(orderRepo, paySvc, invSvc, provider, pFailed,
		&redisx.SweepLock{Redis: rdb, Kind: "orders"}, clk,
		reconcile.Config{GraceWindow: cfg.GraceWindow, MaxOrderAge: cfg.MaxOrderAge, Batch: cfg.SweepBatch},
		cfg.ServiceName+"-sweeper", log)

	boostRepo := &boost.Repo{DB: db}
	expirer := boost.NewExpirer(boostRepo, &redisx.SweepLock{Redis: rdb, Kind: "allocations"}, clk, cfg.SweepBatch, log)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.RunForever(ctx, cfg.SweepInterval)
	}()
	go func() {
		defer wg.Done()
		expirer.RunForever(ctx, cfg.ExpireInterval)
	}()
	log.Info("sweeper started",
		zap.Duration("sweep_interval", cfg.SweepInterval), zap.Duration("expire_interval", cfg.ExpireInterval))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down sweeper")
	cancel()
	wg.Wait()
	pCompleted.Close()
	pFailed.Close()
	pCompleted.WaitClosed()
	pFailed.WaitClosed()
}
