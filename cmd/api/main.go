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

	"github.com/mkusnadi/go-ticket-ledger/internal/boost"
	"github.com/mkusnadi/go-ticket-ledger/internal/clock"
	"github.com/mkusnadi/go-ticket-ledger/internal/config"
	"github.com/mkusnadi/go-ticket-ledger/internal/httpx"
	"github.com/mkusnadi/go-ticket-ledger/internal/inventory"
	kafkax "github.com/mkusnadi/go-ticket-ledger/internal/kafka"
	"github.com/mkusnadi/go-ticket-ledger/internal/migrations"
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

	if err := migrations.Apply(ctx, db); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	clk := clock.NewSystem()

	pReceived := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicPaymentReceived, 1024, log)
	pReceived.Start(ctx)
	pCheckedIn := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicTicketCheckedIn, 1024, log)
	pCheckedIn.Start(ctx)
	pCompleted := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCompleted, 1024, log)
	pCompleted.Start(ctx)
	pFailed := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderFailed, 1024, log)
	pFailed.Start(ctx)
	producers := []*kafkax.Producer{pReceived, pCheckedIn, pCompleted, pFailed}

	invRepo := &inventory.Repo{DB: db, LockTimeout: cfg.LockTimeout}
	invSvc := inventory.NewService(invRepo, log)

	orderRepo := &orders.Repo{DB: db}
	ticketRepo := &tickets.Repo{DB: db}
	guard := &payment.Guard{DB: db, Redis: rdb, Service: cfg.ServiceName}
	provider := payment.NewHTTPProvider(cfg.ProviderBaseURL, cfg.ProviderAPIKey)

	paySvc := payment.NewService(orderRepo, ticketRepo, provider, pCompleted, clk, cfg.ServiceName, log)
	ticketSvc := tickets.NewService(ticketRepo, clk, pCheckedIn, cfg.ServiceName, log)

	sweeper := reconcile.NewSweeper(orderRepo, paySvc, invSvc, provider, pFailed,
		&redisx.SweepLock{Redis: rdb, Kind: "orders"}, clk,
		reconcile.Config{GraceWindow: cfg.GraceWindow, MaxOrderAge: cfg.MaxOrderAge, Batch: cfg.SweepBatch},
		cfg.ServiceName, log)

	boostRepo := &boost.Repo{DB: db}
	expirer := boost.NewExpirer(boostRepo, &redisx.SweepLock{Redis: rdb, Kind: "allocations"}, clk, cfg.SweepBatch, log)

	router := httpx.NewRouter()
	(&httpx.ReservationsHandler{Inventory: invSvc}).Register(router)
	(&httpx.OrdersHandler{Repo: orderRepo, Inventory: invSvc, Redis: rdb, Clock: clk, HoldTTL: cfg.GraceWindow}).Register(router)
	(&httpx.WebhookHandler{Guard: guard, Producer: pReceived, Clock: clk, Secret: cfg.WebhookSecret, Service: cfg.ServiceName, Log: log}).Register(router)
	(&httpx.CheckinHandler{Tickets: ticketSvc, Auth: &httpx.AgentRepo{DB: db}, Redis: rdb}).Register(router)
	(&httpx.ReconcileHandler{Sweeper: sweeper, Expirer: expirer}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
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
	for _, p := range producers {
		p.Close()
	}
	cancel()
	for _, p := range producers {
		p.WaitClosed()
	}
}
