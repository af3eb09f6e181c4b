package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mkusnadi/go-ticket-ledger/internal/clock"
	"github.com/mkusnadi/go-ticket-ledger/internal/config"
	kafkax "github.com/mkusnadi/go-ticket-ledger/internal/kafka"
	"github.com/mkusnadi/go-ticket-ledger/internal/orders"
	"github.com/mkusnadi/go-ticket-ledger/internal/payment"
	"github.com/mkusnadi/go-ticket-ledger/internal/postgres"
	"github.com/mkusnadi/go-ticket-ledger/internal/tickets"
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

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

	clk := clock.NewSystem()

	pCompleted := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCompleted, 1024, log)
	pCompleted.Start(ctx)

	orderRepo := &orders.Repo{DB: db}
	ticketRepo := &tickets.Repo{DB: db}
	provider := payment.NewHTTPProvider(cfg.ProviderBaseURL, cfg.ProviderAPIKey)
	paySvc := payment.NewService(orderRepo, ticketRepo, provider, pCompleted, clk, cfg.ServiceName+"-worker", log)

	handler := func(ctx context.Context, m kafkago.Message) error {
		var env orders.Envelope
		if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
			log.Warn("drop undecodable message", zap.Error(err))
			return nil
		}
		if env.EventType != orders.EventPaymentReceived {
			return nil
		}
		p, err := kafkax.UnwrapPayload[orders.PaymentReceivedPayload](env.Payload)
		if err != nil {
			log.Warn("drop bad payload", zap.String("event_id", env.EventID), zap.Error(err))
			return nil
		}

		_, err = paySvc.CompletePayment(ctx, p.OrderID, p.PaymentRef)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, payment.ErrPaymentNotConfirmed),
			errors.Is(err, payment.ErrAmountMismatch),
			errors.Is(err, payment.ErrCurrencyMismatch),
			errors.Is(err, orders.ErrOrderNotFound):
			// Not retryable from here; the reconciliation sweep or a human
			// picks these up.
			log.Warn("completion deferred", zap.String("order_id", p.OrderID), zap.Error(err))
			return nil
		default:
			return err
		}
	}

	group := getenv("WORKER_GROUP", "payment-worker")
	workers := mustAtoi(os.Getenv("WORKER_CONCURRENCY"), "8")
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicPaymentReceived, workers, log)

	go func() {
		log.Info("payment worker started",
			zap.String("group", group), zap.String("topic", orders.TopicPaymentReceived), zap.Int("workers", workers))
		if err := cons.Start(ctx, handler); err != nil {
			log.Warn("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down worker")
	cancel()
	time.Sleep(500 * time.Millisecond)
	pCompleted.Close()
	pCompleted.WaitClosed()
}
