package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mkusnadi/go-ticket-ledger/internal/clock"
	kafkax "github.com/mkusnadi/go-ticket-ledger/internal/kafka"
	"github.com/mkusnadi/go-ticket-ledger/internal/orders"
	"github.com/mkusnadi/go-ticket-ledger/internal/tickets"
)

// Absorbs provider-side rounding; anything larger is a mismatch that a
// human has to look at.
const amountToleranceCents = 1

var (
	ErrPaymentNotConfirmed = errors.New("payment not confirmed by provider")
	ErrAmountMismatch      = errors.New("payment amount mismatch")
	ErrCurrencyMismatch    = errors.New("payment currency mismatch")
)

type OrderStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	GetOrderForUpdate(ctx context.Context, orderID string) (orders.Order, error)
	OrderUnits(ctx context.Context, orderID string) ([]orders.OrderUnit, error)
	MarkCompleted(ctx context.Context, orderID, paymentRef string) (bool, error)
}

type TicketStore interface {
	InsertTickets(ctx context.Context, ts []tickets.Ticket) error
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type CompletionResult struct {
	Completed    bool
	AlreadyFinal bool
	Tickets      []tickets.Ticket
}

// Service finalizes paid orders. It never touches sold_count: capacity was
// held at reservation time, completion only materializes tickets against it.
type Service struct {
	orders   OrderStore
	tickets  TicketStore
	provider Provider
	producer Publisher
	clock    clock.Clock
	service  string
	log      *zap.Logger
}

func NewService(orderStore OrderStore, ticketStore TicketStore, provider Provider, producer Publisher, clk clock.Clock, serviceName string, log *zap.Logger) *Service {
	return &Service{
		orders:   orderStore,
		tickets:  ticketStore,
		provider: provider,
		producer: producer,
		clock:    clk,
		service:  serviceName,
		log:      log.Named("payment"),
	}
}

// CompletePayment drives an order from pending to completed, gated on the
// provider's authoritative payment state. Safe to call any number of times
// from any path: already-final orders are a no-op success, and the terminal
// transition itself is conditional in storage.
//
// Amount or currency mismatches leave the order pending for manual review.
// Guessing wrong in either direction is worse than a delay.
func (s *Service) CompletePayment(ctx context.Context, orderID, paymentRef string) (CompletionResult, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return CompletionResult{}, err
	}
	if order.Status != orders.StatusPending {
		return CompletionResult{AlreadyFinal: true}, nil
	}

	pp, err := s.provider.GetPayment(ctx, paymentRef)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("re-query payment %s: %w", paymentRef, err)
	}
	if pp.Status != ProviderPaid {
		return CompletionResult{}, ErrPaymentNotConfirmed
	}

	if err := validateAmount(order, pp); err != nil {
		s.log.Warn("payment validation failed, order left pending for review",
			zap.String("order_id", orderID),
			zap.Int64("order_amount_cents", order.AmountCents),
			zap.Int64("provider_amount_cents", pp.AmountCents),
			zap.String("order_currency", order.Currency),
			zap.String("provider_currency", pp.Currency),
			zap.Error(err))
		return CompletionResult{}, err
	}

	var minted []tickets.Ticket
	var alreadyFinal bool
	err = s.orders.WithTx(ctx, func(txCtx context.Context) error {
		locked, err := s.orders.GetOrderForUpdate(txCtx, orderID)
		if err != nil {
			return err
		}
		if locked.Status != orders.StatusPending {
			alreadyFinal = true
			return nil
		}

		units, err := s.orders.OrderUnits(txCtx, orderID)
		if err != nil {
			return err
		}

		for _, ou := range units {
			for i := 0; i < ou.Quantity; i++ {
				token, err := tickets.NewToken()
				if err != nil {
					return err
				}
				minted = append(minted, tickets.Ticket{
					ID:      uuid.NewString(),
					UnitID:  ou.UnitID,
					OrderID: orderID,
					OwnerID: locked.OwnerID,
					Token:   token,
					Status:  tickets.StatusValid,
				})
			}
		}
		if err := s.tickets.InsertTickets(txCtx, minted); err != nil {
			return err
		}

		done, err := s.orders.MarkCompleted(txCtx, orderID, paymentRef)
		if err != nil {
			return err
		}
		if !done {
			return fmt.Errorf("order %s changed state mid-completion", orderID)
		}
		return nil
	})
	if err != nil {
		return CompletionResult{}, err
	}
	if alreadyFinal {
		return CompletionResult{AlreadyFinal: true}, nil
	}

	s.log.Info("order completed",
		zap.String("order_id", orderID), zap.String("payment_ref", paymentRef), zap.Int("tickets", len(minted)))
	s.publishCompleted(orderID, paymentRef, minted)

	return CompletionResult{Completed: true, Tickets: minted}, nil
}

func validateAmount(o orders.Order, pp ProviderPayment) error {
	if o.AmountCents == 0 {
		// Free orders pass regardless of what the provider reports.
		return nil
	}
	diff := pp.AmountCents - o.AmountCents
	if diff < -amountToleranceCents || diff > amountToleranceCents {
		return ErrAmountMismatch
	}
	if pp.Currency != o.Currency {
		return ErrCurrencyMismatch
	}
	return nil
}

func (s *Service) publishCompleted(orderID, paymentRef string, minted []tickets.Ticket) {
	if s.producer == nil {
		return
	}
	ids := make([]string, 0, len(minted))
	for _, t := range minted {
		ids = append(ids, t.ID)
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderCompleted,
		EventVersion:  1,
		OccurredAt:    s.clock.Now(),
		Producer:      s.service,
		CorrelationID: orderID,
		Payload: kafkax.MustMarshal(orders.OrderCompletedPayload{
			OrderID: orderID, PaymentRef: paymentRef, TicketIDs: ids,
		}),
	}
	s.producer.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderCompleted)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
