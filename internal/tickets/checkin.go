package tickets

import (
	"context"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mkusnadi/go-ticket-ledger/internal/clock"
	kafkax "github.com/mkusnadi/go-ticket-ledger/internal/kafka"
	"github.com/mkusnadi/go-ticket-ledger/internal/orders"
)

// Agent is an authenticated check-in operator. An agent may only validate
// tickets whose inventory unit belongs to its organizer.
type Agent struct {
	ID          string
	OrganizerID string
}

type Store interface {
	GetByToken(ctx context.Context, token string) (t Ticket, organizerID, unitName string, err error)
	RedeemIfValid(ctx context.Context, token, agentID string, now time.Time) (bool, error)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Service struct {
	store    Store
	clock    clock.Clock
	producer Publisher
	service  string
	log      *zap.Logger
}

func NewService(store Store, clk clock.Clock, producer Publisher, serviceName string, log *zap.Logger) *Service {
	return &Service{store: store, clock: clk, producer: producer, service: serviceName, log: log.Named("checkin")}
}

// CheckIn redeems a ticket exactly once. The transition itself is a single
// conditional write in the store, so two simultaneous attempts at a gate
// resolve to one Valid and one AlreadyUsed.
func (s *Service) CheckIn(ctx context.Context, token string, agent Agent) (CheckInResult, error) {
	t, organizerID, unitName, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return CheckInResult{}, err
	}
	if organizerID != agent.OrganizerID {
		return CheckInResult{}, ErrNotAuthorized
	}

	summary := UnitSummary{TicketID: t.ID, UnitID: t.UnitID, UnitName: unitName, OrderID: t.OrderID}

	switch t.Status {
	case StatusCancelled, StatusRefunded:
		return CheckInResult{Status: t.Status, Summary: summary}, nil
	}

	now := s.clock.Now()
	redeemed, err := s.store.RedeemIfValid(ctx, token, agent.ID, now)
	if err != nil {
		return CheckInResult{}, err
	}
	if !redeemed {
		// Lost the race or the ticket was already out of valid. Re-read to
		// report the actual terminal status, not a generic failure.
		t2, _, _, err := s.store.GetByToken(ctx, token)
		if err != nil {
			return CheckInResult{}, err
		}
		if t2.Status == StatusUsed {
			return CheckInResult{AlreadyUsed: true, Status: t2.Status, RedeemedAt: t2.RedeemedAt, Summary: summary}, nil
		}
		return CheckInResult{Status: t2.Status, Summary: summary}, nil
	}

	s.log.Info("ticket checked in",
		zap.String("ticket_id", t.ID), zap.String("unit_id", t.UnitID), zap.String("agent_id", agent.ID))
	s.publishCheckedIn(t, agent)

	return CheckInResult{Valid: true, Status: StatusUsed, RedeemedAt: &now, Summary: summary}, nil
}

func (s *Service) publishCheckedIn(t Ticket, agent Agent) {
	if s.producer == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventTicketCheckedIn,
		EventVersion:  1,
		OccurredAt:    s.clock.Now(),
		Producer:      s.service,
		CorrelationID: t.OrderID,
		Payload: kafkax.MustMarshal(orders.TicketCheckedInPayload{
			TicketID: t.ID, UnitID: t.UnitID, AgentID: agent.ID,
		}),
	}
	s.producer.Publish(orders.PartitionKey(t.OrderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventTicketCheckedIn)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
