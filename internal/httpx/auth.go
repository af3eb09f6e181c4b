package httpx

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkusnadi/go-ticket-ledger/internal/tickets"
)

var ErrUnknownAgentKey = errors.New("unknown agent key")

// AgentAuthenticator resolves a check-in API key to the agent behind it.
type AgentAuthenticator interface {
	Authenticate(ctx context.Context, apiKey string) (tickets.Agent, error)
}

// AgentRepo authenticates agents against the agents table.
type AgentRepo struct{ DB *pgxpool.Pool }

func (r *AgentRepo) Authenticate(ctx context.Context, apiKey string) (tickets.Agent, error) {
	var a tickets.Agent
	err := r.DB.QueryRow(ctx, `SELECT id, organizer_id FROM agents WHERE api_key = $1`, apiKey).
		Scan(&a.ID, &a.OrganizerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tickets.Agent{}, ErrUnknownAgentKey
		}
		return tickets.Agent{}, fmt.Errorf("authenticate agent: %w", err)
	}
	return a, nil
}
