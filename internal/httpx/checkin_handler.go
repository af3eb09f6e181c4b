package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/mkusnadi/go-ticket-ledger/internal/redisx"
	"github.com/mkusnadi/go-ticket-ledger/internal/tickets"
)

type CheckinHandler struct {
	Tickets *tickets.Service
	Auth    AgentAuthenticator
	Redis   *redis.Client
}

func (h *CheckinHandler) Register(r *chi.Mux) {
	r.Post("/checkin", h.checkin)
}

type checkinReq struct {
	Token string `json:"token"`
}

type checkinResp struct {
	Valid       bool                `json:"valid"`
	AlreadyUsed bool                `json:"already_used"`
	Status      string              `json:"status"`
	RedeemedAt  *time.Time          `json:"redeemed_at,omitempty"`
	UnitSummary tickets.UnitSummary `json:"unit_summary"`
}

func (h *CheckinHandler) checkin(w http.ResponseWriter, r *http.Request) {
	var req checkinReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing token"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	agent, err := h.Auth.Authenticate(ctx, r.Header.Get("X-Agent-Key"))
	if err != nil {
		if errors.Is(err, ErrUnknownAgentKey) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	res, err := h.Tickets.CheckIn(ctx, req.Token, agent)
	if err != nil {
		switch {
		case errors.Is(err, tickets.ErrTicketNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "ticket not found"})
		case errors.Is(err, tickets.ErrNotAuthorized):
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "not authorized for this ticket"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}

	resp := checkinResp{
		Valid:       res.Valid,
		AlreadyUsed: res.AlreadyUsed,
		Status:      string(res.Status),
		RedeemedAt:  res.RedeemedAt,
		UnitSummary: res.Summary,
	}

	// Cache the display summary for the gate UI's follow-up reads.
	if h.Redis != nil {
		if body, err := json.Marshal(resp.UnitSummary); err == nil {
			key := fmt.Sprintf(redisx.KeyTicketSummary, req.Token)
			_ = h.Redis.Set(ctx, key, body, redisx.TTLTicketSummary).Err()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
