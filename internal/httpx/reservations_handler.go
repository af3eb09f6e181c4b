package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkusnadi/go-ticket-ledger/internal/inventory"
)

type ReservationsHandler struct {
	Inventory *inventory.Service
}

func (h *ReservationsHandler) Register(r *chi.Mux) {
	r.Post("/reserve", h.reserve)
	r.Post("/release", h.release)
}

type reserveReq struct {
	UnitID   string `json:"unit_id"`
	Quantity int    `json:"quantity"`
}

type reserveResp struct {
	Success   bool   `json:"success"`
	Remaining int    `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

func (h *ReservationsHandler) reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Inventory.Reserve(ctx, req.UnitID, req.Quantity)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, inventory.ErrInvalidQuantity) {
			status = http.StatusBadRequest
		}
		if errors.Is(err, inventory.ErrUnitNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	code := http.StatusOK
	switch {
	case res.OK:
	case res.Reason == inventory.ReasonBusy:
		// transient: the caller should retry with backoff
		w.Header().Set("Retry-After", "1")
		code = http.StatusServiceUnavailable
	default:
		code = http.StatusConflict
	}
	writeJSON(w, code, reserveResp{Success: res.OK, Remaining: res.Remaining, Reason: res.Reason})
}

func (h *ReservationsHandler) release(w http.ResponseWriter, r *http.Request) {
	var req reserveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Inventory.Release(ctx, req.UnitID, req.Quantity); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, inventory.ErrInvalidQuantity):
			status = http.StatusBadRequest
		case errors.Is(err, inventory.ErrUnitNotFound):
			status = http.StatusNotFound
		case errors.Is(err, inventory.ErrBusy):
			w.Header().Set("Retry-After", "1")
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
