package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkusnadi/go-ticket-ledger/internal/boost"
	"github.com/mkusnadi/go-ticket-ledger/internal/reconcile"
)

// ReconcileHandler exposes the scheduled sweeps as a manual trigger. Per-
// order failures come back inside the summary; the endpoint itself never
// fails because of them.
type ReconcileHandler struct {
	Sweeper *reconcile.Sweeper
	Expirer *boost.Expirer
}

func (h *ReconcileHandler) Register(r *chi.Mux) {
	r.Post("/reconcile", h.reconcile)
}

type reconcileResp struct {
	Orders      reconcile.Summary `json:"orders"`
	Allocations boost.Summary     `json:"allocations"`
}

func (h *ReconcileHandler) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var resp reconcileResp

	orderSum, err := h.Sweeper.RunOnce(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	resp.Orders = orderSum

	allocSum, err := h.Expirer.RunOnce(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	resp.Allocations = allocSum

	writeJSON(w, http.StatusOK, resp)
}
