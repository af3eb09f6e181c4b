package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mkusnadi/go-ticket-ledger/internal/clock"
	"github.com/mkusnadi/go-ticket-ledger/internal/inventory"
	"github.com/mkusnadi/go-ticket-ledger/internal/orders"
	"github.com/mkusnadi/go-ticket-ledger/internal/redisx"
)

const defaultHoldTTL = 30 * time.Minute

type OrdersHandler struct {
	Repo      *orders.Repo
	Inventory *inventory.Service
	Redis     *redis.Client
	Clock     clock.Clock
	HoldTTL   time.Duration
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
}

type orderItemReq struct {
	UnitID         string `json:"unit_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type createOrderReq struct {
	OwnerID            string         `json:"owner_id"`
	ExternalSessionRef string         `json:"external_session_ref"`
	Currency           string         `json:"currency"`
	Items              []orderItemReq `json:"items"`
}

type createOrderResp struct {
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Idempotent  bool   `json:"idempotent"`
}

// createOrder reserves capacity for every item, then records the pending
// order. The hold carries an expiry; if payment never confirms, the
// reconciliation sweep releases it.
func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.OwnerID == "" || len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}
	if req.Currency == "" {
		req.Currency = "EUR"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	// Hold capacity item by item; on any failure, put back what was taken.
	var held []orderItemReq
	rollback := func() {
		for _, it := range held {
			_ = h.Inventory.Release(ctx, it.UnitID, it.Quantity)
		}
	}
	for _, it := range req.Items {
		res, err := h.Inventory.Reserve(ctx, it.UnitID, it.Quantity)
		if err != nil {
			rollback()
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if !res.OK {
			rollback()
			code := http.StatusConflict
			if res.Reason == inventory.ReasonBusy {
				w.Header().Set("Retry-After", "1")
				code = http.StatusServiceUnavailable
			}
			writeJSON(w, code, map[string]string{"error": res.Reason, "unit_id": it.UnitID})
			return
		}
		held = append(held, it)
	}

	var amount int64
	units := make([]orders.OrderUnit, 0, len(req.Items))
	for _, it := range req.Items {
		amount += it.UnitPriceCents * int64(it.Quantity)
		units = append(units, orders.OrderUnit{
			UnitID: it.UnitID, Quantity: it.Quantity, UnitPriceCents: it.UnitPriceCents,
		})
	}

	holdTTL := h.HoldTTL
	if holdTTL <= 0 {
		holdTTL = defaultHoldTTL
	}
	expires := h.Clock.Now().Add(holdTTL)
	o := orders.Order{
		ID:                 uuid.NewString(),
		OwnerID:            req.OwnerID,
		ExternalSessionRef: req.ExternalSessionRef,
		AmountCents:        amount,
		Currency:           req.Currency,
		HoldExpiresAt:      &expires,
	}

	created, existed, err := h.Repo.CreateOrder(ctx, o, units)
	if err != nil {
		rollback()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if existed {
		// Retried checkout: the earlier order already holds this capacity.
		rollback()
	}

	statusKey := fmt.Sprintf(redisx.KeyOrderStatus, created.ID)
	_ = h.Redis.Set(ctx, statusKey, `{"status":"pending"}`, redisx.TTLStatusCache).Err()

	writeJSON(w, http.StatusCreated, createOrderResp{
		OrderID: created.ID, AmountCents: created.AmountCents, Idempotent: existed,
	})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
		writeJSON(w, http.StatusOK, json.RawMessage(s))
		return
	}

	o, err := h.Repo.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	body, _ := json.Marshal(map[string]any{"status": o.Status})
	_ = h.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
