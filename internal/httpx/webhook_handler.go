package httpx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mkusnadi/go-ticket-ledger/internal/clock"
	kafkax "github.com/mkusnadi/go-ticket-ledger/internal/kafka"
	"github.com/mkusnadi/go-ticket-ledger/internal/orders"
)

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Deduper records externally-issued event ids exactly once.
type Deduper interface {
	MarkProcessed(ctx context.Context, eventID, eventType string) (already bool, err error)
}

// WebhookHandler receives provider callbacks. It answers 200 as soon as
// the event is durably recorded in the idempotency guard; the actual order
// completion happens on the worker consuming payment.received, so the
// provider never retries a delivered event because downstream was slow.
type WebhookHandler struct {
	Guard    Deduper
	Producer Publisher
	Clock    clock.Clock
	Secret   string
	Service  string
	Log      *zap.Logger
}

func (h *WebhookHandler) Register(r *chi.Mux) {
	r.Post("/webhooks/payment", h.handle)
}

type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		OrderID     string `json:"order_id"`
		PaymentRef  string `json:"payment_ref"`
		AmountCents int64  `json:"amount_cents"`
		Currency    string `json:"currency"`
	} `json:"data"`
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}

	if !h.verifySignature(body, r.Header.Get("X-Webhook-Signature")) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad signature"})
		return
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// First action, before any order or inventory mutation. Duplicates are
	// inert no matter how many workers see them or in what order.
	already, err := h.Guard.MarkProcessed(ctx, ev.ID, ev.Type)
	if err != nil {
		// Not recorded durably; let the provider retry.
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "not recorded"})
		return
	}
	if already {
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
		return
	}

	env := orders.Envelope{
		EventID:       ev.ID,
		EventType:     orders.EventPaymentReceived,
		EventVersion:  1,
		OccurredAt:    h.Clock.Now(),
		Producer:      h.Service,
		TraceID:       r.Header.Get("X-Request-Id"),
		CorrelationID: ev.Data.OrderID,
		Payload: kafkax.MustMarshal(orders.PaymentReceivedPayload{
			OrderID:     ev.Data.OrderID,
			PaymentRef:  ev.Data.PaymentRef,
			AmountCents: ev.Data.AmountCents,
			Currency:    ev.Data.Currency,
		}),
	}
	h.Producer.Publish(orders.PartitionKey(ev.Data.OrderID), kafkax.MustMarshal(env),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventPaymentReceived)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)

	h.Log.Info("payment event recorded",
		zap.String("event_id", ev.ID), zap.String("event_type", ev.Type), zap.String("order_id", ev.Data.OrderID))
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func (h *WebhookHandler) verifySignature(body []byte, sig string) bool {
	if h.Secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	wantBytes, _ := hex.DecodeString(want)
	return hmac.Equal(sigBytes, wantBytes)
}
