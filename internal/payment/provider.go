package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type ProviderStatus string

const (
	ProviderPaid     ProviderStatus = "paid"
	ProviderUnpaid   ProviderStatus = "unpaid"
	ProviderNotFound ProviderStatus = "not_found"
)

// ProviderPayment is the provider's authoritative view of one payment.
type ProviderPayment struct {
	Reference   string
	Status      ProviderStatus
	AmountCents int64
	Currency    string
}

// Provider answers "what does the payment provider say about this
// reference right now". Both the completion handler and the
// reconciliation sweep re-query through it rather than trusting callbacks.
type Provider interface {
	GetPayment(ctx context.Context, ref string) (ProviderPayment, error)
}

// HTTPProvider queries the provider's REST API.
type HTTPProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPProvider) GetPayment(ctx context.Context, ref string) (ProviderPayment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/v1/payments/"+ref, nil)
	if err != nil {
		return ProviderPayment{}, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return ProviderPayment{}, fmt.Errorf("query provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ProviderPayment{Reference: ref, Status: ProviderNotFound}, nil
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return ProviderPayment{}, fmt.Errorf("provider returned %d for %s: %w", resp.StatusCode, ref, ErrProviderUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return ProviderPayment{}, fmt.Errorf("provider returned %d for %s", resp.StatusCode, ref)
	}

	var body struct {
		Status      string `json:"status"`
		AmountCents int64  `json:"amount_cents"`
		Currency    string `json:"currency"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ProviderPayment{}, fmt.Errorf("decode provider response: %w", err)
	}

	out := ProviderPayment{Reference: ref, AmountCents: body.AmountCents, Currency: body.Currency}
	switch body.Status {
	case "paid", "succeeded", "complete":
		out.Status = ProviderPaid
	default:
		out.Status = ProviderUnpaid
	}
	return out, nil
}

var ErrProviderUnavailable = errors.New("payment provider unavailable")
