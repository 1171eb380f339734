package paygate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/neomorfeo/entitleiq/internal/domain"
)

// ErrSessionNotFound is returned when the processor knows no session for
// the given reference.
var ErrSessionNotFound = errors.New("checkout session not found")

// Compile-time check: Client implements domain.CheckoutClient.
var _ domain.CheckoutClient = (*Client)(nil)

// Client talks to the payment processor's checkout-session API. It is
// constructed once at startup and injected; there is no package-level
// client handle.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a checkout client for the given API endpoint.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type sessionPayload struct {
	Reference      string    `json:"reference"`
	SubscriberID   string    `json:"subscriber_id"`
	ProductID      string    `json:"product_id"`
	ProductName    string    `json:"product_name,omitempty"`
	PriceCents     int64     `json:"price_cents,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	Email          string    `json:"email,omitempty"`
	CheckoutURL    string    `json:"checkout_url,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitzero"`
}

// CreateSession opens a checkout session for a purchase. The generated
// reference doubles as the processor-side idempotency key, so retrying a
// failed initiation cannot open two sessions.
func (c *Client) CreateSession(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	if req.Reference == "" {
		req.Reference = uuid.NewString()
	}

	body, err := json.Marshal(sessionPayload{
		Reference:    req.Reference,
		SubscriberID: req.SubscriberID,
		ProductID:    req.ProductID,
		ProductName:  req.ProductName,
		PriceCents:   req.PriceCents,
		Email:        req.Email,
	})
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("encoding session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/checkout/sessions", bytes.NewReader(body))
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("creating session request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.Reference)

	return c.do(httpReq)
}

// GetSession resolves a session reference, typically when the buyer's
// browser returns from the processor's checkout page.
func (c *Client) GetSession(ctx context.Context, reference string) (domain.CheckoutSession, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/checkout/sessions/"+reference, nil)
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("creating session request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) (domain.CheckoutSession, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.CheckoutSession{}, &domain.TransientError{Err: fmt.Errorf("processor request: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.CheckoutSession{}, ErrSessionNotFound
	case resp.StatusCode >= 500:
		return domain.CheckoutSession{}, &domain.TransientError{Err: fmt.Errorf("processor returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return domain.CheckoutSession{}, fmt.Errorf("processor rejected request with %d", resp.StatusCode)
	}

	var p sessionPayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("decoding session response: %w", err)
	}

	return domain.CheckoutSession{
		Reference:      p.Reference,
		SubscriberID:   p.SubscriberID,
		ProductID:      p.ProductID,
		SubscriptionID: p.SubscriptionID,
		Status:         p.Status,
		Email:          p.Email,
		CheckoutURL:    p.CheckoutURL,
		CompletedAt:    p.CompletedAt,
	}, nil
}
