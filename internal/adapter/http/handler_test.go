package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/neomorfeo/entitleiq/internal/adapter/fsm"
	adapter "github.com/neomorfeo/entitleiq/internal/adapter/http"
	"github.com/neomorfeo/entitleiq/internal/adapter/paygate"
	"github.com/neomorfeo/entitleiq/internal/adapter/sqlite"
	"github.com/neomorfeo/entitleiq/internal/app"
	"github.com/neomorfeo/entitleiq/internal/domain"
)

// noopNotifier is a no-op Notifier for tests.
type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, domain.Notification) error { return nil }

// fakeCheckout serves pre-seeded checkout sessions.
type fakeCheckout struct {
	sessions map[string]domain.CheckoutSession
}

func (f *fakeCheckout) CreateSession(_ context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	return domain.CheckoutSession{
		Reference:    "cs_new",
		SubscriberID: req.SubscriberID,
		ProductID:    req.ProductID,
		Status:       domain.SessionOpen,
		CheckoutURL:  "https://pay.example/cs_new",
	}, nil
}

func (f *fakeCheckout) GetSession(_ context.Context, reference string) (domain.CheckoutSession, error) {
	s, ok := f.sessions[reference]
	if !ok {
		return domain.CheckoutSession{}, paygate.ErrSessionNotFound
	}
	return s, nil
}

type testServer struct {
	*httptest.Server
	verifier *paygate.Verifier
	checkout *fakeCheckout
}

// newTestServer wires the full stack over an in-memory database.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	checkout := &fakeCheckout{sessions: make(map[string]domain.CheckoutSession)}
	repo := sqlite.NewEntitlementRepository(db, app.GenerateID)
	products := sqlite.NewProductRepository(db)

	svc := app.NewEntitlementService(repo, products, fsm.New(), noopNotifier{}, checkout)
	productSvc := app.NewProductService(products)

	verifier := paygate.NewVerifier("whsec_test")

	router := chi.NewMux()
	api := humachi.New(router, huma.DefaultConfig("entitleiq", "0.1.0"))
	adapter.Register(api, svc, productSvc, verifier)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, verifier: verifier, checkout: checkout}
}

// doRequest performs an HTTP request with optional extra headers.
func doRequest(t *testing.T, method, url, body string, headers map[string]string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, reader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

// postEvent signs and delivers a processor event to the webhook endpoint.
func (s *testServer) postEvent(t *testing.T, payload string) *http.Response {
	t.Helper()
	return doRequest(t, http.MethodPost, s.URL+"/api/v1/billing/events", payload, map[string]string{
		"X-Processor-Signature": s.verifier.Sign([]byte(payload)),
	})
}

func paymentPayload(eventID, subscriber, product, subscription, occurredAt string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"type": "payment.succeeded",
		"created_at": %q,
		"data": {"subscriber_id": %q, "product_id": %q, "subscription_id": %q}
	}`, eventID, occurredAt, subscriber, product, subscription)
}

func mustCreateProduct(t *testing.T, srv *testServer) adapter.ProductResponse {
	t.Helper()

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/products",
		`{"name": "Trend Rider", "version": "2.1", "author": "alice", "price_cents": 4900, "renewal_days": 30, "file_key": "ea/trend-rider.ex5"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("creating product: status = %d", resp.StatusCode)
	}

	var p adapter.ProductResponse
	decodeBody(t, resp, &p)
	return p
}

// --- Webhook ---

func TestWebhook_ActivatesEntitlement(t *testing.T) {
	srv := newTestServer(t)
	product := mustCreateProduct(t, srv)

	occurredAt := time.Now().UTC().Format(time.RFC3339)
	resp := srv.postEvent(t, paymentPayload("evt_1", "sub-1", product.ID, "psub_1", occurredAt))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var ack struct {
		Received      bool   `json:"received"`
		EntitlementID string `json:"entitlement_id"`
		State         string `json:"state"`
	}
	decodeBody(t, resp, &ack)

	if !ack.Received {
		t.Error("received = false, want true")
	}
	if ack.State != "active" {
		t.Errorf("state = %q, want %q", ack.State, "active")
	}
	if ack.EntitlementID == "" {
		t.Error("entitlement_id should be set")
	}

	// Access opens up immediately.
	access := doRequest(t, http.MethodGet, srv.URL+"/api/v1/access/"+product.ID, "",
		map[string]string{"X-Subscriber-ID": "sub-1"})
	defer access.Body.Close()
	if access.StatusCode != http.StatusOK {
		t.Errorf("access status = %d, want %d", access.StatusCode, http.StatusOK)
	}
}

func TestWebhook_BadSignature(t *testing.T) {
	srv := newTestServer(t)

	payload := paymentPayload("evt_1", "sub-1", "prod-1", "psub_1", "2026-03-01T09:00:00Z")
	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/billing/events", payload, map[string]string{
		"X-Processor-Signature": "deadbeef",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestWebhook_IrrelevantEventIgnored(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.postEvent(t, `{"id": "evt_1", "type": "invoice.finalized", "created_at": "2026-03-01T09:00:00Z"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var ack struct {
		Ignored bool `json:"ignored"`
	}
	decodeBody(t, resp, &ack)
	if !ack.Ignored {
		t.Error("ignored = false, want true")
	}
}

func TestWebhook_MalformedEvent(t *testing.T) {
	srv := newTestServer(t)

	// Relevant type but no event id.
	resp := srv.postEvent(t, `{"type": "payment.succeeded", "created_at": "2026-03-01T09:00:00Z"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestWebhook_RedeliverySameOutcome(t *testing.T) {
	srv := newTestServer(t)
	product := mustCreateProduct(t, srv)

	payload := paymentPayload("evt_1", "sub-1", product.ID, "psub_1", time.Now().UTC().Format(time.RFC3339))

	first := srv.postEvent(t, payload)
	first.Body.Close()
	second := srv.postEvent(t, payload)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("redelivery status = %d, want %d", second.StatusCode, http.StatusOK)
	}

	var ack struct {
		State string `json:"state"`
	}
	decodeBody(t, second, &ack)
	if ack.State != "active" {
		t.Errorf("state = %q, want %q", ack.State, "active")
	}
}

func TestWebhook_UnresolvableReference(t *testing.T) {
	srv := newTestServer(t)

	// A payment failure for a subscription nobody has heard of.
	resp := srv.postEvent(t, `{
		"id": "evt_1",
		"type": "payment.failed",
		"created_at": "2026-03-01T09:00:00Z",
		"data": {"subscription_id": "psub_ghost"}
	}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnprocessableEntity)
	}
}

// --- Access gate ---

func TestAccess_NoEntitlement(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/access/prod-1", "",
		map[string]string{"X-Subscriber-ID": "sub-1"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestAccess_MissingIdentity(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/access/prod-1", "", nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestAccess_ExpiredIsGone(t *testing.T) {
	srv := newTestServer(t)
	product := mustCreateProduct(t, srv)

	// Activation far enough in the past that the 30-day term has lapsed.
	past := time.Now().UTC().Add(-45 * 24 * time.Hour).Format(time.RFC3339)
	resp := srv.postEvent(t, paymentPayload("evt_1", "sub-1", product.ID, "psub_1", past))
	resp.Body.Close()

	access := doRequest(t, http.MethodGet, srv.URL+"/api/v1/access/"+product.ID, "",
		map[string]string{"X-Subscriber-ID": "sub-1"})
	defer access.Body.Close()

	if access.StatusCode != http.StatusGone {
		t.Errorf("status = %d, want %d (lapsed term answers 410)", access.StatusCode, http.StatusGone)
	}
}

func TestAccess_CancelledIsForbidden(t *testing.T) {
	srv := newTestServer(t)
	product := mustCreateProduct(t, srv)

	now := time.Now().UTC()
	resp := srv.postEvent(t, paymentPayload("evt_1", "sub-1", product.ID, "psub_1", now.Format(time.RFC3339)))
	resp.Body.Close()

	cancel := srv.postEvent(t, fmt.Sprintf(`{
		"id": "evt_2",
		"type": "subscription.cancelled",
		"created_at": %q,
		"data": {"subscription_id": "psub_1"}
	}`, now.Add(time.Minute).Format(time.RFC3339)))
	cancel.Body.Close()

	access := doRequest(t, http.MethodGet, srv.URL+"/api/v1/access/"+product.ID, "",
		map[string]string{"X-Subscriber-ID": "sub-1"})
	defer access.Body.Close()

	if access.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", access.StatusCode, http.StatusForbidden)
	}
}

// --- Purchases and callback ---

func TestInitiatePurchase(t *testing.T) {
	srv := newTestServer(t)
	product := mustCreateProduct(t, srv)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/purchases",
		fmt.Sprintf(`{"product_id": %q, "account_reference": "acct-7", "email": "buyer@example.com"}`, product.ID),
		map[string]string{"X-Subscriber-ID": "sub-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var out struct {
		Entitlement adapter.EntitlementResponse `json:"entitlement"`
		CheckoutURL string                      `json:"checkout_url"`
	}
	decodeBody(t, resp, &out)

	if out.Entitlement.State != "pending" {
		t.Errorf("state = %q, want %q", out.Entitlement.State, "pending")
	}
	if out.CheckoutURL == "" {
		t.Error("checkout_url should not be empty")
	}
}

func TestInitiatePurchase_UnknownProduct(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/purchases",
		`{"product_id": "prod-ghost"}`, map[string]string{"X-Subscriber-ID": "sub-1"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestCallback_CompletesPurchase(t *testing.T) {
	srv := newTestServer(t)
	product := mustCreateProduct(t, srv)

	srv.checkout.sessions["cs_1"] = domain.CheckoutSession{
		Reference:      "cs_1",
		SubscriberID:   "sub-1",
		ProductID:      product.ID,
		SubscriptionID: "psub_1",
		Status:         domain.SessionCompleted,
		Email:          "buyer@example.com",
		CompletedAt:    time.Now().UTC(),
	}

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/billing/callback",
		`{"session_reference": "cs_1"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var ent adapter.EntitlementResponse
	decodeBody(t, resp, &ent)

	if ent.State != "active" {
		t.Errorf("state = %q, want %q", ent.State, "active")
	}
	if ent.SubscriptionID != "psub_1" {
		t.Errorf("subscription_id = %q, want %q", ent.SubscriptionID, "psub_1")
	}
}

func TestCallback_IncompleteSession(t *testing.T) {
	srv := newTestServer(t)
	srv.checkout.sessions["cs_1"] = domain.CheckoutSession{
		Reference:    "cs_1",
		SubscriberID: "sub-1",
		ProductID:    "prod-1",
		Status:       domain.SessionOpen,
	}

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/billing/callback",
		`{"session_reference": "cs_1"}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
}

func TestCallback_UnknownSession(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/billing/callback",
		`{"session_reference": "cs_ghost"}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

// --- Entitlement list ---

func TestListEntitlements(t *testing.T) {
	srv := newTestServer(t)
	product := mustCreateProduct(t, srv)

	resp := srv.postEvent(t, paymentPayload("evt_1", "sub-1", product.ID, "psub_1", time.Now().UTC().Format(time.RFC3339)))
	resp.Body.Close()

	list := doRequest(t, http.MethodGet, srv.URL+"/api/v1/entitlements", "",
		map[string]string{"X-Subscriber-ID": "sub-1"})
	if list.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", list.StatusCode, http.StatusOK)
	}

	var ents []adapter.EntitlementResponse
	decodeBody(t, list, &ents)

	if len(ents) != 1 {
		t.Fatalf("got %d entitlements, want 1", len(ents))
	}
	if ents[0].State != "active" {
		t.Errorf("state = %q, want %q", ents[0].State, "active")
	}
}

// --- Products ---

func TestProducts_CRUD(t *testing.T) {
	srv := newTestServer(t)
	product := mustCreateProduct(t, srv)

	get := doRequest(t, http.MethodGet, srv.URL+"/api/v1/products/"+product.ID, "", nil)
	if get.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want %d", get.StatusCode, http.StatusOK)
	}
	var got adapter.ProductResponse
	decodeBody(t, get, &got)
	if got.Name != "Trend Rider" {
		t.Errorf("name = %q, want %q", got.Name, "Trend Rider")
	}

	update := doRequest(t, http.MethodPut, srv.URL+"/api/v1/products/"+product.ID,
		`{"name": "Trend Rider Pro", "price_cents": 5900, "renewal_days": 30}`, nil)
	if update.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want %d", update.StatusCode, http.StatusOK)
	}
	decodeBody(t, update, &got)
	if got.Name != "Trend Rider Pro" {
		t.Errorf("updated name = %q, want %q", got.Name, "Trend Rider Pro")
	}

	del := doRequest(t, http.MethodDelete, srv.URL+"/api/v1/products/"+product.ID, "", nil)
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", del.StatusCode, http.StatusNoContent)
	}

	gone := doRequest(t, http.MethodGet, srv.URL+"/api/v1/products/"+product.ID, "", nil)
	gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Errorf("status after delete = %d, want %d", gone.StatusCode, http.StatusNotFound)
	}
}

func TestProducts_List(t *testing.T) {
	srv := newTestServer(t)
	mustCreateProduct(t, srv)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/products?author=alice", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var list []adapter.ProductResponse
	decodeBody(t, resp, &list)
	if len(list) != 1 {
		t.Errorf("got %d products, want 1", len(list))
	}
}
