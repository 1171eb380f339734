package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/neomorfeo/entitleiq/internal/adapter/paygate"
	"github.com/neomorfeo/entitleiq/internal/app"
	"github.com/neomorfeo/entitleiq/internal/domain"
)

// SignatureVerifier checks webhook payload signatures before any
// reconciliation is attempted.
type SignatureVerifier interface {
	Verify(payload []byte, signature string) error
}

const timeFormat = "2006-01-02T15:04:05Z"

// EntitlementResponse is the API representation of an entitlement.
type EntitlementResponse struct {
	ID               string  `json:"id" doc:"Unique identifier"`
	SubscriberID     string  `json:"subscriber_id" doc:"Owner of the entitlement"`
	ProductID        string  `json:"product_id" doc:"Product the entitlement covers"`
	State            string  `json:"state" doc:"Lifecycle state"`
	AccountReference string  `json:"account_reference,omitempty" doc:"Buyer-supplied trading account id"`
	SubscriptionID   string  `json:"subscription_id,omitempty" doc:"Processor subscription id"`
	ActivatedAt      *string `json:"activated_at,omitempty" doc:"First successful payment (ISO 8601)"`
	ExpiresAt        *string `json:"expires_at,omitempty" doc:"End of the paid term (ISO 8601)"`
	CreatedAt        string  `json:"created_at" doc:"Creation timestamp (ISO 8601)"`
	UpdatedAt        string  `json:"updated_at" doc:"Last update timestamp (ISO 8601)"`
}

func toEntitlementResponse(e domain.Entitlement) EntitlementResponse {
	return EntitlementResponse{
		ID:               e.ID,
		SubscriberID:     e.SubscriberID,
		ProductID:        e.ProductID,
		State:            string(e.State),
		AccountReference: e.AccountReference,
		SubscriptionID:   e.SubscriptionID,
		ActivatedAt:      formatTime(e.ActivatedAt),
		ExpiresAt:        formatTime(e.ExpiresAt),
		CreatedAt:        e.CreatedAt.Format(timeFormat),
		UpdatedAt:        e.UpdatedAt.Format(timeFormat),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(timeFormat)
	return &s
}

// ProductResponse is the API representation of a product.
type ProductResponse struct {
	ID          string `json:"id" doc:"Unique identifier"`
	Name        string `json:"name" doc:"Display name"`
	Description string `json:"description,omitempty" doc:"Long description"`
	Version     string `json:"version,omitempty" doc:"Release version"`
	Author      string `json:"author,omitempty" doc:"Author name"`
	PriceCents  int64  `json:"price_cents" doc:"Subscription price per term, in cents"`
	RenewalDays int    `json:"renewal_days" doc:"Billing term length in days"`
	FileKey     string `json:"file_key,omitempty" doc:"Storage key of the deliverable"`
	CreatedAt   string `json:"created_at" doc:"Creation timestamp (ISO 8601)"`
	UpdatedAt   string `json:"updated_at" doc:"Last update timestamp (ISO 8601)"`
}

func toProductResponse(p domain.Product) ProductResponse {
	return ProductResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Version:     p.Version,
		Author:      p.Author,
		PriceCents:  p.PriceCents,
		RenewalDays: p.RenewalDays,
		FileKey:     p.FileKey,
		CreatedAt:   p.CreatedAt.Format(timeFormat),
		UpdatedAt:   p.UpdatedAt.Format(timeFormat),
	}
}

// --- Webhook ingress ---

type WebhookInput struct {
	Signature string `header:"X-Processor-Signature" doc:"Hex HMAC-SHA256 of the body"`
	RawBody   []byte
}

type WebhookAck struct {
	Received      bool   `json:"received" doc:"Always true on acceptance"`
	Ignored       bool   `json:"ignored,omitempty" doc:"True for event types this system does not act on"`
	EntitlementID string `json:"entitlement_id,omitempty" doc:"Entitlement the event applied to"`
	State         string `json:"state,omitempty" doc:"Resulting lifecycle state"`
}

type WebhookOutput struct {
	Body WebhookAck
}

// --- Purchase callback ---

type CallbackInput struct {
	Body struct {
		SessionReference string `json:"session_reference" minLength:"1" doc:"Checkout session reference from the processor redirect"`
	}
}

type CallbackOutput struct {
	Body EntitlementResponse
}

// --- Purchase initiation ---

type InitiatePurchaseInput struct {
	SubscriberID string `header:"X-Subscriber-ID" doc:"Authenticated subscriber"`
	Body         struct {
		ProductID        string `json:"product_id" minLength:"1" doc:"Product to purchase"`
		AccountReference string `json:"account_reference,omitempty" doc:"Trading account id the license is bound to"`
		Email            string `json:"email,omitempty" format:"email" doc:"Where to send the delivery email"`
	}
}

type InitiatePurchaseOutput struct {
	Body struct {
		Entitlement EntitlementResponse `json:"entitlement"`
		CheckoutURL string              `json:"checkout_url" doc:"Processor page to complete payment at"`
	}
}

// --- Access gate ---

type CheckAccessInput struct {
	SubscriberID string `header:"X-Subscriber-ID" doc:"Authenticated subscriber"`
	ProductID    string `path:"productID" doc:"Product ID"`
}

type CheckAccessOutput struct {
	Body struct {
		Granted   bool    `json:"granted"`
		ExpiresAt *string `json:"expires_at,omitempty" doc:"End of the paid term (ISO 8601)"`
	}
}

// denialStatus maps access-gate denial reasons to HTTP statuses. Expired
// subscriptions answer 410 Gone so trading clients can distinguish a
// lapsed license from a missing one.
var denialStatus = map[domain.DenialReason]int{
	domain.DenialNoEntitlement: http.StatusNotFound,
	domain.DenialNotYetActive:  http.StatusForbidden,
	domain.DenialCancelled:     http.StatusForbidden,
	domain.DenialExpired:       http.StatusGone,
}

// --- Entitlement list ---

type ListEntitlementsInput struct {
	SubscriberID string `header:"X-Subscriber-ID" doc:"Authenticated subscriber"`
}

type ListEntitlementsOutput struct {
	Body []EntitlementResponse
}

// --- Product CRUD ---

type CreateProductInput struct {
	Body struct {
		Name        string `json:"name" minLength:"1" maxLength:"255" doc:"Display name"`
		Description string `json:"description,omitempty" doc:"Long description"`
		Version     string `json:"version,omitempty" maxLength:"50" doc:"Release version"`
		Author      string `json:"author,omitempty" maxLength:"100" doc:"Author name"`
		PriceCents  int64  `json:"price_cents,omitempty" minimum:"0" doc:"Subscription price per term, in cents"`
		RenewalDays int    `json:"renewal_days,omitempty" default:"30" minimum:"1" doc:"Billing term length in days"`
		FileKey     string `json:"file_key,omitempty" doc:"Storage key of the deliverable"`
	}
}

type CreateProductOutput struct {
	Body ProductResponse
}

type GetProductInput struct {
	ID string `path:"id" doc:"Product ID"`
}

type GetProductOutput struct {
	Body ProductResponse
}

type ListProductsInput struct {
	Author string `query:"author" required:"false" doc:"Filter by author"`
	Limit  int    `query:"limit" required:"false" default:"50" doc:"Max results"`
	Offset int    `query:"offset" required:"false" default:"0" doc:"Pagination offset"`
}

type ListProductsOutput struct {
	Body []ProductResponse
}

type UpdateProductInput struct {
	ID   string `path:"id" doc:"Product ID"`
	Body struct {
		Name        string `json:"name" minLength:"1" maxLength:"255" doc:"Display name"`
		Description string `json:"description,omitempty" doc:"Long description"`
		Version     string `json:"version,omitempty" maxLength:"50" doc:"Release version"`
		Author      string `json:"author,omitempty" maxLength:"100" doc:"Author name"`
		PriceCents  int64  `json:"price_cents,omitempty" minimum:"0" doc:"Subscription price per term, in cents"`
		RenewalDays int    `json:"renewal_days,omitempty" minimum:"1" doc:"Billing term length in days"`
		FileKey     string `json:"file_key,omitempty" doc:"Storage key of the deliverable"`
	}
}

type UpdateProductOutput struct {
	Body ProductResponse
}

type DeleteProductInput struct {
	ID string `path:"id" doc:"Product ID"`
}

type DeleteProductOutput struct{}

// Register adds all API routes to the Huma API.
func Register(api huma.API, svc *app.EntitlementService, products *app.ProductService, verify SignatureVerifier) {
	huma.Register(api, huma.Operation{
		OperationID: "processor-event",
		Method:      http.MethodPost,
		Path:        "/api/v1/billing/events",
		Summary:     "Ingest a payment processor event",
		Tags:        []string{"Billing"},
	}, func(ctx context.Context, input *WebhookInput) (*WebhookOutput, error) {
		if err := verify.Verify(input.RawBody, input.Signature); err != nil {
			return nil, huma.Error401Unauthorized("invalid signature")
		}

		ev, relevant, err := paygate.Normalize(input.RawBody)
		if err != nil {
			return nil, toHumaError(err)
		}
		if !relevant {
			return &WebhookOutput{Body: WebhookAck{Received: true, Ignored: true}}, nil
		}

		ent, err := svc.Reconcile(ctx, ev)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &WebhookOutput{Body: WebhookAck{
			Received:      true,
			EntitlementID: ent.ID,
			State:         string(ent.State),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purchase-callback",
		Method:      http.MethodPost,
		Path:        "/api/v1/billing/callback",
		Summary:     "Complete a purchase after the buyer returns from checkout",
		Tags:        []string{"Billing"},
	}, func(ctx context.Context, input *CallbackInput) (*CallbackOutput, error) {
		ent, err := svc.HandlePurchaseCallback(ctx, input.Body.SessionReference)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &CallbackOutput{Body: toEntitlementResponse(ent)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "initiate-purchase",
		Method:      http.MethodPost,
		Path:        "/api/v1/purchases",
		Summary:     "Start a purchase and open a checkout session",
		Tags:        []string{"Billing"},
	}, func(ctx context.Context, input *InitiatePurchaseInput) (*InitiatePurchaseOutput, error) {
		if input.SubscriberID == "" {
			return nil, huma.Error401Unauthorized("missing subscriber identity")
		}

		res, err := svc.InitiatePurchase(ctx, input.SubscriberID, input.Body.ProductID, input.Body.AccountReference, input.Body.Email)
		if err != nil {
			return nil, toHumaError(err)
		}

		out := &InitiatePurchaseOutput{}
		out.Body.Entitlement = toEntitlementResponse(res.Entitlement)
		out.Body.CheckoutURL = res.CheckoutURL
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-access",
		Method:      http.MethodGet,
		Path:        "/api/v1/access/{productID}",
		Summary:     "Check whether the subscriber may use a product",
		Tags:        []string{"Access"},
	}, func(ctx context.Context, input *CheckAccessInput) (*CheckAccessOutput, error) {
		if input.SubscriberID == "" {
			return nil, huma.Error401Unauthorized("missing subscriber identity")
		}

		decision, err := svc.CheckAccess(ctx, input.SubscriberID, input.ProductID)
		if err != nil {
			return nil, toHumaError(err)
		}

		if !decision.Granted {
			status, ok := denialStatus[decision.Reason]
			if !ok {
				status = http.StatusForbidden
			}
			return nil, huma.NewError(status, string(decision.Reason))
		}

		out := &CheckAccessOutput{}
		out.Body.Granted = true
		out.Body.ExpiresAt = formatTime(decision.ExpiresAt)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entitlements",
		Method:      http.MethodGet,
		Path:        "/api/v1/entitlements",
		Summary:     "List the subscriber's entitlements",
		Tags:        []string{"Access"},
	}, func(ctx context.Context, input *ListEntitlementsInput) (*ListEntitlementsOutput, error) {
		if input.SubscriberID == "" {
			return nil, huma.Error401Unauthorized("missing subscriber identity")
		}

		ents, err := svc.ListEntitlements(ctx, input.SubscriberID)
		if err != nil {
			return nil, toHumaError(err)
		}

		resp := make([]EntitlementResponse, len(ents))
		for i, e := range ents {
			resp[i] = toEntitlementResponse(e)
		}
		return &ListEntitlementsOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-product",
		Method:      http.MethodPost,
		Path:        "/api/v1/products",
		Summary:     "Create a new product",
		Tags:        []string{"Products"},
	}, func(ctx context.Context, input *CreateProductInput) (*CreateProductOutput, error) {
		p, err := products.Create(ctx, input.Body.Name, input.Body.Description, input.Body.Version,
			input.Body.Author, input.Body.PriceCents, input.Body.RenewalDays, input.Body.FileKey)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &CreateProductOutput{Body: toProductResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-product",
		Method:      http.MethodGet,
		Path:        "/api/v1/products/{id}",
		Summary:     "Get a product by ID",
		Tags:        []string{"Products"},
	}, func(ctx context.Context, input *GetProductInput) (*GetProductOutput, error) {
		p, err := products.GetByID(ctx, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &GetProductOutput{Body: toProductResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/api/v1/products",
		Summary:     "List products",
		Tags:        []string{"Products"},
	}, func(ctx context.Context, input *ListProductsInput) (*ListProductsOutput, error) {
		list, err := products.List(ctx, domain.ProductFilter{
			Author: input.Author,
			Limit:  input.Limit,
			Offset: input.Offset,
		})
		if err != nil {
			return nil, toHumaError(err)
		}

		resp := make([]ProductResponse, len(list))
		for i, p := range list {
			resp[i] = toProductResponse(p)
		}
		return &ListProductsOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-product",
		Method:      http.MethodPut,
		Path:        "/api/v1/products/{id}",
		Summary:     "Update a product",
		Tags:        []string{"Products"},
	}, func(ctx context.Context, input *UpdateProductInput) (*UpdateProductOutput, error) {
		p, err := products.Update(ctx, domain.Product{
			ID:          input.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Version:     input.Body.Version,
			Author:      input.Body.Author,
			PriceCents:  input.Body.PriceCents,
			RenewalDays: input.Body.RenewalDays,
			FileKey:     input.Body.FileKey,
		})
		if err != nil {
			return nil, toHumaError(err)
		}
		return &UpdateProductOutput{Body: toProductResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-product",
		Method:        http.MethodDelete,
		Path:          "/api/v1/products/{id}",
		Summary:       "Delete a product",
		Tags:          []string{"Products"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *DeleteProductInput) (*DeleteProductOutput, error) {
		if err := products.Delete(ctx, input.ID); err != nil {
			return nil, toHumaError(err)
		}
		return &DeleteProductOutput{}, nil
	})
}

// toHumaError translates domain errors to Huma HTTP errors. The webhook
// contract rides on the statuses: 503 invites the processor to
// redeliver, 4xx tells it to stop.
func toHumaError(err error) error {
	switch {
	case errors.Is(err, domain.ErrEntitlementNotFound):
		return huma.Error404NotFound("entitlement not found")
	case errors.Is(err, domain.ErrProductNotFound):
		return huma.Error404NotFound("product not found")
	case errors.Is(err, paygate.ErrSessionNotFound):
		return huma.Error404NotFound("checkout session not found")
	case errors.Is(err, domain.ErrSessionIncomplete):
		return huma.Error409Conflict("checkout session not completed")
	}

	var malformed *domain.MalformedEventError
	if errors.As(err, &malformed) {
		return huma.Error400BadRequest(malformed.Error())
	}

	var unresolvable *domain.UnresolvableReferenceError
	if errors.As(err, &unresolvable) {
		return huma.Error422UnprocessableEntity(unresolvable.Error())
	}

	var transition *domain.TransitionError
	if errors.As(err, &transition) {
		return huma.Error422UnprocessableEntity(transition.Error())
	}

	var subConflict *domain.SubscriptionConflictError
	if errors.As(err, &subConflict) {
		return huma.Error409Conflict(subConflict.Error())
	}

	var invariant *domain.InvariantViolationError
	if errors.As(err, &invariant) {
		return huma.Error500InternalServerError(invariant.Error())
	}

	var transient *domain.TransientError
	if errors.As(err, &transient) {
		return huma.Error503ServiceUnavailable("temporarily unable to process, retry later")
	}

	return huma.Error500InternalServerError("internal server error")
}
