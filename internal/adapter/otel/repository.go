package otel

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomorfeo/entitleiq/internal/domain"
)

const tracerName = "github.com/neomorfeo/entitleiq/internal/adapter/otel"

// TracingRepository wraps a domain.EntitlementRepository with
// OpenTelemetry tracing. Each method creates a span with semantic
// attributes and records errors. Version conflicts are recorded as
// events, not errors: they are expected under concurrent reconciliation.
type TracingRepository struct {
	next   domain.EntitlementRepository
	tracer trace.Tracer
}

// Compile-time check: TracingRepository implements the domain port.
var _ domain.EntitlementRepository = (*TracingRepository)(nil)

// NewTracingRepository creates a tracing decorator around the given repository.
func NewTracingRepository(next domain.EntitlementRepository) *TracingRepository {
	return &TracingRepository{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (r *TracingRepository) FindOrCreate(ctx context.Context, subscriberID, productID, accountRef, email string) (domain.Entitlement, error) {
	ctx, span := r.tracer.Start(ctx, "EntitlementRepository.FindOrCreate",
		trace.WithAttributes(
			attribute.String("entitlement.subscriber_id", subscriberID),
			attribute.String("entitlement.product_id", productID),
		),
	)
	defer span.End()

	e, err := r.next.FindOrCreate(ctx, subscriberID, productID, accountRef, email)
	r.record(span, err)
	return e, err
}

func (r *TracingRepository) Get(ctx context.Context, subscriberID, productID string) (domain.Entitlement, error) {
	ctx, span := r.tracer.Start(ctx, "EntitlementRepository.Get",
		trace.WithAttributes(
			attribute.String("entitlement.subscriber_id", subscriberID),
			attribute.String("entitlement.product_id", productID),
		),
	)
	defer span.End()

	e, err := r.next.Get(ctx, subscriberID, productID)
	r.record(span, err)
	return e, err
}

func (r *TracingRepository) GetByID(ctx context.Context, id string) (domain.Entitlement, error) {
	ctx, span := r.tracer.Start(ctx, "EntitlementRepository.GetByID",
		trace.WithAttributes(attribute.String("entitlement.id", id)),
	)
	defer span.End()

	e, err := r.next.GetByID(ctx, id)
	r.record(span, err)
	return e, err
}

func (r *TracingRepository) GetBySubscriptionID(ctx context.Context, subscriptionID string) (domain.Entitlement, error) {
	ctx, span := r.tracer.Start(ctx, "EntitlementRepository.GetBySubscriptionID",
		trace.WithAttributes(attribute.String("entitlement.subscription_id", subscriptionID)),
	)
	defer span.End()

	e, err := r.next.GetBySubscriptionID(ctx, subscriptionID)
	r.record(span, err)
	return e, err
}

func (r *TracingRepository) UpdateCAS(ctx context.Context, e domain.Entitlement) (domain.Entitlement, error) {
	ctx, span := r.tracer.Start(ctx, "EntitlementRepository.UpdateCAS",
		trace.WithAttributes(
			attribute.String("entitlement.id", e.ID),
			attribute.String("entitlement.state", string(e.State)),
			attribute.Int64("entitlement.version", e.Version),
		),
	)
	defer span.End()

	updated, err := r.next.UpdateCAS(ctx, e)
	if errors.Is(err, domain.ErrVersionConflict) {
		span.AddEvent("version conflict")
		return updated, err
	}
	r.record(span, err)
	return updated, err
}

func (r *TracingRepository) ListBySubscriber(ctx context.Context, subscriberID string) ([]domain.Entitlement, error) {
	ctx, span := r.tracer.Start(ctx, "EntitlementRepository.ListBySubscriber",
		trace.WithAttributes(attribute.String("entitlement.subscriber_id", subscriberID)),
	)
	defer span.End()

	out, err := r.next.ListBySubscriber(ctx, subscriberID)
	if err != nil {
		r.record(span, err)
	} else {
		span.SetAttributes(attribute.Int("result.count", len(out)))
	}
	return out, err
}

func (r *TracingRepository) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]domain.Entitlement, error) {
	ctx, span := r.tracer.Start(ctx, "EntitlementRepository.ListExpiringBetween",
		trace.WithAttributes(
			attribute.String("window.from", from.Format(time.RFC3339)),
			attribute.String("window.to", to.Format(time.RFC3339)),
		),
	)
	defer span.End()

	out, err := r.next.ListExpiringBetween(ctx, from, to)
	if err != nil {
		r.record(span, err)
	} else {
		span.SetAttributes(attribute.Int("result.count", len(out)))
	}
	return out, err
}

func (r *TracingRepository) ListLapsed(ctx context.Context, asOf time.Time) ([]domain.Entitlement, error) {
	ctx, span := r.tracer.Start(ctx, "EntitlementRepository.ListLapsed",
		trace.WithAttributes(attribute.String("window.as_of", asOf.Format(time.RFC3339))),
	)
	defer span.End()

	out, err := r.next.ListLapsed(ctx, asOf)
	if err != nil {
		r.record(span, err)
	} else {
		span.SetAttributes(attribute.Int("result.count", len(out)))
	}
	return out, err
}

func (r *TracingRepository) record(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
