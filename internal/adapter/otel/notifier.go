package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomorfeo/entitleiq/internal/domain"
)

// TracingNotifier wraps a domain.Notifier with OpenTelemetry tracing.
type TracingNotifier struct {
	next   domain.Notifier
	tracer trace.Tracer
}

// Compile-time check: TracingNotifier implements domain.Notifier.
var _ domain.Notifier = (*TracingNotifier)(nil)

// NewTracingNotifier creates a tracing decorator around the given notifier.
func NewTracingNotifier(next domain.Notifier) *TracingNotifier {
	return &TracingNotifier{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (n *TracingNotifier) Notify(ctx context.Context, notification domain.Notification) error {
	ctx, span := n.tracer.Start(ctx, "Notifier.Notify",
		trace.WithAttributes(
			attribute.String("notification.kind", string(notification.Kind)),
			attribute.String("entitlement.id", notification.EntitlementID),
			attribute.String("entitlement.product_id", notification.ProductID),
		),
	)
	defer span.End()

	err := n.next.Notify(ctx, notification)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
