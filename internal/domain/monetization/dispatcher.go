package monetization

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkful/forkful-billing-api/internal/types"
)

// Dispatcher chains monetization side effects off a first-time subscription
// activation: referral attribution lookup, affiliate conversion recording,
// and creator revenue recalculation.
//
// Everything here is best-effort. The dispatcher never blocks the activation
// that triggered it and never propagates an error back; billing correctness
// must not depend on the health of the attribution subsystem.
type Dispatcher struct {
	logger       *slog.Logger
	attributions AttributionRepository
	revenue      RevenueRecorder
	timeout      time.Duration

	// testHook, when set, is signaled after a dispatch goroutine finishes.
	testHook func()
}

// NewDispatcher builds the dispatcher.
func NewDispatcher(attributions AttributionRepository, revenue RevenueRecorder, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:       logger,
		attributions: attributions,
		revenue:      revenue,
		timeout:      30 * time.Second,
	}
}

// SubscriptionActivated fires the side-effect chain in the background and
// returns immediately. The work detaches from the caller's cancelation but
// keeps its trace linkage.
func (d *Dispatcher) SubscriptionActivated(ctx context.Context, sub *types.Subscription) {
	bg := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if d.testHook != nil {
				d.testHook()
			}
		}()
		d.dispatch(bg, sub)
	}()
}

func (d *Dispatcher) dispatch(ctx context.Context, sub *types.Subscription) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ctx, span := otel.Tracer("MonetizationDispatcher").Start(ctx, "Dispatch", trace.WithAttributes(
		attribute.String("user.id", sub.UserID),
		attribute.String("subscription.id", sub.ID.String()),
	))
	defer span.End()

	l := d.logger.With(slog.String("method", "Dispatch"),
		slog.String("userID", sub.UserID), slog.String("subscriptionID", sub.ID.String()))

	attribution, err := d.attributions.GetMostRecentAttribution(ctx, sub.UserID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			l.DebugContext(ctx, "no referral attribution, nothing to convert")
			span.SetStatus(codes.Ok, "No attribution")
			return
		}
		l.WarnContext(ctx, "attribution lookup failed, skipping conversion", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "attribution lookup failed")
		return
	}

	creatorID, err := d.revenue.RecordConversion(ctx, attribution.LinkCode, sub.UserID, sub.ID, sub.TierID)
	if err != nil {
		l.WarnContext(ctx, "failed to record affiliate conversion", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "conversion record failed")
		return
	}

	if err := d.revenue.RecalculateMonthlyRevenue(ctx, creatorID); err != nil {
		l.WarnContext(ctx, "failed to recalculate creator revenue",
			slog.String("creatorID", creatorID), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "revenue recalculation failed")
		return
	}

	l.InfoContext(ctx, "affiliate conversion dispatched", slog.String("creatorID", creatorID))
	span.SetStatus(codes.Ok, "Side effects dispatched")
}
