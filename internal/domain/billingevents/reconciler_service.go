package billingevents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkful/forkful-billing-api/internal/domain/catalog"
	"github.com/forkful/forkful-billing-api/internal/domain/subscription"
	"github.com/forkful/forkful-billing-api/internal/platform/gateway"
	"github.com/forkful/forkful-billing-api/internal/platform/receipts"
	"github.com/forkful/forkful-billing-api/internal/types"
	"github.com/forkful/forkful-billing-api/pkg/observability"
)

var _ Service = (*ServiceImpl)(nil)

// Service accepts provider deliveries, normalizes them, and drives the
// subscription state manager. It performs no speculative retries: a
// transient failure is surfaced so the provider redelivers, and the state
// manager's idempotent transitions absorb the replay.
type Service interface {
	// HandleGatewayWebhook verifies, normalizes and applies a raw gateway
	// delivery. Returns ErrInvalidSignature for a bad signature,
	// ErrUnprocessableEvent for an unusable payload, and a wrapped storage
	// error when the transition must be retried by redelivery.
	HandleGatewayWebhook(ctx context.Context, payload []byte, signatureHeader string) error

	// VerifyMobileReceipt validates a mobile purchase token and converges it
	// onto the same normalized purchase/renewal flow as webhooks.
	VerifyMobileReceipt(ctx context.Context, userID, platform, token, productID string) (*types.Subscription, error)

	// CreateCheckoutSession returns a hosted checkout URL for a tier.
	CreateCheckoutSession(ctx context.Context, userID string, tierID int, successURL, cancelURL string) (string, error)

	// CancelSubscription cancels the user's subscription locally and, for
	// gateway-billed subscriptions canceled immediately, provider-side too.
	CancelSubscription(ctx context.Context, userID string, immediately bool) error

	// Apply drives the state manager with an already-normalized event.
	Apply(ctx context.Context, ev *types.ProviderEvent) error
}

// ServiceImpl implements Service.
type ServiceImpl struct {
	logger         *slog.Logger
	stateManager   subscription.Service
	catalog        *catalog.Catalog
	gateway        gateway.Client
	appleVerifier  receipts.Verifier
	googleVerifier receipts.Verifier
}

// NewService builds the reconciliation service.
func NewService(stateManager subscription.Service, cat *catalog.Catalog, gw gateway.Client, apple, google receipts.Verifier, logger *slog.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger:         logger,
		stateManager:   stateManager,
		catalog:        cat,
		gateway:        gw,
		appleVerifier:  apple,
		googleVerifier: google,
	}
}

// HandleGatewayWebhook implements the webhook entry point.
func (s *ServiceImpl) HandleGatewayWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	ctx, span := otel.Tracer("ReconcilerService").Start(ctx, "HandleGatewayWebhook")
	defer span.End()

	l := s.logger.With(slog.String("method", "HandleGatewayWebhook"))

	event, err := s.gateway.VerifyWebhook(payload, signatureHeader)
	if err != nil {
		l.WarnContext(ctx, "webhook signature verification failed", slog.Any("error", err))
		span.SetStatus(codes.Error, "invalid signature")
		return err
	}
	span.SetAttributes(attribute.String("gateway.event_type", string(event.Type)))

	ev, err := NormalizeStripeEvent(event, s.catalog)
	if err != nil {
		if errors.Is(err, types.ErrUnprocessableEvent) {
			// Outside our taxonomy or malformed. Reject at the boundary; the
			// provider owns retry policy for events it considers deliverable.
			l.DebugContext(ctx, "gateway event not normalized",
				slog.String("eventType", string(event.Type)), slog.Any("error", err))
			observability.WebhookEventsTotal.WithLabelValues(string(types.ProviderStripe), string(event.Type), "rejected").Inc()
			return err
		}
		span.RecordError(err)
		return err
	}

	return s.Apply(ctx, ev)
}

// VerifyMobileReceipt converges a synchronous receipt submission onto the
// webhook reconciliation flow. A receipt re-submitted after a client crash
// lands on the idempotent purchase path and cannot create a second
// subscription.
func (s *ServiceImpl) VerifyMobileReceipt(ctx context.Context, userID, platform, token, productID string) (*types.Subscription, error) {
	ctx, span := otel.Tracer("ReconcilerService").Start(ctx, "VerifyMobileReceipt", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("receipt.platform", platform),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "VerifyMobileReceipt"),
		slog.String("userID", userID), slog.String("platform", platform))

	var verifier receipts.Verifier
	var provider types.SubscriptionProvider
	switch platform {
	case "ios":
		verifier, provider = s.appleVerifier, types.ProviderIOS
	case "android":
		verifier, provider = s.googleVerifier, types.ProviderAndroid
	default:
		return nil, fmt.Errorf("unsupported platform %q: %w", platform, types.ErrBadRequest)
	}

	tier, err := s.catalog.GetTierByProductID(productID)
	if err != nil {
		return nil, fmt.Errorf("unknown product %q: %w", productID, err)
	}

	result, err := verifier.Verify(ctx, token, productID)
	if err != nil {
		// Never default a purchase confirmation to success.
		l.ErrorContext(ctx, "receipt verification unavailable", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "verifier unavailable")
		return nil, err
	}
	if !result.Valid {
		l.InfoContext(ctx, "receipt rejected by platform", slog.String("rawStatus", result.RawStatus))
		span.SetStatus(codes.Ok, "Receipt invalid")
		return nil, fmt.Errorf("receipt rejected (status %s): %w", result.RawStatus, types.ErrBadRequest)
	}

	ev := &types.ProviderEvent{
		Type:                   types.EventPurchaseCompleted,
		Provider:               provider,
		UserID:                 userID,
		TierID:                 tier.ID,
		ProviderSubscriptionID: result.ProviderTransactionID,
		PeriodEnd:              result.ExpiryTime,
	}
	if err := s.Apply(ctx, ev); err != nil {
		return nil, err
	}

	sub, err := s.stateManager.GetUserSubscription(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error fetching subscription after receipt: %w", err)
	}
	span.SetStatus(codes.Ok, "Receipt applied")
	return sub, nil
}

// CreateCheckoutSession delegates to the gateway client with catalog data.
func (s *ServiceImpl) CreateCheckoutSession(ctx context.Context, userID string, tierID int, successURL, cancelURL string) (string, error) {
	ctx, span := otel.Tracer("ReconcilerService").Start(ctx, "CreateCheckoutSession", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int("tier.id", tierID),
	))
	defer span.End()

	tier, err := s.catalog.GetTier(tierID)
	if err != nil {
		span.SetStatus(codes.Error, "unknown tier")
		return "", fmt.Errorf("unknown tier %d: %w", tierID, err)
	}

	url, err := s.gateway.CreateCheckoutSession(ctx, gateway.CheckoutParams{
		UserID:     userID,
		Tier:       tier,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkout session failed")
		return "", err
	}
	span.SetStatus(codes.Ok, "Checkout session created")
	return url, nil
}

// CancelSubscription cancels locally and mirrors an immediate cancellation
// to the gateway when the subscription is gateway-billed. The local
// transition is authoritative; a gateway mirror failure is logged and left
// to the provider's own lifecycle events.
func (s *ServiceImpl) CancelSubscription(ctx context.Context, userID string, immediately bool) error {
	ctx, span := otel.Tracer("ReconcilerService").Start(ctx, "CancelSubscription", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Bool("cancel.immediate", immediately),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "CancelSubscription"), slog.String("userID", userID))

	sub, err := s.stateManager.GetUserSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("cancel for user %s: %w", userID, types.ErrNoActiveSubscription)
		}
		span.RecordError(err)
		return fmt.Errorf("error fetching subscription to cancel: %w", err)
	}

	if err := s.stateManager.CancelSubscription(ctx, userID, immediately); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "local cancel failed")
		return err
	}

	if immediately && sub.Provider == types.ProviderStripe && sub.ProviderSubscriptionID != nil {
		if err := s.gateway.CancelSubscription(ctx, *sub.ProviderSubscriptionID); err != nil {
			l.WarnContext(ctx, "provider-side cancel failed, relying on provider lifecycle events",
				slog.Any("error", err))
		}
	}

	span.SetStatus(codes.Ok, "Subscription canceled")
	return nil
}

// Apply routes a normalized event to the matching state manager transition.
// Every transition is idempotent at the state manager boundary, so duplicate
// and out-of-order deliveries converge on the same state.
func (s *ServiceImpl) Apply(ctx context.Context, ev *types.ProviderEvent) error {
	ctx, span := otel.Tracer("ReconcilerService").Start(ctx, "Apply", trace.WithAttributes(
		attribute.String("event.type", string(ev.Type)),
		attribute.String("event.provider", string(ev.Provider)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		observability.ReconcileDuration.WithLabelValues(string(ev.Type)).Observe(time.Since(start).Seconds())
	}()

	l := s.logger.With(slog.String("method", "Apply"),
		slog.String("eventType", string(ev.Type)), slog.String("provider", string(ev.Provider)))

	var err error
	switch ev.Type {
	case types.EventPurchaseCompleted:
		_, err = s.stateManager.CreateSubscription(ctx, subscription.CreateParams{
			UserID:                 ev.UserID,
			TierID:                 ev.TierID,
			Provider:               ev.Provider,
			ProviderSubscriptionID: ev.ProviderSubscriptionID,
			ProviderCustomerID:     ev.ProviderCustomerID,
			PeriodEnd:              ev.PeriodEnd,
		})
	case types.EventSubscriptionRenewed:
		err = s.stateManager.RenewSubscription(ctx, ev.Provider, ev.ProviderSubscriptionID, ev.PeriodEnd)
	case types.EventSubscriptionCanceled:
		err = s.stateManager.ApplyProviderCancel(ctx, ev.Provider, ev.ProviderSubscriptionID)
	case types.EventSubscriptionUpdated:
		err = s.stateManager.ApplyProviderUpdate(ctx, ev.Provider, ev.ProviderSubscriptionID, ev.RawStatus, ev.CancelAtPeriodEnd)
	default:
		err = fmt.Errorf("unknown normalized event type %q: %w", ev.Type, types.ErrUnprocessableEvent)
	}

	outcome := "applied"
	switch {
	case err == nil:
	case errors.Is(err, types.ErrNotFound):
		outcome = "noop"
	case errors.Is(err, types.ErrUnprocessableEvent), errors.Is(err, types.ErrBadRequest):
		outcome = "rejected"
	default:
		outcome = "failed"
	}
	observability.WebhookEventsTotal.WithLabelValues(string(ev.Provider), string(ev.Type), outcome).Inc()

	if err != nil {
		if outcome == "failed" {
			l.ErrorContext(ctx, "event application failed, provider should redeliver", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "application failed")
		} else {
			l.InfoContext(ctx, "event not applied", slog.String("outcome", outcome), slog.Any("error", err))
			span.SetStatus(codes.Ok, "Event not applicable")
		}
		return err
	}

	span.SetStatus(codes.Ok, "Event applied")
	return nil
}
