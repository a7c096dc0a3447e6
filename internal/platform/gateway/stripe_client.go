// Package gateway wraps the payment gateway SDK behind a narrow client so
// the billing core never sees raw provider shapes.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkful/forkful-billing-api/internal/types"
)

var _ Client = (*StripeClient)(nil)

// CheckoutParams are the inputs for a hosted checkout session.
type CheckoutParams struct {
	UserID     string
	Tier       *types.Tier
	SuccessURL string
	CancelURL  string
	CustomerID string // optional, reuses an existing gateway customer
}

// Client is the payment gateway surface consumed by the billing services.
type Client interface {
	// CreateCheckoutSession returns the hosted checkout URL for a tier.
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error)
	// CancelSubscription cancels the provider-side subscription.
	CancelSubscription(ctx context.Context, providerSubID string) error
	// VerifyWebhook checks the payload signature and returns the typed
	// event. Returns ErrInvalidSignature on verification failure.
	VerifyWebhook(payload []byte, signatureHeader string) (stripe.Event, error)
}

// StripeClient implements Client over stripe-go.
type StripeClient struct {
	logger        *slog.Logger
	webhookSecret string
}

// NewStripeClient configures the process-wide stripe key and returns the
// client.
func NewStripeClient(secretKey, webhookSecret string, logger *slog.Logger) *StripeClient {
	stripe.Key = secretKey
	return &StripeClient{logger: logger, webhookSecret: webhookSecret}
}

// CreateCheckoutSession creates a subscription-mode hosted checkout session.
// The user id rides along as client reference so the completion webhook can
// attribute the purchase.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	ctx, span := otel.Tracer("GatewayClient").Start(ctx, "CreateCheckoutSession", trace.WithAttributes(
		attribute.String("user.id", p.UserID),
		attribute.String("tier.slug", p.Tier.Slug),
	))
	defer span.End()

	l := c.logger.With(slog.String("method", "CreateCheckoutSession"), slog.String("userID", p.UserID))

	if p.Tier.StripePriceID == "" {
		span.SetStatus(codes.Error, "tier not purchasable via gateway")
		return "", fmt.Errorf("tier %q has no gateway price: %w", p.Tier.Slug, types.ErrBadRequest)
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.Tier.StripePriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.UserID),
		Metadata: map[string]string{
			"user_id":   p.UserID,
			"tier_slug": p.Tier.Slug,
		},
	}
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	params.Context = ctx

	s, err := session.New(params)
	if err != nil {
		l.ErrorContext(ctx, "failed to create checkout session", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkout session failed")
		return "", fmt.Errorf("gateway checkout session failed: %w", types.ErrExternalService)
	}

	l.InfoContext(ctx, "checkout session created", slog.String("sessionID", s.ID))
	span.SetStatus(codes.Ok, "Checkout session created")
	return s.URL, nil
}

// CancelSubscription cancels the provider-side subscription without
// proration.
func (c *StripeClient) CancelSubscription(ctx context.Context, providerSubID string) error {
	ctx, span := otel.Tracer("GatewayClient").Start(ctx, "CancelSubscription", trace.WithAttributes(
		attribute.String("subscription.provider_id", providerSubID),
	))
	defer span.End()

	params := &stripe.SubscriptionCancelParams{
		Prorate: stripe.Bool(false),
	}
	params.Context = ctx

	if _, err := stripesub.Cancel(providerSubID, params); err != nil {
		c.logger.ErrorContext(ctx, "failed to cancel provider subscription",
			slog.String("providerSubID", providerSubID), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider cancel failed")
		return fmt.Errorf("gateway cancel failed: %w", types.ErrExternalService)
	}

	span.SetStatus(codes.Ok, "Provider subscription canceled")
	return nil
}

// VerifyWebhook verifies the signature header against the raw payload.
func (c *StripeClient) VerifyWebhook(payload []byte, signatureHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, c.webhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("constructing webhook event: %w", types.ErrInvalidSignature)
	}
	return event, nil
}
