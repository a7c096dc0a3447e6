package billingevents

import (
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/forkful/forkful-billing-api/internal/domain/catalog"
	"github.com/forkful/forkful-billing-api/internal/types"
)

// stripeSubscriptionPayload decodes the subset of a gateway subscription
// object the normalizer needs. Decoded from raw JSON so API-version field
// moves (current_period_end living on items in newer versions) do not break
// normalization.
type stripeSubscriptionPayload struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (p *stripeSubscriptionPayload) periodEnd() time.Time {
	end := p.CurrentPeriodEnd
	if end == 0 && len(p.Items.Data) > 0 {
		end = p.Items.Data[0].CurrentPeriodEnd
	}
	if end == 0 {
		return time.Time{}
	}
	return time.Unix(end, 0).UTC()
}

// stripeInvoicePayload decodes the subscription reference and period end out
// of an invoice event across API versions.
type stripeInvoicePayload struct {
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (p *stripeInvoicePayload) subscriptionID() string {
	if p.Subscription != "" {
		return p.Subscription
	}
	return p.Parent.SubscriptionDetails.Subscription
}

func (p *stripeInvoicePayload) periodEnd() time.Time {
	var end int64
	for _, line := range p.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	if end == 0 {
		return time.Time{}
	}
	return time.Unix(end, 0).UTC()
}

// NormalizeStripeEvent maps a verified gateway event onto the provider-
// agnostic event set. Events outside the handled taxonomy return
// ErrUnprocessableEvent; the transport treats that as a non-retryable
// rejection.
func NormalizeStripeEvent(event stripe.Event, cat *catalog.Catalog) (*types.ProviderEvent, error) {
	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("parsing checkout session: %w", types.ErrUnprocessableEvent)
		}
		if session.ClientReferenceID == "" || session.Subscription == nil {
			return nil, fmt.Errorf("checkout session missing user or subscription reference: %w", types.ErrUnprocessableEvent)
		}
		tier, err := tierFromSession(&session, cat)
		if err != nil {
			return nil, err
		}
		ev := &types.ProviderEvent{
			Type:                   types.EventPurchaseCompleted,
			Provider:               types.ProviderStripe,
			UserID:                 session.ClientReferenceID,
			TierID:                 tier.ID,
			ProviderSubscriptionID: session.Subscription.ID,
		}
		if session.Customer != nil {
			ev.ProviderCustomerID = session.Customer.ID
		}
		return ev, nil

	case "invoice.payment_succeeded":
		var inv stripeInvoicePayload
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("parsing invoice: %w", types.ErrUnprocessableEvent)
		}
		subID := inv.subscriptionID()
		periodEnd := inv.periodEnd()
		if subID == "" || periodEnd.IsZero() {
			return nil, fmt.Errorf("invoice missing subscription reference or period: %w", types.ErrUnprocessableEvent)
		}
		return &types.ProviderEvent{
			Type:                   types.EventSubscriptionRenewed,
			Provider:               types.ProviderStripe,
			ProviderSubscriptionID: subID,
			PeriodEnd:              periodEnd,
		}, nil

	case "customer.subscription.deleted":
		var sub stripeSubscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("parsing subscription: %w", types.ErrUnprocessableEvent)
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("subscription event missing id: %w", types.ErrUnprocessableEvent)
		}
		return &types.ProviderEvent{
			Type:                   types.EventSubscriptionCanceled,
			Provider:               types.ProviderStripe,
			ProviderSubscriptionID: sub.ID,
		}, nil

	case "customer.subscription.updated":
		var sub stripeSubscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("parsing subscription: %w", types.ErrUnprocessableEvent)
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("subscription event missing id: %w", types.ErrUnprocessableEvent)
		}
		return &types.ProviderEvent{
			Type:                   types.EventSubscriptionUpdated,
			Provider:               types.ProviderStripe,
			ProviderSubscriptionID: sub.ID,
			RawStatus:              sub.Status,
			CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
			PeriodEnd:              sub.periodEnd(),
		}, nil

	default:
		return nil, fmt.Errorf("unhandled gateway event type %q: %w", event.Type, types.ErrUnprocessableEvent)
	}
}

func tierFromSession(session *stripe.CheckoutSession, cat *catalog.Catalog) (*types.Tier, error) {
	if slug, ok := session.Metadata["tier_slug"]; ok {
		if tier, err := cat.GetTierBySlug(slug); err == nil {
			return tier, nil
		}
	}
	return nil, fmt.Errorf("checkout session references no known tier: %w", types.ErrUnprocessableEvent)
}
