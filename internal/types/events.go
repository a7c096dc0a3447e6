package types

import "time"

// ProviderEventType tags a normalized billing event.
type ProviderEventType string

const (
	EventPurchaseCompleted    ProviderEventType = "purchase_completed"
	EventSubscriptionRenewed  ProviderEventType = "subscription_renewed"
	EventSubscriptionCanceled ProviderEventType = "subscription_canceled"
	EventSubscriptionUpdated  ProviderEventType = "subscription_updated"
)

// ProviderEvent is the provider-agnostic representation of a billing
// occurrence. Per-provider adapters produce it; the subscription service
// never branches on raw provider payload shape.
//
// Field population by type:
//   - EventPurchaseCompleted: UserID, TierID, ProviderSubscriptionID,
//     ProviderCustomerID (optional), PeriodEnd (optional).
//   - EventSubscriptionRenewed: ProviderSubscriptionID, PeriodEnd.
//   - EventSubscriptionCanceled: ProviderSubscriptionID.
//   - EventSubscriptionUpdated: ProviderSubscriptionID, RawStatus,
//     CancelAtPeriodEnd.
type ProviderEvent struct {
	Type     ProviderEventType
	Provider SubscriptionProvider

	UserID                 string
	TierID                 int
	ProviderSubscriptionID string
	ProviderCustomerID     string
	PeriodEnd              time.Time
	RawStatus              string
	CancelAtPeriodEnd      bool
}
