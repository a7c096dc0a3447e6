package types

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the lifecycle status of a subscription. canceled and
// expired are terminal; nothing reactivates a terminal subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionExpired  SubscriptionStatus = "expired"
	SubscriptionPaused   SubscriptionStatus = "paused"
)

// Terminal reports whether the status admits no further transitions.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionCanceled || s == SubscriptionExpired
}

// SubscriptionProvider identifies the billing source of a subscription.
type SubscriptionProvider string

const (
	ProviderStripe  SubscriptionProvider = "stripe"
	ProviderIOS     SubscriptionProvider = "ios"
	ProviderAndroid SubscriptionProvider = "android"
	ProviderManual  SubscriptionProvider = "manual"
)

// Subscription is the mutable aggregate root for a user's paid plan. It is
// owned and mutated exclusively by the subscription service; every other
// component reads it.
type Subscription struct {
	ID                 uuid.UUID            `json:"id"`
	UserID             string               `json:"userId"`
	TierID             int                  `json:"tierId"`
	Status             SubscriptionStatus   `json:"status"`
	CurrentPeriodStart time.Time            `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time            `json:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool                 `json:"cancelAtPeriodEnd"`
	Provider           SubscriptionProvider `json:"provider"`

	// Provider-native identifiers. (Provider, ProviderSubscriptionID) is the
	// idempotency key for provider-originated writes.
	ProviderSubscriptionID *string `json:"providerSubscriptionId,omitempty"`
	ProviderCustomerID     *string `json:"providerCustomerId,omitempty"`

	CanceledAt *time.Time `json:"canceledAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ActiveAt reports whether the subscription grants entitlement at the given
// instant: status active and period not yet elapsed.
func (s *Subscription) ActiveAt(now time.Time) bool {
	return s.Status == SubscriptionActive && s.CurrentPeriodEnd.After(now)
}

// HistoryAction labels an append-only audit record.
type HistoryAction string

const (
	HistoryCreated               HistoryAction = "created"
	HistoryUpgraded              HistoryAction = "upgraded"
	HistoryDowngraded            HistoryAction = "downgraded"
	HistoryCanceled              HistoryAction = "canceled"
	HistoryScheduledCancel       HistoryAction = "scheduled_cancel"
	HistoryMarkedForCancellation HistoryAction = "marked_for_cancellation"
	HistoryResumed               HistoryAction = "resumed"
	HistoryExpired               HistoryAction = "expired"
)

// SubscriptionHistoryEntry is an append-only audit record. Entries are never
// mutated or deleted.
type SubscriptionHistoryEntry struct {
	ID             uuid.UUID     `json:"id"`
	SubscriptionID uuid.UUID     `json:"subscriptionId"`
	UserID         string        `json:"userId"`
	Action         HistoryAction `json:"action"`
	FromTierID     *int          `json:"fromTierId,omitempty"`
	ToTierID       *int          `json:"toTierId,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}
