package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkful/forkful-billing-api/internal/domain/catalog"
	"github.com/forkful/forkful-billing-api/internal/types"
	"github.com/forkful/forkful-billing-api/pkg/observability"
)

// defaultPeriod is the subscription period assumed when a provider event
// carries no explicit period end.
const defaultPeriod = 30 * 24 * time.Hour

var _ Service = (*ServiceImpl)(nil)

// ActivationDispatcher receives first-activation notifications for
// monetization side effects. Implementations must never block the caller and
// must swallow their own errors.
type ActivationDispatcher interface {
	SubscriptionActivated(ctx context.Context, sub *types.Subscription)
}

// EntitlementInvalidator drops any cached entitlement for a user after a
// transition.
type EntitlementInvalidator interface {
	Invalidate(userID string)
}

// CreateParams are the inputs for a new subscription.
type CreateParams struct {
	UserID                 string
	TierID                 int
	Provider               types.SubscriptionProvider
	ProviderSubscriptionID string
	ProviderCustomerID     string
	PeriodEnd              time.Time // zero means now + defaultPeriod
}

// Service owns every subscription state transition and the read path other
// components use. Transitions surface storage errors to the caller;
// swallowing them here would corrupt billing truth.
type Service interface {
	CreateSubscription(ctx context.Context, params CreateParams) (*types.Subscription, error)
	ChangeTier(ctx context.Context, userID string, newTierID int) (*types.Subscription, error)
	CancelSubscription(ctx context.Context, userID string, immediately bool) error
	RenewSubscription(ctx context.Context, provider types.SubscriptionProvider, providerSubID string, newPeriodEnd time.Time) error
	ApplyProviderCancel(ctx context.Context, provider types.SubscriptionProvider, providerSubID string) error
	ApplyProviderUpdate(ctx context.Context, provider types.SubscriptionProvider, providerSubID, rawStatus string, cancelAtPeriodEnd bool) error
	MarkExpired(ctx context.Context, subscriptionID uuid.UUID) error
	GetUserSubscription(ctx context.Context, userID string) (*types.Subscription, error)
	GetHistory(ctx context.Context, subscriptionID uuid.UUID) ([]*types.SubscriptionHistoryEntry, error)
	ProcessPeriodEndSweep(ctx context.Context) (*SweepResult, error)
}

// ServiceImpl implements Service.
type ServiceImpl struct {
	logger      *slog.Logger
	repo        Repository
	catalog     *catalog.Catalog
	dispatcher  ActivationDispatcher
	invalidator EntitlementInvalidator
	now         func() time.Time
}

// NewService builds the subscription service. dispatcher and invalidator may
// be nil in tests.
func NewService(repo Repository, cat *catalog.Catalog, dispatcher ActivationDispatcher, invalidator EntitlementInvalidator, logger *slog.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger:      logger,
		repo:        repo,
		catalog:     cat,
		dispatcher:  dispatcher,
		invalidator: invalidator,
		now:         time.Now,
	}
}

// SetInvalidator wires the entitlement cache invalidator after construction.
// The resolver reads through this service, so the two are built in sequence
// and linked here.
func (s *ServiceImpl) SetInvalidator(inv EntitlementInvalidator) {
	s.invalidator = inv
}

// CreateSubscription activates a new subscription, superseding any existing
// active one for the user. Provider-originated calls are idempotent on the
// (provider, providerSubscriptionID) pair: a redelivered purchase returns
// the already-created record without side effects.
func (s *ServiceImpl) CreateSubscription(ctx context.Context, params CreateParams) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "CreateSubscription", trace.WithAttributes(
		attribute.String("user.id", params.UserID),
		attribute.Int("tier.id", params.TierID),
		attribute.String("subscription.provider", string(params.Provider)),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "CreateSubscription"), slog.String("userID", params.UserID))

	if params.UserID == "" {
		span.SetStatus(codes.Error, "missing user id")
		return nil, fmt.Errorf("user id is required: %w", types.ErrBadRequest)
	}
	if _, err := s.catalog.GetTier(params.TierID); err != nil {
		span.SetStatus(codes.Error, "unknown tier")
		return nil, fmt.Errorf("unknown tier %d: %w", params.TierID, err)
	}

	if params.ProviderSubscriptionID != "" {
		existing, err := s.repo.GetByProviderRef(ctx, params.Provider, params.ProviderSubscriptionID)
		switch {
		case err == nil && !existing.Status.Terminal():
			return s.applyPurchaseReplay(ctx, existing, params)
		case err == nil:
			// Terminal record with the same reference: a re-subscription on
			// providers whose native id is stable for life. Fall through and
			// create a fresh record.
			l.InfoContext(ctx, "provider reference re-used after terminal state, creating new subscription",
				slog.String("previousSubscriptionID", existing.ID.String()))
		case !errors.Is(err, types.ErrNotFound):
			span.RecordError(err)
			span.SetStatus(codes.Error, "provider ref lookup failed")
			return nil, fmt.Errorf("error checking provider reference: %w", err)
		}
	}

	now := s.now().UTC()
	periodEnd := params.PeriodEnd
	if periodEnd.IsZero() || !periodEnd.After(now) {
		periodEnd = now.Add(defaultPeriod)
	}

	sub := &types.Subscription{
		ID:                 uuid.New(),
		UserID:             params.UserID,
		TierID:             params.TierID,
		Status:             types.SubscriptionActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   periodEnd,
		Provider:           params.Provider,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if params.ProviderSubscriptionID != "" {
		sub.ProviderSubscriptionID = &params.ProviderSubscriptionID
	}
	if params.ProviderCustomerID != "" {
		sub.ProviderCustomerID = &params.ProviderCustomerID
	}

	if err := s.repo.CreateWithSupersede(ctx, sub); err != nil {
		if errors.Is(err, types.ErrConflict) {
			// A concurrent insert won the active-row race. The surviving
			// record is billing truth; return it without side effects.
			return s.resolveCreateConflict(ctx, params)
		}
		l.ErrorContext(ctx, "failed to create subscription", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return nil, fmt.Errorf("error creating subscription: %w", err)
	}

	observability.TransitionsTotal.WithLabelValues(string(types.HistoryCreated)).Inc()
	s.invalidate(params.UserID)
	if s.dispatcher != nil {
		s.dispatcher.SubscriptionActivated(ctx, sub)
	}

	l.InfoContext(ctx, "subscription created",
		slog.String("subscriptionID", sub.ID.String()), slog.Int("tierID", sub.TierID))
	span.SetStatus(codes.Ok, "Subscription created")
	return sub, nil
}

// applyPurchaseReplay handles a purchase event whose provider reference is
// already live. Mobile receipts are re-validated on renewal with the same
// provider transaction id, so a replay carrying a later period end is a
// renewal, not a duplicate. Anything else returns the stored record as is.
func (s *ServiceImpl) applyPurchaseReplay(ctx context.Context, existing *types.Subscription, params CreateParams) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "applyPurchaseReplay", trace.WithAttributes(
		attribute.String("subscription.id", existing.ID.String()),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "CreateSubscription"), slog.String("userID", params.UserID),
		slog.String("subscriptionID", existing.ID.String()))

	if !params.PeriodEnd.IsZero() && params.PeriodEnd.After(existing.CurrentPeriodEnd) {
		changed, err := s.repo.ExtendPeriod(ctx, params.Provider, params.ProviderSubscriptionID, params.PeriodEnd.UTC())
		if err != nil {
			l.ErrorContext(ctx, "failed to apply renewal on purchase replay", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "extend failed")
			return nil, fmt.Errorf("error applying renewal: %w", err)
		}
		if changed {
			existing.CurrentPeriodEnd = params.PeriodEnd.UTC()
			existing.CancelAtPeriodEnd = false
			s.invalidate(existing.UserID)
			l.InfoContext(ctx, "purchase replay extended subscription period",
				slog.Time("periodEnd", existing.CurrentPeriodEnd))
			span.SetStatus(codes.Ok, "Renewal applied")
			return existing, nil
		}
	}

	l.InfoContext(ctx, "purchase already applied, returning existing subscription")
	span.SetStatus(codes.Ok, "Idempotent replay")
	return existing, nil
}

// resolveCreateConflict re-reads the record a losing concurrent create
// collided with.
func (s *ServiceImpl) resolveCreateConflict(ctx context.Context, params CreateParams) (*types.Subscription, error) {
	l := s.logger.With(slog.String("method", "CreateSubscription"), slog.String("userID", params.UserID))
	l.InfoContext(ctx, "concurrent create detected, returning surviving subscription")

	if params.ProviderSubscriptionID != "" {
		if existing, err := s.repo.GetByProviderRef(ctx, params.Provider, params.ProviderSubscriptionID); err == nil {
			return existing, nil
		}
	}
	existing, err := s.repo.GetActiveByUserID(ctx, params.UserID)
	if err != nil {
		return nil, fmt.Errorf("error resolving concurrent create for user %s: %w", params.UserID, err)
	}
	return existing, nil
}

// ChangeTier moves the user's active subscription to a new tier, or creates
// a manual subscription when the user is upgrading from free.
func (s *ServiceImpl) ChangeTier(ctx context.Context, userID string, newTierID int) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "ChangeTier", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int("tier.id", newTierID),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "ChangeTier"), slog.String("userID", userID))

	newTier, err := s.catalog.GetTier(newTierID)
	if err != nil {
		span.SetStatus(codes.Error, "unknown tier")
		return nil, fmt.Errorf("unknown tier %d: %w", newTierID, err)
	}

	current, err := s.repo.GetActiveByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			l.InfoContext(ctx, "no active subscription, creating manual subscription")
			return s.CreateSubscription(ctx, CreateParams{
				UserID:   userID,
				TierID:   newTierID,
				Provider: types.ProviderManual,
			})
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "active lookup failed")
		return nil, fmt.Errorf("error fetching active subscription: %w", err)
	}

	if current.TierID == newTierID {
		l.InfoContext(ctx, "tier unchanged, nothing to do")
		span.SetStatus(codes.Ok, "No-op tier change")
		return current, nil
	}

	currentTier, err := s.catalog.GetTier(current.TierID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("unknown current tier %d: %w", current.TierID, err)
	}

	action := types.HistoryUpgraded
	if newTier.Rank() < currentTier.Rank() {
		action = types.HistoryDowngraded
	}

	if err := s.repo.UpdateTier(ctx, current.ID, current.TierID, newTierID, action); err != nil {
		l.ErrorContext(ctx, "failed to change tier", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "tier update failed")
		return nil, fmt.Errorf("error changing tier: %w", err)
	}

	observability.TransitionsTotal.WithLabelValues(string(action)).Inc()
	s.invalidate(userID)

	current.TierID = newTierID
	l.InfoContext(ctx, "tier changed",
		slog.String("subscriptionID", current.ID.String()), slog.String("action", string(action)))
	span.SetStatus(codes.Ok, "Tier changed")
	return current, nil
}

// CancelSubscription cancels the user's active subscription, immediately or
// at period end. Requires an active subscription.
func (s *ServiceImpl) CancelSubscription(ctx context.Context, userID string, immediately bool) error {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "CancelSubscription", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Bool("cancel.immediate", immediately),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "CancelSubscription"), slog.String("userID", userID))

	current, err := s.repo.GetActiveByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("cancel for user %s: %w", userID, types.ErrNoActiveSubscription)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "active lookup failed")
		return fmt.Errorf("error fetching active subscription: %w", err)
	}

	if immediately {
		changed, err := s.repo.Cancel(ctx, current.ID, s.now().UTC())
		if err != nil {
			l.ErrorContext(ctx, "failed to cancel subscription", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancel failed")
			return fmt.Errorf("error canceling subscription: %w", err)
		}
		if changed {
			observability.TransitionsTotal.WithLabelValues(string(types.HistoryCanceled)).Inc()
			s.invalidate(userID)
		}
		l.InfoContext(ctx, "subscription canceled", slog.String("subscriptionID", current.ID.String()))
		span.SetStatus(codes.Ok, "Subscription canceled")
		return nil
	}

	changed, err := s.repo.ScheduleCancel(ctx, current.ID, types.HistoryScheduledCancel)
	if err != nil {
		l.ErrorContext(ctx, "failed to schedule cancellation", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "schedule cancel failed")
		return fmt.Errorf("error scheduling cancellation: %w", err)
	}
	if changed {
		observability.TransitionsTotal.WithLabelValues(string(types.HistoryScheduledCancel)).Inc()
	}
	l.InfoContext(ctx, "cancellation scheduled for period end", slog.String("subscriptionID", current.ID.String()))
	span.SetStatus(codes.Ok, "Cancellation scheduled")
	return nil
}

// RenewSubscription applies a provider renewal. Monotonic: an earlier period
// end than the current one never regresses state, and a duplicate delivery
// is a no-op.
func (s *ServiceImpl) RenewSubscription(ctx context.Context, provider types.SubscriptionProvider, providerSubID string, newPeriodEnd time.Time) error {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "RenewSubscription", trace.WithAttributes(
		attribute.String("subscription.provider", string(provider)),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "RenewSubscription"),
		slog.String("provider", string(provider)), slog.String("providerSubID", providerSubID))

	sub, err := s.repo.GetByProviderRef(ctx, provider, providerSubID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			l.WarnContext(ctx, "renewal for unknown provider subscription")
			return fmt.Errorf("renewal target %s/%s: %w", provider, providerSubID, types.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider ref lookup failed")
		return fmt.Errorf("error fetching subscription for renewal: %w", err)
	}

	changed, err := s.repo.ExtendPeriod(ctx, provider, providerSubID, newPeriodEnd.UTC())
	if err != nil {
		l.ErrorContext(ctx, "failed to extend period", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "extend failed")
		return fmt.Errorf("error applying renewal: %w", err)
	}
	if changed {
		s.invalidate(sub.UserID)
		l.InfoContext(ctx, "subscription renewed", slog.String("subscriptionID", sub.ID.String()),
			slog.Time("periodEnd", newPeriodEnd))
	} else {
		l.DebugContext(ctx, "renewal was a no-op (stale or duplicate)")
	}
	span.SetStatus(codes.Ok, "Renewal applied")
	return nil
}

// ApplyProviderCancel cancels the subscription correlated to a provider
// reference. No-op when the record is already terminal.
func (s *ServiceImpl) ApplyProviderCancel(ctx context.Context, provider types.SubscriptionProvider, providerSubID string) error {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "ApplyProviderCancel", trace.WithAttributes(
		attribute.String("subscription.provider", string(provider)),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "ApplyProviderCancel"),
		slog.String("provider", string(provider)), slog.String("providerSubID", providerSubID))

	sub, err := s.repo.GetByProviderRef(ctx, provider, providerSubID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			l.WarnContext(ctx, "cancel for unknown provider subscription")
			return fmt.Errorf("cancel target %s/%s: %w", provider, providerSubID, types.ErrNotFound)
		}
		span.RecordError(err)
		return fmt.Errorf("error fetching subscription for provider cancel: %w", err)
	}

	changed, err := s.repo.Cancel(ctx, sub.ID, s.now().UTC())
	if err != nil {
		l.ErrorContext(ctx, "failed to apply provider cancel", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel failed")
		return fmt.Errorf("error applying provider cancel: %w", err)
	}
	if changed {
		observability.TransitionsTotal.WithLabelValues(string(types.HistoryCanceled)).Inc()
		s.invalidate(sub.UserID)
		l.InfoContext(ctx, "subscription canceled by provider", slog.String("subscriptionID", sub.ID.String()))
	} else {
		l.DebugContext(ctx, "provider cancel was a no-op (already terminal)")
	}
	span.SetStatus(codes.Ok, "Provider cancel applied")
	return nil
}

// ApplyProviderUpdate reconciles a provider-side status update. The only
// update acted on locally is the cancel-at-period-end flag; other raw
// statuses are recorded in the trace and left to renewal/cancel events.
func (s *ServiceImpl) ApplyProviderUpdate(ctx context.Context, provider types.SubscriptionProvider, providerSubID, rawStatus string, cancelAtPeriodEnd bool) error {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "ApplyProviderUpdate", trace.WithAttributes(
		attribute.String("subscription.provider", string(provider)),
		attribute.String("subscription.raw_status", rawStatus),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "ApplyProviderUpdate"),
		slog.String("provider", string(provider)), slog.String("providerSubID", providerSubID))

	sub, err := s.repo.GetByProviderRef(ctx, provider, providerSubID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			l.WarnContext(ctx, "update for unknown provider subscription", slog.String("rawStatus", rawStatus))
			return fmt.Errorf("update target %s/%s: %w", provider, providerSubID, types.ErrNotFound)
		}
		span.RecordError(err)
		return fmt.Errorf("error fetching subscription for provider update: %w", err)
	}

	if !cancelAtPeriodEnd {
		changed, err := s.repo.ClearScheduledCancel(ctx, sub.ID)
		if err != nil {
			l.ErrorContext(ctx, "failed to clear scheduled cancellation", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "clear scheduled cancel failed")
			return fmt.Errorf("error clearing scheduled cancellation: %w", err)
		}
		if changed {
			observability.TransitionsTotal.WithLabelValues(string(types.HistoryResumed)).Inc()
			s.invalidate(sub.UserID)
			l.InfoContext(ctx, "scheduled cancellation cleared", slog.String("subscriptionID", sub.ID.String()))
		} else {
			l.DebugContext(ctx, "provider update carries no actionable change", slog.String("rawStatus", rawStatus))
		}
		span.SetStatus(codes.Ok, "Provider update applied")
		return nil
	}

	changed, err := s.repo.ScheduleCancel(ctx, sub.ID, types.HistoryMarkedForCancellation)
	if err != nil {
		l.ErrorContext(ctx, "failed to mark for cancellation", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark for cancellation failed")
		return fmt.Errorf("error marking for cancellation: %w", err)
	}
	if changed {
		observability.TransitionsTotal.WithLabelValues(string(types.HistoryMarkedForCancellation)).Inc()
		l.InfoContext(ctx, "subscription marked for cancellation", slog.String("subscriptionID", sub.ID.String()))
	}
	span.SetStatus(codes.Ok, "Provider update applied")
	return nil
}

// MarkExpired forces a subscription to expired. Idempotent.
func (s *ServiceImpl) MarkExpired(ctx context.Context, subscriptionID uuid.UUID) error {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "MarkExpired", trace.WithAttributes(
		attribute.String("subscription.id", subscriptionID.String()),
	))
	defer span.End()

	sub, err := s.repo.GetByID(ctx, subscriptionID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("error fetching subscription to expire: %w", err)
	}

	changed, err := s.repo.MarkExpired(ctx, subscriptionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "expire failed")
		return fmt.Errorf("error expiring subscription: %w", err)
	}
	if changed {
		observability.TransitionsTotal.WithLabelValues(string(types.HistoryExpired)).Inc()
		s.invalidate(sub.UserID)
	}
	span.SetStatus(codes.Ok, "Expiry applied")
	return nil
}

// GetUserSubscription is the read path used by the entitlement resolver and
// the transport layer. Returns ErrNotFound when the user has no active
// subscription.
func (s *ServiceImpl) GetUserSubscription(ctx context.Context, userID string) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "GetUserSubscription", trace.WithAttributes(
		attribute.String("user.id", userID),
	))
	defer span.End()

	sub, err := s.repo.GetActiveByUserID(ctx, userID)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			span.RecordError(err)
		}
		return nil, err
	}
	return sub, nil
}

// GetHistory returns the audit log for a subscription.
func (s *ServiceImpl) GetHistory(ctx context.Context, subscriptionID uuid.UUID) ([]*types.SubscriptionHistoryEntry, error) {
	return s.repo.ListHistory(ctx, subscriptionID)
}

// ProcessPeriodEndSweep converts elapsed time into transitions for every
// active subscription past its period end. Safe to run concurrently with
// webhook-driven transitions; the repository serializes on the same rows.
func (s *ServiceImpl) ProcessPeriodEndSweep(ctx context.Context) (*SweepResult, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "ProcessPeriodEndSweep")
	defer span.End()

	l := s.logger.With(slog.String("method", "ProcessPeriodEndSweep"))

	res, err := s.repo.SweepDue(ctx, s.now().UTC())
	if err != nil {
		l.ErrorContext(ctx, "period-end sweep failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep failed")
		return nil, fmt.Errorf("error running period-end sweep: %w", err)
	}

	for _, userID := range res.AffectedUsers {
		s.invalidate(userID)
	}
	observability.SweepTransitionsTotal.WithLabelValues("canceled").Add(float64(res.Canceled))
	observability.SweepTransitionsTotal.WithLabelValues("expired").Add(float64(res.Expired))

	if res.Canceled > 0 || res.Expired > 0 {
		l.InfoContext(ctx, "period-end sweep completed",
			slog.Int("canceled", res.Canceled), slog.Int("expired", res.Expired))
	}
	span.SetAttributes(attribute.Int("sweep.canceled", res.Canceled), attribute.Int("sweep.expired", res.Expired))
	span.SetStatus(codes.Ok, "Sweep completed")
	return res, nil
}

// RunPeriodEndSweeper invokes the sweep on a fixed interval until the
// context is canceled.
func (s *ServiceImpl) RunPeriodEndSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("period-end sweeper started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("period-end sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.ProcessPeriodEndSweep(ctx); err != nil {
				s.logger.Error("scheduled sweep failed", slog.Any("error", err))
			}
		}
	}
}

func (s *ServiceImpl) invalidate(userID string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(userID)
	}
}
