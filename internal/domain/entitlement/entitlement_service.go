package entitlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkful/forkful-billing-api/internal/domain/catalog"
	"github.com/forkful/forkful-billing-api/internal/types"
	"github.com/forkful/forkful-billing-api/pkg/observability"
)

var _ Service = (*ServiceImpl)(nil)

// SubscriptionReader is the state manager's read path.
type SubscriptionReader interface {
	GetUserSubscription(ctx context.Context, userID string) (*types.Subscription, error)
}

// Service resolves a user's tier and feature entitlements. Resolution never
// fails the caller: tier lookups degrade to the free tier, feature gates
// degrade to denial.
type Service interface {
	ResolveTier(ctx context.Context, userID string) *types.Tier
	ResolveFeatures(ctx context.Context, userID string) map[string]types.FeatureValue
	HasFeature(ctx context.Context, userID, featureKey string) bool
	Invalidate(userID string)
}

// ServiceImpl implements Service with a short-TTL per-user cache. The
// subscription service calls Invalidate after every transition so gates see
// changes immediately.
type ServiceImpl struct {
	logger  *slog.Logger
	reader  SubscriptionReader
	catalog *catalog.Catalog
	cache   *cache.Cache
	now     func() time.Time
}

// NewService builds the resolver.
func NewService(reader SubscriptionReader, cat *catalog.Catalog, logger *slog.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger:  logger,
		reader:  reader,
		catalog: cat,
		cache:   cache.New(1*time.Minute, 5*time.Minute),
		now:     time.Now,
	}
}

// ResolveTier returns the user's active tier, or the free tier when the user
// has no active subscription, the period has elapsed, or any read fails.
// This fail-open-to-free policy is unconditional: entitlement resolution
// must never block basic app usage.
func (s *ServiceImpl) ResolveTier(ctx context.Context, userID string) *types.Tier {
	ctx, span := otel.Tracer("EntitlementService").Start(ctx, "ResolveTier", trace.WithAttributes(
		attribute.String("user.id", userID),
	))
	defer span.End()

	if userID == "" {
		span.SetStatus(codes.Ok, "Empty user resolves free")
		return s.catalog.FreeTier()
	}

	if cached, found := s.cache.Get(userID); found {
		if t, ok := cached.(*types.Tier); ok {
			observability.EntitlementCacheHits.WithLabelValues("hit").Inc()
			span.SetAttributes(attribute.String("tier.slug", t.Slug), attribute.Bool("cache.hit", true))
			span.SetStatus(codes.Ok, "Tier served from cache")
			return t
		}
	}
	observability.EntitlementCacheHits.WithLabelValues("miss").Inc()

	tier := s.resolveUncached(ctx, userID)
	s.cache.Set(userID, tier, cache.DefaultExpiration)

	span.SetAttributes(attribute.String("tier.slug", tier.Slug))
	span.SetStatus(codes.Ok, "Tier resolved")
	return tier
}

func (s *ServiceImpl) resolveUncached(ctx context.Context, userID string) *types.Tier {
	l := s.logger.With(slog.String("method", "ResolveTier"), slog.String("userID", userID))

	sub, err := s.reader.GetUserSubscription(ctx, userID)
	if err != nil {
		// Storage trouble reads as "no subscription". Free tier, never an
		// error into a request path.
		l.WarnContext(ctx, "subscription read failed, resolving free tier", slog.Any("error", err))
		return s.catalog.FreeTier()
	}
	if sub == nil || !sub.ActiveAt(s.now().UTC()) {
		return s.catalog.FreeTier()
	}

	tier, err := s.catalog.GetTier(sub.TierID)
	if err != nil {
		l.WarnContext(ctx, "subscription references unknown tier, resolving free tier",
			slog.Int("tierID", sub.TierID))
		return s.catalog.FreeTier()
	}
	return tier
}

// ResolveFeatures returns the feature values of the resolved tier that grant
// anything. Disabled flags and zero limits are omitted.
func (s *ServiceImpl) ResolveFeatures(ctx context.Context, userID string) map[string]types.FeatureValue {
	tier := s.ResolveTier(ctx, userID)

	features := make(map[string]types.FeatureValue, len(tier.FeatureSet))
	for key, v := range tier.FeatureSet {
		if v.Truthy() {
			features[key] = v
		}
	}
	return features
}

// HasFeature reports whether the user's tier grants the feature. Unknown
// keys and any resolution trouble answer false: a gate failure must never
// grant access.
func (s *ServiceImpl) HasFeature(ctx context.Context, userID, featureKey string) bool {
	tier := s.ResolveTier(ctx, userID)
	v, ok := tier.FeatureSet[featureKey]
	if !ok {
		return false
	}
	return v.Truthy()
}

// Invalidate drops the cached tier for a user. Called by the subscription
// service after every transition.
func (s *ServiceImpl) Invalidate(userID string) {
	s.cache.Delete(userID)
}
