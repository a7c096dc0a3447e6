package entitlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/forkful/forkful-billing-api/internal/domain/catalog"
	"github.com/forkful/forkful-billing-api/internal/types"
)

// MockSubscriptionReader is a mock implementation of SubscriptionReader
type MockSubscriptionReader struct {
	mock.Mock
}

func (m *MockSubscriptionReader) GetUserSubscription(ctx context.Context, userID string) (*types.Subscription, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Subscription), args.Error(1)
}

func setupEntitlementTest(t *testing.T) (*ServiceImpl, *MockSubscriptionReader) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mockReader := new(MockSubscriptionReader)
	svc := NewService(mockReader, catalog.Default(), logger)
	return svc, mockReader
}

func subscriptionForTier(userID string, tierID int) *types.Subscription {
	now := time.Now().UTC()
	return &types.Subscription{
		ID:                 uuid.New(),
		UserID:             userID,
		TierID:             tierID,
		Status:             types.SubscriptionActive,
		CurrentPeriodStart: now.Add(-time.Hour),
		CurrentPeriodEnd:   now.Add(24 * time.Hour),
		Provider:           types.ProviderStripe,
	}
}

func TestServiceImpl_ResolveTier(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves the subscribed tier", func(t *testing.T) {
		svc, mockReader := setupEntitlementTest(t)

		mockReader.On("GetUserSubscription", mock.Anything, "user-1").
			Return(subscriptionForTier("user-1", 3), nil).Once()

		tier := svc.ResolveTier(ctx, "user-1")
		assert.Equal(t, "creator", tier.Slug)
	})

	t.Run("empty user resolves free without a read", func(t *testing.T) {
		svc, mockReader := setupEntitlementTest(t)

		tier := svc.ResolveTier(ctx, "")
		assert.Equal(t, "free", tier.Slug)
		mockReader.AssertNotCalled(t, "GetUserSubscription", mock.Anything, mock.Anything)
	})

	t.Run("no subscription resolves free", func(t *testing.T) {
		svc, mockReader := setupEntitlementTest(t)

		mockReader.On("GetUserSubscription", mock.Anything, "user-1").
			Return(nil, types.ErrNotFound).Once()

		tier := svc.ResolveTier(ctx, "user-1")
		assert.Equal(t, "free", tier.Slug)
	})

	t.Run("storage failure resolves free, never an error", func(t *testing.T) {
		svc, mockReader := setupEntitlementTest(t)

		mockReader.On("GetUserSubscription", mock.Anything, "user-1").
			Return(nil, errors.New("connection refused")).Once()

		tier := svc.ResolveTier(ctx, "user-1")
		assert.Equal(t, "free", tier.Slug)
	})

	t.Run("elapsed period resolves free even while marked active", func(t *testing.T) {
		svc, mockReader := setupEntitlementTest(t)
		sub := subscriptionForTier("user-1", 2)
		sub.CurrentPeriodEnd = time.Now().Add(-time.Minute)

		mockReader.On("GetUserSubscription", mock.Anything, "user-1").
			Return(sub, nil).Once()

		tier := svc.ResolveTier(ctx, "user-1")
		assert.Equal(t, "free", tier.Slug)
	})

	t.Run("unknown tier reference resolves free", func(t *testing.T) {
		svc, mockReader := setupEntitlementTest(t)

		mockReader.On("GetUserSubscription", mock.Anything, "user-1").
			Return(subscriptionForTier("user-1", 42), nil).Once()

		tier := svc.ResolveTier(ctx, "user-1")
		assert.Equal(t, "free", tier.Slug)
	})

	t.Run("second resolve within the TTL is served from cache", func(t *testing.T) {
		svc, mockReader := setupEntitlementTest(t)

		mockReader.On("GetUserSubscription", mock.Anything, "user-1").
			Return(subscriptionForTier("user-1", 2), nil).Once()

		first := svc.ResolveTier(ctx, "user-1")
		second := svc.ResolveTier(ctx, "user-1")
		assert.Equal(t, first.Slug, second.Slug)
		mockReader.AssertNumberOfCalls(t, "GetUserSubscription", 1)
	})

	t.Run("invalidation forces a fresh read", func(t *testing.T) {
		svc, mockReader := setupEntitlementTest(t)

		mockReader.On("GetUserSubscription", mock.Anything, "user-1").
			Return(subscriptionForTier("user-1", 2), nil).Once()
		mockReader.On("GetUserSubscription", mock.Anything, "user-1").
			Return(subscriptionForTier("user-1", 3), nil).Once()

		before := svc.ResolveTier(ctx, "user-1")
		svc.Invalidate("user-1")
		after := svc.ResolveTier(ctx, "user-1")

		assert.Equal(t, "regular", before.Slug)
		assert.Equal(t, "creator", after.Slug)
		mockReader.AssertExpectations(t)
	})
}

func TestServiceImpl_ResolveFeatures(t *testing.T) {
	ctx := context.Background()

	t.Run("omits features that grant nothing", func(t *testing.T) {
		svc, mockReader := setupEntitlementTest(t)

		mockReader.On("GetUserSubscription", mock.Anything, "user-1").
			Return(subscriptionForTier("user-1", 2), nil).Once()

		features := svc.ResolveFeatures(ctx, "user-1")
		require.Contains(t, features, catalog.FeatureAdFree)
		require.Contains(t, features, catalog.FeatureSavedRecipes)
		assert.NotContains(t, features, catalog.FeatureCreatorTools)
	})

	t.Run("free tier keeps its limited grants", func(t *testing.T) {
		svc, mockReader := setupEntitlementTest(t)

		mockReader.On("GetUserSubscription", mock.Anything, "user-1").
			Return(nil, types.ErrNotFound).Once()

		features := svc.ResolveFeatures(ctx, "user-1")
		require.Contains(t, features, catalog.FeatureSavedRecipes)
		assert.EqualValues(t, 10, features[catalog.FeatureSavedRecipes].Limit)
	})
}

func TestServiceImpl_HasFeature(t *testing.T) {
	ctx := context.Background()

	t.Run("grants a flag the tier enables", func(t *testing.T) {
		svc, mockReader := setupEntitlementTest(t)

		mockReader.On("GetUserSubscription", mock.Anything, "user-1").
			Return(subscriptionForTier("user-1", 2), nil).Once()

		assert.True(t, svc.HasFeature(ctx, "user-1", catalog.FeatureAdFree))
	})

	t.Run("denies on unknown feature key", func(t *testing.T) {
		svc, mockReader := setupEntitlementTest(t)

		mockReader.On("GetUserSubscription", mock.Anything, "user-1").
			Return(subscriptionForTier("user-1", 3), nil).Once()

		assert.False(t, svc.HasFeature(ctx, "user-1", "time_travel"))
	})

	t.Run("denies when resolution degrades to free", func(t *testing.T) {
		svc, mockReader := setupEntitlementTest(t)

		mockReader.On("GetUserSubscription", mock.Anything, "user-1").
			Return(nil, errors.New("timeout")).Once()

		assert.False(t, svc.HasFeature(ctx, "user-1", catalog.FeatureAdFree))
	})
}
