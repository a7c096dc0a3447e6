package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkful/forkful-billing-api/internal/types"
)

func TestNew(t *testing.T) {
	t.Run("rejects empty tier list", func(t *testing.T) {
		_, err := New(nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrBadRequest))
	})

	t.Run("rejects duplicate ids", func(t *testing.T) {
		_, err := New([]*types.Tier{
			{ID: 1, Slug: "free"},
			{ID: 1, Slug: "other"},
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrConflict))
	})

	t.Run("rejects duplicate slugs", func(t *testing.T) {
		_, err := New([]*types.Tier{
			{ID: 1, Slug: "free"},
			{ID: 2, Slug: "free"},
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrConflict))
	})

	t.Run("orders tiers by rank regardless of input order", func(t *testing.T) {
		c, err := New([]*types.Tier{
			{ID: 3, Slug: "creator"},
			{ID: 1, Slug: "free"},
			{ID: 2, Slug: "regular"},
		})
		require.NoError(t, err)
		assert.Equal(t, "free", c.FreeTier().Slug)
		assert.Equal(t, []string{"free", "regular", "creator"}, tierSlugs(c.Tiers()))
	})
}

func TestCatalog_Lookups(t *testing.T) {
	c := Default()

	t.Run("by id", func(t *testing.T) {
		tier, err := c.GetTier(2)
		require.NoError(t, err)
		assert.Equal(t, "regular", tier.Slug)

		_, err = c.GetTier(42)
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})

	t.Run("by slug", func(t *testing.T) {
		tier, err := c.GetTierBySlug("creator")
		require.NoError(t, err)
		assert.Equal(t, 3, tier.ID)

		_, err = c.GetTierBySlug("platinum")
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})

	t.Run("by provider product id", func(t *testing.T) {
		byStripe, err := c.GetTierByProductID("price_regular_monthly")
		require.NoError(t, err)
		assert.Equal(t, "regular", byStripe.Slug)

		byApple, err := c.GetTierByProductID("com.forkful.sub.creator")
		require.NoError(t, err)
		assert.Equal(t, "creator", byApple.Slug)

		byGoogle, err := c.GetTierByProductID("forkful_regular_monthly")
		require.NoError(t, err)
		assert.Equal(t, "regular", byGoogle.Slug)

		_, err = c.GetTierByProductID("sku_unknown")
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})
}

func TestDefault_FeatureGrants(t *testing.T) {
	c := Default()

	free, _ := c.GetTier(1)
	regular, _ := c.GetTier(2)
	creator, _ := c.GetTier(3)

	assert.False(t, free.FeatureSet[FeatureAdFree].Truthy())
	assert.EqualValues(t, 10, free.FeatureSet[FeatureSavedRecipes].Limit)

	assert.True(t, regular.FeatureSet[FeatureAdFree].Truthy())
	assert.EqualValues(t, types.UnlimitedLimit, regular.FeatureSet[FeatureSavedRecipes].Limit)
	assert.False(t, regular.FeatureSet[FeatureCreatorTools].Truthy())

	assert.True(t, creator.FeatureSet[FeatureCreatorTools].Truthy())
	assert.EqualValues(t, types.UnlimitedLimit, creator.FeatureSet[FeatureWeeklyPlans].Limit)
}

func tierSlugs(tiers []*types.Tier) []string {
	slugs := make([]string, 0, len(tiers))
	for _, tr := range tiers {
		slugs = append(slugs, tr.Slug)
	}
	return slugs
}
