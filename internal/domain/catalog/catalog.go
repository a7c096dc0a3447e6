package catalog

import (
	"fmt"
	"sort"

	"github.com/forkful/forkful-billing-api/internal/types"
)

// Feature keys understood by the entitlement resolver. Unknown keys resolve
// as absent rather than erroring, so tiers may carry deployment-specific
// extras.
const (
	FeatureAdFree       = "ad_free"
	FeatureCreatorTools = "creator_tools"
	FeatureSavedRecipes = "saved_recipes"
	FeatureWeeklyPlans  = "weekly_plans"
)

// Catalog is an immutable in-memory tier lookup. Tiers are read-only at
// runtime; changing them is a config/deploy action.
type Catalog struct {
	byID      map[int]*types.Tier
	bySlug    map[string]*types.Tier
	byProduct map[string]*types.Tier
	ordered   []*types.Tier
}

// New builds a catalog from the given tiers. At least one tier is required;
// the lowest-rank tier acts as the free fallback.
func New(tiers []*types.Tier) (*Catalog, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("catalog requires at least one tier: %w", types.ErrBadRequest)
	}

	c := &Catalog{
		byID:      make(map[int]*types.Tier, len(tiers)),
		bySlug:    make(map[string]*types.Tier, len(tiers)),
		byProduct: make(map[string]*types.Tier),
	}
	for _, t := range tiers {
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tier id %d: %w", t.ID, types.ErrConflict)
		}
		if _, dup := c.bySlug[t.Slug]; dup {
			return nil, fmt.Errorf("duplicate tier slug %q: %w", t.Slug, types.ErrConflict)
		}
		c.byID[t.ID] = t
		c.bySlug[t.Slug] = t
		for _, pid := range []string{t.StripePriceID, t.AppleProductID, t.GoogleProductID} {
			if pid != "" {
				c.byProduct[pid] = t
			}
		}
		c.ordered = append(c.ordered, t)
	}
	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].Rank() < c.ordered[j].Rank() })
	return c, nil
}

// Default returns the standard three-tier catalog shipped with the app.
func Default() *Catalog {
	c, err := New([]*types.Tier{
		{
			ID:           1,
			Slug:         "free",
			MonthlyPrice: 0,
			FeatureSet: map[string]types.FeatureValue{
				FeatureSavedRecipes: types.LimitValue(10),
			},
		},
		{
			ID:           2,
			Slug:         "regular",
			MonthlyPrice: 499,
			FeatureSet: map[string]types.FeatureValue{
				FeatureAdFree:       types.FlagValue(true),
				FeatureSavedRecipes: types.LimitValue(types.UnlimitedLimit),
				FeatureWeeklyPlans:  types.LimitValue(4),
			},
			StripePriceID:   "price_regular_monthly",
			AppleProductID:  "com.forkful.sub.regular",
			GoogleProductID: "forkful_regular_monthly",
		},
		{
			ID:           3,
			Slug:         "creator",
			MonthlyPrice: 999,
			FeatureSet: map[string]types.FeatureValue{
				FeatureAdFree:       types.FlagValue(true),
				FeatureCreatorTools: types.FlagValue(true),
				FeatureSavedRecipes: types.LimitValue(types.UnlimitedLimit),
				FeatureWeeklyPlans:  types.LimitValue(types.UnlimitedLimit),
			},
			StripePriceID:   "price_creator_monthly",
			AppleProductID:  "com.forkful.sub.creator",
			GoogleProductID: "forkful_creator_monthly",
		},
	})
	if err != nil {
		// Static tier table; a construction failure is a programming error.
		panic(err)
	}
	return c
}

// GetTier looks a tier up by id.
func (c *Catalog) GetTier(tierID int) (*types.Tier, error) {
	t, ok := c.byID[tierID]
	if !ok {
		return nil, fmt.Errorf("tier %d: %w", tierID, types.ErrNotFound)
	}
	return t, nil
}

// GetTierBySlug looks a tier up by its stable slug.
func (c *Catalog) GetTierBySlug(slug string) (*types.Tier, error) {
	t, ok := c.bySlug[slug]
	if !ok {
		return nil, fmt.Errorf("tier %q: %w", slug, types.ErrNotFound)
	}
	return t, nil
}

// GetTierByProductID resolves a provider-native product/price id to its tier.
func (c *Catalog) GetTierByProductID(productID string) (*types.Tier, error) {
	t, ok := c.byProduct[productID]
	if !ok {
		return nil, fmt.Errorf("product %q: %w", productID, types.ErrNotFound)
	}
	return t, nil
}

// FreeTier returns the lowest-rank tier, the unconditional entitlement
// fallback.
func (c *Catalog) FreeTier() *types.Tier {
	return c.ordered[0]
}

// Tiers returns the tiers in rank order.
func (c *Catalog) Tiers() []*types.Tier {
	return c.ordered
}
