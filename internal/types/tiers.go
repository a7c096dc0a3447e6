package types

// FeatureKind discriminates the two value shapes a tier feature can take.
type FeatureKind string

const (
	FeatureFlag  FeatureKind = "flag"
	FeatureLimit FeatureKind = "limit"
)

// UnlimitedLimit is the sentinel for a limit feature with no cap.
const UnlimitedLimit = -1

// FeatureValue is a typed tier feature value: either an on/off flag or an
// integer limit where UnlimitedLimit means no cap.
type FeatureValue struct {
	Kind    FeatureKind `json:"kind"`
	Enabled bool        `json:"enabled,omitempty"`
	Limit   int64       `json:"limit,omitempty"`
}

// Truthy reports whether the value grants anything at all. A disabled flag
// and a zero limit both resolve to false.
func (v FeatureValue) Truthy() bool {
	switch v.Kind {
	case FeatureFlag:
		return v.Enabled
	case FeatureLimit:
		return v.Limit == UnlimitedLimit || v.Limit > 0
	default:
		return false
	}
}

// FlagValue builds an on/off feature value.
func FlagValue(enabled bool) FeatureValue {
	return FeatureValue{Kind: FeatureFlag, Enabled: enabled}
}

// LimitValue builds an integer-limit feature value.
func LimitValue(limit int64) FeatureValue {
	return FeatureValue{Kind: FeatureLimit, Limit: limit}
}

// Tier is an immutable catalog entry. Rank ordering for upgrade/downgrade
// comparison follows ID ascending; the catalog never reorders tiers at
// runtime.
type Tier struct {
	ID           int                     `json:"id"`
	Slug         string                  `json:"slug"`
	MonthlyPrice int64                   `json:"monthlyPrice"` // integer minor units
	FeatureSet   map[string]FeatureValue `json:"featureSet"`

	// Provider-native product identifiers used to correlate purchases back
	// to a tier. Empty when a tier is not purchasable on that provider.
	StripePriceID   string `json:"stripePriceId,omitempty"`
	AppleProductID  string `json:"appleProductId,omitempty"`
	GoogleProductID string `json:"googleProductId,omitempty"`
}

// Rank returns the comparison rank used for upgrade/downgrade direction.
func (t *Tier) Rank() int {
	return t.ID
}
