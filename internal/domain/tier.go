package domain

import "strings"

// ListingTier is a paid promotion level purchasable for a car or rental listing.
type ListingTier string

const (
	TierFeatured        ListingTier = "FEATURED"
	TierPremium         ListingTier = "PREMIUM"
	TierSpotlight       ListingTier = "SPOTLIGHT"
	TierFeaturedRental  ListingTier = "FEATURED_RENTAL"
	TierPremiumFleet    ListingTier = "PREMIUM_FLEET"
	TierSpotlightRental ListingTier = "SPOTLIGHT_RENTAL"
)

var allListingTiers = []ListingTier{
	TierFeatured,
	TierPremium,
	TierSpotlight,
	TierFeaturedRental,
	TierPremiumFleet,
	TierSpotlightRental,
}

// AllListingTiers returns every tier in display order.
func AllListingTiers() []ListingTier {
	tiers := make([]ListingTier, len(allListingTiers))
	copy(tiers, allListingTiers)
	return tiers
}

// IsValid reports whether t is one of the defined tiers.
func (t ListingTier) IsValid() bool {
	for _, tier := range allListingTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// ParseListingTier parses a tier name case-insensitively.
func ParseListingTier(s string) (ListingTier, bool) {
	tier := ListingTier(strings.ToUpper(strings.TrimSpace(s)))
	return tier, tier.IsValid()
}

// PriceQuote is the price of a tier in minor currency units.
// It is recomputed from the catalog on every request and never persisted on its own.
type PriceQuote struct {
	Tier     ListingTier `json:"tier"`
	Amount   int64       `json:"amount"`
	Currency string      `json:"currency"`
}
