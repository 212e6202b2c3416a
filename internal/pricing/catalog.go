// Package pricing maps listing tiers to prices.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"dealerpay/internal/domain"
)

// ErrUnknownTier is returned when a quote is requested for a value outside the tier enumeration.
var ErrUnknownTier = errors.New("unknown listing tier")

// Price is an amount in minor units of Currency.
type Price struct {
	Amount   int64
	Currency string
}

// PriceList maps every tier to a price.
type PriceList map[domain.ListingTier]Price

// DefaultPrices is the base price list in US cents.
func DefaultPrices() PriceList {
	return PriceList{
		domain.TierFeatured:        {Amount: 999, Currency: "USD"},
		domain.TierPremium:         {Amount: 1999, Currency: "USD"},
		domain.TierSpotlight:       {Amount: 2999, Currency: "USD"},
		domain.TierFeaturedRental:  {Amount: 1499, Currency: "USD"},
		domain.TierPremiumFleet:    {Amount: 4999, Currency: "USD"},
		domain.TierSpotlightRental: {Amount: 3499, Currency: "USD"},
	}
}

// DefaultMobileMoneyPrices is the mobile-money price list in Kenyan cents.
func DefaultMobileMoneyPrices() PriceList {
	return PriceList{
		domain.TierFeatured:        {Amount: 130000, Currency: "KES"},
		domain.TierPremium:         {Amount: 260000, Currency: "KES"},
		domain.TierSpotlight:       {Amount: 390000, Currency: "KES"},
		domain.TierFeaturedRental:  {Amount: 195000, Currency: "KES"},
		domain.TierPremiumFleet:    {Amount: 650000, Currency: "KES"},
		domain.TierSpotlightRental: {Amount: 455000, Currency: "KES"},
	}
}

// Catalog resolves tier prices. It is immutable after construction and safe for concurrent use.
type Catalog struct {
	base      PriceList
	overrides map[domain.ProviderKind]PriceList
}

// NewCatalog builds a catalog from a base list and optional per-provider lists.
// Every list must price every tier with a positive amount.
func NewCatalog(base PriceList, overrides map[domain.ProviderKind]PriceList) (*Catalog, error) {
	if err := validateList(base); err != nil {
		return nil, fmt.Errorf("base price list: %w", err)
	}

	c := &Catalog{
		base:      normalize(base),
		overrides: make(map[domain.ProviderKind]PriceList, len(overrides)),
	}
	for provider, list := range overrides {
		if !provider.IsValid() {
			return nil, fmt.Errorf("price list for unsupported provider %q", provider)
		}
		if err := validateList(list); err != nil {
			return nil, fmt.Errorf("%s price list: %w", provider, err)
		}
		c.overrides[provider] = normalize(list)
	}

	return c, nil
}

// NewDefaultCatalog returns the catalog used in production: USD base prices and KES for mobile money.
func NewDefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultPrices(), map[domain.ProviderKind]PriceList{
		domain.ProviderMobileMoney: DefaultMobileMoneyPrices(),
	})
	if err != nil {
		panic(err)
	}
	return c
}

// Quote returns the provider-agnostic price of a tier.
func (c *Catalog) Quote(tier domain.ListingTier) (domain.PriceQuote, error) {
	return quoteFrom(c.base, tier)
}

// QuoteFor returns the price a provider charges for a tier, falling back to the base list.
func (c *Catalog) QuoteFor(tier domain.ListingTier, provider domain.ProviderKind) (domain.PriceQuote, error) {
	if list, ok := c.overrides[provider]; ok {
		return quoteFrom(list, tier)
	}
	return quoteFrom(c.base, tier)
}

// All returns the base quotes in display order.
func (c *Catalog) All() []domain.PriceQuote {
	return c.AllFor("")
}

// AllFor returns the quotes for a provider in display order. An empty provider means the base list.
func (c *Catalog) AllFor(provider domain.ProviderKind) []domain.PriceQuote {
	list := c.base
	if override, ok := c.overrides[provider]; ok {
		list = override
	}

	tiers := domain.AllListingTiers()
	quotes := make([]domain.PriceQuote, 0, len(tiers))
	for _, tier := range tiers {
		q, _ := quoteFrom(list, tier)
		quotes = append(quotes, q)
	}
	return quotes
}

func quoteFrom(list PriceList, tier domain.ListingTier) (domain.PriceQuote, error) {
	price, ok := list[tier]
	if !ok || !tier.IsValid() {
		return domain.PriceQuote{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return domain.PriceQuote{Tier: tier, Amount: price.Amount, Currency: price.Currency}, nil
}

func validateList(list PriceList) error {
	for _, tier := range domain.AllListingTiers() {
		price, ok := list[tier]
		if !ok {
			return fmt.Errorf("missing price for tier %s", tier)
		}
		if price.Amount <= 0 {
			return fmt.Errorf("non-positive price for tier %s", tier)
		}
		if len(strings.TrimSpace(price.Currency)) != 3 {
			return fmt.Errorf("invalid currency %q for tier %s", price.Currency, tier)
		}
	}
	return nil
}

func normalize(list PriceList) PriceList {
	out := make(PriceList, len(list))
	for tier, price := range list {
		out[tier] = Price{Amount: price.Amount, Currency: strings.ToUpper(strings.TrimSpace(price.Currency))}
	}
	return out
}
