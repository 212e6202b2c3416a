// Package provider contains the adapters that talk to external payment providers.
package provider

import (
	"context"

	"dealerpay/internal/domain"
)

// InitiateRequest carries everything an adapter needs to start a transaction.
type InitiateRequest struct {
	Quote          domain.PriceQuote
	IdempotencyKey string
	PaymentID      string
	UserID         string
	ListingID      string
	ReturnURL      string
	CancelURL      string
	PhoneNumber    string
}

// Adapter starts a transaction with one provider.
type Adapter interface {
	Kind() domain.ProviderKind
	Initiate(ctx context.Context, req InitiateRequest) (*domain.ProviderHandle, error)
}

// StatusQuerier is implemented by adapters whose provider can be asked for a transaction's outcome.
// OutcomeProcessing means the provider has no verdict yet.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, reference string) (domain.Outcome, string, error)
}

// NativelyIdempotent is implemented by adapters whose provider deduplicates requests by key.
type NativelyIdempotent interface {
	Idempotent() bool
}

func isNativelyIdempotent(a Adapter) bool {
	ni, ok := a.(NativelyIdempotent)
	return ok && ni.Idempotent()
}

// Registry resolves adapters by provider kind.
type Registry struct {
	adapters map[domain.ProviderKind]Adapter
}

// NewRegistry creates a registry. A later adapter of the same kind replaces an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.ProviderKind]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

// Get returns the adapter for kind.
func (r *Registry) Get(kind domain.ProviderKind) (Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}
