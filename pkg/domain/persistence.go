package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. Nothing in the domain is deleted, so
// the surface is create, update and lookup only.
type Transaction interface {
	Snapshot() TransactionView
	CreateProvider(Provider) (Provider, error)
	FindProviderByAbbreviation(abbreviation string) (Provider, bool)
	CreateDistribution(Distribution) (Distribution, error)
	UpdateDistribution(id string, mutator func(*Distribution) error) (Distribution, error)
	FindDistribution(id string) (Distribution, bool)
	CreateLineItem(LineItem) (LineItem, error)
	UpdateLineItem(id string, mutator func(*LineItem) error) (LineItem, error)
	ListLineItems(distributionID string) []LineItem
	CreatePatient(Patient) (Patient, error)
	UpdatePatient(id string, mutator func(*Patient) error) (Patient, error)
	ListPatients(distributionID string) []Patient
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	RuleView
	ListProviders() []Provider
	FindProviderByAbbreviation(abbreviation string) (Provider, bool)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetProvider(id string) (Provider, bool)
	FindProviderByAbbreviation(abbreviation string) (Provider, bool)
	ListProviders() []Provider
	GetDistribution(id string) (Distribution, bool)
	// CurrentDistribution returns the most recently created distribution.
	CurrentDistribution() (Distribution, bool)
	// ListDistributions returns all distributions, newest first.
	ListDistributions() []Distribution
	// ListLineItems returns a distribution's line items in stored order.
	ListLineItems(distributionID string) []LineItem
	// ListPatients returns a distribution's patients by number designation.
	ListPatients(distributionID string) []Patient
}
