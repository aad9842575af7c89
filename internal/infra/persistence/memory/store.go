// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments.
package memory

import (
	"censuscore/pkg/domain"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Provider aliases domain.Provider for in-memory persistence operations.
	Provider = domain.Provider
	// Distribution aliases domain.Distribution.
	Distribution = domain.Distribution
	// LineItem aliases domain.LineItem.
	LineItem = domain.LineItem
	// Patient aliases domain.Patient.
	Patient = domain.Patient
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	// PersistentStore aliases domain.PersistentStore abstraction.
	PersistentStore = domain.PersistentStore
)

type memoryState struct {
	providers     map[string]Provider
	distributions map[string]Distribution
	lineItems     map[string]LineItem
	patients      map[string]Patient
	sequence      int64
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Providers     map[string]Provider     `json:"providers"`
	Distributions map[string]Distribution `json:"distributions"`
	LineItems     map[string]LineItem     `json:"line_items"`
	Patients      map[string]Patient      `json:"patients"`
	Sequence      int64                   `json:"sequence"`
}

func newMemoryState() memoryState {
	return memoryState{
		providers:     make(map[string]Provider),
		distributions: make(map[string]Distribution),
		lineItems:     make(map[string]LineItem),
		patients:      make(map[string]Patient),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Providers:     make(map[string]Provider, len(state.providers)),
		Distributions: make(map[string]Distribution, len(state.distributions)),
		LineItems:     make(map[string]LineItem, len(state.lineItems)),
		Patients:      make(map[string]Patient, len(state.patients)),
		Sequence:      state.sequence,
	}
	for k, v := range state.providers {
		s.Providers[k] = v
	}
	for k, v := range state.distributions {
		s.Distributions[k] = cloneDistribution(v)
	}
	for k, v := range state.lineItems {
		s.LineItems[k] = v
	}
	for k, v := range state.patients {
		s.Patients[k] = clonePatient(v)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Providers {
		state.providers[k] = v
	}
	for k, v := range s.Distributions {
		state.distributions[k] = cloneDistribution(v)
	}
	for k, v := range s.LineItems {
		state.lineItems[k] = v
	}
	for k, v := range s.Patients {
		state.patients[k] = clonePatient(v)
	}
	state.sequence = s.Sequence
	return state
}

// migrateSnapshot normalises snapshots written by older builds or edited by
// hand: missing buckets become empty, orphaned children are dropped and the
// distribution sequence is never behind the stored distributions.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Providers == nil {
		snapshot.Providers = map[string]Provider{}
	}
	if snapshot.Distributions == nil {
		snapshot.Distributions = map[string]Distribution{}
	}
	if snapshot.LineItems == nil {
		snapshot.LineItems = map[string]LineItem{}
	}
	if snapshot.Patients == nil {
		snapshot.Patients = map[string]Patient{}
	}

	for id, dist := range snapshot.Distributions {
		if dist.Status == "" {
			dist.Status = domain.StatusCollecting
			snapshot.Distributions[id] = dist
		}
		if dist.Sequence > snapshot.Sequence {
			snapshot.Sequence = dist.Sequence
		}
	}
	for id, item := range snapshot.LineItems {
		if _, ok := snapshot.Distributions[item.DistributionID]; !ok {
			delete(snapshot.LineItems, id)
			continue
		}
		if _, ok := snapshot.Providers[item.ProviderID]; !ok {
			delete(snapshot.LineItems, id)
		}
	}
	for id, patient := range snapshot.Patients {
		if _, ok := snapshot.Distributions[patient.DistributionID]; !ok {
			delete(snapshot.Patients, id)
		}
	}
	return snapshot
}

func (s memoryState) clone() memoryState {
	return memoryStateFromSnapshot(snapshotFromMemoryState(s))
}

func cloneDistribution(d Distribution) Distribution {
	cp := d
	if d.DesignatedAt != nil {
		at := *d.DesignatedAt
		cp.DesignatedAt = &at
	}
	return cp
}

func clonePatient(p Patient) Patient {
	cp := p
	if p.Assignment != nil {
		a := *p.Assignment
		if a.CCULineItemID != nil {
			id := *a.CCULineItemID
			a.CCULineItemID = &id
		}
		if a.COVIDLineItemID != nil {
			id := *a.COVIDLineItemID
			a.COVIDLineItemID = &id
		}
		cp.Assignment = &a
	}
	return cp
}

func sortDistributionsNewestFirst(out []Distribution) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Sequence > out[j].Sequence
	})
}

func listDistributions(state *memoryState) []Distribution {
	out := make([]Distribution, 0, len(state.distributions))
	for _, d := range state.distributions {
		out = append(out, cloneDistribution(d))
	}
	sortDistributionsNewestFirst(out)
	return out
}

func currentDistribution(state *memoryState) (Distribution, bool) {
	all := listDistributions(state)
	if len(all) == 0 {
		return Distribution{}, false
	}
	return all[0], true
}

func listLineItems(state *memoryState, distributionID string) []LineItem {
	out := make([]LineItem, 0)
	for _, li := range state.lineItems {
		if li.DistributionID == distributionID {
			out = append(out, li)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func listPatients(state *memoryState, distributionID string) []Patient {
	out := make([]Patient, 0)
	for _, p := range state.patients {
		if p.DistributionID == distributionID {
			out = append(out, clonePatient(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NumberDesignation < out[j].NumberDesignation })
	return out
}

func listProviders(state *memoryState) []Provider {
	out := make([]Provider, 0, len(state.providers))
	for _, p := range state.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Abbreviation < out[j].Abbreviation })
	return out
}

func findProviderByAbbreviation(state *memoryState, abbreviation string) (Provider, bool) {
	abbreviation = domain.NormalizeAbbreviation(abbreviation)
	for _, p := range state.providers {
		if p.Abbreviation == abbreviation {
			return p, true
		}
	}
	return Provider{}, false
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu       sync.RWMutex
	state    memoryState
	engine   *RulesEngine
	nowFn    func() time.Time
	onCommit CommitHook
}

// CommitHook receives the candidate state once every rule has passed and
// before it replaces the live state. A non-nil error aborts the commit.
type CommitHook func(ctx context.Context, snapshot Snapshot) error

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// SetCommitHook installs hook as the last step of every commit. Persistent
// stores use it to write the candidate state durably before it becomes visible.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommit = hook
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc replaces the time provider. A nil fn restores the UTC wall clock.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		fn = func() time.Time { return time.Now().UTC() }
	}
	s.nowFn = fn
}

// transaction represents a mutation set applied to the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

// transactionView exposes a read-only snapshot of the transactional state to rules.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListDistributions returns all distributions, newest first.
func (v transactionView) ListDistributions() []Distribution {
	return listDistributions(v.state)
}

// FindDistribution retrieves a distribution by ID from the snapshot.
func (v transactionView) FindDistribution(id string) (Distribution, bool) {
	d, ok := v.state.distributions[id]
	if !ok {
		return Distribution{}, false
	}
	return cloneDistribution(d), true
}

// FindProvider retrieves a provider by ID from the snapshot.
func (v transactionView) FindProvider(id string) (Provider, bool) {
	p, ok := v.state.providers[id]
	return p, ok
}

// ListLineItems returns a distribution's line items in stored order.
func (v transactionView) ListLineItems(distributionID string) []LineItem {
	return listLineItems(v.state, distributionID)
}

// ListPatients returns a distribution's patients ordered by designation.
func (v transactionView) ListPatients(distributionID string) []Patient {
	return listPatients(v.state, distributionID)
}

// ListProviders returns all providers ordered by abbreviation.
func (v transactionView) ListProviders() []Provider {
	return listProviders(v.state)
}

// FindProviderByAbbreviation looks a provider up by its abbreviation.
func (v transactionView) FindProviderByAbbreviation(abbreviation string) (Provider, bool) {
	return findProviderByAbbreviation(v.state, abbreviation)
}

// RunInTransaction executes fn within a transactional copy of the store state.
// Nothing fn does is visible unless fn and every blocking rule succeed.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if s.onCommit != nil {
		if err := s.onCommit(ctx, snapshotFromMemoryState(tx.state)); err != nil {
			return Result{}, err
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

// helper to record and append change entries.
func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// CreateProvider stores a new provider. Abbreviations are unique.
func (tx *transaction) CreateProvider(p Provider) (Provider, error) {
	p.Abbreviation = domain.NormalizeAbbreviation(p.Abbreviation)
	if p.Abbreviation == "" {
		return Provider{}, errors.New("provider abbreviation is required")
	}
	if _, exists := findProviderByAbbreviation(&tx.state, p.Abbreviation); exists {
		return Provider{}, fmt.Errorf("provider %q already exists", p.Abbreviation)
	}
	if p.ID == "" {
		p.ID = tx.store.newID()
	}
	if _, exists := tx.state.providers[p.ID]; exists {
		return Provider{}, fmt.Errorf("provider %q already exists", p.ID)
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	tx.state.providers[p.ID] = p
	tx.recordChange(Change{Entity: domain.EntityProvider, Action: domain.ActionCreate, After: p})
	return p, nil
}

// FindProviderByAbbreviation exposes provider lookup within the transaction scope.
func (tx *transaction) FindProviderByAbbreviation(abbreviation string) (Provider, bool) {
	return findProviderByAbbreviation(&tx.state, abbreviation)
}

// CreateDistribution stores a new distribution and stamps its sequence.
func (tx *transaction) CreateDistribution(d Distribution) (Distribution, error) {
	if d.ID == "" {
		d.ID = tx.store.newID()
	}
	if _, exists := tx.state.distributions[d.ID]; exists {
		return Distribution{}, fmt.Errorf("distribution %q already exists", d.ID)
	}
	if d.Status == "" {
		d.Status = domain.StatusCollecting
	}
	tx.state.sequence++
	d.Sequence = tx.state.sequence
	d.CreatedAt = tx.now
	d.UpdatedAt = tx.now
	tx.state.distributions[d.ID] = cloneDistribution(d)
	tx.recordChange(Change{Entity: domain.EntityDistribution, Action: domain.ActionCreate, After: cloneDistribution(d)})
	return cloneDistribution(d), nil
}

// UpdateDistribution mutates a distribution using the provided mutator function.
func (tx *transaction) UpdateDistribution(id string, mutator func(*Distribution) error) (Distribution, error) {
	current, ok := tx.state.distributions[id]
	if !ok {
		return Distribution{}, &domain.NotFoundError{Entity: domain.EntityDistribution, ID: id}
	}
	before := cloneDistribution(current)
	if err := mutator(&current); err != nil {
		return Distribution{}, err
	}
	current.ID = id
	current.Sequence = before.Sequence
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.distributions[id] = cloneDistribution(current)
	tx.recordChange(Change{Entity: domain.EntityDistribution, Action: domain.ActionUpdate, Before: before, After: cloneDistribution(current)})
	return cloneDistribution(current), nil
}

// FindDistribution exposes distribution lookup within the transaction scope.
func (tx *transaction) FindDistribution(id string) (Distribution, bool) {
	d, ok := tx.state.distributions[id]
	if !ok {
		return Distribution{}, false
	}
	return cloneDistribution(d), true
}

// CreateLineItem stores a line item against an existing distribution and provider.
func (tx *transaction) CreateLineItem(li LineItem) (LineItem, error) {
	if _, ok := tx.state.distributions[li.DistributionID]; !ok {
		return LineItem{}, &domain.NotFoundError{Entity: domain.EntityDistribution, ID: li.DistributionID}
	}
	provider, ok := tx.state.providers[li.ProviderID]
	if !ok {
		return LineItem{}, &domain.NotFoundError{Entity: domain.EntityProvider, ID: li.ProviderID}
	}
	if li.ID == "" {
		li.ID = tx.store.newID()
	}
	if _, exists := tx.state.lineItems[li.ID]; exists {
		return LineItem{}, fmt.Errorf("line item %q already exists", li.ID)
	}
	li.Abbreviation = provider.Abbreviation
	li.CreatedAt = tx.now
	li.UpdatedAt = tx.now
	tx.state.lineItems[li.ID] = li
	tx.recordChange(Change{Entity: domain.EntityLineItem, Action: domain.ActionCreate, After: li})
	return li, nil
}

// UpdateLineItem mutates a line item's assigned census. Ownership, position
// and starting census are immutable.
func (tx *transaction) UpdateLineItem(id string, mutator func(*LineItem) error) (LineItem, error) {
	current, ok := tx.state.lineItems[id]
	if !ok {
		return LineItem{}, &domain.NotFoundError{Entity: domain.EntityLineItem, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return LineItem{}, err
	}
	if current.StartingCensus != before.StartingCensus {
		return LineItem{}, fmt.Errorf("line item %q: starting census is immutable", id)
	}
	current.ID = id
	current.DistributionID = before.DistributionID
	current.ProviderID = before.ProviderID
	current.Abbreviation = before.Abbreviation
	current.Position = before.Position
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.lineItems[id] = current
	tx.recordChange(Change{Entity: domain.EntityLineItem, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// ListLineItems returns a distribution's line items in stored order.
func (tx *transaction) ListLineItems(distributionID string) []LineItem {
	return listLineItems(&tx.state, distributionID)
}

// CreatePatient stores a patient slot against an existing distribution.
func (tx *transaction) CreatePatient(p Patient) (Patient, error) {
	if _, ok := tx.state.distributions[p.DistributionID]; !ok {
		return Patient{}, &domain.NotFoundError{Entity: domain.EntityDistribution, ID: p.DistributionID}
	}
	if p.ID == "" {
		p.ID = tx.store.newID()
	}
	if _, exists := tx.state.patients[p.ID]; exists {
		return Patient{}, fmt.Errorf("patient %q already exists", p.ID)
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	tx.state.patients[p.ID] = clonePatient(p)
	tx.recordChange(Change{Entity: domain.EntityPatient, Action: domain.ActionCreate, After: clonePatient(p)})
	return clonePatient(p), nil
}

// UpdatePatient mutates a patient's flags and assignment.
func (tx *transaction) UpdatePatient(id string, mutator func(*Patient) error) (Patient, error) {
	current, ok := tx.state.patients[id]
	if !ok {
		return Patient{}, &domain.NotFoundError{Entity: domain.EntityPatient, ID: id}
	}
	before := clonePatient(current)
	if err := mutator(&current); err != nil {
		return Patient{}, err
	}
	current.ID = id
	current.DistributionID = before.DistributionID
	current.NumberDesignation = before.NumberDesignation
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.patients[id] = clonePatient(current)
	tx.recordChange(Change{Entity: domain.EntityPatient, Action: domain.ActionUpdate, Before: before, After: clonePatient(current)})
	return clonePatient(current), nil
}

// ListPatients returns a distribution's patients ordered by designation.
func (tx *transaction) ListPatients(distributionID string) []Patient {
	return listPatients(&tx.state, distributionID)
}

// Read helpers ---------------------------------------------------------------

// GetProvider retrieves a provider by ID from committed state.
func (s *Store) GetProvider(id string) (Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.providers[id]
	return p, ok
}

// FindProviderByAbbreviation retrieves a provider by abbreviation from committed state.
func (s *Store) FindProviderByAbbreviation(abbreviation string) (Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findProviderByAbbreviation(&s.state, abbreviation)
}

// ListProviders returns all providers ordered by abbreviation.
func (s *Store) ListProviders() []Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listProviders(&s.state)
}

// GetDistribution retrieves a distribution by ID.
func (s *Store) GetDistribution(id string) (Distribution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.state.distributions[id]
	if !ok {
		return Distribution{}, false
	}
	return cloneDistribution(d), true
}

// CurrentDistribution returns the most recently created distribution.
func (s *Store) CurrentDistribution() (Distribution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return currentDistribution(&s.state)
}

// ListDistributions returns all distributions, newest first.
func (s *Store) ListDistributions() []Distribution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDistributions(&s.state)
}

// ListLineItems returns a distribution's line items in stored order.
func (s *Store) ListLineItems(distributionID string) []LineItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listLineItems(&s.state, distributionID)
}

// ListPatients returns a distribution's patients ordered by designation.
func (s *Store) ListPatients(distributionID string) []Patient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPatients(&s.state, distributionID)
}
