package core

import (
	"censuscore/internal/infra/persistence/memory"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Service runs the shift workflow: build a roster, materialise the incoming
// patients, then designate and balance them across providers. Every mutating
// operation is a single store transaction.
type Service struct {
	store   PersistentStore
	logger  *zap.Logger
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	now     func() time.Time
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...ServiceOption) *Service {
	svc := &Service{
		store:   store,
		logger:  zap.NewNop(),
		audit:   noopAuditRecorder{},
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// NewInMemoryService creates a service and in-memory store with the given rules engine.
func NewInMemoryService(engine *RulesEngine, opts ...ServiceOption) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// run wraps one operation with tracing, metrics, audit and logging.
func (s *Service) run(ctx context.Context, op string, entity EntityType, action Action, fn func(ctx context.Context) (string, error)) error {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, op)
	id, err := fn(ctx)
	elapsed := time.Since(started)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, elapsed)

	entry := AuditEntry{
		Operation: op,
		Entity:    entity,
		Action:    action,
		EntityID:  id,
		Status:    AuditStatusSuccess,
		Duration:  elapsed,
		Timestamp: s.now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		s.logger.Warn("operation failed", zap.String("operation", op), zap.String("distribution_id", id), zap.Error(err))
	}
	s.audit.Record(ctx, entry)
	return err
}

// BuildDistribution starts a new distribution from an ordered roster. Each
// row's provider is looked up by abbreviation and created if unknown. Line
// items keep the roster order and begin with assigned census equal to the
// starting census.
func (s *Service) BuildDistribution(ctx context.Context, rows []ProviderRow) (Distribution, []LineItem, error) {
	var dist Distribution
	var items []LineItem
	err := s.run(ctx, "build_distribution", EntityDistribution, ActionCreate, func(ctx context.Context) (string, error) {
		if err := validateRoster(rows); err != nil {
			return "", err
		}
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			var err error
			dist, err = tx.CreateDistribution(Distribution{Status: StatusCollecting})
			if err != nil {
				return err
			}
			items = make([]LineItem, 0, len(rows))
			for i, row := range rows {
				abbreviation := NormalizeAbbreviation(row.Abbreviation)
				provider, ok := tx.FindProviderByAbbreviation(abbreviation)
				if !ok {
					provider, err = tx.CreateProvider(Provider{Abbreviation: abbreviation})
					if err != nil {
						return err
					}
				}
				item, err := tx.CreateLineItem(LineItem{
					DistributionID: dist.ID,
					ProviderID:     provider.ID,
					Position:       i,
					StartingCensus: row.Census,
					AssignedCensus: row.Census,
				})
				if err != nil {
					return err
				}
				items = append(items, item)
			}
			return nil
		})
		return dist.ID, err
	})
	if err != nil {
		return Distribution{}, nil, err
	}
	s.logger.Info("distribution built",
		zap.String("distribution_id", dist.ID),
		zap.Int64("sequence", dist.Sequence),
		zap.Int("line_items", len(items)))
	return dist, items, nil
}

func validateRoster(rows []ProviderRow) error {
	if len(rows) == 0 {
		return &ValidationError{Field: "rows", Reason: "at least one provider row is required"}
	}
	seen := make(map[string]int, len(rows))
	for i, row := range rows {
		abbreviation := NormalizeAbbreviation(row.Abbreviation)
		if abbreviation == "" {
			return NewValidationError(fmt.Sprintf("rows[%d].abbreviation", i), "abbreviation is required")
		}
		if prev, ok := seen[abbreviation]; ok {
			return NewValidationError(fmt.Sprintf("rows[%d].abbreviation", i), "provider %q already listed at row %d", abbreviation, prev)
		}
		seen[abbreviation] = i
		if err := row.Census.Validate(); err != nil {
			return NewValidationError(fmt.Sprintf("rows[%d].census", i), "%v", err)
		}
	}
	return nil
}

// CreatePatients materialises count unflagged patients numbered 1..count on a
// distribution that has no patients yet.
func (s *Service) CreatePatients(ctx context.Context, distributionID string, count int) ([]Patient, error) {
	var patients []Patient
	err := s.run(ctx, "create_patients", EntityPatient, ActionCreate, func(ctx context.Context) (string, error) {
		if count <= 0 {
			return distributionID, NewValidationError("count", "must be positive, got %d", count)
		}
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			dist, err := findDistribution(tx, distributionID)
			if err != nil {
				return err
			}
			if dist.Status != StatusCollecting {
				return &PreconditionError{DistributionID: dist.ID, Status: dist.Status, Reason: "patients have already been created"}
			}
			patients = make([]Patient, 0, count)
			for n := 1; n <= count; n++ {
				patient, err := tx.CreatePatient(Patient{DistributionID: dist.ID, NumberDesignation: n})
				if err != nil {
					return err
				}
				patients = append(patients, patient)
			}
			_, err = tx.UpdateDistribution(dist.ID, func(d *Distribution) error {
				d.Status = StatusCounted
				return nil
			})
			return err
		})
		return distributionID, err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("patients created", zap.String("distribution_id", distributionID), zap.Int("count", count))
	return patients, nil
}

// DesignateAndDistribute applies one flag pair per patient, in designation
// order, and balances each patient onto the least loaded providers. It runs
// once per distribution; ResetDesignation re-opens it.
func (s *Service) DesignateAndDistribute(ctx context.Context, distributionID string, flags []PatientFlags) (Distribution, []LineItem, []Patient, error) {
	var dist Distribution
	var items []LineItem
	var patients []Patient
	err := s.run(ctx, "designate_and_distribute", EntityDistribution, ActionUpdate, func(ctx context.Context) (string, error) {
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			current, err := findDistribution(tx, distributionID)
			if err != nil {
				return err
			}
			switch current.Status {
			case StatusCollecting:
				return &PreconditionError{DistributionID: current.ID, Status: current.Status, Reason: "no patients to designate"}
			case StatusDesignated:
				return &PreconditionError{DistributionID: current.ID, Status: current.Status, Reason: "patients already distributed; reset before designating again"}
			}
			patients = tx.ListPatients(current.ID)
			if len(flags) != len(patients) {
				return NewValidationError("flags", "expected %d entries, got %d", len(patients), len(flags))
			}
			items = tx.ListLineItems(current.ID)
			if len(items) == 0 {
				return &PreconditionError{DistributionID: current.ID, Status: current.Status, Reason: "distribution has no providers"}
			}

			balance(items, patients, flags)

			if items, err = saveLineItems(tx, items); err != nil {
				return err
			}
			for i, patient := range patients {
				updated, err := tx.UpdatePatient(patient.ID, func(p *Patient) error {
					p.CCU = patient.CCU
					p.COVID = patient.COVID
					p.Assignment = patient.Assignment
					return nil
				})
				if err != nil {
					return err
				}
				patients[i] = updated
			}
			designatedAt := s.now()
			dist, err = tx.UpdateDistribution(current.ID, func(d *Distribution) error {
				d.Status = StatusDesignated
				d.DesignatedAt = &designatedAt
				return nil
			})
			return err
		})
		return distributionID, err
	})
	if err != nil {
		return Distribution{}, nil, nil, err
	}
	s.observeCensus(ctx, items)
	s.logger.Info("patients distributed",
		zap.String("distribution_id", dist.ID),
		zap.Int("count", len(patients)),
		zap.Int("line_items", len(items)))
	return dist, items, patients, nil
}

// ResetDesignation undoes DesignateAndDistribute: assigned census returns to
// the starting census, flags and assignments are cleared and the distribution
// goes back to counted.
func (s *Service) ResetDesignation(ctx context.Context, distributionID string) (Distribution, []LineItem, []Patient, error) {
	var dist Distribution
	var items []LineItem
	var patients []Patient
	err := s.run(ctx, "reset_designation", EntityDistribution, ActionUpdate, func(ctx context.Context) (string, error) {
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			current, err := findDistribution(tx, distributionID)
			if err != nil {
				return err
			}
			if current.Status != StatusDesignated {
				return &PreconditionError{DistributionID: current.ID, Status: current.Status, Reason: "nothing to reset"}
			}
			items = tx.ListLineItems(current.ID)
			for i := range items {
				items[i].AssignedCensus = items[i].StartingCensus
			}
			if items, err = saveLineItems(tx, items); err != nil {
				return err
			}
			patients = tx.ListPatients(current.ID)
			for i, patient := range patients {
				patients[i], err = tx.UpdatePatient(patient.ID, func(p *Patient) error {
					p.CCU = false
					p.COVID = false
					p.Assignment = nil
					return nil
				})
				if err != nil {
					return err
				}
			}
			dist, err = tx.UpdateDistribution(current.ID, func(d *Distribution) error {
				d.Status = StatusCounted
				d.DesignatedAt = nil
				return nil
			})
			return err
		})
		return distributionID, err
	})
	if err != nil {
		return Distribution{}, nil, nil, err
	}
	s.observeCensus(ctx, items)
	s.logger.Info("designation reset", zap.String("distribution_id", dist.ID), zap.Int("count", len(patients)))
	return dist, items, patients, nil
}

func saveLineItems(tx Transaction, items []LineItem) ([]LineItem, error) {
	out := make([]LineItem, 0, len(items))
	for _, item := range items {
		assigned := item.AssignedCensus
		updated, err := tx.UpdateLineItem(item.ID, func(li *LineItem) error {
			li.AssignedCensus = assigned
			return nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, updated)
	}
	return out, nil
}

func findDistribution(tx Transaction, id string) (Distribution, error) {
	dist, ok := tx.FindDistribution(id)
	if !ok {
		return Distribution{}, &NotFoundError{Entity: EntityDistribution, ID: id}
	}
	return dist, nil
}

func (s *Service) observeCensus(ctx context.Context, items []LineItem) {
	if observer, ok := s.metrics.(CensusObserver); ok {
		observer.ObserveCensus(ctx, items)
	}
}

// CurrentDistribution returns the most recently created distribution.
func (s *Service) CurrentDistribution(_ context.Context) (Distribution, error) {
	dist, ok := s.store.CurrentDistribution()
	if !ok {
		return Distribution{}, &NotFoundError{Entity: EntityDistribution, ID: "current"}
	}
	return dist, nil
}

// GetDistribution returns a distribution by ID.
func (s *Service) GetDistribution(_ context.Context, id string) (Distribution, error) {
	dist, ok := s.store.GetDistribution(id)
	if !ok {
		return Distribution{}, &NotFoundError{Entity: EntityDistribution, ID: id}
	}
	return dist, nil
}

// ListDistributions returns every distribution, newest first.
func (s *Service) ListDistributions(_ context.Context) []Distribution {
	return s.store.ListDistributions()
}

// OrderedLineItems returns a distribution's line items in roster order.
func (s *Service) OrderedLineItems(ctx context.Context, distributionID string) ([]LineItem, error) {
	if _, err := s.GetDistribution(ctx, distributionID); err != nil {
		return nil, err
	}
	return s.store.ListLineItems(distributionID), nil
}

// Patients returns a distribution's patients by number designation.
func (s *Service) Patients(ctx context.Context, distributionID string) ([]Patient, error) {
	if _, err := s.GetDistribution(ctx, distributionID); err != nil {
		return nil, err
	}
	return s.store.ListPatients(distributionID), nil
}

// CurrentRoster returns the current distribution's roster as provider rows
// carrying each line item's starting census, ready to seed the next build.
// It returns an empty roster when no distribution exists.
func (s *Service) CurrentRoster(ctx context.Context) ([]ProviderRow, error) {
	var rows []ProviderRow
	err := s.store.View(ctx, func(view TransactionView) error {
		dists := view.ListDistributions()
		if len(dists) == 0 {
			return nil
		}
		items := view.ListLineItems(dists[0].ID)
		rows = make([]ProviderRow, 0, len(items))
		for _, item := range items {
			rows = append(rows, ProviderRow{Abbreviation: item.Abbreviation, Census: item.StartingCensus})
		}
		return nil
	})
	return rows, err
}
