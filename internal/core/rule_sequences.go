package core

import (
	"censuscore/pkg/domain"
	"context"
	"fmt"
)

// NewPatientSequenceRule returns the rule requiring patient number
// designations in each distribution to run 1..N without gaps or repeats.
func NewPatientSequenceRule() domain.Rule {
	return patientSequenceRule{}
}

type patientSequenceRule struct{}

func (patientSequenceRule) Name() string { return "patient_sequence" }

func (r patientSequenceRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, dist := range view.ListDistributions() {
		// ListPatients is ordered by designation, so position i must hold i+1.
		for i, patient := range view.ListPatients(dist.ID) {
			if patient.NumberDesignation == i+1 {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("distribution %s: expected patient #%d, found #%d", dist.ID, i+1, patient.NumberDesignation),
				Entity:   domain.EntityPatient,
				EntityID: patient.ID,
			})
			break
		}
	}
	return res, nil
}

// NewLineItemOrderRule returns the rule requiring line item positions in each
// distribution to run 0..M-1 so entry order is unambiguous.
func NewLineItemOrderRule() domain.Rule {
	return lineItemOrderRule{}
}

type lineItemOrderRule struct{}

func (lineItemOrderRule) Name() string { return "line_item_order" }

func (r lineItemOrderRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, dist := range view.ListDistributions() {
		for i, item := range view.ListLineItems(dist.ID) {
			if item.Position == i {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("distribution %s: expected position %d, found %d for %s", dist.ID, i, item.Position, item.Abbreviation),
				Entity:   domain.EntityLineItem,
				EntityID: item.ID,
			})
			break
		}
	}
	return res, nil
}
