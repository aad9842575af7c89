package core

import (
	"censuscore/pkg/domain"
	"context"
	"fmt"
)

// NewCensusBoundsRule returns the in-transaction rule that keeps every line
// item census consistent and never below where the shift started.
func NewCensusBoundsRule() domain.Rule {
	return censusBoundsRule{}
}

type censusBoundsRule struct{}

func (censusBoundsRule) Name() string { return "census_bounds" }

func (r censusBoundsRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, dist := range view.ListDistributions() {
		for _, item := range view.ListLineItems(dist.ID) {
			var msg string
			if err := item.StartingCensus.Validate(); err != nil {
				msg = fmt.Sprintf("starting census: %v", err)
			} else if err := item.AssignedCensus.Validate(); err != nil {
				msg = fmt.Sprintf("assigned census: %v", err)
			} else if !item.AssignedCensus.Covers(item.StartingCensus) {
				msg = fmt.Sprintf("assigned census %+v fell below starting census %+v", item.AssignedCensus, item.StartingCensus)
			}
			if msg == "" {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("line item %s (%s): %s", item.Abbreviation, item.ID, msg),
				Entity:   domain.EntityLineItem,
				EntityID: item.ID,
			})
		}
	}
	return res, nil
}
