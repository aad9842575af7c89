// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by censuscore.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityProvider identifies a rounding provider record.
	EntityProvider EntityType = "provider"
	// EntityDistribution identifies a shift distribution record.
	EntityDistribution EntityType = "distribution"
	// EntityLineItem identifies a per-provider line item within a distribution.
	EntityLineItem EntityType = "line_item"
	// EntityPatient identifies a patient slot within a distribution.
	EntityPatient EntityType = "patient"
)

// DistributionStatus tracks where a distribution is in the shift workflow.
type DistributionStatus string

// Distribution lifecycle states. Transitions only move forward except for an
// explicit reset, which returns a designated distribution to counted.
const (
	// StatusCollecting indicates the roster is set but no patients exist yet.
	StatusCollecting DistributionStatus = "collecting"
	// StatusCounted indicates patient slots have been materialised.
	StatusCounted DistributionStatus = "counted"
	// StatusDesignated indicates patients were flagged and balanced into the census.
	StatusDesignated DistributionStatus = "designated"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CensusSnapshot is a provider's headcount with critical-care and COVID sub-counts.
type CensusSnapshot struct {
	Total int `json:"total"`
	CCU   int `json:"ccu"`
	COVID int `json:"covid"`
}

// Validate reports whether the snapshot is internally consistent.
func (c CensusSnapshot) Validate() error {
	switch {
	case c.Total < 0 || c.CCU < 0 || c.COVID < 0:
		return fmt.Errorf("census counts must be non-negative (total=%d ccu=%d covid=%d)", c.Total, c.CCU, c.COVID)
	case c.CCU > c.Total:
		return fmt.Errorf("ccu count %d exceeds total %d", c.CCU, c.Total)
	case c.COVID > c.Total:
		return fmt.Errorf("covid count %d exceeds total %d", c.COVID, c.Total)
	}
	return nil
}

// Covers reports whether every count in c is at least the matching count in other.
func (c CensusSnapshot) Covers(other CensusSnapshot) bool {
	return c.Total >= other.Total && c.CCU >= other.CCU && c.COVID >= other.COVID
}

// Add returns the element-wise sum of two snapshots.
func (c CensusSnapshot) Add(other CensusSnapshot) CensusSnapshot {
	return CensusSnapshot{Total: c.Total + other.Total, CCU: c.CCU + other.CCU, COVID: c.COVID + other.COVID}
}

// Provider is a rounder that patients can be assigned to. Providers persist
// across distributions and are keyed by abbreviation.
type Provider struct {
	Base
	Abbreviation string `json:"abbreviation"`
}

// NormalizeAbbreviation trims surrounding whitespace from a provider abbreviation.
func NormalizeAbbreviation(abbreviation string) string {
	return strings.TrimSpace(abbreviation)
}

// Distribution is one shift's roster plus its patient assignment record.
type Distribution struct {
	Base
	Sequence     int64              `json:"sequence"`
	Status       DistributionStatus `json:"status"`
	DesignatedAt *time.Time         `json:"designated_at,omitempty"`
}

// LineItem is one provider's row within a distribution. StartingCensus is
// fixed at creation; AssignedCensus grows as patients are distributed.
type LineItem struct {
	Base
	DistributionID string         `json:"distribution_id"`
	ProviderID     string         `json:"provider_id"`
	Abbreviation   string         `json:"abbreviation"`
	Position       int            `json:"position"`
	StartingCensus CensusSnapshot `json:"starting_census"`
	AssignedCensus CensusSnapshot `json:"assigned_census"`
}

// Added returns the census the line item received on top of its starting census.
func (li LineItem) Added() CensusSnapshot {
	return CensusSnapshot{
		Total: li.AssignedCensus.Total - li.StartingCensus.Total,
		CCU:   li.AssignedCensus.CCU - li.StartingCensus.CCU,
		COVID: li.AssignedCensus.COVID - li.StartingCensus.COVID,
	}
}

// PatientFlags marks a patient as critical-care and/or COVID positive.
type PatientFlags struct {
	CCU   bool `json:"ccu" yaml:"ccu"`
	COVID bool `json:"covid" yaml:"covid"`
}

// PatientAssignment records which line items absorbed a patient's census
// increments. The CCU and COVID slots may land on different providers than the
// total slot.
type PatientAssignment struct {
	TotalLineItemID string  `json:"total_line_item_id"`
	CCULineItemID   *string `json:"ccu_line_item_id,omitempty"`
	COVIDLineItemID *string `json:"covid_line_item_id,omitempty"`
}

// Patient is a newly arrived patient slot within a distribution.
type Patient struct {
	Base
	DistributionID    string             `json:"distribution_id"`
	NumberDesignation int                `json:"number_designation"`
	CCU               bool               `json:"ccu"`
	COVID             bool               `json:"covid"`
	Assignment        *PatientAssignment `json:"assignment,omitempty"`
}

// Flags returns the patient's CCU/COVID designation.
func (p Patient) Flags() PatientFlags {
	return PatientFlags{CCU: p.CCU, COVID: p.COVID}
}

// ProviderRow is a single roster entry submitted to build a distribution.
type ProviderRow struct {
	Abbreviation string         `json:"abbreviation" yaml:"abbreviation"`
	Census       CensusSnapshot `json:"census" yaml:"census"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported mutations captured in the audit trail.
// Records are never deleted, so there is no delete action.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return fmt.Sprintf("transaction blocked by rules: %s: %s", v.Rule, v.Message)
		}
	}
	return "transaction blocked by rules"
}
