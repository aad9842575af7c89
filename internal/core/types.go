package core

import "censuscore/pkg/domain"

type (
	EntityType         = domain.EntityType
	DistributionStatus = domain.DistributionStatus
	Severity           = domain.Severity
	Base               = domain.Base
	CensusSnapshot     = domain.CensusSnapshot
	Provider           = domain.Provider
	Distribution       = domain.Distribution
	LineItem           = domain.LineItem
	Patient            = domain.Patient
	PatientFlags       = domain.PatientFlags
	PatientAssignment  = domain.PatientAssignment
	ProviderRow        = domain.ProviderRow
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	RuleViolationError = domain.RuleViolationError
	ValidationError    = domain.ValidationError
	PreconditionError  = domain.PreconditionError
	NotFoundError      = domain.NotFoundError
)

const (
	EntityProvider     = domain.EntityProvider
	EntityDistribution = domain.EntityDistribution
	EntityLineItem     = domain.EntityLineItem
	EntityPatient      = domain.EntityPatient
)

const (
	StatusCollecting = domain.StatusCollecting
	StatusCounted    = domain.StatusCounted
	StatusDesignated = domain.StatusDesignated
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
)

var (
	// NormalizeAbbreviation trims a provider abbreviation for lookup.
	NormalizeAbbreviation = domain.NormalizeAbbreviation
	// NewValidationError builds a ValidationError with a formatted reason.
	NewValidationError = domain.NewValidationError
)
