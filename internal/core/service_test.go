package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sampleAbbreviations = []string{"provA", "provB", "provC", "provD", "provE", "provF", "provG", "provH"}
	sampleTotals        = []int{11, 12, 14, 15, 9, 8, 16, 13}
	sampleCCUs          = []int{2, 5, 3, 7, 0, 1, 1, 0}
	sampleCOVIDs        = []int{1, 2, 5, 0, 3, 6, 4, 3}
)

func sampleRoster() []ProviderRow {
	rows := make([]ProviderRow, len(sampleAbbreviations))
	for i, abbr := range sampleAbbreviations {
		rows[i] = ProviderRow{
			Abbreviation: abbr,
			Census:       CensusSnapshot{Total: sampleTotals[i], CCU: sampleCCUs[i], COVID: sampleCOVIDs[i]},
		}
	}
	return rows
}

// sampleFlags marks patients 1, 14 and 15 as both, 2, 6, 8 and 17 as COVID
// and 3, 9 and 10 as CCU.
func sampleFlags() []PatientFlags {
	flags := make([]PatientFlags, 23)
	for _, i := range []int{0, 13, 14} {
		flags[i] = PatientFlags{CCU: true, COVID: true}
	}
	for _, i := range []int{1, 5, 7, 16} {
		flags[i].COVID = true
	}
	for _, i := range []int{2, 8, 9} {
		flags[i].CCU = true
	}
	return flags
}

func roster(entries ...ProviderRow) []ProviderRow { return entries }

func row(abbr string, total, ccu, covid int) ProviderRow {
	return ProviderRow{Abbreviation: abbr, Census: CensusSnapshot{Total: total, CCU: ccu, COVID: covid}}
}

func counted(t *testing.T, svc *Service, rows []ProviderRow, count int) Distribution {
	t.Helper()
	dist, _, err := svc.BuildDistribution(context.Background(), rows)
	require.NoError(t, err)
	_, err = svc.CreatePatients(context.Background(), dist.ID, count)
	require.NoError(t, err)
	return dist
}

func totals(items []LineItem) (out []int) {
	for _, item := range items {
		out = append(out, item.AssignedCensus.Total)
	}
	return out
}

func TestSampleShiftDistribution(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(NewDefaultRulesEngine())

	dist, items, err := svc.BuildDistribution(ctx, sampleRoster())
	require.NoError(t, err)
	require.Equal(t, StatusCollecting, dist.Status)
	require.Len(t, items, 8)
	for i, item := range items {
		assert.Equal(t, sampleAbbreviations[i], item.Abbreviation)
		assert.Equal(t, i, item.Position)
		assert.Equal(t, item.StartingCensus, item.AssignedCensus)
	}

	patients, err := svc.CreatePatients(ctx, dist.ID, 23)
	require.NoError(t, err)
	require.Len(t, patients, 23)
	for i, p := range patients {
		assert.Equal(t, i+1, p.NumberDesignation)
		assert.False(t, p.CCU || p.COVID)
		assert.Nil(t, p.Assignment)
	}

	dist, items, patients, err = svc.DesignateAndDistribute(ctx, dist.ID, sampleFlags())
	require.NoError(t, err)
	require.Equal(t, StatusDesignated, dist.Status)
	require.NotNil(t, dist.DesignatedAt)

	var assigned [3][]int
	for _, item := range items {
		assigned[0] = append(assigned[0], item.AssignedCensus.Total)
		assigned[1] = append(assigned[1], item.AssignedCensus.CCU)
		assigned[2] = append(assigned[2], item.AssignedCensus.COVID)
		assert.Equal(t, sampleTotals[item.Position], item.StartingCensus.Total, "starting census is immutable")
	}
	assert.Equal(t, []int{15, 15, 15, 15, 15, 15, 16, 15}, assigned[0])
	assert.Equal(t, []int{2, 5, 3, 7, 2, 2, 2, 2}, assigned[1])
	assert.Equal(t, []int{4, 3, 5, 3, 3, 6, 4, 3}, assigned[2])

	// Patient 1 is CCU and COVID: total to provF, CCU to provE, COVID to provD.
	first := patients[0]
	require.True(t, first.CCU && first.COVID)
	require.NotNil(t, first.Assignment)
	assert.Equal(t, items[5].ID, first.Assignment.TotalLineItemID)
	assert.Equal(t, items[4].ID, *first.Assignment.CCULineItemID)
	assert.Equal(t, items[3].ID, *first.Assignment.COVIDLineItemID)

	// Patient 4 carries no flags and only takes a total slot.
	plain := patients[3]
	assert.Equal(t, items[4].ID, plain.Assignment.TotalLineItemID)
	assert.Nil(t, plain.Assignment.CCULineItemID)
	assert.Nil(t, plain.Assignment.COVIDLineItemID)

	// Increments add up to the flags handed out.
	var added CensusSnapshot
	for _, item := range items {
		added = added.Add(item.Added())
	}
	assert.Equal(t, CensusSnapshot{Total: 23, CCU: 6, COVID: 7}, added)
}

func TestBuildDistributionValidation(t *testing.T) {
	cases := map[string][]ProviderRow{
		"empty":           nil,
		"blank":           roster(row("  ", 1, 0, 0)),
		"negative":        roster(row("provA", -1, 0, 0)),
		"ccu over total":  roster(row("provA", 2, 3, 0)),
		"covid over":      roster(row("provA", 2, 0, 3)),
		"duplicate":       roster(row("provA", 1, 0, 0), row("provA ", 2, 0, 0)),
		"negative covid":  roster(row("provA", 2, 0, -1)),
		"second row fail": roster(row("provA", 2, 0, 0), row("provB", 1, 2, 0)),
	}
	for name, rows := range cases {
		t.Run(name, func(t *testing.T) {
			svc := NewInMemoryService(NewDefaultRulesEngine())
			_, _, err := svc.BuildDistribution(context.Background(), rows)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Empty(t, svc.Store().ListDistributions())
			require.Empty(t, svc.Store().ListProviders())
		})
	}
}

func TestBuildDistributionReusesProvidersAndKeepsHistory(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	svc := NewInMemoryService(NewDefaultRulesEngine())
	svc.Store().(interface{ SetNowFunc(func() time.Time) }).SetNowFunc(func() time.Time {
		clock = clock.Add(time.Hour)
		return clock
	})

	first, firstItems, err := svc.BuildDistribution(ctx, roster(row("provA", 3, 1, 0), row("provB", 2, 0, 0)))
	require.NoError(t, err)
	second, secondItems, err := svc.BuildDistribution(ctx, roster(row("provB", 5, 0, 0), row(" provC", 1, 0, 1), row("provA", 0, 0, 0)))
	require.NoError(t, err)

	require.Len(t, svc.Store().ListProviders(), 3)
	assert.Equal(t, firstItems[1].ProviderID, secondItems[0].ProviderID)
	assert.Equal(t, firstItems[0].ProviderID, secondItems[2].ProviderID)
	assert.Equal(t, "provC", secondItems[1].Abbreviation)

	current, err := svc.CurrentDistribution(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)

	old, err := svc.OrderedLineItems(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, firstItems, old)

	all := svc.ListDistributions(ctx)
	require.Len(t, all, 2)
	assert.Equal(t, []string{second.ID, first.ID}, []string{all[0].ID, all[1].ID})

	rows, err := svc.CurrentRoster(ctx)
	require.NoError(t, err)
	assert.Equal(t, roster(row("provB", 5, 0, 0), row("provC", 1, 0, 1), row("provA", 0, 0, 0)), rows)
}

func TestCurrentDistributionMissing(t *testing.T) {
	svc := NewInMemoryService(NewDefaultRulesEngine())
	_, err := svc.CurrentDistribution(context.Background())
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	rows, err := svc.CurrentRoster(context.Background())
	require.NoError(t, err)
	require.Empty(t, rows)

	_, err = svc.OrderedLineItems(context.Background(), "nope")
	require.ErrorAs(t, err, &nf)
	_, err = svc.Patients(context.Background(), "nope")
	require.ErrorAs(t, err, &nf)
}

func TestCreatePatientsPreconditions(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(NewDefaultRulesEngine())
	dist, _, err := svc.BuildDistribution(ctx, roster(row("provA", 1, 0, 0)))
	require.NoError(t, err)

	var verr *ValidationError
	for _, count := range []int{0, -3} {
		_, err = svc.CreatePatients(ctx, dist.ID, count)
		require.ErrorAs(t, err, &verr)
	}

	var nf *NotFoundError
	_, err = svc.CreatePatients(ctx, "missing", 2)
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, EntityDistribution, nf.Entity)

	patients, err := svc.CreatePatients(ctx, dist.ID, 4)
	require.NoError(t, err)
	require.Len(t, patients, 4)
	got, err := svc.GetDistribution(ctx, dist.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCounted, got.Status)

	var perr *PreconditionError
	_, err = svc.CreatePatients(ctx, dist.ID, 2)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StatusCounted, perr.Status)
	stored, err := svc.Patients(ctx, dist.ID)
	require.NoError(t, err)
	require.Len(t, stored, 4)
}

func TestDesignatePreconditionsAndValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(NewDefaultRulesEngine())
	dist, items, err := svc.BuildDistribution(ctx, roster(row("provA", 1, 0, 0), row("provB", 1, 0, 0)))
	require.NoError(t, err)

	var perr *PreconditionError
	_, _, _, err = svc.DesignateAndDistribute(ctx, dist.ID, nil)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StatusCollecting, perr.Status)

	var nf *NotFoundError
	_, _, _, err = svc.DesignateAndDistribute(ctx, "missing", nil)
	require.ErrorAs(t, err, &nf)

	_, err = svc.CreatePatients(ctx, dist.ID, 3)
	require.NoError(t, err)

	var verr *ValidationError
	_, _, _, err = svc.DesignateAndDistribute(ctx, dist.ID, make([]PatientFlags, 2))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "flags", verr.Field)

	// A rejected call leaves nothing behind.
	after, err := svc.OrderedLineItems(ctx, dist.ID)
	require.NoError(t, err)
	assert.Equal(t, items, after)
	for _, p := range svc.Store().ListPatients(dist.ID) {
		assert.False(t, p.CCU || p.COVID)
		assert.Nil(t, p.Assignment)
	}

	flags := []PatientFlags{{CCU: true}, {}, {COVID: true}}
	_, first, _, err := svc.DesignateAndDistribute(ctx, dist.ID, flags)
	require.NoError(t, err)

	_, _, _, err = svc.DesignateAndDistribute(ctx, dist.ID, flags)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StatusDesignated, perr.Status)
	again, err := svc.OrderedLineItems(ctx, dist.ID)
	require.NoError(t, err)
	assert.Equal(t, totals(first), totals(again), "second designation must not double count")
}

func TestDistributionTieBreaksToEarliestProvider(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(NewDefaultRulesEngine())
	dist := counted(t, svc, roster(row("provA", 0, 0, 0), row("provB", 0, 0, 0), row("provC", 0, 0, 0)), 5)

	flags := []PatientFlags{{CCU: true}, {CCU: true}, {COVID: true}, {}, {}}
	_, items, patients, err := svc.DesignateAndDistribute(ctx, dist.ID, flags)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, totals(items))
	assert.Equal(t, 1, items[0].AssignedCensus.CCU)
	assert.Equal(t, 1, items[1].AssignedCensus.CCU)
	assert.Equal(t, 1, items[0].AssignedCensus.COVID)

	want := []string{items[0].ID, items[1].ID, items[2].ID, items[0].ID, items[1].ID}
	for i, p := range patients {
		assert.Equal(t, want[i], p.Assignment.TotalLineItemID, "patient %d", p.NumberDesignation)
	}
}

func TestSubCountsBalanceIndependentlyOfTotal(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(NewDefaultRulesEngine())
	// provA has the fewest patients but the most CCU; provB has the fewest COVID.
	dist := counted(t, svc, roster(row("provA", 4, 4, 2), row("provB", 9, 0, 0), row("provC", 8, 1, 1)), 1)

	_, items, patients, err := svc.DesignateAndDistribute(ctx, dist.ID, []PatientFlags{{CCU: true, COVID: true}})
	require.NoError(t, err)
	p := patients[0]
	assert.Equal(t, items[0].ID, p.Assignment.TotalLineItemID)
	assert.Equal(t, items[1].ID, *p.Assignment.CCULineItemID)
	assert.Equal(t, items[1].ID, *p.Assignment.COVIDLineItemID)
	assert.Equal(t, CensusSnapshot{Total: 5, CCU: 4, COVID: 2}, items[0].AssignedCensus)
	assert.Equal(t, CensusSnapshot{Total: 9, CCU: 1, COVID: 1}, items[1].AssignedCensus)
}

func TestDesignationScenarios(t *testing.T) {
	cases := []struct {
		name        string
		rows        []ProviderRow
		flags       []PatientFlags
		wantTotals  []int
		wantCCU     []int
		totalOwners []int
		ccuOwners   []int
	}{
		{
			name:        "level roster takes one patient each in entry order",
			rows:        roster(row("provA", 5, 0, 0), row("provB", 5, 0, 0), row("provC", 5, 0, 0), row("provD", 5, 0, 0)),
			flags:       make([]PatientFlags, 4),
			wantTotals:  []int{6, 6, 6, 6},
			wantCCU:     []int{0, 0, 0, 0},
			totalOwners: []int{0, 1, 2, 3},
		},
		{
			name:        "ccu patient lands on the provider without ccu",
			rows:        roster(row("provA", 5, 0, 0), row("provB", 3, 3, 0)),
			flags:       []PatientFlags{{CCU: true}},
			wantTotals:  []int{5, 4},
			wantCCU:     []int{1, 3},
			totalOwners: []int{1},
			ccuOwners:   []int{0},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewInMemoryService(NewDefaultRulesEngine())
			dist := counted(t, svc, tc.rows, len(tc.flags))

			_, items, patients, err := svc.DesignateAndDistribute(ctx, dist.ID, tc.flags)
			require.NoError(t, err)
			assert.Equal(t, tc.wantTotals, totals(items))
			for i, item := range items {
				assert.Equal(t, tc.wantCCU[i], item.AssignedCensus.CCU, item.Abbreviation)
			}
			for i, owner := range tc.totalOwners {
				assert.Equal(t, items[owner].ID, patients[i].Assignment.TotalLineItemID, "patient %d", patients[i].NumberDesignation)
			}
			for i, owner := range tc.ccuOwners {
				require.NotNil(t, patients[i].Assignment.CCULineItemID)
				assert.Equal(t, items[owner].ID, *patients[i].Assignment.CCULineItemID)
			}
		})
	}
}

func TestResetDesignationAllowsRedistribution(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(NewDefaultRulesEngine())
	dist := counted(t, svc, sampleRoster(), 23)

	var perr *PreconditionError
	_, _, _, err := svc.ResetDesignation(ctx, dist.ID)
	require.ErrorAs(t, err, &perr)

	_, items, patients, err := svc.DesignateAndDistribute(ctx, dist.ID, sampleFlags())
	require.NoError(t, err)

	reset, resetItems, resetPatients, err := svc.ResetDesignation(ctx, dist.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCounted, reset.Status)
	assert.Nil(t, reset.DesignatedAt)
	for _, item := range resetItems {
		assert.Equal(t, item.StartingCensus, item.AssignedCensus)
	}
	for _, p := range resetPatients {
		assert.False(t, p.CCU || p.COVID)
		assert.Nil(t, p.Assignment)
	}

	_, again, againPatients, err := svc.DesignateAndDistribute(ctx, dist.ID, sampleFlags())
	require.NoError(t, err)
	for i := range items {
		assert.Equal(t, items[i].AssignedCensus, again[i].AssignedCensus)
	}
	for i := range patients {
		assert.Equal(t, patients[i].Assignment, againPatients[i].Assignment)
	}
}

func TestDistributionIsDeterministicAcrossStores(t *testing.T) {
	ctx := context.Background()
	run := func() []LineItem {
		svc := NewInMemoryService(NewDefaultRulesEngine())
		dist := counted(t, svc, sampleRoster(), 23)
		_, items, _, err := svc.DesignateAndDistribute(ctx, dist.ID, sampleFlags())
		require.NoError(t, err)
		return items
	}
	a, b := run(), run()
	for i := range a {
		assert.Equal(t, a[i].AssignedCensus, b[i].AssignedCensus)
	}
}

type failingRule struct{ armed *bool }

func (failingRule) Name() string { return "failing" }

func (r failingRule) Evaluate(context.Context, RuleView, []Change) (Result, error) {
	if !*r.armed {
		return Result{}, nil
	}
	return Result{Violations: []Violation{{Rule: "failing", Severity: SeverityBlock, Message: "armed"}}}, nil
}

func TestDesignationRollsBackOnRuleViolation(t *testing.T) {
	ctx := context.Background()
	armed := false
	engine := NewDefaultRulesEngine()
	engine.Register(failingRule{armed: &armed})
	svc := NewInMemoryService(engine)
	dist := counted(t, svc, sampleRoster(), 23)

	armed = true
	_, _, _, err := svc.DesignateAndDistribute(ctx, dist.ID, sampleFlags())
	var violation RuleViolationError
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, err.Error(), "failing: armed")

	got, err := svc.GetDistribution(ctx, dist.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCounted, got.Status)
	items, err := svc.OrderedLineItems(ctx, dist.ID)
	require.NoError(t, err)
	for _, item := range items {
		assert.Equal(t, item.StartingCensus, item.AssignedCensus)
	}
	for _, p := range svc.Store().ListPatients(dist.ID) {
		assert.False(t, p.CCU || p.COVID)
	}

	armed = false
	_, _, _, err = svc.DesignateAndDistribute(ctx, dist.ID, sampleFlags())
	require.NoError(t, err)
}

func TestServiceErrorsAreDistinguishable(t *testing.T) {
	err := error(&PreconditionError{DistributionID: "d1", Status: StatusDesignated, Reason: "x"})
	var verr *ValidationError
	assert.False(t, errors.As(err, &verr))
	assert.Equal(t, "distribution d1 (designated): x", err.Error())
}
