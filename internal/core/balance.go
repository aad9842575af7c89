package core

// censusField selects one count out of a census snapshot.
type censusField func(*CensusSnapshot) *int

func totalField(c *CensusSnapshot) *int { return &c.Total }
func ccuField(c *CensusSnapshot) *int   { return &c.CCU }
func covidField(c *CensusSnapshot) *int { return &c.COVID }

// leastLoaded returns the index of the line item with the smallest assigned
// count for field. Ties go to the earliest item; -1 means items is empty.
func leastLoaded(items []LineItem, field censusField) int {
	best := -1
	for i := range items {
		if best < 0 || *field(&items[i].AssignedCensus) < *field(&items[best].AssignedCensus) {
			best = i
		}
	}
	return best
}

// balance applies flags to patients in order and hands each one to the least
// loaded line items. items must be in position order and patients in
// designation order; both slices are updated in place. The total, CCU and
// COVID slots are chosen independently, each against the counts as they stand
// after the previous increment.
func balance(items []LineItem, patients []Patient, flags []PatientFlags) {
	if len(items) == 0 {
		return
	}
	for i := range patients {
		p := &patients[i]
		p.CCU = flags[i].CCU
		p.COVID = flags[i].COVID

		idx := leastLoaded(items, totalField)
		items[idx].AssignedCensus.Total++
		assignment := &PatientAssignment{TotalLineItemID: items[idx].ID}

		if p.CCU {
			idx = leastLoaded(items, ccuField)
			items[idx].AssignedCensus.CCU++
			id := items[idx].ID
			assignment.CCULineItemID = &id
		}
		if p.COVID {
			idx = leastLoaded(items, covidField)
			items[idx].AssignedCensus.COVID++
			id := items[idx].ID
			assignment.COVIDLineItemID = &id
		}
		p.Assignment = assignment
	}
}
