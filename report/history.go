// Package report builds the read-only history views of a household: one line
// per reading with its cost share, plus month and person summaries. All
// functions are pure over a billing.Snapshot.
package report

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/power-ledger/billing"
)

// Filter narrows a history. Zero values match everything.
type Filter struct {
	Period   billing.Period
	PersonID billing.PersonID
}

func (f Filter) match(r billing.Reading) bool {
	if f.Period != "" && r.Period != f.Period {
		return false
	}
	if f.PersonID != "" && r.PersonID != f.PersonID {
		return false
	}
	return true
}

// Line is one reading priced against its governing bill.
type Line struct {
	ReadingID  billing.ReadingID
	Period     billing.Period
	PersonID   billing.PersonID
	PersonName string
	Missing    bool // person was deleted

	OldIndex int64
	NewIndex int64
	UsageKWh int64
	Note     string

	Billed     bool
	Enclosed   bool
	BillPeriod billing.Period // anchor of the governing bill
	UnitPrice  decimal.Decimal

	ElectricityCost decimal.Decimal
	AncillaryCost   decimal.Decimal
	Total           decimal.Decimal
}

// Totals sums a set of lines. Ancillary cost counts even for unbilled
// periods.
type Totals struct {
	UsageKWh    int64
	Electricity decimal.Decimal
	Ancillary   decimal.Decimal
	Total       decimal.Decimal
}

func (t *Totals) add(l Line) {
	t.UsageKWh += l.UsageKWh
	t.Electricity = t.Electricity.Add(l.ElectricityCost)
	t.Ancillary = t.Ancillary.Add(l.AncillaryCost)
	t.Total = t.Total.Add(l.Total)
}

func zeroTotals() Totals {
	return Totals{Electricity: decimal.Zero, Ancillary: decimal.Zero, Total: decimal.Zero}
}

type History struct {
	Scope  billing.Scope
	Filter Filter
	Lines  []Line
	Totals Totals
}

// DeletedName labels readings whose person no longer exists.
func DeletedName(id billing.PersonID) string {
	return "(deleted) " + string(id)
}

// Build prices every reading matching f, most recent period first and in
// household order within a period.
func Build(snap *billing.Snapshot, f Filter) History {
	h := History{Scope: snap.Scope, Filter: f, Totals: zeroTotals()}

	order := make(map[billing.PersonID]int, len(snap.People))
	for i, p := range snap.People {
		order[p.ID] = i
	}

	for _, r := range snap.Readings {
		if !f.match(r) {
			continue
		}
		l := lineFor(snap, r)
		h.Lines = append(h.Lines, l)
		h.Totals.add(l)
	}

	sort.SliceStable(h.Lines, func(i, j int) bool {
		a, b := h.Lines[i], h.Lines[j]
		if a.Period != b.Period {
			return a.Period.After(b.Period)
		}
		oa, okA := order[a.PersonID]
		ob, okB := order[b.PersonID]
		if okA != okB {
			return okA // deleted people last
		}
		return oa < ob
	})
	return h
}

func lineFor(snap *billing.Snapshot, r billing.Reading) Line {
	l := Line{
		ReadingID:       r.ID,
		Period:          r.Period,
		PersonID:        r.PersonID,
		OldIndex:        r.OldIndex,
		NewIndex:        r.NewIndex,
		UsageKWh:        r.Usage(),
		Note:            r.Note,
		UnitPrice:       decimal.Zero,
		ElectricityCost: decimal.Zero,
		AncillaryCost:   r.AncillaryCost,
	}
	if p, ok := snap.Person(r.PersonID); ok {
		l.PersonName = p.Name
	} else {
		l.PersonName = DeletedName(r.PersonID)
		l.Missing = true
	}
	if view := snap.ResolveBill(r.Period); view != nil {
		l.Billed = true
		l.Enclosed = view.IsPartOfMultiPeriod
		l.BillPeriod = view.Period
		l.UnitPrice = view.UnitPrice
		l.ElectricityCost = snap.CostOf(r)
	}
	l.Total = l.ElectricityCost.Add(l.AncillaryCost)
	return l
}

// =============================================================================
// SUMMARIES
// =============================================================================

type MonthSummary struct {
	Period   billing.Period
	Readings int
	Complete bool
	Locked   bool
	Bill     *billing.BillView
	Totals
}

// Months summarizes every period with readings, most recent first.
func Months(snap *billing.Snapshot) []MonthSummary {
	var out []MonthSummary
	for _, p := range snap.PeriodsWithReadings() {
		m := MonthSummary{
			Period:   p,
			Complete: snap.AllPeopleHaveReadingForPeriod(p),
			Bill:     snap.ResolveBill(p),
			Totals:   zeroTotals(),
		}
		m.Locked, _ = snap.IsLocked(p)
		for _, r := range snap.ReadingsForPeriod(p) {
			m.Readings++
			m.Totals.add(lineFor(snap, r))
		}
		out = append(out, m)
	}
	return out
}

type PersonSummary struct {
	PersonID billing.PersonID
	Name     string
	Missing  bool
	Months   int
	Totals
}

// People summarizes each person, household members first in household
// order, then deleted people that still have readings.
func People(snap *billing.Snapshot) []PersonSummary {
	index := make(map[billing.PersonID]int)
	var out []PersonSummary
	for _, p := range snap.People {
		index[p.ID] = len(out)
		out = append(out, PersonSummary{PersonID: p.ID, Name: p.Name, Totals: zeroTotals()})
	}
	for _, r := range snap.Readings {
		i, ok := index[r.PersonID]
		if !ok {
			i = len(out)
			index[r.PersonID] = i
			out = append(out, PersonSummary{
				PersonID: r.PersonID,
				Name:     DeletedName(r.PersonID),
				Missing:  true,
				Totals:   zeroTotals(),
			})
		}
		out[i].Months++
		out[i].Totals.add(lineFor(snap, r))
	}
	return out
}
