package billing

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SNAPSHOT - One household, loaded once, queried many times
// =============================================================================

// Snapshot is an immutable view of a household. Every read-side query of the
// engine is a pure function over a Snapshot, so reads may run in parallel as
// long as nobody mutates the slices.
//
// People are sorted by CreatedAt, readings by (Period, PersonID) and bills by
// Period, all ascending, regardless of the order the store returned them in.
type Snapshot struct {
	Scope    Scope
	People   []Person
	Readings []Reading
	Bills    []Bill
}

// LoadSnapshot reads people, readings and bills of scope from store.
func LoadSnapshot(ctx context.Context, store Store, scope Scope) (*Snapshot, error) {
	people, err := store.ListPeople(ctx, scope)
	if err != nil {
		return nil, storeErr("list people", err)
	}
	readings, err := store.ListReadings(ctx, scope)
	if err != nil {
		return nil, storeErr("list readings", err)
	}
	bills, err := store.ListBills(ctx, scope)
	if err != nil {
		return nil, storeErr("list bills", err)
	}
	return NewSnapshot(scope, people, readings, bills), nil
}

// NewSnapshot copies and sorts the given records.
func NewSnapshot(scope Scope, people []Person, readings []Reading, bills []Bill) *Snapshot {
	s := &Snapshot{
		Scope:    scope,
		People:   append([]Person(nil), people...),
		Readings: append([]Reading(nil), readings...),
		Bills:    append([]Bill(nil), bills...),
	}
	sort.SliceStable(s.People, func(i, j int) bool {
		return s.People[i].CreatedAt.Before(s.People[j].CreatedAt)
	})
	sort.SliceStable(s.Readings, func(i, j int) bool {
		a, b := s.Readings[i], s.Readings[j]
		if a.Period != b.Period {
			return a.Period.Before(b.Period)
		}
		return a.PersonID < b.PersonID
	})
	sort.SliceStable(s.Bills, func(i, j int) bool {
		return s.Bills[i].Period.Before(s.Bills[j].Period)
	})
	return s
}

// Person looks up a person by id. Readings may outlive their person.
func (s *Snapshot) Person(id PersonID) (Person, bool) {
	for _, p := range s.People {
		if p.ID == id {
			return p, true
		}
	}
	return Person{}, false
}

// Reading looks up a reading by id.
func (s *Snapshot) Reading(id ReadingID) (Reading, bool) {
	for _, r := range s.Readings {
		if r.ID == id {
			return r, true
		}
	}
	return Reading{}, false
}

// ReadingFor returns the reading of person for period, if any.
func (s *Snapshot) ReadingFor(person PersonID, period Period) (Reading, bool) {
	for _, r := range s.Readings {
		if r.PersonID == person && r.Period == period {
			return r, true
		}
	}
	return Reading{}, false
}

// ReadingsForPeriod returns the readings recorded for period.
func (s *Snapshot) ReadingsForPeriod(period Period) []Reading {
	return ReadingsForPeriods([]Period{period}, s.Readings)
}

func (s *Snapshot) LatestReading(person PersonID) *Reading {
	return LatestReading(person, s.Readings)
}

func (s *Snapshot) PeriodsWithReadings() []Period {
	return PeriodsWithReadings(s.Readings)
}

func (s *Snapshot) UsageForPeriod(period Period) int64 {
	return UsageForPeriods([]Period{period}, s.Readings)
}

func (s *Snapshot) UsageForPeriods(periods []Period) int64 {
	return UsageForPeriods(periods, s.Readings)
}

func (s *Snapshot) AllPeopleHaveReadingForPeriod(period Period) bool {
	return AllPeopleHaveReadingForPeriod(period, s.People, s.Readings)
}

func (s *Snapshot) ResolveBill(period Period) *BillView {
	return ResolveBill(period, s.Bills)
}

func (s *Snapshot) IsLocked(period Period) (bool, Period) {
	return IsLocked(period, s.Bills)
}

func (s *Snapshot) CostOf(r Reading) decimal.Decimal {
	return CostOf(r, s.Bills)
}

func (s *Snapshot) UnbilledPeriodsBefore(period Period, lookback int) []Period {
	return UnbilledPeriodsBefore(period, s.Bills, lookback)
}

// MonthTotalCost sums the electricity cost of every reading in period.
// Zero when the period has no governing bill.
func (s *Snapshot) MonthTotalCost(period Period) decimal.Decimal {
	view := s.ResolveBill(period)
	if view == nil {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, r := range s.ReadingsForPeriod(period) {
		total = total.Add(costWithPrice(r, view.UnitPrice))
	}
	return total
}

// =============================================================================
// PURE QUERIES - Usage ledger
// =============================================================================

// ReadingsForPeriods filters readings whose period is in periods.
func ReadingsForPeriods(periods []Period, readings []Reading) []Reading {
	want := make(map[Period]bool, len(periods))
	for _, p := range periods {
		want[p] = true
	}
	var out []Reading
	for _, r := range readings {
		if want[r.Period] {
			out = append(out, r)
		}
	}
	return out
}

// UsageForPeriod sums usage over readings recorded for period.
func UsageForPeriod(period Period, readings []Reading) int64 {
	return UsageForPeriods([]Period{period}, readings)
}

// UsageForPeriods sums usage over readings recorded for any of periods.
// Duplicate periods are counted once.
func UsageForPeriods(periods []Period, readings []Reading) int64 {
	var total int64
	for _, r := range ReadingsForPeriods(periods, readings) {
		total += r.Usage()
	}
	return total
}

// LatestReading returns the reading of person with the greatest period.
func LatestReading(person PersonID, readings []Reading) *Reading {
	var latest *Reading
	for i := range readings {
		r := readings[i]
		if r.PersonID != person {
			continue
		}
		if latest == nil || r.Period.After(latest.Period) {
			latest = &r
		}
	}
	return latest
}

// LatestReadingBefore returns the reading of person with the greatest period
// strictly before period.
func LatestReadingBefore(person PersonID, period Period, readings []Reading) *Reading {
	var latest *Reading
	for i := range readings {
		r := readings[i]
		if r.PersonID != person || !r.Period.Before(period) {
			continue
		}
		if latest == nil || r.Period.After(latest.Period) {
			latest = &r
		}
	}
	return latest
}

// PeriodsWithReadings returns the distinct periods of readings, most recent first.
func PeriodsWithReadings(readings []Reading) []Period {
	seen := make(map[Period]bool)
	var out []Period
	for _, r := range readings {
		if !seen[r.Period] {
			seen[r.Period] = true
			out = append(out, r.Period)
		}
	}
	SortPeriodsDesc(out)
	return out
}

// AllPeopleHaveReadingForPeriod reports whether every current person has a
// reading for period. An empty household is never complete.
//
// This is a subset check, not strict set equality: readings left behind by
// deleted people are ignored.
func AllPeopleHaveReadingForPeriod(period Period, people []Person, readings []Reading) bool {
	if len(people) == 0 {
		return false
	}
	has := make(map[PersonID]bool)
	for _, r := range readings {
		if r.Period == period {
			has[r.PersonID] = true
		}
	}
	for _, p := range people {
		if !has[p.ID] {
			return false
		}
	}
	return true
}

// =============================================================================
// PURE QUERIES - Billing
// =============================================================================

// ResolveBill returns the bill governing period. A bill anchored at period
// wins; otherwise the first bill (by anchor) whose included periods contain
// period is returned as an enclosed projection; otherwise nil.
func ResolveBill(period Period, bills []Bill) *BillView {
	for _, b := range bills {
		if b.Period == period {
			return &BillView{Bill: b}
		}
	}

	var enclosing *Bill
	for i := range bills {
		b := bills[i]
		for _, inc := range b.IncludedPeriods {
			if inc != period {
				continue
			}
			if enclosing == nil || b.Period.Before(enclosing.Period) {
				enclosing = &b
			}
		}
	}
	if enclosing == nil {
		return nil
	}
	view := &BillView{
		Bill:                *enclosing,
		IsPartOfMultiPeriod: true,
		OriginalBillPeriod:  enclosing.Period,
	}
	view.IncludedPeriods = append([]Period(nil), enclosing.IncludedPeriods...)
	return view
}

// IsLocked reports whether any bill is anchored strictly after period, and
// returns the latest such anchor. Whether period itself has a bill does not
// matter.
func IsLocked(period Period, bills []Bill) (bool, Period) {
	var by Period
	for _, b := range bills {
		if b.Period.After(period) && (by == "" || b.Period.After(by)) {
			by = b.Period
		}
	}
	return by != "", by
}

// CostOf returns the electricity cost of a reading: usage times the unit
// price of the governing bill, rounded to whole currency units. Zero when the
// period is unbilled.
//
// Ancillary cost is deliberately NOT included. A person's total is
// CostOf(r) + r.AncillaryCost, added by the caller (see PersonTotal). Keeping
// the two apart keeps UnitPrice purely about electricity and prevents
// ancillary fees from being counted twice across a multi-period bill.
func CostOf(r Reading, bills []Bill) decimal.Decimal {
	view := ResolveBill(r.Period, bills)
	if view == nil {
		return decimal.Zero
	}
	return costWithPrice(r, view.UnitPrice)
}

// PersonTotal is the electricity cost plus the reading's ancillary cost.
func PersonTotal(r Reading, bills []Bill) decimal.Decimal {
	return CostOf(r, bills).Add(r.AncillaryCost)
}

func costWithPrice(r Reading, unitPrice decimal.Decimal) decimal.Decimal {
	return RoundMoney(decimal.NewFromInt(r.Usage()).Mul(unitPrice))
}
