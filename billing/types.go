/*
Package billing provides the shared-electricity ledger and billing engine.

PURPOSE:
  A household records one meter reading per person per month. Bills arrive
  as a single aggregate amount for one month, sometimes folding several
  earlier, never-billed months into it. This package maps those aggregate
  bills onto individual cost shares and keeps earlier months immutable once
  a later bill has been entered.

KEY CONCEPTS IN THIS FILE (types.go):
  - Scope:    Opaque household identity. Every record belongs to one scope.
  - Person:   Someone sharing the meter.
  - Reading:  Old/new meter index of one person for one period.
  - Bill:     Aggregate bill filed under an anchor period.
  - BillView: Read-only projection of a bill as seen from a period it governs.

DESIGN PRINCIPLES:
  1. Precision: money uses decimal.Decimal; rounding happens once, at submission
     and when computing a cost share.
  2. Explicit state: no package globals; stores and lockers are passed in.
  3. Validation on construction: records are checked before they reach a store.

SEE ALSO:
  - period.go:  Period identifiers and enumeration
  - snapshot.go: Pure queries over a loaded household
  - ledger.go:  Reading mutations
  - engine.go:  Bill submission and resolution
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// Scope identifies a household. Supplied by the Identity collaborator.
type Scope string

type PersonID string
type ReadingID string
type BillID string

// =============================================================================
// PERSON
// =============================================================================

type Person struct {
	ID        PersonID
	Scope     Scope
	Name      string
	CreatedAt time.Time
}

// =============================================================================
// READING - One person's meter for one period
// =============================================================================

// Reading is a person's meter record for a period.
//
// INVARIANTS:
//   - NewIndex >= OldIndex (zero usage allowed, negative usage is not)
//   - at most one Reading per (PersonID, Period) within a scope
//   - OldIndex never changes after creation
type Reading struct {
	ID            ReadingID
	Scope         Scope
	PersonID      PersonID
	Period        Period
	OldIndex      int64
	NewIndex      int64
	AncillaryCost decimal.Decimal
	Note          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Usage returns consumed kWh, never negative.
func (r Reading) Usage() int64 {
	if r.NewIndex < r.OldIndex {
		return 0
	}
	return r.NewIndex - r.OldIndex
}

// Validate checks the field-level invariants of a reading.
func (r Reading) Validate() error {
	if r.PersonID == "" {
		return &ValidationError{Field: "person_id", Message: "required"}
	}
	if err := r.Period.Validate(); err != nil {
		return err
	}
	if r.OldIndex < 0 {
		return &ValidationError{Field: "old_index", Message: "must not be negative"}
	}
	if r.NewIndex < r.OldIndex {
		return &ValidationError{Field: "new_index", Message: "must be greater than or equal to the old index"}
	}
	if r.AncillaryCost.IsNegative() {
		return &ValidationError{Field: "ancillary_cost", Message: "must not be negative"}
	}
	return nil
}

// =============================================================================
// BILL - Aggregate bill filed under an anchor period
// =============================================================================

// Bill is the canonical record of an aggregate bill.
//
// Period is the anchor. IncludedPeriods lists earlier periods folded into the
// same bill. UnitPrice * TotalUsageKWh reconciles with TotalAmount up to the
// single rounding step applied at submission; which side is authoritative is
// recorded in PriceIsManual.
type Bill struct {
	ID                 BillID
	Scope              Scope
	Period             Period
	TotalAmount        decimal.Decimal
	TotalUsageKWh      int64
	UnitPrice          decimal.Decimal
	IncludedPeriods    []Period
	IsMultiPeriod      bool
	TotalAncillaryCost decimal.Decimal
	PriceIsManual      bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CoveredPeriods returns the included periods followed by the anchor.
func (b Bill) CoveredPeriods() []Period {
	out := make([]Period, 0, len(b.IncludedPeriods)+1)
	out = append(out, b.IncludedPeriods...)
	return append(out, b.Period)
}

// Covers reports whether p is the anchor or one of the included periods.
func (b Bill) Covers(p Period) bool {
	if b.Period == p {
		return true
	}
	for _, inc := range b.IncludedPeriods {
		if inc == p {
			return true
		}
	}
	return false
}

// BillView is what bill resolution returns for a period. For an anchor the
// view wraps the bill itself; for an enclosed period it is tagged with the
// anchor it belongs to. Views are never persisted.
type BillView struct {
	Bill
	IsPartOfMultiPeriod bool
	OriginalBillPeriod  Period
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

// RoundMoney rounds to whole currency units, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(0)
}

// SumAncillary totals the ancillary cost of the given readings.
func SumAncillary(readings []Reading) decimal.Decimal {
	total := decimal.Zero
	for _, r := range readings {
		total = total.Add(r.AncillaryCost)
	}
	return total
}
