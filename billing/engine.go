/*
engine.go - Billing engine: aggregate bills, cost shares and period locking

PURPOSE:
  Turns a household's aggregate electricity bill into a unit price that
  applies to every reading the bill covers, and answers "which bill governs
  this month" for any period.

PERIOD STATES:
  UNBILLED  no bill anchored at the period and none includes it
  BILLED    a bill is anchored at the period
  ENCLOSED  the period is listed in a later bill's IncludedPeriods

  ENCLOSED is never stored. ResolveBill projects it from the anchor bill.

SUBMISSION:
  usage     = UsageForPeriods(IncludedPeriods + anchor)      must be > 0
  manual    TotalAmount = round(UnitPrice * usage)
  otherwise UnitPrice   = TotalAmount / usage
  ancillary = sum of AncillaryCost over the same readings

  The bill is upserted by anchor. Re-submitting replaces the bill in full.

LOCKING:
  A period is locked once any bill is anchored strictly after it. Locking
  freezes its readings and its own bill: a bill anchored at a locked period
  can be neither created nor replaced.

SEE ALSO:
  - snapshot.go: ResolveBill, IsLocked, CostOf as pure functions
  - ledger.go:   The reading side
*/
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/power-ledger/logging"
)

// BillSubmission is the input of SubmitBill. PriceIsManual selects which of
// TotalAmount and UnitPrice is authoritative; the other one is ignored and
// derived.
type BillSubmission struct {
	Period          Period
	TotalAmount     decimal.Decimal
	UnitPrice       decimal.Decimal
	PriceIsManual   bool
	IncludedPeriods []Period
}

// PeriodStatus is what a host needs to drive the bill-entry flow for one
// period.
type PeriodStatus struct {
	Period   Period
	UsageKWh int64

	// Complete is true when every person has a reading for Period.
	Complete bool
	Missing  []PersonID

	Locked   bool
	LockedBy Period

	// Bill is nil while the period is unbilled.
	Bill *BillView

	// Earlier periods that no bill covers, most recent first. Candidates for
	// IncludedPeriods; never folded in automatically.
	Unbilled []Period

	ElectricityCost decimal.Decimal
	AncillaryCost   decimal.Decimal
}

type Engine struct {
	ledger *Ledger
	store  Store
	cfg    Config
	log    *logging.Logger
}

// NewEngine builds the billing engine on top of a ledger. Both share the
// ledger's store, locker and notifier.
func NewEngine(ledger *Ledger) *Engine {
	return &Engine{
		ledger: ledger,
		store:  ledger.store,
		cfg:    ledger.cfg,
		log:    ledger.cfg.Logger.WithComponent("engine"),
	}
}

// Ledger returns the ledger the engine was built on.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// =============================================================================
// SUBMISSION
// =============================================================================

// SubmitBill validates and commits a bill anchored at sub.Period. When the
// store is a TxStore the upsert runs in a transaction.
//
// Errors: ValidationError (non-positive amount/price, zero usage, bad
// included periods), LockedPeriodError (a later bill exists), StoreError.
func (e *Engine) SubmitBill(ctx context.Context, scope Scope, sub BillSubmission) (Bill, error) {
	if err := validateScope(scope); err != nil {
		return Bill{}, err
	}
	if err := sub.validate(); err != nil {
		return Bill{}, err
	}

	unlock, err := e.ledger.lock(ctx, scope)
	if err != nil {
		return Bill{}, err
	}
	defer unlock()

	var (
		saved    Bill
		replaced bool
	)
	commit := func(s Store) error {
		snap, err := LoadSnapshot(ctx, s, scope)
		if err != nil {
			return err
		}
		if locked, by := snap.IsLocked(sub.Period); locked {
			return &LockedPeriodError{Period: sub.Period, LockedBy: by}
		}
		bill, existing, err := e.buildBill(scope, sub, snap)
		if err != nil {
			return err
		}
		if existing == nil {
			saved, err = s.CreateBill(ctx, bill)
			if err != nil {
				return storeErr("create bill", err)
			}
			return nil
		}

		bill.ID = existing.ID
		bill.CreatedAt = existing.CreatedAt
		bill.UpdatedAt = e.cfg.Now()
		ok, err := s.UpdateBill(ctx, bill)
		if err != nil {
			return storeErr("update bill", err)
		}
		if !ok {
			return &NotFoundError{Kind: "bill", ID: string(existing.ID)}
		}
		saved, replaced = bill, true
		return nil
	}

	if tx, ok := e.store.(TxStore); ok {
		err = tx.WithTx(ctx, commit)
		err = passThrough(err, "submit bill")
	} else {
		err = commit(e.store)
	}
	if err != nil {
		return Bill{}, err
	}

	e.log.WithFields(logging.Fields{
		"scope":        scope,
		"period":       saved.Period,
		"included":     len(saved.IncludedPeriods),
		"usage_kwh":    saved.TotalUsageKWh,
		"unit_price":   saved.UnitPrice.String(),
		"total_amount": saved.TotalAmount.String(),
		"replaced":     replaced,
	}).Info("bill submitted")

	event := BillSubmittedEvent{Scope: scope, Bill: saved, Replaced: replaced, OccurredAt: e.cfg.Now()}
	if err := e.cfg.Notifier.BillSubmitted(ctx, event); err != nil {
		e.log.WithFields(logging.Fields{"scope": scope, "period": saved.Period}).
			Warn("bill submitted notification failed: " + err.Error())
	}
	return saved, nil
}

// buildBill computes the bill for sub against snap. existing is the bill
// currently anchored at sub.Period, if any.
func (e *Engine) buildBill(scope Scope, sub BillSubmission, snap *Snapshot) (Bill, *Bill, error) {
	var existing *Bill
	for i := range snap.Bills {
		if snap.Bills[i].Period == sub.Period {
			existing = &snap.Bills[i]
		}
	}

	// A period belongs to at most one bill.
	for _, other := range snap.Bills {
		if other.Period == sub.Period {
			continue
		}
		for _, inc := range other.IncludedPeriods {
			if inc == sub.Period {
				return Bill{}, nil, &ValidationError{
					Field:   "period",
					Message: fmt.Sprintf("%s is already billed as part of %s", sub.Period, other.Period),
				}
			}
		}
		for _, p := range sub.IncludedPeriods {
			if other.Covers(p) {
				return Bill{}, nil, &ValidationError{
					Field:   "included_periods",
					Message: fmt.Sprintf("%s is already covered by the bill for %s", p, other.Period),
				}
			}
		}
	}

	covered := append(append([]Period(nil), sub.IncludedPeriods...), sub.Period)
	usage := snap.UsageForPeriods(covered)
	if usage == 0 {
		return Bill{}, nil, &ValidationError{Field: "period", Message: "no usage recorded for the billed periods"}
	}
	kwh := decimal.NewFromInt(usage)

	bill := Bill{
		Scope:              scope,
		Period:             sub.Period,
		TotalUsageKWh:      usage,
		IncludedPeriods:    append([]Period(nil), sub.IncludedPeriods...),
		IsMultiPeriod:      len(sub.IncludedPeriods) > 0,
		TotalAncillaryCost: SumAncillary(ReadingsForPeriods(covered, snap.Readings)),
		PriceIsManual:      sub.PriceIsManual,
	}
	if sub.PriceIsManual {
		bill.UnitPrice = sub.UnitPrice
		bill.TotalAmount = RoundMoney(sub.UnitPrice.Mul(kwh))
	} else {
		bill.TotalAmount = sub.TotalAmount
		bill.UnitPrice = sub.TotalAmount.Div(kwh)
	}
	return bill, existing, nil
}

func (sub BillSubmission) validate() error {
	if err := sub.Period.Validate(); err != nil {
		return err
	}
	if sub.PriceIsManual {
		if !sub.UnitPrice.IsPositive() {
			return &ValidationError{Field: "unit_price", Message: "must be positive"}
		}
	} else if !sub.TotalAmount.IsPositive() {
		return &ValidationError{Field: "total_amount", Message: "must be positive"}
	}

	seen := make(map[Period]bool, len(sub.IncludedPeriods))
	for _, p := range sub.IncludedPeriods {
		if err := p.Validate(); err != nil {
			return &ValidationError{Field: "included_periods", Message: err.Error()}
		}
		if !p.Before(sub.Period) {
			return &ValidationError{
				Field:   "included_periods",
				Message: fmt.Sprintf("%s is not before the anchor %s", p, sub.Period),
			}
		}
		if seen[p] {
			return &ValidationError{Field: "included_periods", Message: fmt.Sprintf("%s listed twice", p)}
		}
		seen[p] = true
	}
	return nil
}

// passThrough keeps engine errors returned from inside a transaction intact
// and wraps anything the transaction machinery itself produced.
func passThrough(err error, op string) error {
	if err == nil {
		return nil
	}
	var (
		ve *ValidationError
		nf *NotFoundError
		le *LockedPeriodError
		se *StoreError
	)
	if errors.As(err, &ve) || errors.As(err, &nf) || errors.As(err, &le) || errors.As(err, &se) {
		return err
	}
	return storeErr(op, err)
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) ListBills(ctx context.Context, scope Scope) ([]Bill, error) {
	snap, err := e.ledger.Snapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	return snap.Bills, nil
}

// ResolveBill returns the bill governing period, or nil when it is unbilled.
func (e *Engine) ResolveBill(ctx context.Context, scope Scope, period Period) (*BillView, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	snap, err := e.ledger.Snapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	return snap.ResolveBill(period), nil
}

// CostOf returns the electricity cost of r. Ancillary cost is not included;
// see PersonTotal.
func (e *Engine) CostOf(ctx context.Context, scope Scope, r Reading) (decimal.Decimal, error) {
	snap, err := e.ledger.Snapshot(ctx, scope)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.CostOf(r), nil
}

// IsLocked reports whether period is locked and by which bill anchor.
func (e *Engine) IsLocked(ctx context.Context, scope Scope, period Period) (bool, Period, error) {
	if err := period.Validate(); err != nil {
		return false, "", err
	}
	snap, err := e.ledger.Snapshot(ctx, scope)
	if err != nil {
		return false, "", err
	}
	locked, by := snap.IsLocked(period)
	return locked, by, nil
}

// UnbilledPeriodsBefore lists earlier periods no bill covers. A non-positive
// lookback uses the configured one.
func (e *Engine) UnbilledPeriodsBefore(ctx context.Context, scope Scope, period Period, lookback int) ([]Period, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	if lookback <= 0 {
		lookback = e.cfg.UnbilledLookback
	}
	snap, err := e.ledger.Snapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	return snap.UnbilledPeriodsBefore(period, lookback), nil
}

// MonthTotalCost sums the electricity cost of all readings in period.
func (e *Engine) MonthTotalCost(ctx context.Context, scope Scope, period Period) (decimal.Decimal, error) {
	if err := period.Validate(); err != nil {
		return decimal.Zero, err
	}
	snap, err := e.ledger.Snapshot(ctx, scope)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.MonthTotalCost(period), nil
}

// PeriodStatus gathers usage, completeness, lock state and billing of period
// from a single snapshot.
func (e *Engine) PeriodStatus(ctx context.Context, scope Scope, period Period) (PeriodStatus, error) {
	if err := period.Validate(); err != nil {
		return PeriodStatus{}, err
	}
	snap, err := e.ledger.Snapshot(ctx, scope)
	if err != nil {
		return PeriodStatus{}, err
	}
	return StatusOf(snap, period, e.cfg.UnbilledLookback), nil
}

// StatusOf computes PeriodStatus from a snapshot.
func StatusOf(snap *Snapshot, period Period, lookback int) PeriodStatus {
	st := PeriodStatus{
		Period:          period,
		UsageKWh:        snap.UsageForPeriod(period),
		Complete:        snap.AllPeopleHaveReadingForPeriod(period),
		Bill:            snap.ResolveBill(period),
		ElectricityCost: snap.MonthTotalCost(period),
		AncillaryCost:   SumAncillary(snap.ReadingsForPeriod(period)),
	}
	st.Locked, st.LockedBy = snap.IsLocked(period)
	for _, p := range snap.People {
		if _, ok := snap.ReadingFor(p.ID, period); !ok {
			st.Missing = append(st.Missing, p.ID)
		}
	}
	// Only periods before an unbilled one are worth folding in.
	if st.Bill == nil {
		st.Unbilled = snap.UnbilledPeriodsBefore(period, lookback)
	}
	return st
}
