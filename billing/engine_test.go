package billing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/power-ledger/billing"
	"github.com/warp/power-ledger/billing/store"
)

func amount(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// =============================================================================
// SUBMISSION
// =============================================================================

func TestSubmitBill_MultiPeriodReconciliation(t *testing.T) {
	// GIVEN: 80 kWh in January and 120 kWh in February
	f := newFixture(t)
	a := f.person(t, "An")
	f.read(t, a, "2024-01", 80)
	f.read(t, a, "2024-02", 200)

	// WHEN: A 600000 bill for February folds in January
	bill, err := f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{
		Period:          "2024-02",
		TotalAmount:     amount(600000),
		IncludedPeriods: []billing.Period{"2024-01"},
	})
	require.NoError(t, err)

	// THEN: The unit price spreads over both months
	assert.Equal(t, int64(200), bill.TotalUsageKWh)
	assert.True(t, bill.UnitPrice.Equal(amount(3000)), "unit price %s", bill.UnitPrice)
	assert.True(t, bill.IsMultiPeriod)
	assert.True(t, bill.TotalAncillaryCost.Equal(amount(20000)), "two months of the default meter fee")

	// AND: January resolves to the February bill as an enclosed view
	view, err := f.engine.ResolveBill(f.ctx, house, "2024-01")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.True(t, view.IsPartOfMultiPeriod)
	assert.Equal(t, billing.Period("2024-02"), view.OriginalBillPeriod)
	assert.True(t, view.UnitPrice.Equal(amount(3000)))
}

func TestSubmitBill_ManualPriceRoundTrip(t *testing.T) {
	// GIVEN: 50 kWh in March
	f := newFixture(t)
	a := f.person(t, "An")
	f.read(t, a, "2024-03", 50)

	// WHEN: Submitting a manual unit price of 2000
	bill, err := f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{
		Period:        "2024-03",
		UnitPrice:     amount(2000),
		PriceIsManual: true,
	})
	require.NoError(t, err)

	// THEN: The total is derived and reconciles exactly
	assert.True(t, bill.TotalAmount.Equal(amount(100000)))
	assert.False(t, bill.IsMultiPeriod)

	view, err := f.engine.ResolveBill(f.ctx, house, "2024-03")
	require.NoError(t, err)
	require.NotNil(t, view)
	recomputed := view.UnitPrice.Mul(decimal.NewFromInt(view.TotalUsageKWh))
	assert.True(t, recomputed.Equal(view.TotalAmount))
}

func TestSubmitBill_TwoPersonScenario(t *testing.T) {
	// GIVEN: A read 100->150 with a 10000 fee, B read 200->230 with no fee
	f := newFixture(t)
	a := f.person(t, "A")
	b := f.person(t, "B")
	ra, err := f.ledger.AddOrUpdateReading(f.ctx, house, billing.ReadingInput{
		PersonID: a, Period: "2024-01", NewIndex: 150, OldIndex: i64(100), AncillaryCost: dec(10000),
	})
	require.NoError(t, err)
	rb, err := f.ledger.AddOrUpdateReading(f.ctx, house, billing.ReadingInput{
		PersonID: b, Period: "2024-01", NewIndex: 230, OldIndex: i64(200), AncillaryCost: dec(0),
	})
	require.NoError(t, err)

	// WHEN: A 500000 bill arrives for January
	bill, err := f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{
		Period:      "2024-01",
		TotalAmount: amount(500000),
	})
	require.NoError(t, err)

	// THEN: 80 kWh at 6250 split 312500 / 187500
	assert.Equal(t, int64(80), bill.TotalUsageKWh)
	assert.True(t, bill.UnitPrice.Equal(amount(6250)))

	costA, err := f.engine.CostOf(f.ctx, house, ra)
	require.NoError(t, err)
	costB, err := f.engine.CostOf(f.ctx, house, rb)
	require.NoError(t, err)
	assert.Equal(t, "312500", costA.String())
	assert.Equal(t, "187500", costB.String())
	assert.True(t, costA.Add(costB).Equal(bill.TotalAmount))

	total, err := f.engine.MonthTotalCost(f.ctx, house, "2024-01")
	require.NoError(t, err)
	assert.True(t, total.Equal(amount(500000)))

	// AND: Ancillary stays outside the electricity cost
	snap, err := f.ledger.Snapshot(f.ctx, house)
	require.NoError(t, err)
	assert.Equal(t, "322500", billing.PersonTotal(ra, snap.Bills).String())
}

func TestSubmitBill_Validation(t *testing.T) {
	f := newFixture(t)
	a := f.person(t, "An")
	f.read(t, a, "2024-01", 10)
	f.read(t, a, "2024-02", 20)

	tests := []struct {
		name string
		sub  billing.BillSubmission
	}{
		{"zero amount", billing.BillSubmission{Period: "2024-02", TotalAmount: amount(0)}},
		{"negative manual price", billing.BillSubmission{Period: "2024-02", UnitPrice: amount(-1), PriceIsManual: true}},
		{"manual with only amount", billing.BillSubmission{Period: "2024-02", TotalAmount: amount(1000), PriceIsManual: true}},
		{"bad anchor", billing.BillSubmission{Period: "2024-2", TotalAmount: amount(1000)}},
		{"no usage", billing.BillSubmission{Period: "2023-05", TotalAmount: amount(1000)}},
		{"included after anchor", billing.BillSubmission{Period: "2024-01", TotalAmount: amount(1000), IncludedPeriods: []billing.Period{"2024-02"}}},
		{"included equals anchor", billing.BillSubmission{Period: "2024-02", TotalAmount: amount(1000), IncludedPeriods: []billing.Period{"2024-02"}}},
		{"included twice", billing.BillSubmission{Period: "2024-02", TotalAmount: amount(1000), IncludedPeriods: []billing.Period{"2024-01", "2024-01"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.SubmitBill(f.ctx, house, tt.sub)
			require.Error(t, err)
			assert.ErrorIs(t, err, billing.ErrValidation)
		})
	}

	bills, err := f.engine.ListBills(f.ctx, house)
	require.NoError(t, err)
	assert.Empty(t, bills, "nothing committed")
	assert.Empty(t, f.notifier.bills)
}

func TestSubmitBill_RejectsDoubleBilling(t *testing.T) {
	// GIVEN: March's bill already folds in February
	f := newFixture(t)
	a := f.person(t, "An")
	f.read(t, a, "2024-01", 10)
	f.read(t, a, "2024-02", 20)
	f.read(t, a, "2024-03", 30)
	_, err := f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{
		Period: "2024-03", TotalAmount: amount(1000), IncludedPeriods: []billing.Period{"2024-02"},
	})
	require.NoError(t, err)

	// WHEN/THEN: February cannot be billed again, on its own or inside another bill
	_, err = f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{Period: "2024-02", TotalAmount: amount(1000)})
	assert.ErrorIs(t, err, billing.ErrLockedPeriod)

	_, err = f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{
		Period: "2024-04", TotalAmount: amount(1000), IncludedPeriods: []billing.Period{"2024-02"},
	})
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestSubmitBill_UpsertReplacesBill(t *testing.T) {
	// GIVEN: A bill for January
	f := newFixture(t)
	a := f.person(t, "An")
	f.read(t, a, "2024-01", 100)
	first, err := f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{Period: "2024-01", TotalAmount: amount(300000)})
	require.NoError(t, err)

	// WHEN: January is submitted again with a manual price
	second, err := f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{
		Period: "2024-01", UnitPrice: amount(2500), PriceIsManual: true,
	})
	require.NoError(t, err)

	// THEN: Same bill, new numbers
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.TotalAmount.Equal(amount(250000)))
	bills, err := f.engine.ListBills(f.ctx, house)
	require.NoError(t, err)
	assert.Len(t, bills, 1)

	require.Len(t, f.notifier.bills, 2)
	assert.False(t, f.notifier.bills[0].Replaced)
	assert.True(t, f.notifier.bills[1].Replaced)
}

func TestSubmitBill_NonRepeatingUnitPrice(t *testing.T) {
	f := newFixture(t)
	a := f.person(t, "An")
	f.read(t, a, "2024-01", 3)

	bill, err := f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{Period: "2024-01", TotalAmount: amount(100)})
	require.NoError(t, err)

	assert.True(t, bill.TotalAmount.Equal(amount(100)), "supplied amount stays authoritative")
	r := f.read(t, a, "2024-01", 3)
	cost, err := f.engine.CostOf(f.ctx, house, r)
	require.NoError(t, err)
	assert.Equal(t, "100", cost.String())
}

// =============================================================================
// LOCKING
// =============================================================================

func TestLocking_LaterBillFreezesEarlierPeriods(t *testing.T) {
	// GIVEN: Readings through March and a bill for March
	f := newFixture(t)
	a := f.person(t, "An")
	f.read(t, a, "2024-01", 10)
	feb := f.read(t, a, "2024-02", 20)
	f.read(t, a, "2024-03", 30)
	_, err := f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{Period: "2024-03", TotalAmount: amount(30000)})
	require.NoError(t, err)

	// WHEN/THEN: February and earlier are locked
	for _, p := range []billing.Period{"2024-02", "2024-01", "2023-12"} {
		_, err := f.ledger.AddOrUpdateReading(f.ctx, house, billing.ReadingInput{PersonID: a, Period: p, NewIndex: 25})
		require.Error(t, err, p)
		assert.ErrorIs(t, err, billing.ErrLockedPeriod)

		var locked *billing.LockedPeriodError
		require.True(t, errors.As(err, &locked))
		assert.Equal(t, billing.Period("2024-03"), locked.LockedBy)
	}
	assert.ErrorIs(t, f.ledger.DeleteReading(f.ctx, house, feb.ID), billing.ErrLockedPeriod)

	// AND: March and later stay mutable
	f.read(t, a, "2024-03", 35)
	f.read(t, a, "2024-04", 40)

	locked, by, err := f.engine.IsLocked(f.ctx, house, "2024-02")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, billing.Period("2024-03"), by)
}

func TestLocking_BillOfLockedPeriodCannotChange(t *testing.T) {
	// GIVEN: January billed, then February billed, which locks January
	f := newFixture(t)
	a := f.person(t, "An")
	jan := f.read(t, a, "2024-01", 100)
	f.read(t, a, "2024-02", 150)
	_, err := f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{Period: "2024-01", TotalAmount: amount(300000)})
	require.NoError(t, err)
	_, err = f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{Period: "2024-02", TotalAmount: amount(150000)})
	require.NoError(t, err)

	// WHEN: January's bill is resubmitted with a new amount
	_, err = f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{Period: "2024-01", TotalAmount: amount(900000)})

	// THEN: It is refused and January's cost is unchanged
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrLockedPeriod)
	var locked *billing.LockedPeriodError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, billing.Period("2024-01"), locked.Period)
	assert.Equal(t, billing.Period("2024-02"), locked.LockedBy)

	cost, err := f.engine.CostOf(f.ctx, house, jan)
	require.NoError(t, err)
	assert.Equal(t, "300000", cost.String())
	assert.Len(t, f.notifier.bills, 2)

	// AND: An unbilled month locked by a later bill cannot be billed either
	f.read(t, a, "2024-04", 200)
	_, err = f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{Period: "2024-04", TotalAmount: amount(50000)})
	require.NoError(t, err)
	_, err = f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{Period: "2024-03", TotalAmount: amount(1000)})
	assert.ErrorIs(t, err, billing.ErrLockedPeriod)
}

func TestSubmitBill_RejectsNonCanonicalAnchor(t *testing.T) {
	f := newFixture(t)
	a := f.person(t, "An")
	f.read(t, a, "2024-01", 100)

	for _, p := range []billing.Period{"2024-+1", "+024-01"} {
		_, err := f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{Period: p, TotalAmount: amount(1000)})
		assert.ErrorIs(t, err, billing.ErrValidation, string(p))
	}
	bills, err := f.engine.ListBills(f.ctx, house)
	require.NoError(t, err)
	assert.Empty(t, bills)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestCostOf_UnbilledPeriodIsZero(t *testing.T) {
	f := newFixture(t)
	a := f.person(t, "An")
	r := f.read(t, a, "2024-01", 500)

	cost, err := f.engine.CostOf(f.ctx, house, r)
	require.NoError(t, err)
	assert.True(t, cost.IsZero())

	view, err := f.engine.ResolveBill(f.ctx, house, "2024-01")
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestPeriodStatus(t *testing.T) {
	// GIVEN: Two people, only one has read May; April was never billed
	f := newFixture(t)
	a := f.person(t, "An")
	b := f.person(t, "Binh")
	f.read(t, a, "2024-03", 10)
	f.read(t, b, "2024-03", 10)
	_, err := f.engine.SubmitBill(f.ctx, house, billing.BillSubmission{Period: "2024-03", TotalAmount: amount(1000)})
	require.NoError(t, err)
	f.read(t, a, "2024-05", 30)

	// WHEN
	st, err := f.engine.PeriodStatus(f.ctx, house, "2024-05")
	require.NoError(t, err)

	// THEN
	assert.Equal(t, int64(20), st.UsageKWh)
	assert.False(t, st.Complete)
	assert.Equal(t, []billing.PersonID{b}, st.Missing)
	assert.False(t, st.Locked)
	assert.Nil(t, st.Bill)
	assert.Equal(t, billing.Period("2024-04"), st.Unbilled[0])
	assert.NotContains(t, st.Unbilled, billing.Period("2024-03"))

	unbilled, err := f.engine.UnbilledPeriodsBefore(f.ctx, house, "2024-05", 2)
	require.NoError(t, err)
	assert.Equal(t, []billing.Period{"2024-04"}, unbilled)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// failingBillStore fails every bill write after delegating it.
type failingBillStore struct {
	*store.TxMemory
}

func (s failingBillStore) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	return s.TxMemory.WithTx(ctx, func(tx billing.Store) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errors.New("commit failed")
	})
}

func TestSubmitBill_RollsBackOnCommitFailure(t *testing.T) {
	mem := store.NewTxMemory()
	ledger := billing.NewLedger(failingBillStore{mem}, billing.Config{})
	engine := billing.NewEngine(ledger)
	ctx := context.Background()

	p, err := ledger.AddPerson(ctx, house, "An")
	require.NoError(t, err)
	_, err = ledger.AddOrUpdateReading(ctx, house, billing.ReadingInput{PersonID: p.ID, Period: "2024-01", NewIndex: 10})
	require.NoError(t, err)

	_, err = engine.SubmitBill(ctx, house, billing.BillSubmission{Period: "2024-01", TotalAmount: amount(1000)})
	require.Error(t, err)
	assert.True(t, billing.IsStoreError(err))

	bills, err := mem.ListBills(ctx, house)
	require.NoError(t, err)
	assert.Empty(t, bills)
}
