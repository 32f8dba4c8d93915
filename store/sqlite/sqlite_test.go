package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/power-ledger/billing"
	"github.com/warp/power-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "power.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

const house = billing.Scope("house-1")

// =============================================================================
// RECORDS
// =============================================================================

func TestStore_ReadingRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.CreateReading(ctx, billing.Reading{
		Scope: house, PersonID: "p1", Period: "2024-01",
		OldIndex: 100, NewIndex: 150,
		AncillaryCost: decimal.RequireFromString("10000.50"), Note: "phí đồng hồ",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	readings, err := store.ListReadings(ctx, house)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	got := readings[0]
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, int64(50), got.Usage())
	assert.Equal(t, "10000.5", got.AncillaryCost.String())
	assert.Equal(t, "phí đồng hồ", got.Note)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestStore_ReadingUniqueness(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r := billing.Reading{Scope: house, PersonID: "p1", Period: "2024-01", NewIndex: 1}
	_, err := store.CreateReading(ctx, r)
	require.NoError(t, err)

	_, err = store.CreateReading(ctx, r)
	assert.ErrorIs(t, err, sqlite.ErrConflict)
}

func TestStore_UpdateReadingKeepsOldIndex(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.CreateReading(ctx, billing.Reading{Scope: house, PersonID: "p1", Period: "2024-01", OldIndex: 10, NewIndex: 20})
	require.NoError(t, err)

	created.OldIndex = 0
	created.NewIndex = 30
	ok, err := store.UpdateReading(ctx, created)
	require.NoError(t, err)
	assert.True(t, ok)

	readings, err := store.ListReadings(ctx, house)
	require.NoError(t, err)
	assert.Equal(t, int64(10), readings[0].OldIndex)
	assert.Equal(t, int64(30), readings[0].NewIndex)

	ok, err = store.UpdateReading(ctx, billing.Reading{ID: "missing", Scope: house})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_BillRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.CreateBill(ctx, billing.Bill{
		Scope: house, Period: "2024-02",
		TotalAmount: decimal.NewFromInt(600000), TotalUsageKWh: 200, UnitPrice: decimal.NewFromInt(3000),
		IncludedPeriods: []billing.Period{"2024-01"}, IsMultiPeriod: true,
		TotalAncillaryCost: decimal.NewFromInt(20000),
	})
	require.NoError(t, err)

	bills, err := store.ListBills(ctx, house)
	require.NoError(t, err)
	require.Len(t, bills, 1)
	got := bills[0]
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, []billing.Period{"2024-01"}, got.IncludedPeriods)
	assert.True(t, got.IsMultiPeriod)
	assert.False(t, got.PriceIsManual)
	assert.True(t, got.UnitPrice.Equal(decimal.NewFromInt(3000)))

	_, err = store.CreateBill(ctx, billing.Bill{Scope: house, Period: "2024-02"})
	assert.ErrorIs(t, err, sqlite.ErrConflict, "one bill per anchor")
}

func TestStore_DeleteAndScopes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	p, err := store.CreatePerson(ctx, billing.Person{Scope: house, Name: "An"})
	require.NoError(t, err)
	_, err = store.CreatePerson(ctx, billing.Person{Scope: "house-2", Name: "Binh"})
	require.NoError(t, err)

	scopes, err := store.ListScopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []billing.Scope{"house-1", "house-2"}, scopes)

	ok, err := store.DeletePerson(ctx, "house-2", p.ID)
	require.NoError(t, err)
	assert.False(t, ok, "scope mismatch deletes nothing")

	ok, err = store.DeletePerson(ctx, house, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Reset(ctx, "house-2"))
	scopes, err = store.ListScopes(ctx)
	require.NoError(t, err)
	assert.Empty(t, scopes)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.WithTx(ctx, func(s billing.Store) error {
		if _, err := s.CreateBill(ctx, billing.Bill{Scope: house, Period: "2024-01"}); err != nil {
			return err
		}
		bills, err := s.ListBills(ctx, house)
		require.NoError(t, err)
		assert.Len(t, bills, 1, "visible inside the transaction")
		_, err = s.CreateBill(ctx, billing.Bill{Scope: house, Period: "2024-01"})
		return err
	})
	assert.ErrorIs(t, err, sqlite.ErrConflict)

	bills, err := store.ListBills(ctx, house)
	require.NoError(t, err)
	assert.Empty(t, bills)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestStore_EngineScenario(t *testing.T) {
	// GIVEN: The engine running on SQLite
	ctx := context.Background()
	store := newTestStore(t)
	ledger := billing.NewLedger(store, billing.Config{})
	engine := billing.NewEngine(ledger)

	a, err := ledger.AddPerson(ctx, house, "A")
	require.NoError(t, err)
	b, err := ledger.AddPerson(ctx, house, "B")
	require.NoError(t, err)

	old := int64(100)
	_, err = ledger.AddOrUpdateReading(ctx, house, billing.ReadingInput{PersonID: a.ID, Period: "2024-01", NewIndex: 150, OldIndex: &old})
	require.NoError(t, err)
	old = 200
	_, err = ledger.AddOrUpdateReading(ctx, house, billing.ReadingInput{PersonID: b.ID, Period: "2024-01", NewIndex: 230, OldIndex: &old})
	require.NoError(t, err)

	// WHEN: Submitting twice for the same anchor
	_, err = engine.SubmitBill(ctx, house, billing.BillSubmission{Period: "2024-01", TotalAmount: decimal.NewFromInt(400000)})
	require.NoError(t, err)
	bill, err := engine.SubmitBill(ctx, house, billing.BillSubmission{Period: "2024-01", TotalAmount: decimal.NewFromInt(500000)})
	require.NoError(t, err)

	// THEN: One bill at the latest figures
	assert.True(t, bill.UnitPrice.Equal(decimal.NewFromInt(6250)))
	total, err := engine.MonthTotalCost(ctx, house, "2024-01")
	require.NoError(t, err)
	assert.Equal(t, "500000", total.String())

	bills, err := engine.ListBills(ctx, house)
	require.NoError(t, err)
	assert.Len(t, bills, 1)
}
