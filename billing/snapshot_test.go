package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func reading(person PersonID, period Period, oldIdx, newIdx int64, ancillary int64) Reading {
	return Reading{
		ID:            ReadingID(string(person) + "-" + string(period)),
		PersonID:      person,
		Period:        period,
		OldIndex:      oldIdx,
		NewIndex:      newIdx,
		AncillaryCost: decimal.NewFromInt(ancillary),
	}
}

func money(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// =============================================================================
// USAGE
// =============================================================================

func TestReading_Usage(t *testing.T) {
	assert.Equal(t, int64(50), reading("a", "2024-01", 100, 150, 0).Usage())
	assert.Equal(t, int64(0), reading("a", "2024-01", 100, 100, 0).Usage())
	assert.Equal(t, int64(0), Reading{OldIndex: 10, NewIndex: 5}.Usage(), "never negative")
}

func TestReading_ValidateRejectsNegativeUsage(t *testing.T) {
	err := reading("a", "2024-01", 100, 99, 0).Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "new_index", ve.Field)
}

func TestUsageForPeriods_CountsDuplicatesOnce(t *testing.T) {
	readings := []Reading{
		reading("a", "2024-01", 0, 80, 0),
		reading("a", "2024-02", 80, 200, 0),
		reading("b", "2024-02", 0, 5, 0),
	}

	assert.Equal(t, int64(80), UsageForPeriod("2024-01", readings))
	assert.Equal(t, int64(205), UsageForPeriods([]Period{"2024-01", "2024-02", "2024-01"}, readings))
	assert.Equal(t, int64(0), UsageForPeriod("2023-12", readings))
}

func TestLatestReading(t *testing.T) {
	readings := []Reading{
		reading("a", "2024-03", 0, 1, 0),
		reading("a", "2024-01", 0, 1, 0),
		reading("b", "2024-05", 0, 1, 0),
	}

	latest := LatestReading("a", readings)
	require.NotNil(t, latest)
	assert.Equal(t, Period("2024-03"), latest.Period)

	before := LatestReadingBefore("a", "2024-03", readings)
	require.NotNil(t, before)
	assert.Equal(t, Period("2024-01"), before.Period)

	assert.Nil(t, LatestReading("nobody", readings))
	assert.Nil(t, LatestReadingBefore("a", "2024-01", readings))
}

func TestPeriodsWithReadings_Descending(t *testing.T) {
	readings := []Reading{
		reading("a", "2024-01", 0, 1, 0),
		reading("b", "2024-03", 0, 1, 0),
		reading("a", "2024-03", 0, 1, 0),
		reading("a", "2023-11", 0, 1, 0),
	}
	assert.Equal(t, []Period{"2024-03", "2024-01", "2023-11"}, PeriodsWithReadings(readings))
}

func TestAllPeopleHaveReadingForPeriod(t *testing.T) {
	people := []Person{{ID: "a"}, {ID: "b"}}
	readings := []Reading{
		reading("a", "2024-01", 0, 1, 0),
		reading("ghost", "2024-01", 0, 1, 0),
	}

	assert.False(t, AllPeopleHaveReadingForPeriod("2024-01", people, readings))

	readings = append(readings, reading("b", "2024-01", 0, 1, 0))
	assert.True(t, AllPeopleHaveReadingForPeriod("2024-01", people, readings))

	assert.False(t, AllPeopleHaveReadingForPeriod("2024-01", nil, readings), "empty household is never complete")
}

// =============================================================================
// BILLING
// =============================================================================

func TestResolveBill_AnchorWinsOverEnclosure(t *testing.T) {
	bills := []Bill{
		{Period: "2024-03", UnitPrice: money(3000), IncludedPeriods: []Period{"2024-01", "2024-02"}},
		{Period: "2024-02", UnitPrice: money(2500)},
	}

	view := ResolveBill("2024-02", bills)
	require.NotNil(t, view)
	assert.False(t, view.IsPartOfMultiPeriod)
	assert.True(t, view.UnitPrice.Equal(money(2500)))

	enclosed := ResolveBill("2024-01", bills)
	require.NotNil(t, enclosed)
	assert.True(t, enclosed.IsPartOfMultiPeriod)
	assert.Equal(t, Period("2024-03"), enclosed.OriginalBillPeriod)

	assert.Nil(t, ResolveBill("2023-12", bills))
}

func TestResolveBill_EnclosedViewDoesNotAliasBill(t *testing.T) {
	bills := []Bill{{Period: "2024-03", IncludedPeriods: []Period{"2024-02"}}}

	view := ResolveBill("2024-02", bills)
	require.NotNil(t, view)
	view.IncludedPeriods[0] = "1999-01"

	assert.Equal(t, Period("2024-02"), bills[0].IncludedPeriods[0])
}

func TestIsLocked(t *testing.T) {
	bills := []Bill{{Period: "2024-03"}, {Period: "2024-05"}}

	locked, by := IsLocked("2024-02", bills)
	assert.True(t, locked)
	assert.Equal(t, Period("2024-05"), by)

	locked, by = IsLocked("2024-04", bills)
	assert.True(t, locked)
	assert.Equal(t, Period("2024-05"), by)

	locked, _ = IsLocked("2024-05", bills)
	assert.False(t, locked, "own bill does not lock")
}

func TestCostOf_UnbilledIsZero(t *testing.T) {
	r := reading("a", "2024-01", 0, 500, 10000)
	assert.True(t, CostOf(r, nil).IsZero())
	assert.True(t, PersonTotal(r, nil).Equal(money(10000)), "ancillary still counts in the person total")
}

func TestCostOf_RoundsHalfAwayFromZero(t *testing.T) {
	bills := []Bill{{Period: "2024-01", UnitPrice: decimal.RequireFromString("2.5")}}
	r := reading("a", "2024-01", 0, 1, 0)
	assert.Equal(t, "3", CostOf(r, bills).String())
}

func TestSnapshot_SortsAndTotals(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := NewSnapshot("house",
		[]Person{{ID: "b", CreatedAt: t0.Add(time.Hour)}, {ID: "a", CreatedAt: t0}},
		[]Reading{reading("b", "2024-01", 200, 230, 0), reading("a", "2024-01", 100, 150, 10000)},
		[]Bill{{Period: "2024-01", UnitPrice: money(6250), TotalAmount: money(500000)}},
	)

	assert.Equal(t, PersonID("a"), snap.People[0].ID)
	assert.Equal(t, PersonID("a"), snap.Readings[0].PersonID)
	assert.True(t, snap.MonthTotalCost("2024-01").Equal(money(500000)))
	assert.True(t, snap.MonthTotalCost("2024-02").IsZero())
}
