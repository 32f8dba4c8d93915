package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		in      string
		want    Period
		wantErr bool
	}{
		{in: "2024-01", want: "2024-01"},
		{in: "2024-12", want: "2024-12"},
		{in: "2024-00", wantErr: true},
		{in: "2024-13", wantErr: true},
		{in: "2024-1", wantErr: true},
		{in: "24-01-01", wantErr: true},
		{in: "abcd-01", wantErr: true},
		{in: "", wantErr: true},
		{in: "2024-+1", wantErr: true},
		{in: "+024-01", wantErr: true},
		{in: "2024-1 ", wantErr: true},
		{in: " 024-01", wantErr: true},
		{in: "2024--1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePeriod(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPeriod_ValidateRequiresCanonicalForm(t *testing.T) {
	assert.NoError(t, Period("2024-01").Validate())
	for _, p := range []Period{"2024-+1", "+024-01", "2024-1 ", "0000-01"} {
		assert.ErrorIs(t, p.Validate(), ErrValidation, string(p))
	}
}

func TestCurrentPeriod_IsOneIndexed(t *testing.T) {
	now := time.Date(2024, time.January, 31, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, Period("2024-01"), CurrentPeriod(now))
}

func TestPeriod_Arithmetic(t *testing.T) {
	p := Period("2024-01")

	assert.Equal(t, Period("2023-12"), p.Prev())
	assert.Equal(t, Period("2024-02"), p.Next())
	assert.Equal(t, Period("2025-03"), p.AddMonths(14))
	assert.Equal(t, 14, Period("2025-03").MonthsSince(p))
	assert.Equal(t, -1, Period("2023-12").MonthsSince(p))
}

func TestComparePeriods(t *testing.T) {
	assert.Equal(t, -1, ComparePeriods("2023-12", "2024-01"))
	assert.Equal(t, 1, ComparePeriods("2024-10", "2024-09"))
	assert.Equal(t, 0, ComparePeriods("2024-05", "2024-05"))
	assert.True(t, Period("2024-02").Before("2024-03"))
	assert.True(t, Period("2024-03").After("2024-02"))
}

func TestRecentPeriods_ExcludesCurrent(t *testing.T) {
	// GIVEN: It is February 2024
	now := time.Date(2024, time.February, 10, 0, 0, 0, 0, time.UTC)

	// WHEN: Asking for the last three periods
	got := RecentPeriods(now, 3)

	// THEN: Current month is excluded and the year boundary is crossed
	assert.Equal(t, []Period{"2024-01", "2023-12", "2023-11"}, got)
	assert.Empty(t, RecentPeriods(now, 0))
}

func TestUnbilledPeriodsBefore(t *testing.T) {
	// GIVEN: A bill for 2024-03 that folded in 2024-02, and a bill for 2023-12
	bills := []Bill{
		{Period: "2024-03", IncludedPeriods: []Period{"2024-02"}},
		{Period: "2023-12"},
	}

	// WHEN: Looking back from 2024-05
	got := UnbilledPeriodsBefore("2024-05", bills, 6)

	// THEN: Anchors and included periods are skipped, most recent first
	assert.Equal(t, []Period{"2024-04", "2024-01", "2023-11"}, got)
}

func TestUnbilledPeriodsBefore_DefaultLookback(t *testing.T) {
	got := UnbilledPeriodsBefore("2024-07", nil, 0)
	assert.Len(t, got, DefaultUnbilledLookback)
	assert.Equal(t, Period("2024-06"), got[0])
	assert.Equal(t, Period("2024-01"), got[len(got)-1])
}
