package store

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/power-ledger/billing"
)

func TestMemory_ReadingUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	r := billing.Reading{Scope: "h", PersonID: "p", Period: "2024-01", NewIndex: 10}
	created, err := m.CreateReading(ctx, r)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	_, err = m.CreateReading(ctx, r)
	assert.ErrorIs(t, err, ErrConflict)

	// Other scopes are independent.
	r.Scope = "other"
	_, err = m.CreateReading(ctx, r)
	assert.NoError(t, err)
}

func TestMemory_UpdateAndDeleteUnknown(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.UpdateReading(ctx, billing.Reading{ID: "nope", Scope: "h"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.DeleteReading(ctx, "h", "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.UpdateBill(ctx, billing.Bill{ID: "nope", Scope: "h"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.DeletePerson(ctx, "h", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_BillsAreCopied(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	included := []billing.Period{"2024-01"}
	_, err := m.CreateBill(ctx, billing.Bill{Scope: "h", Period: "2024-02", IncludedPeriods: included, UnitPrice: decimal.NewFromInt(1)})
	require.NoError(t, err)
	included[0] = "1999-01"

	bills, err := m.ListBills(ctx, "h")
	require.NoError(t, err)
	require.Len(t, bills, 1)
	assert.Equal(t, billing.Period("2024-01"), bills[0].IncludedPeriods[0])

	bills[0].IncludedPeriods[0] = "1999-02"
	again, err := m.ListBills(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, billing.Period("2024-01"), again[0].IncludedPeriods[0])
}

func TestMemory_ListScopes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.CreatePerson(ctx, billing.Person{Scope: "b", Name: "x"})
	require.NoError(t, err)
	_, err = m.CreatePerson(ctx, billing.Person{Scope: "a", Name: "y"})
	require.NoError(t, err)

	scopes, err := m.ListScopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []billing.Scope{"a", "b"}, scopes)
}

func TestTxMemory_RollbackOnError(t *testing.T) {
	// GIVEN: A store with one person
	ctx := context.Background()
	tm := NewTxMemory()
	_, err := tm.CreatePerson(ctx, billing.Person{Scope: "h", Name: "An"})
	require.NoError(t, err)

	// WHEN: A transaction writes then fails
	boom := errors.New("boom")
	err = tm.WithTx(ctx, func(s billing.Store) error {
		if _, err := s.CreatePerson(ctx, billing.Person{Scope: "h", Name: "Binh"}); err != nil {
			return err
		}
		if _, err := s.CreateBill(ctx, billing.Bill{Scope: "h", Period: "2024-01"}); err != nil {
			return err
		}
		return boom
	})

	// THEN: Nothing from the transaction is visible
	assert.ErrorIs(t, err, boom)
	people, err := tm.ListPeople(ctx, "h")
	require.NoError(t, err)
	assert.Len(t, people, 1)
	bills, err := tm.ListBills(ctx, "h")
	require.NoError(t, err)
	assert.Empty(t, bills)
}

func TestTxMemory_Commit(t *testing.T) {
	ctx := context.Background()
	tm := NewTxMemory()

	err := tm.WithTx(ctx, func(s billing.Store) error {
		_, err := s.CreateBill(ctx, billing.Bill{Scope: "h", Period: "2024-01"})
		return err
	})
	require.NoError(t, err)

	bills, err := tm.ListBills(ctx, "h")
	require.NoError(t, err)
	assert.Len(t, bills, 1)
}

func TestMemory_Reset(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.CreatePerson(ctx, billing.Person{Scope: "h", Name: "An"})
	require.NoError(t, err)

	require.NoError(t, m.Reset(ctx, "h"))

	people, err := m.ListPeople(ctx, "h")
	require.NoError(t, err)
	assert.Empty(t, people)
	scopes, err := m.ListScopes(ctx)
	require.NoError(t, err)
	assert.Empty(t, scopes)
}
