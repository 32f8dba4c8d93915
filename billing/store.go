/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the engine and the outside world. The engine
  only needs flat create/read/update/delete of people, readings and bills,
  each scoped by household. Record ordering and cross-writer consistency are
  NOT guaranteed by a Store; the engine sorts what it reads and serializes
  its own writes through a Locker.

KEY INTERFACES:
  Store:       Flat CRUD per entity kind
  TxStore:     Optional atomic multi-write (bill upsert)
  ScopeLister: Optional enumeration of households (background jobs)
  Identity:    Resolves the household of the current caller
  Locker:      Per-household mutual exclusion for writes
  Notifier:    Receives bill-entry prompts and submitted bills

CONTRACT:
  - Create* assigns ID and CreatedAt/UpdatedAt and returns the stored record.
  - Update* and Delete* return false (and no error) when the id is unknown.
  - Any returned error is wrapped by the engine as a StoreError.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests and the default backend
  - store/sqlite/sqlite.go:  SQLite

SEE ALSO:
  - snapshot.go: How the engine reads a whole household at once
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Flat record persistence
// =============================================================================

type Store interface {
	ListPeople(ctx context.Context, scope Scope) ([]Person, error)
	CreatePerson(ctx context.Context, p Person) (Person, error)
	DeletePerson(ctx context.Context, scope Scope, id PersonID) (bool, error)

	ListReadings(ctx context.Context, scope Scope) ([]Reading, error)
	CreateReading(ctx context.Context, r Reading) (Reading, error)
	UpdateReading(ctx context.Context, r Reading) (bool, error)
	DeleteReading(ctx context.Context, scope Scope, id ReadingID) (bool, error)

	ListBills(ctx context.Context, scope Scope) ([]Bill, error)
	CreateBill(ctx context.Context, b Bill) (Bill, error)
	UpdateBill(ctx context.Context, b Bill) (bool, error)
}

// TxStore wraps Store with transaction support.
// If fn returns error, every write made through the given Store is rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// ScopeLister enumerates households that have any record.
type ScopeLister interface {
	ListScopes(ctx context.Context) ([]Scope, error)
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Identity resolves the household of the current caller. When it fails the
// host picks a fallback scope; the engine never does.
type Identity interface {
	CurrentIdentity(ctx context.Context) (Scope, error)
}

// Locker serializes mutations per key (the household scope). The returned
// function releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Notifier is told about events a host may want to surface. Failures are
// logged by the engine and never fail the write that triggered them.
type Notifier interface {
	// PeriodComplete fires when every person in the household has a reading
	// for the period. Hosts typically prompt for bill entry.
	PeriodComplete(ctx context.Context, event PeriodCompleteEvent) error

	// BillSubmitted fires after a bill is committed.
	BillSubmitted(ctx context.Context, event BillSubmittedEvent) error
}

type PeriodCompleteEvent struct {
	Scope      Scope
	Period     Period
	People     int
	UsageKWh   int64
	OccurredAt time.Time
}

type BillSubmittedEvent struct {
	Scope      Scope
	Bill       Bill
	Replaced   bool // true when an existing bill at the anchor was overwritten
	OccurredAt time.Time
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) PeriodComplete(context.Context, PeriodCompleteEvent) error { return nil }
func (NopNotifier) BillSubmitted(context.Context, BillSubmittedEvent) error   { return nil }
