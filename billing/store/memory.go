// Package store provides in-memory billing.Store implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/power-ledger/billing"
)

// ErrConflict is returned when a write would break a uniqueness rule
// (one reading per person and period, one bill per anchor).
var ErrConflict = errors.New("store: conflicting record")

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu     sync.RWMutex
	scopes map[billing.Scope]*household
	now    func() time.Time
}

// household keeps records in insertion order.
type household struct {
	people   []billing.Person
	readings []billing.Reading
	bills    []billing.Bill
}

func (h *household) clone() *household {
	c := &household{
		people:   append([]billing.Person(nil), h.people...),
		readings: append([]billing.Reading(nil), h.readings...),
		bills:    make([]billing.Bill, len(h.bills)),
	}
	for i, b := range h.bills {
		b.IncludedPeriods = append([]billing.Period(nil), b.IncludedPeriods...)
		c.bills[i] = b
	}
	return c
}

func NewMemory() *Memory {
	return &Memory{
		scopes: make(map[billing.Scope]*household),
		now:    time.Now,
	}
}

// WithClock replaces the timestamp source. Used by tests and scenario seeding.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) ListScopes(_ context.Context) ([]billing.Scope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listScopesLocked(), nil
}

func (m *Memory) ListPeople(ctx context.Context, scope billing.Scope) ([]billing.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPeopleLocked(ctx, scope)
}

func (m *Memory) CreatePerson(ctx context.Context, p billing.Person) (billing.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createPersonLocked(ctx, p)
}

func (m *Memory) DeletePerson(ctx context.Context, scope billing.Scope, id billing.PersonID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletePersonLocked(ctx, scope, id)
}

func (m *Memory) ListReadings(ctx context.Context, scope billing.Scope) ([]billing.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listReadingsLocked(ctx, scope)
}

func (m *Memory) CreateReading(ctx context.Context, r billing.Reading) (billing.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createReadingLocked(ctx, r)
}

func (m *Memory) UpdateReading(ctx context.Context, r billing.Reading) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateReadingLocked(ctx, r)
}

func (m *Memory) DeleteReading(ctx context.Context, scope billing.Scope, id billing.ReadingID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteReadingLocked(ctx, scope, id)
}

func (m *Memory) ListBills(ctx context.Context, scope billing.Scope) ([]billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBillsLocked(ctx, scope)
}

func (m *Memory) CreateBill(ctx context.Context, b billing.Bill) (billing.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createBillLocked(ctx, b)
}

func (m *Memory) UpdateBill(ctx context.Context, b billing.Bill) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateBillLocked(ctx, b)
}

// Reset deletes every record of scope.
func (m *Memory) Reset(_ context.Context, scope billing.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scopes, scope)
	return nil
}

// =============================================================================
// LOCKED OPERATIONS - Caller holds m.mu
// =============================================================================

func (m *Memory) household(scope billing.Scope) *household {
	h, ok := m.scopes[scope]
	if !ok {
		h = &household{}
		m.scopes[scope] = h
	}
	return h
}

func (m *Memory) listScopesLocked() []billing.Scope {
	out := make([]billing.Scope, 0, len(m.scopes))
	for s, h := range m.scopes {
		if len(h.people)+len(h.readings)+len(h.bills) > 0 {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Memory) listPeopleLocked(ctx context.Context, scope billing.Scope) ([]billing.Person, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, ok := m.scopes[scope]
	if !ok {
		return nil, nil
	}
	return append([]billing.Person(nil), h.people...), nil
}

func (m *Memory) createPersonLocked(ctx context.Context, p billing.Person) (billing.Person, error) {
	if err := ctx.Err(); err != nil {
		return billing.Person{}, err
	}
	p.ID = billing.PersonID(uuid.NewString())
	p.CreatedAt = m.now()
	h := m.household(p.Scope)
	h.people = append(h.people, p)
	return p, nil
}

func (m *Memory) deletePersonLocked(ctx context.Context, scope billing.Scope, id billing.PersonID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h, ok := m.scopes[scope]
	if !ok {
		return false, nil
	}
	for i, p := range h.people {
		if p.ID == id {
			h.people = append(h.people[:i], h.people[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) listReadingsLocked(ctx context.Context, scope billing.Scope) ([]billing.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, ok := m.scopes[scope]
	if !ok {
		return nil, nil
	}
	return append([]billing.Reading(nil), h.readings...), nil
}

func (m *Memory) createReadingLocked(ctx context.Context, r billing.Reading) (billing.Reading, error) {
	if err := ctx.Err(); err != nil {
		return billing.Reading{}, err
	}
	h := m.household(r.Scope)
	for _, existing := range h.readings {
		if existing.PersonID == r.PersonID && existing.Period == r.Period {
			return billing.Reading{}, fmt.Errorf("%w: reading for %s in %s", ErrConflict, r.PersonID, r.Period)
		}
	}
	r.ID = billing.ReadingID(uuid.NewString())
	r.CreatedAt = m.now()
	r.UpdatedAt = r.CreatedAt
	h.readings = append(h.readings, r)
	return r, nil
}

func (m *Memory) updateReadingLocked(ctx context.Context, r billing.Reading) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h, ok := m.scopes[r.Scope]
	if !ok {
		return false, nil
	}
	for i, existing := range h.readings {
		if existing.ID != r.ID {
			continue
		}
		r.CreatedAt = existing.CreatedAt
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = m.now()
		}
		h.readings[i] = r
		return true, nil
	}
	return false, nil
}

func (m *Memory) deleteReadingLocked(ctx context.Context, scope billing.Scope, id billing.ReadingID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h, ok := m.scopes[scope]
	if !ok {
		return false, nil
	}
	for i, r := range h.readings {
		if r.ID == id {
			h.readings = append(h.readings[:i], h.readings[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) listBillsLocked(ctx context.Context, scope billing.Scope) ([]billing.Bill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, ok := m.scopes[scope]
	if !ok {
		return nil, nil
	}
	return h.clone().bills, nil
}

func (m *Memory) createBillLocked(ctx context.Context, b billing.Bill) (billing.Bill, error) {
	if err := ctx.Err(); err != nil {
		return billing.Bill{}, err
	}
	h := m.household(b.Scope)
	for _, existing := range h.bills {
		if existing.Period == b.Period {
			return billing.Bill{}, fmt.Errorf("%w: bill for %s", ErrConflict, b.Period)
		}
	}
	b.ID = billing.BillID(uuid.NewString())
	b.CreatedAt = m.now()
	b.UpdatedAt = b.CreatedAt
	b.IncludedPeriods = append([]billing.Period(nil), b.IncludedPeriods...)
	h.bills = append(h.bills, b)
	return b, nil
}

func (m *Memory) updateBillLocked(ctx context.Context, b billing.Bill) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h, ok := m.scopes[b.Scope]
	if !ok {
		return false, nil
	}
	for i, existing := range h.bills {
		if existing.ID != b.ID {
			continue
		}
		b.CreatedAt = existing.CreatedAt
		if b.UpdatedAt.IsZero() {
			b.UpdatedAt = m.now()
		}
		b.IncludedPeriods = append([]billing.Period(nil), b.IncludedPeriods...)
		h.bills[i] = b
		return true, nil
	}
	return false, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.scopes = snapshot
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() map[billing.Scope]*household {
	out := make(map[billing.Scope]*household, len(tm.scopes))
	for s, h := range tm.scopes {
		out[s] = h.clone()
	}
	return out
}

// txMemoryView runs against the parent's state while WithTx holds its lock.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) ListPeople(ctx context.Context, scope billing.Scope) ([]billing.Person, error) {
	return tv.parent.listPeopleLocked(ctx, scope)
}

func (tv *txMemoryView) CreatePerson(ctx context.Context, p billing.Person) (billing.Person, error) {
	return tv.parent.createPersonLocked(ctx, p)
}

func (tv *txMemoryView) DeletePerson(ctx context.Context, scope billing.Scope, id billing.PersonID) (bool, error) {
	return tv.parent.deletePersonLocked(ctx, scope, id)
}

func (tv *txMemoryView) ListReadings(ctx context.Context, scope billing.Scope) ([]billing.Reading, error) {
	return tv.parent.listReadingsLocked(ctx, scope)
}

func (tv *txMemoryView) CreateReading(ctx context.Context, r billing.Reading) (billing.Reading, error) {
	return tv.parent.createReadingLocked(ctx, r)
}

func (tv *txMemoryView) UpdateReading(ctx context.Context, r billing.Reading) (bool, error) {
	return tv.parent.updateReadingLocked(ctx, r)
}

func (tv *txMemoryView) DeleteReading(ctx context.Context, scope billing.Scope, id billing.ReadingID) (bool, error) {
	return tv.parent.deleteReadingLocked(ctx, scope, id)
}

func (tv *txMemoryView) ListBills(ctx context.Context, scope billing.Scope) ([]billing.Bill, error) {
	return tv.parent.listBillsLocked(ctx, scope)
}

func (tv *txMemoryView) CreateBill(ctx context.Context, b billing.Bill) (billing.Bill, error) {
	return tv.parent.createBillLocked(ctx, b)
}

func (tv *txMemoryView) UpdateBill(ctx context.Context, b billing.Bill) (bool, error) {
	return tv.parent.updateBillLocked(ctx, b)
}
