/*
ledger.go - Usage ledger: people and their monthly meter readings

PURPOSE:
  The Ledger owns Readings. It records one reading per person per period,
  derives each new reading's old index from the person's previous reading,
  and refuses to touch periods that a later bill has locked.

CRITICAL INVARIANTS:
  1. ONE READING PER (person, period): adding again updates in place
  2. NO NEGATIVE USAGE: NewIndex >= OldIndex
  3. OLD INDEX IS FIXED: set at creation, never updated
  4. LOCKED PERIODS ARE FROZEN: no add, update or delete once any bill is
     anchored at a later period

CARRY-FORWARD RULE:
  A new reading is seeded from the person's latest reading strictly before
  the target period:
    OldIndex      = previous.NewIndex
    AncillaryCost = previous.AncillaryCost * gap   (gap = months between, if > 1)
    Note          = previous.Note
  Explicit ancillary cost or note from the caller always wins. A person's very
  first reading starts at OldIndex 0 (or a caller-supplied baseline) with the
  configured default ancillary cost and note.

CONCURRENCY:
  Writes take the household lock (Config.Locker) for their whole
  read-validate-write cycle. Reads load a Snapshot and take no lock.

SEE ALSO:
  - snapshot.go: Pure queries the ledger is built on
  - engine.go:   Bills, which lock periods
*/
package billing

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/power-ledger/locker"
	"github.com/warp/power-ledger/logging"
)

// =============================================================================
// CONFIG
// =============================================================================

var (
	// DefaultAncillaryCost is the monthly meter fee of a first reading.
	DefaultAncillaryCost = decimal.NewFromInt(10000)

	// DefaultNote labels the default ancillary cost.
	DefaultNote = "phí đồng hồ hằng tháng"
)

// Config carries the collaborators shared by the Ledger and the Engine.
// Zero values are replaced with working defaults by NewLedger.
type Config struct {
	Locker   Locker
	Notifier Notifier
	Logger   *logging.Logger
	Now      func() time.Time

	// Used for a person's first reading when the caller supplies none.
	DefaultAncillaryCost *decimal.Decimal
	DefaultNote          *string

	// How far back PeriodStatus looks for unbilled periods.
	UnbilledLookback int
}

func (c Config) withDefaults() Config {
	if c.Locker == nil {
		c.Locker = locker.NewLocal()
	}
	if c.Notifier == nil {
		c.Notifier = NopNotifier{}
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.DefaultAncillaryCost == nil {
		d := DefaultAncillaryCost
		c.DefaultAncillaryCost = &d
	}
	if c.DefaultNote == nil {
		n := DefaultNote
		c.DefaultNote = &n
	}
	if c.UnbilledLookback <= 0 {
		c.UnbilledLookback = DefaultUnbilledLookback
	}
	return c
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store Store
	cfg   Config
	log   *logging.Logger
}

func NewLedger(store Store, cfg Config) *Ledger {
	cfg = cfg.withDefaults()
	return &Ledger{
		store: store,
		cfg:   cfg,
		log:   cfg.Logger.WithComponent("ledger"),
	}
}

// Snapshot loads the whole household.
func (l *Ledger) Snapshot(ctx context.Context, scope Scope) (*Snapshot, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	return LoadSnapshot(ctx, l.store, scope)
}

// lock takes the household write lock. Lock failures are collaborator
// failures, so they surface as StoreError.
func (l *Ledger) lock(ctx context.Context, scope Scope) (func(), error) {
	unlock, err := l.cfg.Locker.Lock(ctx, string(scope))
	if err != nil {
		return nil, storeErr("lock household", err)
	}
	return unlock, nil
}

// =============================================================================
// PEOPLE
// =============================================================================

// AddPerson creates a person in scope. The name is trimmed and required.
func (l *Ledger) AddPerson(ctx context.Context, scope Scope, name string) (Person, error) {
	if err := validateScope(scope); err != nil {
		return Person{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Person{}, &ValidationError{Field: "name", Message: "required"}
	}

	unlock, err := l.lock(ctx, scope)
	if err != nil {
		return Person{}, err
	}
	defer unlock()

	p, err := l.store.CreatePerson(ctx, Person{Scope: scope, Name: name})
	if err != nil {
		return Person{}, storeErr("create person", err)
	}
	l.log.WithFields(logging.Fields{"scope": scope, "person_id": p.ID}).Info("person added")
	return p, nil
}

// ListPeople returns the household members, oldest first.
func (l *Ledger) ListPeople(ctx context.Context, scope Scope) ([]Person, error) {
	snap, err := l.Snapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	return snap.People, nil
}

// DeletePerson removes a person. Their readings are kept and remain
// addressable by PersonID.
func (l *Ledger) DeletePerson(ctx context.Context, scope Scope, id PersonID) error {
	if err := validateScope(scope); err != nil {
		return err
	}
	unlock, err := l.lock(ctx, scope)
	if err != nil {
		return err
	}
	defer unlock()

	ok, err := l.store.DeletePerson(ctx, scope, id)
	if err != nil {
		return storeErr("delete person", err)
	}
	if !ok {
		return &NotFoundError{Kind: "person", ID: string(id)}
	}
	l.log.WithFields(logging.Fields{"scope": scope, "person_id": id}).Info("person deleted")
	return nil
}

// =============================================================================
// READINGS
// =============================================================================

// ReadingInput is the caller's side of AddOrUpdateReading.
type ReadingInput struct {
	PersonID PersonID
	Period   Period
	NewIndex int64

	// nil carries the previous reading's value forward (see package doc).
	AncillaryCost *decimal.Decimal
	Note          *string

	// OldIndex is only accepted for a person's first reading, as the meter
	// baseline. Later readings derive it and reject a conflicting value.
	OldIndex *int64
}

// AddOrUpdateReading records the reading of in.PersonID for in.Period.
//
// An existing reading for the pair is updated in place (NewIndex, and
// AncillaryCost/Note when given); otherwise a new one is seeded per the
// carry-forward rule. Calling it twice with the same input yields one reading.
//
// Errors: ValidationError, NotFoundError (unknown person), LockedPeriodError,
// StoreError.
func (l *Ledger) AddOrUpdateReading(ctx context.Context, scope Scope, in ReadingInput) (Reading, error) {
	if err := validateScope(scope); err != nil {
		return Reading{}, err
	}
	if err := in.validate(); err != nil {
		return Reading{}, err
	}

	unlock, err := l.lock(ctx, scope)
	if err != nil {
		return Reading{}, err
	}
	defer unlock()

	snap, err := LoadSnapshot(ctx, l.store, scope)
	if err != nil {
		return Reading{}, err
	}
	if locked, by := snap.IsLocked(in.Period); locked {
		return Reading{}, &LockedPeriodError{Period: in.Period, LockedBy: by}
	}
	if _, ok := snap.Person(in.PersonID); !ok {
		return Reading{}, &NotFoundError{Kind: "person", ID: string(in.PersonID)}
	}

	wasComplete := snap.AllPeopleHaveReadingForPeriod(in.Period)

	var saved Reading
	if existing, ok := snap.ReadingFor(in.PersonID, in.Period); ok {
		saved, err = l.updateReading(ctx, existing, in)
	} else {
		saved, err = l.createReading(ctx, scope, snap, in)
	}
	if err != nil {
		return Reading{}, err
	}

	after := snap.withReading(saved)
	if !wasComplete && after.AllPeopleHaveReadingForPeriod(in.Period) {
		l.notifyComplete(ctx, after, in.Period)
	}
	return saved, nil
}

func (l *Ledger) updateReading(ctx context.Context, existing Reading, in ReadingInput) (Reading, error) {
	if in.OldIndex != nil && *in.OldIndex != existing.OldIndex {
		return Reading{}, &ValidationError{Field: "old_index", Message: "is fixed once the reading exists"}
	}

	updated := existing
	updated.NewIndex = in.NewIndex
	if in.AncillaryCost != nil {
		updated.AncillaryCost = *in.AncillaryCost
	}
	if in.Note != nil {
		updated.Note = *in.Note
	}
	updated.UpdatedAt = l.cfg.Now()
	if err := updated.Validate(); err != nil {
		return Reading{}, err
	}

	ok, err := l.store.UpdateReading(ctx, updated)
	if err != nil {
		return Reading{}, storeErr("update reading", err)
	}
	if !ok {
		return Reading{}, &NotFoundError{Kind: "reading", ID: string(existing.ID)}
	}
	l.log.WithFields(logging.Fields{
		"scope":      existing.Scope,
		"reading_id": existing.ID,
		"period":     existing.Period,
		"usage_kwh":  updated.Usage(),
	}).Info("reading updated")
	return updated, nil
}

func (l *Ledger) createReading(ctx context.Context, scope Scope, snap *Snapshot, in ReadingInput) (Reading, error) {
	r := Reading{
		Scope:    scope,
		PersonID: in.PersonID,
		Period:   in.Period,
		NewIndex: in.NewIndex,
	}

	if prev := LatestReadingBefore(in.PersonID, in.Period, snap.Readings); prev != nil {
		if in.OldIndex != nil && *in.OldIndex != prev.NewIndex {
			return Reading{}, &ValidationError{
				Field:   "old_index",
				Message: "is derived from the previous reading (" + string(prev.Period) + ")",
			}
		}
		r.OldIndex = prev.NewIndex
		r.AncillaryCost = prev.AncillaryCost
		if gap := in.Period.MonthsSince(prev.Period); gap > 1 {
			r.AncillaryCost = prev.AncillaryCost.Mul(decimal.NewFromInt(int64(gap)))
		}
		r.Note = prev.Note
	} else {
		if in.OldIndex != nil {
			r.OldIndex = *in.OldIndex
		}
		r.AncillaryCost = *l.cfg.DefaultAncillaryCost
		r.Note = *l.cfg.DefaultNote
	}

	if in.AncillaryCost != nil {
		r.AncillaryCost = *in.AncillaryCost
	}
	if in.Note != nil {
		r.Note = *in.Note
	}
	if err := r.Validate(); err != nil {
		return Reading{}, err
	}

	created, err := l.store.CreateReading(ctx, r)
	if err != nil {
		return Reading{}, storeErr("create reading", err)
	}
	l.log.WithFields(logging.Fields{
		"scope":      scope,
		"reading_id": created.ID,
		"period":     created.Period,
		"usage_kwh":  created.Usage(),
	}).Info("reading created")
	return created, nil
}

func (l *Ledger) notifyComplete(ctx context.Context, snap *Snapshot, period Period) {
	event := PeriodCompleteEvent{
		Scope:      snap.Scope,
		Period:     period,
		People:     len(snap.People),
		UsageKWh:   snap.UsageForPeriod(period),
		OccurredAt: l.cfg.Now(),
	}
	if err := l.cfg.Notifier.PeriodComplete(ctx, event); err != nil {
		l.log.WithFields(logging.Fields{"scope": snap.Scope, "period": period}).
			Warn("period complete notification failed: " + err.Error())
	}
}

// DeleteReading removes a reading. Readings of locked periods cannot be
// deleted. Not idempotent: a second delete returns NotFoundError.
func (l *Ledger) DeleteReading(ctx context.Context, scope Scope, id ReadingID) error {
	if err := validateScope(scope); err != nil {
		return err
	}
	unlock, err := l.lock(ctx, scope)
	if err != nil {
		return err
	}
	defer unlock()

	snap, err := LoadSnapshot(ctx, l.store, scope)
	if err != nil {
		return err
	}
	r, ok := snap.Reading(id)
	if !ok {
		return &NotFoundError{Kind: "reading", ID: string(id)}
	}
	if locked, by := snap.IsLocked(r.Period); locked {
		return &LockedPeriodError{Period: r.Period, LockedBy: by}
	}

	deleted, err := l.store.DeleteReading(ctx, scope, id)
	if err != nil {
		return storeErr("delete reading", err)
	}
	if !deleted {
		return &NotFoundError{Kind: "reading", ID: string(id)}
	}
	l.log.WithFields(logging.Fields{"scope": scope, "reading_id": id, "period": r.Period}).Info("reading deleted")
	return nil
}

// LatestReading returns the person's reading with the greatest period, or
// nil when the person has none.
func (l *Ledger) LatestReading(ctx context.Context, scope Scope, person PersonID) (*Reading, error) {
	snap, err := l.Snapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	return snap.LatestReading(person), nil
}

// PeriodsWithReadings returns every period with at least one reading, most
// recent first.
func (l *Ledger) PeriodsWithReadings(ctx context.Context, scope Scope) ([]Period, error) {
	snap, err := l.Snapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	return snap.PeriodsWithReadings(), nil
}

func (l *Ledger) UsageForPeriod(ctx context.Context, scope Scope, period Period) (int64, error) {
	return l.UsageForPeriods(ctx, scope, []Period{period})
}

func (l *Ledger) UsageForPeriods(ctx context.Context, scope Scope, periods []Period) (int64, error) {
	snap, err := l.Snapshot(ctx, scope)
	if err != nil {
		return 0, err
	}
	return snap.UsageForPeriods(periods), nil
}

func (l *Ledger) AllPeopleHaveReadingForPeriod(ctx context.Context, scope Scope, period Period) (bool, error) {
	snap, err := l.Snapshot(ctx, scope)
	if err != nil {
		return false, err
	}
	return snap.AllPeopleHaveReadingForPeriod(period), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (in ReadingInput) validate() error {
	if in.PersonID == "" {
		return &ValidationError{Field: "person_id", Message: "required"}
	}
	if err := in.Period.Validate(); err != nil {
		return err
	}
	if in.NewIndex < 0 {
		return &ValidationError{Field: "new_index", Message: "must not be negative"}
	}
	if in.OldIndex != nil && *in.OldIndex < 0 {
		return &ValidationError{Field: "old_index", Message: "must not be negative"}
	}
	if in.AncillaryCost != nil && in.AncillaryCost.IsNegative() {
		return &ValidationError{Field: "ancillary_cost", Message: "must not be negative"}
	}
	return nil
}

func validateScope(scope Scope) error {
	if strings.TrimSpace(string(scope)) == "" {
		return &ValidationError{Field: "scope", Message: "required"}
	}
	return nil
}

// withReading returns a copy of s with r inserted or replacing the reading
// with the same ID.
func (s *Snapshot) withReading(r Reading) *Snapshot {
	readings := make([]Reading, 0, len(s.Readings)+1)
	replaced := false
	for _, existing := range s.Readings {
		if existing.ID == r.ID {
			readings = append(readings, r)
			replaced = true
			continue
		}
		readings = append(readings, existing)
	}
	if !replaced {
		readings = append(readings, r)
	}
	return NewSnapshot(s.Scope, s.People, readings, s.Bills)
}
