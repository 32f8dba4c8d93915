/*
Package factory turns YAML household descriptions into ledger data.

PURPOSE:
  Demo and test households are described declaratively: who shares the
  meter, the readings each person reported, and the bills that arrived.
  Apply replays a Scenario through billing.Ledger and billing.Engine, so
  every record goes through the same validation, carry-forward and locking
  rules as live traffic.

YAML SCHEMA:
  scenarios:
    - id: shared-flat
      name: Shared flat
      description: Two tenants, one meter
      people: [A, B]
      readings:
        - {person: A, period: 2024-01, old: 100, new: 150, ancillary: "10000"}
        - {person: B, period: 2024-01, old: 200, new: 230, ancillary: "0"}
      bills:
        - {period: 2024-01, amount: "500000"}

  Money is written as a decimal string. A bill is either amount-driven
  (amount) or price-driven (manual: true with unit_price). include lists
  earlier periods folded into the bill.

ORDERING:
  Apply replays month by month. Within a month, readings go first and the
  bill anchored at that month last, so a bill never locks a reading the
  same scenario still has to write.

SEE ALSO:
  - scenarios.yaml: built-in scenarios
  - api/scenarios.go: HTTP list/load endpoints
*/
package factory

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/power-ledger/billing"
)

//go:embed scenarios.yaml
var builtinYAML []byte

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

type File struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

type Scenario struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description"`
	People      []string      `yaml:"people" json:"people"`
	Readings    []ReadingSpec `yaml:"readings" json:"-"`
	Bills       []BillSpec    `yaml:"bills" json:"-"`
}

type ReadingSpec struct {
	Person    string  `yaml:"person"`
	Period    string  `yaml:"period"`
	New       int64   `yaml:"new"`
	Old       *int64  `yaml:"old,omitempty"`
	Ancillary *string `yaml:"ancillary,omitempty"`
	Note      *string `yaml:"note,omitempty"`
}

type BillSpec struct {
	Period    string   `yaml:"period"`
	Amount    string   `yaml:"amount,omitempty"`
	UnitPrice string   `yaml:"unit_price,omitempty"`
	Manual    bool     `yaml:"manual,omitempty"`
	Include   []string `yaml:"include,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

// Parse decodes and validates a scenario file.
func Parse(data []byte) ([]Scenario, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse scenario YAML: %w", err)
	}
	seen := make(map[string]bool, len(f.Scenarios))
	for i := range f.Scenarios {
		s := &f.Scenarios[i]
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("scenario %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
	}
	return f.Scenarios, nil
}

// LoadFile reads a scenario file from disk.
func LoadFile(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	return Parse(data)
}

// Builtin returns the scenarios compiled into the binary.
func Builtin() []Scenario {
	out, err := Parse(builtinYAML)
	if err != nil {
		panic(fmt.Sprintf("factory: built-in scenarios are invalid: %v", err))
	}
	return out
}

// Find returns the scenario with the given id.
func Find(scenarios []Scenario, id string) (Scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return Scenario{}, false
}

// Validate checks references and formats. Business rules (negative usage,
// double billing) are left to the engine.
func (s *Scenario) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("scenario without id")
	}
	errf := func(format string, args ...any) error {
		return fmt.Errorf("scenario %q: "+format, append([]any{s.ID}, args...)...)
	}

	people := make(map[string]bool, len(s.People))
	for _, name := range s.People {
		if strings.TrimSpace(name) == "" {
			return errf("empty person name")
		}
		if people[name] {
			return errf("duplicate person %q", name)
		}
		people[name] = true
	}

	for i, r := range s.Readings {
		if !people[r.Person] {
			return errf("reading %d: unknown person %q", i, r.Person)
		}
		if _, err := billing.ParsePeriod(r.Period); err != nil {
			return errf("reading %d: %v", i, err)
		}
		if r.Ancillary != nil {
			if _, err := decimal.NewFromString(*r.Ancillary); err != nil {
				return errf("reading %d: invalid ancillary %q", i, *r.Ancillary)
			}
		}
	}

	anchors := make(map[string]bool, len(s.Bills))
	for i, b := range s.Bills {
		if _, err := billing.ParsePeriod(b.Period); err != nil {
			return errf("bill %d: %v", i, err)
		}
		if anchors[b.Period] {
			return errf("bill %d: second bill for %s", i, b.Period)
		}
		anchors[b.Period] = true
		field, value := "amount", b.Amount
		if b.Manual {
			field, value = "unit_price", b.UnitPrice
		}
		if _, err := decimal.NewFromString(value); err != nil {
			return errf("bill %d: invalid %s %q", i, field, value)
		}
		for _, inc := range b.Include {
			if _, err := billing.ParsePeriod(inc); err != nil {
				return errf("bill %d: %v", i, err)
			}
		}
	}
	return nil
}

// =============================================================================
// APPLY
// =============================================================================

// Result summarizes what Apply wrote.
type Result struct {
	People   map[string]billing.PersonID
	Readings int
	Bills    int
}

// Apply writes the scenario into scope. It does not clear existing data;
// callers reset the scope first when they want a clean household.
func Apply(ctx context.Context, engine *billing.Engine, scope billing.Scope, s Scenario) (Result, error) {
	ledger := engine.Ledger()
	res := Result{People: make(map[string]billing.PersonID, len(s.People))}

	for _, name := range s.People {
		p, err := ledger.AddPerson(ctx, scope, name)
		if err != nil {
			return res, fmt.Errorf("scenario %q: add %s: %w", s.ID, name, err)
		}
		res.People[name] = p.ID
	}

	readings := make(map[billing.Period][]ReadingSpec)
	bills := make(map[billing.Period]BillSpec)
	var periods []billing.Period
	addPeriod := func(p billing.Period) {
		if _, ok := readings[p]; ok {
			return
		}
		if _, ok := bills[p]; ok {
			return
		}
		periods = append(periods, p)
	}
	for _, r := range s.Readings {
		p := billing.Period(r.Period)
		addPeriod(p)
		readings[p] = append(readings[p], r)
	}
	for _, b := range s.Bills {
		p := billing.Period(b.Period)
		addPeriod(p)
		bills[p] = b
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Before(periods[j]) })

	for _, period := range periods {
		for _, r := range readings[period] {
			in, err := r.input(res.People)
			if err != nil {
				return res, fmt.Errorf("scenario %q: %w", s.ID, err)
			}
			if _, err := ledger.AddOrUpdateReading(ctx, scope, in); err != nil {
				return res, fmt.Errorf("scenario %q: reading %s/%s: %w", s.ID, r.Person, r.Period, err)
			}
			res.Readings++
		}
		b, ok := bills[period]
		if !ok {
			continue
		}
		sub, err := b.submission()
		if err != nil {
			return res, fmt.Errorf("scenario %q: %w", s.ID, err)
		}
		if _, err := engine.SubmitBill(ctx, scope, sub); err != nil {
			return res, fmt.Errorf("scenario %q: bill %s: %w", s.ID, b.Period, err)
		}
		res.Bills++
	}
	return res, nil
}

func (r ReadingSpec) input(people map[string]billing.PersonID) (billing.ReadingInput, error) {
	in := billing.ReadingInput{
		PersonID: people[r.Person],
		Period:   billing.Period(r.Period),
		NewIndex: r.New,
		OldIndex: r.Old,
		Note:     r.Note,
	}
	if r.Ancillary != nil {
		d, err := decimal.NewFromString(*r.Ancillary)
		if err != nil {
			return in, fmt.Errorf("reading %s/%s: invalid ancillary %q", r.Person, r.Period, *r.Ancillary)
		}
		in.AncillaryCost = &d
	}
	return in, nil
}

func (b BillSpec) submission() (billing.BillSubmission, error) {
	sub := billing.BillSubmission{
		Period:        billing.Period(b.Period),
		PriceIsManual: b.Manual,
	}
	for _, inc := range b.Include {
		sub.IncludedPeriods = append(sub.IncludedPeriods, billing.Period(inc))
	}
	var err error
	if b.Manual {
		sub.UnitPrice, err = decimal.NewFromString(b.UnitPrice)
	} else {
		sub.TotalAmount, err = decimal.NewFromString(b.Amount)
	}
	if err != nil {
		return sub, fmt.Errorf("bill %s: %w", b.Period, err)
	}
	return sub, nil
}
