/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  billing domain types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Money fields are decimal.Decimal. Responses carry them as JSON strings
  ("312500"); requests accept either a string or a number.

VALIDATION:
  Request structs carry go-playground/validator tags, checked by
  Handler.decode before the domain sees them. Business rules (usage,
  locking, double billing) stay in the billing package.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/power-ledger/billing"
	"github.com/warp/power-ledger/report"
)

// =============================================================================
// PEOPLE
// =============================================================================

type PersonDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type CreatePersonRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

func toPersonDTO(p billing.Person) PersonDTO {
	return PersonDTO{ID: string(p.ID), Name: p.Name, CreatedAt: p.CreatedAt}
}

// =============================================================================
// READINGS
// =============================================================================

type ReadingDTO struct {
	ID            string          `json:"id"`
	PersonID      string          `json:"person_id"`
	Period        string          `json:"period"`
	OldIndex      int64           `json:"old_index"`
	NewIndex      int64           `json:"new_index"`
	UsageKWh      int64           `json:"usage_kwh"`
	AncillaryCost decimal.Decimal `json:"ancillary_cost"`
	Note          string          `json:"note"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SaveReadingRequest adds or updates the reading of a person for a period.
// Omitted ancillary_cost and note carry forward from the previous reading.
type SaveReadingRequest struct {
	PersonID      string           `json:"person_id" validate:"required"`
	Period        string           `json:"period" validate:"required,len=7,datetime=2006-01"`
	NewIndex      int64            `json:"new_index" validate:"gte=0"`
	OldIndex      *int64           `json:"old_index,omitempty" validate:"omitempty,gte=0"`
	AncillaryCost *decimal.Decimal `json:"ancillary_cost,omitempty"`
	Note          *string          `json:"note,omitempty" validate:"omitempty,max=200"`
}

func (req SaveReadingRequest) input() billing.ReadingInput {
	return billing.ReadingInput{
		PersonID:      billing.PersonID(req.PersonID),
		Period:        billing.Period(req.Period),
		NewIndex:      req.NewIndex,
		OldIndex:      req.OldIndex,
		AncillaryCost: req.AncillaryCost,
		Note:          req.Note,
	}
}

func toReadingDTO(r billing.Reading) ReadingDTO {
	return ReadingDTO{
		ID:            string(r.ID),
		PersonID:      string(r.PersonID),
		Period:        string(r.Period),
		OldIndex:      r.OldIndex,
		NewIndex:      r.NewIndex,
		UsageKWh:      r.Usage(),
		AncillaryCost: r.AncillaryCost,
		Note:          r.Note,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// =============================================================================
// BILLS
// =============================================================================

type BillDTO struct {
	ID                  string          `json:"id"`
	Period              string          `json:"period"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	TotalUsageKWh       int64           `json:"total_usage_kwh"`
	UnitPrice           decimal.Decimal `json:"unit_price"`
	IncludedPeriods     []string        `json:"included_periods"`
	IsMultiPeriod       bool            `json:"is_multi_period"`
	TotalAncillaryCost  decimal.Decimal `json:"total_ancillary_cost"`
	PriceIsManual       bool            `json:"price_is_manual"`
	IsPartOfMultiPeriod bool            `json:"is_part_of_multi_period,omitempty"`
	OriginalBillPeriod  string          `json:"original_bill_period,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// SubmitBillRequest files a bill under period. With price_is_manual the
// unit_price is authoritative, otherwise total_amount.
type SubmitBillRequest struct {
	Period          string           `json:"period" validate:"required,len=7,datetime=2006-01"`
	TotalAmount     *decimal.Decimal `json:"total_amount,omitempty" validate:"required_without=UnitPrice"`
	UnitPrice       *decimal.Decimal `json:"unit_price,omitempty" validate:"required_if=PriceIsManual true"`
	PriceIsManual   bool             `json:"price_is_manual"`
	IncludedPeriods []string         `json:"included_periods,omitempty" validate:"omitempty,max=36,dive,len=7,datetime=2006-01"`
}

func (req SubmitBillRequest) submission() billing.BillSubmission {
	sub := billing.BillSubmission{
		Period:        billing.Period(req.Period),
		PriceIsManual: req.PriceIsManual,
	}
	if req.TotalAmount != nil {
		sub.TotalAmount = *req.TotalAmount
	}
	if req.UnitPrice != nil {
		sub.UnitPrice = *req.UnitPrice
	}
	for _, p := range req.IncludedPeriods {
		sub.IncludedPeriods = append(sub.IncludedPeriods, billing.Period(p))
	}
	return sub
}

func toBillDTO(b billing.Bill) BillDTO {
	return BillDTO{
		ID:                 string(b.ID),
		Period:             string(b.Period),
		TotalAmount:        b.TotalAmount,
		TotalUsageKWh:      b.TotalUsageKWh,
		UnitPrice:          b.UnitPrice,
		IncludedPeriods:    periodStrings(b.IncludedPeriods),
		IsMultiPeriod:      b.IsMultiPeriod,
		TotalAncillaryCost: b.TotalAncillaryCost,
		PriceIsManual:      b.PriceIsManual,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
}

func toBillViewDTO(v *billing.BillView) *BillDTO {
	if v == nil {
		return nil
	}
	dto := toBillDTO(v.Bill)
	dto.IsPartOfMultiPeriod = v.IsPartOfMultiPeriod
	dto.OriginalBillPeriod = string(v.OriginalBillPeriod)
	return &dto
}

// =============================================================================
// PERIODS
// =============================================================================

type PeriodsDTO struct {
	Current      string   `json:"current"`
	Recent       []string `json:"recent"`
	WithReadings []string `json:"with_readings"`
}

type PeriodStatusDTO struct {
	Period          string          `json:"period"`
	UsageKWh        int64           `json:"usage_kwh"`
	Complete        bool            `json:"complete"`
	Missing         []string        `json:"missing"`
	Locked          bool            `json:"locked"`
	LockedBy        string          `json:"locked_by,omitempty"`
	Bill            *BillDTO        `json:"bill"`
	Unbilled        []string        `json:"unbilled"`
	ElectricityCost decimal.Decimal `json:"electricity_cost"`
	AncillaryCost   decimal.Decimal `json:"ancillary_cost"`
}

func toPeriodStatusDTO(s billing.PeriodStatus) PeriodStatusDTO {
	missing := make([]string, len(s.Missing))
	for i, id := range s.Missing {
		missing[i] = string(id)
	}
	return PeriodStatusDTO{
		Period:          string(s.Period),
		UsageKWh:        s.UsageKWh,
		Complete:        s.Complete,
		Missing:         missing,
		Locked:          s.Locked,
		LockedBy:        string(s.LockedBy),
		Bill:            toBillViewDTO(s.Bill),
		Unbilled:        periodStrings(s.Unbilled),
		ElectricityCost: s.ElectricityCost,
		AncillaryCost:   s.AncillaryCost,
	}
}

// =============================================================================
// HISTORY
// =============================================================================

type TotalsDTO struct {
	UsageKWh    int64           `json:"usage_kwh"`
	Electricity decimal.Decimal `json:"electricity"`
	Ancillary   decimal.Decimal `json:"ancillary"`
	Total       decimal.Decimal `json:"total"`
}

type HistoryLineDTO struct {
	ReadingID       string          `json:"reading_id"`
	Period          string          `json:"period"`
	PersonID        string          `json:"person_id"`
	PersonName      string          `json:"person_name"`
	Missing         bool            `json:"missing,omitempty"`
	OldIndex        int64           `json:"old_index"`
	NewIndex        int64           `json:"new_index"`
	UsageKWh        int64           `json:"usage_kwh"`
	Note            string          `json:"note"`
	Billed          bool            `json:"billed"`
	Enclosed        bool            `json:"enclosed"`
	BillPeriod      string          `json:"bill_period,omitempty"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	ElectricityCost decimal.Decimal `json:"electricity_cost"`
	AncillaryCost   decimal.Decimal `json:"ancillary_cost"`
	Total           decimal.Decimal `json:"total"`
}

type HistoryDTO struct {
	Lines  []HistoryLineDTO `json:"lines"`
	Totals TotalsDTO        `json:"totals"`
}

type MonthDTO struct {
	Period   string   `json:"period"`
	Readings int      `json:"readings"`
	Complete bool     `json:"complete"`
	Locked   bool     `json:"locked"`
	Bill     *BillDTO `json:"bill"`
	TotalsDTO
}

type PersonSummaryDTO struct {
	PersonID string `json:"person_id"`
	Name     string `json:"name"`
	Missing  bool   `json:"missing,omitempty"`
	Months   int    `json:"months"`
	TotalsDTO
}

func toTotalsDTO(t report.Totals) TotalsDTO {
	return TotalsDTO{UsageKWh: t.UsageKWh, Electricity: t.Electricity, Ancillary: t.Ancillary, Total: t.Total}
}

func toHistoryDTO(h report.History) HistoryDTO {
	lines := make([]HistoryLineDTO, len(h.Lines))
	for i, l := range h.Lines {
		lines[i] = HistoryLineDTO{
			ReadingID:       string(l.ReadingID),
			Period:          string(l.Period),
			PersonID:        string(l.PersonID),
			PersonName:      l.PersonName,
			Missing:         l.Missing,
			OldIndex:        l.OldIndex,
			NewIndex:        l.NewIndex,
			UsageKWh:        l.UsageKWh,
			Note:            l.Note,
			Billed:          l.Billed,
			Enclosed:        l.Enclosed,
			BillPeriod:      string(l.BillPeriod),
			UnitPrice:       l.UnitPrice,
			ElectricityCost: l.ElectricityCost,
			AncillaryCost:   l.AncillaryCost,
			Total:           l.Total,
		}
	}
	return HistoryDTO{Lines: lines, Totals: toTotalsDTO(h.Totals)}
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	People      []string `json:"people"`
	Readings    int      `json:"readings"`
	Bills       int      `json:"bills"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func periodStrings(periods []billing.Period) []string {
	out := make([]string, len(periods))
	for i, p := range periods {
		out[i] = string(p)
	}
	return out
}
