// Package notify delivers billing events to the outside world: the log, an
// AMQP exchange, or several sinks at once. Every sink satisfies
// billing.Notifier.
package notify

import (
	"encoding/json"
	"time"

	"github.com/warp/power-ledger/billing"
)

// Message types, also used as AMQP message type headers.
const (
	TypePeriodComplete = "period.complete"
	TypeBillSubmitted  = "bill.submitted"
	TypeBillReminder   = "bill.reminder"
)

// PeriodCompleteMessage prompts the household to enter the bill for a period.
// Reminders reuse it with Type TypeBillReminder.
type PeriodCompleteMessage struct {
	Type       string    `json:"type"`
	Scope      string    `json:"scope"`
	Period     string    `json:"period"`
	People     int       `json:"people"`
	UsageKWh   int64     `json:"usage_kwh"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewPeriodCompleteMessage(e billing.PeriodCompleteEvent) PeriodCompleteMessage {
	return PeriodCompleteMessage{
		Type:       TypePeriodComplete,
		Scope:      string(e.Scope),
		Period:     string(e.Period),
		People:     e.People,
		UsageKWh:   e.UsageKWh,
		OccurredAt: e.OccurredAt.UTC(),
	}
}

// BillSubmittedMessage carries a committed bill. Money is a decimal string.
type BillSubmittedMessage struct {
	Type            string    `json:"type"`
	Scope           string    `json:"scope"`
	BillID          string    `json:"bill_id"`
	Period          string    `json:"period"`
	IncludedPeriods []string  `json:"included_periods"`
	TotalAmount     string    `json:"total_amount"`
	UnitPrice       string    `json:"unit_price"`
	TotalUsageKWh   int64     `json:"total_usage_kwh"`
	PriceIsManual   bool      `json:"price_is_manual"`
	Replaced        bool      `json:"replaced"`
	OccurredAt      time.Time `json:"occurred_at"`
}

func NewBillSubmittedMessage(e billing.BillSubmittedEvent) BillSubmittedMessage {
	included := make([]string, 0, len(e.Bill.IncludedPeriods))
	for _, p := range e.Bill.IncludedPeriods {
		included = append(included, string(p))
	}
	return BillSubmittedMessage{
		Type:            TypeBillSubmitted,
		Scope:           string(e.Scope),
		BillID:          string(e.Bill.ID),
		Period:          string(e.Bill.Period),
		IncludedPeriods: included,
		TotalAmount:     e.Bill.TotalAmount.String(),
		UnitPrice:       e.Bill.UnitPrice.String(),
		TotalUsageKWh:   e.Bill.TotalUsageKWh,
		PriceIsManual:   e.Bill.PriceIsManual,
		Replaced:        e.Replaced,
		OccurredAt:      e.OccurredAt.UTC(),
	}
}

func toJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
