package notify

import (
	"context"
	"errors"

	"github.com/warp/power-ledger/billing"
	"github.com/warp/power-ledger/logging"
)

// Reminder is implemented by sinks that can nag about unbilled periods.
type Reminder interface {
	Remind(ctx context.Context, e billing.PeriodCompleteEvent) error
}

// =============================================================================
// LOG
// =============================================================================

// Log writes every event as a structured log line. It never fails.
type Log struct {
	log *logging.Logger
}

func NewLog(log *logging.Logger) *Log {
	if log == nil {
		log = logging.Discard()
	}
	return &Log{log: log.WithComponent("notify")}
}

func (l *Log) PeriodComplete(_ context.Context, e billing.PeriodCompleteEvent) error {
	l.log.WithFields(logging.Fields{
		"scope":     e.Scope,
		"period":    e.Period,
		"people":    e.People,
		"usage_kwh": e.UsageKWh,
	}).Info("all readings in, bill can be entered")
	return nil
}

func (l *Log) BillSubmitted(_ context.Context, e billing.BillSubmittedEvent) error {
	l.log.WithFields(logging.Fields{
		"scope":        e.Scope,
		"period":       e.Bill.Period,
		"total_amount": e.Bill.TotalAmount.String(),
		"unit_price":   e.Bill.UnitPrice.String(),
		"replaced":     e.Replaced,
	}).Info("bill submitted")
	return nil
}

func (l *Log) Remind(_ context.Context, e billing.PeriodCompleteEvent) error {
	l.log.WithFields(logging.Fields{
		"scope":     e.Scope,
		"period":    e.Period,
		"usage_kwh": e.UsageKWh,
	}).Warn("period complete but still unbilled")
	return nil
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi forwards every event to all sinks and joins their errors. One failing
// sink does not stop the others.
type Multi []billing.Notifier

func (m Multi) PeriodComplete(ctx context.Context, e billing.PeriodCompleteEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.PeriodComplete(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) BillSubmitted(ctx context.Context, e billing.BillSubmittedEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.BillSubmitted(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Remind forwards to the sinks that implement Reminder.
func (m Multi) Remind(ctx context.Context, e billing.PeriodCompleteEvent) error {
	var errs []error
	for _, n := range m {
		r, ok := n.(Reminder)
		if !ok {
			continue
		}
		if err := r.Remind(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
