/*
scheduler.go - Unbilled period reminders

PURPOSE:
  Periodically looks for periods where every person has a reading but no
  bill has been entered, and nudges the household through a Reminder sink
  (log, metrics, AMQP).

DESIGN:
  - Runs until its context is cancelled, checking every Interval
  - Checks once immediately on start
  - Only periods that are still open count: complete, unbilled, not locked
    by a later bill, and within Lookback months of the current period
  - One failing household does not stop the others

SEE ALSO:
  - notify/notify.go: Reminder sinks
  - billing/engine.go: PeriodStatus
*/
package api

import (
	"context"
	"time"

	"github.com/warp/power-ledger/billing"
	"github.com/warp/power-ledger/logging"
	"github.com/warp/power-ledger/notify"
)

// ReminderScheduler reminds households about complete but unbilled periods.
type ReminderScheduler struct {
	Scopes   billing.ScopeLister
	Ledger   *billing.Ledger
	Reminder notify.Reminder
	Interval time.Duration
	Lookback int
	Now      func() time.Time
	Log      *logging.Logger
}

// Run checks immediately, then every Interval, until ctx is done. A zero
// Interval disables the scheduler.
func (rs *ReminderScheduler) Run(ctx context.Context) error {
	log := rs.logger()
	if rs.Interval <= 0 {
		log.Info("reminders disabled")
		return nil
	}
	ticker := time.NewTicker(rs.Interval)
	defer ticker.Stop()
	log.WithField("interval", rs.Interval).Info("reminder scheduler started")

	for {
		if _, err := rs.CheckOnce(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("reminder check failed")
		}
		select {
		case <-ctx.Done():
			log.Info("reminder scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// CheckOnce sends one reminder per open period of every household and
// returns how many were sent.
func (rs *ReminderScheduler) CheckOnce(ctx context.Context) (int, error) {
	scopes, err := rs.Scopes.ListScopes(ctx)
	if err != nil {
		return 0, err
	}
	log := rs.logger()

	sent := 0
	for _, scope := range scopes {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		snap, err := rs.Ledger.Snapshot(ctx, scope)
		if err != nil {
			log.WithError(err).WithField("scope", scope).Warn("skipping household")
			continue
		}
		for _, e := range rs.openPeriods(snap) {
			if err := rs.Reminder.Remind(ctx, e); err != nil {
				log.WithError(err).WithField("scope", scope).WithField("period", e.Period).Warn("reminder not delivered")
				continue
			}
			sent++
		}
	}
	return sent, nil
}

func (rs *ReminderScheduler) openPeriods(snap *billing.Snapshot) []billing.PeriodCompleteEvent {
	now := time.Now()
	if rs.Now != nil {
		now = rs.Now()
	}
	lookback := rs.Lookback
	if lookback <= 0 {
		lookback = billing.DefaultUnbilledLookback
	}
	oldest := billing.CurrentPeriod(now).AddMonths(-lookback)

	var out []billing.PeriodCompleteEvent
	for _, p := range snap.PeriodsWithReadings() {
		if p.Before(oldest) {
			break
		}
		if snap.ResolveBill(p) != nil || !snap.AllPeopleHaveReadingForPeriod(p) {
			continue
		}
		if locked, _ := snap.IsLocked(p); locked {
			continue
		}
		out = append(out, billing.PeriodCompleteEvent{
			Scope:      snap.Scope,
			Period:     p,
			People:     len(snap.People),
			UsageKWh:   snap.UsageForPeriod(p),
			OccurredAt: now,
		})
	}
	return out
}

func (rs *ReminderScheduler) logger() *logging.Logger {
	if rs.Log == nil {
		return logging.Discard()
	}
	return rs.Log.WithComponent("reminders")
}
