package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/power-ledger/billing"
	"github.com/warp/power-ledger/logging"
)

type published struct {
	exchange, key string
	msg           amqp091.Publishing
}

type fakeChannel struct {
	sent []published
	err  error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

var at = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func billEvent() billing.BillSubmittedEvent {
	return billing.BillSubmittedEvent{
		Scope: "house",
		Bill: billing.Bill{
			ID: "b1", Period: "2024-02", IncludedPeriods: []billing.Period{"2024-01"},
			TotalAmount: decimal.NewFromInt(600000), UnitPrice: decimal.NewFromInt(3000), TotalUsageKWh: 200,
		},
		OccurredAt: at,
	}
}

func TestPublisher_BillSubmitted(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(ch, "power", "household", nil)

	require.NoError(t, p.BillSubmitted(context.Background(), billEvent()))

	require.Len(t, ch.sent, 1)
	sent := ch.sent[0]
	assert.Equal(t, "power", sent.exchange)
	assert.Equal(t, "household.bill.submitted", sent.key)
	assert.Equal(t, TypeBillSubmitted, sent.msg.Type)
	assert.Equal(t, amqp091.Persistent, sent.msg.DeliveryMode)

	var msg BillSubmittedMessage
	require.NoError(t, json.Unmarshal(sent.msg.Body, &msg))
	assert.Equal(t, "600000", msg.TotalAmount)
	assert.Equal(t, "3000", msg.UnitPrice)
	assert.Equal(t, []string{"2024-01"}, msg.IncludedPeriods)
}

func TestPublisher_RemindAndComplete(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(ch, "power", "", nil)
	e := billing.PeriodCompleteEvent{Scope: "house", Period: "2024-02", People: 2, UsageKWh: 120, OccurredAt: at}

	require.NoError(t, p.PeriodComplete(context.Background(), e))
	require.NoError(t, p.Remind(context.Background(), e))

	require.Len(t, ch.sent, 2)
	assert.Equal(t, TypePeriodComplete, ch.sent[0].key)
	assert.Equal(t, TypeBillReminder, ch.sent[1].key)

	var msg PeriodCompleteMessage
	require.NoError(t, json.Unmarshal(ch.sent[1].msg.Body, &msg))
	assert.Equal(t, TypeBillReminder, msg.Type)
	assert.Equal(t, int64(120), msg.UsageKWh)
}

func TestPublisher_WrapsErrors(t *testing.T) {
	boom := errors.New("channel closed")
	p := newPublisher(&fakeChannel{err: boom}, "power", "", nil)

	err := p.BillSubmitted(context.Background(), billEvent())
	assert.ErrorIs(t, err, boom)
}

type failing struct{ billing.NopNotifier }

func (failing) BillSubmitted(context.Context, billing.BillSubmittedEvent) error {
	return errors.New("sink down")
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	logged := NewLog(logging.New(logging.Config{Format: "json", Output: &buf}))
	ch := &fakeChannel{}
	m := Multi{failing{}, logged, newPublisher(ch, "power", "", nil)}

	err := m.BillSubmitted(context.Background(), billEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")

	assert.Contains(t, buf.String(), "bill submitted")
	assert.Len(t, ch.sent, 1, "later sinks still run")

	require.NoError(t, m.Remind(context.Background(), billing.PeriodCompleteEvent{Scope: "house", Period: "2024-02"}))
	assert.Len(t, ch.sent, 2)
	assert.Contains(t, buf.String(), "still unbilled")
}
