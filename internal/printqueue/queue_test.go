package printqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Additional-Code/dispatch/internal/clock"
	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/dto"
	"github.com/Additional-Code/dispatch/internal/entity"
)

type flakyChannel struct {
	mu        sync.Mutex
	failures  int
	delivered []Job
	calls     int
}

func (c *flakyChannel) Deliver(_ context.Context, job Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failures > 0 {
		c.failures--
		return errors.New("printer offline")
	}
	c.delivered = append(c.delivered, job)
	return nil
}

func (c *flakyChannel) counts() (calls, delivered int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, len(c.delivered)
}

type recorder struct {
	mu   sync.Mutex
	seen []Confirmation
}

func (r *recorder) Confirm(c Confirmation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, c)
}

func (r *recorder) all() []Confirmation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Confirmation(nil), r.seen...)
}

var t0 = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

func printConfig() config.Print {
	return config.Print{
		MaxAttempts:      3,
		BaseDelay:        5 * time.Second,
		SweepInterval:    time.Second,
		DeliveryTimeout:  time.Second,
		PrintedRetention: time.Hour,
		LineWidth:        32,
		Restaurant:       config.Restaurant{Name: "Corner Kitchen"},
	}
}

func newQueue(ch Channel, conf Confirmer, clk *clock.Fake) *Queue {
	cfg := printConfig()
	return New(ch, conf, NewRenderer(cfg, clk), clk, cfg, nil)
}

func sampleOrder(id string, payment entity.PaymentStatus) dto.OrderResponse {
	return dto.OrderResponse{
		ID:            id,
		CustomerName:  "Ada Lovelace",
		Status:        entity.StatusPlaced,
		OrderType:     entity.OrderTypeDelivery,
		PaymentStatus: payment,
		SubtotalCents: 2000,
		TaxCents:      160,
		TotalCents:    2160,
		Items:         []dto.OrderItem{{Name: "Burger", Quantity: 2, UnitPriceCents: 1000, Notes: "no onions"}},
		CreatedAt:     t0,
	}
}

func TestDuplicateNewOrderPrintsOnce(t *testing.T) {
	clk := clock.NewFake(t0)
	ch := &flakyChannel{}
	q := newQueue(ch, &recorder{}, clk)
	order := sampleOrder("o1", entity.PaymentPending)

	assert.Equal(t, 1, q.OnNewOrder(order))
	assert.Equal(t, 0, q.OnNewOrder(order), "duplicate while pending")

	assert.Equal(t, 1, q.Sweep(context.Background()))
	_, delivered := ch.counts()
	assert.Equal(t, 1, delivered)
	assert.True(t, q.Printed("o1", KindKitchenTicket))

	assert.Equal(t, 0, q.OnNewOrder(order), "duplicate after print")
	assert.Equal(t, 0, q.Sweep(context.Background()))
	_, delivered = ch.counts()
	assert.Equal(t, 1, delivered)
}

func TestPaidOrderAlsoPrintsReceipt(t *testing.T) {
	clk := clock.NewFake(t0)
	ch := &flakyChannel{}
	q := newQueue(ch, nil, clk)

	assert.Equal(t, 2, q.OnNewOrder(sampleOrder("o1", entity.PaymentPaid)))
	assert.Equal(t, 2, q.Sweep(context.Background()))
	assert.True(t, q.Printed("o1", KindKitchenTicket))
	assert.True(t, q.Printed("o1", KindCustomerReceipt))
}

func TestPaymentAfterPlacementAddsOnlyReceipt(t *testing.T) {
	clk := clock.NewFake(t0)
	ch := &flakyChannel{}
	q := newQueue(ch, nil, clk)

	require.Equal(t, 1, q.OnNewOrder(sampleOrder("o1", entity.PaymentPending)))
	require.Equal(t, 1, q.Sweep(context.Background()))

	assert.Equal(t, 1, q.OnNewOrder(sampleOrder("o1", entity.PaymentPaid)))
	assert.Equal(t, 1, q.Sweep(context.Background()))
	assert.True(t, q.Printed("o1", KindCustomerReceipt))
	_, delivered := ch.counts()
	assert.Equal(t, 2, delivered)
}

func TestReadyQueuesPickupNotice(t *testing.T) {
	clk := clock.NewFake(t0)
	q := newQueue(&flakyChannel{}, nil, clk)
	order := sampleOrder("o1", entity.PaymentPending)

	require.Equal(t, 1, q.OnNewOrder(order))
	assert.Equal(t, 1, q.OnReady(order), "pickup notice is keyed separately")
	assert.Equal(t, 0, q.OnReady(order))
	assert.Equal(t, 2, q.Stats().Pending)
}

func TestRetryThenDeliver(t *testing.T) {
	clk := clock.NewFake(t0)
	ch := &flakyChannel{failures: 2}
	conf := &recorder{}
	q := newQueue(ch, conf, clk)
	ctx := context.Background()

	require.Equal(t, 1, q.OnNewOrder(sampleOrder("o1", entity.PaymentPending)))

	assert.Equal(t, 1, q.Sweep(ctx))
	job, ok := q.Lookup("o1", KindKitchenTicket)
	require.True(t, ok)
	assert.Equal(t, StateRetryScheduled, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, t0.Add(5*time.Second), job.NextRetry)

	clk.Advance(5 * time.Second)
	assert.Equal(t, 1, q.Sweep(ctx))
	job, _ = q.Lookup("o1", KindKitchenTicket)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, t0.Add(15*time.Second), job.NextRetry, "second retry waits 2 x base delay")

	clk.Advance(10 * time.Second)
	assert.Equal(t, 1, q.Sweep(ctx))
	job, _ = q.Lookup("o1", KindKitchenTicket)
	assert.Equal(t, StateDelivered, job.State)
	assert.Equal(t, 3, job.Attempts)
	assert.True(t, q.Printed("o1", KindKitchenTicket))
	assert.Equal(t, Stats{Pending: 0, Printed: 1, Failed: 0}, q.Stats())

	confirmations := conf.all()
	require.Len(t, confirmations, 1)
	assert.Equal(t, entity.PrintStatusPrinted, confirmations[0].Status)
	assert.Equal(t, 3, confirmations[0].Attempts)
}

func TestNothingDueBeforeNextRetry(t *testing.T) {
	clk := clock.NewFake(t0)
	ch := &flakyChannel{failures: 1}
	q := newQueue(ch, nil, clk)
	ctx := context.Background()

	q.OnNewOrder(sampleOrder("o1", entity.PaymentPending))
	require.Equal(t, 1, q.Sweep(ctx))

	clk.Advance(4 * time.Second)
	assert.Equal(t, 0, q.Sweep(ctx))
	calls, _ := ch.counts()
	assert.Equal(t, 1, calls)

	clk.Advance(time.Second)
	assert.Equal(t, 1, q.Sweep(ctx))
}

func TestRetriesExhausted(t *testing.T) {
	clk := clock.NewFake(t0)
	ch := &flakyChannel{failures: 100}
	conf := &recorder{}
	q := newQueue(ch, conf, clk)
	ctx := context.Background()

	q.OnNewOrder(sampleOrder("o1", entity.PaymentPending))
	for i := 0; i < 3; i++ {
		require.Equal(t, 1, q.Sweep(ctx))
		clk.Advance(time.Minute)
	}

	job, ok := q.Lookup("o1", KindKitchenTicket)
	require.True(t, ok)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 3, job.Attempts)
	assert.Contains(t, job.LastError, "printer offline")
	assert.False(t, q.Printed("o1", KindKitchenTicket))
	assert.Equal(t, 1, q.Stats().Failed)
	assert.Equal(t, 0, q.Stats().Pending)

	assert.Equal(t, 0, q.Sweep(ctx))
	calls, _ := ch.counts()
	assert.Equal(t, 3, calls)

	confirmations := conf.all()
	require.Len(t, confirmations, 1)
	assert.Equal(t, entity.PrintStatusFailed, confirmations[0].Status)
	assert.Equal(t, KindKitchenTicket, confirmations[0].PrintType)
	assert.Contains(t, confirmations[0].Detail, "printer offline")
}

func TestPrintedSetExpires(t *testing.T) {
	clk := clock.NewFake(t0)
	q := newQueue(&flakyChannel{}, nil, clk)
	order := sampleOrder("o1", entity.PaymentPending)

	q.OnNewOrder(order)
	q.Sweep(context.Background())
	require.True(t, q.Printed("o1", KindKitchenTicket))

	clk.Advance(2 * time.Hour)
	q.Sweep(context.Background())
	assert.False(t, q.Printed("o1", KindKitchenTicket))
	_, ok := q.Lookup("o1", KindKitchenTicket)
	assert.False(t, ok)
}

func TestRunSweepsOnKick(t *testing.T) {
	clk := clock.NewFake(t0)
	ch := &flakyChannel{}
	q := newQueue(ch, nil, clk)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	q.OnNewOrder(sampleOrder("o1", entity.PaymentPending))
	assert.Eventually(t, func() bool {
		_, delivered := ch.counts()
		return delivered == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestEventWithoutOrderIDIgnored(t *testing.T) {
	q := newQueue(&flakyChannel{}, nil, clock.NewFake(t0))
	assert.Equal(t, 0, q.OnNewOrder(dto.OrderResponse{}))
}

func TestDrainRetriesBackedOffJobs(t *testing.T) {
	clk := clock.NewFake(t0)
	ch := &flakyChannel{failures: 1}
	q := newQueue(ch, nil, clk)
	ctx := context.Background()

	q.OnNewOrder(sampleOrder("o1", entity.PaymentPending))
	require.Equal(t, 1, q.Sweep(ctx))
	require.Equal(t, 0, q.Sweep(ctx))

	assert.Equal(t, 1, q.Drain(ctx))
	assert.True(t, q.Printed("o1", KindKitchenTicket))
}
