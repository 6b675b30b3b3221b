package printqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/clock"
	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/dto"
	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

var queueMeter = otel.Meter("github.com/Additional-Code/dispatch/printqueue")

// Confirmation is the outcome reported back to the coordinating process.
type Confirmation struct {
	OrderID   string
	PrintType Kind
	Status    string
	Attempts  int
	Detail    string
}

// Confirmer receives terminal job outcomes.
type Confirmer interface {
	Confirm(Confirmation)
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending int
	Printed int
	Failed  int
}

// Params groups the queue dependencies.
type Params struct {
	fx.In

	Channel   Channel
	Confirmer Confirmer `optional:"true"`
	Renderer  *Renderer
	Clock     clock.Clock
	Config    config.Config
	Logger    *zap.Logger
}

// Queue renders print jobs and delivers them with bounded linear-backoff
// retries. A job is skipped when the same (order, kind) is already pending or
// was printed within the retention window.
type Queue struct {
	mu       sync.Mutex
	pending  retryHeap
	active   map[jobKey]*Job
	printed  map[jobKey]time.Time
	finished map[jobKey]*Job
	failed   int

	sweepMu sync.Mutex
	wake    chan struct{}

	channel   Channel
	confirmer Confirmer
	renderer  *Renderer
	clock     clock.Clock
	cfg       config.Print
	logger    *zap.Logger

	enqueued metric.Int64Counter
	attempts metric.Int64Counter
}

// NewQueue builds a queue from its Fx parameters.
func NewQueue(p Params) *Queue {
	return New(p.Channel, p.Confirmer, p.Renderer, p.Clock, p.Config.Print, p.Logger)
}

// New builds an empty queue.
func New(ch Channel, confirmer Confirmer, renderer *Renderer, clk clock.Clock, cfg config.Print, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDialTimeout
	}
	q := &Queue{
		active:    make(map[jobKey]*Job),
		printed:   make(map[jobKey]time.Time),
		finished:  make(map[jobKey]*Job),
		wake:      make(chan struct{}, 1),
		channel:   ch,
		confirmer: confirmer,
		renderer:  renderer,
		clock:     clk,
		cfg:       cfg,
		logger:    logger.Named("printqueue"),
	}
	q.enqueued, _ = queueMeter.Int64Counter("dispatch.print.jobs",
		metric.WithDescription("Print jobs accepted by kind"))
	q.attempts, _ = queueMeter.Int64Counter("dispatch.print.attempts",
		metric.WithDescription("Print delivery attempts by outcome"))
	if pending, err := queueMeter.Int64ObservableGauge("dispatch.print.pending",
		metric.WithDescription("Print jobs queued or awaiting retry")); err == nil {
		_, _ = queueMeter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(pending, int64(q.Stats().Pending))
			return nil
		}, pending)
	}
	return q
}

// OnNewOrder queues a kitchen ticket and, for paid orders, a customer receipt.
// It returns the number of jobs accepted.
func (q *Queue) OnNewOrder(order dto.OrderResponse) int {
	kinds := []Kind{KindKitchenTicket}
	if order.PaymentStatus == entity.PaymentPaid {
		kinds = append(kinds, KindCustomerReceipt)
	}
	return q.enqueue(order, kinds...)
}

// OnReady queues a pickup notice.
func (q *Queue) OnReady(order dto.OrderResponse) int {
	return q.enqueue(order, KindPickupNotice)
}

func (q *Queue) enqueue(order dto.OrderResponse, kinds ...Kind) int {
	if order.ID == "" {
		q.logger.Warn("print event without order id ignored")
		return 0
	}
	accepted := 0
	for _, kind := range kinds {
		if q.add(order, kind) {
			accepted++
		}
	}
	if accepted > 0 {
		q.Kick()
	}
	return accepted
}

func (q *Queue) add(order dto.OrderResponse, kind Kind) bool {
	key := jobKey{orderID: order.ID, kind: kind}
	fields := []zap.Field{zap.String("order_id", order.ID), zap.String("kind", string(kind))}

	q.mu.Lock()
	if _, ok := q.active[key]; ok {
		q.mu.Unlock()
		q.logger.Info("print job already queued, skipping", fields...)
		return false
	}
	if _, ok := q.printed[key]; ok {
		q.mu.Unlock()
		q.logger.Info("order already printed, skipping", fields...)
		return false
	}
	q.mu.Unlock()

	doc, err := q.renderer.Render(kind, order)
	if err != nil {
		q.logger.Error("render print job", append(fields, zap.Error(err))...)
		return false
	}

	now := q.clock.Now()
	job := &Job{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		Kind:      kind,
		Order:     order.Clone(),
		Document:  doc,
		State:     StateQueued,
		NextRetry: now,
		CreatedAt: now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.active[key]; ok {
		return false
	}
	if _, ok := q.printed[key]; ok {
		return false
	}
	q.active[key] = job
	delete(q.finished, key)
	heap.Push(&q.pending, job)
	q.enqueued.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	q.logger.Info("print job queued", append(fields, zap.String("job_id", job.ID))...)
	return true
}

// Kick asks Run to sweep without waiting for the next tick.
func (q *Queue) Kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Drain makes every pending job due and sweeps. It runs after the agent
// reconnects so jobs waiting out a backoff are not held back.
func (q *Queue) Drain(ctx context.Context) int {
	now := q.clock.Now()
	q.mu.Lock()
	for _, job := range q.pending {
		if job.NextRetry.After(now) {
			job.NextRetry = now
		}
	}
	heap.Init(&q.pending)
	q.mu.Unlock()
	return q.Sweep(ctx)
}

// Sweep attempts every job whose retry time has elapsed and returns how many
// were attempted. Sweeps never overlap, so a job is in flight at most once.
func (q *Queue) Sweep(ctx context.Context) int {
	q.sweepMu.Lock()
	defer q.sweepMu.Unlock()

	now := q.clock.Now()
	due := q.takeDue(now)
	for _, job := range due {
		q.attempt(ctx, job)
	}
	q.prune(q.clock.Now())
	return len(due)
}

func (q *Queue) takeDue(now time.Time) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*Job
	for q.pending.Len() > 0 && !q.pending[0].NextRetry.After(now) {
		job := heap.Pop(&q.pending).(*Job)
		job.State = StateInFlight
		job.Attempts++
		due = append(due, job)
	}
	return due
}

// attempt runs one delivery. The write is detached from ctx cancellation and
// bounded only by the delivery timeout.
func (q *Queue) attempt(ctx context.Context, job *Job) {
	q.mu.Lock()
	snapshot := job.snapshot()
	q.mu.Unlock()

	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.DeliveryTimeout)
	err := q.deliver(deliverCtx, snapshot)
	cancel()

	fields := []zap.Field{
		zap.String("job_id", snapshot.ID),
		zap.String("order_id", snapshot.OrderID),
		zap.String("kind", string(snapshot.Kind)),
		zap.Int("attempt", snapshot.Attempts),
	}

	if err == nil {
		q.succeeded(job)
		q.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "delivered")))
		q.logger.Info("print job delivered", fields...)
		q.confirm(Confirmation{
			OrderID:   snapshot.OrderID,
			PrintType: snapshot.Kind,
			Status:    entity.PrintStatusPrinted,
			Attempts:  snapshot.Attempts,
		})
		return
	}

	deliveryErr := errorbank.DeliveryFailed("print delivery failed", errorbank.WithCause(err),
		errorbank.WithDetail("order_id", snapshot.OrderID),
		errorbank.WithDetail("kind", string(snapshot.Kind)))

	if snapshot.Attempts >= q.cfg.MaxAttempts {
		q.exhausted(job, deliveryErr)
		q.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		exhaustedErr := errorbank.RetriesExhausted("print job failed permanently", errorbank.WithCause(deliveryErr))
		q.logger.Error("print job failed", append(fields, zap.Error(exhaustedErr))...)
		q.confirm(Confirmation{
			OrderID:   snapshot.OrderID,
			PrintType: snapshot.Kind,
			Status:    entity.PrintStatusFailed,
			Attempts:  snapshot.Attempts,
			Detail:    err.Error(),
		})
		return
	}

	next := q.reschedule(job, deliveryErr)
	q.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "retry")))
	q.logger.Warn("print job retry scheduled", append(fields, zap.Time("next_retry", next), zap.Error(deliveryErr))...)
}

func (q *Queue) deliver(ctx context.Context, job Job) (err error) {
	if q.channel == nil {
		return errorbank.Internal("no print channel configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = errorbank.Internal("print channel panicked", errorbank.WithDetail("panic", r))
		}
	}()
	return q.channel.Deliver(ctx, job)
}

func (q *Queue) succeeded(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	job.State = StateDelivered
	job.LastError = ""
	job.FinishedAt = now
	key := job.key()
	delete(q.active, key)
	q.printed[key] = now
	q.finished[key] = job
}

func (q *Queue) exhausted(job *Job, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.State = StateFailed
	job.LastError = err.Error()
	job.FinishedAt = q.clock.Now()
	key := job.key()
	delete(q.active, key)
	q.finished[key] = job
	q.failed++
}

// reschedule applies linear backoff: attempts × base delay from now.
func (q *Queue) reschedule(job *Job, err error) time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.State = StateRetryScheduled
	job.LastError = err.Error()
	job.NextRetry = q.clock.Now().Add(time.Duration(job.Attempts) * q.cfg.BaseDelay)
	heap.Push(&q.pending, job)
	return job.NextRetry
}

func (q *Queue) confirm(c Confirmation) {
	if q.confirmer != nil {
		q.confirmer.Confirm(c)
	}
}

func (q *Queue) prune(now time.Time) {
	if q.cfg.PrintedRetention <= 0 {
		return
	}
	cutoff := now.Add(-q.cfg.PrintedRetention)
	q.mu.Lock()
	defer q.mu.Unlock()
	for key, at := range q.printed {
		if at.Before(cutoff) {
			delete(q.printed, key)
		}
	}
	for key, job := range q.finished {
		if job.FinishedAt.Before(cutoff) {
			delete(q.finished, key)
		}
	}
}

// Run sweeps on every interval tick and whenever a job is queued, until ctx ends.
func (q *Queue) Run(ctx context.Context) {
	interval := q.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Sweep(ctx)
		case <-q.wake:
			q.Sweep(ctx)
		}
	}
}

// Lookup returns the pending or recently finished job for (orderID, kind).
func (q *Queue) Lookup(orderID string, kind Kind) (Job, bool) {
	key := jobKey{orderID: orderID, kind: kind}
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.active[key]; ok {
		return job.snapshot(), true
	}
	if job, ok := q.finished[key]; ok {
		return job.snapshot(), true
	}
	return Job{}, false
}

// Printed reports whether (orderID, kind) is in the already-printed set.
func (q *Queue) Printed(orderID string, kind Kind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.printed[jobKey{orderID: orderID, kind: kind}]
	return ok
}

// Stats returns queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: len(q.active), Printed: len(q.printed), Failed: q.failed}
}
