package printqueue

import (
	"time"

	"github.com/Additional-Code/dispatch/internal/dto"
)

// Kind is what a print job produces.
type Kind string

const (
	KindKitchenTicket   Kind = "kitchen_ticket"
	KindCustomerReceipt Kind = "customer_receipt"
	KindPickupNotice    Kind = "pickup_notice"
)

// State is where a job is in its delivery lifecycle.
type State string

const (
	StateQueued         State = "queued"
	StateInFlight       State = "in_flight"
	StateDelivered      State = "delivered"
	StateRetryScheduled State = "retry_scheduled"
	StateFailed         State = "failed"
)

// Terminal reports whether no further delivery will be attempted.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// Job is one rendered document waiting to reach a printer. Order is a copy
// taken when the job was created.
type Job struct {
	ID         string
	OrderID    string
	Kind       Kind
	Order      dto.OrderResponse
	Document   Document
	State      State
	Attempts   int
	NextRetry  time.Time
	LastError  string
	CreatedAt  time.Time
	FinishedAt time.Time

	index int
}

type jobKey struct {
	orderID string
	kind    Kind
}

func (j *Job) key() jobKey {
	return jobKey{orderID: j.OrderID, kind: j.Kind}
}

func (j *Job) snapshot() Job {
	out := *j
	out.Order = j.Order.Clone()
	out.Document = append(Document(nil), j.Document...)
	out.index = -1
	return out
}

// retryHeap orders pending jobs by NextRetry.
type retryHeap []*Job

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool {
	if h[i].NextRetry.Equal(h[j].NextRetry) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].NextRetry.Before(h[j].NextRetry)
}

func (h retryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *retryHeap) Push(x any) {
	job := x.(*Job)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*h = old[:n-1]
	return job
}
