package printagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Additional-Code/dispatch/internal/auth"
	"github.com/Additional-Code/dispatch/internal/clock"
	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/dto"
	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/internal/printqueue"
	"github.com/Additional-Code/dispatch/internal/realtime"
)

// backend is a minimal coordinating process: it accepts the printer
// handshake, records every frame and pushes frames from outbound.
type backend struct {
	t        *testing.T
	server   *httptest.Server
	reject   atomic.Bool
	accepted atomic.Int64
	frames   chan realtime.Envelope
	outbound chan realtime.Outbound
}

func newBackend(t *testing.T) *backend {
	b := &backend{
		t:        t,
		frames:   make(chan realtime.Envelope, 64),
		outbound: make(chan realtime.Outbound, 16),
	}
	upgrader := websocket.Upgrader{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var env realtime.Envelope
		if err := conn.ReadJSON(&env); err != nil || env.Type != realtime.CmdAuthenticate {
			return
		}
		var creds auth.Credentials
		_ = json.Unmarshal(env.Data, &creds)
		if b.reject.Load() || creds.Token != "secret" || creds.Role != auth.ConnectionPrinter {
			_ = conn.WriteJSON(realtime.Outbound{Type: realtime.EventError, Data: realtime.ErrorPayload{Message: "invalid token"}})
			return
		}
		b.accepted.Add(1)
		_ = conn.WriteJSON(realtime.Outbound{Type: realtime.EventConnected, Data: realtime.Connected{ActorID: creds.AgentID, Role: entity.RolePrinter}})

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var in realtime.Envelope
				if err := conn.ReadJSON(&in); err != nil {
					return
				}
				b.frames <- in
			}
		}()
		for {
			select {
			case out := <-b.outbound:
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *backend) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

// next returns the next frame of type typ, skipping others.
func (b *backend) next(typ string) realtime.Envelope {
	b.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-b.frames:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			b.t.Fatalf("no %s frame received", typ)
			return realtime.Envelope{}
		}
	}
}

type memoryChannel struct {
	mu   sync.Mutex
	jobs []printqueue.Job
}

func (c *memoryChannel) Deliver(_ context.Context, job printqueue.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
	return nil
}

func (c *memoryChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

type harness struct {
	agent   *Agent
	queue   *printqueue.Queue
	outbox  *Outbox
	channel *memoryChannel
	cancel  context.CancelFunc
	done    chan struct{}
}

func printCfg(url string) config.Print {
	return config.Print{
		AgentID:          "agent-1",
		BackendURL:       url,
		Token:            "secret",
		MaxAttempts:      3,
		BaseDelay:        50 * time.Millisecond,
		SweepInterval:    20 * time.Millisecond,
		DeliveryTimeout:  time.Second,
		ReconnectDelay:   20 * time.Millisecond,
		PrintedRetention: time.Hour,
		LineWidth:        32,
	}
}

func newHarness(t *testing.T, cfg config.Print) *harness {
	outbox := NewOutbox(nil)
	ch := &memoryChannel{}
	clk := clock.New()
	queue := printqueue.New(ch, outbox, printqueue.NewRenderer(cfg, clk), clk, cfg, nil)
	return &harness{
		agent:   New(cfg, queue, []string{"kitchen"}, outbox, nil),
		queue:   queue,
		outbox:  outbox,
		channel: ch,
	}
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		_ = h.agent.Run(ctx)
	}()
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestAgentAnnouncesPrinters(t *testing.T) {
	b := newBackend(t)
	h := newHarness(t, printCfg(b.url()))
	h.start()
	defer h.stop(t)

	env := b.next(realtime.CmdAgentOnline)
	var online realtime.AgentOnline
	require.NoError(t, json.Unmarshal(env.Data, &online))
	assert.Equal(t, "agent-1", online.AgentID)
	assert.Equal(t, []string{"kitchen"}, online.Printers)
	assert.Eventually(t, h.agent.Connected, 2*time.Second, 10*time.Millisecond)
}

func TestAgentPrintsNewOrderAndConfirms(t *testing.T) {
	b := newBackend(t)
	h := newHarness(t, printCfg(b.url()))
	h.start()
	defer h.stop(t)
	b.next(realtime.CmdAgentOnline)

	order := dto.OrderResponse{
		ID:            "o1",
		Status:        entity.StatusPlaced,
		OrderType:     entity.OrderTypePickup,
		PaymentStatus: entity.PaymentPending,
		Items:         []dto.OrderItem{{Name: "Soup", Quantity: 1, UnitPriceCents: 800}},
	}
	b.outbound <- realtime.Outbound{Type: realtime.EventNewOrder, Data: order}
	b.outbound <- realtime.Outbound{Type: realtime.EventNewOrder, Data: order}

	env := b.next(realtime.CmdPrintConfirmation)
	var conf realtime.PrintConfirmation
	require.NoError(t, json.Unmarshal(env.Data, &conf))
	assert.Equal(t, "o1", conf.OrderID)
	assert.Equal(t, string(printqueue.KindKitchenTicket), conf.PrintType)
	assert.Equal(t, entity.PrintStatusPrinted, conf.Status)
	assert.Equal(t, 1, conf.Attempts)

	order.Status = entity.StatusReady
	b.outbound <- realtime.Outbound{Type: realtime.EventOrderUpdate, Data: order}
	env = b.next(realtime.CmdPrintConfirmation)
	require.NoError(t, json.Unmarshal(env.Data, &conf))
	assert.Equal(t, string(printqueue.KindPickupNotice), conf.PrintType)

	assert.Equal(t, 2, h.channel.count(), "duplicate new_order printed once")
}

func TestAgentIgnoresNonReadyUpdates(t *testing.T) {
	b := newBackend(t)
	h := newHarness(t, printCfg(b.url()))
	h.start()
	defer h.stop(t)
	b.next(realtime.CmdAgentOnline)

	b.outbound <- realtime.Outbound{Type: realtime.EventOrderUpdate, Data: dto.OrderResponse{ID: "o1", Status: entity.StatusPreparing}}
	b.outbound <- realtime.Outbound{Type: "order_update", Data: "not an order"}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, h.channel.count())
	assert.Equal(t, 0, h.queue.Stats().Pending)
}

func TestAgentFlushesBufferedConfirmationsOnConnect(t *testing.T) {
	b := newBackend(t)
	h := newHarness(t, printCfg(b.url()))
	h.outbox.Confirm(printqueue.Confirmation{
		OrderID:   "o9",
		PrintType: printqueue.KindCustomerReceipt,
		Status:    entity.PrintStatusFailed,
		Attempts:  3,
		Detail:    "printer offline",
	})
	h.start()
	defer h.stop(t)

	env := b.next(realtime.CmdPrintConfirmation)
	var conf realtime.PrintConfirmation
	require.NoError(t, json.Unmarshal(env.Data, &conf))
	assert.Equal(t, "o9", conf.OrderID)
	assert.Equal(t, entity.PrintStatusFailed, conf.Status)
	assert.Equal(t, "printer offline", conf.Detail)
	assert.Equal(t, 0, h.outbox.Len())
}

func TestAgentReconnectsAfterRejection(t *testing.T) {
	b := newBackend(t)
	b.reject.Store(true)
	h := newHarness(t, printCfg(b.url()))
	h.start()
	defer h.stop(t)

	assert.Eventually(t, func() bool { return h.agent.Dials() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.agent.Connected())

	b.reject.Store(false)
	b.next(realtime.CmdAgentOnline)
	assert.Equal(t, int64(1), b.accepted.Load())
}

func TestAgentAnnouncesOfflineOnStop(t *testing.T) {
	b := newBackend(t)
	h := newHarness(t, printCfg(b.url()))
	h.start()
	b.next(realtime.CmdAgentOnline)

	h.stop(t)
	env := b.next(realtime.CmdAgentOffline)
	var offline realtime.AgentOffline
	require.NoError(t, json.Unmarshal(env.Data, &offline))
	assert.Equal(t, "agent-1", offline.AgentID)
}

func TestOutboxRequeueKeepsOrder(t *testing.T) {
	o := NewOutbox(nil)
	o.Confirm(printqueue.Confirmation{OrderID: "c"})
	o.Requeue([]printqueue.Confirmation{{OrderID: "a"}, {OrderID: "b"}})

	items := o.Take()
	require.Len(t, items, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{items[0].OrderID, items[1].OrderID, items[2].OrderID})
	assert.Empty(t, o.Take())
}

func TestOutboxDropsOldestWhenFull(t *testing.T) {
	o := NewOutbox(nil)
	o.limit = 2
	o.Confirm(printqueue.Confirmation{OrderID: "a"})
	o.Confirm(printqueue.Confirmation{OrderID: "b"})
	o.Confirm(printqueue.Confirmation{OrderID: "c"})

	items := o.Take()
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].OrderID)
	assert.Equal(t, "c", items[1].OrderID)
}
