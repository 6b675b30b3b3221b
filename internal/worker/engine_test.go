package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/messaging"
)

type feedClient struct {
	msgs    []messaging.Message
	mu      sync.Mutex
	results []error
}

func (c *feedClient) Publish(context.Context, []byte, []byte, ...messaging.Header) error { return nil }

func (c *feedClient) Consume(ctx context.Context, handler messaging.Handler) error {
	for _, msg := range c.msgs {
		err := handler(ctx, msg)
		c.mu.Lock()
		c.results = append(c.results, err)
		c.mu.Unlock()
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *feedClient) Topic() string { return "orders" }

func (c *feedClient) outcomes() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.results...)
}

func enabledConfig() config.Config {
	cfg := config.Config{}
	cfg.Messaging.Enabled = true
	cfg.Messaging.Workers.Enabled = true
	cfg.Messaging.Workers.Concurrency = 1
	return cfg
}

func TestEngineRoutesByTopic(t *testing.T) {
	var handled []string
	client := &feedClient{msgs: []messaging.Message{
		{Topic: "orders", Key: []byte("o1")},
		{Topic: "unknown"},
		{Topic: "orders", Key: []byte("o2")},
	}}
	engine := NewEngine(Params{
		Client: client,
		Logger: zap.NewNop(),
		Config: enabledConfig(),
		Registrations: []HandlerRegistration{{
			Topic: "orders",
			Handler: func(_ context.Context, msg messaging.Message) error {
				handled = append(handled, string(msg.Key))
				return nil
			},
		}},
	})

	require.NoError(t, engine.start(context.Background()))
	assert.Eventually(t, func() bool { return len(client.outcomes()) == 3 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, engine.stop(ctx))
	assert.Equal(t, []string{"o1", "o2"}, handled)
	for _, err := range client.outcomes() {
		assert.NoError(t, err)
	}
}

func TestEngineConvertsPanicsToErrors(t *testing.T) {
	engine := NewEngine(Params{
		Client: &feedClient{},
		Logger: zap.NewNop(),
		Config: enabledConfig(),
		Registrations: []HandlerRegistration{
			{Topic: "orders", Handler: func(context.Context, messaging.Message) error { panic("bad payload") }},
			{Topic: "audit", Handler: func(context.Context, messaging.Message) error { return errors.New("retry") }},
		},
	})

	err := engine.handle(context.Background(), 0, messaging.Message{Topic: "orders"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad payload")

	assert.EqualError(t, engine.handle(context.Background(), 0, messaging.Message{Topic: "audit"}), "retry")
}

func TestEngineDisabledDoesNothing(t *testing.T) {
	engine := NewEngine(Params{Client: &feedClient{}, Logger: zap.NewNop(), Config: config.Config{}})
	require.NoError(t, engine.start(context.Background()))
	require.NoError(t, engine.stop(context.Background()))
}
