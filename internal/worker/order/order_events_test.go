package order

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/internal/event"
	"github.com/Additional-Code/dispatch/internal/messaging"
)

type recordingStore struct {
	deleted []string
}

func (s *recordingStore) Get(context.Context, string) ([]byte, error) { return nil, nil }

func (s *recordingStore) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (s *recordingStore) Delete(_ context.Context, key string) error {
	s.deleted = append(s.deleted, key)
	return nil
}

func TestOrderEventsHandlerEvictsCache(t *testing.T) {
	store := &recordingStore{}
	cfg := config.Config{}
	cfg.Messaging.Kafka.Topic = "orders"
	reg := NewOrderEventsHandler(store, zap.NewNop(), cfg)
	assert.Equal(t, "orders", reg.Topic)

	payload, err := json.Marshal(event.OrderEvent{
		Kind:     event.KindOrderStatusChanged,
		OrderID:  "o1",
		Previous: entity.StatusPlaced,
		Status:   entity.StatusAccepted,
	})
	require.NoError(t, err)

	require.NoError(t, reg.Handler(context.Background(), messaging.Message{Topic: "orders", Value: payload}))
	assert.Equal(t, []string{"orders:o1"}, store.deleted)
}

func TestOrderEventsHandlerRejectsMalformed(t *testing.T) {
	store := &recordingStore{}
	reg := NewOrderEventsHandler(store, zap.NewNop(), config.Config{})

	err := reg.Handler(context.Background(), messaging.Message{Value: []byte("{")})
	assert.Error(t, err)
	assert.Empty(t, store.deleted)
}
