package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	t.Setenv("KITCHEN_PRINTER_ADDR", "10.0.0.20")
	t.Setenv("RECEIPT_PRINTER_ADDR", "10.0.0.21:9200")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Orders.CancelWindow)
	assert.EqualValues(t, 800, cfg.Orders.TaxRateBPS)
	assert.EqualValues(t, 300, cfg.Orders.DeliveryFeeCents)
	assert.Equal(t, 20*time.Minute, cfg.Orders.DeliveryBuffer)
	assert.Equal(t, 3, cfg.Print.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Print.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Print.SweepInterval)
	assert.Equal(t, "10.0.0.20:9100", cfg.Print.Kitchen.Addr)
	assert.Equal(t, "10.0.0.21:9200", cfg.Print.Receipt.Addr)
	assert.Equal(t, "/ws", cfg.Realtime.Path)
}

func TestNewOverrides(t *testing.T) {
	t.Setenv("ORDER_CANCEL_WINDOW", "2m")
	t.Setenv("RETRY_DELAY", "250ms")
	t.Setenv("WS_PATH", "realtime")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Orders.CancelWindow)
	assert.Equal(t, 250*time.Millisecond, cfg.Print.BaseDelay)
	assert.Equal(t, "/realtime", cfg.Realtime.Path)
}

func TestNewRejectsInvalidPrintSettings(t *testing.T) {
	t.Setenv("MAX_RETRY_ATTEMPTS", "0")

	_, err := New()
	require.Error(t, err)
}
