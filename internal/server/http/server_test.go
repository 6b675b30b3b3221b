package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/database/dbtest"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

func TestProbes(t *testing.T) {
	e := NewEcho(Params{Config: config.Config{}, Connections: dbtest.New(t), Logger: zap.NewNop()})

	for _, path := range []string{"/health", "/ready"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAppErrorsRenderedAsEnvelope(t *testing.T) {
	e := NewEcho(Params{Config: config.Config{}, Logger: zap.NewNop()})
	e.GET("/boom", func(echo.Context) error {
		return errorbank.OrderUnavailable("order already claimed")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, string(errorbank.KindOrderUnavailable), body.Error.Kind)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
