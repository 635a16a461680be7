package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"qftrade.com/internal/engine"
	"qftrade.com/internal/gateway"
	"qftrade.com/internal/model"
	"qftrade.com/internal/risk"
	"qftrade.com/internal/strategy"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	sim := gateway.NewSim(gateway.SimConfig{
		Symbols:     []string{"rb2510"},
		TicksPerSec: 100,
		FillDelay:   5 * time.Millisecond,
		Seed:        3,
	}, zap.NewNop())

	eng, err := engine.New(engine.Config{
		Risk: risk.Config{MaxOrderVolume: 10},
	}, sim, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, strategy.RegisterBuiltins(eng.StrategyManager()))
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	return NewServer(eng, zap.NewNop())
}

func doJSON(t *testing.T, s *Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthAndStatus(t *testing.T) {
	s := newTestServer(t)

	resp, body := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = doJSON(t, s, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, "READY", body["gateway_state"])
}

func TestStrategyLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	resp, body := doJSON(t, s, http.MethodGet, "/api/v1/strategies/types", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["types"], 3)

	resp, body = doJSON(t, s, http.MethodPost, "/api/v1/strategies", map[string]any{
		"name": "condition",
		"params": map[string]any{
			"symbol":    "rb2510",
			"operator":  ">=",
			"trigger":   9999999, // 不会触发
			"direction": "long",
			"offset":    "open",
			"volume":    1,
		},
		"start": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "RUNNING", body["state"])

	resp, _ = doJSON(t, s, http.MethodPost, "/api/v1/strategies/"+id+"/stop", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, s, http.MethodGet, "/api/v1/strategies/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "STOPPED", body["state"])

	resp, _ = doJSON(t, s, http.MethodDelete, "/api/v1/strategies/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, s, http.MethodGet, "/api/v1/strategies/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLoadUnknownStrategyType(t *testing.T) {
	s := newTestServer(t)
	resp, _ := doJSON(t, s, http.MethodPost, "/api/v1/strategies", map[string]any{"name": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestManualOrderOverHTTP(t *testing.T) {
	s := newTestServer(t)

	resp, body := doJSON(t, s, http.MethodPost, "/api/v1/orders", model.OrderRequest{
		Symbol:    "rb2510",
		Direction: model.DirectionLong,
		Offset:    model.OffsetOpen,
		Type:      model.OrderTypeLimit,
		Price:     3500,
		Volume:    1,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	orderID, _ := body["order_id"].(string)
	require.NotEmpty(t, orderID)

	resp, _ = doJSON(t, s, http.MethodGet, "/api/v1/orders/"+orderID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, s, http.MethodGet, "/api/v1/orders", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRiskRejectionMapsTo422(t *testing.T) {
	s := newTestServer(t)

	resp, body := doJSON(t, s, http.MethodPost, "/api/v1/orders", model.OrderRequest{
		Symbol:    "rb2510",
		Direction: model.DirectionLong,
		Offset:    model.OffsetOpen,
		Type:      model.OrderTypeLimit,
		Price:     3500,
		Volume:    100, // 超过 MaxOrderVolume=10
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "risk rejected", body["error"])
	assert.NotEmpty(t, body["reasons"])
}

func TestPositionsAndAccount(t *testing.T) {
	s := newTestServer(t)

	resp, _ := doJSON(t, s, http.MethodGet, "/api/v1/positions", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, s, http.MethodGet, "/api/v1/account", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1_000_000.0, body["balance"])
}
