package handler

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPool implements a minimal interface for testing health checks
type mockPool struct {
	pingErr error
}

func (m *mockPool) Ping(ctx context.Context) error {
	return m.pingErr
}

func checkHealth(t *testing.T, db, redis Pinger) (int, string) {
	t.Helper()
	app := fiber.New()
	handler := NewHealthHandler(db, redis)
	app.Get("/health", handler.Check)

	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealthHandler_Check_Healthy(t *testing.T) {
	status, body := checkHealth(t, &mockPool{}, nil)

	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, `"status":"healthy"`)
	assert.Contains(t, body, `"redis":"disabled"`)
}

func TestHealthHandler_Check_Unhealthy(t *testing.T) {
	status, body := checkHealth(t, &mockPool{pingErr: errors.New("connection refused")}, nil)

	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Contains(t, body, `"status":"unhealthy"`)
	assert.Contains(t, body, `"error":"database connection failed"`)
}

func TestHealthHandler_Check_RedisDown(t *testing.T) {
	redis := PingFunc(func(context.Context) error { return errors.New("dial tcp: i/o timeout") })

	status, body := checkHealth(t, &mockPool{}, redis)

	assert.Equal(t, fiber.StatusOK, status, "redis is not required to serve")
	assert.Contains(t, body, `"status":"healthy"`)
	assert.Contains(t, body, `"redis":"down"`)
}

func TestHealthHandler_Check_RedisUp(t *testing.T) {
	redis := PingFunc(func(context.Context) error { return nil })

	status, body := checkHealth(t, &mockPool{}, redis)

	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, `"redis":"up"`)
}
