package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fieldgw/internal/infrastructure/repositories/memory"
)

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	ready := false
	h.AddSessionCheck(func() bool { return ready }, time.Second, time.Second)
	h.AddPresenceCheck(memory.NewMemoryPresenceRepository(), time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "session not started", status.Checks["session"])
	assert.Equal(t, StatusHealthy, status.Checks["presence"])
	assert.False(t, h.IsReady(context.Background()))

	ready = true
	assert.True(t, h.IsReady(context.Background()))
}

func TestHealthChecker_BackgroundResults(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("flaky", func(ctx context.Context) error { return errors.New("down") }, 10*time.Millisecond, time.Second)

	assert.Equal(t, StatusHealthy, h.LastStatus().Status)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx)

	assert.Eventually(t, func() bool {
		return h.LastStatus().Checks["flaky"] == "down"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusUnhealthy, h.LastStatus().Status)
}

func TestHealthChecker_TimeoutReported(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, time.Second, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}
