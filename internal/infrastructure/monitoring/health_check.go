package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"fieldgw/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex

	// last background result per check
	last map[string]string
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		last: make(map[string]string),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

// AddSessionCheck reports unhealthy while ready returns false.
func (h *HealthChecker) AddSessionCheck(ready func() bool, interval, timeout time.Duration) {
	h.AddCheck("session", func(ctx context.Context) error {
		if !ready() {
			return errors.New("session not started")
		}
		return nil
	}, interval, timeout)
}

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// AddPresenceCheck lists a sentinel project to verify the presence store.
func (h *HealthChecker) AddPresenceCheck(repo ports.PresenceRepository, interval, timeout time.Duration) {
	h.AddCheck("presence", func(ctx context.Context) error {
		_, err := repo.ListProject(ctx, "__health")
		return err
	}, interval, timeout)
}

func runCheck(ctx context.Context, check HealthCheck) string {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := check.Check(checkCtx); err != nil {
		return err.Error()
	}
	return StatusHealthy
}

// CheckAll runs every check now.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make(map[string]string, len(checks))
	for _, check := range checks {
		results[check.Name] = runCheck(ctx, check)
	}
	return newStatus(results)
}

// LastStatus is the result of the background checks, empty until they ran.
func (h *HealthChecker) LastStatus() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make(map[string]string, len(h.last))
	for k, v := range h.last {
		results[k] = v
	}
	return newStatus(results)
}

func newStatus(results map[string]string) HealthStatus {
	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    results,
	}
	for _, r := range results {
		if r != StatusHealthy {
			status.Status = StatusUnhealthy
		}
	}
	return status
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}

func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, check := range h.checks {
		go h.runCheckPeriodically(ctx, check)
	}
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck) {
	interval := check.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result := runCheck(ctx, check)
		h.mu.Lock()
		h.last[check.Name] = result
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
