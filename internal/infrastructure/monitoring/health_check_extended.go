package monitoring

import (
	"context"
	"time"

	"rtmsrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddDirectoryCheck verifies the session directory backend answers.
func (h *HealthChecker) AddDirectoryCheck(dir ports.SessionDirectory, interval, timeout time.Duration) {
	h.AddCheck("session_directory", func(ctx context.Context) (bool, error) {
		if err := dir.HealthCheck(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}
