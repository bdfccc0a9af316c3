package promotion

import (
	"log/slog"
	"time"

	"github.com/starford/folio/internal/metrics"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source used for manifest timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithExcludedPrefixes adds working-directory prefixes that promotions never
// copy, delete or clear. The staging dir is always excluded.
func WithExcludedPrefixes(prefixes ...string) Option {
	return func(c *Coordinator) {
		c.excluded = append(c.excluded, prefixes...)
	}
}

// WithLockRegistry shares a lock registry between coordinators of the same site.
func WithLockRegistry(r *LockRegistry) Option {
	return func(c *Coordinator) {
		c.locks = r
	}
}
