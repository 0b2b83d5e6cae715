package checks

import (
	"context"
	"time"

	"github.com/charlesng35/confsessions/internal/cache"
	"github.com/charlesng35/confsessions/internal/monitoring"
)

const defaultCacheTimeout = 2 * time.Second

// Cache returns a readiness probe for the shared cache holding room counters. A nil pinger
// means the backend cannot be probed and is reported as degraded.
func Cache(backend string, pinger cache.Pinger, timeout time.Duration) monitoring.Check {
	if backend == "" {
		backend = "cache"
	}
	return monitoring.NewCheck("cache", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if pinger == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  backend + " unavailable",
				Duration: time.Since(start),
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultCacheTimeout))
		defer cancel()

		if err := pinger.Ping(probeCtx); err != nil {
			result := monitoring.ResultFromError("cache", err, time.Since(start))
			result.Details = backend + ": " + result.Details
			return result
		}

		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Details:  backend,
			Duration: time.Since(start),
		}
	})
}
