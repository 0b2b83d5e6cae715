package checks

import (
	"context"
	"time"

	"github.com/charlesng35/confsessions/internal/monitoring"
)

const defaultSessionStoreTimeout = 3 * time.Second

// SessionChecker is satisfied by the session registry.
type SessionChecker interface {
	Check(ctx context.Context) error
	SourceKind() string
}

// SessionStore reports whether the session registry can reach its source.
func SessionStore(registry SessionChecker, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("session_store", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if registry == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDown,
				Details:  "session registry not configured",
				Duration: time.Since(start),
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultSessionStoreTimeout))
		defer cancel()

		if err := registry.Check(probeCtx); err != nil {
			return monitoring.ResultFromError("session_store", err, time.Since(start))
		}
		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Details:  registry.SourceKind(),
			Duration: time.Since(start),
		}
	})
}
