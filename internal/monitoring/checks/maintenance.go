package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/confsessions/internal/monitoring"
)

const (
	defaultMaintenanceMaxAge = 15 * time.Minute
	// A single failed heartbeat only degrades the probe.
	maintenanceFailureLimit = 3
)

// Maintenance verifies that the cluster jobs (heartbeat, stale purge) keep succeeding. When
// maxAge is zero the default window of 15 minutes is used.
func Maintenance(maxAge time.Duration) monitoring.Check {
	if maxAge <= 0 {
		maxAge = defaultMaintenanceMaxAge
	}

	return monitoring.NewCheck("maintenance", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		summary := monitoring.Snapshot()
		now := time.Now()

		if len(summary.Maintenance.Jobs) == 0 {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Details:  "no maintenance jobs registered",
				Duration: time.Since(start),
			}
		}

		status := monitoring.StatusUp
		var failures []string

		for _, job := range summary.Maintenance.Jobs {
			if job.TotalRuns == 0 {
				failures = append(failures, job.Job+": pending first run")
				continue
			}

			switch {
			case job.ConsecutiveFailures >= maintenanceFailureLimit:
				status = worstStatus(status, monitoring.StatusDown)
				failures = append(failures, fmt.Sprintf("%s: %d consecutive failures", job.Job, job.ConsecutiveFailures))
			case job.ConsecutiveFailures > 0:
				status = worstStatus(status, monitoring.StatusDegraded)
				failures = append(failures, job.Job+": last run failed: "+job.LastError)
			}

			if maxAge > 0 && !job.LastRunAt.IsZero() && now.Sub(job.LastRunAt) > maxAge {
				status = worstStatus(status, monitoring.StatusDegraded)
				failures = append(failures, job.Job+": stale run "+job.LastRunAt.UTC().Format(time.RFC3339))
			}
		}

		details := strings.Join(failures, "; ")

		return monitoring.ProbeResult{
			Status:   status,
			Details:  details,
			Duration: time.Since(start),
		}
	})
}

func worstStatus(current, candidate monitoring.ProbeStatus) monitoring.ProbeStatus {
	if current == monitoring.StatusDown || candidate == monitoring.StatusDown {
		return monitoring.StatusDown
	}
	if current == monitoring.StatusDegraded || candidate == monitoring.StatusDegraded {
		return monitoring.StatusDegraded
	}
	return monitoring.StatusUp
}
