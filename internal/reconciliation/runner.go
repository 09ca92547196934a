package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/runwayly/ledgersync/internal/logging"
	"github.com/runwayly/ledgersync/internal/mirror"
)

// TenantLister names the tenants whose mirrors should be reconciled.
type TenantLister interface {
	ConnectedTenantIDs(ctx context.Context) ([]string, error)
}

// Summary aggregates one reconciliation pass over every connected tenant.
type Summary struct {
	TenantsChecked int           `json:"tenantsChecked"`
	Unlogged       int           `json:"unlogged"`
	VersionDrift   int           `json:"versionDrift"`
	Orphaned       int           `json:"orphaned"`
	CheckErrors    int           `json:"checkErrors"`
	Healthy        bool          `json:"healthy"`
	Duration       time.Duration `json:"durationMs"`
	Timestamp      time.Time     `json:"timestamp"`
	Unhealthy      []*Report     `json:"unhealthy,omitempty"`
}

// Runner reconciles every connected tenant in one pass.
type Runner struct {
	svc     *Service
	tenants TenantLister
}

// NewRunner creates a runner over the given service and tenant source.
func NewRunner(svc *Service, tenants TenantLister) *Runner {
	return &Runner{svc: svc, tenants: tenants}
}

// RunAll checks every connected tenant and publishes the aggregate gauges.
// A failing tenant is counted and skipped so one bad tenant cannot starve
// the rest.
func (r *Runner) RunAll(ctx context.Context) (*Summary, error) {
	start := time.Now()
	log := logging.L(ctx)

	ids, err := r.tenants.ConnectedTenantIDs(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list connected tenants: %w", err)
	}

	summary := &Summary{Timestamp: start.UTC()}
	for _, id := range ids {
		scope, err := mirror.NewScope(id)
		if err != nil {
			summary.CheckErrors++
			reconcileErrors.Inc()
			log.Warn("reconciliation skipped tenant", "tenant_id", id, "error", err)
			continue
		}
		report, err := r.svc.Check(ctx, scope)
		if err != nil {
			summary.CheckErrors++
			reconcileErrors.Inc()
			log.Warn("reconciliation check failed", "tenant_id", id, "error", err)
			continue
		}
		summary.TenantsChecked++
		summary.Unlogged += len(report.Unlogged)
		summary.VersionDrift += len(report.VersionDrift)
		summary.Orphaned += len(report.Orphaned)
		if !report.Healthy {
			summary.Unhealthy = append(summary.Unhealthy, report)
			log.Warn("reconciliation divergence",
				"tenant_id", id,
				"unlogged", len(report.Unlogged),
				"version_drift", len(report.VersionDrift),
				"orphaned", len(report.Orphaned))
		}
	}

	summary.Healthy = summary.Unlogged == 0 &&
		summary.VersionDrift == 0 &&
		summary.Orphaned == 0 &&
		summary.CheckErrors == 0
	summary.Duration = time.Since(start)

	reconcileUnloggedRows.Set(float64(summary.Unlogged))
	reconcileVersionDrift.Set(float64(summary.VersionDrift))
	reconcileOrphanedEntries.Set(float64(summary.Orphaned))
	reconcileDuration.Observe(summary.Duration.Seconds())

	return summary, nil
}
