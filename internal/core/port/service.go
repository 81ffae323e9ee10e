package port

import (
	"context"
	"time"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
)

// EngineStatus is a point-in-time view of the allocation engine.
type EngineStatus struct {
	Running     bool              `json:"running"`
	Stopping    bool              `json:"stopping"`
	AutoMode    bool              `json:"auto_mode"`
	Sampler     string            `json:"sampler"`
	Backend     string            `json:"backend"`
	Interface   string            `json:"interface"`
	Interval    string            `json:"interval"`
	Thresholds  domain.Thresholds `json:"thresholds"`
	Tracked     int               `json:"tracked_devices"`
	LastCycleAt string            `json:"last_cycle_at,omitempty"`
}

// AllocationService is the control surface exposed to the HTTP layer.
type AllocationService interface {
	Start(ctx context.Context) error
	Stop() error
	Status() EngineStatus

	AutoMode() bool
	SetAutoMode(ctx context.Context, enabled bool) error

	Block(ctx context.Context, ip, reason string) error
	Unblock(ctx context.Context, ip string) error
	SetPriorityManual(ctx context.Context, ip string, tier domain.Tier, iface string) (domain.EnforcementResult, error)

	Discover(ctx context.Context) ([]domain.Device, error)
}

// AnomalyLog reads back stored anomaly alerts, newest first.
type AnomalyLog interface {
	RecentAnomalies(ctx context.Context, ip string, limit int) ([]domain.Alert, error)
}

// JobInfo describes one scheduled maintenance job.
type JobInfo struct {
	Name    string     `json:"name"`
	Spec    string     `json:"spec"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

// JobSchedule lists the registered maintenance jobs.
type JobSchedule interface {
	Schedule() []JobInfo
}
