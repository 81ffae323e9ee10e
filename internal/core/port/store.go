package port

import (
	"context"
	"time"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
)

// UsageStore is the durable registry, sample log and event log.
// Each method that touches one device's priority runs as a single transaction.
type UsageStore interface {
	// RecordSample appends a flushed window and creates or touches the device.
	RecordSample(ctx context.Context, ip string, rx, tx uint64) error

	// RecentSamples returns up to n samples for ip, oldest first.
	RecentSamples(ctx context.Context, ip string, n int) ([]domain.UsageSample, error)

	// RecentUsage returns up to n samples across all devices, newest first.
	RecentUsage(ctx context.Context, n int) ([]domain.UsageSample, error)

	// PruneUsage deletes samples older than the cutoff and reports how many were removed.
	PruneUsage(ctx context.Context, before time.Time) (int64, error)

	// UpsertDevice registers a discovered device. Existing devices keep their priority.
	UpsertDevice(ctx context.Context, device domain.Device) error

	// GetDevice returns domain.ErrDeviceNotFound for unknown addresses.
	GetDevice(ctx context.Context, ip string) (*domain.Device, error)

	ListDevices(ctx context.Context) ([]domain.Device, error)

	// SetPriorityUnlessBlocked stores the intended tier, creating the device
	// when needed. The check against the blocked set and the write happen in
	// one transaction; applied is false when ip is blocked.
	SetPriorityUnlessBlocked(ctx context.Context, ip string, tier domain.Tier) (applied bool, err error)

	// SetEnforcedTier records the last tier a backend applied successfully.
	SetEnforcedTier(ctx context.Context, ip string, tier domain.Tier) error

	// Block adds ip to the blocked set and sets its priority to TierBlocked.
	Block(ctx context.Context, ip, reason string) error

	// Unblock removes ip from the blocked set and resets its priority to TierNormal.
	Unblock(ctx context.Context, ip string) error

	IsBlocked(ctx context.Context, ip string) (bool, error)
	ListBlocked(ctx context.Context) ([]domain.BlockedDevice, error)

	AppendEvent(ctx context.Context, level domain.EventLevel, message string) error
	ListEvents(ctx context.Context, n int) ([]domain.Event, error)

	GetConfig(ctx context.Context, key, defaultValue string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	MetricsSummary(ctx context.Context, now time.Time) (domain.MetricsSummary, error)

	Close() error
}
