package port

import (
	"context"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
)

// EnforcementBackend programs OS-level rate limiting for one device.
// Apply must be idempotent for a repeated (ip, tier) and must never panic or
// return an error: failures are reported through a non-zero result code.
type EnforcementBackend interface {
	Name() string
	Apply(ctx context.Context, ip string, tier domain.Tier, iface string) domain.EnforcementResult
}

// PacketSink receives traffic observations from a sampler.
type PacketSink interface {
	// Observe accounts length bytes as tx for src and rx for dst.
	Observe(src, dst string, length int)
}

// TrafficSampler feeds a PacketSink until ctx is cancelled.
type TrafficSampler interface {
	Name() string
	Run(ctx context.Context, sink PacketSink) error
}

// DeviceScanner discovers devices on the local network.
type DeviceScanner interface {
	Scan(ctx context.Context) ([]domain.Device, error)
}

// HostCounters reads interface-wide byte counters of the host.
type HostCounters interface {
	Counters(iface string) (rx uint64, tx uint64, err error)
}

// EventPublisher fans engine events out to live consumers. Implementations
// must not block the caller for long and must swallow their own errors.
type EventPublisher interface {
	PublishTierChange(ctx context.Context, change domain.TierChange)
	PublishAlert(ctx context.Context, alert domain.Alert)
	PublishCycle(ctx context.Context, summary domain.CycleSummary)
}
