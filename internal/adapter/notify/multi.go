package notify

import (
	"context"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
	"github.com/dshryn/bandwidth-allocator/internal/core/port"
)

// Multi fans events out to every publisher in order.
type Multi []port.EventPublisher

var _ port.EventPublisher = Multi(nil)

func NewMulti(publishers ...port.EventPublisher) Multi {
	out := make(Multi, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (m Multi) PublishTierChange(ctx context.Context, change domain.TierChange) {
	for _, p := range m {
		p.PublishTierChange(ctx, change)
	}
}

func (m Multi) PublishAlert(ctx context.Context, alert domain.Alert) {
	for _, p := range m {
		p.PublishAlert(ctx, alert)
	}
}

func (m Multi) PublishCycle(ctx context.Context, summary domain.CycleSummary) {
	for _, p := range m {
		p.PublishCycle(ctx, summary)
	}
}
