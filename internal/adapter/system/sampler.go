package system

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dshryn/bandwidth-allocator/internal/core/port"
)

// SamplerOptions select the traffic source.
type SamplerOptions struct {
	Kind         string // auto, live, synthetic
	Interface    string
	SyntheticIPs []string
	Logger       *slog.Logger
}

// NewSampler probes for live capture once at startup. In auto mode an
// unavailable capture falls back to the synthetic generator.
func NewSampler(opts SamplerOptions) (port.TrafficSampler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	synthetic := func() port.TrafficSampler {
		ips := opts.SyntheticIPs
		if len(ips) == 0 {
			ips = DefaultSyntheticIPs
		}
		return NewSyntheticGenerator(DefaultProfiles(ips), time.Second, uint64(time.Now().UnixNano()))
	}

	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "synthetic":
		return synthetic(), nil
	case "live":
		return NewLiveCapture(opts.Interface, logger)
	case "", "auto":
		live, err := NewLiveCapture(opts.Interface, logger)
		if err == nil {
			return live, nil
		}
		logger.Warn("live capture unavailable, using synthetic traffic", "iface", opts.Interface, "error", err)
		return synthetic(), nil
	default:
		return nil, fmt.Errorf("unknown sampler %q", opts.Kind)
	}
}
