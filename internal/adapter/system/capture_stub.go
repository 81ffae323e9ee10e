//go:build !pcap

package system

import (
	"log/slog"

	"github.com/dshryn/bandwidth-allocator/internal/core/port"
)

// NewLiveCapture is unavailable without the pcap build tag.
func NewLiveCapture(string, *slog.Logger) (port.TrafficSampler, error) {
	return nil, ErrCaptureUnavailable
}
