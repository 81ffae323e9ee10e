//go:build pcap

package system

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"github.com/dshryn/bandwidth-allocator/internal/core/port"
)

const (
	captureSnaplen = 128
	captureTimeout = 500 * time.Millisecond
)

// LiveCapture sniffs IPv4 traffic on an interface with libpcap.
// Build with: go build -tags pcap
type LiveCapture struct {
	iface string
	log   *slog.Logger
}

// NewLiveCapture checks that the interface can be opened before returning a sampler.
func NewLiveCapture(iface string, logger *slog.Logger) (port.TrafficSampler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	handle, err := pcap.OpenLive(iface, captureSnaplen, true, captureTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	handle.Close()
	return &LiveCapture{iface: iface, log: logger.With("sampler", "live")}, nil
}

func (c *LiveCapture) Name() string { return "live" }

func (c *LiveCapture) Run(ctx context.Context, sink port.PacketSink) error {
	handle, err := pcap.OpenLive(c.iface, captureSnaplen, true, captureTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	defer handle.Close()

	if err := handle.SetBPFFilter("ip"); err != nil {
		c.log.Warn("could not set capture filter", "error", err)
	}

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	packets := source.Packets()
	c.log.Info("capture started", "iface", c.iface)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case packet, ok := <-packets:
			if !ok {
				return nil
			}
			observePacket(sink, packet)
		}
	}
}
