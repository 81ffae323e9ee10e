package system

import (
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/dshryn/bandwidth-allocator/internal/core/port"
)

// ErrCaptureUnavailable is returned when live capture is not compiled in or
// the interface cannot be opened.
var ErrCaptureUnavailable = errors.New("live packet capture unavailable")

// observePacket accounts one captured packet: its full wire length counts as
// tx for the IPv4 source and rx for the destination. Non-IPv4 traffic is ignored.
func observePacket(sink port.PacketSink, packet gopacket.Packet) bool {
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return false
	}
	ip, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return false
	}

	length := packet.Metadata().Length
	if length == 0 {
		length = len(packet.Data())
	}
	sink.Observe(ip.SrcIP.String(), ip.DstIP.String(), length)
	return true
}
