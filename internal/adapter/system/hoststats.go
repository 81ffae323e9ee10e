package system

import (
	"fmt"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/dshryn/bandwidth-allocator/internal/core/port"
)

// HostInterfaceCounters reads cumulative interface counters through gopsutil.
type HostInterfaceCounters struct{}

var _ port.HostCounters = HostInterfaceCounters{}

// Counters returns received and sent bytes for iface. An empty name sums all interfaces.
func (HostInterfaceCounters) Counters(iface string) (uint64, uint64, error) {
	stats, err := psnet.IOCounters(iface != "")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read interface counters: %w", err)
	}

	var rx, tx uint64
	for _, s := range stats {
		if iface != "" && s.Name != iface {
			continue
		}
		rx += s.BytesRecv
		tx += s.BytesSent
		if iface != "" {
			return rx, tx, nil
		}
	}
	if iface != "" {
		return 0, 0, fmt.Errorf("interface %q not found", iface)
	}
	return rx, tx, nil
}
