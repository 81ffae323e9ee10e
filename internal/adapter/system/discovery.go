package system

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
	"github.com/dshryn/bandwidth-allocator/internal/core/port"
)

const (
	procARPPath      = "/proc/net/arp"
	resolverWorkers  = 20
	reverseDNSBudget = 2 * time.Second
)

// ARPEntry is one neighbour table row.
type ARPEntry struct {
	IP  string
	MAC string
}

// Resolver performs reverse lookups. *net.Resolver satisfies it.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// ARPScanner reads the host neighbour table and resolves hostnames.
type ARPScanner struct {
	runner   CommandRunner
	resolver Resolver
	log      *slog.Logger
	procPath string
}

var _ port.DeviceScanner = (*ARPScanner)(nil)

func NewARPScanner(runner CommandRunner, resolver Resolver, logger *slog.Logger) *ARPScanner {
	if runner == nil {
		runner = ExecRunner{}
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ARPScanner{
		runner:   runner,
		resolver: resolver,
		log:      logger.With("component", "discovery"),
		procPath: procARPPath,
	}
}

// Scan lists neighbours and resolves their hostnames with a bounded worker
// pool. Lookup failures leave the hostname empty.
func (s *ARPScanner) Scan(ctx context.Context) ([]domain.Device, error) {
	entries, err := s.readTable(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	devices := make([]domain.Device, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolverWorkers)
	for i, entry := range entries {
		devices[i] = domain.Device{
			IP:           entry.IP,
			MACAddress:   entry.MAC,
			Priority:     domain.TierNormal,
			EnforcedTier: domain.TierNever,
			LastSeen:     now,
		}
		g.Go(func() error {
			devices[i].Hostname = s.lookup(gctx, entry.IP)
			return nil
		})
	}
	_ = g.Wait()

	s.log.Debug("neighbour table scanned", "devices", len(devices))
	return devices, nil
}

func (s *ARPScanner) lookup(ctx context.Context, ip string) string {
	ctx, cancel := context.WithTimeout(ctx, reverseDNSBudget)
	defer cancel()

	names, err := s.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

func (s *ARPScanner) readTable(ctx context.Context) ([]ARPEntry, error) {
	if runtime.GOOS == "linux" {
		if f, err := os.Open(s.procPath); err == nil {
			defer f.Close()
			return ParseProcARP(f)
		}
	}

	output, _, err := s.runner.Run(ctx, "arp", "-a")
	if err != nil {
		return nil, fmt.Errorf("failed to read arp table: %w", err)
	}
	return ParseARPOutput(output), nil
}

// ParseProcARP parses the Linux /proc/net/arp format. Incomplete entries
// (all-zero MAC) are skipped, and a neighbour listed on several interfaces
// is reported once.
func ParseProcARP(r io.Reader) ([]ARPEntry, error) {
	var entries []ARPEntry
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(r)
	header := true
	for scanner.Scan() {
		if header {
			header = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		ip, mac := fields[0], strings.ToLower(fields[3])
		if net.ParseIP(ip) == nil || mac == "00:00:00:00:00:00" || seen[ip] {
			continue
		}
		seen[ip] = true
		entries = append(entries, ARPEntry{IP: ip, MAC: mac})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read arp table: %w", err)
	}
	return entries, nil
}

// ParseARPOutput understands both the BSD/Linux "? (ip) at mac ..." form and
// the Windows "ip  mac  type" table.
func ParseARPOutput(output string) []ARPEntry {
	var entries []ARPEntry
	seen := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		entry, ok := parseARPLine(strings.TrimSpace(line))
		if !ok || seen[entry.IP] {
			continue
		}
		seen[entry.IP] = true
		entries = append(entries, entry)
	}
	return entries
}

func parseARPLine(line string) (ARPEntry, bool) {
	if open := strings.Index(line, "("); open >= 0 {
		end := strings.Index(line, ")")
		at := strings.Index(line, " at ")
		if end <= open || at < 0 {
			return ARPEntry{}, false
		}
		rest := strings.Fields(line[at+4:])
		if len(rest) == 0 {
			return ARPEntry{}, false
		}
		return normalizeEntry(line[open+1:end], rest[0])
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ARPEntry{}, false
	}
	return normalizeEntry(fields[0], fields[1])
}

func normalizeEntry(ip, mac string) (ARPEntry, bool) {
	if net.ParseIP(ip) == nil {
		return ARPEntry{}, false
	}
	mac = strings.ToLower(strings.ReplaceAll(mac, "-", ":"))
	hw, err := net.ParseMAC(mac)
	if err != nil || isZeroOrBroadcast(hw) {
		return ARPEntry{}, false
	}
	return ARPEntry{IP: ip, MAC: hw.String()}, true
}

func isZeroOrBroadcast(hw net.HardwareAddr) bool {
	zero, bcast := true, true
	for _, b := range hw {
		if b != 0 {
			zero = false
		}
		if b != 0xff {
			bcast = false
		}
	}
	return zero || bcast
}
