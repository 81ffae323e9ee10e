package adapter

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
	"github.com/dshryn/bandwidth-allocator/internal/core/port"
)

// MemoryStore is a process-local UsageStore for tests and throwaway runs.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*domain.Device
	usage   []domain.UsageSample
	blocked map[string]domain.BlockedDevice
	events  []domain.Event
	config  map[string]string
	nextID  int64
	now     func() time.Time
}

var _ port.UsageStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*domain.Device),
		blocked: make(map[string]domain.BlockedDevice),
		config:  make(map[string]string),
		now:     time.Now,
	}
}

// device returns the record for ip, creating it at Normal. Caller holds mu.
func (m *MemoryStore) device(ip string) *domain.Device {
	d, ok := m.devices[ip]
	if !ok {
		d = &domain.Device{
			IP:           ip,
			Priority:     domain.TierNormal,
			EnforcedTier: domain.TierNever,
			LastSeen:     m.now(),
		}
		m.devices[ip] = d
	}
	return d
}

func (m *MemoryStore) RecordSample(_ context.Context, ip string, rx, tx uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.now()
	m.usage = append(m.usage, domain.UsageSample{IP: ip, Timestamp: ts, RxBytes: rx, TxBytes: tx})
	m.device(ip).LastSeen = ts
	return nil
}

func (m *MemoryStore) RecentSamples(_ context.Context, ip string, n int) ([]domain.UsageSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []domain.UsageSample{}
	for i := len(m.usage) - 1; i >= 0 && len(out) < n; i-- {
		if m.usage[i].IP == ip {
			out = append(out, m.usage[i])
		}
	}
	slices.Reverse(out)
	return out, nil
}

func (m *MemoryStore) RecentUsage(_ context.Context, n int) ([]domain.UsageSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []domain.UsageSample{}
	for i := len(m.usage) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.usage[i])
	}
	return out, nil
}

func (m *MemoryStore) PruneUsage(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.usage[:0]
	var removed int64
	for _, s := range m.usage {
		if s.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.usage = kept
	return removed, nil
}

func (m *MemoryStore) UpsertDevice(_ context.Context, device domain.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.device(device.IP)
	if device.MACAddress != "" {
		d.MACAddress = device.MACAddress
	}
	if device.Hostname != "" {
		d.Hostname = device.Hostname
	}
	if !device.LastSeen.IsZero() {
		d.LastSeen = device.LastSeen
	}
	return nil
}

func (m *MemoryStore) GetDevice(_ context.Context, ip string) (*domain.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[ip]
	if !ok {
		return nil, domain.ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDevices(_ context.Context) ([]domain.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	slices.SortFunc(out, func(a, b domain.Device) int { return strings.Compare(a.IP, b.IP) })
	return out, nil
}

func (m *MemoryStore) SetPriorityUnlessBlocked(_ context.Context, ip string, tier domain.Tier) (bool, error) {
	if !tier.Valid() {
		return false, domain.ErrInvalidTier
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.device(ip)
	if _, blocked := m.blocked[ip]; blocked {
		return false, nil
	}
	d.Priority = tier
	return true, nil
}

func (m *MemoryStore) SetEnforcedTier(_ context.Context, ip string, tier domain.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.devices[ip]; ok {
		d.EnforcedTier = tier
	}
	return nil
}

func (m *MemoryStore) Block(_ context.Context, ip, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocked[ip] = domain.BlockedDevice{IP: ip, Reason: reason, BlockedAt: m.now()}
	m.device(ip).Priority = domain.TierBlocked
	return nil
}

func (m *MemoryStore) Unblock(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blocked, ip)
	m.device(ip).Priority = domain.TierNormal
	return nil
}

func (m *MemoryStore) IsBlocked(_ context.Context, ip string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.blocked[ip]
	return ok, nil
}

func (m *MemoryStore) ListBlocked(_ context.Context) ([]domain.BlockedDevice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.BlockedDevice, 0, len(m.blocked))
	for _, b := range m.blocked {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b domain.BlockedDevice) int { return b.BlockedAt.Compare(a.BlockedAt) })
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, level domain.EventLevel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.events = append(m.events, domain.Event{ID: m.nextID, Timestamp: m.now(), Level: level, Message: message})
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, n int) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []domain.Event{}
	for i := len(m.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

func (m *MemoryStore) GetConfig(_ context.Context, key, defaultValue string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.config[key]; ok {
		return v, nil
	}
	return defaultValue, nil
}

func (m *MemoryStore) SetConfig(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config[key] = value
	return nil
}

func (m *MemoryStore) MetricsSummary(_ context.Context, at time.Time) (domain.MetricsSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := domain.MetricsSummary{
		TotalDevices:   len(m.devices),
		BlockedDevices: len(m.blocked),
	}

	active := make(map[string]struct{})
	var sum, count int64
	hourAgo, fiveMinAgo := at.Add(-time.Hour), at.Add(-5*time.Minute)
	for _, s := range m.usage {
		if !s.Timestamp.Before(hourAgo) {
			active[s.IP] = struct{}{}
		}
		if !s.Timestamp.Before(fiveMinAgo) {
			sum += int64(s.RxBytes + s.TxBytes)
			count++
		}
	}
	summary.ActiveDevices = len(active)
	if count > 0 {
		summary.AvgBytesPerSample = sum / count
	}
	return summary, nil
}

func (m *MemoryStore) Close() error { return nil }
