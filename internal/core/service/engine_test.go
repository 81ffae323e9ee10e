package service_test

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adapter "github.com/dshryn/bandwidth-allocator/internal/adapter/repository"
	"github.com/dshryn/bandwidth-allocator/internal/adapter/system"
	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
	"github.com/dshryn/bandwidth-allocator/internal/core/service"
)

const (
	devA = "192.168.0.2"
	devB = "192.168.0.3"
)

var defaultThresholds = domain.Thresholds{High: 20000, Low: 500000}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []domain.TierChange
	alerts  []domain.Alert
	cycles  []domain.CycleSummary
}

func (p *recordingPublisher) PublishTierChange(_ context.Context, c domain.TierChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
}

func (p *recordingPublisher) PublishAlert(_ context.Context, a domain.Alert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
}

func (p *recordingPublisher) PublishCycle(_ context.Context, s domain.CycleSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycles = append(p.cycles, s)
}

func (p *recordingPublisher) Alerts() []domain.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Alert(nil), p.alerts...)
}

func (p *recordingPublisher) Changes() []domain.TierChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.TierChange(nil), p.changes...)
}

// panickyBackend wraps Simulated and panics for one address.
type panickyBackend struct {
	*system.Simulated
	ip string
}

func (b panickyBackend) Apply(ctx context.Context, ip string, tier domain.Tier, iface string) domain.EnforcementResult {
	if ip == b.ip {
		panic("driver exploded")
	}
	return b.Simulated.Apply(ctx, ip, tier, iface)
}

// blockOnCheckStore blocks ip during its first IsBlocked lookup but still
// answers false, as if an admin request landed between check and write.
type blockOnCheckStore struct {
	*adapter.MemoryStore
	ip   string
	once sync.Once
}

func (s *blockOnCheckStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	first := false
	if ip == s.ip {
		s.once.Do(func() { first = true })
	}
	if !first {
		return s.MemoryStore.IsBlocked(ctx, ip)
	}
	return false, s.MemoryStore.Block(ctx, ip, "manual")
}

// stallingBackend holds every Apply until release is closed and records the
// highest number of concurrent calls.
type stallingBackend struct {
	entered chan struct{}
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func newStallingBackend() *stallingBackend {
	return &stallingBackend{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *stallingBackend) Name() string { return "stalling" }

func (b *stallingBackend) Apply(context.Context, string, domain.Tier, string) domain.EnforcementResult {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return domain.EnforcementResult{}
}

type fakeScanner struct {
	devices []domain.Device
	err     error
}

func (s fakeScanner) Scan(context.Context) ([]domain.Device, error) {
	return s.devices, s.err
}

type fixture struct {
	engine    *service.Engine
	store     *adapter.MemoryStore
	backend   *system.Simulated
	publisher *recordingPublisher
}

func newFixture(t *testing.T, mutate func(*service.EngineDeps, *service.EngineConfig)) *fixture {
	t.Helper()

	f := &fixture{
		store:     adapter.NewMemoryStore(),
		backend:   system.NewSimulated(),
		publisher: &recordingPublisher{},
	}
	deps := service.EngineDeps{
		Store:     f.store,
		Backend:   f.backend,
		Publisher: f.publisher,
	}
	cfg := service.EngineConfig{
		Thresholds: defaultThresholds,
		AutoMode:   true,
		Interval:   10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&deps, &cfg)
	}
	f.engine = service.NewEngine(deps, cfg)
	return f
}

// cycle feeds one window for ip and runs a flush.
func (f *fixture) cycle(t *testing.T, ip string, total uint64) domain.CycleSummary {
	t.Helper()
	f.engine.RecordWindow(ip, total, 0)
	return f.engine.RunCycle(context.Background())
}

func (f *fixture) setPriority(t *testing.T, ip string, tier domain.Tier) {
	t.Helper()
	applied, err := f.store.SetPriorityUnlessBlocked(context.Background(), ip, tier)
	require.NoError(t, err)
	require.True(t, applied)
}

func (f *fixture) priority(t *testing.T, ip string) domain.Tier {
	t.Helper()
	d, err := f.store.GetDevice(context.Background(), ip)
	require.NoError(t, err)
	return d.Priority
}

func (f *fixture) events(t *testing.T, level domain.EventLevel) []string {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), 1000)
	require.NoError(t, err)
	var out []string
	for _, e := range events {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

func TestEngineImprovementWaitsForVotesDegradationDoesNot(t *testing.T) {
	const ip = "10.0.0.5"
	f := newFixture(t, nil)

	f.cycle(t, ip, 5000)
	f.cycle(t, ip, 6000)
	assert.Equal(t, domain.TierNormal, f.priority(t, ip), "two votes are not a majority of three")
	assert.Empty(t, f.backend.Calls())

	summary := f.cycle(t, ip, 7000)
	assert.Equal(t, 1, summary.Changed)
	assert.Equal(t, domain.TierHigh, f.priority(t, ip))

	f.cycle(t, ip, 8000)
	assert.Equal(t, domain.TierHigh, f.priority(t, ip))

	f.cycle(t, ip, 300000)
	assert.Equal(t, domain.TierNormal, f.priority(t, ip), "degradation commits in the same cycle")

	assert.Equal(t, []system.SimulatedCall{
		{IP: ip, Tier: domain.TierHigh, Iface: ""},
		{IP: ip, Tier: domain.TierNormal, Iface: ""},
	}, f.backend.Calls())

	assert.NotEmpty(t, f.events(t, domain.EventDebug), "held cycles are logged")
	auto := f.events(t, domain.EventAuto)
	require.Len(t, auto, 2)
	assert.Equal(t, "Smart allocator set 10.0.0.5 -> Normal (was High)", auto[0])
}

func TestEngineBlockedDeviceIgnoresIdleTraffic(t *testing.T) {
	const ip = "10.0.0.9"
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.engine.Block(ctx, ip, "manual"))
	// a nearly idle device would otherwise classify as High
	for range 3 {
		f.cycle(t, ip, 1)
	}

	assert.Equal(t, domain.TierBlocked, f.priority(t, ip))
	blocked, err := f.store.ListBlocked(ctx)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "manual", blocked[0].Reason)
}

func TestEngineBlockDuringEvaluationWins(t *testing.T) {
	const ip = "10.0.0.9"
	inner := adapter.NewMemoryStore()
	f := newFixture(t, func(deps *service.EngineDeps, _ *service.EngineConfig) {
		deps.Store = &blockOnCheckStore{MemoryStore: inner, ip: ip}
	})
	ctx := context.Background()

	f.engine.RecordWindow(ip, 900000, 0)
	summary := f.engine.RunCycle(ctx)

	assert.Zero(t, summary.Changed)
	assert.Zero(t, summary.Failures)
	d, err := inner.GetDevice(ctx, ip)
	require.NoError(t, err)
	assert.Equal(t, domain.TierBlocked, d.Priority, "the block is not overwritten by the reclassification")
	assert.Empty(t, f.backend.Calls(), "no non-zero tier reaches the backend for a blocked device")
	assert.Empty(t, f.engine.Gate().Votes(ip))
}

func TestEngineAnomalyForcesLowImmediately(t *testing.T) {
	f := newFixture(t, nil)

	for range 5 {
		f.cycle(t, devA, 100000)
	}
	assert.Equal(t, domain.TierNormal, f.priority(t, devA))
	assert.Empty(t, f.publisher.Alerts())

	f.cycle(t, devA, 450000)

	assert.Equal(t, domain.TierLow, f.priority(t, devA))
	alerts := f.publisher.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, devA, alerts[0].IP)
	assert.Equal(t, uint64(450000), alerts[0].Recent)
	assert.InDelta(t, 100000, alerts[0].Mean, 1e-6)

	alertEvents := f.events(t, domain.EventAlert)
	require.Len(t, alertEvents, 1)
	assert.Contains(t, alertEvents[0], "Anomaly detected (2σ spike) 192.168.0.2")
}

func TestEngineBlockedDeviceIsNeverReclassified(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.engine.Block(ctx, devA, ""))
	for range 100 {
		f.cycle(t, devA, 1000)
	}

	assert.Equal(t, domain.TierBlocked, f.priority(t, devA))
	calls := f.backend.Calls()
	require.Len(t, calls, 1, "only the block itself reaches the backend")
	assert.Equal(t, domain.TierBlocked, calls[0].Tier)

	blocked, err := f.store.ListBlocked(ctx)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "admin_block", blocked[0].Reason)
}

func TestEngineUnblockRestoresNormal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.engine.Block(ctx, devA, "abuse"))
	require.NoError(t, f.engine.Unblock(ctx, devA))

	assert.Equal(t, domain.TierNormal, f.priority(t, devA))
	blocked, err := f.store.IsBlocked(ctx, devA)
	require.NoError(t, err)
	assert.False(t, blocked)

	tier, ok := f.backend.Applied(devA)
	require.True(t, ok)
	assert.Equal(t, domain.TierNormal, tier)

	changes := f.publisher.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, "block", changes[0].Source)
	assert.Equal(t, "unblock", changes[1].Source)
}

func TestEngineStoredBlockedPriorityIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.setPriority(t, devA, domain.TierBlocked)

	for range 5 {
		f.cycle(t, devA, 1000)
	}

	assert.Equal(t, domain.TierBlocked, f.priority(t, devA))
	assert.Empty(t, f.backend.Calls())
}

func TestEngineEnforcementFailureKeepsIntendedTier(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.backend.FailFor(devA, domain.EnforcementResult{Code: 2, Message: "RTNETLINK answers: Operation not permitted"})

	for range 3 {
		f.engine.RecordWindow(devB, 1000, 0)
		f.cycle(t, devA, 1000)
	}

	assert.Equal(t, domain.TierHigh, f.priority(t, devA), "priority is persisted even though enforcement failed")
	d, err := f.store.GetDevice(ctx, devA)
	require.NoError(t, err)
	assert.Equal(t, domain.TierNever, d.EnforcedTier)
	assert.Equal(t, domain.TierHigh, f.priority(t, devB))

	errs := f.events(t, domain.EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "Operation not permitted")

	f.backend.FailFor(devA, domain.EnforcementResult{})
	fixed, err := f.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)

	d, err = f.store.GetDevice(ctx, devA)
	require.NoError(t, err)
	assert.Equal(t, domain.TierHigh, d.EnforcedTier)

	fixed, err = f.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, fixed, "reconcile is a no-op once enforcement matches")
}

func TestEnginePanicInOneDeviceDoesNotAbortCycle(t *testing.T) {
	sim := system.NewSimulated()
	f := newFixture(t, func(deps *service.EngineDeps, _ *service.EngineConfig) {
		deps.Backend = panickyBackend{Simulated: sim, ip: devA}
	})
	ctx := context.Background()
	f.setPriority(t, devA, domain.TierHigh)
	f.setPriority(t, devB, domain.TierHigh)

	f.engine.RecordWindow(devA, 900000, 0)
	f.engine.RecordWindow(devB, 900000, 0)
	summary := f.engine.RunCycle(ctx)

	assert.Equal(t, 2, summary.Flushed)
	assert.Equal(t, 2, summary.Changed)
	assert.Equal(t, domain.TierLow, f.priority(t, devA))
	assert.Equal(t, domain.TierLow, f.priority(t, devB))

	tier, ok := sim.Applied(devB)
	require.True(t, ok)
	assert.Equal(t, domain.TierLow, tier)

	errs := f.events(t, domain.EventError)
	require.NotEmpty(t, errs)
	assert.Contains(t, strings.Join(errs, "\n"), "backend panic")
}

func TestEngineAutoModeOffStillRecordsUsage(t *testing.T) {
	f := newFixture(t, func(_ *service.EngineDeps, cfg *service.EngineConfig) {
		cfg.AutoMode = false
	})
	ctx := context.Background()

	for range 5 {
		f.cycle(t, devA, 1000)
	}

	assert.Equal(t, domain.TierNormal, f.priority(t, devA))
	assert.Empty(t, f.backend.Calls())
	assert.Equal(t, 5, f.engine.History().Len(devA))

	samples, err := f.store.RecentSamples(ctx, devA, 10)
	require.NoError(t, err)
	assert.Len(t, samples, 5)
}

func TestEngineRefusesAutoModeWithInvalidThresholds(t *testing.T) {
	f := newFixture(t, func(_ *service.EngineDeps, cfg *service.EngineConfig) {
		cfg.Thresholds = domain.Thresholds{High: 500000, Low: 20000}
	})
	ctx := context.Background()

	assert.False(t, f.engine.AutoMode())
	err := f.engine.SetAutoMode(ctx, true)
	require.ErrorIs(t, err, domain.ErrInvalidThresholds)
	assert.False(t, f.engine.AutoMode())

	require.NoError(t, f.engine.SetAutoMode(ctx, false))

	// a persisted "true" from an earlier run is refused at start
	require.NoError(t, f.store.SetConfig(ctx, "auto_mode", "true"))
	require.NoError(t, f.engine.Start(ctx))
	defer f.engine.Stop()
	assert.False(t, f.engine.AutoMode())
	assert.NotEmpty(t, f.events(t, domain.EventError))
}

func TestEngineSetAutoModePersists(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.engine.SetAutoMode(ctx, false))

	v, err := f.store.GetConfig(ctx, "auto_mode", "")
	require.NoError(t, err)
	assert.Equal(t, "false", v)

	require.NoError(t, f.engine.Start(ctx))
	defer f.engine.Stop()
	assert.False(t, f.engine.AutoMode(), "the persisted flag wins over the configured default")
}

func TestEngineStartStop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.engine.Start(ctx))
	assert.ErrorIs(t, f.engine.Start(ctx), service.ErrEngineRunning)
	assert.True(t, f.engine.Status().Running)

	f.engine.RecordWindow(devA, 1000, 0)
	require.Eventually(t, func() bool {
		return f.engine.Status().LastCycleAt != "" && f.engine.History().Has(devA)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.engine.Stop())
	assert.ErrorIs(t, f.engine.Stop(), service.ErrEngineNotRunning)
	assert.False(t, f.engine.Status().Running)

	info := f.events(t, domain.EventInfo)
	assert.Contains(t, info, "Monitor started (Smart Allocator ON)")
	assert.Contains(t, info, "Monitor stopped")
}

func TestEngineStopTimeoutKeepsDrainingLoop(t *testing.T) {
	backend := newStallingBackend()
	f := newFixture(t, func(deps *service.EngineDeps, cfg *service.EngineConfig) {
		deps.Backend = backend
		cfg.StopTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, f.engine.Start(ctx))
	f.engine.RecordWindow(devA, 900000, 0)
	select {
	case <-backend.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("no cycle reached the backend")
	}

	err := f.engine.Stop()
	require.Error(t, err)
	assert.NotErrorIs(t, err, service.ErrEngineNotRunning)

	status := f.engine.Status()
	assert.False(t, status.Running)
	assert.True(t, status.Stopping)
	assert.ErrorIs(t, f.engine.Start(ctx), service.ErrEngineStopping)

	close(backend.release)
	require.Eventually(t, func() bool { return !f.engine.Stopping() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.engine.Start(ctx))
	require.NoError(t, f.engine.Stop())
	assert.EqualValues(t, 1, backend.peak.Load(), "only one loop ever applies tiers")
}

func TestEngineStartSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, f.engine.Start(ctx))
	cancel()

	f.engine.RecordWindow(devA, 1000, 0)
	require.Eventually(t, func() bool {
		return f.engine.History().Has(devA)
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.engine.Stop())
}

func TestEngineStartRestoresBlockedDevices(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.Block(ctx, devB, "admin_block"))

	require.NoError(t, f.engine.Start(ctx))
	defer f.engine.Stop()

	tier, ok := f.backend.Applied(devB)
	require.True(t, ok)
	assert.Equal(t, domain.TierBlocked, tier)
}

func TestEngineSamplerFeedsWindows(t *testing.T) {
	gen := system.NewSyntheticGenerator(system.DefaultProfiles([]string{devA, devB}), 5*time.Millisecond, 1)
	f := newFixture(t, func(deps *service.EngineDeps, cfg *service.EngineConfig) {
		deps.Sampler = gen
		cfg.AutoMode = false
	})

	require.NoError(t, f.engine.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.engine.History().Has(devA) && f.engine.History().Has(devB)
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.engine.Stop())

	assert.Equal(t, "synthetic", f.engine.Status().Sampler)
}

func TestEngineSetPriorityManual(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.cycle(t, devA, 1000)
	f.cycle(t, devA, 1000)
	require.Len(t, f.engine.Gate().Votes(devA), 2)

	res, err := f.engine.SetPriorityManual(ctx, devA, domain.TierLow, "wlan0")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Empty(t, f.engine.Gate().Votes(devA), "manual changes clear pending votes")
	assert.Equal(t, domain.TierLow, f.priority(t, devA))

	calls := f.backend.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "wlan0", calls[0].Iface)
	assert.Contains(t, f.events(t, domain.EventInfo), "Priority set 192.168.0.2 -> 3")
}

func TestEngineSetPriorityManualRefusesBlockedDevice(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.engine.Block(ctx, devA, "abuse"))

	_, err := f.engine.SetPriorityManual(ctx, devA, domain.TierHigh, "")
	require.ErrorIs(t, err, service.ErrDeviceBlocked)
	assert.Equal(t, domain.TierBlocked, f.priority(t, devA))

	calls := f.backend.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.TierBlocked, calls[0].Tier)
	assert.Contains(t, f.events(t, domain.EventInfo), "Priority change for 192.168.0.2 refused: device is blocked")

	fixed, err := f.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, fixed)
}

func TestEngineSetPriorityManualValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.SetPriorityManual(ctx, devA, domain.Tier(4), "")
	assert.ErrorIs(t, err, domain.ErrInvalidTier)

	_, err = f.engine.SetPriorityManual(ctx, "not-an-ip", domain.TierHigh, "")
	assert.ErrorIs(t, err, service.ErrInvalidIP)

	assert.Error(t, f.engine.Block(ctx, "", ""))
	assert.Empty(t, f.backend.Calls())
}

func TestEngineSetPriorityManualReportsEnforcementFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.FailFor(devA, domain.EnforcementResult{Code: 127, Message: "tc: not found"})

	res, err := f.engine.SetPriorityManual(context.Background(), devA, domain.TierHigh, "")

	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, 127, res.Code)
	assert.Equal(t, domain.TierHigh, f.priority(t, devA))
}

func TestEngineObserveFiltersLocalNetworks(t *testing.T) {
	f := newFixture(t, func(_ *service.EngineDeps, cfg *service.EngineConfig) {
		cfg.LocalNetworks = []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")}
		cfg.AutoMode = false
	})

	f.engine.Observe("8.8.8.8", "192.168.1.5", 1500)
	f.engine.Observe("192.168.1.5", "8.8.8.8", 500)
	f.engine.Observe("192.168.1.5", "192.168.1.6", 100)
	f.engine.RunCycle(context.Background())

	assert.Equal(t, uint64(2100), f.engine.History().Latest("192.168.1.5"))
	assert.Equal(t, uint64(100), f.engine.History().Latest("192.168.1.6"))
	assert.False(t, f.engine.History().Has("8.8.8.8"))
	assert.Equal(t, 2, f.engine.History().Tracked())
}

func TestEngineDiscover(t *testing.T) {
	scanner := fakeScanner{devices: []domain.Device{
		{IP: devA, MACAddress: "aa:bb:cc:dd:ee:01", Hostname: "laptop"},
		{IP: "203.0.113.9", MACAddress: "aa:bb:cc:dd:ee:02"},
	}}
	f := newFixture(t, func(deps *service.EngineDeps, cfg *service.EngineConfig) {
		deps.Scanner = scanner
		cfg.LocalNetworks = []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")}
	})
	ctx := context.Background()

	found, err := f.engine.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)

	d, err := f.store.GetDevice(ctx, devA)
	require.NoError(t, err)
	assert.Equal(t, "laptop", d.Hostname)
	assert.Equal(t, domain.TierNormal, d.Priority)
	assert.Contains(t, f.events(t, domain.EventInfo), "Discovered device 192.168.0.2 (laptop)")
}

func TestEngineDiscoverResetsReassignedAddress(t *testing.T) {
	scanner := &fakeScanner{devices: []domain.Device{{IP: devA, MACAddress: "aa:bb:cc:dd:ee:01"}}}
	f := newFixture(t, func(deps *service.EngineDeps, _ *service.EngineConfig) {
		deps.Scanner = scanner
	})
	ctx := context.Background()

	_, err := f.engine.Discover(ctx)
	require.NoError(t, err)
	_, err = f.engine.SetPriorityManual(ctx, devA, domain.TierLow, "")
	require.NoError(t, err)

	scanner.devices = []domain.Device{{IP: devA, MACAddress: "aa:bb:cc:dd:ee:99"}}
	_, err = f.engine.Discover(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.TierNormal, f.priority(t, devA), "a new machine does not inherit the old tier")
	d, err := f.store.GetDevice(ctx, devA)
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:99", d.MACAddress)
}

func TestEngineDiscoverWithoutScanner(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.Discover(context.Background())
	assert.ErrorIs(t, err, service.ErrNoScanner)
}

func TestEngineDiscoverScanError(t *testing.T) {
	f := newFixture(t, func(deps *service.EngineDeps, _ *service.EngineConfig) {
		deps.Scanner = fakeScanner{err: errors.New("arp: permission denied")}
	})
	_, err := f.engine.Discover(context.Background())
	assert.ErrorContains(t, err, "permission denied")
}
