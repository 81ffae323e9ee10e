package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
	"github.com/dshryn/bandwidth-allocator/internal/core/port"
	"github.com/dshryn/bandwidth-allocator/internal/metrics"
)

const (
	configKeyAutoMode  = "auto_mode"
	DefaultInterval    = 2 * time.Second
	DefaultStopTimeout = 2 * time.Second
)

var (
	ErrEngineRunning    = errors.New("allocation engine already running")
	ErrEngineNotRunning = errors.New("allocation engine not running")
	ErrEngineStopping   = errors.New("allocation engine is still stopping")
	ErrDeviceBlocked    = errors.New("device is blocked")
	ErrNoScanner        = errors.New("device discovery is not configured")
)

// EngineConfig holds the allocation parameters. Zero values fall back to defaults.
type EngineConfig struct {
	Interface         string
	Interval          time.Duration
	Thresholds        domain.Thresholds
	HistorySize       int
	VoteSize          int
	MinAnomalyHistory int
	AutoMode          bool // used when no value was persisted yet
	StopTimeout       time.Duration
	LocalNetworks     []netip.Prefix // empty accepts every address
}

// EngineDeps are the collaborators of the engine. Sampler, Scanner and
// Publisher are optional.
type EngineDeps struct {
	Store     port.UsageStore
	Backend   port.EnforcementBackend
	Sampler   port.TrafficSampler
	Scanner   port.DeviceScanner
	Publisher port.EventPublisher
	Logger    *slog.Logger
}

// Engine drives the sample/flush/allocate cycle and the administrative overrides.
type Engine struct {
	store     port.UsageStore
	backend   port.EnforcementBackend
	sampler   port.TrafficSampler
	scanner   port.DeviceScanner
	publisher port.EventPublisher
	log       *slog.Logger
	cfg       EngineConfig
	now       func() time.Time

	autoMode atomic.Bool

	windowMu sync.Mutex
	window   map[string]*domain.SampleWindow

	history    *RollingHistory
	gate       *HysteresisGate
	classifier Classifier

	// tierMu orders every priority write with its enforcement, so a block
	// and a reclassification of the same device cannot interleave.
	tierMu sync.Mutex

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	draining    chan struct{} // loop that outlived Stop's timeout
	lastCycle   atomic.Int64
}

func NewEngine(deps EngineDeps, cfg EngineConfig) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.HistorySize < 2 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.VoteSize < 1 {
		cfg.VoteSize = DefaultVoteSize
	}
	if cfg.MinAnomalyHistory <= 0 {
		cfg.MinAnomalyHistory = DefaultMinAnomalyHistory
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}

	e := &Engine{
		store:     deps.Store,
		backend:   deps.Backend,
		sampler:   deps.Sampler,
		scanner:   deps.Scanner,
		publisher: publisher,
		log:       logger.With("component", "engine"),
		cfg:       cfg,
		now:       time.Now,
		window:    make(map[string]*domain.SampleWindow),
		history:   NewRollingHistory(cfg.HistorySize),
		gate:      NewHysteresisGate(cfg.VoteSize),
		classifier: Classifier{
			Thresholds:        cfg.Thresholds,
			MinAnomalyHistory: cfg.MinAnomalyHistory,
		},
	}
	// Auto mode is only ever on with valid thresholds.
	e.autoMode.Store(cfg.AutoMode && cfg.Thresholds.Validate() == nil)
	return e
}

// History exposes the rolling history tracker for inspection.
func (e *Engine) History() *RollingHistory { return e.history }

// Gate exposes the hysteresis gate for inspection.
func (e *Engine) Gate() *HysteresisGate { return e.gate }

// Start loads the persisted auto-mode flag, re-applies blocks and launches
// the background loop and the sampler.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.cancel != nil {
		return ErrEngineRunning
	}
	if e.stillDraining() {
		return ErrEngineStopping
	}

	e.loadAutoMode(ctx)
	if err := e.RestoreBlocked(ctx); err != nil {
		e.log.Warn("could not restore blocked devices", "error", err)
	}

	// The loop outlives the caller's context; only Stop ends it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.run(runCtx)
	}()

	if e.sampler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.sampler.Run(runCtx, e); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error("sampler stopped", "sampler", e.sampler.Name(), "error", err)
				e.event(runCtx, domain.EventError, fmt.Sprintf("Sampler %s stopped: %v", e.sampler.Name(), err))
			}
		}()
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	e.cancel = cancel
	e.done = done

	state := "OFF"
	if e.AutoMode() {
		state = "ON"
	}
	e.log.Info("monitor started", "interval", e.cfg.Interval, "auto_mode", e.AutoMode(), "sampler", e.samplerName(), "backend", e.backend.Name())
	e.event(ctx, domain.EventInfo, fmt.Sprintf("Monitor started (Smart Allocator %s)", state))
	return nil
}

// Stop signals the loop to exit after the current flush and waits for it,
// at most StopTimeout. A loop that is still busy afterwards keeps the engine
// in the stopping state; Start is refused until it has returned.
func (e *Engine) Stop() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.cancel == nil {
		return ErrEngineNotRunning
	}

	e.cancel()
	done := e.done
	e.cancel = nil
	e.done = nil

	var err error
	select {
	case <-done:
	case <-time.After(e.cfg.StopTimeout):
		e.draining = done
		err = fmt.Errorf("allocation loop did not stop within %s", e.cfg.StopTimeout)
		e.log.Warn("stop timed out, loop still draining", "timeout", e.cfg.StopTimeout)
	}

	e.log.Info("monitor stopped")
	e.event(context.Background(), domain.EventInfo, "Monitor stopped")
	return err
}

// Running reports whether the background loop is active.
func (e *Engine) Running() bool {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.cancel != nil
}

// Stopping reports whether a stopped loop is still finishing its last cycle.
func (e *Engine) Stopping() bool {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.stillDraining()
}

// stillDraining must be called with lifecycleMu held.
func (e *Engine) stillDraining() bool {
	if e.draining == nil {
		return false
	}
	select {
	case <-e.draining:
		e.draining = nil
		return false
	default:
		return true
	}
}

func (e *Engine) run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A cycle in progress is never interrupted; cancellation is
			// observed between cycles.
			e.RunCycle(context.WithoutCancel(ctx))
		}
	}
}

// Observe implements port.PacketSink.
func (e *Engine) Observe(src, dst string, length int) {
	if length <= 0 {
		return
	}
	n := uint64(length)

	e.windowMu.Lock()
	defer e.windowMu.Unlock()

	if e.accepts(src) {
		e.windowFor(src).TxBytes += n
	}
	if e.accepts(dst) {
		e.windowFor(dst).RxBytes += n
	}
}

// RecordWindow adds pre-aggregated deltas for ip to the current window.
func (e *Engine) RecordWindow(ip string, rx, tx uint64) {
	if !e.accepts(ip) {
		return
	}
	e.windowMu.Lock()
	w := e.windowFor(ip)
	w.RxBytes += rx
	w.TxBytes += tx
	e.windowMu.Unlock()
}

// windowFor must be called with windowMu held.
func (e *Engine) windowFor(ip string) *domain.SampleWindow {
	w, ok := e.window[ip]
	if !ok {
		w = &domain.SampleWindow{}
		e.window[ip] = w
	}
	return w
}

func (e *Engine) accepts(ip string) bool {
	if len(e.cfg.LocalNetworks) == 0 {
		return ip != ""
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range e.cfg.LocalNetworks {
		if prefix.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

// drainWindows hands the accumulated windows to the caller and starts a fresh set.
func (e *Engine) drainWindows() map[string]domain.SampleWindow {
	e.windowMu.Lock()
	current := e.window
	e.window = make(map[string]*domain.SampleWindow, len(current))
	e.windowMu.Unlock()

	out := make(map[string]domain.SampleWindow, len(current))
	for ip, w := range current {
		if !w.Empty() {
			out[ip] = *w
		}
	}
	return out
}

// RunCycle performs one flush: persist windows, update history and, in auto
// mode, reclassify every registered device. It never returns an error; every
// fault is logged and the remaining devices are still processed.
func (e *Engine) RunCycle(ctx context.Context) domain.CycleSummary {
	start := e.now()
	summary := domain.CycleSummary{AutoMode: e.AutoMode()}

	windows := e.drainWindows()
	for _, ip := range slices.Sorted(maps.Keys(windows)) {
		w := windows[ip]
		if err := e.store.RecordSample(ctx, ip, w.RxBytes, w.TxBytes); err != nil {
			summary.Failures++
			metrics.DeviceFailures.WithLabelValues("persist").Inc()
			e.log.Error("persist sample failed", "ip", ip, "error", err)
		}
		// The observation is still real even if the store rejected it.
		e.history.Record(ip, w.Total())
		summary.Flushed++
	}

	if summary.AutoMode {
		e.allocate(ctx, &summary)
	}

	summary.CompletedAt = e.now()
	summary.Duration = summary.CompletedAt.Sub(start)
	e.lastCycle.Store(summary.CompletedAt.UnixNano())

	metrics.ObserveCycle(summary.AutoMode, summary.Duration.Seconds(), e.history.Tracked())
	e.publisher.PublishCycle(ctx, summary)
	return summary
}

func (e *Engine) allocate(ctx context.Context, summary *domain.CycleSummary) {
	devices, err := e.store.ListDevices(ctx)
	if err != nil {
		summary.Failures++
		metrics.DeviceFailures.WithLabelValues("list").Inc()
		e.log.Error("list devices failed", "error", err)
		e.event(ctx, domain.EventError, fmt.Sprintf("Smart allocator failed: %v", err))
		return
	}

	for _, d := range devices {
		changed, evaluated, err := e.evaluateDevice(ctx, d)
		if evaluated {
			summary.Evaluated++
		}
		if err != nil {
			summary.Failures++
			metrics.DeviceFailures.WithLabelValues("evaluate").Inc()
			e.log.Error("device evaluation failed", "ip", d.IP, "error", err)
			e.event(ctx, domain.EventError, fmt.Sprintf("Smart allocator failed for %s: %v", d.IP, err))
			continue
		}
		if changed {
			summary.Changed++
		}
	}
}

// evaluateDevice runs classifier and gate for one device and commits a change.
// A panic anywhere below is turned into an error so one device cannot abort the cycle.
func (e *Engine) evaluateDevice(ctx context.Context, d domain.Device) (changed, evaluated bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	// Blocked devices only leave tier 0 through Unblock.
	if d.Priority == domain.TierBlocked {
		return false, false, nil
	}
	blocked, err := e.store.IsBlocked(ctx, d.IP)
	if err != nil {
		return false, false, fmt.Errorf("check blocked set: %w", err)
	}
	if blocked {
		return false, false, nil
	}
	if !d.Priority.Valid() {
		return false, false, fmt.Errorf("%w: stored priority %d", domain.ErrInvalidTier, int(d.Priority))
	}
	if !e.history.Has(d.IP) {
		return false, false, nil
	}

	recent := e.history.Latest(d.IP)
	result := e.classifier.Classify(recent, e.history.Previous(d.IP), false)
	if result.Anomaly {
		e.raiseAlert(ctx, d.IP, result, recent)
	}

	final := e.gate.Evaluate(d.IP, d.Priority, result.Tier)
	if final == d.Priority {
		if result.Tier != d.Priority {
			e.event(ctx, domain.EventDebug, fmt.Sprintf("Holding priority for %s at %d (Hysteresis)", d.IP, int(d.Priority)))
		}
		return false, true, nil
	}

	if _, err := e.commit(ctx, d.IP, d.Priority, final, "auto", e.cfg.Interface); err != nil {
		if errors.Is(err, ErrDeviceBlocked) {
			// Blocked after the check above; the block wins.
			e.gate.Reset(d.IP)
			e.log.Debug("skipping reclassification of blocked device", "ip", d.IP)
			return false, true, nil
		}
		return false, true, err
	}
	return true, true, nil
}

func (e *Engine) raiseAlert(ctx context.Context, ip string, c Classification, recent uint64) {
	metrics.AnomaliesDetected.Inc()
	e.log.Warn("anomaly detected", "ip", ip, "mean", c.Mean, "stdev", c.StdDev, "recent", recent)
	e.event(ctx, domain.EventAlert, fmt.Sprintf("Anomaly detected (2σ spike) %s avg=%d stdev=%d recent=%d",
		ip, int64(c.Mean), int64(c.StdDev), recent))
	e.publisher.PublishAlert(ctx, domain.Alert{
		IP:        ip,
		Mean:      c.Mean,
		StdDev:    c.StdDev,
		Recent:    recent,
		Timestamp: e.now(),
	})
}

// commit persists the new priority, then enforces it. The priority stays
// stored even when enforcement fails so Reconcile can retry later. Members of
// the blocked set are left alone and ErrDeviceBlocked is returned.
func (e *Engine) commit(ctx context.Context, ip string, from, to domain.Tier, source, iface string) (domain.EnforcementResult, error) {
	e.tierMu.Lock()
	applied, err := e.store.SetPriorityUnlessBlocked(ctx, ip, to)
	if err != nil {
		e.tierMu.Unlock()
		return domain.EnforcementResult{}, fmt.Errorf("persist priority for %s: %w", ip, err)
	}
	if !applied {
		e.tierMu.Unlock()
		return domain.EnforcementResult{}, fmt.Errorf("%w: %s", ErrDeviceBlocked, ip)
	}
	res := e.enforce(ctx, ip, to, iface)
	e.tierMu.Unlock()

	metricsTierChange(from, to, source)

	level := domain.EventInfo
	msg := fmt.Sprintf("Priority set %s -> %d", ip, int(to))
	if source == "auto" {
		level = domain.EventAuto
		msg = fmt.Sprintf("Smart allocator set %s -> %s (was %s)", ip, to, from)
	}
	e.log.Info("tier changed", "ip", ip, "from", from.String(), "to", to.String(), "source", source, "enforced", res.OK())
	e.event(ctx, level, msg)

	e.publisher.PublishTierChange(ctx, domain.TierChange{
		IP:        ip,
		From:      from,
		To:        to,
		Source:    source,
		Enforced:  res.OK(),
		Message:   res.Message,
		Timestamp: e.now(),
	})
	return res, nil
}

// enforce calls the backend and records the outcome. It never panics.
func (e *Engine) enforce(ctx context.Context, ip string, tier domain.Tier, iface string) (res domain.EnforcementResult) {
	defer func() {
		if r := recover(); r != nil {
			res = domain.EnforcementResult{Code: -1, Message: fmt.Sprintf("backend panic: %v", r)}
		}
		metrics.ObserveEnforcement(e.backend.Name(), res.OK())
		if !res.OK() {
			e.log.Error("enforcement failed", "ip", ip, "tier", tier.String(), "code", res.Code, "message", res.Message)
			e.event(ctx, domain.EventError, fmt.Sprintf("Enforcement failed for %s -> %s (code %d): %s", ip, tier, res.Code, res.Message))
			return
		}
		if err := e.store.SetEnforcedTier(ctx, ip, tier); err != nil {
			e.log.Warn("could not record enforced tier", "ip", ip, "error", err)
		}
	}()

	if iface == "" {
		iface = e.cfg.Interface
	}
	return e.backend.Apply(ctx, ip, tier, iface)
}

// AutoMode reports whether the allocator reclassifies devices each cycle.
func (e *Engine) AutoMode() bool {
	return e.autoMode.Load()
}

// SetAutoMode toggles automatic allocation and persists the flag. Enabling is
// refused while the thresholds are invalid.
func (e *Engine) SetAutoMode(ctx context.Context, enabled bool) error {
	if enabled {
		if err := e.cfg.Thresholds.Validate(); err != nil {
			e.event(ctx, domain.EventError, fmt.Sprintf("AUTO_MODE refused: %v", err))
			return err
		}
	}

	e.autoMode.Store(enabled)
	metrics.SetAutoMode(enabled)

	if err := e.store.SetConfig(ctx, configKeyAutoMode, strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("persist auto mode: %w", err)
	}
	e.log.Info("auto mode changed", "enabled", enabled)
	e.event(ctx, domain.EventInfo, fmt.Sprintf("AUTO_MODE set to %t", enabled))
	return nil
}

func (e *Engine) loadAutoMode(ctx context.Context) {
	raw, err := e.store.GetConfig(ctx, configKeyAutoMode, strconv.FormatBool(e.cfg.AutoMode))
	if err != nil {
		e.log.Warn("could not load auto mode, keeping current value", "error", err)
		metrics.SetAutoMode(e.AutoMode())
		return
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		e.log.Warn("ignoring malformed auto mode value", "value", raw)
		enabled = e.cfg.AutoMode
	}
	if enabled {
		if err := e.cfg.Thresholds.Validate(); err != nil {
			e.log.Error("auto mode disabled: invalid thresholds", "error", err)
			e.event(ctx, domain.EventError, fmt.Sprintf("AUTO_MODE disabled at startup: %v", err))
			enabled = false
		}
	}
	e.autoMode.Store(enabled)
	metrics.SetAutoMode(enabled)
}

// Status returns a snapshot for the control surface.
func (e *Engine) Status() port.EngineStatus {
	st := port.EngineStatus{
		Running:    e.Running(),
		Stopping:   e.Stopping(),
		AutoMode:   e.AutoMode(),
		Sampler:    e.samplerName(),
		Backend:    e.backend.Name(),
		Interface:  e.cfg.Interface,
		Interval:   e.cfg.Interval.String(),
		Thresholds: e.cfg.Thresholds,
		Tracked:    e.history.Tracked(),
	}
	if ns := e.lastCycle.Load(); ns != 0 {
		st.LastCycleAt = time.Unix(0, ns).UTC().Format(time.RFC3339)
	}
	return st
}

func (e *Engine) samplerName() string {
	if e.sampler == nil {
		return "none"
	}
	return e.sampler.Name()
}

// event appends to the durable event log; a failing store only gets a process log line.
func (e *Engine) event(ctx context.Context, level domain.EventLevel, msg string) {
	if err := e.store.AppendEvent(ctx, level, msg); err != nil {
		e.log.Warn("append event failed", "level", level, "error", err)
	}
}

func metricsTierChange(from, to domain.Tier, source string) {
	metrics.TierChanges.WithLabelValues(from.String(), to.String(), source).Inc()
}

var (
	_ port.AllocationService = (*Engine)(nil)
	_ port.PacketSink        = (*Engine)(nil)
)

type nopPublisher struct{}

func (nopPublisher) PublishTierChange(context.Context, domain.TierChange) {}
func (nopPublisher) PublishAlert(context.Context, domain.Alert)           {}
func (nopPublisher) PublishCycle(context.Context, domain.CycleSummary)    {}
