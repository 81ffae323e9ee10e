package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
	"github.com/dshryn/bandwidth-allocator/internal/core/port"
)

// Exit code reported when the shaping tool is not installed.
const codeToolMissing = 127

// HTB minor ids double as u32 node keys, which must stay below 0xfff. Ids
// 0x100-0x1ff follow the last octet; colliding devices from other subnets
// take the next free id from 0x200 up.
const (
	flowPreferredBase = 0x100
	flowOverflowBase  = 0x200
	flowLimit         = 0xfff
)

var errFlowsExhausted = errors.New("no free traffic class id")

// CommandRunner executes an external command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (output string, exitCode int, err error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return string(output), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return string(output), exitErr.ExitCode(), err
	}
	if errors.Is(err, exec.ErrNotFound) {
		return string(output), codeToolMissing, err
	}
	return string(output), -1, err
}

func failure(code int, format string, args ...any) domain.EnforcementResult {
	if code == 0 {
		code = -1
	}
	return domain.EnforcementResult{Code: code, Message: fmt.Sprintf(format, args...)}
}

// LinuxTrafficControl shapes egress on an interface with an HTB tree: one
// class and one u32 filter per device. Every command uses "replace" so a
// repeated Apply converges on the same state.
type LinuxTrafficControl struct {
	runner CommandRunner
	rates  domain.BandwidthTable
	log    *slog.Logger

	mu     sync.Mutex
	roots  map[string]bool // interfaces whose root qdisc is installed
	flows  map[string]int  // device -> minor id
	owners map[int]string  // minor id -> device
	limit  int
}

func NewLinuxTrafficControl(runner CommandRunner, rates domain.BandwidthTable, logger *slog.Logger) *LinuxTrafficControl {
	if runner == nil {
		runner = ExecRunner{}
	}
	if rates == nil {
		rates = domain.DefaultBandwidthTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LinuxTrafficControl{
		runner: runner,
		rates:  rates,
		log:    logger.With("backend", "linux-tc"),
		roots:  make(map[string]bool),
		flows:  make(map[string]int),
		owners: make(map[int]string),
		limit:  flowLimit,
	}
}

func (l *LinuxTrafficControl) Name() string { return "linux-tc" }

// flowFor returns the HTB minor id (and u32 key) owned by ip, allocating one
// on first use. Every device keeps its own id for the life of the backend.
func (l *LinuxTrafficControl) flowFor(ip string) (string, error) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return "", fmt.Errorf("not an IPv4 address: %q", ip)
	}
	key := parsed.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.flows[key]; ok {
		return fmt.Sprintf("%x", id), nil
	}
	id := flowPreferredBase + int(parsed[3])
	if _, taken := l.owners[id]; taken {
		id = 0
		for candidate := flowOverflowBase; candidate < l.limit; candidate++ {
			if _, taken := l.owners[candidate]; !taken {
				id = candidate
				break
			}
		}
		if id == 0 {
			return "", fmt.Errorf("%w for %s: %d devices shaped", errFlowsExhausted, ip, len(l.flows))
		}
	}
	l.flows[key] = id
	l.owners[id] = key
	return fmt.Sprintf("%x", id), nil
}

// rateSpec renders a tier rate for tc. Blocked gets a 1kbit floor so the
// class stays valid.
func rateSpec(kbps uint64) string {
	return fmt.Sprintf("%dkbit", max(kbps, 1))
}

func (l *LinuxTrafficControl) Apply(ctx context.Context, ip string, tier domain.Tier, iface string) domain.EnforcementResult {
	if iface == "" {
		return failure(-1, "no interface configured")
	}
	flow, err := l.flowFor(ip)
	if err != nil {
		return failure(-1, "%v", err)
	}
	rate := rateSpec(l.rates.RateKbps(tier))

	if res := l.ensureRoot(ctx, iface); !res.OK() {
		return res
	}

	commands := [][]string{
		{"class", "replace", "dev", iface, "parent", "1:", "classid", "1:" + flow, "htb", "rate", rate, "ceil", rate},
		{"filter", "replace", "dev", iface, "protocol", "ip", "parent", "1:", "prio", "1",
			"handle", "800::" + flow, "u32", "match", "ip", "dst", ip + "/32", "flowid", "1:" + flow},
	}
	for _, args := range commands {
		if res := l.tc(ctx, args); !res.OK() {
			return res
		}
	}

	l.log.Info("applied tc shaping", "iface", iface, "ip", ip, "tier", tier.String(), "rate", rate)
	return domain.EnforcementResult{Message: fmt.Sprintf("Applied Linux tc shaping on %s for %s -> %s", iface, ip, rate)}
}

func (l *LinuxTrafficControl) ensureRoot(ctx context.Context, iface string) domain.EnforcementResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.roots[iface] {
		return domain.EnforcementResult{}
	}
	res := l.tc(ctx, []string{"qdisc", "replace", "dev", iface, "root", "handle", "1:", "htb", "default", "30"})
	if res.OK() {
		l.roots[iface] = true
	}
	return res
}

func (l *LinuxTrafficControl) tc(ctx context.Context, args []string) domain.EnforcementResult {
	output, code, err := l.runner.Run(ctx, "tc", args...)
	if err != nil {
		l.log.Error("tc command failed", "args", strings.Join(args, " "), "code", code, "output", strings.TrimSpace(output))
		return failure(code, "tc %s failed: %s", strings.Join(args, " "), strings.TrimSpace(firstNonEmpty(output, err.Error())))
	}
	return domain.EnforcementResult{}
}

// Reset removes the HTB tree from iface.
func (l *LinuxTrafficControl) Reset(ctx context.Context, iface string) error {
	l.mu.Lock()
	delete(l.roots, iface)
	l.mu.Unlock()

	if output, _, err := l.runner.Run(ctx, "tc", "qdisc", "del", "dev", iface, "root"); err != nil {
		return fmt.Errorf("tc qdisc del failed: %s", strings.TrimSpace(output))
	}
	return nil
}

// ResetShaping removes everything backend installed on iface. It reports
// false for backends that keep no host state.
func ResetShaping(ctx context.Context, backend port.EnforcementBackend, iface string) (bool, error) {
	resetter, ok := backend.(interface {
		Reset(ctx context.Context, iface string) error
	})
	if !ok {
		return false, nil
	}
	return true, resetter.Reset(ctx, iface)
}

// WindowsQoS manages one NetQosPolicy per device through PowerShell. The
// previous policy is removed first so the command can be repeated.
type WindowsQoS struct {
	runner CommandRunner
	rates  domain.BandwidthTable
	log    *slog.Logger
}

func NewWindowsQoS(runner CommandRunner, rates domain.BandwidthTable, logger *slog.Logger) *WindowsQoS {
	if runner == nil {
		runner = ExecRunner{}
	}
	if rates == nil {
		rates = domain.DefaultBandwidthTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WindowsQoS{runner: runner, rates: rates, log: logger.With("backend", "windows-qos")}
}

func (w *WindowsQoS) Name() string { return "windows-qos" }

func policyName(ip string) string {
	return "SBA_" + strings.NewReplacer(".", "_", ":", "_").Replace(ip)
}

func (w *WindowsQoS) Apply(ctx context.Context, ip string, tier domain.Tier, _ string) domain.EnforcementResult {
	if net.ParseIP(ip) == nil {
		return failure(-1, "invalid IP address %q", ip)
	}

	bps := w.rates.RateKbps(tier) * 1000
	if bps == 0 {
		bps = 1
	}
	name := policyName(ip)
	script := fmt.Sprintf(
		"Remove-NetQosPolicy -Name '%s' -Confirm:$false -ErrorAction SilentlyContinue; "+
			"New-NetQosPolicy -Name '%s' -IPDstPrefix '%s/32' -ThrottleRateActionBitsPerSecond %d",
		name, name, ip, bps,
	)

	output, code, err := w.runner.Run(ctx, "powershell", "-NoProfile", "-Command", script)
	if err != nil {
		w.log.Error("powershell command failed", "ip", ip, "code", code, "output", strings.TrimSpace(output))
		return failure(code, "Windows QoS failed for %s: %s", ip, strings.TrimSpace(firstNonEmpty(output, err.Error())))
	}

	w.log.Info("applied windows qos", "ip", ip, "tier", tier.String(), "bps", bps)
	return domain.EnforcementResult{Message: fmt.Sprintf("Windows QoS applied for %s at %d bps", ip, bps)}
}

// DryRun logs what the wrapped backend would do without touching the host.
type DryRun struct {
	rates domain.BandwidthTable
	log   *slog.Logger
}

func NewDryRun(rates domain.BandwidthTable, logger *slog.Logger) *DryRun {
	if rates == nil {
		rates = domain.DefaultBandwidthTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRun{rates: rates, log: logger.With("backend", "dry-run")}
}

func (d *DryRun) Name() string { return "dry-run" }

func (d *DryRun) Apply(_ context.Context, ip string, tier domain.Tier, iface string) domain.EnforcementResult {
	rate := rateSpec(d.rates.RateKbps(tier))
	d.log.Info("DRY RUN", "iface", iface, "ip", ip, "tier", tier.String(), "rate", rate)
	return domain.EnforcementResult{Message: fmt.Sprintf("DRY RUN: %s -> %s on %s", ip, rate, iface)}
}

// Simulated records applied tiers in memory. Used in tests and on hosts
// without a shaping tool.
type Simulated struct {
	mu      sync.Mutex
	applied map[string]domain.Tier
	calls   []SimulatedCall
	fail    map[string]domain.EnforcementResult
}

// SimulatedCall is one recorded Apply invocation.
type SimulatedCall struct {
	IP    string
	Tier  domain.Tier
	Iface string
}

func NewSimulated() *Simulated {
	return &Simulated{
		applied: make(map[string]domain.Tier),
		fail:    make(map[string]domain.EnforcementResult),
	}
}

func (s *Simulated) Name() string { return "simulated" }

func (s *Simulated) Apply(_ context.Context, ip string, tier domain.Tier, iface string) domain.EnforcementResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, SimulatedCall{IP: ip, Tier: tier, Iface: iface})
	if res, ok := s.fail[ip]; ok {
		return res
	}
	s.applied[ip] = tier
	return domain.EnforcementResult{Message: fmt.Sprintf("simulated %s -> %s", ip, tier)}
}

// FailFor makes every Apply for ip return res until cleared with a zero result.
func (s *Simulated) FailFor(ip string, res domain.EnforcementResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.OK() {
		delete(s.fail, ip)
		return
	}
	s.fail[ip] = res
}

// Applied returns the last successfully applied tier for ip.
func (s *Simulated) Applied(ip string) (domain.Tier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.applied[ip]
	return t, ok
}

// Calls returns a copy of every Apply invocation so far.
func (s *Simulated) Calls() []SimulatedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimulatedCall(nil), s.calls...)
}

// BackendOptions select and configure an enforcement backend.
type BackendOptions struct {
	Kind   string // auto, linux, windows, dry-run, simulated
	DryRun bool
	Rates  domain.BandwidthTable
	Runner CommandRunner
	Logger *slog.Logger
}

// NewEnforcementBackend picks the backend for this host. "auto" follows
// runtime.GOOS and falls back to Simulated on other platforms.
func NewEnforcementBackend(opts BackendOptions) (port.EnforcementBackend, error) {
	if opts.DryRun {
		return NewDryRun(opts.Rates, opts.Logger), nil
	}

	kind := strings.ToLower(strings.TrimSpace(opts.Kind))
	if kind == "" || kind == "auto" {
		switch runtime.GOOS {
		case "linux":
			kind = "linux"
		case "windows":
			kind = "windows"
		default:
			kind = "simulated"
		}
	}

	switch kind {
	case "linux":
		return NewLinuxTrafficControl(opts.Runner, opts.Rates, opts.Logger), nil
	case "windows":
		return NewWindowsQoS(opts.Runner, opts.Rates, opts.Logger), nil
	case "dry-run", "dryrun":
		return NewDryRun(opts.Rates, opts.Logger), nil
	case "simulated":
		return NewSimulated(), nil
	default:
		return nil, fmt.Errorf("unknown enforcement backend %q", opts.Kind)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
