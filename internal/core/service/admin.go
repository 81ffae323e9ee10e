package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
)

// ErrInvalidIP is returned by the administrative operations for malformed addresses.
var ErrInvalidIP = errors.New("invalid IP address")

const defaultBlockReason = "admin_block"

func validateIP(ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return nil
}

func (e *Engine) currentPriority(ctx context.Context, ip string) domain.Tier {
	d, err := e.store.GetDevice(ctx, ip)
	if err != nil {
		return domain.TierNormal
	}
	return d.Priority
}

// Block adds ip to the blocked set and enforces tier 0 immediately. The
// allocator will not touch the device again until Unblock.
func (e *Engine) Block(ctx context.Context, ip, reason string) error {
	if err := validateIP(ip); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultBlockReason
	}

	e.tierMu.Lock()
	from := e.currentPriority(ctx, ip)
	if err := e.store.Block(ctx, ip, reason); err != nil {
		e.tierMu.Unlock()
		return fmt.Errorf("failed to block %s: %w", ip, err)
	}
	e.gate.Reset(ip)
	res := e.enforce(ctx, ip, domain.TierBlocked, "")
	e.tierMu.Unlock()

	metricsTierChange(from, domain.TierBlocked, "block")

	e.log.Info("device blocked", "ip", ip, "reason", reason, "enforced", res.OK())
	e.event(ctx, domain.EventInfo, fmt.Sprintf("Device blocked: %s (%s)", ip, reason))
	e.publisher.PublishTierChange(ctx, domain.TierChange{
		IP:        ip,
		From:      from,
		To:        domain.TierBlocked,
		Source:    "block",
		Enforced:  res.OK(),
		Message:   reason,
		Timestamp: e.now(),
	})
	return nil
}

// Unblock removes ip from the blocked set and restores the Normal tier.
func (e *Engine) Unblock(ctx context.Context, ip string) error {
	if err := validateIP(ip); err != nil {
		return err
	}

	e.tierMu.Lock()
	if err := e.store.Unblock(ctx, ip); err != nil {
		e.tierMu.Unlock()
		return fmt.Errorf("failed to unblock %s: %w", ip, err)
	}
	e.gate.Reset(ip)
	res := e.enforce(ctx, ip, domain.TierNormal, "")
	e.tierMu.Unlock()

	metricsTierChange(domain.TierBlocked, domain.TierNormal, "unblock")

	e.log.Info("device unblocked", "ip", ip, "enforced", res.OK())
	e.event(ctx, domain.EventInfo, fmt.Sprintf("Device unblocked: %s", ip))
	e.publisher.PublishTierChange(ctx, domain.TierChange{
		IP:        ip,
		From:      domain.TierBlocked,
		To:        domain.TierNormal,
		Source:    "unblock",
		Enforced:  res.OK(),
		Message:   res.Message,
		Timestamp: e.now(),
	})
	return nil
}

// SetPriorityManual stores and enforces an operator-chosen tier. The returned
// error covers validation and persistence only; enforcement failures are
// reported through the result. Blocked devices are refused with
// ErrDeviceBlocked: only Unblock takes a device out of tier 0.
func (e *Engine) SetPriorityManual(ctx context.Context, ip string, tier domain.Tier, iface string) (domain.EnforcementResult, error) {
	if err := validateIP(ip); err != nil {
		return domain.EnforcementResult{}, err
	}
	if !tier.Valid() {
		return domain.EnforcementResult{}, fmt.Errorf("%w: got %d", domain.ErrInvalidTier, int(tier))
	}

	from := e.currentPriority(ctx, ip)
	res, err := e.commit(ctx, ip, from, tier, "manual", iface)
	if errors.Is(err, ErrDeviceBlocked) {
		e.log.Warn("manual priority refused for blocked device", "ip", ip, "tier", tier.String())
		e.event(ctx, domain.EventInfo, fmt.Sprintf("Priority change for %s refused: device is blocked", ip))
		return res, err
	}
	if err == nil {
		e.gate.Reset(ip)
	}
	return res, err
}

// RestoreBlocked re-applies tier 0 to every member of the blocked set.
func (e *Engine) RestoreBlocked(ctx context.Context) error {
	blocked, err := e.store.ListBlocked(ctx)
	if err != nil {
		return fmt.Errorf("failed to list blocked devices: %w", err)
	}

	restored := 0
	for _, b := range blocked {
		if e.enforceLocked(ctx, b.IP, func(blocked bool, _ domain.Device) (domain.Tier, bool) {
			return domain.TierBlocked, blocked
		}) {
			restored++
		}
	}
	if len(blocked) > 0 {
		e.log.Info("restored blocked devices", "restored", restored, "total", len(blocked))
	}
	return nil
}

// Reconcile re-applies the intended tier wherever the last successful
// enforcement differs from it, e.g. after a backend failure. It returns the
// number of devices successfully re-enforced.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	devices, err := e.store.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}

	fixed := 0
	for _, d := range devices {
		if e.enforceLocked(ctx, d.IP, func(blocked bool, current domain.Device) (domain.Tier, bool) {
			target := current.Priority
			if blocked {
				target = domain.TierBlocked
			}
			return target, target.Valid() && current.EnforcedTier != target
		}) {
			fixed++
		}
	}
	if fixed > 0 {
		e.log.Info("reconciled enforcement", "devices", fixed)
		e.event(ctx, domain.EventInfo, fmt.Sprintf("Reconciled enforcement for %d device(s)", fixed))
	}
	return fixed, nil
}

// enforceLocked re-reads the device and its blocked state under tierMu and
// enforces the tier chosen by target, if any. It reports a successful apply.
func (e *Engine) enforceLocked(ctx context.Context, ip string, target func(blocked bool, current domain.Device) (domain.Tier, bool)) bool {
	e.tierMu.Lock()
	defer e.tierMu.Unlock()

	blocked, err := e.store.IsBlocked(ctx, ip)
	if err != nil {
		e.log.Warn("blocked lookup failed", "ip", ip, "error", err)
		return false
	}
	current := domain.Device{IP: ip, Priority: domain.TierNormal, EnforcedTier: domain.TierNever}
	if d, err := e.store.GetDevice(ctx, ip); err == nil {
		current = *d
	}
	tier, ok := target(blocked, current)
	if !ok {
		return false
	}
	return e.enforce(ctx, ip, tier, "").OK()
}

// Discover scans the local network and registers what it finds. Known
// devices keep their priority.
func (e *Engine) Discover(ctx context.Context) ([]domain.Device, error) {
	if e.scanner == nil {
		return nil, ErrNoScanner
	}

	found, err := e.scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("device scan failed: %w", err)
	}

	registered := make([]domain.Device, 0, len(found))
	for _, d := range found {
		if !e.accepts(d.IP) {
			continue
		}
		e.trackReassignment(ctx, d)
		if err := e.store.UpsertDevice(ctx, d); err != nil {
			e.log.Warn("could not register discovered device", "ip", d.IP, "error", err)
			continue
		}
		registered = append(registered, d)
		e.event(ctx, domain.EventInfo, fmt.Sprintf("Discovered device %s (%s)", d.IP, displayName(d)))
	}
	e.log.Info("discovery finished", "found", len(found), "registered", len(registered))
	return registered, nil
}

// trackReassignment handles an address that now belongs to a different
// machine: the previous owner's tier must not carry over, so the device goes
// back to Normal unless it is administratively blocked.
func (e *Engine) trackReassignment(ctx context.Context, seen domain.Device) {
	if seen.MACAddress == "" {
		return
	}
	known, err := e.store.GetDevice(ctx, seen.IP)
	if err != nil || known.MACAddress == "" || strings.EqualFold(known.MACAddress, seen.MACAddress) {
		return
	}

	e.log.Info("address reassigned to a different device", "ip", seen.IP, "old_mac", known.MACAddress, "new_mac", seen.MACAddress)
	e.event(ctx, domain.EventInfo, fmt.Sprintf("IP %s MAC changed: %s -> %s", seen.IP, known.MACAddress, seen.MACAddress))
	e.gate.Reset(seen.IP)

	if blocked, err := e.store.IsBlocked(ctx, seen.IP); err != nil || blocked {
		return
	}
	if known.Priority == domain.TierNormal {
		return
	}
	if _, err := e.commit(ctx, seen.IP, known.Priority, domain.TierNormal, "discovery", ""); err != nil {
		e.log.Warn("could not reset reassigned device", "ip", seen.IP, "error", err)
	}
}

func displayName(d domain.Device) string {
	if d.Hostname != "" {
		return d.Hostname
	}
	if d.MACAddress != "" {
		return d.MACAddress
	}
	return "unknown"
}
