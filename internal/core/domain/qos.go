package domain

import (
	"errors"
	"fmt"
)

// Tier is the priority class governing a device's bandwidth.
// Lower values mean better service, except TierBlocked.
type Tier int

const (
	TierBlocked Tier = iota
	TierHigh
	TierNormal
	TierLow
)

// TierNever marks a device whose enforcement has never succeeded.
const TierNever Tier = -1

var (
	ErrInvalidTier       = errors.New("tier must be between 0 and 3")
	ErrInvalidThresholds = errors.New("high threshold must be lower than low threshold")
	ErrDeviceNotFound    = errors.New("device not found")
)

func (t Tier) String() string {
	switch t {
	case TierBlocked:
		return "Blocked"
	case TierHigh:
		return "High"
	case TierNormal:
		return "Normal"
	case TierLow:
		return "Low"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// Valid reports whether t is one of the four enforceable tiers.
func (t Tier) Valid() bool {
	return t >= TierBlocked && t <= TierLow
}

// ParseTier converts an integer coming from the control surface into a Tier.
func ParseTier(v int) (Tier, error) {
	t := Tier(v)
	if !t.Valid() {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidTier, v)
	}
	return t, nil
}

// Thresholds are byte counts per flush interval used by the classifier.
type Thresholds struct {
	High uint64 `json:"high_threshold" yaml:"high_threshold"` // recent < High -> TierHigh
	Low  uint64 `json:"low_threshold" yaml:"low_threshold"`   // recent > Low  -> TierLow
}

// Validate rejects threshold pairs that would misclassify every device.
func (t Thresholds) Validate() error {
	if t.High >= t.Low {
		return fmt.Errorf("%w (high=%d, low=%d)", ErrInvalidThresholds, t.High, t.Low)
	}
	return nil
}

// BandwidthTable maps each tier to its target rate in kbit/s.
type BandwidthTable map[Tier]uint64

// DefaultBandwidthTable is Blocked->0, High->100Mbps, Normal->20Mbps, Low->5Mbps.
func DefaultBandwidthTable() BandwidthTable {
	return BandwidthTable{
		TierBlocked: 0,
		TierHigh:    100000,
		TierNormal:  20000,
		TierLow:     5000,
	}
}

// RateKbps returns the configured rate for t, falling back to the Normal rate.
func (b BandwidthTable) RateKbps(t Tier) uint64 {
	if rate, ok := b[t]; ok {
		return rate
	}
	if rate, ok := b[TierNormal]; ok {
		return rate
	}
	return DefaultBandwidthTable()[TierNormal]
}

// EnforcementResult is what a backend reports after applying a tier.
// Code 0 means success; anything else is a failure described by Message.
type EnforcementResult struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (r EnforcementResult) OK() bool { return r.Code == 0 }
