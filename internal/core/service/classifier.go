package service

import "github.com/dshryn/bandwidth-allocator/internal/core/domain"

// DefaultMinAnomalyHistory is the number of prior totals required before the
// anomaly override is considered.
const DefaultMinAnomalyHistory = 5

// Classification is the classifier's verdict for one cycle.
type Classification struct {
	Tier    domain.Tier
	Anomaly bool
	Mean    float64
	StdDev  float64
}

// Classifier maps a device's recent usage to a candidate tier. It has no state.
type Classifier struct {
	Thresholds        domain.Thresholds
	MinAnomalyHistory int
}

// Classify evaluates, in order: administrative block, the threshold rule, and
// the 2-sigma anomaly override. history must exclude recent.
func (c Classifier) Classify(recent uint64, history []uint64, blocked bool) Classification {
	if blocked {
		return Classification{Tier: domain.TierBlocked}
	}

	out := Classification{Tier: domain.TierNormal}
	switch {
	case recent < c.Thresholds.High:
		out.Tier = domain.TierHigh
	case recent > c.Thresholds.Low:
		out.Tier = domain.TierLow
	}

	minHistory := c.MinAnomalyHistory
	if minHistory <= 0 {
		minHistory = DefaultMinAnomalyHistory
	}
	if len(history) < minHistory {
		return out
	}

	// The override only applies to devices whose baseline is already above
	// the high threshold; light users are never flagged.
	mean, stdev := MeanStdDev(history)
	out.Mean, out.StdDev = mean, stdev
	if float64(recent) > mean+2*stdev && mean > float64(c.Thresholds.High) {
		out.Tier = domain.TierLow
		out.Anomaly = true
	}
	return out
}
