package domain

import "time"

// Device represents a tracked network device keyed by its IP address.
type Device struct {
	IP           string    `json:"ip" db:"ip"`
	MACAddress   string    `json:"mac_address" db:"mac"`
	Hostname     string    `json:"hostname" db:"hostname"` // best effort, may be empty
	Priority     Tier      `json:"priority" db:"priority"`
	EnforcedTier Tier      `json:"enforced_tier" db:"enforced_tier"` // TierNever until a backend call succeeds
	LastSeen     time.Time `json:"last_seen" db:"last_seen"`
}

// BlockedDevice is a membership record of the administrative blocked set.
type BlockedDevice struct {
	IP        string    `json:"ip" db:"ip"`
	Reason    string    `json:"reason" db:"reason"`
	BlockedAt time.Time `json:"blocked_at" db:"ts"`
}

// SampleWindow accumulates bytes for one device between two flushes.
type SampleWindow struct {
	RxBytes uint64
	TxBytes uint64
}

func (w SampleWindow) Total() uint64 { return w.RxBytes + w.TxBytes }

func (w SampleWindow) Empty() bool { return w.RxBytes == 0 && w.TxBytes == 0 }
