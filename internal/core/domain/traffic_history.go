package domain

import "time"

// UsageSample is one persisted flush window for a device.
type UsageSample struct {
	IP        string    `json:"ip"`
	Timestamp time.Time `json:"ts"`
	RxBytes   uint64    `json:"bytes_rx"`
	TxBytes   uint64    `json:"bytes_tx"`
}

// EventLevel classifies entries of the durable event log.
type EventLevel string

const (
	EventInfo  EventLevel = "INFO"
	EventDebug EventLevel = "DEBUG"
	EventAuto  EventLevel = "AUTO"
	EventAlert EventLevel = "ALERT"
	EventError EventLevel = "ERROR"
)

// Event is a user-visible log entry kept by the usage store.
type Event struct {
	ID        int64      `json:"id"`
	Timestamp time.Time  `json:"ts"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
}

// MetricsSummary aggregates the registry and recent usage for the dashboard.
type MetricsSummary struct {
	TotalDevices      int    `json:"total_devices"`
	ActiveDevices     int    `json:"active_devices"`
	AvgBytesPerSample int64  `json:"avg_bytes_per_sample"`
	BlockedDevices    int    `json:"blocked_devices"`
	Interface         string `json:"interface,omitempty"`
	InterfaceRxBytes  uint64 `json:"interface_rx_bytes,omitempty"`
	InterfaceTxBytes  uint64 `json:"interface_tx_bytes,omitempty"`
}

// TierChange describes a committed transition, whichever path produced it.
type TierChange struct {
	IP        string    `json:"ip"`
	From      Tier      `json:"from"`
	To        Tier      `json:"to"`
	Source    string    `json:"source"` // "auto", "manual", "block", "unblock"
	Enforced  bool      `json:"enforced"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Alert is raised by the classifier when recent usage deviates from the baseline.
type Alert struct {
	IP        string    `json:"ip"`
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"stdev"`
	Recent    uint64    `json:"recent"`
	Timestamp time.Time `json:"timestamp"`
}

// CycleSummary is emitted after each flush cycle.
type CycleSummary struct {
	Flushed     int           `json:"flushed"`
	Evaluated   int           `json:"evaluated"`
	Changed     int           `json:"changed"`
	Failures    int           `json:"failures"`
	AutoMode    bool          `json:"auto_mode"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}
