package service

import (
	"math"
	"sync"
)

// DefaultHistorySize is the number of flush totals kept per device.
const DefaultHistorySize = 10

// ring is a fixed-capacity FIFO of byte totals.
type ring struct {
	buf   []uint64
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]uint64, capacity)}
}

func (r *ring) push(v uint64) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	// full: overwrite the oldest slot
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// values returns the buffered totals, oldest first.
func (r *ring) values() []uint64 {
	out := make([]uint64, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// RollingHistory keeps the last N flush totals per device.
// Only the flush loop writes to it; the lock exists for status readers.
type RollingHistory struct {
	mu       sync.RWMutex
	capacity int
	devices  map[string]*ring
}

func NewRollingHistory(capacity int) *RollingHistory {
	if capacity < 2 {
		capacity = DefaultHistorySize
	}
	return &RollingHistory{
		capacity: capacity,
		devices:  make(map[string]*ring),
	}
}

// Record appends total to the device's buffer, evicting the oldest value when full.
func (h *RollingHistory) Record(ip string, total uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.devices[ip]
	if !ok {
		r = newRing(h.capacity)
		h.devices[ip] = r
	}
	r.push(total)
}

// Latest returns the most recent total, or 0 if nothing was recorded.
func (h *RollingHistory) Latest(ip string) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.devices[ip]
	if !ok || r.size == 0 {
		return 0
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)]
}

// Values returns every buffered total for ip, oldest first.
func (h *RollingHistory) Values(ip string) []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.devices[ip]
	if !ok {
		return nil
	}
	return r.values()
}

// Previous returns the buffered totals except the most recent one.
func (h *RollingHistory) Previous(ip string) []uint64 {
	values := h.Values(ip)
	if len(values) == 0 {
		return nil
	}
	return values[:len(values)-1]
}

// Len reports how many totals are buffered for ip.
func (h *RollingHistory) Len(ip string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if r, ok := h.devices[ip]; ok {
		return r.size
	}
	return 0
}

// Has reports whether at least one total was recorded for ip.
func (h *RollingHistory) Has(ip string) bool {
	return h.Len(ip) > 0
}

// Tracked returns the number of devices with a buffer.
func (h *RollingHistory) Tracked() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

// Stats returns mean and standard deviation over all totals except the latest.
func (h *RollingHistory) Stats(ip string) (mean, stdev float64) {
	return MeanStdDev(h.Previous(ip))
}

// MeanStdDev computes the mean and population standard deviation.
// With fewer than two values the deviation is 0; with none both are 0.
func MeanStdDev(values []uint64) (mean, stdev float64) {
	if len(values) == 0 {
		return 0, 0
	}

	sum := 0.0
	for _, v := range values {
		sum += float64(v)
	}
	mean = sum / float64(len(values))
	if len(values) < 2 {
		return mean, 0
	}

	variance := 0.0
	for _, v := range values {
		diff := float64(v) - mean
		variance += diff * diff
	}
	variance /= float64(len(values))

	return mean, math.Sqrt(variance)
}
