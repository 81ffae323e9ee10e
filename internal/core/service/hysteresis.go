package service

import (
	"sync"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
)

// DefaultVoteSize is the number of recent improvement candidates considered.
const DefaultVoteSize = 3

// HysteresisGate lets degradations through immediately but requires an
// improvement to win a majority of the last VoteSize candidates.
type HysteresisGate struct {
	mu    sync.Mutex
	size  int
	votes map[string][]domain.Tier
}

func NewHysteresisGate(size int) *HysteresisGate {
	if size < 1 {
		size = DefaultVoteSize
	}
	return &HysteresisGate{
		size:  size,
		votes: make(map[string][]domain.Tier),
	}
}

// Evaluate returns the tier the device should hold after this cycle.
func (g *HysteresisGate) Evaluate(ip string, current, candidate domain.Tier) domain.Tier {
	if candidate == current {
		return current
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Blocking and degradations are never delayed.
	if candidate == domain.TierBlocked || candidate > current {
		delete(g.votes, ip)
		return candidate
	}

	buf := append(g.votes[ip], candidate)
	if len(buf) > g.size {
		buf = buf[len(buf)-g.size:]
	}
	g.votes[ip] = buf

	if len(buf) < g.size {
		return current
	}

	count := 0
	for _, t := range buf {
		if t == candidate {
			count++
		}
	}
	if count*2 > g.size {
		delete(g.votes, ip)
		return candidate
	}
	return current
}

// Reset clears the vote buffer for ip; called whenever a change is committed
// outside the gate.
func (g *HysteresisGate) Reset(ip string) {
	g.mu.Lock()
	delete(g.votes, ip)
	g.mu.Unlock()
}

// Votes returns a copy of the pending improvement candidates for ip.
func (g *HysteresisGate) Votes(ip string) []domain.Tier {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.Tier(nil), g.votes[ip]...)
}
