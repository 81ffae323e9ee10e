package system

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/dshryn/bandwidth-allocator/internal/core/port"
)

// Direction of a synthetic traffic profile.
type Direction int

const (
	Download Direction = iota // bytes counted as rx
	Upload                    // bytes counted as tx
)

// TrafficProfile generates a uniform random byte count per tick for one device.
type TrafficProfile struct {
	IP        string
	Direction Direction
	Min, Max  int
}

// DefaultProfiles assigns alternating download and upload profiles to ips.
func DefaultProfiles(ips []string) []TrafficProfile {
	profiles := make([]TrafficProfile, 0, len(ips))
	for i, ip := range ips {
		p := TrafficProfile{IP: ip, Direction: Download, Min: 1000, Max: 10000}
		if i%2 == 1 {
			p = TrafficProfile{IP: ip, Direction: Upload, Min: 1000, Max: 9000}
		}
		profiles = append(profiles, p)
	}
	return profiles
}

// DefaultSyntheticIPs are used when no addresses are configured.
var DefaultSyntheticIPs = []string{"192.168.0.2", "192.168.0.3"}

// SyntheticGenerator stands in for packet capture on hosts without the
// privileges or libraries to sniff traffic.
type SyntheticGenerator struct {
	profiles []TrafficProfile
	tick     time.Duration
	rng      *rand.Rand
}

func NewSyntheticGenerator(profiles []TrafficProfile, tick time.Duration, seed uint64) *SyntheticGenerator {
	if len(profiles) == 0 {
		profiles = DefaultProfiles(DefaultSyntheticIPs)
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &SyntheticGenerator{
		profiles: profiles,
		tick:     tick,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (g *SyntheticGenerator) Name() string { return "synthetic" }

func (g *SyntheticGenerator) Run(ctx context.Context, sink port.PacketSink) error {
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.Emit(sink)
		}
	}
}

// Emit produces one tick of traffic for every profile.
func (g *SyntheticGenerator) Emit(sink port.PacketSink) {
	for _, p := range g.profiles {
		n := p.Min
		if p.Max > p.Min {
			n += g.rng.IntN(p.Max - p.Min + 1)
		}
		switch p.Direction {
		case Upload:
			sink.Observe(p.IP, "", n)
		default:
			sink.Observe("", p.IP, n)
		}
	}
}
