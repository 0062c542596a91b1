package linkmon

import (
	"context"
	"errors"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

// LatencyProber measures round-trip latency to grade the link.
type LatencyProber interface {
	Measure(ctx context.Context) (time.Duration, error)
}

// LatencyProberFunc adapts a function to the LatencyProber interface.
type LatencyProberFunc func(ctx context.Context) (time.Duration, error)

func (f LatencyProberFunc) Measure(ctx context.Context) (time.Duration, error) { return f(ctx) }

// speedtestLatency pings the nearest public speedtest server. It never runs
// the bandwidth tests; only the cheap ping phase.
type speedtestLatency struct {
	candidates int
}

// NewSpeedtestLatency returns a LatencyProber backed by speedtest.net's
// server fleet. candidates bounds how many nearby servers are pinged.
func NewSpeedtestLatency(candidates int) LatencyProber {
	if candidates <= 0 {
		candidates = 3
	}
	return &speedtestLatency{candidates: candidates}
}

func (p *speedtestLatency) Measure(ctx context.Context) (time.Duration, error) {
	// Avoid package-level speedtest helpers; speedtest-go keeps package state.
	stc := st.New()
	defer stc.Reset()

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return 0, err
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return 0, errors.New("no latency servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	n := p.candidates
	if n > len(servers) {
		n = len(servers)
	}

	best := time.Duration(0)
	for _, s := range servers[:n] {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
			continue
		}
		if best == 0 || s.Latency < best {
			best = s.Latency
		}
	}
	if best == 0 {
		return 0, errors.New("all latency probes failed")
	}
	return best, nil
}
