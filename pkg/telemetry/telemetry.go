// Package telemetry samples host resource usage for drone heartbeats.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	gonet "github.com/shirou/gopsutil/net"
)

// Sample is one host resource reading.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	BandwidthKbps float64
	Taken         time.Time
}

// Sampler reads host metrics. The bandwidth figure is derived from
// the delta of interface byte counters between samples, so the first
// sample always reports zero bandwidth.
type Sampler struct {
	logger    *slog.Logger
	lastBytes uint64
	lastAt    time.Time
}

// NewSampler returns a host metrics sampler.
func NewSampler(logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sampler{logger: logger.With("component", "telemetry")}
}

// Sample reads current CPU, memory, and bandwidth figures. Individual
// probe failures degrade to zero for that figure rather than failing
// the whole sample; a heartbeat with partial telemetry beats none.
func (s *Sampler) Sample(ctx context.Context) Sample {
	out := Sample{Taken: time.Now()}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		out.CPUPercent = pcts[0]
	} else if err != nil {
		s.logger.Warn("cpu probe failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.MemoryPercent = vm.UsedPercent
	} else {
		s.logger.Warn("memory probe failed", "error", err)
	}

	if counters, err := gonet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		total := counters[0].BytesSent + counters[0].BytesRecv
		if !s.lastAt.IsZero() && total >= s.lastBytes {
			elapsed := out.Taken.Sub(s.lastAt).Seconds()
			if elapsed > 0 {
				out.BandwidthKbps = float64(total-s.lastBytes) * 8 / 1024 / elapsed
			}
		}
		s.lastBytes = total
		s.lastAt = out.Taken
	} else if err != nil {
		s.logger.Warn("network probe failed", "error", err)
	}

	return out
}
