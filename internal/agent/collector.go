package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"fleet-telemetry/internal/protocol"
)

// Collector samples host metrics. CPU and memory are required; every other
// field is best-effort and omitted on error.
type Collector struct {
	mountpoint string
	cpuWindow  time.Duration

	mu         sync.Mutex
	lastIOAt   time.Time
	lastRead   uint64
	lastWrite  uint64
	haveLastIO bool
}

// NewCollector samples disk usage of mountpoint ("/" when empty).
func NewCollector(mountpoint string) *Collector {
	if mountpoint == "" {
		mountpoint = "/"
	}
	return &Collector{mountpoint: mountpoint, cpuWindow: time.Second}
}

// Collect returns one metrics:update payload.
func (c *Collector) Collect(ctx context.Context) (*protocol.MetricsUpdate, error) {
	percents, err := cpu.PercentWithContext(ctx, c.cpuWindow, false)
	if err != nil || len(percents) == 0 {
		return nil, fmt.Errorf("agent collector: cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent collector: memory: %w", err)
	}
	cpuPercent := clampPercent(percents[0])
	out := &protocol.MetricsUpdate{
		CPUPercent: &cpuPercent,
		MemUsed:    u64(min(vm.Used, vm.Total)),
		MemTotal:   u64(vm.Total),
		DiskUsed:   u64(0),
		DiskTotal:  u64(0),
	}

	if usage, err := disk.UsageWithContext(ctx, c.mountpoint); err == nil {
		out.DiskUsed = u64(min(usage.Used, usage.Total))
		out.DiskTotal = u64(usage.Total)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.LoadAvg = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil && swap.Total > 0 {
		out.SwapUsed = u64(min(swap.Used, swap.Total))
		out.SwapTotal = u64(swap.Total)
	}
	if counters, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		out.NetworkBytesOut = u64(counters[0].BytesSent)
		out.NetworkBytesIn = u64(counters[0].BytesRecv)
		out.NetworkPacketsOut = u64(counters[0].PacketsSent)
		out.NetworkPacketsIn = u64(counters[0].PacketsRecv)
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil && cores > 0 {
		out.CoreCount = u64(uint64(cores))
	}
	if pids, err := process.PidsWithContext(ctx); err == nil {
		out.ProcessCount = u64(uint64(len(pids)))
	}
	if stats, err := disk.IOCountersWithContext(ctx); err == nil {
		var read, write uint64
		for _, s := range stats {
			read += s.ReadBytes
			write += s.WriteBytes
		}
		out.DiskReadBps, out.DiskWriteBps = c.ioRates(time.Now(), read, write)
	}
	return out, nil
}

// ioRates converts cumulative byte counters into per-second rates since the
// previous call. The first call, and any counter reset, yields no rate.
func (c *Collector) ioRates(now time.Time, read, write uint64) (*float64, *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prevAt, prevRead, prevWrite, ok := c.lastIOAt, c.lastRead, c.lastWrite, c.haveLastIO
	c.lastIOAt, c.lastRead, c.lastWrite, c.haveLastIO = now, read, write, true
	elapsed := now.Sub(prevAt).Seconds()
	if !ok || elapsed <= 0 || read < prevRead || write < prevWrite {
		return nil, nil
	}
	r := float64(read-prevRead) / elapsed
	w := float64(write-prevWrite) / elapsed
	return &r, &w
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func u64(v uint64) *protocol.U64 {
	u := protocol.U64(v)
	return &u
}

// Reporter collects and sends metrics:update every interval.
type Reporter struct {
	collector *Collector
	sender    Sender
	interval  time.Duration
	logger    *zap.Logger
}

// NewReporter constructs a reporter.
func NewReporter(collector *Collector, sender Sender, interval time.Duration, logger *zap.Logger) *Reporter {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{collector: collector, sender: sender, interval: interval, logger: logger}
}

// Run blocks until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	update, err := r.collector.Collect(ctx)
	if err != nil {
		r.logger.Warn("agent reporter: collect failed", zap.Error(err))
		return
	}
	err = r.sender.Send(protocol.Envelope{
		Channel: protocol.ChannelMetrics,
		Type:    protocol.TypeMetricsUpdate,
		Data:    update,
	})
	if err != nil {
		r.logger.Debug("agent reporter: send failed", zap.Error(err))
	}
}
