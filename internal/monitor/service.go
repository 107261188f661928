// Package monitor samples process and host health for the status API.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

const snapshotCacheTTL = 2 * time.Second

// Snapshot is one health sample. Fields a platform cannot provide stay
// at their zero value.
type Snapshot struct {
	PID           int32   `json:"pid"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	ProcessCPU    float64 `json:"process_cpu_percent"`
	ProcessRSS    uint64  `json:"process_rss_bytes"`

	HostCPU     float64   `json:"host_cpu_percent"`
	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	Platform    string `json:"platform"`
	TimestampMs int64  `json:"timestamp_ms"`
}

type Service struct {
	log       *slog.Logger
	startedAt time.Time
	proc      *process.Process // self; nil when the lookup failed

	mu          sync.Mutex
	hasSnap     bool
	snap        Snapshot
	collectedAt time.Time
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{log: log, startedAt: time.Now()}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn("monitor: self process lookup failed", "error", err)
	} else {
		s.proc = proc
	}
	return s
}

// Snapshot returns a recent health sample. Samples are cached briefly so
// status polling stays cheap.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	now := time.Now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.collectedAt) < snapshotCacheTTL {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx)

	s.mu.Lock()
	s.snap = snap
	s.hasSnap = true
	s.collectedAt = now
	s.mu.Unlock()

	return snap
}

func (s *Service) collect(ctx context.Context) Snapshot {
	collectedAt := time.Now()

	snap := Snapshot{
		PID:           int32(os.Getpid()),
		UptimeSeconds: int64(collectedAt.Sub(s.startedAt).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		Platform:      runtime.GOOS,
		TimestampMs:   collectedAt.UnixMilli(),
	}

	if usage, err := readCPUUsage(ctx); err == nil {
		snap.HostCPU = usage
	} else {
		s.log.Warn("monitor: get cpu percent failed", "error", err)
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	} else {
		s.log.Warn("monitor: get cpu cores failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Warn("monitor: get load average failed", "error", err)
	}

	if s.proc != nil {
		if pct, err := s.proc.CPUPercentWithContext(ctx); err == nil {
			snap.ProcessCPU = pct
		} else {
			s.log.Warn("monitor: get process cpu failed", "error", err)
		}
		if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			snap.ProcessRSS = mem.RSS
		} else if err != nil {
			s.log.Warn("monitor: get process memory failed", "error", err)
		}
	}

	return snap
}

// readCPUUsage prefers non-blocking sampling (diff from the last call);
// short-interval sampling bootstraps the counters when no last call
// exists yet.
func readCPUUsage(ctx context.Context) (float64, error) {
	var errs []error

	if p, err := cpu.PercentWithContext(ctx, 0, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
