package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrProcessGone is returned when the sampled process has exited.
var ErrProcessGone = errors.New("process exited")

// ProcessStats is one resource-usage reading of a process
type ProcessStats struct {
	CPUPercent float64
	RSSBytes   uint64
	Threads    int32
}

// Sampler reads process-level resource usage
type Sampler interface {
	Sample(ctx context.Context, pid int) (ProcessStats, error)
	Forget(pid int)
}

// ProcessSampler samples live processes through gopsutil. Process handles
// are cached so CPU percentages are measured between consecutive samples.
type ProcessSampler struct {
	mu    sync.Mutex
	procs map[int]*process.Process
}

// NewProcessSampler creates a ProcessSampler
func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{procs: make(map[int]*process.Process)}
}

// Sample reads CPU, RSS and thread count for pid.
func (s *ProcessSampler) Sample(ctx context.Context, pid int) (ProcessStats, error) {
	s.mu.Lock()
	p, ok := s.procs[pid]
	s.mu.Unlock()
	if !ok {
		var err error
		p, err = process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			return ProcessStats{}, fmt.Errorf("pid %d: %w", pid, ErrProcessGone)
		}
		s.mu.Lock()
		s.procs[pid] = p
		s.mu.Unlock()
	}

	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		s.Forget(pid)
		return ProcessStats{}, fmt.Errorf("pid %d: %w", pid, ErrProcessGone)
	}

	var stats ProcessStats
	if stats.CPUPercent, err = p.PercentWithContext(ctx, 0); err != nil {
		return ProcessStats{}, fmt.Errorf("pid %d cpu: %w", pid, err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcessStats{}, fmt.Errorf("pid %d memory: %w", pid, err)
	}
	stats.RSSBytes = mem.RSS
	if stats.Threads, err = p.NumThreadsWithContext(ctx); err != nil {
		return ProcessStats{}, fmt.Errorf("pid %d threads: %w", pid, err)
	}
	return stats, nil
}

// Forget drops the cached handle for pid.
func (s *ProcessSampler) Forget(pid int) {
	s.mu.Lock()
	delete(s.procs, pid)
	s.mu.Unlock()
}
