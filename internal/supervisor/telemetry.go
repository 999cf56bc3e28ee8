package supervisor

import (
	"context"
	"fmt"
	"time"

	psprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/deskflow/deskhost/internal/model"
)

// sampleTelemetry reads resource usage of pid. CPU is averaged over the
// process lifetime.
func sampleTelemetry(ctx context.Context, pid int, now time.Time) (*model.Telemetry, error) {
	p, err := psprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("looking up process %d: %w", pid, err)
	}
	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("cpu of process %d: %w", pid, err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory of process %d: %w", pid, err)
	}
	threads, err := p.NumThreadsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("threads of process %d: %w", pid, err)
	}
	return &model.Telemetry{
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		SampledAt:  now,
	}, nil
}
