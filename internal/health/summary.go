package health

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/procherder/agent/internal/registry"
)

// SystemStats is the host-level context attached to get-health-summary, so
// a caller can tell a struggling child from a struggling machine.
type SystemStats struct {
	CPUCount       int     `json:"cpuCount"`
	Load1          float64 `json:"load1"`
	MemTotalBytes  uint64  `json:"memTotalBytes"`
	MemUsedPct     float64 `json:"memUsedPct"`
}

// CollectSystemStats reads host CPU/memory/load via gopsutil. Failures
// degrade to zero values; the summary is advisory.
func CollectSystemStats() SystemStats {
	stats := SystemStats{}
	if counts, err := cpu.Counts(true); err == nil {
		stats.CPUCount = counts
	}
	if avg, err := load.Avg(); err == nil {
		stats.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemTotalBytes = vm.Total
		stats.MemUsedPct = vm.UsedPercent
	}
	return stats
}

// ProcessHealth pairs a process snapshot with its latest sample for
// summaries and status queries.
type ProcessHealth struct {
	Process registry.Snapshot `json:"process"`
	Sample  Sample            `json:"sample"`
	Sampled bool              `json:"sampled"`
}

// Summary is the aggregate returned by get-health-summary; recovery stats
// are merged in by the agent, which owns the Recovery controller.
type Summary struct {
	TotalProcesses   int             `json:"totalProcesses"`
	LiveProcesses    int             `json:"liveProcesses"`
	AverageScore     int             `json:"averageScore"`
	NeedingAttention []ProcessHealth `json:"needingAttention"`
	System           SystemStats     `json:"system"`
}

// Summarize computes the aggregate over every tracked process. Processes
// scoring below the warn band (60) need attention.
func (m *Monitor) Summarize() Summary {
	s := Summary{System: CollectSystemStats()}

	var scoreSum, scored int
	for _, p := range m.registry.All() {
		snap := p.Snapshot()
		s.TotalProcesses++
		switch snap.State {
		case registry.StateStarting, registry.StateReady, registry.StateRunning, registry.StateReattached:
			s.LiveProcesses++
		default:
			continue
		}

		sample, ok := m.Latest(snap.ID)
		if !ok {
			continue
		}
		scoreSum += sample.Score
		scored++
		if sample.Score < 60 {
			s.NeedingAttention = append(s.NeedingAttention, ProcessHealth{Process: snap, Sample: sample, Sampled: true})
		}
	}
	if scored > 0 {
		s.AverageScore = scoreSum / scored
	} else {
		s.AverageScore = 100
	}
	return s
}
