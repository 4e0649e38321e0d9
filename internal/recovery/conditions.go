package recovery

import (
	"time"

	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/health"
)

// satisfies evaluates one sample against a condition's metric and operator.
func satisfies(s health.Sample, c config.Condition) bool {
	var value float64
	switch c.Metric {
	case "errorCount":
		value = float64(s.ErrorCount)
	case "memoryBytes":
		value = float64(s.RSSBytes)
	case "cpuPct":
		value = s.CPUPct
	case "healthScore":
		value = float64(s.Score)
	default:
		return false
	}
	return compare(value, c.Op, c.Value)
}

func compare(value float64, op string, threshold float64) bool {
	switch op {
	case "gt":
		return value > threshold
	case "lt":
		return value < threshold
	case "eq":
		return value == threshold
	default:
		return false
	}
}

// holds reports whether a condition has held continuously for its
// durationMs over the sample window (oldest first). With no duration the
// newest sample alone decides.
func holds(samples []health.Sample, c config.Condition, now time.Time) bool {
	if c.Metric == "unresponsiveMs" {
		return compare(float64(msSinceResponsive(samples, now)), c.Op, c.Value)
	}
	if len(samples) == 0 {
		return false
	}

	duration := time.Duration(c.DurationMs) * time.Millisecond

	// Walk newest to oldest through the contiguous run of satisfying
	// samples; any failing sample inside the duration window breaks it.
	var earliest time.Time
	satisfied := false
	for i := len(samples) - 1; i >= 0; i-- {
		s := samples[i]
		if !satisfies(s, c) {
			if duration > 0 && now.Sub(s.At.Time) <= duration {
				return false
			}
			break
		}
		earliest = s.At.Time
		satisfied = true
	}
	if !satisfied {
		return false
	}
	if duration <= 0 {
		return true
	}
	return now.Sub(earliest) >= duration
}

// msSinceResponsive is the age of the newest responsive sample; zero when
// the latest sample answered, effectively "how long has it been hung".
func msSinceResponsive(samples []health.Sample, now time.Time) int64 {
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].Responsive {
			if i == len(samples)-1 {
				return 0
			}
			return now.Sub(samples[i].At.Time).Milliseconds()
		}
	}
	if len(samples) == 0 {
		return 0
	}
	return now.Sub(samples[0].At.Time).Milliseconds()
}
