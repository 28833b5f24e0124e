package metrics

import (
	"math"
	"sort"
	"time"
)

// GroupOverall is the sentinel group covering every recorded transaction
// regardless of script.
const GroupOverall = "overall"

// StatBlock holds the derived statistics for one series of samples, all in
// milliseconds.
type StatBlock struct {
	Avg    float64 `json:"avg"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// GroupSummary is the derived summary for one group of transactions,
// either a single script or the overall sentinel.
type GroupSummary struct {
	Group string `json:"group"`

	// TotalDuration is the measured window in seconds.
	TotalDuration     float64 `json:"total_duration"`
	TotalTransactions int     `json:"total_transactions"`
	Succeeded         int     `json:"successful_transactions"`
	Failed            int     `json:"failed_transactions"`
	TPS               float64 `json:"tps"`

	// ClientLatency covers every transaction in the group; the server
	// blocks cover successful transactions with a nonzero server stat.
	ClientLatency  StatBlock `json:"latency"`
	ServerDuration StatBlock `json:"server_duration"`
	ServerCPUTime  StatBlock `json:"server_cpu_time"`
}

// Summarize computes the summary for the given group. Group is either a
// script identifier or GroupOverall. Summarizing does not mutate the
// collector; calling it twice yields identical results.
func (c *Collector) Summarize(group string) GroupSummary {
	summary := GroupSummary{Group: group}

	var filtered []TransactionMetrics
	if group == GroupOverall {
		filtered = c.Transactions
	} else {
		for _, m := range c.Transactions {
			if m.Filepath == group {
				filtered = append(filtered, m)
			}
		}
	}

	if len(filtered) == 0 {
		return summary
	}

	summary.TotalTransactions = len(filtered)

	for _, m := range filtered {
		if m.Success {
			summary.Succeeded++
		}
	}

	summary.Failed = summary.TotalTransactions - summary.Succeeded
	summary.TotalDuration = measuredWindow(filtered).Seconds()

	if summary.TotalDuration > 0 {
		summary.TPS = float64(summary.TotalTransactions) / summary.TotalDuration
	}

	latencies := make([]float64, 0, len(filtered))

	var serverDurations, serverCPUTimes []float64

	for _, m := range filtered {
		latencies = append(latencies, m.LatencyMS())

		if m.Success && m.ServerDurationUS > 0 {
			serverDurations = append(serverDurations, m.ServerDurationMS())
		}

		if m.Success && m.ServerCPUTimeUS > 0 {
			serverCPUTimes = append(serverCPUTimes, m.ServerCPUTimeMS())
		}
	}

	summary.ClientLatency = calculateStats(latencies)
	summary.ServerDuration = calculateStats(serverDurations)
	summary.ServerCPUTime = calculateStats(serverCPUTimes)

	return summary
}

// measuredWindow derives the group's measured duration. The window runs
// from the start of the first successful transaction carrying a server
// duration to the end of the last successful one carrying a server CPU
// time, in log order. Groups without server stats fall back to the
// client-observed window over successful transactions, or over all
// transactions when every attempt failed.
func measuredWindow(filtered []TransactionMetrics) time.Duration {
	var (
		firstStart, lastEnd         time.Time
		haveFirstStart, haveLastEnd bool
	)

	for _, m := range filtered {
		if !m.Success {
			continue
		}

		if !haveFirstStart && m.ServerDurationUS > 0 {
			firstStart = m.StartTime
			haveFirstStart = true
		}

		if m.ServerCPUTimeUS > 0 {
			lastEnd = m.EndTime
			haveLastEnd = true
		}
	}

	if haveFirstStart && haveLastEnd {
		return lastEnd.Sub(firstStart)
	}

	var (
		start, end time.Time
		have       bool
	)

	for _, m := range filtered {
		if !m.Success {
			continue
		}

		if !have {
			start = m.StartTime
			have = true
		}

		end = m.EndTime
	}

	if !have {
		start = filtered[0].StartTime
		end = filtered[len(filtered)-1].EndTime
	}

	return end.Sub(start)
}

// calculateStats derives the statistics block for a series of samples.
// An empty series yields all zeros.
func calculateStats(values []float64) StatBlock {
	if len(values) == 0 {
		return StatBlock{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	avg := sum / float64(len(sorted))

	return StatBlock{
		Avg:    avg,
		StdDev: sampleStdDev(sorted, avg),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		P50:    percentile(sorted, 0.50),
		P95:    percentile(sorted, 0.95),
		P99:    percentile(sorted, 0.99),
	}
}

// sampleStdDev is the sample standard deviation (n-1 denominator), zero
// when there are fewer than two samples.
func sampleStdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}

	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}

	return math.Sqrt(sum / float64(len(values)-1))
}

// percentile picks from a sorted ascending series using the nearest-rank
// index floor(n*p), clamped to the last element. Not interpolated.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}

// Groups returns the distinct script identifiers present in the log,
// sorted lexicographically.
func (c *Collector) Groups() []string {
	seen := make(map[string]struct{}, 4)
	for _, m := range c.Transactions {
		seen[m.Filepath] = struct{}{}
	}

	groups := make([]string, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}

	sort.Strings(groups)

	return groups
}
