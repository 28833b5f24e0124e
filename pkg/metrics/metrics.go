// Package metrics collects per-transaction samples during a benchmark run
// and derives latency and throughput summaries from them.
package metrics

import "time"

// TransactionMetrics is one attempted transaction's sample. Records are
// immutable once appended.
type TransactionMetrics struct {
	// Filepath identifies the script that produced the transaction.
	Filepath string `json:"filepath"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Server-reported statistics in microseconds, zero when the backend
	// does not report them.
	ServerDurationUS int64 `json:"server_duration_us"`
	ServerCPUTimeUS  int64 `json:"server_cpu_time_us"`
}

// Latency is the client-observed duration of the transaction.
func (m TransactionMetrics) Latency() time.Duration {
	return m.EndTime.Sub(m.StartTime)
}

// LatencyMS is the client-observed latency in milliseconds.
func (m TransactionMetrics) LatencyMS() float64 {
	return float64(m.Latency()) / float64(time.Millisecond)
}

// ServerDurationMS is the server-reported duration in milliseconds.
func (m TransactionMetrics) ServerDurationMS() float64 {
	return float64(m.ServerDurationUS) / 1000.0
}

// ServerCPUTimeMS is the server-reported CPU time in milliseconds.
func (m TransactionMetrics) ServerCPUTimeMS() float64 {
	return float64(m.ServerCPUTimeUS) / 1000.0
}

// Collector is an append-only log of transaction samples plus any errors
// that escaped per-transaction handling. Each job owns exactly one
// collector; collectors from finished jobs and worker processes are merged
// into a single aggregate before summarizing. Fields are exported so a
// worker process can hand its collector to the parent as JSON.
type Collector struct {
	Transactions    []TransactionMetrics `json:"transactions"`
	UnhandledErrors []string             `json:"unhandled_errors,omitempty"`

	// StartedAt is the wall-clock time of the first recorded sample.
	StartedAt time.Time `json:"started_at"`
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Record appends one transaction sample.
func (c *Collector) Record(m TransactionMetrics) {
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}

	c.Transactions = append(c.Transactions, m)
}

// RecordUnhandledError appends an error that was not attributable to a
// single transaction attempt.
func (c *Collector) RecordUnhandledError(msg string) {
	c.UnhandledErrors = append(c.UnhandledErrors, msg)
}

// Merge appends the other collector's samples and errors to this one.
// The resulting transaction multiset is the union of both; StartedAt
// becomes the earlier of the two.
func (c *Collector) Merge(other *Collector) {
	if other == nil {
		return
	}

	c.Transactions = append(c.Transactions, other.Transactions...)
	c.UnhandledErrors = append(c.UnhandledErrors, other.UnhandledErrors...)

	if c.StartedAt.IsZero() || (!other.StartedAt.IsZero() && other.StartedAt.Before(c.StartedAt)) {
		c.StartedAt = other.StartedAt
	}
}

// Len returns the number of recorded transactions.
func (c *Collector) Len() int {
	return len(c.Transactions)
}
