package history

import "time"

// Run is one benchmark run in the history database. The headline stats
// are denormalized from the run's overall summary so listings never have
// to parse the report blob.
type Run struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	RunID      string `gorm:"not null;uniqueIndex" json:"run_id"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`

	Endpoint string `gorm:"index" json:"endpoint"`
	Database string `json:"database"`

	TotalTransactions      int     `json:"total_transactions"`
	SuccessfulTransactions int     `json:"successful_transactions"`
	FailedTransactions     int     `json:"failed_transactions"`
	TPS                    float64 `json:"tps"`
	AvgLatencyMS           float64 `json:"avg_latency_ms"`
	P95LatencyMS           float64 `json:"p95_latency_ms"`

	// Full run report serialized as JSON.
	ReportJSON string `gorm:"type:text" json:"-"`

	CreatedAt time.Time `json:"created_at"`
}
