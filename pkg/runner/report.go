package runner

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/perfforge/tpcbench/pkg/config"
	"github.com/perfforge/tpcbench/pkg/fsutil"
	"github.com/perfforge/tpcbench/pkg/history"
	"github.com/perfforge/tpcbench/pkg/metrics"
	"github.com/perfforge/tpcbench/pkg/sysinfo"
)

// reportFileName is the run report file written into each run directory.
const reportFileName = "report.json"

// Report is the persisted record of one benchmark run.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Settings is the effective configuration, secrets stripped.
	Settings *config.Config    `json:"settings,omitempty"`
	System   *sysinfo.Snapshot `json:"system,omitempty"`

	// Summaries always starts with the overall group. Per-script groups
	// follow when the run mixed more than one script.
	Summaries       []metrics.GroupSummary `json:"summaries"`
	UnhandledErrors []string               `json:"unhandled_errors,omitempty"`
}

func (r *runner) buildReport(
	runID string,
	startedAt, finishedAt time.Time,
	system *sysinfo.Snapshot,
	c *metrics.Collector,
) *Report {
	summaries := []metrics.GroupSummary{c.Summarize(metrics.GroupOverall)}

	if groups := c.Groups(); len(groups) > 1 {
		for _, group := range groups {
			summaries = append(summaries, c.Summarize(group))
		}
	}

	return &Report{
		RunID:           runID,
		StartedAt:       startedAt,
		FinishedAt:      finishedAt,
		Settings:        r.cfg.Settings,
		System:          system,
		Summaries:       summaries,
		UnhandledErrors: c.UnhandledErrors,
	}
}

// Overall returns the report's overall summary.
func (rep *Report) Overall() *metrics.GroupSummary {
	if len(rep.Summaries) == 0 {
		return nil
	}

	return &rep.Summaries[0]
}

// Write persists the report as JSON into the given run directory.
func (rep *Report) Write(dir string, owner *fsutil.OwnerConfig) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run report: %w", err)
	}

	path := filepath.Join(dir, reportFileName)
	if err := fsutil.WriteFile(path, data, 0o644, owner); err != nil {
		return fmt.Errorf("writing run report: %w", err)
	}

	return nil
}

// historyRecord flattens a report into a history row. The full report
// rides along as JSON for the API to serve.
func historyRecord(rep *Report, conn *config.ConnectionConfig) *history.Run {
	run := &history.Run{
		RunID:      rep.RunID,
		StartedAt:  rep.StartedAt.Unix(),
		FinishedAt: rep.FinishedAt.Unix(),
		Endpoint:   conn.Endpoint,
		Database:   conn.Database,
	}

	if overall := rep.Overall(); overall != nil {
		run.TotalTransactions = overall.TotalTransactions
		run.SuccessfulTransactions = overall.Succeeded
		run.FailedTransactions = overall.Failed
		run.TPS = overall.TPS
		run.AvgLatencyMS = overall.ClientLatency.Avg
		run.P95LatencyMS = overall.ClientLatency.P95
	}

	if data, err := json.Marshal(rep); err == nil {
		run.ReportJSON = string(data)
	}

	return run
}
