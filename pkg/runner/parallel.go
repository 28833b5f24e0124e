package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/perfforge/tpcbench/pkg/config"
	"github.com/perfforge/tpcbench/pkg/db"
	"github.com/perfforge/tpcbench/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// workerStopGrace is how long a signalled worker process gets to flush
// its results before it is killed.
const workerStopGrace = 30 * time.Second

// BranchRange is an inclusive range of branch IDs.
type BranchRange struct {
	From int
	To   int
}

// SplitRange divides the inclusive branch range [bidFrom, bidTo] into
// count contiguous sub-ranges whose sizes differ by at most one.
func SplitRange(bidFrom, bidTo, count int) []BranchRange {
	span := bidTo - bidFrom + 1
	step := float64(span) / float64(count)

	ranges := make([]BranchRange, 0, count)

	for i := 0; i < count; i++ {
		ranges = append(ranges, BranchRange{
			From: int(math.Round(step*float64(i))) + bidFrom,
			To:   int(math.Round(step*float64(i+1))) + bidFrom - 1,
		})
	}

	return ranges
}

// WorkerSpec is the instruction file handed to a run-worker process.
// The connection password travels in its own field because the config
// type excludes it from JSON.
type WorkerSpec struct {
	Connection config.ConnectionConfig `json:"connection"`
	Password   string                  `json:"password,omitempty"`
	Workload   config.WorkloadConfig   `json:"workload"`
	ScriptsDir string                  `json:"scripts_dir,omitempty"`

	// WorkerIndex identifies this worker within the run, starting at 0.
	WorkerIndex int `json:"worker_index"`

	// WorkloadStartTime is shared by every worker so their measured
	// phases start together.
	WorkloadStartTime time.Time `json:"workload_start_time"`

	// OutputPath is where the worker writes its collector as JSON.
	OutputPath string `json:"output_path"`
}

// LoadWorkerSpec reads a worker spec file written by the parent process.
func LoadWorkerSpec(path string) (*WorkerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading worker spec: %w", err)
	}

	var spec WorkerSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing worker spec: %w", err)
	}

	spec.Connection.Password = spec.Password

	return &spec, nil
}

// DBConfig translates the spec's connection settings for the pool.
func (s *WorkerSpec) DBConfig() (*db.Config, error) {
	delay, maxDelay, err := s.Connection.Retry.RetryDurations()
	if err != nil {
		return nil, err
	}

	return &db.Config{
		Endpoint: s.Connection.Endpoint,
		Database: s.Connection.Database,
		User:     s.Connection.User,
		Password: s.Connection.Password,
		RootCert: s.Connection.RootCert,
		PoolSize: s.Connection.PoolSize,
		Retry: db.RetryConfig{
			Attempts: uint(s.Connection.Retry.Attempts),
			Delay:    delay,
			MaxDelay: maxDelay,
		},
	}, nil
}

// WriteWorkerOutput writes a worker's merged collector to its output
// path for the parent to pick up.
func WriteWorkerOutput(path string, c *metrics.Collector) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding worker results: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing worker results: %w", err)
	}

	return nil
}

func readWorkerOutput(path string) (*metrics.Collector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading worker results: %w", err)
	}

	var c metrics.Collector
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing worker results: %w", err)
	}

	return &c, nil
}

// workerSpec builds the spec for one worker covering the given branch
// sub-range. A shared rate limit is divided evenly between workers.
func (r *runner) workerSpec(index int, br BranchRange, workloadStart time.Time) *WorkerSpec {
	wl := r.cfg.Workload
	wl.BidFrom = br.From
	wl.BidTo = br.To
	wl.Processes = 1

	if wl.MaxRate > 0 {
		wl.MaxRate /= float64(r.cfg.Workload.Processes)
	}

	return &WorkerSpec{
		Connection:        r.cfg.Connection,
		Password:          r.cfg.Connection.Password,
		Workload:          wl,
		ScriptsDir:        r.cfg.ScriptsDir,
		WorkerIndex:       index,
		WorkloadStartTime: workloadStart,
	}
}

// runWorkers fans the branch range out over worker processes running
// the same binary's run-worker command and merges their results in
// worker order. A failed worker is skipped with a warning instead of
// discarding the whole run.
func (r *runner) runWorkers(
	ctx context.Context,
	log logrus.FieldLogger,
	workloadStart time.Time,
) (*metrics.Collector, error) {
	ranges := SplitRange(r.cfg.Workload.BidFrom, r.cfg.Workload.BidTo, r.cfg.Workload.Processes)

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "tpcbench-workers-")
	if err != nil {
		return nil, fmt.Errorf("creating worker directory: %w", err)
	}

	defer os.RemoveAll(tmpDir)

	cmds := make([]*exec.Cmd, len(ranges))
	outputs := make([]string, len(ranges))

	for i, br := range ranges {
		spec := r.workerSpec(i, br, workloadStart)
		spec.OutputPath = filepath.Join(tmpDir, fmt.Sprintf("worker_%d.json", i))
		outputs[i] = spec.OutputPath

		data, err := json.Marshal(spec)
		if err != nil {
			return nil, fmt.Errorf("encoding worker spec: %w", err)
		}

		specPath := filepath.Join(tmpDir, fmt.Sprintf("worker_%d_spec.json", i))
		if err := os.WriteFile(specPath, data, 0o600); err != nil {
			return nil, fmt.Errorf("writing worker spec: %w", err)
		}

		cmd := exec.CommandContext(ctx, exe, "run-worker", "--spec", specPath)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Cancel = func() error {
			return cmd.Process.Signal(os.Interrupt)
		}
		cmd.WaitDelay = workerStopGrace

		log.WithFields(logrus.Fields{
			"worker":   i,
			"bid_from": br.From,
			"bid_to":   br.To,
		}).Info("Starting worker process")

		if err := cmd.Start(); err != nil {
			for j := range cmds[:i] {
				_ = cmds[j].Process.Kill()
				_ = cmds[j].Wait()
			}

			return nil, fmt.Errorf("starting worker %d: %w", i, err)
		}

		cmds[i] = cmd
	}

	merged := metrics.NewCollector()

	for i, cmd := range cmds {
		err := cmd.Wait()
		if err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("worker", i).
				Warn("Worker process failed, skipping its results")

			continue
		}

		part, err := readWorkerOutput(outputs[i])
		if err != nil {
			log.WithError(err).WithField("worker", i).
				Warn("Worker results unreadable, skipping")

			continue
		}

		merged.Merge(part)
	}

	return merged, nil
}
