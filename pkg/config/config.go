// Package config loads, defaults and validates the benchmark
// configuration. Values come from a YAML file, with a small set of
// TPCB_* environment variables layered on top for credentials and
// connection details.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultResultsDir is the default directory for benchmark results.
	DefaultResultsDir = "./results"

	// DefaultTableFolder is the default schema the benchmark tables
	// live in.
	DefaultTableFolder = "pgbench"

	// DefaultScale is the default number of branches. The branch ID
	// range defaults to [1, scale] when the config does not narrow it.
	DefaultScale = 100

	// DefaultJobs is the default number of concurrent jobs per process.
	DefaultJobs = 1

	// DefaultProcesses is the default number of worker processes.
	DefaultProcesses = 1

	// DefaultDuration is the default measured phase length, interpreted
	// according to DefaultDurationUnit.
	DefaultDuration     = 600
	DefaultDurationUnit = "seconds"

	// DefaultPreheatSeconds is the default length of the unmeasured
	// warm-up phase.
	DefaultPreheatSeconds = 10

	// DefaultProgressInterval is how often the measuring phase logs its
	// transaction count.
	DefaultProgressInterval = "5s"

	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// TPCB_ENDPOINT or TPCB_PASSWORD.
	EnvPrefix = "tpcb"
)

// tableFolderPattern restricts the schema name to characters that are
// safe to splice into SQL identifiers.
var tableFolderPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidFolderName reports whether s is safe to use as a table folder
// inside SQL identifiers.
func ValidFolderName(s string) bool {
	return tableFolderPattern.MatchString(s)
}

// Config is the root configuration for tpcbench. JSON tags exist so a
// redacted settings snapshot can be embedded in run reports.
type Config struct {
	LogLevel   string           `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	Connection ConnectionConfig `yaml:"connection" json:"connection" mapstructure:"connection"`
	Workload   WorkloadConfig   `yaml:"workload" json:"workload" mapstructure:"workload"`
	ResultsDir string           `yaml:"results_dir,omitempty" json:"results_dir,omitempty" mapstructure:"results_dir"`

	// ResultsOwner is an optional "UID:GID" applied to result files,
	// for runs executed as root.
	ResultsOwner string `yaml:"results_owner,omitempty" json:"results_owner,omitempty" mapstructure:"results_owner"`
	History    HistoryConfig    `yaml:"history,omitempty" json:"-" mapstructure:"history"`
	Upload     *UploadConfig    `yaml:"results_upload,omitempty" json:"-" mapstructure:"results_upload"`
	Server     ServerConfig     `yaml:"server,omitempty" json:"-" mapstructure:"server"`
}

// ConnectionConfig contains database connection settings. The password
// is excluded from JSON so it never lands in a report file.
type ConnectionConfig struct {
	Endpoint string      `yaml:"endpoint" json:"endpoint" mapstructure:"endpoint"`
	Database string      `yaml:"database" json:"database" mapstructure:"database"`
	User     string      `yaml:"user,omitempty" json:"user,omitempty" mapstructure:"user"`
	Password string      `yaml:"password,omitempty" json:"-" mapstructure:"password"`
	RootCert string      `yaml:"root_cert,omitempty" json:"root_cert,omitempty" mapstructure:"root_cert"`
	PoolSize int         `yaml:"pool_size,omitempty" json:"pool_size,omitempty" mapstructure:"pool_size"`
	Retry    RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty" mapstructure:"retry"`
}

// RetryConfig tunes the per-transaction retry policy. Delays are
// duration strings such as "20ms".
type RetryConfig struct {
	Attempts int    `yaml:"attempts,omitempty" json:"attempts,omitempty" mapstructure:"attempts"`
	Delay    string `yaml:"delay,omitempty" json:"delay,omitempty" mapstructure:"delay"`
	MaxDelay string `yaml:"max_delay,omitempty" json:"max_delay,omitempty" mapstructure:"max_delay"`
}

// WorkloadConfig describes what to execute and how hard to push.
type WorkloadConfig struct {
	TableFolder string       `yaml:"table_folder,omitempty" json:"table_folder,omitempty" mapstructure:"table_folder"`
	Scripts     []ScriptSpec `yaml:"scripts" json:"scripts" mapstructure:"scripts"`

	// Scale is the number of branches the benchmark tables hold. The
	// bid range defaults to [1, Scale] when not set explicitly.
	Scale          int     `yaml:"scale,omitempty" json:"scale" mapstructure:"scale"`
	BidFrom        int     `yaml:"bid_from,omitempty" json:"bid_from" mapstructure:"bid_from"`
	BidTo          int     `yaml:"bid_to,omitempty" json:"bid_to" mapstructure:"bid_to"`
	Jobs           int     `yaml:"jobs,omitempty" json:"jobs" mapstructure:"jobs"`
	Processes      int     `yaml:"processes,omitempty" json:"processes" mapstructure:"processes"`
	Duration       int     `yaml:"duration,omitempty" json:"duration" mapstructure:"duration"`
	DurationUnit   string  `yaml:"duration_unit,omitempty" json:"duration_unit" mapstructure:"duration_unit"`
	PreheatSeconds int     `yaml:"preheat_seconds,omitempty" json:"preheat_seconds" mapstructure:"preheat_seconds"`
	SingleSession  bool    `yaml:"single_session,omitempty" json:"single_session" mapstructure:"single_session"`
	MaxRate        float64 `yaml:"max_rate,omitempty" json:"max_rate,omitempty" mapstructure:"max_rate"`

	// ProgressInterval is a duration string such as "5s".
	ProgressInterval string `yaml:"progress_interval,omitempty" json:"progress_interval,omitempty" mapstructure:"progress_interval"`
	Seed             int64  `yaml:"seed,omitempty" json:"seed,omitempty" mapstructure:"seed"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnv overlays TPCB_* environment variables over file values so
// credentials can stay out of config files.
func (c *Config) applyEnv() {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if s := v.GetString("endpoint"); s != "" {
		c.Connection.Endpoint = s
	}

	if s := v.GetString("database"); s != "" {
		c.Connection.Database = s
	}

	if s := v.GetString("user"); s != "" {
		c.Connection.User = s
	}

	if s := v.GetString("password"); s != "" {
		c.Connection.Password = s
	}

	if s := v.GetString("root_cert"); s != "" {
		c.Connection.RootCert = s
	}

	if s := v.GetString("table_folder"); s != "" {
		c.Workload.TableFolder = s
	}
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.ResultsDir == "" {
		c.ResultsDir = DefaultResultsDir
	}

	if c.Workload.TableFolder == "" {
		c.Workload.TableFolder = DefaultTableFolder
	}

	if c.Workload.Scale == 0 {
		c.Workload.Scale = DefaultScale
	}

	if c.Workload.BidFrom == 0 {
		c.Workload.BidFrom = 1
	}

	if c.Workload.BidTo == 0 {
		c.Workload.BidTo = c.Workload.Scale
	}

	if c.Workload.Jobs == 0 {
		c.Workload.Jobs = DefaultJobs
	}

	if c.Workload.Processes == 0 {
		c.Workload.Processes = DefaultProcesses
	}

	if c.Workload.Duration == 0 {
		c.Workload.Duration = DefaultDuration
	}

	if c.Workload.DurationUnit == "" {
		c.Workload.DurationUnit = DefaultDurationUnit
	}

	if c.Workload.PreheatSeconds == 0 {
		c.Workload.PreheatSeconds = DefaultPreheatSeconds
	}

	if c.Workload.ProgressInterval == "" {
		c.Workload.ProgressInterval = DefaultProgressInterval
	}

	c.History.applyDefaults(c.ResultsDir)
	c.Server.applyDefaults()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Connection.Endpoint == "" {
		return fmt.Errorf("connection endpoint is required")
	}

	if c.Connection.Database == "" {
		return fmt.Errorf("connection database is required")
	}

	if c.Connection.PoolSize < 0 {
		return fmt.Errorf("connection pool_size must not be negative")
	}

	if err := c.Connection.Retry.validate(); err != nil {
		return err
	}

	if err := c.Workload.validate(); err != nil {
		return err
	}

	if c.ResultsDir != "" {
		dir := filepath.Dir(c.ResultsDir)
		if dir != "." && dir != ".." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("results directory parent %q does not exist", dir)
			}
		}
	}

	if err := c.History.validate(); err != nil {
		return err
	}

	if c.Upload != nil {
		if err := c.Upload.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (r *RetryConfig) validate() error {
	if r.Attempts < 0 {
		return fmt.Errorf("retry attempts must not be negative")
	}

	for _, d := range []struct {
		name  string
		value string
	}{
		{"retry delay", r.Delay},
		{"retry max_delay", r.MaxDelay},
	} {
		if d.value == "" {
			continue
		}

		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.name, d.value, err)
		}
	}

	return nil
}

// validDurationUnits is the list of supported duration units.
var validDurationUnits = map[string]struct{}{
	"seconds":      {},
	"transactions": {},
}

func (w *WorkloadConfig) validate() error {
	if len(w.Scripts) == 0 {
		return fmt.Errorf("at least one workload script must be configured")
	}

	for i := range w.Scripts {
		if err := w.Scripts[i].validate(); err != nil {
			return fmt.Errorf("script %d: %w", i, err)
		}
	}

	if !ValidFolderName(w.TableFolder) {
		return fmt.Errorf(
			"table folder %q may only contain letters, digits and underscores",
			w.TableFolder,
		)
	}

	if w.Scale < 1 {
		return fmt.Errorf("scale must be at least 1")
	}

	if w.BidFrom < 1 {
		return fmt.Errorf("bid_from must be at least 1")
	}

	if w.BidTo < w.BidFrom {
		return fmt.Errorf("bid range [%d, %d] is invalid", w.BidFrom, w.BidTo)
	}

	if w.Jobs < 1 {
		return fmt.Errorf("jobs must be at least 1")
	}

	if w.Processes < 1 {
		return fmt.Errorf("processes must be at least 1")
	}

	if span := w.BidTo - w.BidFrom + 1; w.Processes > span {
		return fmt.Errorf(
			"cannot split %d branches across %d processes", span, w.Processes,
		)
	}

	if w.Duration < 1 {
		return fmt.Errorf("duration must be at least 1")
	}

	if _, ok := validDurationUnits[w.DurationUnit]; !ok {
		return fmt.Errorf(
			"unknown duration_unit %q (use \"seconds\" or \"transactions\")",
			w.DurationUnit,
		)
	}

	if w.PreheatSeconds < 0 {
		return fmt.Errorf("preheat_seconds must not be negative")
	}

	if w.MaxRate < 0 {
		return fmt.Errorf("max_rate must not be negative")
	}

	if w.ProgressInterval != "" {
		d, err := time.ParseDuration(w.ProgressInterval)
		if err != nil {
			return fmt.Errorf("parsing progress_interval %q: %w", w.ProgressInterval, err)
		}

		if d <= 0 {
			return fmt.Errorf("progress_interval must be positive")
		}
	}

	return nil
}

// ProgressDuration parses the progress interval, falling back to the
// default when unset or unparseable.
func (w *WorkloadConfig) ProgressDuration() time.Duration {
	d, err := time.ParseDuration(w.ProgressInterval)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultProgressInterval)
	}

	return d
}

// RetryDurations parses the configured delay strings, falling back to
// zero values that the pool replaces with its own defaults.
func (r *RetryConfig) RetryDurations() (delay, maxDelay time.Duration, err error) {
	if r.Delay != "" {
		delay, err = time.ParseDuration(r.Delay)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing retry delay: %w", err)
		}
	}

	if r.MaxDelay != "" {
		maxDelay, err = time.ParseDuration(r.MaxDelay)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing retry max_delay: %w", err)
		}
	}

	return delay, maxDelay, nil
}
