package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nomis52/goquest/acquire"
	"github.com/nomis52/goquest/capability"
	"github.com/nomis52/goquest/logging"
	"github.com/nomis52/goquest/signals"
	"github.com/nomis52/goquest/tracing"
)

// validate checks the struct tags. It caches struct metadata, so one instance is shared.
var validate = validator.New(validator.WithRequiredStructEnabled())

const (
	// Default listener settings
	defaultListenAddr = ":8080"

	// Default environment bridge settings
	defaultBridgeTimeout = 10 * time.Second

	// Default engine settings
	defaultTickInterval = 600 * time.Millisecond
	defaultMaxRetries   = 3
	defaultMaxJitter    = 250 * time.Millisecond

	// Default signal settings
	defaultSignalInterval = 600 * time.Millisecond

	// Default history settings
	defaultMaxRuns = 100

	// Default monitoring settings
	defaultMetricsPrefix = "goquest"
	defaultJobName       = "goquest"

	// Default logging settings
	defaultLogLevel  = "info"
	defaultLogFormat = "json"
	defaultLogOutput = "stdout"

	// MinTickInterval is the fastest supported tick cadence.
	MinTickInterval = 500 * time.Millisecond

	redactedValue = "REDACTED"
)

// Config represents the complete application configuration
type Config struct {
	Listener    ListenerConfig    `yaml:"listener"`
	Environment EnvironmentConfig `yaml:"environment"`
	Engine      EngineConfig      `yaml:"engine"`
	Acquisition acquire.Config    `yaml:"acquisition"`
	Signals     SignalsConfig     `yaml:"signals"`
	// TasksFile is the path to the YAML task definitions
	TasksFile  string           `yaml:"tasks_file"`
	Cron       []CronTrigger    `yaml:"cron"`
	History    HistoryConfig    `yaml:"history"`
	Audit      AuditConfig      `yaml:"audit"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    tracing.Config   `yaml:"tracing"`
	// WatchTasks reloads the tasks file when it changes on disk
	WatchTasks bool `yaml:"watch_tasks"`
}

// ListenerConfig holds HTTP server listener settings.
type ListenerConfig struct {
	// The listen address, defaults to :8080
	Addr string `yaml:"addr"`
	// TLSCert and TLSKey enable HTTPS. Both or neither must be set; the files are
	// re-read when they change.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// EnvironmentConfig holds the environment bridge connection settings
type EnvironmentConfig struct {
	// URL is the base URL of the environment bridge
	URL string `yaml:"url" validate:"omitempty,url"`
	// Token is sent as a bearer token on every request
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
	// MarketLocation enables market purchases. Without it only local stock and storage
	// are used.
	MarketLocation *capability.Point `yaml:"market_location"`
}

// EngineConfig defines orchestrator behavior settings
type EngineConfig struct {
	// TickInterval is the cadence of the driver loop, at least 500ms
	TickInterval time.Duration `yaml:"tick_interval"`
	// MaxRetries is the number of consecutive failed units tolerated per task
	MaxRetries int           `yaml:"max_retries"`
	MaxJitter  time.Duration `yaml:"max_jitter"`
	// SuspendWhileMoving defers ticks while the agent is in transit
	SuspendWhileMoving bool `yaml:"suspend_while_moving"`
}

// SignalsConfig defines progress signal monitor settings
type SignalsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// Discovery enables watching unmapped keys for changes
	Discovery bool `yaml:"discovery"`
	// Candidates lists the keys watched in discovery mode, e.g. ["0-300", "1000"]
	Candidates []string `yaml:"candidates"`
}

// CronTrigger defines a set of tasks to start on a schedule.
type CronTrigger struct {
	// The tasks to start, in order; tasks already completed are skipped
	Tasks []string `yaml:"tasks"`
	// The cron spec to start the tasks at
	Schedule string `yaml:"schedule"`
}

// HistoryConfig holds run history settings
type HistoryConfig struct {
	// StateDir is the directory used to store run history as JSON files.
	StateDir string `yaml:"state_dir"`
	// Database is the path of a SQLite database used to store run history. At most one
	// of StateDir and Database may be set; with neither, history is kept in memory.
	Database string `yaml:"database"`
	MaxRuns  int    `yaml:"max_runs"`
}

// AuditConfig holds audit log settings
type AuditConfig struct {
	// Dir is where session audit logs are written. Empty disables the audit log.
	Dir string `yaml:"dir"`
}

// MonitoringConfig holds metrics and monitoring settings
type MonitoringConfig struct {
	// PushURL is the base URL of a Prometheus remote write receiver, used by the CLI
	PushURL       string `yaml:"push_url"`
	MetricsPrefix string `yaml:"metrics_prefix"`
	JobName       string `yaml:"jobname"`
}

// LoggingConfig defines logging behavior settings
type LoggingConfig struct {
	Level     string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format    string `yaml:"format" validate:"omitempty,oneof=json text"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// LoggerConfig converts the settings for logging.New.
func (l LoggingConfig) LoggerConfig() logging.Config {
	return logging.Config{
		Level:     l.Level,
		Format:    l.Format,
		Output:    l.Output,
		AddSource: l.AddSource,
	}
}

// Validate performs basic validation on the configuration
func (c *Config) Validate() error {
	if (c.Listener.TLSCert == "") != (c.Listener.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	if c.Environment.URL == "" {
		return fmt.Errorf("environment URL is required")
	}
	if c.Environment.Timeout <= 0 {
		return fmt.Errorf("environment timeout must be positive")
	}
	if c.Engine.TickInterval < MinTickInterval {
		return fmt.Errorf("tick interval must be at least %s, got %s", MinTickInterval, c.Engine.TickInterval)
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Engine.MaxJitter < 0 {
		return fmt.Errorf("max jitter cannot be negative")
	}
	if c.Acquisition.OrderTimeout <= 0 || c.Acquisition.PollInterval <= 0 {
		return fmt.Errorf("acquisition timeouts must be positive")
	}
	if c.Acquisition.MaxAttempts < 1 {
		return fmt.Errorf("acquisition max attempts must be at least 1")
	}
	if c.Acquisition.FallbackPrice < 1 {
		return fmt.Errorf("acquisition fallback price must be positive")
	}
	if c.Signals.PollInterval < signals.MinInterval {
		return fmt.Errorf("signal poll interval must be at least %s", signals.MinInterval)
	}
	if _, err := signals.ParseKeyRanges(c.Signals.Candidates); err != nil {
		return fmt.Errorf("invalid signal candidates: %w", err)
	}
	if c.TasksFile == "" {
		return fmt.Errorf("tasks file is required")
	}
	for i, trigger := range c.Cron {
		if trigger.Schedule == "" {
			return fmt.Errorf("cron trigger %d: schedule is required", i)
		}
		if len(trigger.Tasks) == 0 {
			return fmt.Errorf("cron trigger %d: at least one task is required", i)
		}
	}
	if c.History.MaxRuns < 1 {
		return fmt.Errorf("history max runs must be at least 1")
	}
	if c.History.StateDir != "" && c.History.Database != "" {
		return fmt.Errorf("history state_dir and database cannot both be set")
	}
	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SetDefaults sets reasonable default values for optional fields
func (c *Config) SetDefaults() {
	if c.Listener.Addr == "" {
		c.Listener.Addr = defaultListenAddr
	}
	if c.Environment.Timeout == 0 {
		c.Environment.Timeout = defaultBridgeTimeout
	}
	if c.Engine.TickInterval == 0 {
		c.Engine.TickInterval = defaultTickInterval
	}
	if c.Engine.MaxRetries == 0 {
		c.Engine.MaxRetries = defaultMaxRetries
	}
	if c.Engine.MaxJitter == 0 {
		c.Engine.MaxJitter = defaultMaxJitter
	}
	c.Acquisition.SetDefaults()
	if c.Signals.PollInterval == 0 {
		c.Signals.PollInterval = defaultSignalInterval
	}
	if c.History.MaxRuns == 0 {
		c.History.MaxRuns = defaultMaxRuns
	}
	if c.Monitoring.MetricsPrefix == "" {
		c.Monitoring.MetricsPrefix = defaultMetricsPrefix
	}
	if c.Monitoring.JobName == "" {
		c.Monitoring.JobName = defaultJobName
	}
	// Set logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = defaultLogOutput
	}
	c.Tracing.SetDefaults()
	// Defaults for boolean fields are already false, which is appropriate
}

// Redacted returns a copy of the config with secrets replaced.
func (c Config) Redacted() Config {
	if c.Environment.Token != "" {
		c.Environment.Token = redactedValue
	}
	if len(c.Tracing.Headers) > 0 {
		headers := make(map[string]string, len(c.Tracing.Headers))
		for k := range c.Tracing.Headers {
			headers[k] = redactedValue
		}
		c.Tracing.Headers = headers
	}
	c.Cron = append([]CronTrigger(nil), c.Cron...)
	c.Signals.Candidates = append([]string(nil), c.Signals.Candidates...)
	return c
}

// LoadConfig reads the YAML config file at the given path and returns a Config struct
func LoadConfig(path string) (Config, error) {
	var cfg Config
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode YAML config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
