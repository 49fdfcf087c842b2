// Package config loads the daemon's mandatory environment variables and
// an optional YAML file of operational tuning constants (max concurrent
// loop processes, watch backoff timing, HTTP concurrency limits, and so
// on), externally adjustable rather than fixed at compile time. Absence
// of the environment variables is fatal; absence of the tuning file just
// means the documented defaults apply.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	Home    string // CABLE_HOME: directory containing the loop executable
	Queues  string // CABLE_QUEUES: parent of queue/ and rqueue/
	Certs   string // CABLE_CERTS: directory containing username, ca.pem and verify.pem
	Host    string // CABLE_HOST: bind address, empty = all interfaces
	Port    string // CABLE_PORT: bind port
	NoLoop  bool   // CABLE_NOLOOP: disables the watcher loop (test only)
	NoWatch bool   // CABLE_NOWATCH: skip notification registration, polling only (test only)

	Tuning Tuning
}

// Tuning holds operational constants that are adjustable at runtime.
type Tuning struct {
	MaxProc  int           `yaml:"max_proc"`
	WaitProc time.Duration `yaml:"wait_proc"`

	RetryTimeout time.Duration `yaml:"retry_timeout"`

	WatchBackoffInit time.Duration `yaml:"watch_backoff_init"`
	WatchBackoffMult float64       `yaml:"watch_backoff_mult"`
	WatchBackoffMax  time.Duration `yaml:"watch_backoff_max"`

	MaxThreads int `yaml:"max_threads"`
	MaxConns   int `yaml:"max_conns"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// DefaultTuning returns the documented production defaults.
func DefaultTuning() Tuning {
	return Tuning{
		MaxProc:  100,
		WaitProc: 300 * time.Second,

		RetryTimeout: 150 * time.Second,

		WatchBackoffInit: 2 * time.Second,
		WatchBackoffMult: 1.5,
		WatchBackoffMax:  60 * time.Second,

		MaxThreads: 4,
		MaxConns:   100,

		MetricsAddr: "127.0.0.1:9090",
		LogLevel:    "info",
		LogFormat:   "json",
	}
}

// Load resolves Config from the environment, applying CABLE_CONFIG (if
// set) over the built-in defaults for Tuning. All validation errors are
// aggregated into a single returned error.
func Load() (*Config, error) {
	var errs []string

	cfg := &Config{Tuning: DefaultTuning()}

	cfg.Home = requireEnv("CABLE_HOME", &errs)
	cfg.Queues = requireEnv("CABLE_QUEUES", &errs)
	cfg.Certs = requireEnv("CABLE_CERTS", &errs)
	// CABLE_HOST may be empty (all interfaces) but must be set.
	host, ok := os.LookupEnv("CABLE_HOST")
	if !ok {
		errs = append(errs, "CABLE_HOST is required")
	}
	cfg.Host = host
	cfg.Port = requireEnv("CABLE_PORT", &errs)

	cfg.NoLoop = os.Getenv("CABLE_NOLOOP") != ""
	cfg.NoWatch = os.Getenv("CABLE_NOWATCH") != ""

	// Test mode (CABLE_NOLOOP) runs with a smaller default HTTP worker
	// count; a tuning file can still override it.
	if cfg.NoLoop {
		cfg.Tuning.MaxThreads = 2
	}

	if path := os.Getenv("CABLE_CONFIG"); path != "" {
		if err := loadTuningFile(path, &cfg.Tuning); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if err := Validate(cfg); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func requireEnv(name string, errs *[]string) string {
	v := os.Getenv(name)
	if v == "" {
		*errs = append(*errs, fmt.Sprintf("%s is required", name))
	}
	return v
}

func loadTuningFile(path string, t *Tuning) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate aggregates every tuning-field violation into one error,
// mirroring a Defaults/Load/Validate aggregated-error pattern.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Tuning.MaxProc <= 0 {
		errs = append(errs, "tuning.max_proc must be positive")
	}
	if cfg.Tuning.WaitProc <= 0 {
		errs = append(errs, "tuning.wait_proc must be positive")
	}
	if cfg.Tuning.RetryTimeout <= 0 {
		errs = append(errs, "tuning.retry_timeout must be positive")
	}
	if cfg.Tuning.WatchBackoffInit <= 0 {
		errs = append(errs, "tuning.watch_backoff_init must be positive")
	}
	if cfg.Tuning.WatchBackoffMult <= 1.0 {
		errs = append(errs, "tuning.watch_backoff_mult must be greater than 1.0")
	}
	if cfg.Tuning.WatchBackoffMax < cfg.Tuning.WatchBackoffInit {
		errs = append(errs, "tuning.watch_backoff_max must be >= watch_backoff_init")
	}
	if cfg.Tuning.MaxThreads <= 0 {
		errs = append(errs, "tuning.max_threads must be positive")
	}
	if cfg.Tuning.MaxConns <= 0 {
		errs = append(errs, "tuning.max_conns must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid tuning: %s", strings.Join(errs, "; "))
	}
	return nil
}
