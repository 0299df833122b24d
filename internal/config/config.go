// Package config assembles the run configuration from defaults, an optional
// YAML file, and FABTESTS_* environment variables. Command-line flags are
// applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
)

const (
	DefaultPort       = "9228"
	DefaultIterations = 1000
	DefaultSweep      = "quick"
	DefaultDomains    = 1
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FABTESTS_"

// Metric backends.
const (
	MetricsNone       = "none"
	MetricsPrometheus = "prometheus"
	MetricsOTel       = "otel"
)

// Log controls logger construction.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics selects the metric backend and where its snapshot is written.
type Metrics struct {
	Backend string `yaml:"backend"`
	File    string `yaml:"file"`
}

// Config is the complete run configuration.
type Config struct {
	Provider string `yaml:"provider"`
	Fabric   string `yaml:"fabric"`
	Domain   string `yaml:"domain"`

	DstPort string `yaml:"port"`
	SrcAddr string `yaml:"src_addr"`
	SrcPort string `yaml:"src_port"`

	// Size is the explicit transfer size; zero sweeps.
	Size       int    `yaml:"size"`
	Iterations int    `yaml:"iterations"`
	Sweep      string `yaml:"sweep"`

	MachineReadable bool `yaml:"machine_readable"`
	Domains         int  `yaml:"domains"`
	// Timeout bounds blocking waits; zero waits forever.
	Timeout time.Duration `yaml:"timeout"`

	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DstPort:    DefaultPort,
		SrcPort:    DefaultPort,
		Iterations: DefaultIterations,
		Sweep:      DefaultSweep,
		Domains:    DefaultDomains,
		Log:        Log{Level: "info", Format: "console"},
		Metrics:    Metrics{Backend: MetricsNone},
	}
}

// Load starts from Default, merges the YAML file at path when path is not
// empty, and applies the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.MergeFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// MergeFile overlays the keys present in the YAML file at path.
func (c *Config) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: %s: %w", path, fabric.ErrInvalidConfig)
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %v: %w", path, err, fabric.ErrInvalidConfig)
	}
	return nil
}

// ApplyEnv overlays FABTESTS_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"PROVIDER":     &c.Provider,
		"FABRIC":       &c.Fabric,
		"DOMAIN":       &c.Domain,
		"PORT":         &c.DstPort,
		"SRC_ADDR":     &c.SrcAddr,
		"SRC_PORT":     &c.SrcPort,
		"SWEEP":        &c.Sweep,
		"LOG_LEVEL":    &c.Log.Level,
		"LOG_FORMAT":   &c.Log.Format,
		"METRICS":      &c.Metrics.Backend,
		"METRICS_FILE": &c.Metrics.File,
	}
	for key, dst := range str {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	var err error
	ints := map[string]*int{
		"SIZE":       &c.Size,
		"ITERATIONS": &c.Iterations,
		"DOMAINS":    &c.Domains,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, perr := strconv.Atoi(strings.TrimSpace(v))
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("config: %s%s=%q: %w", EnvPrefix, key, v, fabric.ErrInvalidConfig))
			continue
		}
		*dst = n
	}
	if v, ok := lookup(EnvPrefix + "MACHINE_READABLE"); ok {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("config: %sMACHINE_READABLE=%q: %w", EnvPrefix, v, fabric.ErrInvalidConfig))
		} else {
			c.MachineReadable = b
		}
	}
	if v, ok := lookup(EnvPrefix + "TIMEOUT"); ok {
		d, perr := time.ParseDuration(v)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("config: %sTIMEOUT=%q: %w", EnvPrefix, v, fabric.ErrInvalidConfig))
		} else {
			c.Timeout = d
		}
	}
	return err
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var err error
	bad := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf("config: "+format+": %w", append(args, fabric.ErrInvalidConfig)...))
	}
	if c.Size < 0 {
		bad("size %d is negative", c.Size)
	}
	if c.Iterations <= 0 {
		bad("iterations %d must be positive", c.Iterations)
	}
	if c.Domains < 1 {
		bad("domains %d must be at least 1", c.Domains)
	}
	if c.Timeout < 0 {
		bad("timeout %s is negative", c.Timeout)
	}
	switch strings.ToLower(c.Sweep) {
	case "quick", "all", "":
	default:
		bad("unknown sweep level %q", c.Sweep)
	}
	switch c.Log.Format {
	case "console", "json", "":
	default:
		bad("unknown log format %q", c.Log.Format)
	}
	switch c.Metrics.Backend {
	case MetricsNone, "":
		if c.Metrics.File != "" {
			bad("metrics file %q needs a metrics backend", c.Metrics.File)
		}
	case MetricsPrometheus, MetricsOTel:
	default:
		bad("unknown metrics backend %q", c.Metrics.Backend)
	}
	return err
}

// Hints returns the provider selection part of the configuration.
func (c Config) Hints(base fabric.Hints) fabric.Hints {
	base.Provider = c.Provider
	base.Fabric = c.Fabric
	base.Domain = c.Domain
	return base
}
