package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/thecodingguy1/DomainMap/jobs"
	"github.com/thecodingguy1/DomainMap/report"
	"github.com/thecodingguy1/DomainMap/scanner"
)

// DefaultConfigFile is read when present and no --config is given.
const DefaultConfigFile = "domainmap.yaml"

type Config struct {
	Input       string        `yaml:"input"`
	Output      string        `yaml:"output"`
	Format      string        `yaml:"format"`
	Report      bool          `yaml:"report"`
	Rate        float64       `yaml:"rate"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	UserAgent   string        `yaml:"user_agent"`
	Insecure    bool          `yaml:"insecure"`
	Scheme      string        `yaml:"scheme"`
	CDN         bool          `yaml:"cdn"`
	NoColor     bool          `yaml:"no_color"`
	NoProgress  bool          `yaml:"no_progress"`
	Verbose     bool          `yaml:"verbose"`
	Silent      bool          `yaml:"silent"`

	Server ServerConfig `yaml:"server"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	MaxJobs      int           `yaml:"max_jobs"`
	JobTTL       time.Duration `yaml:"job_ttl"`
	AllowPrivate bool          `yaml:"allow_private"`
}

func defaultConfig() Config {
	return Config{
		Timeout: scanner.DefaultTimeout,
		Scheme:  string(scanner.SchemeHTTPS),
		Server: ServerConfig{
			Port:    8080,
			MaxJobs: jobs.DefaultMaxConcurrentJobs,
			JobTTL:  time.Hour,
		},
	}
}

// loadConfig layers defaults, the YAML file and explicitly set flags, in
// that order. A missing default file is not an error; a missing explicit
// one is.
func loadConfig(flags *pflag.FlagSet) (Config, error) {
	cfg := defaultConfig()

	path, _ := flags.GetString("config")
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	if err := loadConfigFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}

	if err := applyFlags(flags, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyFlags(flags *pflag.FlagSet, cfg *Config) error {
	var err error
	set := func(name string, apply func() error) {
		if err == nil && flags.Lookup(name) != nil && flags.Changed(name) {
			err = apply()
		}
	}

	set("input", func() (e error) { cfg.Input, e = flags.GetString("input"); return })
	set("output", func() (e error) { cfg.Output, e = flags.GetString("output"); return })
	set("format", func() (e error) { cfg.Format, e = flags.GetString("format"); return })
	set("report", func() (e error) { cfg.Report, e = flags.GetBool("report"); return })
	set("rate", func() (e error) { cfg.Rate, e = flags.GetFloat64("rate"); return })
	set("concurrency", func() (e error) { cfg.Concurrency, e = flags.GetInt("concurrency"); return })
	set("timeout", func() (e error) { cfg.Timeout, e = flags.GetDuration("timeout"); return })
	set("user-agent", func() (e error) { cfg.UserAgent, e = flags.GetString("user-agent"); return })
	set("insecure", func() (e error) { cfg.Insecure, e = flags.GetBool("insecure"); return })
	set("scheme", func() (e error) { cfg.Scheme, e = flags.GetString("scheme"); return })
	set("cdn", func() (e error) { cfg.CDN, e = flags.GetBool("cdn"); return })
	set("no-color", func() (e error) { cfg.NoColor, e = flags.GetBool("no-color"); return })
	set("no-progress", func() (e error) { cfg.NoProgress, e = flags.GetBool("no-progress"); return })
	set("verbose", func() (e error) { cfg.Verbose, e = flags.GetBool("verbose"); return })
	set("silent", func() (e error) { cfg.Silent, e = flags.GetBool("silent"); return })

	set("port", func() (e error) { cfg.Server.Port, e = flags.GetInt("port"); return })
	set("max-jobs", func() (e error) { cfg.Server.MaxJobs, e = flags.GetInt("max-jobs"); return })
	set("job-ttl", func() (e error) { cfg.Server.JobTTL, e = flags.GetDuration("job-ttl"); return })
	set("allow-private", func() (e error) { cfg.Server.AllowPrivate, e = flags.GetBool("allow-private"); return })

	return err
}

func (c Config) Validate() error {
	if c.Rate < 0 {
		return fmt.Errorf("rate must not be negative, got %v", c.Rate)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.Format != "" {
		if _, err := report.ParseFormat(c.Format); err != nil {
			return err
		}
	}
	switch scanner.Scheme(c.Scheme) {
	case scanner.SchemeHTTP, scanner.SchemeHTTPS:
	default:
		return fmt.Errorf("%w: default scheme %q", scanner.ErrInvalidScheme, c.Scheme)
	}
	if c.Verbose && c.Silent {
		return errors.New("verbose and silent are mutually exclusive")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Server.MaxJobs < 1 {
		return fmt.Errorf("max jobs must be at least 1, got %d", c.Server.MaxJobs)
	}
	if c.Server.JobTTL <= 0 {
		return fmt.Errorf("job ttl must be positive, got %s", c.Server.JobTTL)
	}
	return nil
}

// OutputFormat resolves the export format from the config or the file name.
func (c Config) OutputFormat(path string) report.Format {
	if f, err := report.ParseFormat(c.Format); err == nil {
		return f
	}
	return report.FormatFromPath(path)
}
