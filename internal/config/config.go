// Package config centralises runtime configuration for the podamp engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Window bounds the randomized delay for one action kind. Jitter is a
// fraction of the window span applied symmetrically around the staggered
// base delay.
type Window struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Jitter float64       `yaml:"jitter"`
}

// Delays holds per-action-kind timing windows.
type Delays struct {
	Like    Window `yaml:"like"`
	Comment Window `yaml:"comment"`
	Repost  Window `yaml:"repost"`
}

// Scheduling controls the scheduler's cap and cadence.
type Scheduling struct {
	LikeCap       int           `yaml:"like_cap"`
	MemberSpacing time.Duration `yaml:"member_spacing"`
	SweepSpec     string        `yaml:"sweep_spec"`
}

// Queue selects and tunes the dispatch-queue backend.
type Queue struct {
	Backend      string        `yaml:"backend"` // "sqlite" or "redis"
	RedisAddr    string        `yaml:"redis_addr"`
	RedisDB      int           `yaml:"redis_db"`
	RetentionAge time.Duration `yaml:"retention_age"`
}

// Workers tunes the execution pool.
type Workers struct {
	Concurrency    int           `yaml:"concurrency"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ExecTimeout    time.Duration `yaml:"exec_timeout"`
	LockMargin     time.Duration `yaml:"lock_margin"`
	MaxRetries     int           `yaml:"max_retries"`
	UnknownRetries int           `yaml:"unknown_retries"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	ExecRateLimit  float64       `yaml:"exec_rate_limit"` // executions per second across the pool
	DueTolerance   time.Duration `yaml:"due_tolerance"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// Config is the full configuration tree.
type Config struct {
	Delays     Delays     `yaml:"delays"`
	Scheduling Scheduling `yaml:"scheduling"`
	Queue      Queue      `yaml:"queue"`
	Workers    Workers    `yaml:"workers"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Delays: Delays{
			Like:    Window{Min: 5 * time.Minute, Max: 30 * time.Minute, Jitter: 0.125},
			Comment: Window{Min: 1 * time.Hour, Max: 6 * time.Hour, Jitter: 0.2},
			Repost:  Window{Min: 10 * time.Minute, Max: 2 * time.Hour, Jitter: 0.15},
		},
		Scheduling: Scheduling{
			LikeCap:       3,
			MemberSpacing: 2 * time.Minute,
			SweepSpec:     "@every 1m",
		},
		Queue: Queue{
			Backend:      "sqlite",
			RedisAddr:    "localhost:6379",
			RetentionAge: 24 * time.Hour,
		},
		Workers: Workers{
			Concurrency:    5,
			PollInterval:   250 * time.Millisecond,
			ExecTimeout:    30 * time.Second,
			LockMargin:     5 * time.Second,
			MaxRetries:     3,
			UnknownRetries: 1,
			BackoffBase:    500 * time.Millisecond,
			BackoffMax:     time.Minute,
			ExecRateLimit:  2,
			DueTolerance:   2 * time.Second,
			ShutdownGrace:  30 * time.Second,
		},
	}
}

// LockDuration is how long a dequeued job stays invisible to other workers:
// the execution timeout plus a fixed safety margin.
func (w Workers) LockDuration() time.Duration {
	return w.ExecTimeout + w.LockMargin
}

// fileConfig mirrors Config for YAML decoding. Durations are strings
// ("30s", "5m") and every field is a pointer so unset keys keep defaults.
type fileWindow struct {
	Min    *string  `yaml:"min"`
	Max    *string  `yaml:"max"`
	Jitter *float64 `yaml:"jitter"`
}

type fileConfig struct {
	Delays struct {
		Like    fileWindow `yaml:"like"`
		Comment fileWindow `yaml:"comment"`
		Repost  fileWindow `yaml:"repost"`
	} `yaml:"delays"`
	Scheduling struct {
		LikeCap       *int    `yaml:"like_cap"`
		MemberSpacing *string `yaml:"member_spacing"`
		SweepSpec     *string `yaml:"sweep_spec"`
	} `yaml:"scheduling"`
	Queue struct {
		Backend      *string `yaml:"backend"`
		RedisAddr    *string `yaml:"redis_addr"`
		RedisDB      *int    `yaml:"redis_db"`
		RetentionAge *string `yaml:"retention_age"`
	} `yaml:"queue"`
	Workers struct {
		Concurrency    *int     `yaml:"concurrency"`
		PollInterval   *string  `yaml:"poll_interval"`
		ExecTimeout    *string  `yaml:"exec_timeout"`
		LockMargin     *string  `yaml:"lock_margin"`
		MaxRetries     *int     `yaml:"max_retries"`
		UnknownRetries *int     `yaml:"unknown_retries"`
		BackoffBase    *string  `yaml:"backoff_base"`
		BackoffMax     *string  `yaml:"backoff_max"`
		ExecRateLimit  *float64 `yaml:"exec_rate_limit"`
		DueTolerance   *string  `yaml:"due_tolerance"`
		ShutdownGrace  *string  `yaml:"shutdown_grace"`
	} `yaml:"workers"`
}

func setDur(dst *time.Duration, src *string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", *src, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setStr(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func (w *Window) merge(f fileWindow) error {
	if err := setDur(&w.Min, f.Min); err != nil {
		return err
	}
	if err := setDur(&w.Max, f.Max); err != nil {
		return err
	}
	setFloat(&w.Jitter, f.Jitter)
	return nil
}

func (c *Config) merge(f fileConfig) error {
	if err := c.Delays.Like.merge(f.Delays.Like); err != nil {
		return err
	}
	if err := c.Delays.Comment.merge(f.Delays.Comment); err != nil {
		return err
	}
	if err := c.Delays.Repost.merge(f.Delays.Repost); err != nil {
		return err
	}

	setInt(&c.Scheduling.LikeCap, f.Scheduling.LikeCap)
	setStr(&c.Scheduling.SweepSpec, f.Scheduling.SweepSpec)
	if err := setDur(&c.Scheduling.MemberSpacing, f.Scheduling.MemberSpacing); err != nil {
		return err
	}

	setStr(&c.Queue.Backend, f.Queue.Backend)
	setStr(&c.Queue.RedisAddr, f.Queue.RedisAddr)
	setInt(&c.Queue.RedisDB, f.Queue.RedisDB)
	if err := setDur(&c.Queue.RetentionAge, f.Queue.RetentionAge); err != nil {
		return err
	}

	setInt(&c.Workers.Concurrency, f.Workers.Concurrency)
	setInt(&c.Workers.MaxRetries, f.Workers.MaxRetries)
	setInt(&c.Workers.UnknownRetries, f.Workers.UnknownRetries)
	setFloat(&c.Workers.ExecRateLimit, f.Workers.ExecRateLimit)
	for _, pair := range []struct {
		dst *time.Duration
		src *string
	}{
		{&c.Workers.PollInterval, f.Workers.PollInterval},
		{&c.Workers.ExecTimeout, f.Workers.ExecTimeout},
		{&c.Workers.LockMargin, f.Workers.LockMargin},
		{&c.Workers.BackoffBase, f.Workers.BackoffBase},
		{&c.Workers.BackoffMax, f.Workers.BackoffMax},
		{&c.Workers.DueTolerance, f.Workers.DueTolerance},
		{&c.Workers.ShutdownGrace, f.Workers.ShutdownGrace},
	} {
		if err := setDur(pair.dst, pair.src); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a YAML file over the defaults, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
		if err := cfg.merge(fc); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("PODAMP_QUEUE_BACKEND")); v != "" {
		c.Queue.Backend = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("PODAMP_REDIS_ADDR")); v != "" {
		c.Queue.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("PODAMP_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.Concurrency = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("PODAMP_LIKE_CAP")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduling.LikeCap = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("PODAMP_EXEC_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Workers.ExecTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("PODAMP_SWEEP_SPEC")); v != "" {
		c.Scheduling.SweepSpec = v
	}
}

func (w Window) validate(name string) error {
	if w.Min <= 0 || w.Max <= 0 {
		return fmt.Errorf("config: %s window bounds must be positive", name)
	}
	if w.Min >= w.Max {
		return fmt.Errorf("config: %s window min %v must be below max %v", name, w.Min, w.Max)
	}
	if w.Jitter < 0 || w.Jitter > 0.5 {
		return fmt.Errorf("config: %s jitter %v out of range [0, 0.5]", name, w.Jitter)
	}
	return nil
}

// Validate fails fast on values that would misbehave at runtime.
func (c Config) Validate() error {
	if err := c.Delays.Like.validate("like"); err != nil {
		return err
	}
	if err := c.Delays.Comment.validate("comment"); err != nil {
		return err
	}
	if err := c.Delays.Repost.validate("repost"); err != nil {
		return err
	}
	if c.Scheduling.LikeCap <= 0 {
		return fmt.Errorf("config: like_cap must be positive, got %d", c.Scheduling.LikeCap)
	}
	if c.Scheduling.MemberSpacing < 0 {
		return fmt.Errorf("config: member_spacing must not be negative")
	}
	if c.Queue.Backend != "sqlite" && c.Queue.Backend != "redis" {
		return fmt.Errorf("config: unknown queue backend %q", c.Queue.Backend)
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("config: worker concurrency must be positive, got %d", c.Workers.Concurrency)
	}
	if c.Workers.ExecTimeout <= 0 {
		return fmt.Errorf("config: exec_timeout must be positive")
	}
	if c.Workers.LockMargin <= 0 {
		return fmt.Errorf("config: lock_margin must be positive")
	}
	if c.Workers.MaxRetries < 0 || c.Workers.UnknownRetries < 0 {
		return fmt.Errorf("config: retry counts must not be negative")
	}
	if c.Workers.UnknownRetries > c.Workers.MaxRetries {
		return fmt.Errorf("config: unknown_retries %d exceeds max_retries %d",
			c.Workers.UnknownRetries, c.Workers.MaxRetries)
	}
	if c.Workers.BackoffBase <= 0 || c.Workers.BackoffMax < c.Workers.BackoffBase {
		return fmt.Errorf("config: backoff_base must be positive and below backoff_max")
	}
	if c.Workers.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	return nil
}
