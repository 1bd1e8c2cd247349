package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"inverted window":      func(c *Config) { c.Delays.Like.Min = time.Hour; c.Delays.Like.Max = time.Minute },
		"negative window":      func(c *Config) { c.Delays.Comment.Min = -time.Minute },
		"oversized jitter":     func(c *Config) { c.Delays.Repost.Jitter = 0.9 },
		"zero cap":             func(c *Config) { c.Scheduling.LikeCap = 0 },
		"unknown backend":      func(c *Config) { c.Queue.Backend = "kafka" },
		"zero workers":         func(c *Config) { c.Workers.Concurrency = 0 },
		"zero timeout":         func(c *Config) { c.Workers.ExecTimeout = 0 },
		"zero lock margin":     func(c *Config) { c.Workers.LockMargin = 0 },
		"inverted backoff":     func(c *Config) { c.Workers.BackoffMax = c.Workers.BackoffBase / 2 },
		"unknown over general": func(c *Config) { c.Workers.UnknownRetries = c.Workers.MaxRetries + 1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLockDurationAddsMargin(t *testing.T) {
	w := Default().Workers
	require.Equal(t, w.ExecTimeout+w.LockMargin, w.LockDuration())
	require.Greater(t, w.LockDuration(), w.ExecTimeout,
		"lock must outlast the execution timeout")
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "podamp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
delays:
  like:
    min: 2m
    max: 9m
scheduling:
  like_cap: 7
workers:
  concurrency: 12
  exec_timeout: 45s
`), 0o644))

	t.Setenv("PODAMP_WORKERS", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Scheduling.LikeCap, "file overrides defaults")
	require.Equal(t, 3, cfg.Workers.Concurrency, "env overrides the file")
	require.Equal(t, 2*time.Minute, cfg.Delays.Like.Min)
	require.Equal(t, 9*time.Minute, cfg.Delays.Like.Max)
	require.Equal(t, 45*time.Second, cfg.Workers.ExecTimeout)
	require.Equal(t, Default().Workers.BackoffBase, cfg.Workers.BackoffBase,
		"unset keys keep defaults")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "podamp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers:\n  exec_timeout: soon\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadFailsFastOnInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "podamp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduling:\n  like_cap: -1\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
