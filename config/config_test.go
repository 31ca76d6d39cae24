package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-probe/training"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "linear-probe", cfg.Name)
	assert.Equal(t, 100, cfg.MaxEpochs)
	assert.Equal(t, 128, cfg.BatchSize)
	assert.Equal(t, training.OptimizerSGD, cfg.Optimizer.Name)
	assert.InDelta(t, 0.3, cfg.Optimizer.LR, 1e-12)
	assert.InDelta(t, 1e-4, cfg.Optimizer.WeightDecay, 1e-12)
	assert.Equal(t, training.SchedulerReduce, cfg.Scheduler.Name)
	assert.Equal(t, string(training.IntervalStep), cfg.Scheduler.Interval)
	assert.Equal(t, 10, cfg.Scheduler.WarmupEpochs)
	assert.InDelta(t, 0.003, cfg.Scheduler.WarmupStartLR, 1e-12)
	assert.False(t, cfg.Finetune)
	assert.False(t, cfg.Performance.DisableChannelLast)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.yaml")
	content := []byte(`
max_epochs: 30
optimizer:
  name: lars
  lr: 0.1
  exclude_bias_n_norm_wd: true
scheduler:
  name: warmup_cosine
  interval: epoch
  warmup_epochs: 3
finetune: true
performance:
  disable_channel_last: true
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.MaxEpochs)
	assert.Equal(t, training.OptimizerLARS, cfg.Optimizer.Name)
	assert.InDelta(t, 0.1, cfg.Optimizer.LR, 1e-12)
	assert.True(t, cfg.Optimizer.ExcludeBiasNNormWD)
	assert.Equal(t, training.SchedulerWarmupCosine, cfg.Scheduler.Name)
	assert.Equal(t, 3, cfg.Scheduler.WarmupEpochs)
	assert.True(t, cfg.Finetune)
	// File overrides leave unrelated defaults intact.
	assert.Equal(t, 128, cfg.BatchSize)

	lc := cfg.ToLinearConfig()
	assert.False(t, lc.ChannelsLast)
	assert.Equal(t, training.IntervalEpoch, lc.SchedulerInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestFlagOverrides(t *testing.T) {
	v := NewViper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, AddFlags(fs, v))
	require.NoError(t, fs.Parse([]string{
		"--optimizer=adamw",
		"--lr=0.001",
		"--max-epochs=20",
		"--scheduler=none",
		"--finetune",
	}))

	cfg, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, training.OptimizerAdamW, cfg.Optimizer.Name)
	assert.InDelta(t, 0.001, cfg.Optimizer.LR, 1e-12)
	assert.Equal(t, 20, cfg.MaxEpochs)
	assert.Equal(t, training.SchedulerNone, cfg.Scheduler.Name)
	assert.True(t, cfg.Finetune)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(NewViper(), "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero epochs", func(c *Config) { c.MaxEpochs = 0 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"non-positive lr", func(c *Config) { c.Optimizer.LR = 0 }},
		{"layer decay out of range", func(c *Config) { c.Optimizer.LayerDecay = 1.5 }},
		{"layer decay without finetune", func(c *Config) { c.Optimizer.LayerDecay = 0.5 }},
		{"bad interval", func(c *Config) { c.Scheduler.Interval = "batch" }},
		{"negative mixup", func(c *Config) { c.MixupAlpha = -1 }},
		{"empty backbone", func(c *Config) { c.Backbone.Hidden = nil }},
		{"zero classes", func(c *Config) { c.Data.NumClasses = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWriteEffective(t *testing.T) {
	v := NewViper()
	v.Set("max_epochs", 17)
	v.Set("optimizer.name", training.OptimizerAdam)

	path := filepath.Join(t.TempDir(), "effective.yaml")
	require.NoError(t, WriteEffective(v, path))

	// The dumped file reproduces the run when loaded back.
	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, 17, cfg.MaxEpochs)
	assert.Equal(t, training.OptimizerAdam, cfg.Optimizer.Name)
}

func TestToLinearConfig(t *testing.T) {
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	cfg.Optimizer.Name = training.OptimizerLARS
	cfg.Optimizer.Momentum = 0.8
	cfg.Optimizer.Eta = 0.002
	cfg.Optimizer.ExcludeBiasNNormWD = true

	lc := cfg.ToLinearConfig()
	assert.Equal(t, training.OptimizerLARS, lc.Optimizer)
	assert.InDelta(t, 0.8, lc.OptimizerArgs.LARS.Momentum, 1e-12)
	assert.InDelta(t, 0.002, lc.OptimizerArgs.LARS.Eta, 1e-12)
	assert.True(t, lc.OptimizerArgs.LARS.ExcludeBiasAndNorm)
	assert.True(t, lc.ExcludeBiasNNormWD)
	assert.Equal(t, 10, lc.NumClasses)
	assert.True(t, lc.ChannelsLast)
}
