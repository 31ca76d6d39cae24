// Package config loads the linear probe configuration from defaults, an
// optional YAML file, environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-probe/training"
)

// EnvPrefix is the prefix of environment variable overrides, e.g.
// PROBE_OPTIMIZER_LR.
const EnvPrefix = "PROBE"

// Config is the full configuration of a linear probe run.
type Config struct {
	Name      string `mapstructure:"name"`
	Seed      int64  `mapstructure:"seed"`
	MaxEpochs int    `mapstructure:"max_epochs"`
	BatchSize int    `mapstructure:"batch_size"`

	LogLevel    string `mapstructure:"log_level"`
	Development bool   `mapstructure:"development"`
	// MetricsAddr serves Prometheus metrics over HTTP when non-empty, e.g.
	// ":9090".
	MetricsAddr string `mapstructure:"metrics_addr"`

	Optimizer   OptimizerConfig  `mapstructure:"optimizer"`
	Scheduler   SchedulerConfig  `mapstructure:"scheduler"`
	Backbone    BackboneConfig   `mapstructure:"backbone"`
	Data        DataConfig       `mapstructure:"data"`
	Checkpoint  CheckpointConfig `mapstructure:"checkpoint"`
	Performance PerfConfig       `mapstructure:"performance"`

	// Finetune unfreezes the backbone during training.
	Finetune bool `mapstructure:"finetune"`
	// MixupAlpha enables mixup augmentation when positive.
	MixupAlpha float64 `mapstructure:"mixup_alpha"`
	// LabelSmoothing is the label smoothing factor of the loss.
	LabelSmoothing float64 `mapstructure:"label_smoothing"`
}

// OptimizerConfig selects and parameterizes the optimizer.
type OptimizerConfig struct {
	Name               string  `mapstructure:"name"`
	LR                 float64 `mapstructure:"lr"`
	WeightDecay        float64 `mapstructure:"weight_decay"`
	Momentum           float64 `mapstructure:"momentum"`
	Eta                float64 `mapstructure:"eta"`
	ExcludeBiasNNormWD bool    `mapstructure:"exclude_bias_n_norm_wd"`
	LayerDecay         float64 `mapstructure:"layer_decay"`
}

// SchedulerConfig selects and parameterizes the learning rate schedule.
type SchedulerConfig struct {
	Name          string  `mapstructure:"name"`
	Interval      string  `mapstructure:"interval"`
	WarmupEpochs  int     `mapstructure:"warmup_epochs"`
	WarmupStartLR float64 `mapstructure:"warmup_start_lr"`
	MinLR         float64 `mapstructure:"min_lr"`
	LRDecaySteps  []int   `mapstructure:"lr_decay_steps"`
}

// BackboneConfig sizes the built-in MLP backbone.
type BackboneConfig struct {
	InputSize int   `mapstructure:"input_size"`
	Hidden    []int `mapstructure:"hidden"`
}

// DataConfig sizes the synthetic dataset of the reference entrypoint.
type DataConfig struct {
	NumClasses   int `mapstructure:"num_classes"`
	TrainSamples int `mapstructure:"train_samples"`
	ValSamples   int `mapstructure:"val_samples"`
	// NumWorkers is the batch prefetch depth of the data loader.
	NumWorkers int `mapstructure:"num_workers"`
}

// CheckpointConfig controls checkpoint writing.
type CheckpointConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	// Frequency saves every N epochs.
	Frequency int `mapstructure:"frequency"`
}

// PerfConfig groups performance toggles.
type PerfConfig struct {
	// DisableChannelLast keeps 4-D inputs in their default memory layout.
	DisableChannelLast bool `mapstructure:"disable_channel_last"`
}

// NewViper builds a viper instance with defaults and environment overrides
// wired in.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "linear-probe")
	v.SetDefault("seed", 5)
	v.SetDefault("max_epochs", 100)
	v.SetDefault("batch_size", 128)
	v.SetDefault("log_level", "info")
	v.SetDefault("development", false)
	v.SetDefault("metrics_addr", "")

	v.SetDefault("optimizer.name", training.OptimizerSGD)
	v.SetDefault("optimizer.lr", 0.3)
	v.SetDefault("optimizer.weight_decay", 1e-4)
	v.SetDefault("optimizer.momentum", 0.9)
	v.SetDefault("optimizer.eta", 0.001)
	v.SetDefault("optimizer.exclude_bias_n_norm_wd", false)
	v.SetDefault("optimizer.layer_decay", 0.0)

	v.SetDefault("scheduler.name", training.SchedulerReduce)
	v.SetDefault("scheduler.interval", string(training.IntervalStep))
	v.SetDefault("scheduler.warmup_epochs", 10)
	v.SetDefault("scheduler.warmup_start_lr", 0.003)
	v.SetDefault("scheduler.min_lr", 0.0)

	v.SetDefault("backbone.input_size", 3072)
	v.SetDefault("backbone.hidden", []int{512, 512})

	v.SetDefault("data.num_classes", 10)
	v.SetDefault("data.train_samples", 1024)
	v.SetDefault("data.val_samples", 256)
	v.SetDefault("data.num_workers", 4)

	v.SetDefault("checkpoint.enabled", true)
	v.SetDefault("checkpoint.dir", "checkpoints")
	v.SetDefault("checkpoint.frequency", 1)

	v.SetDefault("performance.disable_channel_last", false)

	v.SetDefault("finetune", false)
	v.SetDefault("mixup_alpha", 0.0)
	v.SetDefault("label_smoothing", 0.0)
}

// AddFlags registers the command line surface and binds it to v. Flags use
// dashes; the dotted config keys stay the source of truth.
func AddFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("name", "linear-probe", "run name")
	fs.Int64("seed", 5, "random seed")
	fs.Int("max-epochs", 100, "number of training epochs")
	fs.Int("batch-size", 128, "training batch size")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")

	fs.String("optimizer", training.OptimizerSGD, "optimizer (sgd, lars, adam, adamw)")
	fs.Float64("lr", 0.3, "base learning rate")
	fs.Float64("weight-decay", 1e-4, "weight decay")
	fs.String("scheduler", training.SchedulerReduce, "scheduler (reduce, warmup_cosine, step, exponential, none)")
	fs.String("scheduler-interval", string(training.IntervalStep), "scheduler interval (step, epoch)")
	fs.Bool("finetune", false, "train the backbone along with the classifier")

	bindings := map[string]string{
		"name":                   "name",
		"seed":                   "seed",
		"max_epochs":             "max-epochs",
		"batch_size":             "batch-size",
		"log_level":              "log-level",
		"optimizer.name":         "optimizer",
		"optimizer.lr":           "lr",
		"optimizer.weight_decay": "weight-decay",
		"scheduler.name":         "scheduler",
		"scheduler.interval":     "scheduler-interval",
		"finetune":               "finetune",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %q: %w", flag, err)
		}
	}
	return nil
}

// Load reads the optional YAML file at path into v and unmarshals the full
// configuration.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for structural errors. Optimizer and
// scheduler name resolution stays with the model, which owns the supported
// sets.
func (c *Config) Validate() error {
	if c.MaxEpochs <= 0 {
		return fmt.Errorf("max_epochs must be positive, got %d", c.MaxEpochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Optimizer.LR <= 0 {
		return fmt.Errorf("optimizer.lr must be positive, got %g", c.Optimizer.LR)
	}
	if c.Optimizer.LayerDecay < 0 || c.Optimizer.LayerDecay > 1 {
		return fmt.Errorf("optimizer.layer_decay must be in [0, 1], got %g", c.Optimizer.LayerDecay)
	}
	if c.Optimizer.LayerDecay > 0 && !c.Finetune {
		return fmt.Errorf("optimizer.layer_decay requires finetune")
	}
	if !training.Interval(c.Scheduler.Interval).Valid() {
		return fmt.Errorf("scheduler.interval must be step or epoch, got %q", c.Scheduler.Interval)
	}
	if c.MixupAlpha < 0 {
		return fmt.Errorf("mixup_alpha must be non-negative, got %g", c.MixupAlpha)
	}
	if c.Backbone.InputSize <= 0 {
		return fmt.Errorf("backbone.input_size must be positive, got %d", c.Backbone.InputSize)
	}
	if len(c.Backbone.Hidden) == 0 {
		return fmt.Errorf("backbone.hidden must not be empty")
	}
	if c.Data.NumClasses <= 0 {
		return fmt.Errorf("data.num_classes must be positive, got %d", c.Data.NumClasses)
	}
	return nil
}

// WriteEffective dumps the fully resolved configuration of v as YAML, so a
// run can be reproduced from its artifacts alone. The written file loads
// back through Load.
func WriteEffective(v *viper.Viper, path string) error {
	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to serialize configuration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	return nil
}

// ToLinearConfig maps the run configuration onto the model configuration.
func (c *Config) ToLinearConfig() training.LinearConfig {
	args := training.DefaultOptimizerArgs()
	args.SGD.Momentum = c.Optimizer.Momentum
	args.LARS.Momentum = c.Optimizer.Momentum
	args.LARS.Eta = c.Optimizer.Eta
	args.LARS.ExcludeBiasAndNorm = c.Optimizer.ExcludeBiasNNormWD

	return training.LinearConfig{
		NumClasses:         c.Data.NumClasses,
		MaxEpochs:          c.MaxEpochs,
		Optimizer:          c.Optimizer.Name,
		LR:                 c.Optimizer.LR,
		WeightDecay:        c.Optimizer.WeightDecay,
		OptimizerArgs:      args,
		ExcludeBiasNNormWD: c.Optimizer.ExcludeBiasNNormWD,
		Scheduler:          c.Scheduler.Name,
		SchedulerInterval:  training.Interval(c.Scheduler.Interval),
		LRDecaySteps:       c.Scheduler.LRDecaySteps,
		WarmupEpochs:       c.Scheduler.WarmupEpochs,
		WarmupStartLR:      c.Scheduler.WarmupStartLR,
		MinLR:              c.Scheduler.MinLR,
		Finetune:           c.Finetune,
		LayerDecay:         c.Optimizer.LayerDecay,
		ChannelsLast:       !c.Performance.DisableChannelLast,
		LabelSmoothing:     c.LabelSmoothing,
	}
}
