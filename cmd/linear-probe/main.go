// Command linear-probe trains a linear classifier on top of a pretrained
// backbone and reports top-1/top-5 accuracy. The reference entrypoint runs
// against the built-in MLP backbone and a synthetic dataset; it exists to
// exercise the full training loop end to end.
package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tsawler/go-probe/checkpoints"
	"github.com/tsawler/go-probe/config"
	"github.com/tsawler/go-probe/layers"
	"github.com/tsawler/go-probe/logging"
	"github.com/tsawler/go-probe/training"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "linear-probe: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("linear-probe", pflag.ContinueOnError)
	v := config.NewViper()
	if err := config.AddFlags(fs, v); err != nil {
		return err
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	configPath, err := fs.GetString("config")
	if err != nil {
		return err
	}
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting linear probe",
		zap.String("name", cfg.Name),
		zap.String("optimizer", cfg.Optimizer.Name),
		zap.String("scheduler", cfg.Scheduler.Name),
		zap.Bool("finetune", cfg.Finetune),
	)

	sink, err := buildSink(cfg, logger)
	if err != nil {
		return err
	}

	layers.SetRandomSeed(cfg.Seed)
	backbone, err := layers.NewMLPBackbone(cfg.Backbone.InputSize, cfg.Backbone.Hidden)
	if err != nil {
		return fmt.Errorf("failed to build backbone: %w", err)
	}

	var mixup *training.Mixup
	if cfg.MixupAlpha > 0 {
		mixup, err = training.NewMixup(cfg.MixupAlpha, cfg.Data.NumClasses, uint64(cfg.Seed))
		if err != nil {
			return fmt.Errorf("failed to build mixup: %w", err)
		}
	}

	model, err := training.NewLinearEvalModel(backbone, mixup, sink, logger, cfg.ToLinearConfig())
	if err != nil {
		return fmt.Errorf("failed to build model: %w", err)
	}

	trainDS := training.NewRandomDataset(cfg.Data.TrainSamples, []int{cfg.Backbone.InputSize}, cfg.Data.NumClasses, cfg.Seed)
	valDS := training.NewRandomDataset(cfg.Data.ValSamples, []int{cfg.Backbone.InputSize}, cfg.Data.NumClasses, cfg.Seed+1)

	trainDL, err := training.NewDataLoader(trainDS, cfg.BatchSize, true, cfg.Seed)
	if err != nil {
		return fmt.Errorf("failed to build train loader: %w", err)
	}
	trainDL.SetPrefetch(cfg.Data.NumWorkers)
	valDL, err := training.NewDataLoader(valDS, cfg.BatchSize, false, cfg.Seed)
	if err != nil {
		return fmt.Errorf("failed to build val loader: %w", err)
	}

	trainer, err := training.NewTrainer(model, trainDL, valDL, logger, training.TrainerConfig{MaxEpochs: cfg.MaxEpochs})
	if err != nil {
		return fmt.Errorf("failed to build trainer: %w", err)
	}

	if cfg.Checkpoint.Enabled {
		effective := filepath.Join(cfg.Checkpoint.Dir, "config.yaml")
		if err := config.WriteEffective(v, effective); err != nil {
			return err
		}
		trainer.OnEpochEnd(checkpoints.EpochSaver(
			cfg.Checkpoint.Dir, cfg.Name, cfg.Checkpoint.Frequency, model,
			trainer.Optimizer, trainer.GlobalStep,
		))
	}

	if err := trainer.Fit(); err != nil {
		return err
	}

	if metrics := model.LastValidationMetrics(); metrics != nil {
		logger.Info("final validation metrics",
			zap.Float64("val_loss", metrics["val_loss"]),
			zap.Float64("val_acc1", metrics["val_acc1"]),
			zap.Float64("val_acc5", metrics["val_acc5"]),
		)
	}
	return nil
}

// buildSink assembles the metric pipeline: structured logs always, plus a
// Prometheus endpoint when configured.
func buildSink(cfg *config.Config, logger *zap.Logger) (training.MetricSink, error) {
	zapSink := logging.NewZapSink(logger)
	if cfg.MetricsAddr == "" {
		return zapSink, nil
	}

	reg := prometheus.NewRegistry()
	promSink, err := logging.NewPrometheusSink("probe", reg)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))

	return logging.NewMultiSink(zapSink, promSink), nil
}
