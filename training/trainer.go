package training

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tsawler/go-probe/optimizer"
)

// TrainerConfig configures the fitting loop.
type TrainerConfig struct {
	// MaxEpochs overrides the model's epoch count when positive.
	MaxEpochs int
	// ValEvery runs validation every N epochs. Zero or one validates every
	// epoch.
	ValEvery int
	// EarlyStopPatience stops the run after N validation epochs without a
	// val_loss improvement. Zero disables early stopping.
	EarlyStopPatience int
}

// EpochHook is called after each epoch with the validation metrics of that
// epoch, or nil when the epoch skipped validation. Returning an error aborts
// the run. Checkpoint writers hang off this hook.
type EpochHook func(epoch int, metrics map[string]float64) error

// Trainer drives the optimization loop of a LinearEvalModel: per-batch
// gradient steps, scheduler ticks, and per-epoch validation.
type Trainer struct {
	model       *LinearEvalModel
	trainLoader *DataLoader
	valLoader   *DataLoader
	logger      *zap.Logger
	cfg         TrainerConfig

	opt        optimizer.Optimizer
	sched      *SchedulerSpec
	baseLR     float64
	globalStep int
	hooks      []EpochHook

	bestValLoss   float64
	bestValSet    bool
	epochsNoImpro int
}

// NewTrainer creates a trainer. valLoader may be nil to train without
// validation.
func NewTrainer(model *LinearEvalModel, trainLoader, valLoader *DataLoader, logger *zap.Logger, cfg TrainerConfig) (*Trainer, error) {
	if model == nil {
		return nil, fmt.Errorf("trainer requires a model")
	}
	if trainLoader == nil {
		return nil, fmt.Errorf("trainer requires a training data loader")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxEpochs <= 0 {
		cfg.MaxEpochs = model.Config().MaxEpochs
	}
	if cfg.ValEvery <= 0 {
		cfg.ValEvery = 1
	}

	return &Trainer{
		model:       model,
		trainLoader: trainLoader,
		valLoader:   valLoader,
		logger:      logger,
		cfg:         cfg,
	}, nil
}

// OnEpochEnd registers a hook run after every epoch.
func (t *Trainer) OnEpochEnd(hook EpochHook) {
	t.hooks = append(t.hooks, hook)
}

// EstimatedSteppingBatches returns the total number of optimizer steps of
// the run: batches per epoch times epochs.
func (t *Trainer) EstimatedSteppingBatches() int {
	return t.trainLoader.Len() * t.cfg.MaxEpochs
}

// Optimizer returns the optimizer, available after Fit has configured it.
func (t *Trainer) Optimizer() optimizer.Optimizer { return t.opt }

// GlobalStep returns the number of optimizer steps taken so far.
func (t *Trainer) GlobalStep() int { return t.globalStep }

// Fit runs the full training loop.
func (t *Trainer) Fit() error {
	optCfg, err := t.model.ConfigureOptimizers(t)
	if err != nil {
		return fmt.Errorf("fit: %w", err)
	}
	t.opt = optCfg.Optimizer
	t.sched = optCfg.Scheduler
	t.baseLR = t.opt.GetLR()

	t.logger.Info("starting fit",
		zap.Int("max_epochs", t.cfg.MaxEpochs),
		zap.Int("batches_per_epoch", t.trainLoader.Len()),
		zap.String("optimizer", t.opt.Name()),
		zap.String("scheduler", t.schedulerName()),
	)

	for epoch := 0; epoch < t.cfg.MaxEpochs; epoch++ {
		if err := t.trainEpoch(epoch); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}

		var metrics map[string]float64
		if t.valLoader != nil && (epoch+1)%t.cfg.ValEvery == 0 {
			metrics, err = t.validate()
			if err != nil {
				return fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
		}

		t.tickEpochScheduler(epoch, metrics)

		for _, hook := range t.hooks {
			if err := hook(epoch, metrics); err != nil {
				return fmt.Errorf("epoch %d hook: %w", epoch, err)
			}
		}

		if t.shouldStopEarly(epoch, metrics) {
			break
		}
	}

	t.logger.Info("fit complete", zap.Int("steps", t.globalStep))
	return nil
}

func (t *Trainer) trainEpoch(epoch int) error {
	t.model.Train()
	t.trainLoader.Reset()

	for t.trainLoader.HasNext() {
		batch, err := t.trainLoader.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}

		t.opt.ZeroGrad()
		loss, err := t.model.TrainingStep(batch.Data, batch.Labels)
		if err != nil {
			return err
		}
		if err := loss.Backward(); err != nil {
			return fmt.Errorf("backward: %w", err)
		}
		if err := t.opt.Step(); err != nil {
			return fmt.Errorf("optimizer step: %w", err)
		}

		t.globalStep++
		t.tickStepScheduler()
	}
	return nil
}

func (t *Trainer) validate() (map[string]float64, error) {
	t.model.Eval()
	t.valLoader.Reset()

	var results []*ValidationResult
	for t.valLoader.HasNext() {
		batch, err := t.valLoader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}
		res, err := t.model.ValidationStep(batch.Data, batch.Labels)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	return t.model.ValidationEpochEnd(results)
}

// tickStepScheduler advances a per-step scheduler after an optimizer step.
func (t *Trainer) tickStepScheduler() {
	if t.sched == nil || t.sched.Interval != IntervalStep {
		return
	}
	freq := t.sched.Frequency
	if freq <= 0 {
		freq = 1
	}
	if t.globalStep%freq != 0 {
		return
	}
	t.opt.SetLR(t.sched.Scheduler.GetLR(t.globalStep, t.baseLR))
}

// tickEpochScheduler advances an epoch scheduler at the end of an epoch. A
// plateau scheduler is fed its monitored metric instead of a tick counter
// and only reacts on epochs where that metric was produced.
func (t *Trainer) tickEpochScheduler(epoch int, metrics map[string]float64) {
	if t.sched == nil || t.sched.Interval != IntervalEpoch {
		return
	}
	freq := t.sched.Frequency
	if freq <= 0 {
		freq = 1
	}
	if (epoch+1)%freq != 0 {
		return
	}

	if plateau, ok := t.sched.Scheduler.(*ReduceLROnPlateauScheduler); ok {
		monitored, ok := metrics[t.sched.Monitor]
		if !ok {
			return
		}
		t.opt.SetLR(plateau.Step(monitored, t.opt.GetLR()))
		return
	}

	t.opt.SetLR(t.sched.Scheduler.GetLR(epoch+1, t.baseLR))
}

// shouldStopEarly tracks val_loss and reports whether the configured
// patience has run out. Epochs without validation metrics are neutral.
func (t *Trainer) shouldStopEarly(epoch int, metrics map[string]float64) bool {
	if t.cfg.EarlyStopPatience <= 0 {
		return false
	}
	valLoss, ok := metrics["val_loss"]
	if !ok {
		return false
	}

	if !t.bestValSet || valLoss < t.bestValLoss {
		t.bestValLoss = valLoss
		t.bestValSet = true
		t.epochsNoImpro = 0
		return false
	}

	t.epochsNoImpro++
	if t.epochsNoImpro >= t.cfg.EarlyStopPatience {
		t.logger.Info("early stopping",
			zap.Int("epoch", epoch),
			zap.Float64("best_val_loss", t.bestValLoss),
		)
		return true
	}
	return false
}

func (t *Trainer) schedulerName() string {
	if t.sched == nil {
		return "none"
	}
	return t.sched.Scheduler.GetName()
}
