package training

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tsawler/go-probe/layers"
	"github.com/tsawler/go-probe/optimizer"
	"github.com/tsawler/go-probe/tensor"
)

// Optimizer and scheduler names accepted by LinearConfig.
const (
	OptimizerSGD   = "sgd"
	OptimizerLARS  = "lars"
	OptimizerAdam  = "adam"
	OptimizerAdamW = "adamw"

	SchedulerReduce       = "reduce"
	SchedulerWarmupCosine = "warmup_cosine"
	SchedulerStep         = "step"
	SchedulerExponential  = "exponential"
	SchedulerNone         = "none"
)

// OptimizerArgs carries the per-optimizer hyperparameters. Only the config
// matching LinearConfig.Optimizer is consulted.
type OptimizerArgs struct {
	SGD  optimizer.SGDConfig
	Adam optimizer.AdamConfig
	LARS optimizer.LARSConfig
}

// DefaultOptimizerArgs returns the defaults for every supported optimizer.
func DefaultOptimizerArgs() OptimizerArgs {
	return OptimizerArgs{
		SGD:  optimizer.DefaultSGDConfig(),
		Adam: optimizer.DefaultAdamConfig(),
		LARS: optimizer.DefaultLARSConfig(),
	}
}

// LinearConfig configures a LinearEvalModel.
type LinearConfig struct {
	// NumClasses is the width of the classification head.
	NumClasses int
	// MaxEpochs is the length of the training run the schedulers span.
	MaxEpochs int

	// Optimizer selects among sgd, lars, adam and adamw.
	Optimizer     string
	LR            float64
	WeightDecay   float64
	OptimizerArgs OptimizerArgs
	// ExcludeBiasNNormWD zeroes weight decay for one-dimensional parameters.
	ExcludeBiasNNormWD bool

	// Scheduler selects among reduce, warmup_cosine, step, exponential and
	// none.
	Scheduler         string
	SchedulerInterval Interval
	// LRDecaySteps are the epoch milestones of the step scheduler.
	LRDecaySteps []int
	// WarmupEpochs and WarmupStartLR configure the warmup_cosine ramp.
	WarmupEpochs  int
	WarmupStartLR float64
	MinLR         float64

	// Finetune unfreezes the backbone; otherwise only the classifier trains.
	Finetune bool
	// LayerDecay geometrically decays backbone learning rates by depth.
	// Positive values require Finetune and a backbone exposing its layers.
	LayerDecay float64

	// ChannelsLast converts 4-D inputs to channels-last memory layout before
	// the backbone forward.
	ChannelsLast bool
	// LabelSmoothing is the label smoothing factor of the loss.
	LabelSmoothing float64
}

// DefaultLinearConfig returns the conventional linear evaluation setup:
// frozen backbone, SGD with momentum, and a plateau scheduler.
func DefaultLinearConfig(numClasses int) LinearConfig {
	return LinearConfig{
		NumClasses:        numClasses,
		MaxEpochs:         100,
		Optimizer:         OptimizerSGD,
		LR:                0.3,
		WeightDecay:       1e-4,
		OptimizerArgs:     DefaultOptimizerArgs(),
		Scheduler:         SchedulerReduce,
		SchedulerInterval: IntervalStep,
		WarmupEpochs:      10,
		WarmupStartLR:     0.003,
		ChannelsLast:      true,
	}
}

// StepEstimator reports how many optimizer steps a full training run will
// take. A trainer implements it so epoch-denominated warmup settings can be
// converted to steps.
type StepEstimator interface {
	EstimatedSteppingBatches() int
}

// OptimizerConfig is the result of ConfigureOptimizers: an optimizer and an
// optional scheduler specification.
type OptimizerConfig struct {
	Optimizer optimizer.Optimizer
	Scheduler *SchedulerSpec
}

// ForwardOutput bundles the backbone features with the classifier logits.
type ForwardOutput struct {
	Feats  *tensor.Tensor
	Logits *tensor.Tensor
}

// StepResult carries the loss and accuracy of one batch. Accuracies are
// absent when the batch went through mixup, whose soft targets admit no
// hard-label accuracy.
type StepResult struct {
	Loss        *tensor.Tensor
	LossValue   float64
	Acc1        float64
	Acc5        float64
	HasAccuracy bool
}

// ValidationResult is the per-batch record aggregated at validation epoch
// end, weighted by batch size.
type ValidationResult struct {
	BatchSize int
	ValLoss   float64
	ValAcc1   float64
	ValAcc5   float64
}

// LinearEvalModel evaluates a pretrained backbone by training a linear
// classifier on its features. By default the backbone is frozen and kept in
// evaluation mode; with Finetune the backbone trains along with the head.
type LinearEvalModel struct {
	backbone   layers.Module
	classifier *layers.Linear
	lossFn     Loss
	mixup      *Mixup
	sink       MetricSink
	logger     *zap.Logger
	cfg        LinearConfig

	featureDim int
	training   bool
	lastVal    map[string]float64
}

// NewLinearEvalModel builds a linear evaluation model over the given
// backbone. The classifier width is resolved from the backbone's reported
// feature dimension. A nil mixup disables input mixing; a nil sink discards
// metrics.
func NewLinearEvalModel(backbone layers.Module, mixup *Mixup, sink MetricSink, logger *zap.Logger, cfg LinearConfig) (*LinearEvalModel, error) {
	if backbone == nil {
		return nil, fmt.Errorf("linear eval requires a backbone")
	}
	if cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("invalid class count %d", cfg.NumClasses)
	}
	if cfg.MaxEpochs <= 0 {
		return nil, fmt.Errorf("invalid max epochs %d", cfg.MaxEpochs)
	}
	if !cfg.SchedulerInterval.Valid() {
		return nil, fmt.Errorf("unsupported scheduler interval %q", cfg.SchedulerInterval)
	}
	if cfg.LayerDecay > 0 && !cfg.Finetune {
		return nil, fmt.Errorf("layer decay requires finetuning the backbone")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = DiscardSink{}
	}

	featureDim, err := layers.FeatureDim(backbone)
	if err != nil {
		return nil, fmt.Errorf("linear eval: %w", err)
	}

	classifier, err := layers.NewLinear(featureDim, cfg.NumClasses, true)
	if err != nil {
		return nil, fmt.Errorf("linear eval: %w", err)
	}

	lossFn, err := NewLabelSmoothingCrossEntropy(cfg.LabelSmoothing)
	if err != nil {
		return nil, fmt.Errorf("linear eval: %w", err)
	}

	if !cfg.Finetune {
		backbone.Eval()
		for _, p := range backbone.Parameters() {
			p.SetRequiresGrad(false)
		}
	}

	if cfg.SchedulerInterval == IntervalStep {
		logger.Warn("using a step scheduler interval can skew learning rate updates when the dataset size is not divisible by the batch size")
	}

	return &LinearEvalModel{
		backbone:   backbone,
		classifier: classifier,
		lossFn:     lossFn,
		mixup:      mixup,
		sink:       sink,
		logger:     logger,
		cfg:        cfg,
		featureDim: featureDim,
		training:   true,
	}, nil
}

// SetLoss replaces the objective. A nil loss keeps the default
// cross-entropy.
func (m *LinearEvalModel) SetLoss(l Loss) {
	if l != nil {
		m.lossFn = l
	}
}

// Backbone returns the feature extractor.
func (m *LinearEvalModel) Backbone() layers.Module { return m.backbone }

// Classifier returns the linear head.
func (m *LinearEvalModel) Classifier() *layers.Linear { return m.classifier }

// FeatureDim returns the backbone feature width feeding the classifier.
func (m *LinearEvalModel) FeatureDim() int { return m.featureDim }

// Config returns the model configuration.
func (m *LinearEvalModel) Config() LinearConfig { return m.cfg }

// Parameters returns every parameter of the model, frozen or not.
func (m *LinearEvalModel) Parameters() []*tensor.Tensor {
	return append(m.backbone.Parameters(), m.classifier.Parameters()...)
}

// Train sets the model to training mode. A frozen backbone stays in
// evaluation mode so its normalization statistics are never updated.
func (m *LinearEvalModel) Train() {
	m.training = true
	m.classifier.Train()
	if m.cfg.Finetune {
		m.backbone.Train()
	} else {
		m.backbone.Eval()
	}
}

// Eval sets the model to evaluation mode.
func (m *LinearEvalModel) Eval() {
	m.training = false
	m.classifier.Eval()
	m.backbone.Eval()
}

// IsTraining returns true if in training mode.
func (m *LinearEvalModel) IsTraining() bool { return m.training }

// learnableParams builds the parameter groups the optimizer trains.
func (m *LinearEvalModel) learnableParams() ([]optimizer.ParamGroup, error) {
	var groups []optimizer.ParamGroup

	if m.cfg.LayerDecay > 0 {
		layered, ok := m.backbone.(layers.Layered)
		if !ok {
			return nil, fmt.Errorf("backbone %T does not expose parameter layers, required by layer decay", m.backbone)
		}
		backboneGroups, err := optimizer.ParamGroupsLayerDecay(layered.ParameterLayers(), m.cfg.LR, m.cfg.WeightDecay, m.cfg.LayerDecay)
		if err != nil {
			return nil, err
		}
		groups = backboneGroups
	} else if m.cfg.Finetune {
		groups = append(groups, optimizer.ParamGroup{
			Name:        "backbone",
			Params:      m.backbone.Parameters(),
			WeightDecay: m.cfg.WeightDecay,
		})
	}

	groups = append(groups, optimizer.ParamGroup{
		Name:        "classifier",
		Params:      m.classifier.Parameters(),
		WeightDecay: m.cfg.WeightDecay,
	})

	if m.cfg.ExcludeBiasNNormWD {
		groups = optimizer.ExcludeBiasAndNorm(groups)
	}
	return groups, nil
}

// ConfigureOptimizers builds the optimizer and scheduler from the model
// configuration. The estimator converts epoch-denominated warmup settings to
// optimizer steps when the scheduler interval is per-step.
func (m *LinearEvalModel) ConfigureOptimizers(est StepEstimator) (*OptimizerConfig, error) {
	groups, err := m.learnableParams()
	if err != nil {
		return nil, err
	}

	var opt optimizer.Optimizer
	switch m.cfg.Optimizer {
	case OptimizerSGD:
		opt, err = optimizer.NewSGD(groups, m.cfg.LR, m.cfg.OptimizerArgs.SGD)
	case OptimizerLARS:
		opt, err = optimizer.NewLARS(groups, m.cfg.LR, m.cfg.OptimizerArgs.LARS)
	case OptimizerAdam:
		opt, err = optimizer.NewAdam(groups, m.cfg.LR, m.cfg.OptimizerArgs.Adam)
	case OptimizerAdamW:
		opt, err = optimizer.NewAdamW(groups, m.cfg.LR, m.cfg.OptimizerArgs.Adam)
	default:
		return nil, fmt.Errorf("unsupported optimizer %q", m.cfg.Optimizer)
	}
	if err != nil {
		return nil, err
	}

	spec, err := m.buildScheduler(est)
	if err != nil {
		return nil, err
	}

	return &OptimizerConfig{Optimizer: opt, Scheduler: spec}, nil
}

func (m *LinearEvalModel) buildScheduler(est StepEstimator) (*SchedulerSpec, error) {
	switch m.cfg.Scheduler {
	case SchedulerNone:
		return nil, nil

	case SchedulerReduce:
		return &SchedulerSpec{
			Scheduler: NewReduceLROnPlateauScheduler(0.1, 10, 1e-4, "min"),
			Interval:  IntervalEpoch,
			Frequency: 1,
			Monitor:   "val_loss",
		}, nil

	case SchedulerWarmupCosine:
		warmup := m.cfg.WarmupEpochs
		max := m.cfg.MaxEpochs
		if m.cfg.SchedulerInterval == IntervalStep {
			if est == nil {
				return nil, fmt.Errorf("a step-interval warmup_cosine scheduler needs a step estimator")
			}
			total := est.EstimatedSteppingBatches()
			stepsPerEpoch := total / m.cfg.MaxEpochs
			warmup = m.cfg.WarmupEpochs * stepsPerEpoch
			max = total
		}
		warmupStart := m.cfg.LR
		if m.cfg.WarmupEpochs > 0 {
			warmupStart = m.cfg.WarmupStartLR
		}
		return &SchedulerSpec{
			Scheduler: NewLinearWarmupCosineAnnealingLR(warmup, max, warmupStart, m.cfg.MinLR),
			Interval:  m.cfg.SchedulerInterval,
			Frequency: 1,
		}, nil

	case SchedulerStep:
		return &SchedulerSpec{
			Scheduler: NewMultiStepLRScheduler(m.cfg.LRDecaySteps, 0.1),
			Interval:  IntervalEpoch,
			Frequency: 1,
		}, nil

	case SchedulerExponential:
		// Decay rate follows the weight decay setting, matching the long
		// standing convention of linear probing recipes.
		return &SchedulerSpec{
			Scheduler: NewExponentialLRScheduler(m.cfg.WeightDecay),
			Interval:  IntervalEpoch,
			Frequency: 1,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported scheduler %q", m.cfg.Scheduler)
	}
}

// Forward extracts backbone features and classifies them. With a frozen
// backbone the features are detached so no gradient reaches it.
func (m *LinearEvalModel) Forward(input *tensor.Tensor) (*ForwardOutput, error) {
	x := input
	if m.cfg.ChannelsLast && len(x.Shape) == 4 {
		cl, err := x.ToChannelsLast()
		if err != nil {
			return nil, fmt.Errorf("forward: %w", err)
		}
		x = cl
	}

	feats, err := m.backbone.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("backbone forward: %w", err)
	}
	classifierIn := feats
	if !m.cfg.Finetune {
		classifierIn = feats.Detach()
	}

	logits, err := m.classifier.Forward(classifierIn)
	if err != nil {
		return nil, fmt.Errorf("classifier forward: %w", err)
	}
	return &ForwardOutput{Feats: feats, Logits: logits}, nil
}

// SharedStep runs the forward pass and loss shared by training and
// validation. Mixup applies only in training mode, and replaces the hard
// targets with a soft blend, so the result then carries no accuracies.
func (m *LinearEvalModel) SharedStep(input, targets *tensor.Tensor) (*StepResult, error) {
	lossTargets := targets
	x := input
	mixed := false
	if m.training && m.mixup != nil {
		var err error
		x, lossTargets, err = m.mixup.Apply(input, targets)
		if err != nil {
			return nil, fmt.Errorf("shared step: %w", err)
		}
		mixed = true
	}

	out, err := m.Forward(x)
	if err != nil {
		return nil, err
	}

	loss, err := m.lossFn.Forward(out.Logits, lossTargets)
	if err != nil {
		return nil, fmt.Errorf("shared step: %w", err)
	}
	lossValue, err := loss.Item()
	if err != nil {
		return nil, fmt.Errorf("shared step: %w", err)
	}

	result := &StepResult{Loss: loss, LossValue: lossValue}
	if !mixed {
		accs, err := AccuracyAtK(out.Logits, targets, []int{1, 5})
		if err != nil {
			return nil, fmt.Errorf("shared step: %w", err)
		}
		result.Acc1 = accs[0]
		result.Acc5 = accs[1]
		result.HasAccuracy = true
	}
	return result, nil
}

// TrainingStep runs one training batch and logs its metrics. The returned
// loss tensor is ready for Backward.
func (m *LinearEvalModel) TrainingStep(input, targets *tensor.Tensor) (*tensor.Tensor, error) {
	m.Train()

	result, err := m.SharedStep(input, targets)
	if err != nil {
		return nil, fmt.Errorf("training step: %w", err)
	}

	metrics := map[string]float64{"train_loss": result.LossValue}
	if result.HasAccuracy {
		metrics["train_acc1"] = result.Acc1
		metrics["train_acc5"] = result.Acc5
	}
	m.sink.LogDict(metrics, LogOptions{OnEpoch: true, Sync: true})

	return result.Loss, nil
}

// ValidationStep runs one validation batch and returns its record for epoch
// aggregation.
func (m *LinearEvalModel) ValidationStep(input, targets *tensor.Tensor) (*ValidationResult, error) {
	m.Eval()

	result, err := m.SharedStep(input, targets)
	if err != nil {
		return nil, fmt.Errorf("validation step: %w", err)
	}

	return &ValidationResult{
		BatchSize: input.Shape[0],
		ValLoss:   result.LossValue,
		ValAcc1:   result.Acc1,
		ValAcc5:   result.Acc5,
	}, nil
}

// ValidationEpochEnd aggregates the epoch's validation records into
// batch-size-weighted means and logs them. An epoch with no batches logs
// nothing.
func (m *LinearEvalModel) ValidationEpochEnd(results []*ValidationResult) (map[string]float64, error) {
	if len(results) == 0 {
		m.logger.Warn("validation epoch produced no batches, skipping metric aggregation")
		return nil, nil
	}

	losses := make([]float64, len(results))
	acc1s := make([]float64, len(results))
	acc5s := make([]float64, len(results))
	weights := make([]float64, len(results))
	for i, r := range results {
		losses[i] = r.ValLoss
		acc1s[i] = r.ValAcc1
		acc5s[i] = r.ValAcc5
		weights[i] = float64(r.BatchSize)
	}

	valLoss, err := WeightedMean(losses, weights)
	if err != nil {
		return nil, err
	}
	valAcc1, err := WeightedMean(acc1s, weights)
	if err != nil {
		return nil, err
	}
	valAcc5, err := WeightedMean(acc5s, weights)
	if err != nil {
		return nil, err
	}

	metrics := map[string]float64{
		"val_loss": valLoss,
		"val_acc1": valAcc1,
		"val_acc5": valAcc5,
	}
	m.sink.LogDict(metrics, LogOptions{OnEpoch: true, Sync: true})
	m.lastVal = metrics
	return metrics, nil
}

// LastValidationMetrics returns the metrics of the most recent validation
// epoch, or nil before the first one.
func (m *LinearEvalModel) LastValidationMetrics() map[string]float64 {
	return m.lastVal
}
