package training

import (
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/tsawler/go-probe/layers"
	"github.com/tsawler/go-probe/optimizer"
	"github.com/tsawler/go-probe/tensor"
)

// recordingSink captures the metric batches a model logs.
type recordingSink struct {
	entries []map[string]float64
	opts    []LogOptions
}

func (r *recordingSink) LogDict(metrics map[string]float64, opts LogOptions) {
	copied := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		copied[k] = v
	}
	r.entries = append(r.entries, copied)
	r.opts = append(r.opts, opts)
}

func (r *recordingSink) last() map[string]float64 {
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[len(r.entries)-1]
}

type fixedEstimator int

func (f fixedEstimator) EstimatedSteppingBatches() int { return int(f) }

func newTestModel(t *testing.T, mutate func(*LinearConfig)) (*LinearEvalModel, *recordingSink) {
	t.Helper()
	layers.SetRandomSeed(1)

	backbone, err := layers.NewMLPBackbone(4, []int{8, 8})
	if err != nil {
		t.Fatalf("failed to build backbone: %v", err)
	}

	cfg := DefaultLinearConfig(3)
	cfg.MaxEpochs = 5
	cfg.ChannelsLast = false
	if mutate != nil {
		mutate(&cfg)
	}

	sink := &recordingSink{}
	model, err := NewLinearEvalModel(backbone, nil, sink, zap.NewNop(), cfg)
	if err != nil {
		t.Fatalf("failed to build model: %v", err)
	}
	return model, sink
}

func testBatch(t *testing.T, batchSize int) (*tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	data := make([]float32, batchSize*4)
	labels := make([]int32, batchSize)
	for i := range data {
		data[i] = float32(i%7)/7.0 - 0.5
	}
	for i := range labels {
		labels[i] = int32(i % 3)
	}
	inputs, err := tensor.NewTensor([]int{batchSize, 4}, tensor.Float32, data)
	if err != nil {
		t.Fatalf("failed to create inputs: %v", err)
	}
	targets, err := tensor.NewTensor([]int{batchSize}, tensor.Int32, labels)
	if err != nil {
		t.Fatalf("failed to create targets: %v", err)
	}
	return inputs, targets
}

func TestNewLinearEvalModelFreezesBackbone(t *testing.T) {
	model, _ := newTestModel(t, nil)

	for i, p := range model.Backbone().Parameters() {
		if p.RequiresGrad() {
			t.Errorf("backbone parameter %d still requires grad", i)
		}
	}
	for i, p := range model.Classifier().Parameters() {
		if !p.RequiresGrad() {
			t.Errorf("classifier parameter %d does not require grad", i)
		}
	}
	if model.FeatureDim() != 8 {
		t.Errorf("expected feature dim 8, got %d", model.FeatureDim())
	}
}

func TestNewLinearEvalModelValidation(t *testing.T) {
	backbone, err := layers.NewMLPBackbone(4, []int{8})
	if err != nil {
		t.Fatalf("failed to build backbone: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*LinearConfig)
	}{
		{"zero classes", func(c *LinearConfig) { c.NumClasses = 0 }},
		{"bad interval", func(c *LinearConfig) { c.SchedulerInterval = "batch" }},
		{"layer decay without finetune", func(c *LinearConfig) { c.LayerDecay = 0.5; c.Finetune = false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultLinearConfig(3)
			tt.mutate(&cfg)
			if _, err := NewLinearEvalModel(backbone, nil, nil, nil, cfg); err == nil {
				t.Error("expected construction to fail")
			}
		})
	}
}

func TestConfigureOptimizersSGDNoScheduler(t *testing.T) {
	model, _ := newTestModel(t, func(c *LinearConfig) {
		c.Optimizer = OptimizerSGD
		c.Scheduler = SchedulerNone
	})

	cfg, err := model.ConfigureOptimizers(nil)
	if err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if cfg.Scheduler != nil {
		t.Error("expected no scheduler")
	}
	if cfg.Optimizer.Name() != "sgd" {
		t.Errorf("expected sgd, got %s", cfg.Optimizer.Name())
	}

	// Frozen backbone trains only the classifier: one group, weight and bias.
	groups := cfg.Optimizer.Groups()
	if len(groups) != 1 {
		t.Fatalf("expected 1 parameter group, got %d", len(groups))
	}
	if groups[0].Name != "classifier" || len(groups[0].Params) != 2 {
		t.Errorf("unexpected classifier group: %q with %d params", groups[0].Name, len(groups[0].Params))
	}
}

func TestConfigureOptimizersUnknownNames(t *testing.T) {
	model, _ := newTestModel(t, func(c *LinearConfig) { c.Optimizer = "adagrad" })
	if _, err := model.ConfigureOptimizers(nil); err == nil {
		t.Error("expected error for unknown optimizer")
	}

	model, _ = newTestModel(t, func(c *LinearConfig) { c.Scheduler = "cyclic" })
	if _, err := model.ConfigureOptimizers(nil); err == nil {
		t.Error("expected error for unknown scheduler")
	}
}

func TestConfigureOptimizersAllOptimizers(t *testing.T) {
	for _, name := range []string{OptimizerSGD, OptimizerLARS, OptimizerAdam, OptimizerAdamW} {
		t.Run(name, func(t *testing.T) {
			model, _ := newTestModel(t, func(c *LinearConfig) {
				c.Optimizer = name
				c.Scheduler = SchedulerNone
			})
			cfg, err := model.ConfigureOptimizers(nil)
			if err != nil {
				t.Fatalf("configure failed: %v", err)
			}
			if cfg.Optimizer.Name() != name {
				t.Errorf("expected %s, got %s", name, cfg.Optimizer.Name())
			}
		})
	}
}

func TestConfigureOptimizersLayerDecay(t *testing.T) {
	model, _ := newTestModel(t, func(c *LinearConfig) {
		c.Finetune = true
		c.LayerDecay = 0.5
		c.Scheduler = SchedulerNone
		c.LR = 0.4
	})

	cfg, err := model.ConfigureOptimizers(nil)
	if err != nil {
		t.Fatalf("configure failed: %v", err)
	}

	var layer0 *optimizer.ParamGroup
	for i := range cfg.Optimizer.Groups() {
		g := &cfg.Optimizer.Groups()[i]
		if g.Name == "layer_0" {
			layer0 = g
		}
	}
	if layer0 == nil {
		t.Fatal("expected a layer_0 group")
	}
	// Two backbone layers: the shallowest runs at lr * decay^2.
	if math.Abs(layer0.LR-0.4*0.25) > 1e-12 {
		t.Errorf("layer_0 LR: expected %g, got %g", 0.4*0.25, layer0.LR)
	}
}

func TestConfigureOptimizersExcludeBiasAndNorm(t *testing.T) {
	model, _ := newTestModel(t, func(c *LinearConfig) {
		c.ExcludeBiasNNormWD = true
		c.Scheduler = SchedulerNone
		c.WeightDecay = 1e-4
	})

	cfg, err := model.ConfigureOptimizers(nil)
	if err != nil {
		t.Fatalf("configure failed: %v", err)
	}

	groups := cfg.Optimizer.Groups()
	if len(groups) != 2 {
		t.Fatalf("expected classifier split into 2 groups, got %d", len(groups))
	}
	for _, g := range groups {
		for _, p := range g.Params {
			if len(p.Shape) <= 1 && g.WeightDecay != 0 {
				t.Errorf("group %q decays 1-D parameters", g.Name)
			}
		}
	}
}

func TestConfigureOptimizersWarmupCosineStepConversion(t *testing.T) {
	model, _ := newTestModel(t, func(c *LinearConfig) {
		c.Scheduler = SchedulerWarmupCosine
		c.SchedulerInterval = IntervalStep
		c.MaxEpochs = 10
		c.WarmupEpochs = 2
	})

	cfg, err := model.ConfigureOptimizers(fixedEstimator(1000))
	if err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	sched, ok := cfg.Scheduler.Scheduler.(*LinearWarmupCosineAnnealingLR)
	if !ok {
		t.Fatalf("expected warmup cosine scheduler, got %T", cfg.Scheduler.Scheduler)
	}
	if sched.WarmupTicks != 200 {
		t.Errorf("expected warmup converted to 200 steps, got %d", sched.WarmupTicks)
	}
	if sched.MaxTicks != 1000 {
		t.Errorf("expected horizon of 1000 steps, got %d", sched.MaxTicks)
	}

	// A step-interval scheduler without an estimator cannot be built.
	if _, err := model.ConfigureOptimizers(nil); err == nil {
		t.Error("expected error without a step estimator")
	}
}

func TestConfigureOptimizersWarmupStartLRFallback(t *testing.T) {
	model, _ := newTestModel(t, func(c *LinearConfig) {
		c.Scheduler = SchedulerWarmupCosine
		c.SchedulerInterval = IntervalEpoch
		c.WarmupEpochs = 0
		c.LR = 0.25
	})

	cfg, err := model.ConfigureOptimizers(nil)
	if err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	sched := cfg.Scheduler.Scheduler.(*LinearWarmupCosineAnnealingLR)
	// Without warmup the start LR collapses to the base rate.
	if sched.WarmupStartLR != 0.25 {
		t.Errorf("expected warmup start LR 0.25, got %g", sched.WarmupStartLR)
	}
}

func TestConfigureOptimizersExponentialGamma(t *testing.T) {
	model, _ := newTestModel(t, func(c *LinearConfig) {
		c.Scheduler = SchedulerExponential
		c.WeightDecay = 0.05
	})

	cfg, err := model.ConfigureOptimizers(nil)
	if err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	sched, ok := cfg.Scheduler.Scheduler.(*ExponentialLRScheduler)
	if !ok {
		t.Fatalf("expected exponential scheduler, got %T", cfg.Scheduler.Scheduler)
	}
	if sched.Gamma != 0.05 {
		t.Errorf("expected decay rate to track weight decay 0.05, got %g", sched.Gamma)
	}
}

func TestConfigureOptimizersReduceMonitorsValLoss(t *testing.T) {
	model, _ := newTestModel(t, func(c *LinearConfig) { c.Scheduler = SchedulerReduce })

	cfg, err := model.ConfigureOptimizers(nil)
	if err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if cfg.Scheduler.Monitor != "val_loss" {
		t.Errorf("expected plateau scheduler to monitor val_loss, got %q", cfg.Scheduler.Monitor)
	}
	if cfg.Scheduler.Interval != IntervalEpoch {
		t.Errorf("expected epoch interval, got %q", cfg.Scheduler.Interval)
	}
}

func TestTrainingStepFrozenBackbone(t *testing.T) {
	model, sink := newTestModel(t, nil)
	inputs, targets := testBatch(t, 4)

	loss, err := model.TrainingStep(inputs, targets)
	if err != nil {
		t.Fatalf("training step failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	for i, p := range model.Backbone().Parameters() {
		if p.Grad() != nil {
			t.Errorf("frozen backbone parameter %d received a gradient", i)
		}
	}
	if model.Classifier().Weight().Grad() == nil {
		t.Error("classifier weight received no gradient")
	}

	metrics := sink.last()
	for _, key := range []string{"train_loss", "train_acc1", "train_acc5"} {
		if _, ok := metrics[key]; !ok {
			t.Errorf("expected %s to be logged", key)
		}
	}
	if metrics["train_acc5"] < metrics["train_acc1"] {
		t.Error("top-5 accuracy below top-1")
	}
	if !sink.opts[len(sink.opts)-1].OnEpoch {
		t.Error("training metrics should be epoch aggregates")
	}
}

func TestTrainingStepFinetunedBackbone(t *testing.T) {
	model, _ := newTestModel(t, func(c *LinearConfig) { c.Finetune = true })
	inputs, targets := testBatch(t, 4)

	loss, err := model.TrainingStep(inputs, targets)
	if err != nil {
		t.Fatalf("training step failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	found := false
	for _, p := range model.Backbone().Parameters() {
		if p.Grad() != nil {
			found = true
			break
		}
	}
	if !found {
		t.Error("finetuning should populate at least one backbone gradient")
	}
}

func TestTrainingStepMixupSkipsAccuracy(t *testing.T) {
	layers.SetRandomSeed(1)
	backbone, err := layers.NewMLPBackbone(4, []int{8})
	if err != nil {
		t.Fatalf("failed to build backbone: %v", err)
	}
	mix, err := NewMixup(1.0, 3, 9)
	if err != nil {
		t.Fatalf("failed to build mixup: %v", err)
	}
	cfg := DefaultLinearConfig(3)
	cfg.ChannelsLast = false
	sink := &recordingSink{}
	model, err := NewLinearEvalModel(backbone, mix, sink, zap.NewNop(), cfg)
	if err != nil {
		t.Fatalf("failed to build model: %v", err)
	}

	inputs, targets := testBatch(t, 4)
	if _, err := model.TrainingStep(inputs, targets); err != nil {
		t.Fatalf("training step failed: %v", err)
	}

	metrics := sink.last()
	if _, ok := metrics["train_loss"]; !ok {
		t.Error("expected train_loss to be logged")
	}
	if _, ok := metrics["train_acc1"]; ok {
		t.Error("mixup batches must not log accuracy")
	}

	// Validation bypasses mixup and reports accuracy again.
	res, err := model.ValidationStep(inputs, targets)
	if err != nil {
		t.Fatalf("validation step failed: %v", err)
	}
	if res.ValAcc5 < res.ValAcc1 {
		t.Error("top-5 accuracy below top-1")
	}
}

type constantLoss struct{ value float64 }

func (c constantLoss) Forward(_, _ *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.FromScalar(c.value), nil
}

func (constantLoss) Name() string { return "constant" }

func TestSetLoss(t *testing.T) {
	model, _ := newTestModel(t, nil)
	inputs, targets := testBatch(t, 2)

	// nil keeps the default cross-entropy.
	model.SetLoss(nil)
	res, err := model.SharedStep(inputs, targets)
	if err != nil {
		t.Fatalf("shared step failed: %v", err)
	}
	if res.LossValue == 2.5 {
		t.Fatal("test setup: default loss collides with sentinel value")
	}

	model.SetLoss(constantLoss{value: 2.5})
	res, err = model.SharedStep(inputs, targets)
	if err != nil {
		t.Fatalf("shared step failed: %v", err)
	}
	if res.LossValue != 2.5 {
		t.Errorf("expected injected loss value 2.5, got %g", res.LossValue)
	}
}

func TestValidationEpochEnd(t *testing.T) {
	model, sink := newTestModel(t, nil)

	results := []*ValidationResult{
		{BatchSize: 3, ValLoss: 1, ValAcc1: 30, ValAcc5: 80},
		{BatchSize: 3, ValLoss: 2, ValAcc1: 60, ValAcc5: 90},
		{BatchSize: 2, ValLoss: 3, ValAcc1: 90, ValAcc5: 100},
	}
	metrics, err := model.ValidationEpochEnd(results)
	if err != nil {
		t.Fatalf("epoch end failed: %v", err)
	}
	if math.Abs(metrics["val_loss"]-1.875) > 1e-12 {
		t.Errorf("val_loss: expected 1.875, got %g", metrics["val_loss"])
	}
	if math.Abs(metrics["val_acc1"]-56.25) > 1e-9 {
		t.Errorf("val_acc1: expected 56.25, got %g", metrics["val_acc1"])
	}

	if sink.last()["val_loss"] != metrics["val_loss"] {
		t.Error("aggregated metrics not forwarded to the sink")
	}
	if model.LastValidationMetrics()["val_loss"] != metrics["val_loss"] {
		t.Error("last validation metrics not retained")
	}
}

func TestValidationEpochEndEmpty(t *testing.T) {
	model, sink := newTestModel(t, nil)

	metrics, err := model.ValidationEpochEnd(nil)
	if err != nil {
		t.Fatalf("epoch end failed: %v", err)
	}
	if metrics != nil {
		t.Error("empty epoch should yield no metrics")
	}
	if len(sink.entries) != 0 {
		t.Error("empty epoch should log nothing")
	}
}

func TestForwardChannelsLast(t *testing.T) {
	layers.SetRandomSeed(1)
	backbone, err := layers.NewMLPBackbone(2*2*2, []int{4})
	if err != nil {
		t.Fatalf("failed to build backbone: %v", err)
	}
	cfg := DefaultLinearConfig(3)
	cfg.ChannelsLast = true
	model, err := NewLinearEvalModel(backbone, nil, nil, zap.NewNop(), cfg)
	if err != nil {
		t.Fatalf("failed to build model: %v", err)
	}

	data := make([]float32, 2*2*2)
	for i := range data {
		data[i] = float32(i)
	}
	input, err := tensor.NewTensor([]int{1, 2, 2, 2}, tensor.Float32, data)
	if err != nil {
		t.Fatalf("failed to create input: %v", err)
	}

	out, err := model.Forward(input)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if out.Logits.Shape[0] != 1 || out.Logits.Shape[1] != 3 {
		t.Errorf("expected logits [1, 3], got %v", out.Logits.Shape)
	}
}
