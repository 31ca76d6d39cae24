// Package checkpoints persists linear probe runs: model weights, optimizer
// state and training progress, serialized as JSON.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/go-probe/optimizer"
	"github.com/tsawler/go-probe/tensor"
	"github.com/tsawler/go-probe/training"
)

// FormatVersion identifies the checkpoint layout. Bump on incompatible
// changes.
const FormatVersion = "1"

// Checkpoint represents a complete model state including weights, optimizer
// state, and training metadata.
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *optimizer.State `json:"optimizer_state,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the current training progress.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
	BestAccuracy float64 `json:"best_accuracy"`
}

// Metadata contains checkpoint metadata.
type Metadata struct {
	Version     string    `json:"version"`
	RunName     string    `json:"run_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Snapshot captures the model and optimizer into a checkpoint. opt may be
// nil when only weights are wanted.
func Snapshot(model *training.LinearEvalModel, opt optimizer.Optimizer, state TrainingState, runName string) (*Checkpoint, error) {
	if model == nil {
		return nil, fmt.Errorf("checkpoint requires a model")
	}

	weights, err := collectWeights(model)
	if err != nil {
		return nil, err
	}

	ckpt := &Checkpoint{
		Weights:       weights,
		TrainingState: state,
		Metadata: Metadata{
			Version:   FormatVersion,
			RunName:   runName,
			CreatedAt: time.Now().UTC(),
		},
	}

	if opt != nil {
		optState, err := opt.State()
		if err != nil {
			return nil, fmt.Errorf("failed to extract optimizer state: %w", err)
		}
		ckpt.OptimizerState = optState
		ckpt.TrainingState.LearningRate = opt.GetLR()
	}

	return ckpt, nil
}

func collectWeights(model *training.LinearEvalModel) ([]WeightTensor, error) {
	var weights []WeightTensor

	add := func(name string, t *tensor.Tensor) error {
		if t == nil {
			return nil
		}
		data, err := t.Float32Data()
		if err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float32(nil), data...),
		})
		return nil
	}

	for i, p := range model.Backbone().Parameters() {
		if err := add(fmt.Sprintf("backbone.%d", i), p); err != nil {
			return nil, err
		}
	}
	if err := add("classifier.weight", model.Classifier().Weight()); err != nil {
		return nil, err
	}
	if err := add("classifier.bias", model.Classifier().Bias()); err != nil {
		return nil, err
	}
	return weights, nil
}

// Restore writes the checkpoint weights back into the model and, when both
// sides carry it, the optimizer state into opt.
func Restore(ckpt *Checkpoint, model *training.LinearEvalModel, opt optimizer.Optimizer) error {
	if ckpt == nil || model == nil {
		return fmt.Errorf("restore requires a checkpoint and a model")
	}

	byName := make(map[string]WeightTensor, len(ckpt.Weights))
	for _, w := range ckpt.Weights {
		byName[w.Name] = w
	}

	put := func(name string, t *tensor.Tensor) error {
		if t == nil {
			return nil
		}
		w, ok := byName[name]
		if !ok {
			return fmt.Errorf("checkpoint is missing parameter %s", name)
		}
		if len(w.Data) != t.NumElems {
			return fmt.Errorf("parameter %s has %d elements, checkpoint carries %d", name, t.NumElems, len(w.Data))
		}
		return t.SetData(append([]float32(nil), w.Data...))
	}

	for i, p := range model.Backbone().Parameters() {
		if err := put(fmt.Sprintf("backbone.%d", i), p); err != nil {
			return err
		}
	}
	if err := put("classifier.weight", model.Classifier().Weight()); err != nil {
		return err
	}
	if err := put("classifier.bias", model.Classifier().Bias()); err != nil {
		return err
	}

	if opt != nil && ckpt.OptimizerState != nil {
		if err := opt.LoadState(ckpt.OptimizerState); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %w", err)
		}
		if ckpt.TrainingState.LearningRate > 0 {
			opt.SetLR(ckpt.TrainingState.LearningRate)
		}
	}
	return nil
}

// Save writes the checkpoint to path as JSON, atomically via a temporary
// file in the same directory.
func Save(ckpt *Checkpoint, path string) error {
	data, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// Load reads a checkpoint from path.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", path, err)
	}
	if ckpt.Metadata.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %q", ckpt.Metadata.Version)
	}
	return &ckpt, nil
}

// EpochSaver builds a trainer hook that checkpoints the run every frequency
// epochs. The optimizer and step counter are resolved lazily since the
// trainer configures them after hooks are registered.
func EpochSaver(dir, runName string, frequency int, model *training.LinearEvalModel, opt func() optimizer.Optimizer, step func() int) training.EpochHook {
	if frequency <= 0 {
		frequency = 1
	}
	return func(epoch int, metrics map[string]float64) error {
		if (epoch+1)%frequency != 0 {
			return nil
		}

		state := TrainingState{Epoch: epoch}
		if step != nil {
			state.Step = step()
		}
		if metrics != nil {
			state.BestLoss = metrics["val_loss"]
			state.BestAccuracy = metrics["val_acc1"]
		}

		var optim optimizer.Optimizer
		if opt != nil {
			optim = opt()
		}
		ckpt, err := Snapshot(model, optim, state, runName)
		if err != nil {
			return err
		}
		return Save(ckpt, filepath.Join(dir, fmt.Sprintf("epoch_%03d.json", epoch)))
	}
}
