package optimizer

import (
	"fmt"

	"github.com/tsawler/go-probe/tensor"
)

// SGDConfig holds configuration for the SGD optimizer.
type SGDConfig struct {
	Momentum  float64
	Dampening float64
	Nesterov  bool
}

// DefaultSGDConfig returns the default SGD configuration.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		Momentum:  0.9,
		Dampening: 0.0,
		Nesterov:  false,
	}
}

// SGD implements stochastic gradient descent with optional momentum over
// parameter groups.
type SGD struct {
	base
	config     SGDConfig
	velocities map[*tensor.Tensor][]float32
}

// NewSGD creates an SGD optimizer over the given parameter groups.
func NewSGD(groups []ParamGroup, lr float64, config SGDConfig) (*SGD, error) {
	b, err := newBase(groups, lr)
	if err != nil {
		return nil, fmt.Errorf("sgd: %w", err)
	}
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("sgd: nesterov momentum requires positive momentum and zero dampening")
	}
	return &SGD{
		base:       b,
		config:     config,
		velocities: make(map[*tensor.Tensor][]float32),
	}, nil
}

// Step performs a single optimization step.
func (sgd *SGD) Step() error {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()

	sgd.stepCount++

	for _, group := range sgd.groups {
		lr := float32(group.LR)
		wd := float32(group.WeightDecay)

		for _, param := range group.Params {
			grad := gradData(param)
			if grad == nil {
				continue
			}
			pData, err := param.Float32Data()
			if err != nil {
				return fmt.Errorf("sgd: %w", err)
			}

			d := make([]float32, len(grad))
			copy(d, grad)
			if wd > 0 {
				for i := range d {
					d[i] += wd * pData[i]
				}
			}

			if sgd.config.Momentum > 0 {
				mom := float32(sgd.config.Momentum)
				damp := float32(sgd.config.Dampening)
				buf, ok := sgd.velocities[param]
				if !ok {
					buf = make([]float32, len(d))
					copy(buf, d)
					sgd.velocities[param] = buf
				} else {
					for i := range buf {
						buf[i] = mom*buf[i] + (1-damp)*d[i]
					}
				}
				if sgd.config.Nesterov {
					for i := range d {
						d[i] += mom * buf[i]
					}
				} else {
					copy(d, buf)
				}
			}

			for i := range pData {
				pData[i] -= lr * d[i]
			}
		}
	}

	return nil
}

// Name returns the optimizer name.
func (sgd *SGD) Name() string { return "sgd" }

// State extracts the optimizer state for checkpointing.
func (sgd *SGD) State() (*State, error) {
	sgd.mu.RLock()
	defer sgd.mu.RUnlock()

	state := sgd.exportSlots("sgd", sgd.velocities, "momentum")
	state.Hyperparams = map[string]float64{
		"momentum":  sgd.config.Momentum,
		"dampening": sgd.config.Dampening,
	}
	return state, nil
}

// LoadState restores the optimizer state from a checkpoint.
func (sgd *SGD) LoadState(state *State) error {
	if state.Type != "sgd" {
		return fmt.Errorf("sgd: cannot load state of type %q", state.Type)
	}
	sgd.mu.Lock()
	defer sgd.mu.Unlock()
	return sgd.importSlots(state, sgd.velocities, "momentum")
}
