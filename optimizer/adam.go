package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-probe/tensor"
)

// AdamConfig holds configuration shared by Adam and AdamW.
type AdamConfig struct {
	Beta1 float64
	Beta2 float64
	Eps   float64
}

// DefaultAdamConfig returns the default Adam configuration.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
	}
}

// Adam implements the Adam optimizer over parameter groups. Weight decay is
// classic L2: it is added to the gradient before the moment updates.
type Adam struct {
	base
	config AdamConfig
	m      map[*tensor.Tensor][]float32 // First moment estimates
	v      map[*tensor.Tensor][]float32 // Second moment estimates

	// decoupled switches to AdamW semantics: decay applied directly to the
	// weights, outside the moment estimates.
	decoupled bool
}

// NewAdam creates an Adam optimizer over the given parameter groups.
func NewAdam(groups []ParamGroup, lr float64, config AdamConfig) (*Adam, error) {
	return newAdam(groups, lr, config, false)
}

// NewAdamW creates an AdamW optimizer: Adam with decoupled weight decay.
func NewAdamW(groups []ParamGroup, lr float64, config AdamConfig) (*Adam, error) {
	return newAdam(groups, lr, config, true)
}

func newAdam(groups []ParamGroup, lr float64, config AdamConfig, decoupled bool) (*Adam, error) {
	name := "adam"
	if decoupled {
		name = "adamw"
	}
	b, err := newBase(groups, lr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("%s: betas must be in [0, 1), got %g and %g", name, config.Beta1, config.Beta2)
	}
	if config.Eps <= 0 {
		config.Eps = 1e-8
	}
	return &Adam{
		base:      b,
		config:    config,
		m:         make(map[*tensor.Tensor][]float32),
		v:         make(map[*tensor.Tensor][]float32),
		decoupled: decoupled,
	}, nil
}

// Step performs a single optimization step.
func (adam *Adam) Step() error {
	adam.mu.Lock()
	defer adam.mu.Unlock()

	adam.stepCount++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.config.Beta1, float64(adam.stepCount))
	bias2 := 1.0 - math.Pow(adam.config.Beta2, float64(adam.stepCount))

	beta1 := float32(adam.config.Beta1)
	beta2 := float32(adam.config.Beta2)
	eps := adam.config.Eps

	for _, group := range adam.groups {
		lr := group.LR
		wd := float32(group.WeightDecay)

		for _, param := range group.Params {
			grad := gradData(param)
			if grad == nil {
				continue
			}
			pData, err := param.Float32Data()
			if err != nil {
				return fmt.Errorf("%s: %w", adam.Name(), err)
			}

			d := make([]float32, len(grad))
			copy(d, grad)
			if wd > 0 && !adam.decoupled {
				for i := range d {
					d[i] += wd * pData[i]
				}
			}

			m, ok := adam.m[param]
			if !ok {
				m = make([]float32, len(d))
				adam.m[param] = m
			}
			v, ok := adam.v[param]
			if !ok {
				v = make([]float32, len(d))
				adam.v[param] = v
			}

			for i := range d {
				m[i] = beta1*m[i] + (1-beta1)*d[i]
				v[i] = beta2*v[i] + (1-beta2)*d[i]*d[i]
			}

			if wd > 0 && adam.decoupled {
				decay := float32(lr) * wd
				for i := range pData {
					pData[i] -= decay * pData[i]
				}
			}

			for i := range pData {
				mHat := float64(m[i]) / bias1
				vHat := float64(v[i]) / bias2
				pData[i] -= float32(lr * mHat / (math.Sqrt(vHat) + eps))
			}
		}
	}

	return nil
}

// Name returns the optimizer name.
func (adam *Adam) Name() string {
	if adam.decoupled {
		return "adamw"
	}
	return "adam"
}

// State extracts the optimizer state for checkpointing.
func (adam *Adam) State() (*State, error) {
	adam.mu.RLock()
	defer adam.mu.RUnlock()

	state := adam.exportSlots(adam.Name(), adam.m, "m")
	second := adam.exportSlots(adam.Name(), adam.v, "v")
	state.Slots = append(state.Slots, second.Slots...)
	state.Hyperparams = map[string]float64{
		"beta1": adam.config.Beta1,
		"beta2": adam.config.Beta2,
		"eps":   adam.config.Eps,
	}
	return state, nil
}

// LoadState restores the optimizer state from a checkpoint.
func (adam *Adam) LoadState(state *State) error {
	if state.Type != adam.Name() {
		return fmt.Errorf("%s: cannot load state of type %q", adam.Name(), state.Type)
	}
	adam.mu.Lock()
	defer adam.mu.Unlock()
	if err := adam.importSlots(state, adam.m, "m"); err != nil {
		return err
	}
	return adam.importSlots(state, adam.v, "v")
}
