package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-probe/tensor"
)

// LARSConfig holds configuration for the LARS optimizer.
type LARSConfig struct {
	Momentum float64
	// Eta is the trust coefficient of the layer-wise adaptation.
	Eta float64
	// ExcludeBiasAndNorm disables trust-ratio adaptation and weight decay
	// for one-dimensional parameters (biases and normalization scales).
	ExcludeBiasAndNorm bool
}

// DefaultLARSConfig returns the default LARS configuration.
func DefaultLARSConfig() LARSConfig {
	return LARSConfig{
		Momentum: 0.9,
		Eta:      0.001,
	}
}

// LARS implements layer-wise adaptive rate scaling: SGD with momentum where
// each parameter's update is rescaled by eta * ||w|| / ||grad + wd*w||.
// Large layers take proportionally larger steps, which keeps very large
// batch training stable.
type LARS struct {
	base
	config    LARSConfig
	momentums map[*tensor.Tensor][]float32
}

// NewLARS creates a LARS optimizer over the given parameter groups.
func NewLARS(groups []ParamGroup, lr float64, config LARSConfig) (*LARS, error) {
	b, err := newBase(groups, lr)
	if err != nil {
		return nil, fmt.Errorf("lars: %w", err)
	}
	if config.Eta <= 0 {
		config.Eta = 0.001
	}
	return &LARS{
		base:      b,
		config:    config,
		momentums: make(map[*tensor.Tensor][]float32),
	}, nil
}

// Step performs a single optimization step.
func (l *LARS) Step() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stepCount++

	mom := float32(l.config.Momentum)

	for _, group := range l.groups {
		lr := float32(group.LR)
		wd := float32(group.WeightDecay)

		for _, param := range group.Params {
			grad := gradData(param)
			if grad == nil {
				continue
			}
			pData, err := param.Float32Data()
			if err != nil {
				return fmt.Errorf("lars: %w", err)
			}

			// Bias and norm parameters are 1-D; they skip decay and
			// adaptation when excluded, either per-config or per-group.
			excluded := (l.config.ExcludeBiasAndNorm && len(param.Shape) == 1) || group.ExcludeAdaptation

			d := make([]float32, len(grad))
			copy(d, grad)
			if wd > 0 && !excluded {
				for i := range d {
					d[i] += wd * pData[i]
				}
			}

			if !excluded {
				var wNorm, gNorm float64
				for i := range pData {
					wNorm += float64(pData[i]) * float64(pData[i])
					gNorm += float64(d[i]) * float64(d[i])
				}
				wNorm = math.Sqrt(wNorm)
				gNorm = math.Sqrt(gNorm)

				trust := 1.0
				if wNorm > 0 && gNorm > 0 {
					trust = l.config.Eta * wNorm / gNorm
				}
				f := float32(trust)
				for i := range d {
					d[i] *= f
				}
			}

			buf, ok := l.momentums[param]
			if !ok {
				buf = make([]float32, len(d))
				l.momentums[param] = buf
			}
			for i := range buf {
				buf[i] = mom*buf[i] + d[i]
				pData[i] -= lr * buf[i]
			}
		}
	}

	return nil
}

// Name returns the optimizer name.
func (l *LARS) Name() string { return "lars" }

// State extracts the optimizer state for checkpointing.
func (l *LARS) State() (*State, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	state := l.exportSlots("lars", l.momentums, "momentum")
	state.Hyperparams = map[string]float64{
		"momentum": l.config.Momentum,
		"eta":      l.config.Eta,
	}
	return state, nil
}

// LoadState restores the optimizer state from a checkpoint.
func (l *LARS) LoadState(state *State) error {
	if state.Type != "lars" {
		return fmt.Errorf("lars: cannot load state of type %q", state.Type)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.importSlots(state, l.momentums, "momentum")
}
