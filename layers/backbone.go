package layers

import (
	"fmt"

	"github.com/tsawler/go-probe/tensor"
)

// InplanesReporter is implemented by backbones that report their output
// feature width through an inplanes attribute, in the manner of residual
// networks.
type InplanesReporter interface {
	Inplanes() int
}

// NumFeaturesReporter is implemented by backbones that report their output
// feature width directly.
type NumFeaturesReporter interface {
	NumFeatures() int
}

// FeatureDim resolves the output feature width of a backbone. Inplanes is
// consulted first, then NumFeatures; a backbone implementing neither is an
// error.
func FeatureDim(backbone Module) (int, error) {
	if r, ok := backbone.(InplanesReporter); ok {
		return r.Inplanes(), nil
	}
	if r, ok := backbone.(NumFeaturesReporter); ok {
		return r.NumFeatures(), nil
	}
	return 0, fmt.Errorf("backbone %T reports neither Inplanes nor NumFeatures", backbone)
}

// Layered is implemented by backbones that can enumerate their parameters
// by depth, shallowest first. It is required for layer-wise learning-rate
// decay during fine-tuning.
type Layered interface {
	ParameterLayers() [][]*tensor.Tensor
}

// MLPBackbone is a small fully connected feature extractor: a Flatten
// followed by Linear+BatchNorm+ReLU blocks. It is the reference backbone
// used by the examples and tests; real deployments inject their own Module.
type MLPBackbone struct {
	body        *Sequential
	blocks      [][]Module
	numFeatures int
}

// NewMLPBackbone builds an MLP over flattened inputs of inputSize elements
// per sample. Each entry in hidden adds a Linear+BatchNorm+ReLU block; the
// last entry is the backbone's feature width.
func NewMLPBackbone(inputSize int, hidden []int) (*MLPBackbone, error) {
	if inputSize <= 0 {
		return nil, fmt.Errorf("invalid input size %d", inputSize)
	}
	if len(hidden) == 0 {
		return nil, fmt.Errorf("backbone needs at least one hidden width")
	}

	body := NewSequential(NewFlatten())
	var blocks [][]Module

	prev := inputSize
	for i, width := range hidden {
		linear, err := NewLinear(prev, width, true)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		norm, err := NewBatchNorm(width, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		act := NewReLU()

		body.Add(linear)
		body.Add(norm)
		body.Add(act)
		blocks = append(blocks, []Module{linear, norm, act})
		prev = width
	}

	return &MLPBackbone{
		body:        body,
		blocks:      blocks,
		numFeatures: prev,
	}, nil
}

// Forward extracts features from a batch. 4-D image input is flattened;
// 2-D input is passed through as-is.
func (m *MLPBackbone) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return m.body.Forward(input)
}

// NumFeatures returns the backbone output feature width.
func (m *MLPBackbone) NumFeatures() int {
	return m.numFeatures
}

// Parameters returns all backbone parameters.
func (m *MLPBackbone) Parameters() []*tensor.Tensor {
	return m.body.Parameters()
}

// ParameterLayers returns per-block parameters, shallowest block first.
func (m *MLPBackbone) ParameterLayers() [][]*tensor.Tensor {
	out := make([][]*tensor.Tensor, 0, len(m.blocks))
	for _, block := range m.blocks {
		var params []*tensor.Tensor
		for _, module := range block {
			params = append(params, module.Parameters()...)
		}
		out = append(out, params)
	}
	return out
}

// Train sets the backbone to training mode.
func (m *MLPBackbone) Train() {
	m.body.Train()
}

// Eval sets the backbone to evaluation mode.
func (m *MLPBackbone) Eval() {
	m.body.Eval()
}

// IsTraining returns true if in training mode.
func (m *MLPBackbone) IsTraining() bool {
	return m.body.IsTraining()
}
