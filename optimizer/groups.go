package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-probe/tensor"
)

// ParamGroupsLayerDecay builds parameter groups with geometrically decayed
// learning rates by depth. layerParams lists a backbone's parameters per
// layer, shallowest first; layer i receives a learning rate of
// baseLR * layerDecay^(numLayers-i), so the deepest layer trains fastest
// and a classifier appended afterwards at baseLR is unscaled. Within each
// layer, one-dimensional parameters (biases, normalization scales) are
// split into a zero-weight-decay subgroup.
func ParamGroupsLayerDecay(layerParams [][]*tensor.Tensor, baseLR, weightDecay, layerDecay float64) ([]ParamGroup, error) {
	if layerDecay <= 0 || layerDecay > 1 {
		return nil, fmt.Errorf("layer decay must be in (0, 1], got %g", layerDecay)
	}
	if len(layerParams) == 0 {
		return nil, fmt.Errorf("no parameter layers to group")
	}

	numLayers := len(layerParams)
	var groups []ParamGroup

	for i, params := range layerParams {
		scale := math.Pow(layerDecay, float64(numLayers-i))
		lr := baseLR * scale

		var decay, noDecay []*tensor.Tensor
		for _, p := range params {
			if len(p.Shape) <= 1 {
				noDecay = append(noDecay, p)
			} else {
				decay = append(decay, p)
			}
		}

		if len(decay) > 0 {
			groups = append(groups, ParamGroup{
				Name:        fmt.Sprintf("layer_%d", i),
				Params:      decay,
				LR:          lr,
				WeightDecay: weightDecay,
			})
		}
		if len(noDecay) > 0 {
			groups = append(groups, ParamGroup{
				Name:   fmt.Sprintf("layer_%d_no_decay", i),
				Params: noDecay,
				LR:     lr,
			})
		}
	}

	return groups, nil
}

// ExcludeBiasAndNorm splits each group's one-dimensional parameters
// (biases and normalization scales) into a companion group with zero
// weight decay. Groups without such parameters pass through unchanged.
func ExcludeBiasAndNorm(groups []ParamGroup) []ParamGroup {
	var out []ParamGroup
	for _, g := range groups {
		var decay, noDecay []*tensor.Tensor
		for _, p := range g.Params {
			if len(p.Shape) <= 1 {
				noDecay = append(noDecay, p)
			} else {
				decay = append(decay, p)
			}
		}

		if len(decay) > 0 {
			kept := g
			kept.Params = decay
			out = append(out, kept)
		}
		if len(noDecay) > 0 {
			out = append(out, ParamGroup{
				Name:        g.Name + "_no_decay",
				Params:      noDecay,
				LR:          g.LR,
				WeightDecay: 0,
			})
		}
	}
	return out
}
