package training

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tsawler/go-probe/tensor"
)

// Mixup blends each training example with another example of the same batch
// and produces soft targets from the same blend. The mixing coefficient is
// drawn per batch from Beta(alpha, alpha). Batches regularized this way have
// no meaningful hard labels, so accuracy is not computed over them.
type Mixup struct {
	NumClasses int

	dist distuv.Beta
}

// NewMixup creates a mixup augmenter. alpha controls the Beta distribution
// the mixing coefficient is drawn from; larger values mix more aggressively.
func NewMixup(alpha float64, numClasses int, seed uint64) (*Mixup, error) {
	if alpha <= 0 {
		return nil, fmt.Errorf("mixup alpha must be positive, got %g", alpha)
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("mixup requires a positive class count, got %d", numClasses)
	}
	return &Mixup{
		NumClasses: numClasses,
		dist: distuv.Beta{
			Alpha: alpha,
			Beta:  alpha,
			Src:   rand.NewPCG(seed, seed^0x9e3779b97f4a7c15),
		},
	}, nil
}

// Apply mixes the batch with its own reversal and returns the blended inputs
// together with soft targets of shape [batch, numClasses].
func (m *Mixup) Apply(inputs, targets *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(inputs.Shape) == 0 {
		return nil, nil, fmt.Errorf("mixup requires batched inputs")
	}
	batch := inputs.Shape[0]
	if len(targets.Shape) != 1 || targets.Shape[0] != batch {
		return nil, nil, fmt.Errorf("mixup targets must have shape [%d], got %v", batch, targets.Shape)
	}

	inData, err := inputs.Float32Data()
	if err != nil {
		return nil, nil, fmt.Errorf("mixup: %w", err)
	}
	labels, err := targets.Int32Data()
	if err != nil {
		return nil, nil, fmt.Errorf("mixup: %w", err)
	}

	lam := float32(m.dist.Rand())
	perExample := inputs.NumElems / batch

	mixed := make([]float32, len(inData))
	for n := 0; n < batch; n++ {
		partner := batch - 1 - n
		for i := 0; i < perExample; i++ {
			a := inData[n*perExample+i]
			b := inData[partner*perExample+i]
			mixed[n*perExample+i] = lam*a + (1-lam)*b
		}
	}

	soft := make([]float32, batch*m.NumClasses)
	for n := 0; n < batch; n++ {
		cls := int(labels[n])
		partnerCls := int(labels[batch-1-n])
		if cls < 0 || cls >= m.NumClasses || partnerCls < 0 || partnerCls >= m.NumClasses {
			return nil, nil, fmt.Errorf("mixup label out of range [0, %d)", m.NumClasses)
		}
		soft[n*m.NumClasses+cls] += lam
		soft[n*m.NumClasses+partnerCls] += 1 - lam
	}

	mixedT, err := tensor.NewTensor(append([]int(nil), inputs.Shape...), tensor.Float32, mixed)
	if err != nil {
		return nil, nil, err
	}
	mixedT.Layout = inputs.Layout
	mixedT.Strides = append([]int(nil), inputs.Strides...)

	softT, err := tensor.NewTensor([]int{batch, m.NumClasses}, tensor.Float32, soft)
	if err != nil {
		return nil, nil, err
	}
	return mixedT, softT, nil
}
