package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-probe/tensor"
)

// Loss computes a scalar objective from logits and targets. The returned
// tensor is wired into the autograd graph so Backward reaches the model
// parameters. Targets are either class indices (Int32, shape [N]) or class
// probability rows (Float32, shape [N, C]).
type Loss interface {
	Forward(logits, targets *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// CrossEntropyLoss is softmax cross-entropy averaged over the batch.
// Smoothing, when positive, redistributes that fraction of each target's
// probability mass uniformly over the classes.
type CrossEntropyLoss struct {
	Smoothing float64
}

// NewCrossEntropyLoss creates a cross-entropy loss without label smoothing.
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// NewLabelSmoothingCrossEntropy creates a cross-entropy loss with the given
// smoothing factor in [0, 1).
func NewLabelSmoothingCrossEntropy(smoothing float64) (*CrossEntropyLoss, error) {
	if smoothing < 0 || smoothing >= 1 {
		return nil, fmt.Errorf("label smoothing must be in [0, 1), got %g", smoothing)
	}
	return &CrossEntropyLoss{Smoothing: smoothing}, nil
}

func (c *CrossEntropyLoss) Name() string { return "cross_entropy" }

// Forward computes the mean cross-entropy over the batch.
func (c *CrossEntropyLoss) Forward(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy expects 2D logits [batch, classes], got %v", logits.Shape)
	}
	batch := logits.Shape[0]
	classes := logits.Shape[1]

	logitData, err := logits.Float32Data()
	if err != nil {
		return nil, fmt.Errorf("cross entropy: %w", err)
	}

	// Target rows: one-hot from indices, or the provided soft distribution.
	probsTarget, err := targetRows(targets, batch, classes)
	if err != nil {
		return nil, err
	}
	if c.Smoothing > 0 {
		smooth := float32(c.Smoothing)
		uniform := smooth / float32(classes)
		for i := range probsTarget {
			probsTarget[i] = probsTarget[i]*(1-smooth) + uniform
		}
	}

	// Stable softmax per row, kept for the backward pass.
	softmax := make([]float32, len(logitData))
	var total float64
	for n := 0; n < batch; n++ {
		row := logitData[n*classes : (n+1)*classes]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			softmax[n*classes+j] = float32(e)
			sum += e
		}
		for j := 0; j < classes; j++ {
			softmax[n*classes+j] /= float32(sum)
		}
		for j := 0; j < classes; j++ {
			t := probsTarget[n*classes+j]
			if t > 0 {
				p := float64(softmax[n*classes+j])
				total -= float64(t) * math.Log(math.Max(p, 1e-12))
			}
		}
	}

	loss := float32(total / float64(batch))
	op := &crossEntropyOp{
		logits:  logits,
		softmax: softmax,
		target:  probsTarget,
		batch:   batch,
		classes: classes,
	}
	return tensor.FromOp(op, []int{1}, tensor.Float32, []float32{loss})
}

// targetRows expands targets into a dense [batch*classes] probability slice.
func targetRows(targets *tensor.Tensor, batch, classes int) ([]float32, error) {
	switch targets.DType {
	case tensor.Int32:
		if len(targets.Shape) != 1 || targets.Shape[0] != batch {
			return nil, fmt.Errorf("class index targets must have shape [%d], got %v", batch, targets.Shape)
		}
		idx, err := targets.Int32Data()
		if err != nil {
			return nil, err
		}
		rows := make([]float32, batch*classes)
		for n, cls := range idx {
			if cls < 0 || int(cls) >= classes {
				return nil, fmt.Errorf("target class %d out of range [0, %d)", cls, classes)
			}
			rows[n*classes+int(cls)] = 1
		}
		return rows, nil
	case tensor.Float32:
		if len(targets.Shape) != 2 || targets.Shape[0] != batch || targets.Shape[1] != classes {
			return nil, fmt.Errorf("soft targets must have shape [%d, %d], got %v", batch, classes, targets.Shape)
		}
		data, err := targets.Float32Data()
		if err != nil {
			return nil, err
		}
		rows := make([]float32, len(data))
		copy(rows, data)
		return rows, nil
	default:
		return nil, fmt.Errorf("unsupported target dtype %s", targets.DType)
	}
}

// crossEntropyOp backpropagates (softmax - target) / batch to the logits.
type crossEntropyOp struct {
	logits  *tensor.Tensor
	softmax []float32
	target  []float32
	batch   int
	classes int
}

func (op *crossEntropyOp) Inputs() []*tensor.Tensor { return []*tensor.Tensor{op.logits} }

func (op *crossEntropyOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	scale := float32(1.0 / float64(op.batch))
	if gradOut != nil && gradOut.NumElems == 1 {
		if seed, err := gradOut.Item(); err == nil {
			scale *= float32(seed)
		}
	}
	grad := make([]float32, len(op.softmax))
	for i := range grad {
		grad[i] = (op.softmax[i] - op.target[i]) * scale
	}
	out, err := tensor.NewTensor([]int{op.batch, op.classes}, tensor.Float32, grad)
	if err != nil {
		return []*tensor.Tensor{nil}
	}
	return []*tensor.Tensor{out}
}
