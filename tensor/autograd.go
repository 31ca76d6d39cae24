package tensor

import (
	"fmt"
)

// FromOp creates a tensor produced by op. The result requires gradients when
// any input does, and records op as its creator so Backward can reach it.
func FromOp(op Operation, shape []int, dtype DType, data interface{}) (*Tensor, error) {
	out, err := NewTensor(shape, dtype, data)
	if err != nil {
		return nil, err
	}
	for _, in := range op.Inputs() {
		if in.requiresGrad || in.creator != nil {
			out.requiresGrad = true
			out.setCreator(op)
			break
		}
	}
	return out, nil
}

// Backward runs reverse-mode differentiation from t, accumulating gradients
// into every reachable tensor that requires them. For a one-element tensor
// the seed gradient is 1; larger tensors require an explicit seed via
// BackwardWith.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("Backward without a seed requires a one-element tensor, got %d elements", t.NumElems)
	}
	seed, err := Ones(t.Shape)
	if err != nil {
		return err
	}
	return t.BackwardWith(seed)
}

// BackwardWith runs reverse-mode differentiation from t using seed as the
// incoming gradient.
func (t *Tensor) BackwardWith(seed *Tensor) error {
	if !sameShape(t.Shape, seed.Shape) {
		return fmt.Errorf("seed shape %v does not match tensor shape %v", seed.Shape, t.Shape)
	}

	// Topological order over the creator graph, leaves last.
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(node *Tensor)
	visit = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		if node.creator != nil {
			for _, in := range node.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, node)
	}
	visit(t)

	grads := make(map[*Tensor]*Tensor)
	grads[t] = seed

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		grad := grads[node]
		if grad == nil {
			continue
		}
		if node.requiresGrad && node.creator == nil {
			if err := node.accumulateGrad(grad); err != nil {
				return err
			}
		}
		if node.creator == nil {
			continue
		}
		inputGrads := node.creator.Backward(grad)
		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(inputGrads), len(inputs))
		}
		for j, in := range inputs {
			ig := inputGrads[j]
			if ig == nil {
				continue
			}
			if existing := grads[in]; existing != nil {
				sum, err := Add(existing, ig)
				if err != nil {
					return fmt.Errorf("gradient accumulation failed: %w", err)
				}
				grads[in] = sum
			} else {
				grads[in] = ig
			}
		}
	}

	return nil
}

func (t *Tensor) accumulateGrad(grad *Tensor) error {
	if t.grad == nil {
		clone, err := grad.Clone()
		if err != nil {
			return err
		}
		clone.requiresGrad = false
		t.grad = clone
		return nil
	}
	sum, err := Add(t.grad, grad)
	if err != nil {
		return fmt.Errorf("gradient accumulation failed: %w", err)
	}
	t.grad = sum
	return nil
}

// matMulOp implements d(a@b) = (grad@b^T, a^T@grad).
type matMulOp struct {
	a, b *Tensor
}

func (op *matMulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *matMulOp) Backward(gradOut *Tensor) []*Tensor {
	var gradA, gradB *Tensor
	if bT, err := Transpose2D(op.b); err == nil {
		gradA, _ = MatMul(gradOut, bT)
	}
	if aT, err := Transpose2D(op.a); err == nil {
		gradB, _ = MatMul(aT, gradOut)
	}
	return []*Tensor{gradA, gradB}
}

// MatMulAutograd is MatMul with gradient tracking.
func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := MatMul(a, b)
	if err != nil {
		return nil, err
	}
	return FromOp(&matMulOp{a: a, b: b}, out.Shape, out.DType, out.Data)
}

// addOp handles both same-shape addition and [N, C] + [C] bias broadcast.
type addOp struct {
	a, b *Tensor
}

func (op *addOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *addOp) Backward(gradOut *Tensor) []*Tensor {
	gradA := gradOut
	var gradB *Tensor
	if sameShape(op.a.Shape, op.b.Shape) {
		gradB = gradOut
	} else {
		// Broadcast case: gradient of the bias is the row sum.
		gradB, _ = SumRows(gradOut)
	}
	return []*Tensor{gradA, gradB}
}

// AddAutograd is Add with gradient tracking.
func AddAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := Add(a, b)
	if err != nil {
		return nil, err
	}
	return FromOp(&addOp{a: a, b: b}, out.Shape, out.DType, out.Data)
}

// mulOp handles same-shape products and [C] * [N, C] row broadcast.
type mulOp struct {
	a, b *Tensor
}

func (op *mulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *mulOp) Backward(gradOut *Tensor) []*Tensor {
	gradA := mulGrad(gradOut, op.b, op.a.Shape)
	gradB := mulGrad(gradOut, op.a, op.b.Shape)
	return []*Tensor{gradA, gradB}
}

func mulGrad(gradOut, other *Tensor, targetShape []int) *Tensor {
	prod, err := Mul(gradOut, other)
	if err != nil {
		return nil
	}
	if sameShape(prod.Shape, targetShape) {
		return prod
	}
	if len(targetShape) == 1 && len(prod.Shape) == 2 && prod.Shape[1] == targetShape[0] {
		summed, err := SumRows(prod)
		if err != nil {
			return nil
		}
		return summed
	}
	return nil
}

// MulAutograd is Mul with gradient tracking.
func MulAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := Mul(a, b)
	if err != nil {
		return nil, err
	}
	return FromOp(&mulOp{a: a, b: b}, out.Shape, out.DType, out.Data)
}

// reluOp masks the upstream gradient where the input was non-positive.
type reluOp struct {
	in *Tensor
}

func (op *reluOp) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *reluOp) Backward(gradOut *Tensor) []*Tensor {
	inData := op.in.Data.([]float32)
	gradData := gradOut.Data.([]float32)
	out := make([]float32, len(gradData))
	for i := range gradData {
		if inData[i] > 0 {
			out[i] = gradData[i]
		}
	}
	grad, err := NewTensor(op.in.Shape, Float32, out)
	if err != nil {
		return []*Tensor{nil}
	}
	return []*Tensor{grad}
}

// ReLUAutograd applies max(x, 0) with gradient tracking.
func ReLUAutograd(in *Tensor) (*Tensor, error) {
	if in.DType != Float32 {
		return nil, fmt.Errorf("ReLU requires a Float32 tensor")
	}
	src := in.Data.([]float32)
	out := make([]float32, len(src))
	for i, v := range src {
		if v > 0 {
			out[i] = v
		}
	}
	return FromOp(&reluOp{in: in}, in.Shape, Float32, out)
}

// reshapeOp restores the original shape on the way back.
type reshapeOp struct {
	in       *Tensor
	outShape []int
}

func (op *reshapeOp) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *reshapeOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := NewTensor(op.in.Shape, gradOut.DType, gradOut.Data)
	if err != nil {
		return []*Tensor{nil}
	}
	return []*Tensor{grad}
}

// ReshapeAutograd reshapes with gradient tracking. Channels-last input is
// made contiguous first so the flattened order is layout-independent.
func ReshapeAutograd(in *Tensor, shape []int) (*Tensor, error) {
	view, err := in.Reshape(shape)
	if err != nil {
		return nil, err
	}
	return FromOp(&reshapeOp{in: in, outShape: shape}, view.Shape, view.DType, view.Data)
}
