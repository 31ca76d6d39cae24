package tensor

import (
	"fmt"
)

// MatMul computes the matrix product of two 2-D Float32 tensors.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("MatMul requires Float32 tensors, got %s and %s", a.DType, b.DType)
	}
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2-D tensors, got shapes %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("MatMul inner dimension mismatch: %v x %v", a.Shape, b.Shape)
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	aData := a.Data.([]float32)
	bData := b.Data.([]float32)
	out := make([]float32, m*n)

	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := aData[i*k+p]
			if av == 0 {
				continue
			}
			row := bData[p*n : (p+1)*n]
			dst := out[i*n : (i+1)*n]
			for j := range row {
				dst[j] += av * row[j]
			}
		}
	}

	return NewTensor([]int{m, n}, Float32, out)
}

// Transpose2D returns the transpose of a 2-D Float32 tensor.
func Transpose2D(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Transpose2D requires a 2-D tensor, got shape %v", t.Shape)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("Transpose2D requires a Float32 tensor")
	}

	rows, cols := t.Shape[0], t.Shape[1]
	src := t.Data.([]float32)
	dst := make([]float32, len(src))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst[j*rows+i] = src[i*cols+j]
		}
	}
	return NewTensor([]int{cols, rows}, Float32, dst)
}

// Add computes the elementwise sum of two Float32 tensors. A 1-D tensor of
// width C broadcasts against the rows of a 2-D [N, C] tensor.
func Add(a, b *Tensor) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("Add requires Float32 tensors")
	}

	if sameShape(a.Shape, b.Shape) {
		aData := a.Data.([]float32)
		bData := b.Data.([]float32)
		out := make([]float32, len(aData))
		for i := range aData {
			out[i] = aData[i] + bData[i]
		}
		return NewTensor(a.Shape, Float32, out)
	}

	// Row broadcast: [N, C] + [C].
	if len(a.Shape) == 2 && len(b.Shape) == 1 && a.Shape[1] == b.Shape[0] {
		n, c := a.Shape[0], a.Shape[1]
		aData := a.Data.([]float32)
		bData := b.Data.([]float32)
		out := make([]float32, len(aData))
		for i := 0; i < n; i++ {
			for j := 0; j < c; j++ {
				out[i*c+j] = aData[i*c+j] + bData[j]
			}
		}
		return NewTensor(a.Shape, Float32, out)
	}

	return nil, fmt.Errorf("incompatible shapes for Add: %v and %v", a.Shape, b.Shape)
}

// Mul computes the elementwise product of two Float32 tensors. A 1-D tensor
// of width C broadcasts against the rows of a 2-D [N, C] tensor.
func Mul(a, b *Tensor) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("Mul requires Float32 tensors")
	}

	if sameShape(a.Shape, b.Shape) {
		aData := a.Data.([]float32)
		bData := b.Data.([]float32)
		out := make([]float32, len(aData))
		for i := range aData {
			out[i] = aData[i] * bData[i]
		}
		return NewTensor(a.Shape, Float32, out)
	}

	if len(a.Shape) == 2 && len(b.Shape) == 1 && a.Shape[1] == b.Shape[0] {
		n, c := a.Shape[0], a.Shape[1]
		aData := a.Data.([]float32)
		bData := b.Data.([]float32)
		out := make([]float32, len(aData))
		for i := 0; i < n; i++ {
			for j := 0; j < c; j++ {
				out[i*c+j] = aData[i*c+j] * bData[j]
			}
		}
		return NewTensor(a.Shape, Float32, out)
	}

	if len(b.Shape) == 2 && len(a.Shape) == 1 && b.Shape[1] == a.Shape[0] {
		return Mul(b, a)
	}

	return nil, fmt.Errorf("incompatible shapes for Mul: %v and %v", a.Shape, b.Shape)
}

// Scale multiplies every element of a Float32 tensor by a scalar.
func Scale(t *Tensor, s float64) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Scale requires a Float32 tensor")
	}
	src := t.Data.([]float32)
	out := make([]float32, len(src))
	f := float32(s)
	for i := range src {
		out[i] = src[i] * f
	}
	return NewTensor(t.Shape, Float32, out)
}

// SumRows reduces a 2-D [N, C] Float32 tensor to a 1-D [C] tensor by
// summing over rows.
func SumRows(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("SumRows requires a 2-D tensor, got shape %v", t.Shape)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("SumRows requires a Float32 tensor")
	}

	n, c := t.Shape[0], t.Shape[1]
	src := t.Data.([]float32)
	out := make([]float32, c)
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			out[j] += src[i*c+j]
		}
	}
	return NewTensor([]int{c}, Float32, out)
}
