package tensor

import (
	"fmt"
)

// ToChannelsLast returns a copy of a 4-D NCHW tensor with its data stored in
// NHWC order. The logical shape is unchanged; only the physical order and
// strides differ. Calling it on a tensor already in channels-last layout
// returns the tensor unchanged.
func (t *Tensor) ToChannelsLast() (*Tensor, error) {
	if t.Layout == ChannelsLast {
		return t, nil
	}
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("channels-last layout requires a 4-D tensor, got shape %v", t.Shape)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("channels-last layout only supports Float32 tensors")
	}

	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	src := t.Data.([]float32)
	dst := make([]float32, len(src))

	for in := 0; in < n; in++ {
		for ic := 0; ic < c; ic++ {
			for ih := 0; ih < h; ih++ {
				for iw := 0; iw < w; iw++ {
					srcIdx := ((in*c+ic)*h+ih)*w + iw
					dstIdx := ((in*h+ih)*w+iw)*c + ic
					dst[dstIdx] = src[srcIdx]
				}
			}
		}
	}

	out := &Tensor{
		Shape: append([]int(nil), t.Shape...),
		// Strides address the NHWC data through the logical NCHW shape.
		Strides:      []int{h * w * c, 1, w * c, c},
		DType:        t.DType,
		Layout:       ChannelsLast,
		Data:         dst,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}
	return out, nil
}

// Contiguous returns a copy of the tensor with its data in the default
// NCHW order. Tensors already in the default layout are returned unchanged.
func (t *Tensor) Contiguous() (*Tensor, error) {
	if t.Layout == ChannelsFirst {
		return t, nil
	}
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("cannot restore layout of non-4-D tensor with shape %v", t.Shape)
	}

	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	src := t.Data.([]float32)
	dst := make([]float32, len(src))

	for in := 0; in < n; in++ {
		for ic := 0; ic < c; ic++ {
			for ih := 0; ih < h; ih++ {
				for iw := 0; iw < w; iw++ {
					srcIdx := ((in*h+ih)*w+iw)*c + ic
					dstIdx := ((in*c+ic)*h+ih)*w + iw
					dst[dstIdx] = src[srcIdx]
				}
			}
		}
	}

	out := &Tensor{
		Shape:        append([]int(nil), t.Shape...),
		Strides:      calculateStrides(t.Shape),
		DType:        t.DType,
		Layout:       ChannelsFirst,
		Data:         dst,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}
	return out, nil
}
