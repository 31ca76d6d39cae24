package tensor

import (
	"fmt"
)

// DType identifies the element type of a tensor.
type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Layout identifies the physical memory order of a 4-D tensor.
// ChannelsFirst is the default NCHW order; ChannelsLast stores the same
// logical NCHW shape in NHWC order. Layout is a performance hint only and
// has no effect on logical values.
type Layout int

const (
	ChannelsFirst Layout = iota
	ChannelsLast
)

func (l Layout) String() string {
	switch l {
	case ChannelsFirst:
		return "ChannelsFirst"
	case ChannelsLast:
		return "ChannelsLast"
	default:
		return "Unknown"
	}
}

// Operation is a node in the reverse-mode autograd graph. Backward receives
// the gradient of the loss with respect to the operation output and returns
// the gradients with respect to each input, in input order. A nil entry
// means the corresponding input is not differentiable.
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor) []*Tensor
}

// Tensor is a CPU-resident n-dimensional array with optional gradient
// tracking. Data holds either []float32 or []int32 depending on DType.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Layout   Layout
	Data     interface{}
	NumElems int

	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, layout=%s, elements=%d)",
		t.Shape, t.DType, t.Layout, t.NumElems)
}

// RequiresGrad reports whether gradients are tracked for this tensor.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad toggles gradient tracking. Clearing it also drops any
// accumulated gradient.
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
	if !requires {
		t.grad = nil
	}
}

// Grad returns the accumulated gradient, or nil if none has been computed.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// ZeroGradSelf clears the accumulated gradient of this tensor.
func (t *Tensor) ZeroGradSelf() {
	t.grad = nil
}

// Creator returns the operation that produced this tensor, or nil for leaves.
func (t *Tensor) Creator() Operation {
	return t.creator
}

func (t *Tensor) setCreator(op Operation) {
	t.creator = op
}

// Float32Data returns the backing slice of a Float32 tensor.
func (t *Tensor) Float32Data() ([]float32, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor holds %s data, not Float32", t.DType)
	}
	return data, nil
}

// Int32Data returns the backing slice of an Int32 tensor.
func (t *Tensor) Int32Data() ([]int32, error) {
	data, ok := t.Data.([]int32)
	if !ok {
		return nil, fmt.Errorf("tensor holds %s data, not Int32", t.DType)
	}
	return data, nil
}

// Item returns the single element of a one-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item requires a one-element tensor, got %d elements", t.NumElems)
	}
	switch data := t.Data.(type) {
	case []float32:
		return float64(data[0]), nil
	case []int32:
		return float64(data[0]), nil
	default:
		return 0, fmt.Errorf("unsupported data type %T", t.Data)
	}
}

// Clone returns a deep copy of the tensor. The copy is a leaf: it has no
// creator and no gradient, but preserves the requires-grad flag.
func (t *Tensor) Clone() (*Tensor, error) {
	var data interface{}
	switch src := t.Data.(type) {
	case []float32:
		dst := make([]float32, len(src))
		copy(dst, src)
		data = dst
	case []int32:
		dst := make([]int32, len(src))
		copy(dst, src)
		data = dst
	default:
		return nil, fmt.Errorf("unsupported data type %T", t.Data)
	}

	clone, err := NewTensor(append([]int(nil), t.Shape...), t.DType, data)
	if err != nil {
		return nil, err
	}
	clone.Layout = t.Layout
	clone.Strides = append([]int(nil), t.Strides...)
	clone.requiresGrad = t.requiresGrad
	return clone, nil
}

// Detach returns a tensor sharing this tensor's data but severed from the
// autograd graph. The result never requires gradients.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		DType:    t.DType,
		Layout:   t.Layout,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// SetData replaces the backing data in place. The replacement must match the
// tensor's element count and type.
func (t *Tensor) SetData(data interface{}) error {
	switch src := t.Data.(type) {
	case []float32:
		repl, ok := data.([]float32)
		if !ok {
			return fmt.Errorf("expected []float32 replacement, got %T", data)
		}
		if len(repl) != len(src) {
			return fmt.Errorf("data length mismatch: expected %d, got %d", len(src), len(repl))
		}
		copy(src, repl)
	case []int32:
		repl, ok := data.([]int32)
		if !ok {
			return fmt.Errorf("expected []int32 replacement, got %T", data)
		}
		if len(repl) != len(src) {
			return fmt.Errorf("data length mismatch: expected %d, got %d", len(src), len(repl))
		}
		copy(src, repl)
	default:
		return fmt.Errorf("unsupported data type %T", t.Data)
	}
	return nil
}

// Reshape returns a view of the tensor with a new shape. The element count
// must be preserved. Channels-last tensors are made contiguous first.
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if calculateNumElements(shape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape %v to %v: element count mismatch", t.Shape, shape)
	}

	src := t
	if t.Layout == ChannelsLast {
		contig, err := t.Contiguous()
		if err != nil {
			return nil, err
		}
		src = contig
	}

	out := &Tensor{
		Shape:        append([]int(nil), shape...),
		Strides:      calculateStrides(shape),
		DType:        src.DType,
		Layout:       ChannelsFirst,
		Data:         src.Data,
		NumElems:     src.NumElems,
		requiresGrad: t.requiresGrad,
	}
	return out, nil
}

// ZeroGrad clears the gradients of every tensor in params.
func ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGradSelf()
	}
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: must have at least one dimension")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
