package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Float16:
		return "Float16"
	default:
		return "Unknown"
	}
}

// DeviceType tags where a tensor was placed. It is informational: CPU and
// SIMD tensors run the same kernels.
type DeviceType int

const (
	CPU DeviceType = iota
	SIMD
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case SIMD:
		return "SIMD"
	default:
		return "Unknown"
	}
}

// Operation is a recorded node of the autograd tape. Backward receives the
// gradient of the operation's output and returns one gradient per input,
// nil for inputs that do not need one.
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut []float32) [][]float32
}

// Tensor is a dense, row-major float32 tensor.
type Tensor struct {
	Name     string
	Shape    []int
	Strides  []int
	DType    DType
	Device   DeviceType
	Data     []float32
	NumElems int

	requiresGrad bool
	grad         []float32
	creator      Operation
}

func (t *Tensor) String() string {
	if t.Name != "" {
		return fmt.Sprintf("Tensor(%s, shape=%v, dtype=%s, device=%s)", t.Name, t.Shape, t.DType, t.Device)
	}
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient, or nil if nothing has been
// accumulated since the last ZeroGrad.
func (t *Tensor) Grad() []float32 {
	return t.grad
}

// ZeroGrad clears the gradient accumulator.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// IsLeaf reports whether the tensor was created by the user rather than by
// a recorded operation.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() requires a single-element tensor, got shape %v", t.Shape)
	}
	return t.Data[0], nil
}

func (t *Tensor) accumulate(g []float32) {
	if t.grad == nil {
		t.grad = make([]float32, t.NumElems)
	}
	for i, v := range g {
		t.grad[i] += v
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
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
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
