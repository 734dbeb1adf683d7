package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor creates a CPU tensor that takes ownership of data. A nil data
// slice allocates zeros.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, numElems)
	}

	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    Float32,
		Device:   CPU,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// NewParameter creates a named leaf tensor that accumulates gradients.
func NewParameter(name string, shape []int, data []float32) (*Tensor, error) {
	t, err := NewTensor(shape, data)
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %v", name, err)
	}
	t.Name = name
	t.requiresGrad = true
	return t, nil
}

func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

func Full(shape []int, value float32) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// OnesLike returns a constant tensor of ones with t's shape.
func OnesLike(t *Tensor) *Tensor {
	out, _ := Full(t.Shape, 1)
	return out
}

// ZerosLike returns a constant tensor of zeros with t's shape.
func ZerosLike(t *Tensor) *Tensor {
	out, _ := Zeros(t.Shape)
	return out
}

// Scalar returns a constant one-element tensor.
func Scalar(v float32) *Tensor {
	t, _ := NewTensor([]int{1}, []float32{v})
	return t
}

// RandomNormal draws values from N(mean, std^2) using rng.
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = mean + std*float32(rng.NormFloat64())
	}
	return t, nil
}

// Clone copies the data into a new constant tensor with no autograd history.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	out, _ := NewTensor(t.Shape, data)
	out.Name = t.Name
	out.Device = t.Device
	return out
}

// To returns the tensor placed on device. Storage is host memory for every
// supported device, so only the placement tag changes and autograd history
// is preserved.
func (t *Tensor) To(device DeviceType) *Tensor {
	t.Device = device
	return t
}
