package layers

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-cyclegan/tensor"
)

// Module is the capability every trainable network exposes to the trainer.
// Gradients accumulate into the tensors returned by Parameters whenever a
// loss depending on Forward's output is back-propagated.
type Module interface {
	Name() string
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
}

// Specced is implemented by modules that can describe their architecture
type Specced interface {
	Spec() *ModelSpec
}

// Sequential executes a compiled ModelSpec layer by layer
type Sequential struct {
	name   string
	spec   *ModelSpec
	params [][]*tensor.Tensor // per layer, empty for parameter-free layers
}

// NewSequential instantiates parameters for spec. Weights are drawn from
// N(0, initStd^2) and biases start at zero.
func NewSequential(name string, spec *ModelSpec, initStd float32, rng *rand.Rand) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model %s: spec must be compiled", name)
	}

	seq := &Sequential{
		name:   name,
		spec:   spec,
		params: make([][]*tensor.Tensor, len(spec.Layers)),
	}

	for i, layer := range spec.Layers {
		if layer.Type != PointwiseConv {
			continue
		}
		wShape, bShape := layer.ParameterShapes[0], layer.ParameterShapes[1]

		init, err := tensor.RandomNormal(wShape, 0, initStd, rng)
		if err != nil {
			return nil, fmt.Errorf("model %s: %v", name, err)
		}
		weight, err := tensor.NewParameter(fmt.Sprintf("%s.%s.weight", name, layer.Name), wShape, init.Data)
		if err != nil {
			return nil, err
		}
		bias, err := tensor.NewParameter(fmt.Sprintf("%s.%s.bias", name, layer.Name), bShape, nil)
		if err != nil {
			return nil, err
		}
		seq.params[i] = []*tensor.Tensor{weight, bias}
	}

	return seq, nil
}

func (s *Sequential) Name() string {
	return s.name
}

func (s *Sequential) Spec() *ModelSpec {
	return s.spec
}

// Parameters returns the trainable tensors in layer order
func (s *Sequential) Parameters() []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, p := range s.params {
		out = append(out, p...)
	}
	return out
}

// Forward runs a batch of shape [N, C, H, W] through every layer
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("model %s: expected NCHW input, got %v", s.name, input.Shape)
	}
	for i, dim := range s.spec.InputShape {
		if input.Shape[i+1] != dim {
			return nil, fmt.Errorf("model %s: input %v does not match spec %v", s.name, input.Shape[1:], s.spec.InputShape)
		}
	}

	x := input
	var err error
	for i, layer := range s.spec.Layers {
		switch layer.Type {
		case PointwiseConv:
			x, err = tensor.PointwiseConv(x, s.params[i][0], s.params[i][1])
		case LeakyReLU:
			x = tensor.LeakyReLU(x, getFloatParam(layer.Parameters, "negative_slope", 0.2))
		case Tanh:
			x = tensor.Tanh(x)
		case AvgPool2D:
			x, err = tensor.AvgPool2D(x, getIntParam(layer.Parameters, "kernel_size", 1))
		default:
			err = fmt.Errorf("unsupported layer type %s", layer.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("model %s, layer %s: %v", s.name, layer.Name, err)
		}
	}
	return x, nil
}

// CountParameters returns the number of scalar parameters in m
func CountParameters(m Module) int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.NumElems
	}
	return total
}
