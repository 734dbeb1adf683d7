package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	PointwiseConv LayerType = iota
	LeakyReLU
	Tanh
	AvgPool2D
)

func (lt LayerType) String() string {
	switch lt {
	case PointwiseConv:
		return "PointwiseConv"
	case LeakyReLU:
		return "LeakyReLU"
	case Tanh:
		return "Tanh"
	case AvgPool2D:
		return "AvgPool2D"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration. It is pure configuration; a
// Sequential owns the parameters and executes it.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information computed during compilation, per sample (C, H, W)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete network as an ordered list of layers
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder assembles a ModelSpec layer by layer
type ModelBuilder struct {
	inputShape []int
	layers     []LayerSpec
}

// NewModelBuilder creates a builder for per-sample input shape (C, H, W)
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		inputShape: append([]int(nil), inputShape...),
	}
}

func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddPointwiseConv adds a 1x1 convolution with bias
func (mb *ModelBuilder) AddPointwiseConv(outputChannels int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: PointwiseConv,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
		},
	})
}

func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LeakyReLU,
		Name: name,
		Parameters: map[string]interface{}{
			"negative_slope": negativeSlope,
		},
	})
}

func (mb *ModelBuilder) AddTanh(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Tanh,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddAvgPool2D adds non-overlapping average pooling with a square window
func (mb *ModelBuilder) AddAvgPool2D(kernelSize int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: AvgPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
		},
	})
}

// Compile validates the layer chain and fills in shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.inputShape) != 3 {
		return nil, fmt.Errorf("input shape must be (C, H, W), got %v", mb.inputShape)
	}
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("model has no layers")
	}

	spec := &ModelSpec{
		InputShape: append([]int(nil), mb.inputShape...),
	}

	shape := spec.InputShape
	for i := range mb.layers {
		layer := mb.layers[i]
		out, paramShapes, count, err := computeLayerInfo(&layer, shape)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %v", i, layer.Name, err)
		}
		layer.InputShape = shape
		layer.OutputShape = out
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = count

		spec.Layers = append(spec.Layers, layer)
		spec.ParameterShapes = append(spec.ParameterShapes, paramShapes...)
		spec.TotalParameters += count
		shape = out
	}

	spec.OutputShape = shape
	spec.Compiled = true
	return spec, nil
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	c, h, w := inputShape[0], inputShape[1], inputShape[2]

	switch layer.Type {
	case PointwiseConv:
		out := getIntParam(layer.Parameters, "output_channels", 0)
		if out <= 0 {
			return nil, nil, 0, fmt.Errorf("output_channels must be positive")
		}
		shapes := [][]int{{out, c}, {out}}
		return []int{out, h, w}, shapes, int64(out*c + out), nil

	case AvgPool2D:
		k := getIntParam(layer.Parameters, "kernel_size", 0)
		if k <= 0 || k > h || k > w {
			return nil, nil, 0, fmt.Errorf("kernel_size %d does not fit %dx%d", k, h, w)
		}
		return []int{c, h / k, w / k}, nil, 0, nil

	case LeakyReLU, Tanh:
		return []int{c, h, w}, nil, 0, nil

	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type %s", layer.Type)
	}
}

// Summary returns a human readable description of the model
func (ms *ModelSpec) Summary() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Model: input %v -> output %v\n", ms.InputShape, ms.OutputShape))
	for i, layer := range ms.Layers {
		sb.WriteString(fmt.Sprintf("  %d: %-14s %-10s %v -> %v (%d params)\n",
			i, layer.Name, layer.Type, layer.InputShape, layer.OutputShape, layer.ParameterCount))
	}
	sb.WriteString(fmt.Sprintf("Total parameters: %d\n", ms.TotalParameters))
	return sb.String()
}

func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		// JSON round trips numbers as float64
		return int(v)
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return defaultValue
}
