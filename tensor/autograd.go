package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// StopGradient returns a view of t that shares its data but is cut out of
// the tape: no gradient computed downstream of the result reaches t or
// anything that produced t.
func StopGradient(t *Tensor) *Tensor {
	return &Tensor{
		Name:     t.Name,
		Shape:    t.Shape,
		Strides:  t.Strides,
		DType:    t.DType,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

type backwardConfig struct {
	halfPrecision bool
}

// BackwardOption configures a Backward pass.
type BackwardOption func(*backwardConfig)

// WithHalfPrecision rounds the gradients of multi-element intermediate
// tensors through IEEE binary16, so activation gradients that are too small
// flush to zero and those beyond the half range become infinite, as they
// would on reduced-precision hardware. Leaf gradients and the one-element
// loss chain stay in float32.
func WithHalfPrecision() BackwardOption {
	return func(c *backwardConfig) {
		c.halfPrecision = true
	}
}

// Backward propagates the gradient of a one-element tensor through the
// recorded tape and accumulates it into every leaf that requires a
// gradient. Accumulators are not cleared first.
func (t *Tensor) Backward(opts ...BackwardOption) error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a scalar tensor, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("backward called on a tensor that does not require grad")
	}

	var cfg backwardConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	order := topoSort(t)
	grads := map[*Tensor][]float32{t: {1}}

	if t.IsLeaf() {
		t.accumulate(grads[t])
		return nil
	}

	// order is post-order, so walk it backwards to visit outputs before inputs.
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok || node.creator == nil {
			continue
		}
		delete(grads, node)

		inputs := node.creator.Inputs()
		inputGrads := node.creator.Backward(g)
		for j, in := range inputs {
			if j >= len(inputGrads) || inputGrads[j] == nil || !in.requiresGrad {
				continue
			}
			ig := inputGrads[j]
			if cfg.halfPrecision && !in.IsLeaf() && in.NumElems > 1 {
				ig = roundHalf(ig)
			}
			if in.IsLeaf() {
				in.accumulate(ig)
				continue
			}
			if existing, ok := grads[in]; ok {
				for k, v := range ig {
					existing[k] += v
				}
			} else {
				buf := make([]float32, len(ig))
				copy(buf, ig)
				grads[in] = buf
			}
		}
	}
	return nil
}

func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(*Tensor)
	visit = func(n *Tensor) {
		if visited[n] || !n.requiresGrad {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, n)
	}
	visit(root)
	return order
}

func roundHalf(g []float32) []float32 {
	out := make([]float32, len(g))
	for i, v := range g {
		out[i] = float16.Fromfloat32(v).Float32()
	}
	return out
}

// AllFinite reports whether data contains no NaN or Inf values.
func AllFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
