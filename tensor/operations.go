package tensor

import (
	"fmt"
	"math"
)

func checkSameShape(op string, a, b *Tensor) error {
	if !shapesEqual(a.Shape, b.Shape) {
		return fmt.Errorf("%s: shape mismatch %v vs %v", op, a.Shape, b.Shape)
	}
	return nil
}

// record wires the result into the tape when any input takes part in
// gradient computation.
func record(result *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in.requiresGrad {
			result.requiresGrad = true
			result.creator = op
			break
		}
	}
	if len(inputs) > 0 {
		result.Device = inputs[0].Device
	}
	return result
}

// addOp implements a + b
type addOp struct {
	a, b *Tensor
}

func (op *addOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *addOp) Backward(g []float32) [][]float32 {
	return [][]float32{g, g}
}

// Add returns the elementwise sum of two equally shaped tensors.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape("add", a, b); err != nil {
		return nil, err
	}
	out, _ := NewTensor(a.Shape, nil)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return record(out, &addOp{a: a, b: b}, a, b), nil
}

// subOp implements a - b
type subOp struct {
	a, b *Tensor
}

func (op *subOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *subOp) Backward(g []float32) [][]float32 {
	neg := make([]float32, len(g))
	for i, v := range g {
		neg[i] = -v
	}
	return [][]float32{g, neg}
}

// Sub returns the elementwise difference a - b.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape("sub", a, b); err != nil {
		return nil, err
	}
	out, _ := NewTensor(a.Shape, nil)
	for i := range out.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return record(out, &subOp{a: a, b: b}, a, b), nil
}

type scaleOp struct {
	a *Tensor
	s float32
}

func (op *scaleOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *scaleOp) Backward(g []float32) [][]float32 {
	ga := make([]float32, len(g))
	for i, v := range g {
		ga[i] = v * op.s
	}
	return [][]float32{ga}
}

// Scale multiplies every element by s.
func Scale(a *Tensor, s float32) *Tensor {
	out, _ := NewTensor(a.Shape, nil)
	for i, v := range a.Data {
		out.Data[i] = v * s
	}
	return record(out, &scaleOp{a: a, s: s}, a)
}

type meanOp struct {
	a *Tensor
}

func (op *meanOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *meanOp) Backward(g []float32) [][]float32 {
	ga := make([]float32, op.a.NumElems)
	v := g[0] / float32(op.a.NumElems)
	for i := range ga {
		ga[i] = v
	}
	return [][]float32{ga}
}

// Mean reduces all elements to a one-element tensor.
func Mean(a *Tensor) *Tensor {
	var sum float64
	for _, v := range a.Data {
		sum += float64(v)
	}
	out := Scalar(float32(sum / float64(a.NumElems)))
	return record(out, &meanOp{a: a}, a)
}

type mseOp struct {
	pred, target *Tensor
}

func (op *mseOp) Inputs() []*Tensor { return []*Tensor{op.pred, op.target} }

func (op *mseOp) Backward(g []float32) [][]float32 {
	n := float32(op.pred.NumElems)
	gp := make([]float32, op.pred.NumElems)
	gt := make([]float32, op.pred.NumElems)
	for i := range gp {
		d := 2 * (op.pred.Data[i] - op.target.Data[i]) / n * g[0]
		gp[i] = d
		gt[i] = -d
	}
	return [][]float32{gp, gt}
}

// MeanSquaredError computes mean((pred - target)^2).
func MeanSquaredError(pred, target *Tensor) (*Tensor, error) {
	if err := checkSameShape("mse", pred, target); err != nil {
		return nil, err
	}
	var sum float64
	for i, p := range pred.Data {
		d := float64(p - target.Data[i])
		sum += d * d
	}
	out := Scalar(float32(sum / float64(pred.NumElems)))
	return record(out, &mseOp{pred: pred, target: target}, pred, target), nil
}

type maeOp struct {
	a, b *Tensor
}

func (op *maeOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *maeOp) Backward(g []float32) [][]float32 {
	n := float32(op.a.NumElems)
	ga := make([]float32, op.a.NumElems)
	gb := make([]float32, op.a.NumElems)
	for i := range ga {
		d := op.a.Data[i] - op.b.Data[i]
		var s float32
		switch {
		case d > 0:
			s = 1
		case d < 0:
			s = -1
		}
		ga[i] = s / n * g[0]
		gb[i] = -ga[i]
	}
	return [][]float32{ga, gb}
}

// MeanAbsoluteError computes mean(|a - b|), the L1 loss.
func MeanAbsoluteError(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape("l1", a, b); err != nil {
		return nil, err
	}
	var sum float64
	for i, v := range a.Data {
		sum += math.Abs(float64(v - b.Data[i]))
	}
	out := Scalar(float32(sum / float64(a.NumElems)))
	return record(out, &maeOp{a: a, b: b}, a, b), nil
}

type tanhOp struct {
	a, out *Tensor
}

func (op *tanhOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *tanhOp) Backward(g []float32) [][]float32 {
	ga := make([]float32, len(g))
	for i, v := range g {
		y := op.out.Data[i]
		ga[i] = v * (1 - y*y)
	}
	return [][]float32{ga}
}

func Tanh(a *Tensor) *Tensor {
	out, _ := NewTensor(a.Shape, nil)
	for i, v := range a.Data {
		out.Data[i] = float32(math.Tanh(float64(v)))
	}
	return record(out, &tanhOp{a: a, out: out}, a)
}

type leakyReLUOp struct {
	a     *Tensor
	slope float32
}

func (op *leakyReLUOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *leakyReLUOp) Backward(g []float32) [][]float32 {
	ga := make([]float32, len(g))
	for i, v := range g {
		if op.a.Data[i] > 0 {
			ga[i] = v
		} else {
			ga[i] = v * op.slope
		}
	}
	return [][]float32{ga}
}

func LeakyReLU(a *Tensor, slope float32) *Tensor {
	out, _ := NewTensor(a.Shape, nil)
	for i, v := range a.Data {
		if v > 0 {
			out.Data[i] = v
		} else {
			out.Data[i] = v * slope
		}
	}
	return record(out, &leakyReLUOp{a: a, slope: slope}, a)
}

type pointwiseConvOp struct {
	x, w, b *Tensor
}

func (op *pointwiseConvOp) Inputs() []*Tensor { return []*Tensor{op.x, op.w, op.b} }

func (op *pointwiseConvOp) Backward(g []float32) [][]float32 {
	n, c, plane := op.x.Shape[0], op.x.Shape[1], op.x.Shape[2]*op.x.Shape[3]
	o := op.w.Shape[0]

	gx := make([]float32, op.x.NumElems)
	gw := make([]float32, op.w.NumElems)
	gb := make([]float32, op.b.NumElems)

	for s := 0; s < n; s++ {
		for oc := 0; oc < o; oc++ {
			gRow := g[(s*o+oc)*plane : (s*o+oc+1)*plane]
			for _, v := range gRow {
				gb[oc] += v
			}
			for ic := 0; ic < c; ic++ {
				xRow := op.x.Data[(s*c+ic)*plane : (s*c+ic+1)*plane]
				gxRow := gx[(s*c+ic)*plane : (s*c+ic+1)*plane]
				wv := op.w.Data[oc*c+ic]
				var acc float32
				for p, v := range gRow {
					acc += v * xRow[p]
					gxRow[p] += v * wv
				}
				gw[oc*c+ic] += acc
			}
		}
	}
	return [][]float32{gx, gw, gb}
}

// PointwiseConv applies a 1x1 convolution: x is [N, C, H, W], w is [O, C]
// and b is [O]. The result is [N, O, H, W].
func PointwiseConv(x, w, b *Tensor) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("pointwise conv: input must be NCHW, got %v", x.Shape)
	}
	if len(w.Shape) != 2 || w.Shape[1] != x.Shape[1] {
		return nil, fmt.Errorf("pointwise conv: weight %v incompatible with input %v", w.Shape, x.Shape)
	}
	if len(b.Shape) != 1 || b.Shape[0] != w.Shape[0] {
		return nil, fmt.Errorf("pointwise conv: bias %v incompatible with weight %v", b.Shape, w.Shape)
	}

	n, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	o := w.Shape[0]
	plane := h * wd

	out, err := NewTensor([]int{n, o, h, wd}, nil)
	if err != nil {
		return nil, err
	}
	for s := 0; s < n; s++ {
		for oc := 0; oc < o; oc++ {
			dst := out.Data[(s*o+oc)*plane : (s*o+oc+1)*plane]
			for p := range dst {
				dst[p] = b.Data[oc]
			}
			for ic := 0; ic < c; ic++ {
				wv := w.Data[oc*c+ic]
				src := x.Data[(s*c+ic)*plane : (s*c+ic+1)*plane]
				for p, v := range src {
					dst[p] += wv * v
				}
			}
		}
	}
	return record(out, &pointwiseConvOp{x: x, w: w, b: b}, x, w, b), nil
}

type avgPoolOp struct {
	x    *Tensor
	k    int
	outH int
	outW int
}

func (op *avgPoolOp) Inputs() []*Tensor { return []*Tensor{op.x} }

func (op *avgPoolOp) Backward(g []float32) [][]float32 {
	nc := op.x.Shape[0] * op.x.Shape[1]
	h, w := op.x.Shape[2], op.x.Shape[3]
	gx := make([]float32, op.x.NumElems)
	inv := 1 / float32(op.k*op.k)
	for p := 0; p < nc; p++ {
		for i := 0; i < op.outH; i++ {
			for j := 0; j < op.outW; j++ {
				v := g[(p*op.outH+i)*op.outW+j] * inv
				for di := 0; di < op.k; di++ {
					row := (p*h + i*op.k + di) * w
					for dj := 0; dj < op.k; dj++ {
						gx[row+j*op.k+dj] += v
					}
				}
			}
		}
	}
	return [][]float32{gx}
}

// AvgPool2D averages non-overlapping k x k windows of an NCHW tensor.
// Trailing rows and columns that do not fill a window are dropped.
func AvgPool2D(x *Tensor, k int) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("avg pool: input must be NCHW, got %v", x.Shape)
	}
	if k <= 0 || x.Shape[2] < k || x.Shape[3] < k {
		return nil, fmt.Errorf("avg pool: kernel %d does not fit input %v", k, x.Shape)
	}

	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH, outW := h/k, w/k
	out, err := NewTensor([]int{n, c, outH, outW}, nil)
	if err != nil {
		return nil, err
	}
	inv := 1 / float32(k*k)
	for p := 0; p < n*c; p++ {
		for i := 0; i < outH; i++ {
			for j := 0; j < outW; j++ {
				var sum float32
				for di := 0; di < k; di++ {
					row := (p*h + i*k + di) * w
					for dj := 0; dj < k; dj++ {
						sum += x.Data[row+j*k+dj]
					}
				}
				out.Data[(p*outH+i)*outW+j] = sum * inv
			}
		}
	}
	return record(out, &avgPoolOp{x: x, k: k, outH: outH, outW: outW}, x), nil
}
