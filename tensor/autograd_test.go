package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func mustParam(t *testing.T, name string, shape []int, data []float32) *Tensor {
	t.Helper()
	p, err := NewParameter(name, shape, data)
	if err != nil {
		t.Fatalf("Failed to create parameter %s: %v", name, err)
	}
	return p
}

func approxEqual(a, b, tol float32) bool {
	return float32(math.Abs(float64(a-b))) <= tol
}

func TestMeanSquaredErrorGradient(t *testing.T) {
	pred := mustParam(t, "pred", []int{4}, []float32{1, 2, 3, 4})
	target, _ := NewTensor([]int{4}, []float32{0, 2, 1, 8})

	loss, err := MeanSquaredError(pred, target)
	if err != nil {
		t.Fatalf("mse failed: %v", err)
	}

	// (1 + 0 + 4 + 16) / 4
	if v, _ := loss.Item(); !approxEqual(v, 5.25, 1e-6) {
		t.Errorf("Expected loss 5.25, got %f", v)
	}

	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	expected := []float32{0.5, 0, 1, -2}
	for i, g := range pred.Grad() {
		if !approxEqual(g, expected[i], 1e-6) {
			t.Errorf("grad[%d]: expected %f, got %f", i, expected[i], g)
		}
	}
	if target.Grad() != nil {
		t.Errorf("Constant target should not receive a gradient")
	}
}

func TestStopGradientBlocksFlow(t *testing.T) {
	w := mustParam(t, "w", []int{2}, []float32{1, -1})
	x, _ := NewTensor([]int{2}, []float32{3, 4})

	produced, err := Add(w, x)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	t.Run("Detached", func(t *testing.T) {
		loss := Mean(StopGradient(produced))
		if err := loss.Backward(); err == nil {
			t.Errorf("Expected error when the only path is detached")
		}
		if w.Grad() != nil {
			t.Errorf("Gradient leaked through StopGradient: %v", w.Grad())
		}
	})

	t.Run("Attached", func(t *testing.T) {
		loss := Mean(produced)
		if err := loss.Backward(); err != nil {
			t.Fatalf("backward failed: %v", err)
		}
		for i, g := range w.Grad() {
			if !approxEqual(g, 0.5, 1e-6) {
				t.Errorf("grad[%d]: expected 0.5, got %f", i, g)
			}
		}
	})

	t.Run("MixedPaths", func(t *testing.T) {
		w.ZeroGrad()
		a, _ := Sub(produced, StopGradient(produced))
		loss := Mean(a)
		if err := loss.Backward(); err != nil {
			t.Fatalf("backward failed: %v", err)
		}
		for i, g := range w.Grad() {
			if !approxEqual(g, 0.5, 1e-6) {
				t.Errorf("grad[%d]: only the attached path should contribute, got %f", i, g)
			}
		}
	})
}

func TestBackwardAccumulates(t *testing.T) {
	w := mustParam(t, "w", []int{1}, []float32{2})

	for i := 0; i < 3; i++ {
		loss := Scale(w, 3)
		if err := loss.Backward(); err != nil {
			t.Fatalf("backward %d failed: %v", i, err)
		}
	}
	if g := w.Grad()[0]; !approxEqual(g, 9, 1e-6) {
		t.Errorf("Expected accumulated grad 9, got %f", g)
	}

	w.ZeroGrad()
	if g := w.Grad()[0]; g != 0 {
		t.Errorf("Expected zeroed grad, got %f", g)
	}
}

func TestBackwardRequiresScalar(t *testing.T) {
	w := mustParam(t, "w", []int{2}, []float32{1, 2})
	if err := Scale(w, 2).Backward(); err == nil {
		t.Errorf("Expected error for non-scalar backward")
	}
}

func TestHalfPrecisionBackward(t *testing.T) {
	// activation returns a parameter w of n ones and a loss that scales
	// the mean of an intermediate copy of w by factor
	activation := func(t *testing.T, n int, factor float32) (*Tensor, *Tensor) {
		t.Helper()
		data := make([]float32, n)
		for i := range data {
			data[i] = 1
		}
		w := mustParam(t, "w", []int{n}, data)
		return w, Scale(Mean(Scale(w, 1)), factor)
	}

	t.Run("Overflow", func(t *testing.T) {
		w, loss := activation(t, 2, 1e6)
		if err := loss.Backward(WithHalfPrecision()); err != nil {
			t.Fatalf("backward failed: %v", err)
		}
		if AllFinite(w.Grad()) {
			t.Errorf("Expected activation gradient 5e5 to overflow binary16, got %v", w.Grad())
		}
	})

	t.Run("Underflow", func(t *testing.T) {
		w, loss := activation(t, 2, 1e-9)
		if err := loss.Backward(WithHalfPrecision()); err != nil {
			t.Fatalf("backward failed: %v", err)
		}
		if g := w.Grad()[0]; g != 0 {
			t.Errorf("Expected activation gradient 5e-10 to flush to zero, got %g", g)
		}
	})

	t.Run("Loss chain stays float32", func(t *testing.T) {
		// the seed 131072 is beyond binary16 but only reaches the
		// activation after the mean divides it by four
		w, loss := activation(t, 4, 131072)
		if err := loss.Backward(WithHalfPrecision()); err != nil {
			t.Fatalf("backward failed: %v", err)
		}
		for i, g := range w.Grad() {
			if g != 32768 {
				t.Errorf("Grad[%d] = %g, expected 32768", i, g)
			}
		}
	})

	t.Run("Leaf gradients stay float32", func(t *testing.T) {
		w := mustParam(t, "w", []int{2}, []float32{1, 1})
		loss := Scale(Mean(w), 1e6)
		if err := loss.Backward(WithHalfPrecision()); err != nil {
			t.Fatalf("backward failed: %v", err)
		}
		if !AllFinite(w.Grad()) || w.Grad()[0] != 5e5 {
			t.Errorf("Expected leaf gradient 5e5, got %v", w.Grad())
		}
	})

	t.Run("FullPrecision", func(t *testing.T) {
		w, loss := activation(t, 2, 1e6)
		if err := loss.Backward(); err != nil {
			t.Fatalf("backward failed: %v", err)
		}
		if !AllFinite(w.Grad()) {
			t.Errorf("Float32 backward should keep 5e5 finite")
		}
	})
}

// numericalGrad estimates d loss / d p[i] with central differences.
func numericalGrad(p *Tensor, i int, loss func() float32) float32 {
	const eps = 1e-3
	orig := p.Data[i]
	p.Data[i] = orig + eps
	up := loss()
	p.Data[i] = orig - eps
	down := loss()
	p.Data[i] = orig
	return (up - down) / (2 * eps)
}

func TestPointwiseConvAndPoolGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x, _ := RandomNormal([]int{2, 3, 4, 4}, 0, 1, rng)
	x.SetRequiresGrad(true)
	wData, _ := RandomNormal([]int{2, 3}, 0, 0.5, rng)
	w := mustParam(t, "w", []int{2, 3}, wData.Data)
	b := mustParam(t, "b", []int{2}, []float32{0.1, -0.2})
	target, _ := RandomNormal([]int{2, 2, 2, 2}, 0, 1, rng)

	forward := func() (*Tensor, error) {
		y, err := PointwiseConv(x, w, b)
		if err != nil {
			return nil, err
		}
		y = Tanh(LeakyReLU(y, 0.2))
		pooled, err := AvgPool2D(y, 2)
		if err != nil {
			return nil, err
		}
		return MeanSquaredError(pooled, target)
	}
	scalar := func() float32 {
		l, err := forward()
		if err != nil {
			t.Fatalf("forward failed: %v", err)
		}
		return l.Data[0]
	}

	loss, err := forward()
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	for _, p := range []*Tensor{w, b} {
		for i := range p.Data {
			num := numericalGrad(p, i, scalar)
			if !approxEqual(p.Grad()[i], num, 2e-3) {
				t.Errorf("%s grad[%d]: analytic %f vs numerical %f", p.Name, i, p.Grad()[i], num)
			}
		}
	}
	for _, i := range []int{0, 5, 17, 40} {
		num := numericalGrad(x, i, scalar)
		if !approxEqual(x.Grad()[i], num, 2e-3) {
			t.Errorf("input grad[%d]: analytic %f vs numerical %f", i, x.Grad()[i], num)
		}
	}
}

func TestMeanAbsoluteError(t *testing.T) {
	a := mustParam(t, "a", []int{3}, []float32{1, 5, 2})
	b, _ := NewTensor([]int{3}, []float32{2, 3, 2})

	loss, err := MeanAbsoluteError(a, b)
	if err != nil {
		t.Fatalf("l1 failed: %v", err)
	}
	if v, _ := loss.Item(); !approxEqual(v, 1, 1e-6) {
		t.Errorf("Expected L1 1, got %f", v)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	expected := []float32{-1.0 / 3, 1.0 / 3, 0}
	for i, g := range a.Grad() {
		if !approxEqual(g, expected[i], 1e-6) {
			t.Errorf("grad[%d]: expected %f, got %f", i, expected[i], g)
		}
	}
}

func TestShapeMismatch(t *testing.T) {
	a, _ := Zeros([]int{2})
	b, _ := Zeros([]int{3})
	if _, err := Add(a, b); err == nil {
		t.Errorf("Expected add shape error")
	}
	if _, err := MeanSquaredError(a, b); err == nil {
		t.Errorf("Expected mse shape error")
	}
	if _, err := NewTensor([]int{2, 2}, []float32{1}); err == nil {
		t.Errorf("Expected data length error")
	}
}
