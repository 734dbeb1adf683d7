package tensor

import (
	"math"
	"testing"
)

func mustTensor(t *testing.T, shape []int, data []float32) *Tensor {
	t.Helper()
	tensor, err := NewTensor(shape, data)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	return tensor
}

func assertData(t *testing.T, got *Tensor, want []float32) {
	t.Helper()
	if len(got.Data) != len(want) {
		t.Fatalf("Length = %d, expected %d", len(got.Data), len(want))
	}
	for i := range want {
		if !approxEqual(got.Data[i], want[i], 1e-6) {
			t.Errorf("Data[%d] = %f, expected %f", i, got.Data[i], want[i])
		}
	}
}

func TestCheckSameShape(t *testing.T) {
	a := mustTensor(t, []int{2, 3}, nil)
	b := mustTensor(t, []int{2, 3}, nil)
	c := mustTensor(t, []int{3, 2}, nil)

	if err := checkSameShape("test", a, b); err != nil {
		t.Errorf("Equal shapes rejected: %v", err)
	}
	if err := checkSameShape("test", a, c); err == nil {
		t.Errorf("Expected an error for [2 3] vs [3 2]")
	}
}

func TestAddSub(t *testing.T) {
	a := mustTensor(t, []int{2, 2}, []float32{1, 2, 3, 4})
	b := mustTensor(t, []int{2, 2}, []float32{5, 6, 7, 8})

	sum, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	assertData(t, sum, []float32{6, 8, 10, 12})

	diff, err := Sub(a, b)
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}
	assertData(t, diff, []float32{-4, -4, -4, -4})

	if sum.RequiresGrad() || !sum.IsLeaf() {
		t.Errorf("Operations on constants should not be recorded")
	}

	wrong := mustTensor(t, []int{4}, nil)
	if _, err := Add(a, wrong); err == nil {
		t.Errorf("Expected a shape error from Add")
	}
	if _, err := Sub(a, wrong); err == nil {
		t.Errorf("Expected a shape error from Sub")
	}
}

func TestScaleAndMean(t *testing.T) {
	a := mustTensor(t, []int{4}, []float32{1, 2, 3, 6})
	assertData(t, Scale(a, 0.5), []float32{0.5, 1, 1.5, 3})

	mean := Mean(a)
	if v, _ := mean.Item(); v != 3 {
		t.Errorf("Mean = %f, expected 3", v)
	}
}

func TestTanh(t *testing.T) {
	a := mustTensor(t, []int{3}, []float32{-1, 0, 2})
	out := Tanh(a)
	assertData(t, out, []float32{
		float32(math.Tanh(-1)), 0, float32(math.Tanh(2)),
	})
}

func TestLeakyReLU(t *testing.T) {
	a := mustTensor(t, []int{4}, []float32{-2, -0.5, 0, 3})
	out := LeakyReLU(a, 0.2)
	assertData(t, out, []float32{-0.4, -0.1, 0, 3})
}

func TestPointwiseConv(t *testing.T) {
	// two samples, two channels, 1x2 planes
	x := mustTensor(t, []int{2, 2, 1, 2}, []float32{
		1, 2, 3, 4,
		0, 1, 1, 0,
	})
	w := mustTensor(t, []int{1, 2}, []float32{1, -1})
	b := mustTensor(t, []int{1}, []float32{0.5})

	out, err := PointwiseConv(x, w, b)
	if err != nil {
		t.Fatalf("PointwiseConv failed: %v", err)
	}
	if out.Shape[0] != 2 || out.Shape[1] != 1 || out.Shape[2] != 1 || out.Shape[3] != 2 {
		t.Fatalf("Unexpected shape %v", out.Shape)
	}
	assertData(t, out, []float32{-1.5, -1.5, -0.5, 1.5})

	t.Run("Errors", func(t *testing.T) {
		if _, err := PointwiseConv(mustTensor(t, []int{2, 2}, nil), w, b); err == nil {
			t.Errorf("Expected an error for a non-NCHW input")
		}
		if _, err := PointwiseConv(x, mustTensor(t, []int{1, 3}, nil), b); err == nil {
			t.Errorf("Expected an error for a channel mismatch")
		}
		if _, err := PointwiseConv(x, w, mustTensor(t, []int{2}, nil)); err == nil {
			t.Errorf("Expected an error for a bias mismatch")
		}
	})
}

func TestAvgPool2D(t *testing.T) {
	x := mustTensor(t, []int{1, 1, 2, 5}, []float32{
		1, 3, 5, 7, 100,
		1, 3, 5, 7, 100,
	})
	out, err := AvgPool2D(x, 2)
	if err != nil {
		t.Fatalf("AvgPool2D failed: %v", err)
	}
	// the trailing column does not fill a window
	if out.Shape[2] != 1 || out.Shape[3] != 2 {
		t.Fatalf("Unexpected shape %v", out.Shape)
	}
	assertData(t, out, []float32{2, 6})

	if _, err := AvgPool2D(x, 3); err == nil {
		t.Errorf("Expected an error for a kernel taller than the input")
	}
	if _, err := AvgPool2D(mustTensor(t, []int{4}, nil), 2); err == nil {
		t.Errorf("Expected an error for a non-NCHW input")
	}
}

func TestDevicePropagation(t *testing.T) {
	a := mustTensor(t, []int{2}, []float32{1, 2}).To(SIMD)
	b := mustTensor(t, []int{2}, []float32{3, 4})
	sum, _ := Add(a, b)
	if sum.Device != SIMD {
		t.Errorf("Result device = %s, expected the first input's SIMD", sum.Device)
	}
}
