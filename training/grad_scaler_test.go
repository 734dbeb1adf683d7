package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-cyclegan/optimizer"
	"github.com/tsawler/go-cyclegan/tensor"
)

// quadratic returns mean(p^2) over a fresh parameter. With two elements the
// gradient is exactly p.
func quadratic(t *testing.T, values ...float32) (*tensor.Tensor, *optimizer.Adam, func() *tensor.Tensor) {
	t.Helper()
	p, err := tensor.NewParameter("w", []int{len(values)}, values)
	if err != nil {
		t.Fatal(err)
	}
	opt, err := optimizer.NewAdam(optimizer.GANAdamConfig(0.01), []*tensor.Tensor{p})
	if err != nil {
		t.Fatal(err)
	}
	loss := func() *tensor.Tensor {
		l, err := tensor.MeanSquaredError(p, tensor.ZerosLike(p))
		if err != nil {
			t.Fatal(err)
		}
		return l
	}
	return p, opt, loss
}

func TestGradScalerConfigValidation(t *testing.T) {
	bad := []func(*GradScalerConfig){
		func(c *GradScalerConfig) { c.InitScale = 0 },
		func(c *GradScalerConfig) { c.GrowthFactor = 1 },
		func(c *GradScalerConfig) { c.BackoffFactor = 1 },
		func(c *GradScalerConfig) { c.GrowthInterval = 0 },
	}
	for i, mutate := range bad {
		cfg := DefaultGradScalerConfig()
		mutate(&cfg)
		if _, err := NewGradScaler(cfg); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}

	cfg := DefaultGradScalerConfig()
	cfg.Enabled = false
	cfg.InitScale = 0
	if _, err := NewGradScaler(cfg); err != nil {
		t.Errorf("A disabled scaler should not validate its parameters: %v", err)
	}
}

func TestGradScalerDisabled(t *testing.T) {
	s, _ := NewGradScaler(GradScalerConfig{})
	p, opt, loss := quadratic(t, 1, -1)

	l := loss()
	if s.Scale(l) != l {
		t.Errorf("Disabled scaler should return the loss unchanged")
	}
	if s.GetScale() != 1 {
		t.Errorf("Expected scale 1, got %f", s.GetScale())
	}
	if err := s.Backward(l); err != nil {
		t.Fatal(err)
	}
	stepped, err := s.Step(opt)
	if err != nil || !stepped {
		t.Fatalf("Expected a plain step, got %v, %v", stepped, err)
	}
	s.Update()
	if p.Data[0] >= 1 {
		t.Errorf("Parameter was not updated: %v", p.Data)
	}
}

func TestGradScalerUnscales(t *testing.T) {
	cfg := DefaultGradScalerConfig()
	cfg.HalfPrecision = false
	s, _ := NewGradScaler(cfg)
	p, opt, loss := quadratic(t, 1, 2)

	if err := s.Backward(loss()); err != nil {
		t.Fatal(err)
	}
	if g := p.Grad(); g[0] != 65536 || g[1] != 131072 {
		t.Fatalf("Expected scaled gradients, got %v", g)
	}
	stepped, err := s.Step(opt)
	if err != nil || !stepped {
		t.Fatalf("Expected the step to run, got %v, %v", stepped, err)
	}
	if g := p.Grad(); g[0] != 1 || g[1] != 2 {
		t.Errorf("Expected unscaled gradients [1 2], got %v", g)
	}
	if opt.GetStepCount() != 1 {
		t.Errorf("Expected one optimizer step, got %d", opt.GetStepCount())
	}
}

func TestGradScalerSkipsNonFinite(t *testing.T) {
	cfg := DefaultGradScalerConfig()
	cfg.HalfPrecision = false
	s, _ := NewGradScaler(cfg)
	p, opt, loss := quadratic(t, 1, 2)

	if err := s.Backward(loss()); err != nil {
		t.Fatal(err)
	}
	p.Grad()[1] = float32(math.Inf(1))

	before := append([]float32(nil), p.Data...)
	stepped, err := s.Step(opt)
	if err != nil {
		t.Fatal(err)
	}
	if stepped {
		t.Errorf("Step should be skipped for an infinite gradient")
	}
	for i := range before {
		if p.Data[i] != before[i] {
			t.Errorf("Parameter %d changed from %f to %f", i, before[i], p.Data[i])
		}
	}

	s.Update()
	if s.GetScale() >= cfg.InitScale {
		t.Errorf("Scale should back off, got %f", s.GetScale())
	}
	if s.GetScale() != cfg.InitScale*cfg.BackoffFactor {
		t.Errorf("Expected scale %f, got %f", cfg.InitScale*cfg.BackoffFactor, s.GetScale())
	}
	if s.SkippedSteps() != 1 || opt.GetStepCount() != 0 {
		t.Errorf("Expected 1 skipped and 0 applied steps, got %d and %d", s.SkippedSteps(), opt.GetStepCount())
	}
}

func TestGradScalerGrowth(t *testing.T) {
	cfg := DefaultGradScalerConfig()
	cfg.HalfPrecision = false
	cfg.GrowthInterval = 3
	s, _ := NewGradScaler(cfg)
	_, opt, loss := quadratic(t, 1, 2)

	grew := false
	for i := 0; i < cfg.GrowthInterval; i++ {
		opt.ZeroGrad()
		if err := s.Backward(loss()); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Step(opt); err != nil {
			t.Fatal(err)
		}
		before := s.GetScale()
		s.Update()
		if s.GetScale() > before {
			grew = true
		}
	}
	if !grew {
		t.Errorf("Scale never grew over %d healthy steps", cfg.GrowthInterval)
	}
	if s.GetScale() != cfg.InitScale*cfg.GrowthFactor {
		t.Errorf("Expected scale %f, got %f", cfg.InitScale*cfg.GrowthFactor, s.GetScale())
	}
}

func TestGradScalerHalfPrecisionOverflow(t *testing.T) {
	// the activation gradient is 4 times the scale and overflows binary16
	// until the scale drops to 8192
	s, _ := NewGradScaler(DefaultGradScalerConfig())
	p, opt, _ := quadratic(t, 4, 4)
	loss := func() *tensor.Tensor {
		l, err := tensor.MeanSquaredError(tensor.LeakyReLU(p, 0.2), tensor.ZerosLike(p))
		if err != nil {
			t.Fatal(err)
		}
		return l
	}

	for i := 0; i < 10; i++ {
		opt.ZeroGrad()
		if err := s.Backward(loss()); err != nil {
			t.Fatal(err)
		}
		stepped, err := s.Step(opt)
		if err != nil {
			t.Fatal(err)
		}
		s.Update()
		if stepped {
			break
		}
	}
	if s.SkippedSteps() != 3 {
		t.Errorf("Expected 3 skipped steps, got %d", s.SkippedSteps())
	}
	if s.GetScale() != 8192 {
		t.Errorf("Expected scale 8192, got %f", s.GetScale())
	}
	if opt.GetStepCount() != 1 || p.Data[0] >= 4 {
		t.Errorf("Expected exactly one applied step, got %d (p=%v)", opt.GetStepCount(), p.Data)
	}
}

func TestGradScalerHalfPrecisionLargeScale(t *testing.T) {
	// tiny gradients never overflow, so the scale grows past the binary16
	// maximum without a skipped step
	cfg := DefaultGradScalerConfig()
	cfg.GrowthInterval = 1
	s, _ := NewGradScaler(cfg)
	_, opt, loss := quadratic(t, 2e-6, 2e-6)

	for i := 0; i < 20; i++ {
		opt.ZeroGrad()
		if err := s.Backward(loss()); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Step(opt); err != nil {
			t.Fatal(err)
		}
		s.Update()
	}
	if s.SkippedSteps() != 0 {
		t.Errorf("Expected no skipped steps, got %d", s.SkippedSteps())
	}
	if want := cfg.InitScale * float32(math.Pow(2, 20)); s.GetScale() != want {
		t.Errorf("Expected scale %g, got %g", want, s.GetScale())
	}
	if opt.GetStepCount() != 20 {
		t.Errorf("Expected 20 applied steps, got %d", opt.GetStepCount())
	}
}
