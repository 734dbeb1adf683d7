package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-cyclegan/optimizer"
	"github.com/tsawler/go-cyclegan/tensor"
)

// GradScalerConfig configures dynamic loss scaling
type GradScalerConfig struct {
	Enabled        bool
	InitScale      float32
	GrowthFactor   float32
	BackoffFactor  float32
	GrowthInterval int

	// HalfPrecision rounds back-propagated activation gradients through
	// binary16, which is where scaling matters: small gradients underflow
	// and large ones overflow to Inf. Parameter gradients and the scaled
	// loss stay float32.
	HalfPrecision bool
}

// DefaultGradScalerConfig returns the usual AMP settings
func DefaultGradScalerConfig() GradScalerConfig {
	return GradScalerConfig{
		Enabled:        true,
		InitScale:      65536,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
		HalfPrecision:  true,
	}
}

// GradScaler multiplies a loss by a dynamic factor before backward, divides
// the gradients by it again before the optimizer step, and skips steps whose
// gradients are not finite. Each optimizer gets its own scaler.
type GradScaler struct {
	config        GradScalerConfig
	scale         float32
	growthTracker int // consecutive steps without Inf/NaN
	foundInf      bool
	skipped       int
}

// NewGradScaler creates a scaler. A disabled scaler passes everything through.
func NewGradScaler(config GradScalerConfig) (*GradScaler, error) {
	if config.Enabled {
		if config.InitScale <= 0 {
			return nil, errors.Errorf("initial scale must be positive, got %f", config.InitScale)
		}
		if config.GrowthFactor <= 1 {
			return nil, errors.Errorf("growth factor must be greater than 1, got %f", config.GrowthFactor)
		}
		if config.BackoffFactor <= 0 || config.BackoffFactor >= 1 {
			return nil, errors.Errorf("backoff factor must be in (0, 1), got %f", config.BackoffFactor)
		}
		if config.GrowthInterval <= 0 {
			return nil, errors.Errorf("growth interval must be positive, got %d", config.GrowthInterval)
		}
	}
	return &GradScaler{config: config, scale: config.InitScale}, nil
}

func (s *GradScaler) Enabled() bool {
	return s.config.Enabled
}

// GetScale returns the current scale factor, 1 when disabled
func (s *GradScaler) GetScale() float32 {
	if !s.config.Enabled {
		return 1
	}
	return s.scale
}

// SkippedSteps returns how many optimizer steps were skipped for non-finite
// gradients
func (s *GradScaler) SkippedSteps() int {
	return s.skipped
}

// Scale multiplies loss by the current scale factor
func (s *GradScaler) Scale(loss *tensor.Tensor) *tensor.Tensor {
	if !s.config.Enabled {
		return loss
	}
	return tensor.Scale(loss, s.scale)
}

// Backward back-propagates the scaled loss
func (s *GradScaler) Backward(loss *tensor.Tensor) error {
	var opts []tensor.BackwardOption
	if s.config.Enabled && s.config.HalfPrecision {
		opts = append(opts, tensor.WithHalfPrecision())
	}
	return s.Scale(loss).Backward(opts...)
}

// Step unscales the gradients of opt's parameters and applies the update,
// unless a gradient contains Inf or NaN. It reports whether the step ran.
func (s *GradScaler) Step(opt optimizer.Optimizer) (bool, error) {
	if !s.config.Enabled {
		return true, opt.Step()
	}

	inv := 1 / s.scale
	finite := true
	for _, p := range opt.Parameters() {
		grad := p.Grad()
		for i := range grad {
			grad[i] *= inv
		}
		if finite && !tensor.AllFinite(grad) {
			finite = false
		}
	}
	if !finite {
		s.foundInf = true
		s.skipped++
		return false, nil
	}
	return true, opt.Step()
}

// Update adjusts the scale after a step: back off when the last step
// overflowed, grow after GrowthInterval consecutive healthy steps.
func (s *GradScaler) Update() {
	if !s.config.Enabled {
		return
	}
	if s.foundInf {
		s.scale *= s.config.BackoffFactor
		s.growthTracker = 0
	} else {
		s.growthTracker++
		if s.growthTracker >= s.config.GrowthInterval {
			s.scale *= s.config.GrowthFactor
			s.growthTracker = 0
		}
	}
	s.foundInf = false
}
