package training

import (
	"math"
	"testing"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.1)
	var baseLR float32 = 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{3, 0.01},
		{4, 0.001},
		{6, 0.0001},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, baseLR)
		if math.Abs(float64(lr)-tt.expectedLR) > 1e-7 {
			t.Errorf("Epoch %d: expected LR %g, got %g", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestStepLRSchedulerDefaults(t *testing.T) {
	s := NewStepLRScheduler(0, 2)
	if s.StepSize != 30 || s.Gamma != 0.1 {
		t.Errorf("Expected defaults 30/0.1, got %d/%g", s.StepSize, s.Gamma)
	}
}

func TestLinearDecayLRScheduler(t *testing.T) {
	scheduler := NewLinearDecayLRScheduler(2, 5)
	var baseLR float32 = 1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 1},
		{1, 1},
		{2, 0.75},
		{3, 0.5},
		{4, 0.25},
		{5, 0},
		{9, 0},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, baseLR)
		if math.Abs(float64(lr)-tt.expectedLR) > 1e-6 {
			t.Errorf("Epoch %d: expected LR %g, got %g", tt.epoch, tt.expectedLR, lr)
		}
	}

	halfway := NewLinearDecayLRScheduler(-1, 10)
	if halfway.DecayStart != 5 {
		t.Errorf("Expected the decay to start halfway, got %d", halfway.DecayStart)
	}
}

func TestNewScheduler(t *testing.T) {
	for name, want := range map[string]string{"": "constant", "constant": "constant", "step": "step", "Linear": "linear"} {
		s, err := NewScheduler(SchedulerConfig{Name: name, TotalEpochs: 10})
		if err != nil {
			t.Fatalf("NewScheduler(%q) failed: %v", name, err)
		}
		if s.GetName() != want {
			t.Errorf("NewScheduler(%q) = %s, want %s", name, s.GetName(), want)
		}
	}
	if _, err := NewScheduler(SchedulerConfig{Name: "cosine"}); err == nil {
		t.Errorf("Expected an error for an unknown schedule")
	}

	c := &ConstantLRScheduler{}
	if c.GetLR(100, 0.5) != 0.5 {
		t.Errorf("Constant schedule changed the rate")
	}
}
