package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// LRScheduler maps an epoch to the learning rate both optimizers use
// during it. Schedulers are pure functions of the epoch.
type LRScheduler interface {
	GetLR(epoch int, baseLR float32) float32
	GetName() string
}

// ConstantLRScheduler keeps the base rate
type ConstantLRScheduler struct{}

func (s *ConstantLRScheduler) GetLR(epoch int, baseLR float32) float32 {
	return baseLR
}

func (s *ConstantLRScheduler) GetName() string {
	return "constant"
}

// StepLRScheduler reduces the rate by Gamma every StepSize epochs
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler creates a step scheduler. Out of range arguments fall
// back to a reduction by 10x every 30 epochs.
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float32) float32 {
	times := epoch / s.StepSize
	return float32(float64(baseLR) * math.Pow(s.Gamma, float64(times)))
}

func (s *StepLRScheduler) GetName() string {
	return "step"
}

// LinearDecayLRScheduler holds the base rate for the first DecayStart
// epochs, then decays it linearly so it would reach zero at TotalEpochs.
type LinearDecayLRScheduler struct {
	DecayStart  int
	TotalEpochs int
}

// NewLinearDecayLRScheduler creates a linear decay over totalEpochs. A
// decayStart outside [0, totalEpochs) starts the decay halfway.
func NewLinearDecayLRScheduler(decayStart, totalEpochs int) *LinearDecayLRScheduler {
	if totalEpochs < 1 {
		totalEpochs = 1
	}
	if decayStart < 0 || decayStart >= totalEpochs {
		decayStart = totalEpochs / 2
	}
	return &LinearDecayLRScheduler{DecayStart: decayStart, TotalEpochs: totalEpochs}
}

func (s *LinearDecayLRScheduler) GetLR(epoch int, baseLR float32) float32 {
	if epoch < s.DecayStart {
		return baseLR
	}
	remaining := float64(s.TotalEpochs-epoch) / float64(s.TotalEpochs-s.DecayStart+1)
	if remaining < 0 {
		remaining = 0
	}
	return float32(float64(baseLR) * remaining)
}

func (s *LinearDecayLRScheduler) GetName() string {
	return "linear"
}

// SchedulerConfig selects and parameterizes a scheduler by name
type SchedulerConfig struct {
	Name        string // constant, step or linear
	TotalEpochs int
	DecayStart  int
	StepSize    int
	Gamma       float64
}

// NewScheduler builds the scheduler named in cfg
func NewScheduler(cfg SchedulerConfig) (LRScheduler, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "constant":
		return &ConstantLRScheduler{}, nil
	case "step":
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma), nil
	case "linear":
		return NewLinearDecayLRScheduler(cfg.DecayStart, cfg.TotalEpochs), nil
	}
	return nil, errors.Errorf("unknown learning rate schedule %q", cfg.Name)
}
