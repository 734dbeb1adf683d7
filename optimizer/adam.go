package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-cyclegan/checkpoints"
	"github.com/tsawler/go-cyclegan/tensor"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// GANAdamConfig returns the betas commonly used for adversarial training
func GANAdamConfig(lr float32) AdamConfig {
	cfg := DefaultAdamConfig()
	cfg.LearningRate = lr
	cfg.Beta1 = 0.5
	return cfg
}

// Adam keeps first and second moment estimates for every parameter and
// applies bias-corrected updates.
type Adam struct {
	config AdamConfig
	params []*tensor.Tensor

	momentum [][]float32 // first moment per parameter
	variance [][]float32 // second moment per parameter

	stepCount uint64
}

// NewAdam creates an Adam optimizer over params
func NewAdam(config AdamConfig, params []*tensor.Tensor) (*Adam, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got (%g, %g)", config.Beta1, config.Beta2)
	}

	adam := &Adam{
		config:   config,
		params:   params,
		momentum: make([][]float32, len(params)),
		variance: make([][]float32, len(params)),
	}
	for i, p := range params {
		if !p.RequiresGrad() {
			return nil, fmt.Errorf("parameter %d (%s) does not require grad", i, p.Name)
		}
		adam.momentum[i] = make([]float32, p.NumElems)
		adam.variance[i] = make([]float32, p.NumElems)
	}
	return adam, nil
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.stepCount++
	t := float64(adam.stepCount)
	b1, b2 := float64(adam.config.Beta1), float64(adam.config.Beta2)
	biasCorrection1 := 1 - math.Pow(b1, t)
	biasCorrection2 := 1 - math.Pow(b2, t)
	stepSize := float64(adam.config.LearningRate) / biasCorrection1
	sqrtBC2 := math.Sqrt(biasCorrection2)
	eps := float64(adam.config.Epsilon)
	wd := adam.config.WeightDecay

	for i, p := range adam.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		m, v := adam.momentum[i], adam.variance[i]
		for j, g := range grad {
			if wd != 0 {
				g += wd * p.Data[j]
			}
			m[j] = adam.config.Beta1*m[j] + (1-adam.config.Beta1)*g
			v[j] = adam.config.Beta2*v[j] + (1-adam.config.Beta2)*g*g
			denom := math.Sqrt(float64(v[j]))/sqrtBC2 + eps
			p.Data[j] -= float32(stepSize * float64(m[j]) / denom)
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	for _, p := range adam.params {
		p.ZeroGrad()
	}
}

func (adam *Adam) Parameters() []*tensor.Tensor {
	return adam.params
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(adam.params)*2)
	for i := range adam.params {
		stateData = append(stateData, extractBufferState(adam.momentum[i], fmt.Sprintf("momentum_%d", i), "momentum"))
	}
	for i := range adam.params {
		stateData = append(stateData, extractBufferState(adam.variance[i], fmt.Sprintf("variance_%d", i), "variance"))
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": float64(adam.config.LearningRate),
			"beta1":         float64(adam.config.Beta1),
			"beta2":         float64(adam.config.Beta2),
			"epsilon":       float64(adam.config.Epsilon),
			"weight_decay":  float64(adam.config.WeightDecay),
			"step_count":    float64(adam.stepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(adam.params) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", st.Name)
		}

		var err error
		switch st.StateType {
		case "momentum":
			err = restoreBufferState(adam.momentum[idx], st.Data, st.Name)
		case "variance":
			err = restoreBufferState(adam.variance[idx], st.Data, st.Name)
		default:
			err = fmt.Errorf("unknown state type: %s", st.StateType)
		}
		if err != nil {
			return err
		}
	}

	adam.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.config.LearningRate)
	adam.config.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.config.Epsilon)
	adam.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.config.WeightDecay)
	adam.stepCount = extractUint64Param(state.Parameters, "step_count", adam.stepCount)
	return nil
}

// GetStepCount returns the current optimization step number
func (adam *Adam) GetStepCount() uint64 {
	return adam.stepCount
}

// UpdateLearningRate updates the learning rate
func (adam *Adam) UpdateLearningRate(lr float32) {
	adam.config.LearningRate = lr
}

func (adam *Adam) LearningRate() float32 {
	return adam.config.LearningRate
}
