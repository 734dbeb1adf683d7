package optimizer

import (
	"fmt"

	"github.com/tsawler/go-cyclegan/checkpoints"
	"github.com/tsawler/go-cyclegan/tensor"
)

// Optimizer defines the common interface for all optimizers.
// State export and import make warm starts from checkpoints possible.
type Optimizer interface {
	// Step applies one update using the gradients accumulated in the
	// parameters. Parameters without a gradient are left untouched.
	Step() error

	// ZeroGrad clears every parameter's gradient accumulator
	ZeroGrad()

	// Parameters returns the tensors this optimizer updates
	Parameters() []*tensor.Tensor

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the number of applied updates
	GetStepCount() uint64

	UpdateLearningRate(lr float32)
	LearningRate() float32
}

// OptimizerState is the serializable optimizer snapshot stored in checkpoints
type OptimizerState = checkpoints.OptimizerState

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// CollectParameters concatenates the parameters of several modules into one
// list, the way a joint optimizer over multiple networks sees them.
func CollectParameters(groups ...[]*tensor.Tensor) []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
