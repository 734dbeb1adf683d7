package optimizer

import (
	"fmt"

	"github.com/tsawler/go-cyclegan/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferState copies one moment buffer into a checkpoint tensor
func extractBufferState(buffer []float32, name string, stateType string) checkpoints.OptimizerTensor {
	data := make([]float32, len(buffer))
	copy(data, buffer)
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(data)},
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies checkpoint data back into a moment buffer
func restoreBufferState(buffer []float32, data []float32, name string) error {
	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float64:
		return float32(v)
	case float32:
		return v
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case float64:
		return uint64(v)
	case uint64:
		return v
	}
	return defaultValue
}
