package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tsawler/go-cyclegan/layers"
	"github.com/tsawler/go-cyclegan/tensor"
)

var (
	// ErrCheckpointNotFound is returned when the checkpoint file does not exist
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrCorruptCheckpoint is returned when a checkpoint cannot be decoded or
	// does not match the model it is loaded into
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatBinary CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// ParseFormat maps a configuration string to a CheckpointFormat
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "", "binary", "bin":
		return FormatBinary, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatBinary, fmt.Errorf("unknown checkpoint format %q", s)
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec,omitempty"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the training progress at save time
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "Adam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Model       string    `json:"model,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Module is the part of a model that persistence needs
type Module interface {
	Name() string
	Parameters() []*tensor.Tensor
}

// StatefulOptimizer is the part of an optimizer that persistence needs
type StatefulOptimizer interface {
	GetState() (*OptimizerState, error)
	LoadState(state *OptimizerState) error
	UpdateLearningRate(lr float32)
}

// CheckpointSaver handles saving and loading model checkpoints
type CheckpointSaver struct {
	format CheckpointFormat
	runID  string
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format.
// Every checkpoint it writes is stamped with the same run ID.
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
		runID:  uuid.NewString(),
	}
}

// SetRunID overrides the generated run ID
func (cs *CheckpointSaver) SetRunID(id string) {
	cs.runID = id
}

func (cs *CheckpointSaver) RunID() string {
	return cs.runID
}

func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes checkpoint to path. The data goes to a temporary file
// in the same directory which is then renamed over path, so a failed save
// leaves any previous file untouched.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-cyclegan"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = cs.runID
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatBinary:
		data, err = encodeBinary(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint reads a checkpoint in either format; the format is detected
// from the file contents.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	return ReadCheckpoint(path)
}

// ReadCheckpoint reads a checkpoint in either format
func ReadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrCheckpointNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "failed to open checkpoint file %s", path)
	}

	var checkpoint *Checkpoint
	if bytes.HasPrefix(data, binaryMagic) {
		checkpoint, err = decodeBinary(data)
	} else {
		checkpoint = &Checkpoint{}
		err = json.Unmarshal(data, checkpoint)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptCheckpoint, "%s: %v", path, err)
	}
	return checkpoint, nil
}

// Save persists model parameters and optimizer state to path
func (cs *CheckpointSaver) Save(model Module, opt StatefulOptimizer, state TrainingState, path string) error {
	checkpoint := &Checkpoint{
		Weights:       ExtractWeights(model),
		TrainingState: state,
		Metadata: CheckpointMetadata{
			Model: model.Name(),
		},
	}
	if s, ok := model.(interface{ Spec() *layers.ModelSpec }); ok {
		checkpoint.ModelSpec = s.Spec()
	}
	if opt != nil {
		optState, err := opt.GetState()
		if err != nil {
			return errors.WithMessagef(err, "failed to extract optimizer state for %s", model.Name())
		}
		checkpoint.OptimizerState = optState
	}

	if err := cs.SaveCheckpoint(checkpoint, path); err != nil {
		return errors.WithMessagef(err, "failed to save %s", model.Name())
	}
	return nil
}

// Load restores model parameters and optimizer state from path in place and
// sets the optimizer's learning rate to lr.
func (cs *CheckpointSaver) Load(path string, model Module, opt StatefulOptimizer, lr float32) (*Checkpoint, error) {
	checkpoint, err := cs.LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}

	if err := LoadWeights(checkpoint.Weights, model); err != nil {
		return nil, errors.Wrapf(ErrCorruptCheckpoint, "%s: %v", path, err)
	}
	if opt != nil {
		if checkpoint.OptimizerState != nil {
			if err := opt.LoadState(checkpoint.OptimizerState); err != nil {
				return nil, errors.Wrapf(ErrCorruptCheckpoint, "%s: optimizer state: %v", path, err)
			}
		}
		opt.UpdateLearningRate(lr)
	}
	return checkpoint, nil
}

// ExtractWeights copies every parameter of model into WeightTensors.
// Parameter names follow "<model>.<layer>.<type>".
func ExtractWeights(model Module) []WeightTensor {
	params := model.Parameters()
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		layer, kind := splitParamName(p.Name)
		data := make([]float32, len(p.Data))
		copy(data, p.Data)
		shape := make([]int, len(p.Shape))
		copy(shape, p.Shape)
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: shape,
			Data:  data,
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// LoadWeights copies weight data back into the model's parameters, matching
// by name. Nothing is modified unless every parameter has a compatible weight.
func LoadWeights(weights []WeightTensor, model Module) error {
	weightMap := make(map[string]WeightTensor, len(weights))
	for _, weight := range weights {
		weightMap[weight.Name] = weight
	}

	params := model.Parameters()
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}

	for _, p := range params {
		weight, ok := weightMap[p.Name]
		if !ok {
			return fmt.Errorf("missing weight %s", p.Name)
		}
		if len(p.Shape) != len(weight.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: parameter %v vs weight %v",
				weight.Name, p.Shape, weight.Shape)
		}
		for j, dim := range p.Shape {
			if dim != weight.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: parameter %d vs weight %d",
					weight.Name, j, dim, weight.Shape[j])
			}
		}
		if len(weight.Data) != len(p.Data) {
			return fmt.Errorf("data size mismatch for weight %s: %d vs %d", weight.Name, len(weight.Data), len(p.Data))
		}
	}

	for _, p := range params {
		copy(p.Data, weightMap[p.Name].Data)
	}
	return nil
}

func splitParamName(name string) (layer, kind string) {
	parts := strings.Split(name, ".")
	switch len(parts) {
	case 0, 1:
		return name, "weight"
	case 2:
		return parts[0], parts[1]
	default:
		return parts[len(parts)-2], parts[len(parts)-1]
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to close checkpoint")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "failed to move checkpoint into place at %s", path)
	}
	return nil
}
