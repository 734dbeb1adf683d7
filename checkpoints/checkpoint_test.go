package checkpoints

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-cyclegan/layers"
)

// stubOptimizer records the state handed to it
type stubOptimizer struct {
	state  *OptimizerState
	loaded *OptimizerState
	lr     float32
}

func (s *stubOptimizer) GetState() (*OptimizerState, error) { return s.state, nil }
func (s *stubOptimizer) LoadState(state *OptimizerState) error {
	s.loaded = state
	return nil
}
func (s *stubOptimizer) UpdateLearningRate(lr float32) { s.lr = lr }

func testModel(t *testing.T, seed int64) *layers.Sequential {
	t.Helper()
	cfg := layers.DefaultNetworkConfig()
	cfg.ImageSize = 4
	cfg.HiddenWidth = 3
	cfg.PatchSize = 2
	m, err := layers.NewTranslator("gen_h", cfg, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("Failed to create test model: %v", err)
	}
	return m
}

func testOptimizerState() *OptimizerState {
	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": 0.0002,
			"step_count":    float64(7),
			"amsgrad":       false,
			"note":          "joint",
		},
		StateData: []OptimizerTensor{
			{Name: "momentum_0", Shape: []int{3}, Data: []float32{0.1, -0.2, 0.3}, StateType: "momentum"},
			{Name: "variance_0", Shape: []int{3}, Data: []float32{1, 2, 3}, StateType: "variance"},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatBinary} {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "genh.pth")

			src := testModel(t, 1)
			saver := NewCheckpointSaver(format)
			opt := &stubOptimizer{state: testOptimizerState()}
			state := TrainingState{Epoch: 3, Step: 12, LearningRate: 0.0002, TotalSteps: 48}

			if err := saver.Save(src, opt, state, path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			dst := testModel(t, 2)
			loadOpt := &stubOptimizer{}
			ckpt, err := saver.Load(path, dst, loadOpt, 1e-5)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			sp, dp := src.Parameters(), dst.Parameters()
			for i := range sp {
				for j := range sp[i].Data {
					if sp[i].Data[j] != dp[i].Data[j] {
						t.Fatalf("Parameter %s differs at %d: %f vs %f", sp[i].Name, j, sp[i].Data[j], dp[i].Data[j])
					}
				}
			}

			if loadOpt.lr != 1e-5 {
				t.Errorf("Expected learning rate 1e-5 applied, got %g", loadOpt.lr)
			}
			if loadOpt.loaded == nil || loadOpt.loaded.Type != "Adam" {
				t.Fatalf("Optimizer state not restored: %+v", loadOpt.loaded)
			}
			if len(loadOpt.loaded.StateData) != 2 || loadOpt.loaded.StateData[1].Data[2] != 3 {
				t.Errorf("Optimizer buffers not restored: %+v", loadOpt.loaded.StateData)
			}
			if v, ok := loadOpt.loaded.Parameters["step_count"].(float64); !ok || v != 7 {
				t.Errorf("Expected step_count 7 as float64, got %v", loadOpt.loaded.Parameters["step_count"])
			}
			if v, ok := loadOpt.loaded.Parameters["amsgrad"].(bool); !ok || v {
				t.Errorf("Expected amsgrad false, got %v", loadOpt.loaded.Parameters["amsgrad"])
			}

			if ckpt.TrainingState != state {
				t.Errorf("Training state mismatch: %+v vs %+v", ckpt.TrainingState, state)
			}
			if ckpt.Metadata.RunID != saver.RunID() {
				t.Errorf("Expected run ID %s, got %s", saver.RunID(), ckpt.Metadata.RunID)
			}
			if ckpt.Metadata.Model != "gen_h" {
				t.Errorf("Expected model name gen_h, got %q", ckpt.Metadata.Model)
			}
			if ckpt.ModelSpec == nil || ckpt.ModelSpec.TotalParameters != src.Spec().TotalParameters {
				t.Errorf("Model spec not preserved")
			}
			if time.Since(ckpt.Metadata.CreatedAt) > time.Minute {
				t.Errorf("Unexpected creation time %v", ckpt.Metadata.CreatedAt)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	saver := NewCheckpointSaver(FormatBinary)

	t.Run("NotFound", func(t *testing.T) {
		_, err := saver.Load(filepath.Join(dir, "missing.pth"), testModel(t, 1), nil, 1e-5)
		if !errors.Is(err, ErrCheckpointNotFound) {
			t.Errorf("Expected ErrCheckpointNotFound, got %v", err)
		}
	})

	t.Run("Garbage", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.pth")
		if err := os.WriteFile(path, []byte("not a checkpoint"), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := saver.Load(path, testModel(t, 1), nil, 1e-5)
		if !errors.Is(err, ErrCorruptCheckpoint) {
			t.Errorf("Expected ErrCorruptCheckpoint, got %v", err)
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		path := filepath.Join(dir, "truncated.pth")
		if err := saver.Save(testModel(t, 1), nil, TrainingState{}, path); err != nil {
			t.Fatal(err)
		}
		data, _ := os.ReadFile(path)
		if err := os.WriteFile(path, data[:len(data)-7], 0644); err != nil {
			t.Fatal(err)
		}
		_, err := saver.Load(path, testModel(t, 1), nil, 1e-5)
		if !errors.Is(err, ErrCorruptCheckpoint) {
			t.Errorf("Expected ErrCorruptCheckpoint, got %v", err)
		}
	})

	t.Run("WrongArchitecture", func(t *testing.T) {
		path := filepath.Join(dir, "critic.pth")
		cfg := layers.DefaultNetworkConfig()
		cfg.ImageSize = 4
		cfg.HiddenWidth = 3
		cfg.PatchSize = 2
		critic, _ := layers.NewPatchDiscriminator("gen_h", cfg, rand.New(rand.NewSource(1)))
		if err := saver.Save(critic, nil, TrainingState{}, path); err != nil {
			t.Fatal(err)
		}

		target := testModel(t, 5)
		before := append([]float32(nil), target.Parameters()[0].Data...)
		_, err := saver.Load(path, target, nil, 1e-5)
		if !errors.Is(err, ErrCorruptCheckpoint) {
			t.Errorf("Expected ErrCorruptCheckpoint, got %v", err)
		}
		for i, v := range target.Parameters()[0].Data {
			if v != before[i] {
				t.Fatalf("Parameters modified by a failed load")
			}
		}
	})
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "genz.pth")
	saver := NewCheckpointSaver(FormatJSON)

	if err := saver.Save(testModel(t, 1), nil, TrainingState{Epoch: 1}, path); err != nil {
		t.Fatalf("First save failed: %v", err)
	}
	if err := saver.Save(testModel(t, 2), nil, TrainingState{Epoch: 2}, path); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("Expected only the checkpoint file, found %s", strings.Join(names, ", "))
	}

	ckpt, err := ReadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if ckpt.TrainingState.Epoch != 2 {
		t.Errorf("Expected overwritten checkpoint, got epoch %d", ckpt.TrainingState.Epoch)
	}
}

func TestExtractWeightsNaming(t *testing.T) {
	weights := ExtractWeights(testModel(t, 1))
	if len(weights) != 4 {
		t.Fatalf("Expected 4 weight tensors, got %d", len(weights))
	}
	if weights[0].Layer != "encode" || weights[0].Type != "weight" {
		t.Errorf("Unexpected naming for %s: layer=%s type=%s", weights[0].Name, weights[0].Layer, weights[0].Type)
	}
	if weights[1].Type != "bias" {
		t.Errorf("Expected bias, got %s", weights[1].Type)
	}

	// extracted data is a copy
	m := testModel(t, 1)
	w := ExtractWeights(m)
	w[0].Data[0] += 1
	if m.Parameters()[0].Data[0] == w[0].Data[0] {
		t.Errorf("ExtractWeights must copy parameter data")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"", FormatBinary, false},
		{"binary", FormatBinary, false},
		{"JSON", FormatJSON, false},
		{"onnx", FormatBinary, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, %v", tt.in, got, err)
		}
	}
}

var _ Module = (*layers.Sequential)(nil)
