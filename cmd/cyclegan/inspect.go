package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-cyclegan/checkpoints"
	"github.com/tsawler/go-cyclegan/training"
)

func newInspectCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <checkpoint>...",
		Short: "Print checkpoint metadata",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				ckpt, err := checkpoints.ReadCheckpoint(path)
				if err != nil {
					return err
				}
				if asJSON {
					if err := writeSummaryJSON(cmd.OutOrStdout(), path, ckpt); err != nil {
						return err
					}
					continue
				}
				describeCheckpoint(cmd.OutOrStdout(), path, ckpt)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print a JSON summary instead of text")
	return cmd
}

type checkpointSummary struct {
	Path          string    `json:"path"`
	Model         string    `json:"model"`
	RunID         string    `json:"run_id"`
	CreatedAt     time.Time `json:"created_at"`
	Epoch         int       `json:"epoch"`
	Step          int       `json:"step"`
	LearningRate  float32   `json:"learning_rate"`
	Tensors       int       `json:"tensors"`
	Parameters    int       `json:"parameters"`
	OptimizerType string    `json:"optimizer_type,omitempty"`
}

func summarize(path string, ckpt *checkpoints.Checkpoint) checkpointSummary {
	s := checkpointSummary{
		Path:         path,
		Model:        ckpt.Metadata.Model,
		RunID:        ckpt.Metadata.RunID,
		CreatedAt:    ckpt.Metadata.CreatedAt,
		Epoch:        ckpt.TrainingState.Epoch,
		Step:         ckpt.TrainingState.Step,
		LearningRate: ckpt.TrainingState.LearningRate,
		Tensors:      len(ckpt.Weights),
	}
	for _, w := range ckpt.Weights {
		s.Parameters += len(w.Data)
	}
	if ckpt.OptimizerState != nil {
		s.OptimizerType = ckpt.OptimizerState.Type
	}
	return s
}

func writeSummaryJSON(w io.Writer, path string, ckpt *checkpoints.Checkpoint) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summarize(path, ckpt))
}

func describeCheckpoint(w io.Writer, path string, ckpt *checkpoints.Checkpoint) {
	s := summarize(path, ckpt)
	fmt.Fprintf(w, "%s\n", s.Path)
	fmt.Fprintf(w, "  model:       %s\n", s.Model)
	fmt.Fprintf(w, "  run:         %s\n", s.RunID)
	fmt.Fprintf(w, "  created:     %s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  epoch/step:  %d/%d\n", s.Epoch, s.Step)
	fmt.Fprintf(w, "  lr:          %g\n", s.LearningRate)
	fmt.Fprintf(w, "  tensors:     %d (%d parameters)\n", s.Tensors, s.Parameters)
	if s.OptimizerType != "" {
		fmt.Fprintf(w, "  optimizer:   %s (%d state tensors)\n", s.OptimizerType, len(ckpt.OptimizerState.StateData))
	}
	if ckpt.ModelSpec != nil {
		training.PrintArchitecture(w, s.Model, ckpt.ModelSpec)
	}
}
