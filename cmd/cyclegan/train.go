package main

import (
	"context"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-cyclegan/checkpoints"
	"github.com/tsawler/go-cyclegan/config"
	"github.com/tsawler/go-cyclegan/device"
	"github.com/tsawler/go-cyclegan/journal"
	"github.com/tsawler/go-cyclegan/layers"
	"github.com/tsawler/go-cyclegan/training"
	"github.com/tsawler/go-cyclegan/vision/dataloader"
	"github.com/tsawler/go-cyclegan/vision/dataset"
	"github.com/tsawler/go-cyclegan/vision/preprocessing"
)

// trainFlagKeys maps train flags to configuration keys
var trainFlagKeys = map[string]string{
	"device":         "device",
	"face-dir":       "domain_a_dir",
	"model-dir":      "domain_b_dir",
	"results-dir":    "results_dir",
	"checkpoint-dir": "checkpoint_dir",
	"epochs":         "num_epochs",
	"batch-size":     "batch_size",
	"lr":             "learning_rate",
	"workers":        "num_workers",
	"load":           "load_model",
	"save":           "save_model",
	"identity":       "use_identity",
	"journal":        "journal_path",
}

func newTrainCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the translators and discriminators",
		Example: `  # Train with the defaults, reading data/train/train_face{,_model}
  cyclegan train

  # Resume from the canonical checkpoints for 10 more epochs
  cyclegan train --load --epochs 10`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(a, cmd, trainFlagKeys)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTrain(ctx, cfg, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.String("device", "auto", "compute device: auto, cpu or simd")
	f.String("face-dir", "", "domain A image directory")
	f.String("model-dir", "", "domain B image directory")
	f.String("results-dir", "result", "directory for sample images")
	f.String("checkpoint-dir", ".", "directory for checkpoints")
	f.Int("epochs", 1000, "number of epochs")
	f.Int("batch-size", 24, "batch size")
	f.Float64("lr", 1e-5, "learning rate")
	f.Int("workers", 12, "loader workers")
	f.Bool("load", false, "warm start from the canonical checkpoints")
	f.Bool("save", true, "save checkpoints after every epoch")
	f.Bool("identity", false, "add the identity loss")
	f.String("journal", "", "SQLite training journal path")

	return cmd
}

// buildQuartet creates the four networks from one seeded source
func buildQuartet(cfg layers.NetworkConfig, seed int64) (training.Quartet, error) {
	rng := rand.New(rand.NewSource(seed))
	genH, err := layers.NewTranslator("gen_H", cfg, rng)
	if err != nil {
		return training.Quartet{}, err
	}
	genZ, err := layers.NewTranslator("gen_Z", cfg, rng)
	if err != nil {
		return training.Quartet{}, err
	}
	criticH, err := layers.NewPatchDiscriminator("critic_H", cfg, rng)
	if err != nil {
		return training.Quartet{}, err
	}
	criticZ, err := layers.NewPatchDiscriminator("critic_Z", cfg, rng)
	if err != nil {
		return training.Quartet{}, err
	}
	return training.Quartet{GenA2B: genH, GenB2A: genZ, DiscA: criticZ, DiscB: criticH}, nil
}

func runTrain(ctx context.Context, cfg *config.Config, out io.Writer) (err error) {
	logger := log.New(out, "", log.LstdFlags)

	info := device.Detect()
	dev, err := device.Select(cfg.Device, info)
	if err != nil {
		return err
	}

	ds, err := dataset.NewUnpairedDatasetFromDirs(cfg.DomainADir, cfg.DomainBDir)
	if err != nil {
		return err
	}
	transform, err := preprocessing.NewPairedTransform(cfg.TransformConfig(), cfg.Seed)
	if err != nil {
		return err
	}
	loaderCfg := cfg.LoaderConfig()
	loaderCfg.NumWorkers = info.Workers(loaderCfg.NumWorkers)
	loader, err := dataloader.NewDataLoader(ds, transform, loaderCfg)
	if err != nil {
		return err
	}
	logger.Printf("Dataset: %s", ds)

	q, err := buildQuartet(cfg.NetworkConfig(), cfg.Seed)
	if err != nil {
		return errors.WithMessage(err, "building networks")
	}
	training.PrintArchitecture(out, "Translator", q.GenA2B.(layers.Specced).Spec())
	training.PrintArchitecture(out, "Discriminator", q.DiscB.(layers.Specced).Spec())

	trainer, err := training.NewCycleTrainer(q, loader, cfg.CycleConfig(dev))
	if err != nil {
		return err
	}
	saver := checkpoints.NewCheckpointSaver(cfg.Format())
	trainer.SetSaver(saver)
	trainer.SetLogger(logger)
	trainer.SetProgressOutput(out)

	if cfg.JournalPath != "" {
		var j *journal.Journal
		j, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		if err := j.StartRun(ctx, saver.RunID(), dev.String(), cfg); err != nil {
			return err
		}
		trainer.SetRecorder(j)
		defer func() {
			status := journal.StatusFinished
			if err != nil {
				status = journal.StatusFailed
			}
			// the run may have been interrupted; record the outcome regardless
			if ferr := j.FinishRun(context.Background(), saver.RunID(), status); ferr != nil && err == nil {
				err = ferr
			}
		}()
	}

	logger.Printf("Run %s on %s", saver.RunID(), dev)
	return trainer.Train(ctx)
}
