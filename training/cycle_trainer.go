package training

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-cyclegan/checkpoints"
	"github.com/tsawler/go-cyclegan/optimizer"
	"github.com/tsawler/go-cyclegan/tensor"
	"github.com/tsawler/go-cyclegan/vision/dataloader"
	"github.com/tsawler/go-cyclegan/vision/preprocessing"
)

// CycleConfig holds configuration for adversarial cycle training
type CycleConfig struct {
	NumEpochs    int
	Device       tensor.DeviceType
	LearningRate float32
	Weights      LossWeights

	// Schedule sets both learning rates at the start of every epoch; nil
	// keeps LearningRate (or the rate applied by a warm start) throughout.
	Schedule LRScheduler

	// SampleEvery emits the current fakes on every SampleEvery-th batch of
	// an epoch; 0 disables sample images.
	SampleEvery int
	ResultsDir  string

	LoadModel   bool
	SaveModel   bool
	Checkpoints CheckpointPolicy

	DiscriminatorScaler GradScalerConfig
	GeneratorScaler     GradScalerConfig

	ShowProgress bool
}

// DefaultCycleConfig returns the stock settings: 1000 epochs at lr 1e-5,
// cycle weight 10, no identity term, checkpoints saved every epoch.
func DefaultCycleConfig() CycleConfig {
	return CycleConfig{
		NumEpochs:           1000,
		Device:              tensor.CPU,
		LearningRate:        1e-5,
		Weights:             DefaultLossWeights(),
		SampleEvery:         24,
		ResultsDir:          "result",
		SaveModel:           true,
		Checkpoints:         DefaultCheckpointPolicy(),
		DiscriminatorScaler: DefaultGradScalerConfig(),
		GeneratorScaler:     DefaultGradScalerConfig(),
		ShowProgress:        true,
	}
}

// StepResult summarizes one training step
type StepResult struct {
	DLoss     float64
	GLoss     float64
	HReal     float64 // mean DiscB score on real B
	HFake     float64 // mean DiscB score on generated B
	DStepped  bool
	GStepped  bool
	Generator *GeneratorResult
	FakeA     *tensor.Tensor
	FakeB     *tensor.Tensor
}

// EpochSummary holds the statistics of one epoch
type EpochSummary struct {
	RunID       string
	Epoch       int
	Steps       int
	DLossMean   float64
	DLossStd    float64
	GLossMean   float64
	GLossStd    float64
	HReal       float64
	HFake       float64
	SkippedD    int // cumulative
	SkippedG    int // cumulative
	Duration    time.Duration
	Checkpoints []string
}

// EpochRecorder persists epoch summaries, e.g. into a training journal
type EpochRecorder interface {
	RecordEpoch(ctx context.Context, summary EpochSummary) error
}

// CycleTrainer runs the two-phase adversarial training loop: each step first
// updates both discriminators on real and detached fake images, then updates
// both translators on the adversarial and cycle-consistency losses.
type CycleTrainer struct {
	models Quartet
	loader *dataloader.DataLoader
	config CycleConfig

	optD, optG       optimizer.Optimizer
	dScaler, gScaler *GradScaler
	saver            *checkpoints.CheckpointSaver

	logger   *log.Logger
	progress io.Writer
	recorder EpochRecorder

	steps     int
	summaries []EpochSummary
}

// NewCycleTrainer creates the optimizers and scalers for models. One Adam
// updates both discriminators and another both translators.
func NewCycleTrainer(models Quartet, loader *dataloader.DataLoader, config CycleConfig) (*CycleTrainer, error) {
	if err := models.Validate(); err != nil {
		return nil, err
	}
	if loader == nil {
		return nil, errors.New("data loader cannot be nil")
	}
	if config.NumEpochs < 0 {
		return nil, errors.Errorf("number of epochs cannot be negative, got %d", config.NumEpochs)
	}

	optD, err := optimizer.NewAdam(optimizer.GANAdamConfig(config.LearningRate), models.DiscriminatorParameters())
	if err != nil {
		return nil, errors.WithMessage(err, "discriminator optimizer")
	}
	optG, err := optimizer.NewAdam(optimizer.GANAdamConfig(config.LearningRate), models.GeneratorParameters())
	if err != nil {
		return nil, errors.WithMessage(err, "generator optimizer")
	}
	dScaler, err := NewGradScaler(config.DiscriminatorScaler)
	if err != nil {
		return nil, errors.WithMessage(err, "discriminator scaler")
	}
	gScaler, err := NewGradScaler(config.GeneratorScaler)
	if err != nil {
		return nil, errors.WithMessage(err, "generator scaler")
	}

	return &CycleTrainer{
		models:   models,
		loader:   loader,
		config:   config,
		optD:     optD,
		optG:     optG,
		dScaler:  dScaler,
		gScaler:  gScaler,
		saver:    checkpoints.NewCheckpointSaver(checkpoints.FormatBinary),
		logger:   log.Default(),
		progress: io.Discard,
	}, nil
}

func (t *CycleTrainer) SetLogger(logger *log.Logger) {
	t.logger = logger
}

// SetProgressOutput sets where progress bars are drawn when enabled
func (t *CycleTrainer) SetProgressOutput(w io.Writer) {
	t.progress = w
}

func (t *CycleTrainer) SetRecorder(recorder EpochRecorder) {
	t.recorder = recorder
}

// SetSaver replaces the checkpoint saver, e.g. to change format or run ID
func (t *CycleTrainer) SetSaver(saver *checkpoints.CheckpointSaver) {
	t.saver = saver
}

func (t *CycleTrainer) Saver() *checkpoints.CheckpointSaver {
	return t.saver
}

// DiscriminatorOptimizer returns the optimizer shared by both discriminators
func (t *CycleTrainer) DiscriminatorOptimizer() optimizer.Optimizer {
	return t.optD
}

// GeneratorOptimizer returns the optimizer shared by both translators
func (t *CycleTrainer) GeneratorOptimizer() optimizer.Optimizer {
	return t.optG
}

func (t *CycleTrainer) DiscriminatorScaler() *GradScaler {
	return t.dScaler
}

func (t *CycleTrainer) GeneratorScaler() *GradScaler {
	return t.gScaler
}

// Steps returns the number of completed training steps
func (t *CycleTrainer) Steps() int {
	return t.steps
}

// GetSummaries returns the summaries of all completed epochs
func (t *CycleTrainer) GetSummaries() []EpochSummary {
	return t.summaries
}

// Train runs exactly NumEpochs epochs, loading the canonical checkpoints
// first when LoadModel is set. Cancellation is observed between steps.
func (t *CycleTrainer) Train(ctx context.Context) error {
	if t.config.LoadModel {
		if err := t.LoadCheckpoints(); err != nil {
			return err
		}
	}

	t.logger.Printf("Starting training for %d epochs on %s (%d samples, %d batches per epoch)",
		t.config.NumEpochs, t.config.Device, t.loader.NumSamples(), t.loader.Len())

	for epoch := 0; epoch < t.config.NumEpochs; epoch++ {
		if t.config.Schedule != nil {
			lr := t.config.Schedule.GetLR(epoch, t.config.LearningRate)
			t.optD.UpdateLearningRate(lr)
			t.optG.UpdateLearningRate(lr)
		}
		summary, err := t.TrainEpoch(ctx, epoch)
		if err != nil {
			return errors.WithMessagef(err, "epoch %d", epoch)
		}

		if t.config.SaveModel {
			paths, err := t.SaveCheckpoints(epoch)
			if err != nil {
				return err
			}
			summary.Checkpoints = paths
		}

		t.summaries = append(t.summaries, summary)
		t.printEpochSummary(summary)

		if t.recorder != nil {
			if err := t.recorder.RecordEpoch(ctx, summary); err != nil {
				return errors.WithMessagef(err, "recording epoch %d", epoch)
			}
		}
	}
	return nil
}

// TrainEpoch runs every batch of one epoch
func (t *CycleTrainer) TrainEpoch(ctx context.Context, epoch int) (EpochSummary, error) {
	start := time.Now()
	summary := EpochSummary{RunID: t.saver.RunID(), Epoch: epoch}

	it := t.loader.Epoch(ctx, epoch)
	defer it.Close()

	var bar *ProgressBar
	if t.config.ShowProgress {
		bar = NewProgressBarTo(t.progress, fmt.Sprintf("Epoch %d", epoch), t.loader.Len())
	}

	var dLosses, gLosses []float64
	var hReals, hFakes float64
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		batch, err := it.Next()
		if err != nil {
			return summary, err
		}
		if batch == nil {
			break
		}

		res, err := t.Step(batch)
		if err != nil {
			return summary, errors.WithMessagef(err, "batch %d", idx)
		}
		dLosses = append(dLosses, res.DLoss)
		gLosses = append(gLosses, res.GLoss)
		hReals += res.HReal
		hFakes += res.HFake

		if t.config.SampleEvery > 0 && idx%t.config.SampleEvery == 0 {
			if err := t.emitSamples(epoch, idx, res); err != nil {
				return summary, err
			}
		}

		if bar != nil {
			n := float64(idx + 1)
			bar.Update(idx+1, map[string]float64{"H_real": hReals / n, "H_fake": hFakes / n})
		}
	}
	if bar != nil {
		bar.Finish()
	}

	summary.Steps = len(dLosses)
	summary.DLossMean, summary.DLossStd = meanStdDev(dLosses)
	summary.GLossMean, summary.GLossStd = meanStdDev(gLosses)
	if summary.Steps > 0 {
		summary.HReal = hReals / float64(summary.Steps)
		summary.HFake = hFakes / float64(summary.Steps)
	}
	summary.SkippedD = t.dScaler.SkippedSteps()
	summary.SkippedG = t.gScaler.SkippedSteps()
	summary.Duration = time.Since(start)
	return summary, nil
}

// Step performs the discriminator phase and then the generator phase on
// one batch
func (t *CycleTrainer) Step(batch *dataloader.Batch) (*StepResult, error) {
	q := t.models
	realA := batch.A.To(t.config.Device)
	realB := batch.B.To(t.config.Device)

	fakeB, err := q.GenA2B.Forward(realA)
	if err != nil {
		return nil, errors.WithMessage(err, "translating A to B")
	}
	fakeA, err := q.GenB2A.Forward(realB)
	if err != nil {
		return nil, errors.WithMessage(err, "translating B to A")
	}

	// Phase D
	dB, err := DiscriminatorLoss(q.DiscB, realB, fakeB)
	if err != nil {
		return nil, err
	}
	dA, err := DiscriminatorLoss(q.DiscA, realA, fakeA)
	if err != nil {
		return nil, err
	}
	dLoss, err := CombineDiscriminatorLosses(dA, dB)
	if err != nil {
		return nil, err
	}
	t.optD.ZeroGrad()
	if err := t.dScaler.Backward(dLoss); err != nil {
		return nil, errors.WithMessage(err, "discriminator backward")
	}
	dStepped, err := t.dScaler.Step(t.optD)
	if err != nil {
		return nil, errors.WithMessage(err, "discriminator step")
	}
	t.dScaler.Update()

	// Phase G, against the freshly updated discriminators
	gRes, err := GeneratorLoss(q, realA, realB, fakeB, fakeA, t.config.Weights)
	if err != nil {
		return nil, err
	}
	t.optG.ZeroGrad()
	if err := t.gScaler.Backward(gRes.Total); err != nil {
		return nil, errors.WithMessage(err, "generator backward")
	}
	gStepped, err := t.gScaler.Step(t.optG)
	if err != nil {
		return nil, errors.WithMessage(err, "generator step")
	}
	t.gScaler.Update()

	t.steps++
	return &StepResult{
		DLoss:     float64(dLoss.Data[0]),
		GLoss:     gRes.Value(),
		HReal:     dB.RealScore,
		HFake:     dB.FakeScore,
		DStepped:  dStepped,
		GStepped:  gStepped,
		Generator: gRes,
		FakeA:     fakeA,
		FakeB:     fakeB,
	}, nil
}

// emitSamples writes the current fakes as <epoch>_fake_face_<idx>.png
// (A translated to B) and <epoch>_fake_model_<idx>.png (B translated to A)
func (t *CycleTrainer) emitSamples(epoch, idx int, res *StepResult) error {
	face := filepath.Join(t.config.ResultsDir, fmt.Sprintf("%d_fake_face_%d.png", epoch, idx))
	if err := preprocessing.SaveNormalizedPNG(face, res.FakeB); err != nil {
		return errors.WithMessage(err, "writing sample")
	}
	model := filepath.Join(t.config.ResultsDir, fmt.Sprintf("%d_fake_model_%d.png", epoch, idx))
	if err := preprocessing.SaveNormalizedPNG(model, res.FakeA); err != nil {
		return errors.WithMessage(err, "writing sample")
	}
	return nil
}

// SaveCheckpoints writes the four model/optimizer checkpoints for epoch
// according to the checkpoint policy and returns the written paths
func (t *CycleTrainer) SaveCheckpoints(epoch int) ([]string, error) {
	state := checkpoints.TrainingState{
		Epoch:        epoch,
		Step:         t.steps,
		LearningRate: t.optG.LearningRate(),
		TotalSteps:   t.config.NumEpochs * t.loader.Len(),
	}
	pairs := pairsFor(t.config.Checkpoints.Paths(epoch), t.models, t.optG, t.optD)
	paths, err := saveAll(t.saver, pairs, state)
	if err != nil {
		return paths, errors.WithMessagef(err, "epoch %d checkpoints", epoch)
	}
	return paths, nil
}

// LoadCheckpoints restores all four networks and both optimizers from the
// canonical checkpoint files and resets the learning rate to the configured one
func (t *CycleTrainer) LoadCheckpoints() error {
	pairs := pairsFor(t.config.Checkpoints.CanonicalPaths(), t.models, t.optG, t.optD)
	ckpt, err := loadAll(t.saver, pairs, t.config.LearningRate)
	if err != nil {
		return errors.WithMessage(err, "warm start")
	}
	t.logger.Printf("Loaded checkpoints from %s (saved at epoch %d)",
		t.config.Checkpoints.Directory, ckpt.TrainingState.Epoch)
	return nil
}

// printEpochSummary logs a summary of the epoch results
func (t *CycleTrainer) printEpochSummary(s EpochSummary) {
	t.logger.Printf("Epoch %d/%d: D_loss=%.4f±%.4f, G_loss=%.4f±%.4f, H_real=%.3f, H_fake=%.3f, skipped D/G=%d/%d, Time=%v, Steps=%d",
		s.Epoch+1, t.config.NumEpochs, s.DLossMean, s.DLossStd, s.GLossMean, s.GLossStd,
		s.HReal, s.HFake, s.SkippedD, s.SkippedG, s.Duration.Round(time.Millisecond), s.Steps)
}

func meanStdDev(x []float64) (float64, float64) {
	switch len(x) {
	case 0:
		return 0, 0
	case 1:
		return x[0], 0
	}
	mean, std := stat.MeanStdDev(x, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return mean, std
}
