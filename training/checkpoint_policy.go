package training

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/tsawler/go-cyclegan/checkpoints"
	"github.com/tsawler/go-cyclegan/layers"
	"github.com/tsawler/go-cyclegan/optimizer"
)

// DefaultMilestoneInterval keeps a permanent snapshot every 50 epochs
const DefaultMilestoneInterval = 50

// CheckpointNames are the canonical file names of the four checkpoints
type CheckpointNames struct {
	GenH    string // GenA2B with the generator optimizer
	GenZ    string // GenB2A with the generator optimizer
	CriticH string // DiscB with the discriminator optimizer
	CriticZ string // DiscA with the discriminator optimizer
}

func DefaultCheckpointNames() CheckpointNames {
	return CheckpointNames{
		GenH:    "genh.pth",
		GenZ:    "genz.pth",
		CriticH: "critich.pth",
		CriticZ: "criticz.pth",
	}
}

// CheckpointPolicy decides where the checkpoints of an epoch are written.
// Milestone epochs (including epoch 0) get files prefixed with the epoch
// number that are never overwritten; every other epoch overwrites the
// canonical files.
type CheckpointPolicy struct {
	Directory string
	Interval  int // milestone interval, <= 0 disables milestones
	Names     CheckpointNames
}

// DefaultCheckpointPolicy writes into the working directory
func DefaultCheckpointPolicy() CheckpointPolicy {
	return CheckpointPolicy{
		Directory: ".",
		Interval:  DefaultMilestoneInterval,
		Names:     DefaultCheckpointNames(),
	}
}

// IsMilestone reports whether epoch gets permanent snapshots
func (p CheckpointPolicy) IsMilestone(epoch int) bool {
	return p.Interval > 0 && epoch%p.Interval == 0
}

// Filename returns the file name used for canonical at epoch
func (p CheckpointPolicy) Filename(epoch int, canonical string) string {
	if p.IsMilestone(epoch) {
		return strconv.Itoa(epoch) + canonical
	}
	return canonical
}

// Paths returns the four checkpoint paths for epoch
func (p CheckpointPolicy) Paths(epoch int) CheckpointNames {
	path := func(canonical string) string {
		return filepath.Join(p.Directory, p.Filename(epoch, canonical))
	}
	return CheckpointNames{
		GenH:    path(p.Names.GenH),
		GenZ:    path(p.Names.GenZ),
		CriticH: path(p.Names.CriticH),
		CriticZ: path(p.Names.CriticZ),
	}
}

// CanonicalPaths returns the un-prefixed paths, which warm starts read
func (p CheckpointPolicy) CanonicalPaths() CheckpointNames {
	path := func(canonical string) string {
		return filepath.Join(p.Directory, canonical)
	}
	return CheckpointNames{
		GenH:    path(p.Names.GenH),
		GenZ:    path(p.Names.GenZ),
		CriticH: path(p.Names.CriticH),
		CriticZ: path(p.Names.CriticZ),
	}
}

// checkpointPair ties one network to the optimizer saved alongside it
type checkpointPair struct {
	path  string
	model layers.Module
	opt   optimizer.Optimizer
}

func pairsFor(paths CheckpointNames, q Quartet, optG, optD optimizer.Optimizer) []checkpointPair {
	return []checkpointPair{
		{path: paths.GenH, model: q.GenA2B, opt: optG},
		{path: paths.GenZ, model: q.GenB2A, opt: optG},
		{path: paths.CriticH, model: q.DiscB, opt: optD},
		{path: paths.CriticZ, model: q.DiscA, opt: optD},
	}
}

// saveAll writes every pair and returns the written paths in order
func saveAll(saver *checkpoints.CheckpointSaver, pairs []checkpointPair, state checkpoints.TrainingState) ([]string, error) {
	written := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		if err := ensureDirectory(filepath.Dir(pair.path)); err != nil {
			return written, err
		}
		if err := saver.Save(pair.model, pair.opt, state, pair.path); err != nil {
			return written, errors.WithMessagef(err, "saving %s", pair.model.Name())
		}
		written = append(written, pair.path)
	}
	return written, nil
}

// loadAll restores every pair in place and sets lr on each optimizer
func loadAll(saver *checkpoints.CheckpointSaver, pairs []checkpointPair, lr float32) (*checkpoints.Checkpoint, error) {
	var last *checkpoints.Checkpoint
	for _, pair := range pairs {
		ckpt, err := saver.Load(pair.path, pair.model, pair.opt, lr)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading %s", pair.model.Name())
		}
		last = ckpt
	}
	return last, nil
}

// ensureDirectory creates the directory if it doesn't exist
func ensureDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}
	return nil
}
