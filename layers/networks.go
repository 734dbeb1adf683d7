package layers

import (
	"math/rand"
)

// NetworkConfig sizes the reference translator and discriminator
type NetworkConfig struct {
	Channels    int     // image channels, 3 for RGB
	ImageSize   int     // square spatial resolution
	HiddenWidth int     // channels of the hidden pointwise layer
	PatchSize   int     // discriminator pooling window
	InitStd     float32 // weight init standard deviation
	LeakySlope  float32
}

// DefaultNetworkConfig matches the 200x200 RGB reference setup
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Channels:    3,
		ImageSize:   200,
		HiddenWidth: 32,
		PatchSize:   8,
		InitStd:     0.02,
		LeakySlope:  0.2,
	}
}

// NewTranslator builds an image-to-image network whose output has the
// input's shape and lies in (-1, 1), matching normalized images.
func NewTranslator(name string, cfg NetworkConfig, rng *rand.Rand) (*Sequential, error) {
	spec, err := NewModelBuilder([]int{cfg.Channels, cfg.ImageSize, cfg.ImageSize}).
		AddPointwiseConv(cfg.HiddenWidth, "encode").
		AddLeakyReLU(cfg.LeakySlope, "act").
		AddPointwiseConv(cfg.Channels, "decode").
		AddTanh("out").
		Compile()
	if err != nil {
		return nil, err
	}
	return NewSequential(name, spec, cfg.InitStd, rng)
}

// NewPatchDiscriminator builds a critic producing one raw logit per
// PatchSize x PatchSize region of the input.
func NewPatchDiscriminator(name string, cfg NetworkConfig, rng *rand.Rand) (*Sequential, error) {
	spec, err := NewModelBuilder([]int{cfg.Channels, cfg.ImageSize, cfg.ImageSize}).
		AddPointwiseConv(cfg.HiddenWidth, "features").
		AddLeakyReLU(cfg.LeakySlope, "act").
		AddPointwiseConv(1, "score").
		AddAvgPool2D(cfg.PatchSize, "patch").
		Compile()
	if err != nil {
		return nil, err
	}
	return NewSequential(name, spec, cfg.InitStd, rng)
}
