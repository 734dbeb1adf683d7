// Package config loads training settings from defaults, an optional config
// file, a .env file and CYCLEGAN_* environment variables, in increasing
// order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/tsawler/go-cyclegan/checkpoints"
	"github.com/tsawler/go-cyclegan/layers"
	"github.com/tsawler/go-cyclegan/tensor"
	"github.com/tsawler/go-cyclegan/training"
	"github.com/tsawler/go-cyclegan/vision/dataloader"
	"github.com/tsawler/go-cyclegan/vision/preprocessing"
)

// EnvPrefix prefixes every environment variable, e.g. CYCLEGAN_BATCH_SIZE
const EnvPrefix = "CYCLEGAN"

// Config holds every training setting
type Config struct {
	Device string `mapstructure:"device"`

	TrainDir   string `mapstructure:"train_dir"`
	ValDir     string `mapstructure:"val_dir"`
	DomainADir string `mapstructure:"domain_a_dir"` // defaults to <train_dir>/train_face
	DomainBDir string `mapstructure:"domain_b_dir"` // defaults to <train_dir>/train_face_model
	ResultsDir string `mapstructure:"results_dir"`

	BatchSize      int     `mapstructure:"batch_size"`
	LearningRate   float64 `mapstructure:"learning_rate"`
	LRSchedule     string  `mapstructure:"lr_schedule"`    // constant, step or linear
	LRDecayStart   int     `mapstructure:"lr_decay_start"` // linear; -1 means halfway
	LRStepSize     int     `mapstructure:"lr_step_size"`
	LRGamma        float64 `mapstructure:"lr_gamma"`
	LambdaIdentity float64 `mapstructure:"lambda_identity"`
	LambdaCycle    float64 `mapstructure:"lambda_cycle"`
	UseIdentity    bool    `mapstructure:"use_identity"`
	NumWorkers     int     `mapstructure:"num_workers"`
	NumEpochs      int     `mapstructure:"num_epochs"`
	ImageSize      int     `mapstructure:"image_size"`
	FlipProb       float64 `mapstructure:"flip_prob"`
	SampleEvery    int     `mapstructure:"sample_every"` // 0 means the batch size
	Seed           int64   `mapstructure:"seed"`
	CacheSize      int     `mapstructure:"cache_size"`
	PrefetchDepth  int     `mapstructure:"prefetch_depth"`
	HiddenWidth    int     `mapstructure:"hidden_width"`
	PatchSize      int     `mapstructure:"patch_size"`

	LoadModel         bool   `mapstructure:"load_model"`
	SaveModel         bool   `mapstructure:"save_model"`
	CheckpointDir     string `mapstructure:"checkpoint_dir"`
	CheckpointFormat  string `mapstructure:"checkpoint_format"`
	MilestoneInterval int    `mapstructure:"milestone_interval"`
	CheckpointGenH    string `mapstructure:"checkpoint_gen_h"`
	CheckpointGenZ    string `mapstructure:"checkpoint_gen_z"`
	CheckpointCriticH string `mapstructure:"checkpoint_critic_h"`
	CheckpointCriticZ string `mapstructure:"checkpoint_critic_z"`

	MixedPrecision bool    `mapstructure:"mixed_precision"`
	InitScale      float64 `mapstructure:"init_scale"`
	GrowthFactor   float64 `mapstructure:"growth_factor"`
	BackoffFactor  float64 `mapstructure:"backoff_factor"`
	GrowthInterval int     `mapstructure:"growth_interval"`

	JournalPath string `mapstructure:"journal_path"` // empty disables the journal
	Progress    bool   `mapstructure:"progress"`
}

var defaults = map[string]interface{}{
	"device":              "auto",
	"train_dir":           "data/train",
	"val_dir":             "data/test",
	"domain_a_dir":        "",
	"domain_b_dir":        "",
	"results_dir":         "result",
	"batch_size":          24,
	"learning_rate":       1e-5,
	"lr_schedule":         "constant",
	"lr_decay_start":      -1,
	"lr_step_size":        30,
	"lr_gamma":            0.1,
	"lambda_identity":     10.0,
	"lambda_cycle":        10.0,
	"use_identity":        false,
	"num_workers":         12,
	"num_epochs":          1000,
	"image_size":          200,
	"flip_prob":           0.5,
	"sample_every":        0,
	"seed":                1,
	"cache_size":          0,
	"prefetch_depth":      2,
	"hidden_width":        32,
	"patch_size":          8,
	"load_model":          false,
	"save_model":          true,
	"checkpoint_dir":      ".",
	"checkpoint_format":   "binary",
	"milestone_interval":  training.DefaultMilestoneInterval,
	"checkpoint_gen_h":    "genh.pth",
	"checkpoint_gen_z":    "genz.pth",
	"checkpoint_critic_h": "critich.pth",
	"checkpoint_critic_z": "criticz.pth",
	"mixed_precision":     true,
	"init_scale":          65536.0,
	"growth_factor":       2.0,
	"backoff_factor":      0.5,
	"growth_interval":     2000,
	"journal_path":        "",
	"progress":            true,
}

// SetDefaults registers the default value of every key on v
func SetDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Keys returns every configuration key
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for key := range defaults {
		keys = append(keys, key)
	}
	return keys
}

// NewViper returns a viper instance with defaults and environment binding
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv loads variables from path into the environment without
// overriding existing ones. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "failed to load %s", path)
	}
	return nil
}

// Load reads configFile (if non-empty) into v and decodes the result
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied
func Default() *Config {
	cfg, err := Load(NewViperWithoutEnv(), "")
	if err != nil {
		// the defaults always validate
		panic(err)
	}
	return cfg
}

// NewViperWithoutEnv returns a viper instance holding only the defaults
func NewViperWithoutEnv() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func (c *Config) applyDerived() {
	if c.DomainADir == "" {
		c.DomainADir = filepath.Join(c.TrainDir, "train_face")
	}
	if c.DomainBDir == "" {
		c.DomainBDir = filepath.Join(c.TrainDir, "train_face_model")
	}
	if c.SampleEvery == 0 {
		c.SampleEvery = c.BatchSize
	}
}

// Validate rejects settings training cannot run with
func (c *Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return errors.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	case c.LambdaCycle < 0 || c.LambdaIdentity < 0:
		return errors.Errorf("loss weights cannot be negative (cycle %g, identity %g)", c.LambdaCycle, c.LambdaIdentity)
	case c.NumWorkers <= 0:
		return errors.Errorf("num_workers must be positive, got %d", c.NumWorkers)
	case c.NumEpochs < 0:
		return errors.Errorf("num_epochs cannot be negative, got %d", c.NumEpochs)
	case c.ImageSize <= 0:
		return errors.Errorf("image_size must be positive, got %d", c.ImageSize)
	case c.FlipProb < 0 || c.FlipProb > 1:
		return errors.Errorf("flip_prob must be in [0, 1], got %g", c.FlipProb)
	case c.SampleEvery < 0:
		return errors.Errorf("sample_every cannot be negative, got %d", c.SampleEvery)
	case c.PatchSize <= 0 || c.ImageSize%c.PatchSize != 0:
		return errors.Errorf("patch_size %d must divide image_size %d", c.PatchSize, c.ImageSize)
	case c.HiddenWidth <= 0:
		return errors.Errorf("hidden_width must be positive, got %d", c.HiddenWidth)
	case c.DomainADir == "" || c.DomainBDir == "":
		return errors.New("both domain directories must be set")
	}
	if _, err := training.NewScheduler(c.schedulerConfig()); err != nil {
		return err
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return err
	}
	for key, name := range map[string]string{
		"checkpoint_gen_h": c.CheckpointGenH, "checkpoint_gen_z": c.CheckpointGenZ,
		"checkpoint_critic_h": c.CheckpointCriticH, "checkpoint_critic_z": c.CheckpointCriticZ,
	} {
		if name == "" || filepath.Base(name) != name {
			return errors.Errorf("%s must be a plain file name, got %q", key, name)
		}
	}
	if c.MixedPrecision {
		if _, err := training.NewGradScaler(c.scalerConfig()); err != nil {
			return err
		}
	}
	return nil
}

// Format returns the parsed checkpoint format
func (c *Config) Format() checkpoints.CheckpointFormat {
	f, _ := checkpoints.ParseFormat(c.CheckpointFormat)
	return f
}

// TransformConfig returns the preprocessing settings
func (c *Config) TransformConfig() preprocessing.TransformConfig {
	t := preprocessing.DefaultTransformConfig()
	t.Size = c.ImageSize
	t.FlipProb = c.FlipProb
	return t
}

// LoaderConfig returns the batch loader settings
func (c *Config) LoaderConfig() dataloader.Config {
	l := dataloader.DefaultConfig()
	l.BatchSize = c.BatchSize
	l.NumWorkers = c.NumWorkers
	l.PrefetchDepth = c.PrefetchDepth
	l.MaxCacheSize = c.CacheSize
	l.Seed = c.Seed
	return l
}

// NetworkConfig returns the network sizes
func (c *Config) NetworkConfig() layers.NetworkConfig {
	n := layers.DefaultNetworkConfig()
	n.ImageSize = c.ImageSize
	n.HiddenWidth = c.HiddenWidth
	n.PatchSize = c.PatchSize
	return n
}

// CheckpointPolicy returns where and when checkpoints are written
func (c *Config) CheckpointPolicy() training.CheckpointPolicy {
	return training.CheckpointPolicy{
		Directory: c.CheckpointDir,
		Interval:  c.MilestoneInterval,
		Names: training.CheckpointNames{
			GenH:    c.CheckpointGenH,
			GenZ:    c.CheckpointGenZ,
			CriticH: c.CheckpointCriticH,
			CriticZ: c.CheckpointCriticZ,
		},
	}
}

func (c *Config) scalerConfig() training.GradScalerConfig {
	return training.GradScalerConfig{
		Enabled:        c.MixedPrecision,
		InitScale:      float32(c.InitScale),
		GrowthFactor:   float32(c.GrowthFactor),
		BackoffFactor:  float32(c.BackoffFactor),
		GrowthInterval: c.GrowthInterval,
		HalfPrecision:  c.MixedPrecision,
	}
}

func (c *Config) schedulerConfig() training.SchedulerConfig {
	return training.SchedulerConfig{
		Name:        c.LRSchedule,
		TotalEpochs: c.NumEpochs,
		DecayStart:  c.LRDecayStart,
		StepSize:    c.LRStepSize,
		Gamma:       c.LRGamma,
	}
}

// CycleConfig returns the orchestrator settings for device

func (c *Config) CycleConfig(device tensor.DeviceType) training.CycleConfig {
	// a constant schedule leaves warm-started rates alone
	var schedule training.LRScheduler
	if s, err := training.NewScheduler(c.schedulerConfig()); err == nil && s.GetName() != "constant" {
		schedule = s
	}
	return training.CycleConfig{
		NumEpochs:    c.NumEpochs,
		Device:       device,
		LearningRate: float32(c.LearningRate),
		Weights: training.LossWeights{
			Cycle:       float32(c.LambdaCycle),
			Identity:    float32(c.LambdaIdentity),
			UseIdentity: c.UseIdentity,
		},
		Schedule:            schedule,
		SampleEvery:         c.SampleEvery,
		ResultsDir:          c.ResultsDir,
		LoadModel:           c.LoadModel,
		SaveModel:           c.SaveModel,
		Checkpoints:         c.CheckpointPolicy(),
		DiscriminatorScaler: c.scalerConfig(),
		GeneratorScaler:     c.scalerConfig(),
		ShowProgress:        c.Progress,
	}
}
