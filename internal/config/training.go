package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical training defaults file.
const DefaultConfigPath = "config/train.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// TrainingConfig holds training and data-pipeline settings. Every field is
// optional; the Get* methods supply defaults for anything left unset, so
// partial files are safe.
type TrainingConfig struct {
	// Data
	DataRoot  *string `json:"data_root,omitempty" yaml:"data_root,omitempty"`
	TrainList *string `json:"train_list,omitempty" yaml:"train_list,omitempty"`
	ValList   *string `json:"val_list,omitempty" yaml:"val_list,omitempty"`
	NumPoints *int    `json:"num_points,omitempty" yaml:"num_points,omitempty"`

	// Optimisation
	BatchSize    *int     `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	Epochs       *int     `json:"epochs,omitempty" yaml:"epochs,omitempty"`
	LearningRate *float64 `json:"learning_rate,omitempty" yaml:"learning_rate,omitempty"`
	Beta1        *float64 `json:"beta1,omitempty" yaml:"beta1,omitempty"`
	Beta2        *float64 `json:"beta2,omitempty" yaml:"beta2,omitempty"`
	AdamEpsilon  *float64 `json:"adam_epsilon,omitempty" yaml:"adam_epsilon,omitempty"`
	Seed         *uint64  `json:"seed,omitempty" yaml:"seed,omitempty"`

	// Model
	NumClasses *int     `json:"num_classes,omitempty" yaml:"num_classes,omitempty"`
	Dropout    *float64 `json:"dropout,omitempty" yaml:"dropout,omitempty"`
	BNMomentum *float64 `json:"bn_momentum,omitempty" yaml:"bn_momentum,omitempty"`

	// Augmentation (training split only)
	Augment     *bool    `json:"augment,omitempty" yaml:"augment,omitempty"`
	JitterSigma *float64 `json:"jitter_sigma,omitempty" yaml:"jitter_sigma,omitempty"`
	JitterClip  *float64 `json:"jitter_clip,omitempty" yaml:"jitter_clip,omitempty"`

	// Outputs
	SaveDir             *string `json:"save_dir,omitempty" yaml:"save_dir,omitempty"`
	CheckpointPrecision *string `json:"checkpoint_precision,omitempty" yaml:"checkpoint_precision,omitempty"`
	RunDB               *string `json:"run_db,omitempty" yaml:"run_db,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrUint64(v uint64) *uint64    { return &v }

// EmptyTrainingConfig returns a TrainingConfig with all fields set to nil.
func EmptyTrainingConfig() *TrainingConfig {
	return &TrainingConfig{}
}

// DefaultTrainingConfig returns a config with every field set explicitly
// to its default.
func DefaultTrainingConfig() *TrainingConfig {
	e := EmptyTrainingConfig()
	return &TrainingConfig{
		DataRoot:            ptrString(e.GetDataRoot()),
		TrainList:           ptrString(e.GetTrainList()),
		ValList:             ptrString(e.GetValList()),
		NumPoints:           ptrInt(e.GetNumPoints()),
		BatchSize:           ptrInt(e.GetBatchSize()),
		Epochs:              ptrInt(e.GetEpochs()),
		LearningRate:        ptrFloat64(e.GetLearningRate()),
		Beta1:               ptrFloat64(e.GetBeta1()),
		Beta2:               ptrFloat64(e.GetBeta2()),
		AdamEpsilon:         ptrFloat64(e.GetAdamEpsilon()),
		Seed:                ptrUint64(e.GetSeed()),
		NumClasses:          ptrInt(e.GetNumClasses()),
		Dropout:             ptrFloat64(e.GetDropout()),
		BNMomentum:          ptrFloat64(e.GetBNMomentum()),
		Augment:             ptrBool(e.GetAugment()),
		JitterSigma:         ptrFloat64(e.GetJitterSigma()),
		JitterClip:          ptrFloat64(e.GetJitterClip()),
		SaveDir:             ptrString(e.GetSaveDir()),
		CheckpointPrecision: ptrString(e.GetCheckpointPrecision()),
		RunDB:               ptrString(e.GetRunDB()),
	}
}

// LoadTrainingConfig loads a TrainingConfig from a .json, .yaml or .yml
// file of at most 1MB. YAML files are decoded strictly: unknown keys are
// an error.
func LoadTrainingConfig(path string) (*TrainingConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTrainingConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *TrainingConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTrainingConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *TrainingConfig) Validate() error {
	if c.BatchSize != nil && *c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", *c.BatchSize)
	}
	if c.Epochs != nil && *c.Epochs < 0 {
		return fmt.Errorf("epochs must be non-negative, got %d", *c.Epochs)
	}
	if c.NumPoints != nil && *c.NumPoints < 1 {
		return fmt.Errorf("num_points must be positive, got %d", *c.NumPoints)
	}
	if c.LearningRate != nil && *c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %g", *c.LearningRate)
	}
	for name, v := range map[string]*float64{"beta1": c.Beta1, "beta2": c.Beta2, "dropout": c.Dropout} {
		if v != nil && (*v < 0 || *v >= 1) {
			return fmt.Errorf("%s must be in [0,1), got %g", name, *v)
		}
	}
	if c.BNMomentum != nil && (*c.BNMomentum <= 0 || *c.BNMomentum > 1) {
		return fmt.Errorf("bn_momentum must be in (0,1], got %g", *c.BNMomentum)
	}
	if c.AdamEpsilon != nil && *c.AdamEpsilon <= 0 {
		return fmt.Errorf("adam_epsilon must be positive, got %g", *c.AdamEpsilon)
	}
	if c.NumClasses != nil && *c.NumClasses < 2 {
		return fmt.Errorf("num_classes must be at least 2, got %d", *c.NumClasses)
	}
	if c.JitterSigma != nil && *c.JitterSigma < 0 {
		return fmt.Errorf("jitter_sigma must be non-negative, got %g", *c.JitterSigma)
	}
	if c.JitterClip != nil && *c.JitterClip < 0 {
		return fmt.Errorf("jitter_clip must be non-negative, got %g", *c.JitterClip)
	}
	if c.CheckpointPrecision != nil {
		switch *c.CheckpointPrecision {
		case "float32", "float16":
		default:
			return fmt.Errorf("checkpoint_precision must be float32 or float16, got %q", *c.CheckpointPrecision)
		}
	}
	return nil
}

// GetDataRoot returns the data_root value or the default.
func (c *TrainingConfig) GetDataRoot() string {
	if c.DataRoot == nil {
		return "data"
	}
	return *c.DataRoot
}

// GetTrainList returns the train_list value or the default.
func (c *TrainingConfig) GetTrainList() string {
	if c.TrainList == nil {
		return "data/train.txt"
	}
	return *c.TrainList
}

// GetValList returns the val_list value or the default.
func (c *TrainingConfig) GetValList() string {
	if c.ValList == nil {
		return "data/val.txt"
	}
	return *c.ValList
}

// GetNumPoints returns the num_points value or the default.
func (c *TrainingConfig) GetNumPoints() int {
	if c.NumPoints == nil {
		return 8192
	}
	return *c.NumPoints
}

// GetBatchSize returns the batch_size value or the default.
func (c *TrainingConfig) GetBatchSize() int {
	if c.BatchSize == nil {
		return 8
	}
	return *c.BatchSize
}

// GetEpochs returns the epochs value or the default.
func (c *TrainingConfig) GetEpochs() int {
	if c.Epochs == nil {
		return 50
	}
	return *c.Epochs
}

// GetLearningRate returns the learning_rate value or the default.
func (c *TrainingConfig) GetLearningRate() float64 {
	if c.LearningRate == nil {
		return 1e-3
	}
	return *c.LearningRate
}

func (c *TrainingConfig) GetBeta1() float64 {
	if c.Beta1 == nil {
		return 0.9
	}
	return *c.Beta1
}

func (c *TrainingConfig) GetBeta2() float64 {
	if c.Beta2 == nil {
		return 0.999
	}
	return *c.Beta2
}

func (c *TrainingConfig) GetAdamEpsilon() float64 {
	if c.AdamEpsilon == nil {
		return 1e-8
	}
	return *c.AdamEpsilon
}

// GetSeed returns the seed value or the default.
func (c *TrainingConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 0
	}
	return *c.Seed
}

// GetNumClasses returns the num_classes value or the default.
func (c *TrainingConfig) GetNumClasses() int {
	if c.NumClasses == nil {
		return 2
	}
	return *c.NumClasses
}

// GetDropout returns the classifier dropout probability or the default.
func (c *TrainingConfig) GetDropout() float64 {
	if c.Dropout == nil {
		return 0.5
	}
	return *c.Dropout
}

// GetBNMomentum returns the batch-norm momentum or the default.
func (c *TrainingConfig) GetBNMomentum() float64 {
	if c.BNMomentum == nil {
		return 0.1
	}
	return *c.BNMomentum
}

// GetAugment returns the augment value or the default.
func (c *TrainingConfig) GetAugment() bool {
	if c.Augment == nil {
		return true
	}
	return *c.Augment
}

func (c *TrainingConfig) GetJitterSigma() float64 {
	if c.JitterSigma == nil {
		return 0.01
	}
	return *c.JitterSigma
}

func (c *TrainingConfig) GetJitterClip() float64 {
	if c.JitterClip == nil {
		return 0.05
	}
	return *c.JitterClip
}

// GetSaveDir returns the save_dir value or the default.
func (c *TrainingConfig) GetSaveDir() string {
	if c.SaveDir == nil {
		return "outputs/ckpts"
	}
	return *c.SaveDir
}

// GetCheckpointPrecision returns the checkpoint_precision value or the default.
func (c *TrainingConfig) GetCheckpointPrecision() string {
	if c.CheckpointPrecision == nil {
		return "float32"
	}
	return *c.CheckpointPrecision
}

// GetRunDB returns the run store path; empty disables run tracking.
func (c *TrainingConfig) GetRunDB() string {
	if c.RunDB == nil {
		return ""
	}
	return *c.RunDB
}
