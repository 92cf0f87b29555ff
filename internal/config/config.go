package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/metrics"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// #region config
// Config holds all settings of the train and evaluate commands.
type Config struct {
	Data       DataConfig
	Trainer    TrainerConfig
	Model      ModelConfig
	Optimizer  OptimizerConfig
	Checkpoint CheckpointConfig
	MinIO      MinIOConfig
	Remote     RemoteConfig
	Log        LogConfig
	Telemetry  TelemetryConfig
}

// DataConfig locates treebanks.
type DataConfig struct {
	TrainPath      string
	ValidationPath string
	TestPaths      []string
	MaxSentences   int
}

// TrainerConfig drives the training loop.
type TrainerConfig struct {
	SerializationDir string
	Epochs           int
	BatchSize        int
	ValidationMetric string
	Patience         int
	Device           string
}

// ModelConfig selects and sizes the model.
type ModelConfig struct {
	Backend   string // "local" or "remote"
	WordDim   int
	POSDim    int
	Seed      uint64
	IgnorePOS []string
}

// OptimizerConfig holds Adam settings for the local backend.
type OptimizerConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Eps          float64
	WeightDecay  float64
	MaxGradNorm  float64
}

// CheckpointConfig locates checkpoint storage.
type CheckpointConfig struct {
	DBPath   string
	KeepLast int
	// Epoch selects the checkpoint to evaluate; negative means the best one.
	Epoch int
	RunID string
}

// MinIOConfig enables the checkpoint mirror when Endpoint is set.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// RemoteConfig locates the model service for the remote backend.
type RemoteConfig struct {
	Addr    string
	Timeout time.Duration
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string
	Format string
}

// TelemetryConfig exposes Prometheus metrics when Addr is set.
type TelemetryConfig struct {
	Addr string
}

// #endregion

// #region paths
// CheckpointDB returns the checkpoint database path, defaulting into the
// serialization directory.
func (c *Config) CheckpointDB() string {
	if c.Checkpoint.DBPath != "" {
		return c.Checkpoint.DBPath
	}
	return filepath.Join(c.Trainer.SerializationDir, "checkpoints.db")
}

// VocabularyDir returns where the vocabulary is saved.
func (c *Config) VocabularyDir() string {
	return filepath.Join(c.Trainer.SerializationDir, "vocabulary")
}

// MetricsPath returns where the per-epoch metrics record is written.
func (c *Config) MetricsPath() string {
	return filepath.Join(c.Trainer.SerializationDir, "metrics.json")
}

// #endregion

// #region validate
// Validate checks settings shared by every command.
func (c *Config) Validate() error {
	if c.Trainer.SerializationDir == "" {
		return fmt.Errorf("%w: serialization dir is empty", ErrInvalid)
	}
	if c.Trainer.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size %d must be positive", ErrInvalid, c.Trainer.BatchSize)
	}
	if c.Trainer.Epochs < 0 {
		return fmt.Errorf("%w: epochs %d is negative", ErrInvalid, c.Trainer.Epochs)
	}
	if _, _, err := metrics.ParseSpec(c.Trainer.ValidationMetric); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Model.Backend {
	case "local", "remote":
	default:
		return fmt.Errorf("%w: unknown model backend %q", ErrInvalid, c.Model.Backend)
	}
	if c.Model.Backend == "remote" && c.Remote.Addr == "" {
		return fmt.Errorf("%w: remote backend needs an address", ErrInvalid)
	}
	if c.MinIO.Endpoint != "" && c.MinIO.Bucket == "" {
		return fmt.Errorf("%w: minio bucket is empty", ErrInvalid)
	}
	return nil
}

// ValidateTraining additionally requires the training and validation treebanks.
func (c *Config) ValidateTraining() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Data.TrainPath == "" || c.Data.ValidationPath == "" {
		return fmt.Errorf("%w: train and validation paths are required", ErrInvalid)
	}
	return nil
}

// ValidateEvaluation additionally requires at least one test treebank.
func (c *Config) ValidateEvaluation() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Data.TestPaths) == 0 {
		return fmt.Errorf("%w: no test paths", ErrInvalid)
	}
	return nil
}

// #endregion
