package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Trainer.Epochs)
	assert.Equal(t, "+LAS", cfg.Trainer.ValidationMetric)
	assert.Equal(t, "local", cfg.Model.Backend)
	assert.Equal(t, []string{"PUNCT", "SYM"}, cfg.Model.IgnorePOS)
	assert.Equal(t, -1, cfg.Checkpoint.Epoch)
	assert.Equal(t, 60*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, filepath.Join("experiments/models/default", "checkpoints.db"), cfg.CheckpointDB())
	require.NoError(t, cfg.Validate())
}

func TestLoad_PriorityFlagOverEnvOverFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "train.yaml")
	require.NoError(t, os.WriteFile(file, []byte("trainer_epochs: 5\ntrainer_batch_size: 8\nminio_endpoint: localhost:9000\n"), 0o644))
	t.Setenv("XLING_TRAINER_BATCH_SIZE", "16")
	t.Setenv("XLING_DATA_TEST_PATHS", "en_pud.conllu fr_pud.conllu")

	fs := pflag.NewFlagSet("train", pflag.ContinueOnError)
	fs.String("config", "", "")
	fs.Int("epochs", 0, "")
	require.NoError(t, fs.Parse([]string{"--config", file, "--epochs", "7"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Trainer.Epochs)
	assert.Equal(t, 16, cfg.Trainer.BatchSize)
	assert.Equal(t, "localhost:9000", cfg.MinIO.Endpoint)
	assert.Equal(t, []string{"en_pud.conllu", "fr_pud.conllu"}, cfg.Data.TestPaths)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	fs := pflag.NewFlagSet("train", pflag.ContinueOnError)
	fs.String("config", "", "")
	require.NoError(t, fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}))
	_, err := Load(fs)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(nil)
		require.NoError(t, err)
		return cfg
	}

	cases := map[string]func(*Config){
		"batch size":    func(c *Config) { c.Trainer.BatchSize = 0 },
		"epochs":        func(c *Config) { c.Trainer.Epochs = -1 },
		"metric":        func(c *Config) { c.Trainer.ValidationMetric = "LAS" },
		"backend":       func(c *Config) { c.Model.Backend = "tpu" },
		"remote addr":   func(c *Config) { c.Model.Backend = "remote"; c.Remote.Addr = "" },
		"serialization": func(c *Config) { c.Trainer.SerializationDir = "" },
		"bucket":        func(c *Config) { c.MinIO.Endpoint = "localhost:9000"; c.MinIO.Bucket = "" },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(cfg)
		assert.ErrorIs(t, cfg.Validate(), ErrInvalid, name)
	}

	cfg := base()
	assert.ErrorIs(t, cfg.ValidateTraining(), ErrInvalid)
	cfg.Data.TrainPath, cfg.Data.ValidationPath = "train.conllu", "dev.conllu"
	assert.NoError(t, cfg.ValidateTraining())

	assert.ErrorIs(t, cfg.ValidateEvaluation(), ErrInvalid)
	cfg.Data.TestPaths = []string{"en_pud.conllu"}
	assert.NoError(t, cfg.ValidateEvaluation())
}
