package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. XLING_TRAINER_EPOCHS.
const EnvPrefix = "XLING"

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"config":     "config_file",
	"train":      "data_train_path",
	"val":        "data_validation_path",
	"test":       "data_test_paths",
	"save":       "trainer_serialization_dir",
	"path":       "trainer_serialization_dir",
	"epochs":     "trainer_epochs",
	"batch-size": "trainer_batch_size",
	"metric":     "trainer_validation_metric",
	"patience":   "trainer_patience",
	"device":     "trainer_device",
	"backend":    "model_backend",
	"seed":       "model_seed",
	"lr":         "optimizer_lr",
	"epoch":      "checkpoint_epoch",
	"run":        "checkpoint_run_id",
	"db":         "checkpoint_db",
	"log-level":  "log_level",
	"metrics":    "telemetry_addr",
}

// #region load
// Load merges defaults, an optional config.yaml, XLING_* environment variables and
// the flags in fs (nil skips flags), in increasing priority.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config

	// Data
	cfg.Data.TrainPath = v.GetString("data_train_path")
	cfg.Data.ValidationPath = v.GetString("data_validation_path")
	cfg.Data.TestPaths = v.GetStringSlice("data_test_paths")
	cfg.Data.MaxSentences = v.GetInt("data_max_sentences")

	// Trainer
	cfg.Trainer.SerializationDir = v.GetString("trainer_serialization_dir")
	cfg.Trainer.Epochs = v.GetInt("trainer_epochs")
	cfg.Trainer.BatchSize = v.GetInt("trainer_batch_size")
	cfg.Trainer.ValidationMetric = v.GetString("trainer_validation_metric")
	cfg.Trainer.Patience = v.GetInt("trainer_patience")
	cfg.Trainer.Device = v.GetString("trainer_device")

	// Model
	cfg.Model.Backend = v.GetString("model_backend")
	cfg.Model.WordDim = v.GetInt("model_word_dim")
	cfg.Model.POSDim = v.GetInt("model_pos_dim")
	cfg.Model.Seed = v.GetUint64("model_seed")
	cfg.Model.IgnorePOS = v.GetStringSlice("model_ignore_pos")

	// Optimizer
	cfg.Optimizer.LearningRate = v.GetFloat64("optimizer_lr")
	cfg.Optimizer.Beta1 = v.GetFloat64("optimizer_beta1")
	cfg.Optimizer.Beta2 = v.GetFloat64("optimizer_beta2")
	cfg.Optimizer.Eps = v.GetFloat64("optimizer_eps")
	cfg.Optimizer.WeightDecay = v.GetFloat64("optimizer_weight_decay")
	cfg.Optimizer.MaxGradNorm = v.GetFloat64("optimizer_grad_norm")

	// Checkpoint
	cfg.Checkpoint.DBPath = v.GetString("checkpoint_db")
	cfg.Checkpoint.KeepLast = v.GetInt("checkpoint_keep_last")
	cfg.Checkpoint.Epoch = v.GetInt("checkpoint_epoch")
	cfg.Checkpoint.RunID = v.GetString("checkpoint_run_id")

	// MinIO
	cfg.MinIO.Endpoint = v.GetString("minio_endpoint")
	cfg.MinIO.AccessKey = v.GetString("minio_access_key")
	cfg.MinIO.SecretKey = v.GetString("minio_secret_key")
	cfg.MinIO.Bucket = v.GetString("minio_bucket")
	cfg.MinIO.Prefix = v.GetString("minio_prefix")
	cfg.MinIO.UseSSL = v.GetBool("minio_use_ssl")

	// Remote
	cfg.Remote.Addr = v.GetString("remote_addr")
	cfg.Remote.Timeout = v.GetDuration("remote_timeout")

	// Logging
	cfg.Log.Level = v.GetString("log_level")
	cfg.Log.Format = v.GetString("log_format")

	// Telemetry
	cfg.Telemetry.Addr = v.GetString("telemetry_addr")

	return &cfg, nil
}

// #endregion

// #region defaults
func setDefaults(v *viper.Viper) {
	// Trainer defaults
	v.SetDefault("trainer_serialization_dir", "experiments/models/default")
	v.SetDefault("trainer_epochs", 20)
	v.SetDefault("trainer_batch_size", 32)
	v.SetDefault("trainer_validation_metric", "+LAS")
	v.SetDefault("trainer_patience", 0)
	v.SetDefault("trainer_device", "cpu")

	// Model defaults
	v.SetDefault("model_backend", "local")
	v.SetDefault("model_word_dim", 100)
	v.SetDefault("model_pos_dim", 32)
	v.SetDefault("model_seed", 13370)
	v.SetDefault("model_ignore_pos", []string{"PUNCT", "SYM"})

	// Optimizer defaults
	v.SetDefault("optimizer_lr", 0.002)
	v.SetDefault("optimizer_beta1", 0.9)
	v.SetDefault("optimizer_beta2", 0.9)
	v.SetDefault("optimizer_eps", 1e-8)
	v.SetDefault("optimizer_weight_decay", 0.0)
	v.SetDefault("optimizer_grad_norm", 5.0)

	// Checkpoint defaults
	v.SetDefault("checkpoint_keep_last", 0)
	v.SetDefault("checkpoint_epoch", -1)

	// MinIO defaults
	v.SetDefault("minio_bucket", "xling-checkpoints")
	v.SetDefault("minio_use_ssl", false)

	// Remote defaults
	v.SetDefault("remote_addr", "localhost:50061")
	v.SetDefault("remote_timeout", "60s")

	// Logging defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
}

// #endregion
