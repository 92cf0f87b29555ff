package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/config"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/dataset"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/logging"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/metrics"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/model"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/objstore"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/optim"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/parser"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/remote"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/telemetry"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/train"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/vocab"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// #region main
func main() {
	fs := pflag.NewFlagSet("train", pflag.ExitOnError)
	fs.String("config", "", "path to a config file (default ./config.yaml if present)")
	fs.String("train", "", "training treebank (CoNLL-U)")
	fs.String("val", "", "validation treebank (CoNLL-U)")
	fs.String("save", "", "serialization directory")
	fs.Int("epochs", 0, "number of epochs")
	fs.Int("batch-size", 0, "sentences per batch")
	fs.String("metric", "", `validation metric to track, e.g. "+LAS" or "-loss"`)
	fs.Int("patience", 0, "stop after this many epochs without improvement (0 disables)")
	fs.String("device", "", "device batches are moved to")
	fs.String("backend", "", `"local" or "remote"`)
	fs.Uint64("seed", 0, "parameter initialisation seed")
	fs.Float64("lr", 0, "learning rate")
	fs.String("db", "", "checkpoint database (default <save>/checkpoints.db)")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("metrics", "", "serve Prometheus metrics on this address")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("training failed", zap.Error(err))
		os.Exit(1)
	}
}

// #endregion

// #region run
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.ValidateTraining(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Trainer.SerializationDir, 0o755); err != nil {
		return fmt.Errorf("create serialization dir: %w", err)
	}

	reader := dataset.ConlluReader{MaxSentences: cfg.Data.MaxSentences}
	trainSet, err := reader.Read(ctx, cfg.Data.TrainPath)
	if err != nil {
		return err
	}
	valSet, err := reader.Read(ctx, cfg.Data.ValidationPath)
	if err != nil {
		return err
	}

	all := append(append([]dataset.Instance{}, trainSet...), valSet...)
	v := vocab.FromInstances(dataset.Sources(all))
	if err := v.SaveToFiles(cfg.VocabularyDir()); err != nil {
		return fmt.Errorf("save vocabulary: %w", err)
	}
	logger.Info("vocabulary built",
		zap.Int("tokens", v.Size(vocab.TokensNamespace)),
		zap.Int("pos", v.Size(vocab.POSNamespace)),
		zap.Int("labels", v.Size(vocab.LabelsNamespace)),
	)

	trainIdx, err := dataset.Index(trainSet, v)
	if err != nil {
		return fmt.Errorf("index training data: %w", err)
	}
	valIdx, err := dataset.Index(valSet, v)
	if err != nil {
		return fmt.Errorf("index validation data: %w", err)
	}

	store, err := checkpoint.NewStore(cfg.CheckpointDB())
	if err != nil {
		return err
	}
	defer store.Close()
	redacted := *cfg
	redacted.MinIO.SecretKey = ""
	cfgJSON, _ := json.Marshal(redacted)
	runInfo, err := store.CreateRun(ctx, cfg.Trainer.SerializationDir, string(cfgJSON))
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("run_id", runInfo.RunID))

	mcfg := checkpoint.ManagerConfig{KeepLast: cfg.Checkpoint.KeepLast, Logger: logger}
	if cfg.MinIO.Endpoint != "" {
		bucket, err := objstore.New(ctx, objstore.Config{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			Prefix:    cfg.MinIO.Prefix,
			UseSSL:    cfg.MinIO.UseSSL,
		})
		if err != nil {
			return err
		}
		mcfg.Mirror = bucket
	}
	manager := checkpoint.NewManager(store, runInfo.RunID, mcfg)

	m, opt, closeModel, err := buildModel(cfg, v)
	if err != nil {
		return err
	}
	defer closeModel()

	rec := telemetry.NewRecorder()
	if cfg.Telemetry.Addr != "" {
		go func() {
			if err := rec.Serve(ctx, cfg.Telemetry.Addr); err != nil {
				logger.Warn("telemetry server stopped", zap.Error(err))
			}
		}()
	}

	trainLoader := dataset.NewLoader(trainIdx, cfg.Trainer.BatchSize)
	valLoader := dataset.NewLoader(valIdx, cfg.Trainer.BatchSize)
	loop, err := train.New(train.Config{
		Epochs:           cfg.Trainer.Epochs,
		ValidationMetric: cfg.Trainer.ValidationMetric,
		Patience:         cfg.Trainer.Patience,
		Device:           cfg.Trainer.Device,
		MetricsPath:      cfg.MetricsPath(),
		RunID:            runInfo.RunID,
	}, train.Deps{
		Model:       m,
		Optimizer:   opt,
		Train:       trainLoader,
		Validation:  valLoader,
		Checkpoints: manager,
		DB:          store.DB(),
		Telemetry:   rec,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if cfg.Trainer.Patience > 0 {
		loop.AfterEpoch = func(_ int, t *metrics.Tracker) bool { return t.ShouldStopEarly() }
	}

	logger.Info("training started",
		zap.Int("train_sentences", trainLoader.Instances()),
		zap.Int("train_batches", trainLoader.Len()),
		zap.Int("validation_sentences", valLoader.Instances()),
		zap.Int("epochs", cfg.Trainer.Epochs),
		zap.String("metric", cfg.Trainer.ValidationMetric),
		zap.String("backend", cfg.Model.Backend),
	)
	res, err := loop.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("training finished",
		zap.Int("epochs", res.Epochs),
		zap.Int("best_epoch", res.BestEpoch),
		zap.String("best", metrics.Describe(res.BestMetrics)),
	)
	return nil
}

// #endregion

// #region build-model
func buildModel(cfg *config.Config, v *vocab.Vocabulary) (model.Model, model.Optimizer, func() error, error) {
	switch cfg.Model.Backend {
	case "remote":
		rm, err := remote.Dial(cfg.Remote.Addr, v)
		if err != nil {
			return nil, nil, nil, err
		}
		rm.SetTimeout(cfg.Remote.Timeout)
		return rm, rm.Optimizer(), rm.Close, nil
	default:
		p, err := parser.New(v, parser.Config{
			WordDim:   cfg.Model.WordDim,
			POSDim:    cfg.Model.POSDim,
			Seed:      cfg.Model.Seed,
			IgnorePOS: cfg.Model.IgnorePOS,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		opt := optim.NewAdam(p, optim.Config{
			LearningRate: cfg.Optimizer.LearningRate,
			Beta1:        cfg.Optimizer.Beta1,
			Beta2:        cfg.Optimizer.Beta2,
			Eps:          cfg.Optimizer.Eps,
			WeightDecay:  cfg.Optimizer.WeightDecay,
			MaxGradNorm:  cfg.Optimizer.MaxGradNorm,
		})
		return p, opt, func() error { return nil }, nil
	}
}

// #endregion
