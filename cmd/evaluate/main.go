package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/config"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/dataset"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/evaluate"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/logging"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/model"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/objstore"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/parser"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/remote"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/telemetry"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/vocab"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// #region main
func main() {
	fs := pflag.NewFlagSet("evaluate", pflag.ExitOnError)
	fs.String("config", "", "path to a config file (default ./config.yaml if present)")
	fs.String("path", "", "serialization directory of the trained model")
	fs.StringSlice("test", nil, "test treebanks; positional arguments are appended")
	fs.Int("epoch", -1, "checkpoint epoch to evaluate (-1 for the best)")
	fs.String("run", "", "run id (default the most recent run)")
	fs.String("db", "", "checkpoint database (default <path>/checkpoints.db)")
	fs.Int("batch-size", 0, "sentences per batch")
	fs.String("device", "", "device batches are moved to")
	fs.String("backend", "", `"local" or "remote"`)
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("metrics", "", "serve Prometheus metrics on this address")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	cfg.Data.TestPaths = append(cfg.Data.TestPaths, fs.Args()...)

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := run(ctx, cfg, logger)
	if err != nil {
		logger.Error("evaluation failed", zap.Error(err))
		os.Exit(1)
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		fmt.Println(evaluate.FormatResult(r))
	}
	if failed == len(results) {
		os.Exit(1)
	}
}

// #endregion

// #region run
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]evaluate.Result, error) {
	if err := cfg.ValidateEvaluation(); err != nil {
		return nil, err
	}

	base, err := vocab.LoadFromFiles(cfg.VocabularyDir())
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}

	store, err := checkpoint.NewStore(cfg.CheckpointDB())
	if err != nil {
		return nil, err
	}
	defer store.Close()

	runID := cfg.Checkpoint.RunID
	if runID == "" {
		runs, err := store.ListRuns(ctx, 1)
		if err != nil {
			return nil, err
		}
		if len(runs) == 0 {
			return nil, fmt.Errorf("no runs in %s: %w", cfg.CheckpointDB(), checkpoint.ErrNotFound)
		}
		runID = runs[0].RunID
	}
	logger = logger.With(zap.String("run_id", runID))
	manager := checkpoint.NewManager(store, runID, checkpoint.ManagerConfig{Logger: logger})

	var ckpt checkpoint.Checkpoint
	if cfg.Checkpoint.Epoch >= 0 {
		var src checkpoint.BlobSource
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
				return nil, err
			}
			src = bucket
		}
		ckpt, err = manager.Restore(ctx, cfg.Checkpoint.Epoch, src)
	} else {
		ckpt, err = manager.Best(ctx)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("checkpoint loaded", zap.Int("epoch", ckpt.Epoch), zap.Bool("best", ckpt.IsBest))

	m, closeModel, err := loadModel(ctx, cfg, base, ckpt.ModelState)
	if err != nil {
		return nil, err
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

	runner := &evaluate.Runner{
		Reader:    dataset.ConlluReader{MaxSentences: cfg.Data.MaxSentences},
		BatchSize: cfg.Trainer.BatchSize,
		Device:    cfg.Trainer.Device,
		DB:        store.DB(),
		RunID:     runID,
		Telemetry: rec,
		Logger:    logger,
	}
	return runner.Run(ctx, m, base, evaluate.SourcesFromPaths(cfg.Data.TestPaths)), nil
}

// #endregion

// #region load-model
func loadModel(ctx context.Context, cfg *config.Config, base *vocab.Vocabulary, state []byte) (model.Model, func() error, error) {
	if cfg.Model.Backend == "remote" {
		rm, err := remote.Dial(cfg.Remote.Addr, base)
		if err != nil {
			return nil, nil, err
		}
		rm.SetTimeout(cfg.Remote.Timeout)
		if err := rm.LoadState(ctx, state); err != nil {
			rm.Close()
			return nil, nil, err
		}
		return rm, rm.Close, nil
	}
	p, err := parser.Load(ctx, base, state)
	if err != nil {
		return nil, nil, err
	}
	return p, func() error { return nil }, nil
}

// #endregion
