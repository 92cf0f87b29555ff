package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/logging"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/metrics"
	"github.com/spf13/pflag"
)

// #region main

func main() {
	dbPath := pflag.String("db", "", "path to checkpoints.db")
	last := pflag.Int("last", 20, "show N most recent runs")
	runID := pflag.String("run", "", "show single run detail")
	jsonOut := pflag.Bool("json", false, "output as JSON instead of table")
	pflag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/checkpoints.db [--last N] [--run id] [--json]")
		os.Exit(2)
	}

	store, err := checkpoint.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	if *runID != "" {
		err = runDetailMode(ctx, store, *runID, *jsonOut)
	} else {
		err = runListMode(ctx, store, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion

// #region list-mode

type listRow struct {
	RunID     string `json:"run_id"`
	Dir       string `json:"serialization_dir"`
	Epochs    int    `json:"epochs"`
	BestEpoch *int   `json:"best_epoch,omitempty"`
	CreatedAt string `json:"created_at"`
}

func runListMode(ctx context.Context, store *checkpoint.Store, last int, jsonOut bool) error {
	runs, err := store.ListRuns(ctx, last)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stderr, "no runs found")
		return nil
	}

	rows := make([]listRow, len(runs))
	for i, r := range runs {
		epochs, err := logging.ReadEpochs(ctx, store.DB(), r.RunID)
		if err != nil {
			return err
		}
		row := listRow{
			RunID:     r.RunID,
			Dir:       r.SerializationDir,
			Epochs:    len(epochs),
			CreatedAt: r.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
		if best, err := checkpoint.NewManager(store, r.RunID, checkpoint.ManagerConfig{}).Best(ctx); err == nil {
			row.BestEpoch = &best.Epoch
		} else if !errors.Is(err, checkpoint.ErrNotFound) {
			return err
		}
		// store returns newest first, print chronologically
		rows[len(runs)-1-i] = row
	}

	if jsonOut {
		return printJSON(rows)
	}
	fmt.Printf("%-10s  %6s  %5s  %-20s  %s\n", "Run", "Epochs", "Best", "Time", "Dir")
	fmt.Printf("%-10s+-%6s+-%5s+-%-20s+-%s\n", "----------", "------", "-----", "--------------------", "----------")
	for _, r := range rows {
		best := "-"
		if r.BestEpoch != nil {
			best = fmt.Sprintf("%d", *r.BestEpoch)
		}
		fmt.Printf("%-10s  %6d  %5s  %-20s  %s\n", shortID(r.RunID), r.Epochs, best, r.CreatedAt, r.Dir)
	}
	return nil
}

// #endregion

// #region detail-mode

type epochRow struct {
	Epoch            int     `json:"epoch"`
	TrainingLoss     float64 `json:"training_loss"`
	ValidationMetric float64 `json:"validation_metric"`
	IsBest           bool    `json:"is_best"`
	Checkpoint       bool    `json:"checkpoint"`
	Marked           bool    `json:"marked"`
	DurationMS       int64   `json:"duration_ms"`
}

type evalRow struct {
	Language string  `json:"language"`
	UAS      float64 `json:"uas"`
	LAS      float64 `json:"las"`
	Error    string  `json:"error,omitempty"`
}

type detailOutput struct {
	RunID       string             `json:"run_id"`
	Dir         string             `json:"serialization_dir"`
	CreatedAt   string             `json:"created_at"`
	Epochs      []epochRow         `json:"epochs"`
	BestEpoch   *int               `json:"best_epoch,omitempty"`
	BestMetrics map[string]float64 `json:"best_metrics,omitempty"`
	Evaluations []evalRow          `json:"evaluations,omitempty"`
}

func runDetailMode(ctx context.Context, store *checkpoint.Store, runID string, jsonOut bool) error {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	manager := checkpoint.NewManager(store, runID, checkpoint.ManagerConfig{})

	epochs, err := logging.ReadEpochs(ctx, store.DB(), runID)
	if err != nil {
		return err
	}
	infos, err := manager.List(ctx)
	if err != nil {
		return err
	}
	kept := make(map[int]checkpoint.Info, len(infos))
	for _, info := range infos {
		kept[info.Epoch] = info
	}

	out := detailOutput{
		RunID:     run.RunID,
		Dir:       run.SerializationDir,
		CreatedAt: run.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
	for _, e := range epochs {
		info, ok := kept[e.Epoch]
		out.Epochs = append(out.Epochs, epochRow{
			Epoch:            e.Epoch,
			TrainingLoss:     e.TrainingLoss,
			ValidationMetric: e.ValidationMetric,
			IsBest:           e.IsBest,
			Checkpoint:       ok,
			Marked:           ok && info.Marked,
			DurationMS:       e.Duration.Milliseconds(),
		})
	}

	bestEpoch, best, err := manager.BestMetrics(ctx)
	switch {
	case err == nil:
		out.BestEpoch = &bestEpoch
		out.BestMetrics = best
	case !errors.Is(err, checkpoint.ErrNotFound):
		return err
	}

	evals, err := logging.ReadEvaluations(ctx, store.DB(), runID)
	if err != nil {
		return err
	}
	for _, e := range evals {
		out.Evaluations = append(out.Evaluations, evalRow{Language: e.Language, UAS: e.UAS, LAS: e.LAS, Error: e.Err})
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Run:     %s\n", out.RunID)
	fmt.Printf("Dir:     %s\n", out.Dir)
	fmt.Printf("Created: %s\n", out.CreatedAt)

	fmt.Printf("\n%5s  %10s  %10s  %-4s  %-5s  %s\n", "Epoch", "Train Loss", "Val Metric", "Best", "Saved", "Duration")
	for _, e := range out.Epochs {
		saved := "no"
		if e.Marked {
			saved = "best"
		} else if e.Checkpoint {
			saved = "yes"
		}
		fmt.Printf("%5d  %10.4f  %10.4f  %-4v  %-5s  %dms\n",
			e.Epoch, e.TrainingLoss, e.ValidationMetric, e.IsBest, saved, e.DurationMS)
	}

	if out.BestEpoch != nil {
		fmt.Printf("\nBest epoch %d:\n", *out.BestEpoch)
		printMetrics(out.BestMetrics)
	}
	if len(out.Evaluations) > 0 {
		fmt.Printf("\nEvaluations:\n")
		for _, e := range out.Evaluations {
			if e.Error != "" {
				fmt.Printf("  %-6s failed: %s\n", e.Language, e.Error)
				continue
			}
			fmt.Printf("  %-6s UAS %6.2f  LAS %6.2f\n", e.Language, e.UAS*100, e.LAS*100)
		}
	}
	return nil
}

// #endregion

// #region output

func printMetrics(m metrics.Metrics) {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-12s %.4f\n", name, m[name])
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion
