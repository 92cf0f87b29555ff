// Package telemetry exposes training and evaluation progress as Prometheus metrics.
// A nil *Recorder is valid and records nothing.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// #region recorder
// Recorder owns a registry and the collectors registered on it.
type Recorder struct {
	registry *prometheus.Registry

	batches        *prometheus.CounterVec
	batchLoss      *prometheus.GaugeVec
	epoch          prometheus.Gauge
	epochMetric    *prometheus.GaugeVec
	bestEpoch      prometheus.Gauge
	checkpointTime prometheus.Histogram
	checkpoints    *prometheus.CounterVec
	evalScore      *prometheus.GaugeVec
	evalFailures   *prometheus.CounterVec
}

// NewRecorder registers every collector on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xling_batches_total",
			Help: "Batches processed, by phase",
		}, []string{"phase"}),
		batchLoss: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xling_batch_loss",
			Help: "Loss of the most recent batch, by phase",
		}, []string{"phase"}),
		epoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "xling_epoch",
			Help: "Epoch currently running",
		}),
		epochMetric: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xling_epoch_metric",
			Help: "End-of-epoch metric values, by phase and metric name",
		}, []string{"phase", "metric"}),
		bestEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "xling_best_epoch",
			Help: "Epoch holding the best validation metric",
		}),
		checkpointTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "xling_checkpoint_save_seconds",
			Help:    "Checkpoint save duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 10},
		}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xling_checkpoints_total",
			Help: "Checkpoints saved, by whether they were best so far",
		}, []string{"best"}),
		evalScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xling_evaluation_score",
			Help: "Attachment score per evaluated language",
		}, []string{"language", "metric"}),
		evalFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xling_evaluation_failures_total",
			Help: "Languages whose evaluation failed",
		}, []string{"language"}),
	}
}

// Registry returns the registry backing r.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// #endregion

// #region record
// RecordBatch counts one batch of phase ("train" or "validation").
func (r *Recorder) RecordBatch(phase string, loss float64) {
	if r == nil {
		return
	}
	r.batches.WithLabelValues(phase).Inc()
	r.batchLoss.WithLabelValues(phase).Set(loss)
}

// RecordEpochStart marks the beginning of epoch.
func (r *Recorder) RecordEpochStart(epoch int) {
	if r == nil {
		return
	}
	r.epoch.Set(float64(epoch))
}

// RecordEpochMetrics publishes end-of-epoch values of phase.
func (r *Recorder) RecordEpochMetrics(phase string, values map[string]float64) {
	if r == nil {
		return
	}
	for k, v := range values {
		r.epochMetric.WithLabelValues(phase, k).Set(v)
	}
}

// RecordCheckpoint observes one save.
func (r *Recorder) RecordCheckpoint(epoch int, best bool, d time.Duration) {
	if r == nil {
		return
	}
	r.checkpointTime.Observe(d.Seconds())
	r.checkpoints.WithLabelValues(fmt.Sprint(best)).Inc()
	if best {
		r.bestEpoch.Set(float64(epoch))
	}
}

// RecordEvaluation publishes one language result; failed languages only bump the
// failure counter.
func (r *Recorder) RecordEvaluation(language string, uas, las float64, failed bool) {
	if r == nil {
		return
	}
	if failed {
		r.evalFailures.WithLabelValues(language).Inc()
		return
	}
	r.evalScore.WithLabelValues(language, "UAS").Set(uas)
	r.evalScore.WithLabelValues(language, "LAS").Set(las)
}

// #endregion

// #region serve
// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	}
}

// #endregion
