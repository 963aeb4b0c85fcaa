package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/glyph-ae/logutil"
	"github.com/tsawler/glyph-ae/tensor"
)

// BatchSource yields (input, target) pairs without end. Implementations are
// restartable: every call to Next draws a fresh batch.
type BatchSource interface {
	Next() (input, target *tensor.Tensor, err error)
}

// BatchSourceFunc adapts a function to BatchSource
type BatchSourceFunc func() (*tensor.Tensor, *tensor.Tensor, error)

func (f BatchSourceFunc) Next() (*tensor.Tensor, *tensor.Tensor, error) { return f() }

// StepFunc runs one optimization step on a batch and returns the loss
type StepFunc func(input, target *tensor.Tensor) (float64, error)

// Callback runs at checkpoint boundaries. it is the number of completed iterations.
type Callback func(ctx context.Context, it int) error

// LearningRateSetter is implemented by optimizers whose rate can be scheduled
type LearningRateSetter interface {
	UpdateLearningRate(lr float32)
}

// ErrNonFiniteLoss is returned when a step produces NaN or Inf
var ErrNonFiniteLoss = errors.New("loss is not finite")

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Iterations    int // total optimization steps
	StepsPerEpoch int // callbacks fire every StepsPerEpoch iterations

	BaseLR    float64
	Scheduler LRScheduler
	Optimizer LearningRateSetter

	Progress  io.Writer // nil disables the progress bar
	Logger    *slog.Logger
	Collector *VisualizationCollector
}

// TrainingMetrics summarizes one epoch
type TrainingMetrics struct {
	Epoch         int
	MeanLoss      float64
	LastLoss      float64
	LearningRate  float64
	EpochDuration time.Duration
	Iterations    int
}

// Trainer drives a bounded number of optimization steps over a BatchSource
type Trainer struct {
	config    TrainingConfig
	step      StepFunc
	callbacks []Callback
	metrics   []TrainingMetrics
	logger    *slog.Logger
	completed int
}

// NewTrainer creates a new Trainer
func NewTrainer(config TrainingConfig, step StepFunc, callbacks ...Callback) (*Trainer, error) {
	if config.Iterations <= 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", config.Iterations)
	}
	if config.StepsPerEpoch <= 0 {
		config.StepsPerEpoch = config.Iterations
	}
	if step == nil {
		return nil, fmt.Errorf("step function cannot be nil")
	}
	if config.Scheduler == nil {
		config.Scheduler = &NoOpScheduler{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{
		config:    config,
		step:      step,
		callbacks: callbacks,
		logger:    logger,
	}, nil
}

// Epochs returns the number of (possibly partial) epochs in the run
func (t *Trainer) Epochs() int {
	return (t.config.Iterations + t.config.StepsPerEpoch - 1) / t.config.StepsPerEpoch
}

// Completed returns the number of finished iterations
func (t *Trainer) Completed() int {
	return t.completed
}

// Metrics returns the per-epoch summaries collected so far
func (t *Trainer) Metrics() []TrainingMetrics {
	return t.metrics
}

// Fit runs the training loop. Callbacks fire after every StepsPerEpoch
// iterations and once more after the final iteration when it does not fall on
// an epoch boundary. The context is checked between iterations.
func (t *Trainer) Fit(ctx context.Context, src BatchSource) error {
	cfg := t.config
	epochs := t.Epochs()
	t.logger.Info("starting training", "iterations", cfg.Iterations, "epochs", epochs, "scheduler", cfg.Scheduler.GetName())

	it := 0
	for epoch := 0; epoch < epochs; epoch++ {
		steps := min(cfg.StepsPerEpoch, cfg.Iterations-it)
		lr := cfg.BaseLR
		if cfg.Optimizer != nil && cfg.BaseLR > 0 {
			lr = cfg.Scheduler.GetLR(epoch, it, cfg.BaseLR)
			cfg.Optimizer.UpdateLearningRate(float32(lr))
		}

		var bar *ProgressBar
		if cfg.Progress != nil {
			bar = NewProgressBarTo(cfg.Progress, fmt.Sprintf("Epoch %d/%d", epoch+1, epochs), steps)
		}

		start := time.Now()
		losses := make([]float64, 0, steps)
		for s := 0; s < steps; s++ {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("training interrupted after %d iterations: %w", it, err)
			}

			input, target, err := src.Next()
			if err != nil {
				return fmt.Errorf("failed to draw batch %d: %w", it, err)
			}
			loss, err := t.step(input, target)
			if err != nil {
				return fmt.Errorf("training step %d failed: %w", it, err)
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return fmt.Errorf("training step %d: %w (%v)", it, ErrNonFiniteLoss, loss)
			}

			it++
			t.completed = it
			losses = append(losses, loss)
			if cfg.Collector != nil {
				cfg.Collector.RecordTrainingStep(it, loss, lr)
			}
			if bar != nil {
				bar.Update(s+1, map[string]float64{"loss": loss})
			}
			t.logger.Log(ctx, logutil.LevelTrace, "step", "it", it, "loss", loss)
		}
		if bar != nil {
			bar.Finish()
		}

		m := TrainingMetrics{
			Epoch:         epoch + 1,
			MeanLoss:      floats.Sum(losses) / float64(len(losses)),
			LastLoss:      losses[len(losses)-1],
			LearningRate:  lr,
			EpochDuration: time.Since(start),
			Iterations:    it,
		}
		t.metrics = append(t.metrics, m)
		if cfg.Collector != nil {
			cfg.Collector.RecordEpoch(m.MeanLoss)
		}
		t.logger.Info("epoch finished", "epoch", m.Epoch, "mean_loss", m.MeanLoss, "last_loss", m.LastLoss, "lr", lr, "duration", m.EpochDuration.Round(time.Millisecond))

		for _, cb := range t.callbacks {
			if err := cb(ctx, it); err != nil {
				return fmt.Errorf("callback after iteration %d failed: %w", it, err)
			}
		}
	}

	return nil
}
