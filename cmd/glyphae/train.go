package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tsawler/glyph-ae/checkpoints"
	"github.com/tsawler/glyph-ae/config"
	"github.com/tsawler/glyph-ae/logutil"
	"github.com/tsawler/glyph-ae/model"
	"github.com/tsawler/glyph-ae/tensor"
	"github.com/tsawler/glyph-ae/training"
	"github.com/tsawler/glyph-ae/vision/preprocessing"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the encoder and decoder",
		Args:  cobra.NoArgs,
		RunE:  TrainHandler,
	}

	d := config.Default()
	cmd.Flags().Int("msg-size", d.MsgSize, "Latent message length")
	cmd.Flags().Int("img-channels", d.ImgChannels, "Channels of the generated image")
	cmd.Flags().Float64("lr", d.LearningRate, "Adam learning rate")
	cmd.Flags().Float64("noise-size", d.NoiseSize, "Standard deviation of the augmentation noise")
	cmd.Flags().Int("epochs", d.Epochs, "Number of epochs")
	cmd.Flags().Int("steps-per-epoch", d.StepsPerEpoch, "Iterations between checkpoints")
	cmd.Flags().Int("bs", d.BatchSize, "Batch size")
	cmd.Flags().String("checkpoint", d.CheckpointPath, "Checkpoint path, overwritten every epoch")
	cmd.Flags().String("image-dir", d.ImageDir, "Directory for sample grids and loss curves")
	cmd.Flags().String("format", d.Format, "Checkpoint format (json, safetensors, safetensors-f16)")
	cmd.Flags().String("scheduler", d.Scheduler, "Learning rate schedule (constant, step, exponential, cosine)")
	cmd.Flags().Int64("seed", d.Seed, "Random seed")
	cmd.Flags().String("device", d.Device, "Compute device")
	cmd.Flags().Bool("resume", false, "Continue from the checkpoint if it exists")
	cmd.Flags().Bool("no-progress", false, "Do not draw progress bars")
	return cmd
}

// configFromFlags layers explicitly set flags over the environment
func configFromFlags(flags *pflag.FlagSet) (config.Config, error) {
	cfg := config.FromEnv()

	var errs []error
	setInt := func(name string, dst *int) {
		if flags.Changed(name) {
			v, err := flags.GetInt(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	setFloat := func(name string, dst *float64) {
		if flags.Changed(name) {
			v, err := flags.GetFloat64(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	setString := func(name string, dst *string) {
		if flags.Changed(name) {
			v, err := flags.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}

	setInt("msg-size", &cfg.MsgSize)
	setInt("img-channels", &cfg.ImgChannels)
	setFloat("lr", &cfg.LearningRate)
	setFloat("noise-size", &cfg.NoiseSize)
	setInt("epochs", &cfg.Epochs)
	setInt("steps-per-epoch", &cfg.StepsPerEpoch)
	setInt("bs", &cfg.BatchSize)
	setString("checkpoint", &cfg.CheckpointPath)
	setString("image-dir", &cfg.ImageDir)
	setString("format", &cfg.Format)
	setString("scheduler", &cfg.Scheduler)
	setString("device", &cfg.Device)
	if flags.Changed("seed") {
		v, err := flags.GetInt64("seed")
		errs = append(errs, err)
		cfg.Seed = v
	}

	if err := errors.Join(errs...); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// TrainHandler runs a full training session
func TrainHandler(cmd *cobra.Command, args []string) error {
	cfg, err := configFromFlags(cmd.Flags())
	if err != nil {
		return err
	}
	resume, err := cmd.Flags().GetBool("resume")
	if err != nil {
		return err
	}
	noProgress, err := cmd.Flags().GetBool("no-progress")
	if err != nil {
		return err
	}

	logger := logutil.NewLogger(cmd.ErrOrStderr(), config.LogLevel())
	device, err := tensor.ParseDevice(cfg.Device)
	if err != nil {
		return err
	}
	format, err := checkpoints.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}
	scheduler, err := training.ParseScheduler(cfg.Scheduler, cfg.Epochs)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m, err := model.NewReverseAE(cfg.MsgSize, cfg.ImgChannels, device, rng)
	if err != nil {
		return err
	}
	if err := m.ConfigureOptim(float32(cfg.LearningRate), float32(cfg.NoiseSize)); err != nil {
		return err
	}

	saver := checkpoints.NewCheckpointSaver(format)
	offset := 0
	if resume {
		cp, err := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(cfg.CheckpointPath)).LoadCheckpoint(cfg.CheckpointPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Info("no checkpoint to resume from, starting fresh", "path", cfg.CheckpointPath)
		case err != nil:
			return err
		default:
			if err := m.Restore(cp); err != nil {
				return err
			}
			// the configured rate wins over the stored one
			m.Optimizer().UpdateLearningRate(float32(cfg.LearningRate))
			offset = cp.TrainingState.Step
			logger.Info("resumed from checkpoint", "path", cfg.CheckpointPath, "step", offset)
		}
	}

	// held-out messages, fixed for the whole run so the grids are comparable
	msgs, err := m.Sample(gridRows * gridCols)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	start := time.Now()
	gridPath := preprocessing.TimestampedPath(cfg.ImageDir, "screen", start)
	curvePath := filepath.Join(cfg.ImageDir, fmt.Sprintf("loss_%s.json", runID))
	collector := training.NewVisualizationCollector("glyph-ae", runID)

	s := &session{
		cfg:       cfg,
		model:     m,
		saver:     saver,
		renderer:  preprocessing.NewGridRenderer(gridPad, gridScale),
		collector: collector,
		logger:    logger,
		msgs:      msgs,
		runID:     runID,
		gridPath:  gridPath,
		curvePath: curvePath,
		offset:    offset,
	}

	tc := training.TrainingConfig{
		Iterations:    cfg.Iterations(),
		StepsPerEpoch: cfg.StepsPerEpoch,
		BaseLR:        cfg.LearningRate,
		Scheduler:     scheduler,
		Optimizer:     m.Optimizer(),
		Logger:        logger,
		Collector:     collector,
	}
	if !noProgress {
		tc.Progress = cmd.ErrOrStderr()
	}
	trainer, err := training.NewTrainer(tc, m.TrainStep, s.persist)
	if err != nil {
		return err
	}
	s.trainer = trainer

	logger.Info("training", "run_id", runID, "msg_size", cfg.MsgSize, "img_shape", m.ImgShape,
		"iterations", cfg.Iterations(), "bs", cfg.BatchSize, "lr", cfg.LearningRate, "noise_size", cfg.NoiseSize)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	fitErr := trainer.Fit(ctx, m.BatchSource(cfg.BatchSize))
	if fitErr != nil && !errors.Is(fitErr, context.Canceled) {
		return fitErr
	}
	if fitErr != nil {
		logger.Warn("training interrupted, saving progress", "error", fitErr)
	}

	// final persist, as after every epoch
	if err := s.persist(context.Background(), trainer.Completed()); err != nil {
		return err
	}
	logger.Info("training finished", "run_id", runID, "checkpoint", cfg.CheckpointPath, "grid", gridPath,
		"duration", time.Since(start).Round(time.Second))
	return fitErr
}

type session struct {
	cfg       config.Config
	model     *model.ReverseAE
	saver     *checkpoints.CheckpointSaver
	renderer  *preprocessing.GridRenderer
	collector *training.VisualizationCollector
	trainer   *training.Trainer
	logger    *slog.Logger

	msgs      *tensor.Tensor
	runID     string
	gridPath  string
	curvePath string
	offset    int
}

// persist writes the checkpoint, the sample grid and the loss curve. It is
// the per-epoch callback and also runs once after training.
func (s *session) persist(_ context.Context, it int) error {
	state := checkpoints.TrainingState{
		Epoch:      (it + s.cfg.StepsPerEpoch - 1) / s.cfg.StepsPerEpoch,
		Step:       s.offset + it,
		TotalSteps: s.offset + s.cfg.Iterations(),
	}
	if metrics := s.trainer.Metrics(); len(metrics) > 0 {
		state.LastLoss = float32(metrics[len(metrics)-1].LastLoss)
		state.BestLoss = float32(metrics[0].MeanLoss)
		for _, m := range metrics[1:] {
			state.BestLoss = min(state.BestLoss, float32(m.MeanLoss))
		}
	}

	cp, err := s.model.Checkpoint(state)
	if err != nil {
		return err
	}
	cp.Metadata = checkpoints.CheckpointMetadata{
		RunID:       s.runID,
		Description: "glyph reverse autoencoder",
		Tags:        []string{s.cfg.Scheduler, s.cfg.Device},
	}
	cp.Config["lr"] = s.cfg.LearningRate
	cp.Config["bs"] = s.cfg.BatchSize
	cp.Config["epochs"] = s.cfg.Epochs
	cp.Config["steps_per_epoch"] = s.cfg.StepsPerEpoch
	cp.Config["seed"] = s.cfg.Seed

	if err := s.saver.SaveCheckpoint(cp, s.cfg.CheckpointPath); err != nil {
		return err
	}

	imgs, err := s.model.Encode(s.msgs)
	if err != nil {
		return err
	}
	grid, err := s.renderer.Render(imgs, gridRows, gridCols)
	if err != nil {
		return err
	}
	if err := preprocessing.SavePNG(grid, s.gridPath); err != nil {
		return err
	}
	if err := s.collector.GenerateTrainingCurvesPlot().WriteFile(s.curvePath); err != nil {
		return err
	}

	s.logger.Debug("persisted", "it", it, "checkpoint", s.cfg.CheckpointPath, "grid", s.gridPath)
	return nil
}
