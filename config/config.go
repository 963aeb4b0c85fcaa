// Package config resolves the training configuration from defaults and
// GLYPHAE_* environment variables. Command line flags are layered on top by
// the glyphae command.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/tsawler/glyph-ae/checkpoints"
	"github.com/tsawler/glyph-ae/tensor"
)

// ErrInvalid is wrapped by every Validate failure
var ErrInvalid = errors.New("invalid configuration")

// Config is the full set of knobs for one training run
type Config struct {
	MsgSize       int     `json:"msg_size"`
	ImgChannels   int     `json:"img_channels"`
	LearningRate  float64 `json:"lr"`
	NoiseSize     float64 `json:"noise_size"`
	Epochs        int     `json:"epochs"`
	StepsPerEpoch int     `json:"steps_per_epoch"`
	BatchSize     int     `json:"bs"`

	CheckpointPath string `json:"checkpoint_path"`
	ImageDir       string `json:"image_dir"`
	Format         string `json:"format"`
	Scheduler      string `json:"scheduler"`

	Seed   int64  `json:"seed"`
	Device string `json:"device"`
}

// Default returns the configuration of the reference training run
func Default() Config {
	return Config{
		MsgSize:        512,
		ImgChannels:    3,
		LearningRate:   0.001,
		NoiseSize:      1,
		Epochs:         5,
		StepsPerEpoch:  512,
		BatchSize:      128,
		CheckpointPath: ".models/glyph-ae.json",
		ImageDir:       ".imgs",
		Format:         "json",
		Scheduler:      "constant",
		Seed:           1,
		Device:         "cpu",
	}
}

// FromEnv returns Default overridden by any GLYPHAE_* variables that are set
func FromEnv() Config {
	c := Default()
	c.MsgSize = int(MsgSize())
	c.ImgChannels = int(ImgChannels())
	c.LearningRate = LearningRate()
	c.NoiseSize = NoiseSize()
	c.Epochs = int(Epochs())
	c.StepsPerEpoch = int(StepsPerEpoch())
	c.BatchSize = int(BatchSize())
	if s := CheckpointPath(); s != "" {
		c.CheckpointPath = s
	}
	if s := ImageDir(); s != "" {
		c.ImageDir = s
	}
	if s := Format(); s != "" {
		c.Format = s
	}
	if s := Scheduler(); s != "" {
		c.Scheduler = s
	}
	if s := Device(); s != "" {
		c.Device = s
	}
	c.Seed = Seed()
	return c
}

// Iterations is the total optimization step budget
func (c Config) Iterations() int {
	return c.Epochs * c.StepsPerEpoch
}

// Validate checks that the configuration describes a runnable job
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"msg_size", c.MsgSize},
		{"img_channels", c.ImgChannels},
		{"epochs", c.Epochs},
		{"steps_per_epoch", c.StepsPerEpoch},
		{"bs", c.BatchSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, p.name, p.value)
		}
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: lr must be positive, got %g", ErrInvalid, c.LearningRate)
	}
	if c.NoiseSize < 0 {
		return fmt.Errorf("%w: noise_size must not be negative, got %g", ErrInvalid, c.NoiseSize)
	}
	if c.CheckpointPath == "" {
		return fmt.Errorf("%w: checkpoint path is empty", ErrInvalid)
	}
	if c.ImageDir == "" {
		return fmt.Errorf("%w: image dir is empty", ErrInvalid)
	}

	device, err := tensor.ParseDevice(c.Device)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if device != tensor.CPU {
		return fmt.Errorf("%w: device %q is not supported, only cpu", ErrInvalid, c.Device)
	}

	format, err := checkpoints.ParseFormat(c.Format)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if format == checkpoints.FormatONNX {
		return fmt.Errorf("%w: onnx is export-only and cannot hold a resumable checkpoint", ErrInvalid)
	}

	switch strings.ToLower(c.Scheduler) {
	case "", "constant", "none", "step", "exponential", "exp", "cosine":
	default:
		return fmt.Errorf("%w: unknown scheduler %q", ErrInvalid, c.Scheduler)
	}
	return nil
}

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("GLYPHAE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

var (
	MsgSize       = Uint("GLYPHAE_MSG_SIZE", 512)
	ImgChannels   = Uint("GLYPHAE_IMG_CHANNELS", 3)
	Epochs        = Uint("GLYPHAE_EPOCHS", 5)
	StepsPerEpoch = Uint("GLYPHAE_STEPS_PER_EPOCH", 512)
	BatchSize     = Uint("GLYPHAE_BS", 128)

	LearningRate = Float("GLYPHAE_LR", 0.001)
	NoiseSize    = Float("GLYPHAE_NOISE_SIZE", 1)

	// CheckpointPath is where the checkpoint is persisted and resumed from
	CheckpointPath = String("GLYPHAE_CHECKPOINT")
	ImageDir       = String("GLYPHAE_IMAGE_DIR")
	Format         = String("GLYPHAE_FORMAT")
	Scheduler      = String("GLYPHAE_SCHEDULER")
	Device         = String("GLYPHAE_DEVICE")
)

// Seed returns the RNG seed, defaulting to 1
func Seed() int64 {
	if s := Var("GLYPHAE_SEED"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return n
		}
		slog.Warn("invalid environment variable, using default", "key", "GLYPHAE_SEED", "value", s, "default", 1)
	}
	return 1
}

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// String returns a getter for a string variable
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// Uint returns a getter for an unsigned variable with a default
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Float returns a getter for a floating point variable with a default
func Float(key string, defaultValue float64) func() float64 {
	return func() float64 {
		if s := Var(key); s != "" {
			if f, err := strconv.ParseFloat(s, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return f
			}
		}
		return defaultValue
	}
}

// EnvVar describes one recognised variable
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap lists every recognised variable with its current value
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"GLYPHAE_DEBUG":           {"GLYPHAE_DEBUG", LogLevel(), "Show additional debug information (e.g. GLYPHAE_DEBUG=1)"},
		"GLYPHAE_MSG_SIZE":        {"GLYPHAE_MSG_SIZE", MsgSize(), "Latent message length"},
		"GLYPHAE_IMG_CHANNELS":    {"GLYPHAE_IMG_CHANNELS", ImgChannels(), "Channels of the generated image"},
		"GLYPHAE_LR":              {"GLYPHAE_LR", LearningRate(), "Adam learning rate"},
		"GLYPHAE_NOISE_SIZE":      {"GLYPHAE_NOISE_SIZE", NoiseSize(), "Standard deviation of the additive augmentation noise"},
		"GLYPHAE_EPOCHS":          {"GLYPHAE_EPOCHS", Epochs(), "Number of epochs"},
		"GLYPHAE_STEPS_PER_EPOCH": {"GLYPHAE_STEPS_PER_EPOCH", StepsPerEpoch(), "Iterations between checkpoints"},
		"GLYPHAE_BS":              {"GLYPHAE_BS", BatchSize(), "Batch size"},
		"GLYPHAE_CHECKPOINT":      {"GLYPHAE_CHECKPOINT", CheckpointPath(), "Checkpoint path"},
		"GLYPHAE_IMAGE_DIR":       {"GLYPHAE_IMAGE_DIR", ImageDir(), "Directory for sample grids"},
		"GLYPHAE_FORMAT":          {"GLYPHAE_FORMAT", Format(), "Checkpoint format (json, safetensors, safetensors-f16)"},
		"GLYPHAE_SCHEDULER":       {"GLYPHAE_SCHEDULER", Scheduler(), "Learning rate schedule (constant, step, exponential, cosine)"},
		"GLYPHAE_SEED":            {"GLYPHAE_SEED", Seed(), "Random seed"},
		"GLYPHAE_DEVICE":          {"GLYPHAE_DEVICE", Device(), "Compute device"},
	}
}
