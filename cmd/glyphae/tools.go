package main

import (
	"encoding/json"
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsawler/glyph-ae/checkpoints"
	"github.com/tsawler/glyph-ae/config"
	"github.com/tsawler/glyph-ae/model"
	"github.com/tsawler/glyph-ae/tensor"
	"github.com/tsawler/glyph-ae/training"
	"github.com/tsawler/glyph-ae/vision/preprocessing"
)

// loadModel reads the checkpoint at path and rebuilds the autoencoder on device
func loadModel(path, device string, seed int64) (*model.ReverseAE, *checkpoints.Checkpoint, error) {
	dev, err := tensor.ParseDevice(device)
	if err != nil {
		return nil, nil, err
	}
	cp, err := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(path)).LoadCheckpoint(path)
	if err != nil {
		return nil, nil, err
	}
	m, err := model.FromCheckpoint(cp, dev, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, cp, nil
}

func newSampleCmd() *cobra.Command {
	d := config.FromEnv()
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Draw random messages from a checkpoint into a PNG grid",
		Args:  cobra.NoArgs,
		RunE:  SampleHandler,
	}
	cmd.Flags().String("checkpoint", d.CheckpointPath, "Checkpoint to load")
	cmd.Flags().String("out", "", "Output PNG (default: timestamped file in the image directory)")
	cmd.Flags().Int("rows", gridRows, "Grid rows")
	cmd.Flags().Int("cols", gridCols, "Grid columns")
	cmd.Flags().Int("pad", gridPad, "Pixels between cells")
	cmd.Flags().Int("scale", gridScale, "Upscale factor")
	cmd.Flags().Int64("seed", time.Now().UnixNano(), "Random seed for the messages")
	cmd.Flags().String("device", d.Device, "Compute device")
	return cmd
}

// SampleHandler renders rows*cols freshly sampled messages
func SampleHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	path, _ := flags.GetString("checkpoint")
	out, _ := flags.GetString("out")
	rows, _ := flags.GetInt("rows")
	cols, _ := flags.GetInt("cols")
	pad, _ := flags.GetInt("pad")
	scale, _ := flags.GetInt("scale")
	seed, _ := flags.GetInt64("seed")
	device, _ := flags.GetString("device")

	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("grid must have positive rows and cols, got %dx%d", rows, cols)
	}
	m, _, err := loadModel(path, device, seed)
	if err != nil {
		return err
	}
	imgs, err := m.Generate(rows * cols)
	if err != nil {
		return err
	}
	grid, err := preprocessing.NewGridRenderer(pad, scale).Render(imgs, rows, cols)
	if err != nil {
		return err
	}
	if out == "" {
		out = preprocessing.TimestampedPath(config.FromEnv().ImageDir, "sample", time.Now())
	}
	if err := preprocessing.SavePNG(grid, out); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

func newDecodeCmd() *cobra.Command {
	d := config.FromEnv()
	cmd := &cobra.Command{
		Use:   "decode IMAGE [IMAGE...]",
		Short: "Recover messages from glyph images",
		Long: `Recover messages from glyph images.

Each file is one glyph at the model's image size, or with --grid a sample
grid as written by train and sample. Messages are printed as JSON lines.`,
		Args: cobra.MinimumNArgs(1),
		RunE: DecodeHandler,
	}
	cmd.Flags().String("checkpoint", d.CheckpointPath, "Checkpoint to load")
	cmd.Flags().Bool("grid", false, "Inputs are sample grids")
	cmd.Flags().Int("rows", gridRows, "Grid rows")
	cmd.Flags().Int("cols", gridCols, "Grid columns")
	cmd.Flags().Int("pad", gridPad, "Pixels between cells")
	cmd.Flags().Int("scale", gridScale, "Upscale factor of the grid")
	cmd.Flags().String("device", d.Device, "Compute device")
	return cmd
}

type decoded struct {
	File    string    `json:"file"`
	Index   int       `json:"index"`
	Message []float32 `json:"message"`
}

// DecodeHandler prints the decoder's estimate for every input glyph
func DecodeHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	path, _ := flags.GetString("checkpoint")
	asGrid, _ := flags.GetBool("grid")
	rows, _ := flags.GetInt("rows")
	cols, _ := flags.GetInt("cols")
	pad, _ := flags.GetInt("pad")
	scale, _ := flags.GetInt("scale")
	device, _ := flags.GetString("device")

	m, _, err := loadModel(path, device, 0)
	if err != nil {
		return err
	}
	channels, h, w := m.ImgShape[0], m.ImgShape[1], m.ImgShape[2]

	var images []*preprocessing.ProcessedImage
	var sources []decoded
	if asGrid {
		proc := preprocessing.NewImageProcessor(channels)
		for _, file := range args {
			cells, err := readGrid(file, rows, cols, h, w, pad, scale)
			if err != nil {
				return err
			}
			for i, cell := range cells {
				img, err := proc.Preprocess(cell)
				if err != nil {
					return fmt.Errorf("%s cell %d: %w", file, i, err)
				}
				images = append(images, img)
				sources = append(sources, decoded{File: file, Index: i})
			}
		}
	} else {
		images, err = preprocessing.LoadBatch(args, channels, 0)
		if err != nil {
			return err
		}
		for _, file := range args {
			sources = append(sources, decoded{File: file})
		}
	}

	batch, err := preprocessing.Stack(images, m.Device())
	if err != nil {
		return err
	}
	msgs, err := m.Decode(batch)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for i, src := range sources {
		src.Message = msgs.Data[i*m.MsgSize : (i+1)*m.MsgSize]
		if err := enc.Encode(src); err != nil {
			return err
		}
	}
	return nil
}

func readGrid(path string, rows, cols, h, w, pad, scale int) ([]image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	cells, err := preprocessing.SplitGrid(img, rows, cols, h, w, pad, scale)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cells, nil
}

func newSummaryCmd() *cobra.Command {
	d := config.FromEnv()
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the encoder and decoder architectures",
		Args:  cobra.NoArgs,
		RunE:  SummaryHandler,
	}
	cmd.Flags().Int("msg-size", d.MsgSize, "Latent message length")
	cmd.Flags().Int("img-channels", d.ImgChannels, "Channels of the generated image")
	cmd.Flags().String("style", "table", "Output style (table, torch)")
	return cmd
}

// SummaryHandler compiles both networks and prints them without allocating weights
func SummaryHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	msgSize, _ := flags.GetInt("msg-size")
	channels, _ := flags.GetInt("img-channels")
	style, _ := flags.GetString("style")

	encoder, err := model.EncoderSpec(msgSize, channels)
	if err != nil {
		return err
	}
	decoder, err := model.DecoderSpec(encoder.OutputShape[1:], msgSize)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch style {
	case "table":
		fmt.Fprintln(out, "Encoder")
		encoder.WriteSummary(out)
		fmt.Fprintln(out, "\nDecoder")
		decoder.WriteSummary(out)
	case "torch":
		training.NewModelArchitecturePrinter("Encoder").PrintArchitecture(out, encoder)
		training.NewModelArchitecturePrinter("Decoder").PrintArchitecture(out, decoder)
	default:
		return fmt.Errorf("unknown style %q, want table or torch", style)
	}
	return nil
}

func newExportCmd() *cobra.Command {
	d := config.FromEnv()
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export networks from a checkpoint to ONNX",
		Args:  cobra.NoArgs,
		RunE:  ExportHandler,
	}
	cmd.Flags().String("checkpoint", d.CheckpointPath, "Checkpoint to load")
	cmd.Flags().String("network", "both", "Network to export (encoder, decoder, both)")
	cmd.Flags().String("out", ".", "Output directory")
	return cmd
}

// ExportHandler writes <network>.onnx files into the output directory
func ExportHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	path, _ := flags.GetString("checkpoint")
	network, _ := flags.GetString("network")
	dir, _ := flags.GetString("out")

	var networks []string
	switch network {
	case "encoder", "decoder":
		networks = []string{network}
	case "both":
		networks = []string{"encoder", "decoder"}
	default:
		return fmt.Errorf("unknown network %q, want encoder, decoder or both", network)
	}

	cp, err := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(path)).LoadCheckpoint(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	exporter := checkpoints.NewONNXExporter()
	for _, name := range networks {
		out := filepath.Join(dir, name+".onnx")
		if err := exporter.ExportToONNX(cp, name, out); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
	}
	return nil
}
