package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/glyph-ae/layers"
)

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to stderr
func NewProgressBar(description string, total int) *ProgressBar {
	return NewProgressBarTo(os.Stderr, description, total)
}

// NewProgressBarTo creates a progress bar rendering to w
func NewProgressBarTo(w io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         w,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 0.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1.0)
	}

	filled := min(int(percentage*float64(pb.width)), pb.width)
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fit/s", rate)
	}

	// sorted so the line does not jitter between renders
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(", %s=%.4f", k, pb.metrics[k])
	}
	line += "]"

	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{modelName: modelName}
}

// PrintArchitecture writes the model architecture in PyTorch style
func (p *ModelArchitecturePrinter) PrintArchitecture(w io.Writer, modelSpec *layers.ModelSpec) {
	fmt.Fprintf(w, "%s(\n", p.modelName)
	for _, layer := range modelSpec.Layers {
		fmt.Fprintf(w, "  %s\n", p.formatLayer(layer))
	}
	fmt.Fprintf(w, ")\n")

	fmt.Fprintf(w, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(w, "Input size (MB): %.3f\n", calculateInputSize(modelSpec.InputShape))
	fmt.Fprintf(w, "Forward/backward pass size (MB): %.3f\n", estimateForwardBackwardSize(modelSpec))
	fmt.Fprintf(w, "Params size (MB): %.3f\n\n", float64(modelSpec.TotalParameters*4)/1024/1024)
}

func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
			layer.Name, layer.InChannels, layer.OutChannels, layer.Kernel, layer.Kernel, layer.Stride, layer.Stride, layer.Padding, layer.Padding, layer.UseBias)
	case layers.ConvTranspose2D:
		return fmt.Sprintf("(%s): ConvTranspose2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
			layer.Name, layer.InChannels, layer.OutChannels, layer.Kernel, layer.Kernel, layer.Stride, layer.Stride, layer.Padding, layer.Padding, layer.UseBias)
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)", layer.Name, layer.InChannels, layer.Units, layer.UseBias)
	case layers.BatchNorm:
		return fmt.Sprintf("(%s): BatchNorm2d(%d, eps=%g, momentum=%g)", layer.Name, layer.InChannels, layer.Eps, layer.Momentum)
	case layers.LeakyReLU:
		return fmt.Sprintf("(%s): LeakyReLU(negative_slope=%g)", layer.Name, layer.NegativeSlope)
	case layers.Reshape:
		return fmt.Sprintf("(%s): Reshape(-1, %s)", layer.Name, strings.Trim(fmt.Sprint(layer.Target), "[]"))
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// calculateInputSize estimates tensor size in MB
func calculateInputSize(shape []int) float64 {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return float64(size*4) / 1024 / 1024
}

// estimateForwardBackwardSize sums activation sizes of every layer, doubled
// for the gradients kept during backward
func estimateForwardBackwardSize(modelSpec *layers.ModelSpec) float64 {
	total := 0.0
	for _, layer := range modelSpec.Layers {
		total += calculateInputSize(layer.OutputShape)
	}
	return total * 2
}
