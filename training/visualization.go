package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/stat"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// PlotData is the JSON document written next to the sample images
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`
	RunID     string    `json:"run_id,omitempty"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X interface{} `json:"x"`
	Y interface{} `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale  string `json:"y_axis_scale"`
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

// VisualizationCollector records per-step loss and learning rate
type VisualizationCollector struct {
	modelName string
	runID     string
	enabled   bool

	steps         []int
	trainingLoss  []float64
	learningRates []float64
	epochLoss     []float64
}

// NewVisualizationCollector creates an enabled collector for one run
func NewVisualizationCollector(modelName, runID string) *VisualizationCollector {
	return &VisualizationCollector{
		modelName: modelName,
		runID:     runID,
		enabled:   true,
	}
}

// Enable enables visualization data collection
func (vc *VisualizationCollector) Enable() {
	vc.enabled = true
}

// Disable disables visualization data collection
func (vc *VisualizationCollector) Disable() {
	vc.enabled = false
}

// IsEnabled returns whether visualization is enabled
func (vc *VisualizationCollector) IsEnabled() bool {
	return vc.enabled
}

// RecordTrainingStep records metrics for a single step
func (vc *VisualizationCollector) RecordTrainingStep(step int, loss, learningRate float64) {
	if !vc.enabled {
		return
	}
	vc.steps = append(vc.steps, step)
	vc.trainingLoss = append(vc.trainingLoss, loss)
	vc.learningRates = append(vc.learningRates, learningRate)
}

// RecordEpoch records the mean loss of an epoch
func (vc *VisualizationCollector) RecordEpoch(meanLoss float64) {
	if !vc.enabled {
		return
	}
	vc.epochLoss = append(vc.epochLoss, meanLoss)
}

// Len returns the number of recorded steps
func (vc *VisualizationCollector) Len() int {
	return len(vc.steps)
}

// LossStats returns mean and standard deviation of the last window steps,
// or of all steps when window <= 0
func (vc *VisualizationCollector) LossStats(window int) (mean, std float64) {
	losses := vc.trainingLoss
	if window > 0 && window < len(losses) {
		losses = losses[len(losses)-window:]
	}
	if len(losses) == 0 {
		return 0, 0
	}
	if len(losses) == 1 {
		return losses[0], 0
	}
	return stat.MeanStdDev(losses, nil)
}

// GenerateTrainingCurvesPlot generates training curves plot data
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	loss := SeriesData{
		Name: "Training Loss",
		Type: "line",
		Data: make([]DataPoint, len(vc.trainingLoss)),
		Style: map[string]interface{}{
			"color":      "#FF6B6B",
			"line_width": 2,
		},
	}
	for i, l := range vc.trainingLoss {
		loss.Data[i] = DataPoint{X: vc.steps[i], Y: l}
	}
	series := []SeriesData{loss}

	if len(vc.epochLoss) > 0 {
		epoch := SeriesData{
			Name: "Epoch Mean Loss",
			Type: "line",
			Data: make([]DataPoint, len(vc.epochLoss)),
			Style: map[string]interface{}{
				"color":      "#FF9F43",
				"line_width": 2,
				"line_style": "dashed",
			},
		}
		for i, l := range vc.epochLoss {
			epoch.Data[i] = DataPoint{X: i + 1, Y: l}
		}
		series = append(series, epoch)
	}

	mean, std := vc.LossStats(0)
	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		RunID:     vc.runID,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel:  "Step",
			YAxisLabel:  "Loss",
			XAxisScale:  "linear",
			YAxisScale:  "log",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
		Metrics: map[string]interface{}{
			"steps":     len(vc.steps),
			"loss_mean": mean,
			"loss_std":  std,
		},
	}
}

// GenerateLearningRateSchedulePlot generates learning rate schedule plot data
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	lr := SeriesData{
		Name: "Learning Rate",
		Type: "line",
		Data: make([]DataPoint, len(vc.learningRates)),
		Style: map[string]interface{}{
			"color":      "#6C5CE7",
			"line_width": 2,
		},
	}
	for i, v := range vc.learningRates {
		lr.Data[i] = DataPoint{X: vc.steps[i], Y: v}
	}

	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		RunID:     vc.runID,
		Series:    []SeriesData{lr},
		Config: PlotConfig{
			XAxisLabel:  "Step",
			YAxisLabel:  "Learning Rate",
			XAxisScale:  "linear",
			YAxisScale:  "log",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      400,
			Interactive: true,
		},
	}
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(jsonData), nil
}

// WriteFile writes the plot as JSON to path, creating parent directories
func (pd PlotData) WriteFile(path string) error {
	data, err := pd.ToJSON()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("failed to write plot data: %w", err)
	}
	return nil
}

// Clear resets all collected data
func (vc *VisualizationCollector) Clear() {
	vc.steps = vc.steps[:0]
	vc.trainingLoss = vc.trainingLoss[:0]
	vc.learningRates = vc.learningRates[:0]
	vc.epochLoss = vc.epochLoss[:0]
}
