package training

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestVisualizationCollectorRecords(t *testing.T) {
	vc := NewVisualizationCollector("glyph-ae", "run-1")
	if !vc.IsEnabled() {
		t.Fatal("new collector should be enabled")
	}
	for i, loss := range []float64{4, 2, 1, 3} {
		vc.RecordTrainingStep(i+1, loss, 0.001)
	}
	vc.RecordEpoch(2.5)

	if vc.Len() != 4 {
		t.Errorf("expected 4 steps, got %d", vc.Len())
	}
	mean, std := vc.LossStats(0)
	if mean != 2.5 || math.Abs(std-math.Sqrt(5.0/3)) > 1e-9 {
		t.Errorf("unexpected stats mean=%f std=%f", mean, std)
	}
	if mean, std := vc.LossStats(1); mean != 3 || std != 0 {
		t.Errorf("window of one should return the last loss, got %f %f", mean, std)
	}

	vc.Disable()
	vc.RecordTrainingStep(5, 10, 0.001)
	vc.RecordEpoch(10)
	if vc.Len() != 4 {
		t.Error("disabled collector should ignore new steps")
	}
	vc.Enable()

	vc.Clear()
	if vc.Len() != 0 {
		t.Error("Clear should drop recorded steps")
	}
	if mean, std := vc.LossStats(0); mean != 0 || std != 0 {
		t.Errorf("empty stats should be zero, got %f %f", mean, std)
	}
}

func TestTrainingCurvesPlot(t *testing.T) {
	vc := NewVisualizationCollector("glyph-ae", "run-2")
	vc.RecordTrainingStep(1, 1.0, 0.01)
	vc.RecordTrainingStep(2, 0.5, 0.01)
	vc.RecordEpoch(0.75)

	plot := vc.GenerateTrainingCurvesPlot()
	if plot.PlotType != TrainingCurves || plot.RunID != "run-2" || plot.ModelName != "glyph-ae" {
		t.Errorf("unexpected plot header %+v", plot)
	}
	if len(plot.Series) != 2 {
		t.Fatalf("expected step and epoch series, got %d", len(plot.Series))
	}
	if got := plot.Series[0].Data[1]; got.X != 2 || got.Y != 0.5 {
		t.Errorf("unexpected second point %+v", got)
	}
	if plot.Metrics["steps"] != 2 {
		t.Errorf("expected 2 steps in metrics, got %v", plot.Metrics["steps"])
	}

	js, err := plot.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(js), &decoded); err != nil {
		t.Fatalf("plot JSON does not parse: %v", err)
	}
	if decoded["plot_type"] != "training_curves" {
		t.Errorf("unexpected plot_type %v", decoded["plot_type"])
	}
}

func TestLearningRatePlot(t *testing.T) {
	vc := NewVisualizationCollector("glyph-ae", "")
	vc.RecordTrainingStep(1, 1, 0.1)
	vc.RecordTrainingStep(2, 1, 0.01)

	plot := vc.GenerateLearningRateSchedulePlot()
	if plot.PlotType != LearningRateSchedule || len(plot.Series) != 1 {
		t.Fatalf("unexpected plot %+v", plot)
	}
	if got := plot.Series[0].Data[1].Y; got != 0.01 {
		t.Errorf("expected lr 0.01, got %v", got)
	}
}

func TestPlotWriteFile(t *testing.T) {
	vc := NewVisualizationCollector("glyph-ae", "run-3")
	vc.RecordTrainingStep(1, 0.3, 0.001)
	path := filepath.Join(t.TempDir(), "plots", "loss.json")

	if err := vc.GenerateTrainingCurvesPlot().WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var plot PlotData
	if err := json.Unmarshal(data, &plot); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if plot.RunID != "run-3" || len(plot.Series) != 1 {
		t.Errorf("unexpected plot read back: %+v", plot)
	}
}
