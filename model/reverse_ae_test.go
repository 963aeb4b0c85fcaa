package model

import (
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/tsawler/glyph-ae/checkpoints"
	"github.com/tsawler/glyph-ae/layers"
	"github.com/tsawler/glyph-ae/tensor"
)

func newModel(t *testing.T, msgSize, channels int, seed int64) *ReverseAE {
	t.Helper()
	m, err := NewReverseAE(msgSize, channels, tensor.CPU, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("NewReverseAE failed: %v", err)
	}
	return m
}

func TestNetworkGeometry(t *testing.T) {
	enc, err := EncoderSpec(512, 3)
	if err != nil {
		t.Fatalf("EncoderSpec failed: %v", err)
	}
	if diff := cmp.Diff([]int{1, 3, 52, 52}, enc.OutputShape); diff != "" {
		t.Errorf("encoder output mismatch (-want +got):\n%s", diff)
	}

	var sizes []int
	for _, l := range enc.Layers {
		if l.Type == layers.ConvTranspose2D {
			sizes = append(sizes, l.OutputShape[2])
		}
	}
	if diff := cmp.Diff([]int{3, 3, 3, 7, 7, 13, 25, 52}, sizes); diff != "" {
		t.Errorf("encoder spatial chain mismatch (-want +got):\n%s", diff)
	}

	dec, err := DecoderSpec([]int{3, 52, 52}, 512)
	if err != nil {
		t.Fatalf("DecoderSpec failed: %v", err)
	}
	sizes = sizes[:0]
	flat := 0
	for _, l := range dec.Layers {
		if l.Type == layers.Conv2D {
			sizes = append(sizes, l.OutputShape[2])
		}
		if l.Name == "flatten" {
			flat = l.OutputShape[1]
		}
	}
	if diff := cmp.Diff([]int{26, 13, 7, 4, 2}, sizes); diff != "" {
		t.Errorf("decoder spatial chain mismatch (-want +got):\n%s", diff)
	}
	if flat != 128 {
		t.Errorf("expected flatten width 128, got %d", flat)
	}
	if diff := cmp.Diff([]int{1, 512}, dec.OutputShape); diff != "" {
		t.Errorf("decoder output mismatch (-want +got):\n%s", diff)
	}
}

func TestNewReverseAEErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if _, err := NewReverseAE(0, 3, tensor.CPU, rng); err == nil {
		t.Error("expected error for zero message size")
	}
	if _, err := NewReverseAE(8, 0, tensor.CPU, rng); err == nil {
		t.Error("expected error for zero channels")
	}
	if _, err := NewReverseAE(8, 3, tensor.CPU, nil); err == nil {
		t.Error("expected error for nil random source")
	}
	if _, err := DecoderSpec([]int{52, 52}, 8); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for 2D decoder input, got %v", err)
	}
}

func TestConstructionLeavesBatchNormStatsUntouched(t *testing.T) {
	m := newModel(t, 8, 1, 2)
	for pair := m.StateDict().Oldest(); pair != nil; pair = pair.Next() {
		switch filepath.Ext(pair.Key) {
		case ".running_mean":
			for _, v := range pair.Value.Data {
				if v != 0 {
					t.Fatalf("%s changed by the dry run: %v", pair.Key, pair.Value.Data)
				}
			}
		case ".running_var":
			for _, v := range pair.Value.Data {
				if v != 1 {
					t.Fatalf("%s changed by the dry run: %v", pair.Key, pair.Value.Data)
				}
			}
		}
	}
}

func TestGenerateRange(t *testing.T) {
	m := newModel(t, 16, 3, 3)
	img, err := m.Generate(2)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if diff := cmp.Diff([]int{2, 3, 52, 52}, img.Shape); diff != "" {
		t.Errorf("image shape mismatch (-want +got):\n%s", diff)
	}
	for i, v := range img.Data {
		if v < 0 || v > 1 {
			t.Fatalf("pixel %d out of [0, 1]: %f", i, v)
		}
	}
	if img.RequiresGrad() {
		t.Error("encoded images should be detached")
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	m := newModel(t, 16, 1, 4)
	z, err := m.Sample(3)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	a, err := m.Encode(z)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b, err := m.Encode(z)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !a.Equal(b) {
		t.Error("eval-mode encoding should not depend on call order")
	}
	if !m.encoder.IsTraining() {
		t.Error("Encode should restore training mode")
	}
}

func TestDecode(t *testing.T) {
	m := newModel(t, 16, 1, 14)
	img, err := m.Generate(3)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	msg, err := m.Decode(img)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff([]int{3, 16}, msg.Shape); diff != "" {
		t.Errorf("message shape mismatch (-want +got):\n%s", diff)
	}
	if !m.decoder.IsTraining() {
		t.Error("Decode should restore training mode")
	}

	small, _ := tensor.Zeros([]int{1, 1, 26, 26}, tensor.CPU)
	if _, err := m.Decode(small); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for wrong image size, got %v", err)
	}
}

func TestBatchSourceYieldsIdenticalPairs(t *testing.T) {
	m := newModel(t, 8, 1, 5)
	src := m.BatchSource(4)
	x1, y1, err := src.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if x1 != y1 {
		t.Error("input and target should be the same batch")
	}
	if diff := cmp.Diff([]int{4, 8}, x1.Shape); diff != "" {
		t.Errorf("batch shape mismatch (-want +got):\n%s", diff)
	}
	x2, _, err := src.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if x1.Equal(x2) {
		t.Error("consecutive batches should differ")
	}
}

func TestTrainStepRequiresOptimizer(t *testing.T) {
	m := newModel(t, 8, 1, 6)
	x, _ := m.Sample(2)
	if _, err := m.TrainStep(x, x); !errors.Is(err, ErrOptimizerNotConfigured) {
		t.Errorf("expected ErrOptimizerNotConfigured, got %v", err)
	}
	if _, err := m.OptimForward(x); !errors.Is(err, ErrOptimizerNotConfigured) {
		t.Errorf("expected ErrOptimizerNotConfigured, got %v", err)
	}
}

func TestConfigureOptimErrors(t *testing.T) {
	m := newModel(t, 8, 1, 7)
	if err := m.ConfigureOptim(0, 1); err == nil {
		t.Error("expected error for zero learning rate")
	}
	if err := m.ConfigureOptim(0.001, -1); err == nil {
		t.Error("expected error for negative noise")
	}
}

func TestOptimForwardDeviceMismatch(t *testing.T) {
	m := newModel(t, 8, 1, 8)
	if err := m.ConfigureOptim(0.001, 1); err != nil {
		t.Fatalf("ConfigureOptim failed: %v", err)
	}
	x, _ := tensor.Zeros([]int{2, 8}, tensor.GPU)
	if _, err := m.OptimForward(x); !errors.Is(err, tensor.ErrDeviceMismatch) {
		t.Errorf("expected ErrDeviceMismatch, got %v", err)
	}
}

func TestTrainStepEndToEnd(t *testing.T) {
	m := newModel(t, 512, 3, 9)
	if err := m.ConfigureOptim(0.001, 1); err != nil {
		t.Fatalf("ConfigureOptim failed: %v", err)
	}

	pred, err := m.OptimForward(mustSample(t, m, 4))
	if err != nil {
		t.Fatalf("OptimForward failed: %v", err)
	}
	if diff := cmp.Diff([]int{4, 512}, pred.Shape); diff != "" {
		t.Errorf("prediction shape mismatch (-want +got):\n%s", diff)
	}
	tensor.ZeroGrad(m.Parameters())

	params := m.Parameters()
	before := make([][]float32, len(params))
	for i, p := range params {
		before[i] = append([]float32(nil), p.Data...)
	}

	x := mustSample(t, m, 4)
	loss, err := m.TrainStep(x, x)
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) || loss < 0 {
		t.Fatalf("expected finite non-negative loss, got %f", loss)
	}

	changed := 0
	for i, p := range params {
		if !cmp.Equal(before[i], p.Data) {
			changed++
		}
	}
	if changed == 0 {
		t.Error("no parameter changed after a training step")
	}
	if got := m.Optimizer().GetStepCount(); got != 1 {
		t.Errorf("expected step count 1, got %d", got)
	}
	for i, p := range params {
		if g := p.Grad(); g != nil {
			for _, v := range g.Data {
				if v != 0 {
					t.Fatalf("gradient of parameter %d not cleared after the step", i)
				}
			}
		}
	}
}

func TestTrainStepReducesLossOnFixedBatch(t *testing.T) {
	m := newModel(t, 8, 1, 10)
	if err := m.ConfigureOptim(0.005, 0); err != nil {
		t.Fatalf("ConfigureOptim failed: %v", err)
	}
	m.augment.Stages = nil
	x := mustSample(t, m, 8)

	first, err := m.TrainStep(x, x)
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	last := first
	for i := 0; i < 30; i++ {
		if last, err = m.TrainStep(x, x); err != nil {
			t.Fatalf("TrainStep %d failed: %v", i, err)
		}
	}
	if last >= first {
		t.Errorf("loss did not decrease: first %f, last %f", first, last)
	}
}

func TestStateDictNames(t *testing.T) {
	m := newModel(t, 8, 1, 11)
	sd := m.StateDict()

	first := sd.Oldest()
	if first.Key != "encoder.up1.deconv.weight" {
		t.Errorf("expected first entry encoder.up1.deconv.weight, got %s", first.Key)
	}
	last := sd.Newest()
	if last.Key != "decoder.head.bias" {
		t.Errorf("expected last entry decoder.head.bias, got %s", last.Key)
	}
	for _, key := range []string{"encoder.up8.bn.running_var", "decoder.down1.conv.bias", "decoder.head.weight"} {
		if _, ok := sd.Get(key); !ok {
			t.Errorf("missing state entry %s", key)
		}
	}
	if w, _ := sd.Get("decoder.head.weight"); !cmp.Equal(w.Shape, []int{128, 8}) {
		t.Errorf("unexpected head weight shape %v", w.Shape)
	}
}

func TestLoadStateDictErrors(t *testing.T) {
	m := newModel(t, 8, 1, 12)

	missing := m.StateDict()
	missing.Delete("decoder.head.bias")
	if err := m.LoadStateDict(missing); err == nil {
		t.Error("expected error for missing entry")
	}

	extra := m.StateDict()
	bogus, _ := tensor.Zeros([]int{1}, tensor.CPU)
	extra.Set("decoder.bogus", bogus)
	if err := m.LoadStateDict(extra); err == nil {
		t.Error("expected error for unexpected entry")
	}

	wrong := orderedmap.New[string, *tensor.Tensor]()
	for pair := m.StateDict().Oldest(); pair != nil; pair = pair.Next() {
		wrong.Set(pair.Key, pair.Value)
	}
	bad, _ := tensor.Zeros([]int{8, 128}, tensor.CPU)
	wrong.Set("decoder.head.weight", bad)
	if err := m.LoadStateDict(wrong); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	src := newModel(t, 16, 1, 13)
	if err := src.ConfigureOptim(0.001, 1); err != nil {
		t.Fatalf("ConfigureOptim failed: %v", err)
	}
	x := mustSample(t, src, 4)
	if _, err := src.TrainStep(x, x); err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}

	cp, err := src.Checkpoint(checkpoints.TrainingState{Step: 1, TotalSteps: 10})
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if cp.OptimizerState == nil || cp.TrainingState.LearningRate != 0.001 {
		t.Errorf("expected optimizer state and learning rate in checkpoint, got %+v", cp.TrainingState)
	}
	if w, ok := cp.Weight("encoder.up1.bn.running_mean"); !ok || w.Type != "buffer" || w.Layer != "up1.bn" {
		t.Errorf("unexpected running mean entry %+v", w)
	}

	path := filepath.Join(t.TempDir(), "ae.json")
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	if err := saver.SaveCheckpoint(cp, path); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}

	dst, err := FromCheckpoint(loaded, tensor.CPU, rand.New(rand.NewSource(99)))
	if err != nil {
		t.Fatalf("FromCheckpoint failed: %v", err)
	}
	if err := dst.ConfigureOptim(0.01, 1); err != nil {
		t.Fatalf("ConfigureOptim failed: %v", err)
	}
	if err := dst.Restore(loaded); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if dst.Optimizer().GetStepCount() != 1 || dst.Optimizer().LearningRate != 0.001 {
		t.Errorf("optimizer state not restored: step %d lr %g", dst.Optimizer().GetStepCount(), dst.Optimizer().LearningRate)
	}

	z := mustSample(t, src, 2)
	want, err := src.Encode(z)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := dst.Encode(z)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !got.Equal(want) {
		t.Error("restored model encodes differently")
	}
}

func TestFromCheckpointNeedsSizes(t *testing.T) {
	if _, err := FromCheckpoint(&checkpoints.Checkpoint{}, tensor.CPU, rand.New(rand.NewSource(1))); err == nil {
		t.Error("expected error for checkpoint without sizes")
	}
	if _, err := FromCheckpoint(nil, tensor.CPU, rand.New(rand.NewSource(1))); err == nil {
		t.Error("expected error for nil checkpoint")
	}
}

func TestLayerOf(t *testing.T) {
	for name, want := range map[string]string{
		"encoder.up1.deconv.weight": "up1.deconv",
		"decoder.head.bias":         "head",
		"weight":                    "weight",
	} {
		if got := layerOf(name); got != want {
			t.Errorf("layerOf(%q) = %q, want %q", name, got, want)
		}
	}
}

func mustSample(t *testing.T, m *ReverseAE, bs int) *tensor.Tensor {
	t.Helper()
	x, err := m.Sample(bs)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	return x
}
