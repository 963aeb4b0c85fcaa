package augment

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/tsawler/glyph-ae/tensor"
)

func batch(t *testing.T, rng *rand.Rand, shape []int, grad bool) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomNormal(rng, shape, 0, 1, tensor.CPU)
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}
	x.SetRequiresGrad(grad)
	return x
}

func identityParams(t *testing.T, n int, shape []int) *Params {
	t.Helper()
	noise, err := tensor.Zeros(shape, tensor.CPU)
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}
	p := &Params{
		Angles:  make([]float32, n),
		Scales:  make([]float32, n),
		Offsets: make([][2]float32, n),
		Noise:   noise,
	}
	for i := range p.Scales {
		p.Scales[i] = 1
	}
	return p
}

func TestDefaultPipeline(t *testing.T) {
	p := DefaultPipeline(0.5)
	want := []Stage{Rotate, Scale, Translate, GaussianNoise}
	if diff := cmp.Diff(want, p.Stages); diff != "" {
		t.Errorf("stage order mismatch (-want +got):\n%s", diff)
	}
	if p.AngleStd != 30 || p.ScaleStd != 0.2 || p.OffsetFrac != 0.1 || p.NoiseStd != 0.5 {
		t.Errorf("unexpected defaults: %+v", p)
	}
	if p.Fused {
		t.Error("default pipeline should resample each stage separately")
	}
}

func TestStageString(t *testing.T) {
	for stage, want := range map[Stage]string{
		Rotate: "rotate", Scale: "scale", Translate: "translate", GaussianNoise: "noise", Stage(9): "unknown",
	} {
		if got := stage.String(); got != want {
			t.Errorf("Stage(%d).String() = %q, want %q", stage, got, want)
		}
	}
}

func TestForwardPreservesShape(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, shape := range [][]int{{4, 3, 52, 52}, {1, 3, 52, 52}, {2, 1, 7, 5}} {
		x := batch(t, rng, shape, false)
		out, err := DefaultPipeline(1).Forward(x, rng)
		if err != nil {
			t.Fatalf("Forward %v failed: %v", shape, err)
		}
		if diff := cmp.Diff(shape, out.Shape); diff != "" {
			t.Errorf("shape mismatch (-want +got):\n%s", diff)
		}
		if !out.AllFinite() {
			t.Errorf("output for %v contains non-finite values", shape)
		}
	}
}

func TestForwardIsStochastic(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x := batch(t, rng, []int{2, 3, 8, 8}, false)
	p := DefaultPipeline(1)

	a, err := p.Forward(x, rng)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	b, err := p.Forward(x, rng)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if a.Equal(b) {
		t.Error("two draws on the same input should differ")
	}
}

func TestForwardSeededIsReproducible(t *testing.T) {
	x := batch(t, rand.New(rand.NewSource(3)), []int{3, 3, 10, 10}, false)
	p := DefaultPipeline(0.3)

	a, err := p.Forward(x, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	b, err := p.Forward(x, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !a.Equal(b) {
		t.Error("same seed should give the same corruption")
	}
}

func TestSampleDrawOrder(t *testing.T) {
	shape := []int{2, 1, 4, 4}
	params, err := DefaultPipeline(2).Sample(rand.New(rand.NewSource(7)), shape)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}

	ref := rand.New(rand.NewSource(7))
	for i := 0; i < 2*16; i++ {
		want := float32(ref.NormFloat64()) * 2
		if math.Abs(float64(params.Noise.Data[i]-want)) > 1e-6 {
			t.Fatalf("noise %d: expected %f, got %f", i, want, params.Noise.Data[i])
		}
	}
	for i := 0; i < 2; i++ {
		ox := float32(ref.NormFloat64()) * 0.4
		oy := float32(ref.NormFloat64()) * 0.4
		if params.Offsets[i] != [2]float32{ox, oy} {
			t.Errorf("offset %d: expected (%f, %f), got %v", i, ox, oy, params.Offsets[i])
		}
	}
	for i := 0; i < 2; i++ {
		if want := float32(ref.NormFloat64()) * 30; params.Angles[i] != want {
			t.Errorf("angle %d: expected %f, got %f", i, want, params.Angles[i])
		}
	}
	for i := 0; i < 2; i++ {
		if want := float32(ref.NormFloat64())*0.2 + 1; params.Scales[i] != want {
			t.Errorf("scale %d: expected %f, got %f", i, want, params.Scales[i])
		}
	}
}

func TestApplyIdentityParams(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	shape := []int{2, 3, 6, 6}
	x := batch(t, rng, shape, false)

	out, err := DefaultPipeline(1).Apply(x, identityParams(t, 2, shape))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if diff := cmp.Diff(x.Data, out.Data, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("zero corruption should leave the batch unchanged (-want +got):\n%s", diff)
	}
}

func TestApplyRotatesCounterClockwise(t *testing.T) {
	// 3x3 image with a single lit pixel right of centre
	x, _ := tensor.NewTensor([]int{1, 1, 3, 3}, tensor.CPU, []float32{
		0, 0, 0,
		0, 0, 1,
		0, 0, 0,
	})
	p := &Pipeline{Stages: []Stage{Rotate}}

	out, err := p.Apply(x, &Params{Angles: []float32{90}})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want := []float32{
		0, 1, 0,
		0, 0, 0,
		0, 0, 0,
	}
	if diff := cmp.Diff(want, out.Data, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("rotation mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyScaleAboutCentre(t *testing.T) {
	x, _ := tensor.NewTensor([]int{1, 1, 1, 5}, tensor.CPU, []float32{0, 0, 1, 2, 0})
	p := &Pipeline{Stages: []Stage{Scale}}

	out, err := p.Apply(x, &Params{Scales: []float32{2}})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	// centre pixel stays put, its neighbour at distance 1 moves to distance 2
	if math.Abs(float64(out.Data[2]-1)) > 1e-6 || math.Abs(float64(out.Data[4]-2)) > 1e-6 {
		t.Errorf("unexpected scaled row %v", out.Data)
	}
}

func TestApplyScaleClampsNearZero(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	x := batch(t, rng, []int{2, 1, 4, 4}, false)
	p := &Pipeline{Stages: []Stage{Scale}}

	out, err := p.Apply(x, &Params{Scales: []float32{0, -1e-9}})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !out.AllFinite() {
		t.Error("degenerate scales should still give finite output")
	}
}

func TestFusedMatchesSeparateForIntegerShifts(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	shape := []int{2, 2, 6, 6}
	x := batch(t, rng, shape, false)
	params := identityParams(t, 2, shape)
	params.Offsets = [][2]float32{{1, -2}, {-1, 0}}

	separate := DefaultPipeline(0)
	fused := DefaultPipeline(0)
	fused.Fused = true

	a, err := separate.Apply(x, params)
	if err != nil {
		t.Fatalf("separate Apply failed: %v", err)
	}
	b, err := fused.Apply(x, params)
	if err != nil {
		t.Fatalf("fused Apply failed: %v", err)
	}
	if diff := cmp.Diff(a.Data, b.Data, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("fused and separate warps disagree (-separate +fused):\n%s", diff)
	}
}

func TestForwardPropagatesGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	x := batch(t, rng, []int{2, 3, 8, 8}, true)

	out, err := DefaultPipeline(1).Forward(x, rng)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	sq, err := tensor.Mul(out, out)
	if err != nil {
		t.Fatalf("Mul failed: %v", err)
	}
	if err := tensor.Mean(sq).Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	grad := x.Grad()
	if grad == nil {
		t.Fatal("input should receive a gradient through the augmentation")
	}
	nonZero := false
	for _, g := range grad.Data {
		if g != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Error("input gradient is all zero")
	}
}

func TestAugmentErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	p := DefaultPipeline(1)

	if _, err := p.Sample(nil, []int{1, 1, 2, 2}); err == nil {
		t.Error("expected error for nil random source")
	}
	if _, err := p.Sample(rng, []int{0, 1, 2, 2}); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for empty batch, got %v", err)
	}

	flat := batch(t, rng, []int{4, 4}, false)
	if _, err := p.Forward(flat, rng); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for 2D input, got %v", err)
	}

	x := batch(t, rng, []int{2, 1, 3, 3}, false)
	short := identityParams(t, 2, x.Shape)
	short.Angles = short.Angles[:1]
	if _, err := p.Apply(x, short); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for short angle slice, got %v", err)
	}

	noNoise := identityParams(t, 2, x.Shape)
	noNoise.Noise = nil
	if _, err := p.Apply(x, noNoise); err == nil {
		t.Error("expected error for missing noise tensor")
	}
}
