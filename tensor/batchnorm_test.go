package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func newBatchNormParams(t *testing.T, channels int) (gamma, beta, runMean, runVar *Tensor) {
	t.Helper()
	gamma, _ = Full([]int{channels}, 1, CPU)
	beta, _ = Zeros([]int{channels}, CPU)
	runMean, _ = Zeros([]int{channels}, CPU)
	runVar, _ = Full([]int{channels}, 1, CPU)
	gamma.SetRequiresGrad(true)
	beta.SetRequiresGrad(true)
	return
}

func TestBatchNorm2DTrainingNormalizes(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	x, _ := RandomNormal(rng, []int{4, 3, 5, 5}, 3, 2, CPU)
	gamma, beta, rm, rv := newBatchNormParams(t, 3)

	out, err := BatchNorm2D(x, gamma, beta, rm, rv, DefaultBatchNormConfig())
	if err != nil {
		t.Fatalf("BatchNorm2D failed: %v", err)
	}

	spatial := 25
	for ch := 0; ch < 3; ch++ {
		var sum, sq float64
		for i := 0; i < 4; i++ {
			for _, v := range out.Data[(i*3+ch)*spatial:][:spatial] {
				sum += float64(v)
				sq += float64(v) * float64(v)
			}
		}
		mean := sum / 100
		variance := sq/100 - mean*mean
		if math.Abs(mean) > 1e-4 {
			t.Errorf("channel %d: expected zero mean, got %f", ch, mean)
		}
		if math.Abs(variance-1) > 1e-2 {
			t.Errorf("channel %d: expected unit variance, got %f", ch, variance)
		}
		// running mean moves 10% toward the batch mean of roughly 3
		if rm.Data[ch] < 0.2 || rm.Data[ch] > 0.4 {
			t.Errorf("channel %d: unexpected running mean %f", ch, rm.Data[ch])
		}
	}
}

func TestBatchNorm2DEvalUsesRunningStats(t *testing.T) {
	x, _ := Full([]int{1, 2, 2, 2}, 5, CPU)
	gamma, beta, rm, rv := newBatchNormParams(t, 2)
	rm.Data[0], rm.Data[1] = 5, 4
	rv.Data[0], rv.Data[1] = 1, 4

	cfg := DefaultBatchNormConfig()
	cfg.Training = false
	out, err := BatchNorm2D(x, gamma, beta, rm, rv, cfg)
	if err != nil {
		t.Fatalf("BatchNorm2D failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		if math.Abs(float64(out.Data[i])) > 1e-5 {
			t.Errorf("channel 0 element %d: expected 0, got %f", i, out.Data[i])
		}
		if math.Abs(float64(out.Data[4+i])-0.5) > 1e-3 {
			t.Errorf("channel 1 element %d: expected 0.5, got %f", i, out.Data[4+i])
		}
	}
	if rm.Data[0] != 5 || rv.Data[1] != 4 {
		t.Error("eval mode must not update running statistics")
	}
}

func TestBatchNorm2DSingleValueRejectedInTraining(t *testing.T) {
	x, _ := Zeros([]int{1, 2, 1, 1}, CPU)
	gamma, beta, rm, rv := newBatchNormParams(t, 2)
	if _, err := BatchNorm2D(x, gamma, beta, rm, rv, DefaultBatchNormConfig()); err == nil {
		t.Error("expected an error for a single value per channel")
	}
}

func TestBatchNorm2DGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	x := randomTensor(t, rng, []int{3, 2, 3, 3}, true)
	gamma := randomTensor(t, rng, []int{2}, true)
	beta := randomTensor(t, rng, []int{2}, true)
	weights := randomTensor(t, rng, []int{3, 2, 3, 3}, false)

	f := func() *Tensor {
		rm, _ := Zeros([]int{2}, CPU)
		rv, _ := Full([]int{2}, 1, CPU)
		out, err := BatchNorm2D(x, gamma, beta, rm, rv, DefaultBatchNormConfig())
		if err != nil {
			t.Fatalf("BatchNorm2D failed: %v", err)
		}
		return weightedSum(t, out, weights)
	}
	checkGradient(t, "input", x, f)
	checkGradient(t, "gamma", gamma, f)
	checkGradient(t, "beta", beta, f)
}
