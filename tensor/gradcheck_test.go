package tensor

import (
	"math"
	"math/rand"
	"testing"
)

// weightedSum reduces out to a scalar with fixed random weights so every
// output element contributes a distinct gradient.
func weightedSum(t *testing.T, out *Tensor, weights *Tensor) *Tensor {
	t.Helper()
	prod, err := Mul(out, weights)
	if err != nil {
		t.Fatalf("Mul failed: %v", err)
	}
	return Mean(prod)
}

// checkGradient compares the analytic gradient of f with respect to param
// against central finite differences.
func checkGradient(t *testing.T, name string, param *Tensor, f func() *Tensor) {
	t.Helper()

	ZeroGrad([]*Tensor{param})
	loss := f()
	if err := loss.Backward(); err != nil {
		t.Fatalf("%s: backward failed: %v", name, err)
	}
	if param.Grad() == nil {
		t.Fatalf("%s: no gradient recorded", name)
	}
	analytic := append([]float32(nil), param.Grad().Data...)

	const eps = 1e-2
	rng := rand.New(rand.NewSource(7))
	checks := min(len(param.Data), 24)
	for c := 0; c < checks; c++ {
		i := rng.Intn(len(param.Data))
		orig := param.Data[i]

		param.Data[i] = orig + eps
		plus := float64(f().Data[0])
		param.Data[i] = orig - eps
		minus := float64(f().Data[0])
		param.Data[i] = orig

		numeric := (plus - minus) / (2 * eps)
		diff := math.Abs(numeric - float64(analytic[i]))
		scale := math.Max(1e-3, math.Max(math.Abs(numeric), math.Abs(float64(analytic[i]))))
		if diff/scale > 5e-2 && diff > 1e-4 {
			t.Errorf("%s: gradient mismatch at %d: analytic %g, numeric %g", name, i, analytic[i], numeric)
		}
	}
}

func randomTensor(t *testing.T, rng *rand.Rand, shape []int, requiresGrad bool) *Tensor {
	t.Helper()
	x, err := RandomNormal(rng, shape, 0, 1, CPU)
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}
	x.SetRequiresGrad(requiresGrad)
	return x
}
