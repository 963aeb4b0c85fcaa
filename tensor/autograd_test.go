package tensor

import (
	"math/rand"
	"testing"
)

func TestAutogradBackward(t *testing.T) {
	t.Run("Simple addition backward", func(t *testing.T) {
		x1, _ := NewTensor([]int{1}, CPU, []float32{3.0})
		x2, _ := NewTensor([]int{1}, CPU, []float32{4.0})
		x1.SetRequiresGrad(true)
		x2.SetRequiresGrad(true)

		y, err := Add(x1, x2)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if err := y.Backward(); err != nil {
			t.Fatalf("Backward pass failed: %v", err)
		}

		if x1.Grad() == nil || x1.Grad().Data[0] != 1 {
			t.Errorf("Expected x1 gradient 1.0, got %v", x1.Grad())
		}
		if x2.Grad() == nil || x2.Grad().Data[0] != 1 {
			t.Errorf("Expected x2 gradient 1.0, got %v", x2.Grad())
		}
	})

	t.Run("Product rule", func(t *testing.T) {
		// y = mean(a * b)
		a, _ := NewTensor([]int{2}, CPU, []float32{2, 3})
		b, _ := NewTensor([]int{2}, CPU, []float32{5, 7})
		a.SetRequiresGrad(true)
		b.SetRequiresGrad(true)

		prod, _ := Mul(a, b)
		y := Mean(prod)
		if err := y.Backward(); err != nil {
			t.Fatalf("Backward pass failed: %v", err)
		}

		wantA := []float32{2.5, 3.5}
		wantB := []float32{1, 1.5}
		for i := range wantA {
			if a.Grad().Data[i] != wantA[i] {
				t.Errorf("a grad[%d]: expected %f, got %f", i, wantA[i], a.Grad().Data[i])
			}
			if b.Grad().Data[i] != wantB[i] {
				t.Errorf("b grad[%d]: expected %f, got %f", i, wantB[i], b.Grad().Data[i])
			}
		}
	})

	t.Run("Shared input sums both paths", func(t *testing.T) {
		// y = mean(x*x + x) => dy/dx = (2x + 1) / n
		x, _ := NewTensor([]int{2}, CPU, []float32{1, -2})
		x.SetRequiresGrad(true)

		sq, _ := Mul(x, x)
		sum, _ := Add(sq, x)
		y := Mean(sum)
		if err := y.Backward(); err != nil {
			t.Fatalf("Backward pass failed: %v", err)
		}

		want := []float32{1.5, -1.5}
		for i := range want {
			if x.Grad().Data[i] != want[i] {
				t.Errorf("grad[%d]: expected %f, got %f", i, want[i], x.Grad().Data[i])
			}
		}
	})

	t.Run("Gradients accumulate until cleared", func(t *testing.T) {
		x, _ := NewTensor([]int{1}, CPU, []float32{2})
		x.SetRequiresGrad(true)

		for i := 0; i < 2; i++ {
			y := Scale(x, 3)
			if err := y.Backward(); err != nil {
				t.Fatalf("Backward pass failed: %v", err)
			}
		}
		if x.Grad().Data[0] != 6 {
			t.Errorf("Expected accumulated gradient 6, got %f", x.Grad().Data[0])
		}

		ZeroGrad([]*Tensor{x})
		if x.Grad().Data[0] != 0 {
			t.Errorf("Expected cleared gradient, got %f", x.Grad().Data[0])
		}
	})

	t.Run("Constants get no gradient", func(t *testing.T) {
		x, _ := NewTensor([]int{2}, CPU, []float32{1, 2})
		c, _ := NewTensor([]int{2}, CPU, []float32{3, 4})
		x.SetRequiresGrad(true)

		prod, _ := Mul(x, c)
		if err := Mean(prod).Backward(); err != nil {
			t.Fatalf("Backward pass failed: %v", err)
		}
		if c.Grad() != nil {
			t.Error("Constant should not receive a gradient")
		}
	})
}

func TestAutogradErrors(t *testing.T) {
	t.Run("Non-scalar output", func(t *testing.T) {
		x, _ := NewTensor([]int{2}, CPU, []float32{1, 2})
		x.SetRequiresGrad(true)
		y := Scale(x, 2)
		if err := y.Backward(); err == nil {
			t.Error("Expected error for non-scalar backward")
		}
	})

	t.Run("No gradient tracking", func(t *testing.T) {
		x := FromScalar(1, CPU)
		if err := x.Backward(); err == nil {
			t.Error("Expected error when tensor does not require gradients")
		}
	})
}

func TestActivationGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(30))
	weights := randomTensor(t, rng, []int{3, 4}, false)

	t.Run("Sigmoid", func(t *testing.T) {
		x := randomTensor(t, rng, []int{3, 4}, true)
		checkGradient(t, "sigmoid", x, func() *Tensor {
			return weightedSum(t, Sigmoid(x), weights)
		})
	})

	t.Run("LeakyReLU", func(t *testing.T) {
		x := randomTensor(t, rng, []int{3, 4}, true)
		// keep values away from the kink so finite differences stay on one side
		for i, v := range x.Data {
			if v > -0.05 && v < 0.05 {
				x.Data[i] = 0.5
			}
		}
		checkGradient(t, "leaky_relu", x, func() *Tensor {
			return weightedSum(t, LeakyReLU(x, 0.2), weights)
		})
	})

	t.Run("Linear", func(t *testing.T) {
		x := randomTensor(t, rng, []int{3, 5}, true)
		w := randomTensor(t, rng, []int{5, 4}, true)
		b := randomTensor(t, rng, []int{4}, true)
		f := func() *Tensor {
			out, err := Linear(x, w, b)
			if err != nil {
				t.Fatalf("Linear failed: %v", err)
			}
			return weightedSum(t, out, weights)
		}
		checkGradient(t, "input", x, f)
		checkGradient(t, "weight", w, f)
		checkGradient(t, "bias", b, f)
	})
}
