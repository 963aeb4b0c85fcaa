package optimizer

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/glyph-ae/checkpoints"
	"github.com/tsawler/glyph-ae/tensor"
)

var _ Optimizer = (*AdamOptimizerState)(nil)

// AdamOptimizerState holds Adam hyperparameters and per-parameter moments
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient
	Decoupled    bool    // apply weight decay to the weights directly (AdamW)

	MomentumBuffers [][]float32 // First moment (momentum) for each parameter
	VarianceBuffers [][]float32 // Second moment (variance) for each parameter
	params          []*tensor.Tensor

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
	Decoupled    bool
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer over params. Moments start at zero.
func NewAdamOptimizer(config AdamConfig, params []*tensor.Tensor) (*AdamOptimizerState, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}

	adam := &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		Decoupled:       config.Decoupled,
		MomentumBuffers: make([][]float32, len(params)),
		VarianceBuffers: make([][]float32, len(params)),
		params:          params,
	}
	for i, p := range params {
		if p == nil {
			return nil, fmt.Errorf("parameter %d is nil", i)
		}
		if !p.RequiresGrad() {
			return nil, fmt.Errorf("parameter %d %v does not require gradients", i, p.Shape)
		}
		adam.MomentumBuffers[i] = make([]float32, p.Numel())
		adam.VarianceBuffers[i] = make([]float32, p.Numel())
	}
	return adam, nil
}

// Step performs a single Adam optimization step. Parameters are updated
// concurrently; each goroutine owns whole tensors.
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++

	t := float64(adam.StepCount)
	bc1 := float32(1 - math.Pow(float64(adam.Beta1), t))
	bc2 := float32(1 - math.Pow(float64(adam.Beta2), t))
	stepSize := adam.LearningRate / bc1
	bc2Sqrt := float32(math.Sqrt(float64(bc2)))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, p := range adam.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if len(grad.Data) != len(p.Data) {
			return fmt.Errorf("gradient of parameter %d has %d elements, want %d", i, len(grad.Data), len(p.Data))
		}
		m, v := adam.MomentumBuffers[i], adam.VarianceBuffers[i]
		g.Go(func() error {
			adam.update(p.Data, grad.Data, m, v, stepSize, bc2Sqrt)
			return nil
		})
	}
	return g.Wait()
}

// update applies the bias-corrected Adam rule
//
//	m = b1*m + (1-b1)*g
//	v = b2*v + (1-b2)*g*g
//	w -= lr/bc1 * m / (sqrt(v)/sqrt(bc2) + eps)
func (adam *AdamOptimizerState) update(w, grad, m, v []float32, stepSize, bc2Sqrt float32) {
	b1, b2 := adam.Beta1, adam.Beta2
	wd := adam.WeightDecay
	for j := range w {
		gj := grad[j]
		if wd != 0 {
			if adam.Decoupled {
				w[j] -= adam.LearningRate * wd * w[j]
			} else {
				gj += wd * w[j]
			}
		}
		m[j] = b1*m[j] + (1-b1)*gj
		v[j] = b2*v[j] + (1-b2)*gj*gj
		denom := float32(math.Sqrt(float64(v[j])))/bc2Sqrt + adam.Epsilon
		w[j] -= stepSize * m[j] / denom
	}
}

// ZeroGrad clears the gradients of every managed parameter
func (adam *AdamOptimizerState) ZeroGrad() {
	tensor.ZeroGrad(adam.params)
}

// Parameters returns the managed parameters
func (adam *AdamOptimizerState) Parameters() []*tensor.Tensor {
	return adam.params
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params))
	for i, p := range adam.params {
		if t := extractBufferState(adam.MomentumBuffers[i], p.Shape, fmt.Sprintf("momentum_%d", i), "momentum"); t != nil {
			stateData = append(stateData, *t)
		}
		if t := extractBufferState(adam.VarianceBuffers[i], p.Shape, fmt.Sprintf("variance_%d", i), "variance"); t != nil {
			stateData = append(stateData, *t)
		}
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"decoupled":     adam.Decoupled,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint. The state must have
// been taken from an optimizer over parameters of the same shapes.
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.Decoupled = extractBoolParam(state.Parameters, "decoupled", adam.Decoupled)
	stepCount := extractUint64Param(state.Parameters, "step_count", 0)

	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(adam.params) {
			return fmt.Errorf("invalid state buffer %q for %d parameters", st.Name, len(adam.params))
		}
		var err error
		switch st.StateType {
		case "momentum":
			err = restoreBufferState(adam.MomentumBuffers[idx], st.Data, st.Name)
		case "variance":
			err = restoreBufferState(adam.VarianceBuffers[idx], st.Data, st.Name)
		default:
			err = fmt.Errorf("unknown state type %q for %s", st.StateType, st.Name)
		}
		if err != nil {
			return err
		}
	}

	adam.StepCount = stepCount
	return nil
}

// GetStats returns optimizer statistics
func (adam *AdamOptimizerState) GetStats() AdamStats {
	return AdamStats{
		StepCount:       adam.StepCount,
		LearningRate:    adam.LearningRate,
		Beta1:           adam.Beta1,
		Beta2:           adam.Beta2,
		Epsilon:         adam.Epsilon,
		WeightDecay:     adam.WeightDecay,
		NumParameters:   len(adam.params),
		TotalBufferSize: adam.getTotalBufferSize(),
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount       uint64
	LearningRate    float32
	Beta1           float32
	Beta2           float32
	Epsilon         float32
	WeightDecay     float32
	NumParameters   int
	TotalBufferSize int // bytes held by momentum and variance
}

func (adam *AdamOptimizerState) getTotalBufferSize() int {
	total := 0
	for i := range adam.MomentumBuffers {
		total += 4 * (len(adam.MomentumBuffers[i]) + len(adam.VarianceBuffers[i]))
	}
	return total
}
