package tensor

import (
	"fmt"
	"math"
)

// BatchNormConfig holds the hyperparameters of a 2D batch normalization
type BatchNormConfig struct {
	Momentum float32
	Eps      float32
	Training bool
}

// DefaultBatchNormConfig matches the usual framework defaults
func DefaultBatchNormConfig() BatchNormConfig {
	return BatchNormConfig{Momentum: 0.1, Eps: 1e-5, Training: true}
}

// BatchNorm2D normalizes each channel of a (N, C, H, W) input.
// In training mode batch statistics are used and the running buffers are
// updated in place; otherwise the running buffers normalize the input.
func BatchNorm2D(input, gamma, beta, runningMean, runningVar *Tensor, cfg BatchNormConfig) (*Tensor, error) {
	if err := check4D("batch_norm", input); err != nil {
		return nil, err
	}
	if err := checkDevices(input, gamma, beta, runningMean, runningVar); err != nil {
		return nil, fmt.Errorf("batch_norm: %w", err)
	}
	n, c := input.Shape[0], input.Shape[1]
	spatial := input.Shape[2] * input.Shape[3]
	for _, p := range []*Tensor{gamma, beta, runningMean, runningVar} {
		if p == nil || len(p.Data) != c {
			return nil, fmt.Errorf("%w: batch_norm parameters must have %d channels", ErrShapeMismatch, c)
		}
	}

	m := n * spatial
	if cfg.Training && m < 2 {
		return nil, fmt.Errorf("batch_norm: expected more than 1 value per channel when training, got input shape %v", input.Shape)
	}

	out := newLike(input)
	xhat := make([]float32, len(input.Data))
	invStd := make([]float32, c)

	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if cfg.Training {
			var sum float64
			for i := 0; i < n; i++ {
				for _, v := range input.Data[(i*c+ch)*spatial:][:spatial] {
					sum += float64(v)
				}
			}
			mean = sum / float64(m)
			var sq float64
			for i := 0; i < n; i++ {
				for _, v := range input.Data[(i*c+ch)*spatial:][:spatial] {
					d := float64(v) - mean
					sq += d * d
				}
			}
			variance = sq / float64(m)

			unbiased := sq / float64(m-1)
			mom := float64(cfg.Momentum)
			runningMean.Data[ch] = float32((1-mom)*float64(runningMean.Data[ch]) + mom*mean)
			runningVar.Data[ch] = float32((1-mom)*float64(runningVar.Data[ch]) + mom*unbiased)
		} else {
			mean = float64(runningMean.Data[ch])
			variance = float64(runningVar.Data[ch])
		}

		is := 1 / math.Sqrt(variance+float64(cfg.Eps))
		invStd[ch] = float32(is)
		g, b := gamma.Data[ch], beta.Data[ch]
		for i := 0; i < n; i++ {
			off := (i*c + ch) * spatial
			for j := 0; j < spatial; j++ {
				xh := float32((float64(input.Data[off+j]) - mean) * is)
				xhat[off+j] = xh
				out.Data[off+j] = xh*g + b
			}
		}
	}

	return record(out, &batchNormOp{
		input:    input,
		gamma:    gamma,
		beta:     beta,
		xhat:     xhat,
		invStd:   invStd,
		training: cfg.Training,
	}), nil
}

type batchNormOp struct {
	input, gamma, beta *Tensor
	xhat               []float32
	invStd             []float32
	training           bool
}

func (op *batchNormOp) Inputs() []*Tensor { return []*Tensor{op.input, op.gamma, op.beta} }

func (op *batchNormOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	n, c := op.input.Shape[0], op.input.Shape[1]
	spatial := op.input.Shape[2] * op.input.Shape[3]
	m := float64(n * spatial)

	gradInput := newLike(op.input)
	gradGamma := newLike(op.gamma)
	gradBeta := newLike(op.beta)

	for ch := 0; ch < c; ch++ {
		var sumDy, sumDyXhat float64
		for i := 0; i < n; i++ {
			off := (i*c + ch) * spatial
			for j := 0; j < spatial; j++ {
				dy := float64(gradOut.Data[off+j])
				sumDy += dy
				sumDyXhat += dy * float64(op.xhat[off+j])
			}
		}
		gradGamma.Data[ch] = float32(sumDyXhat)
		gradBeta.Data[ch] = float32(sumDy)

		g := float64(op.gamma.Data[ch])
		is := float64(op.invStd[ch])
		for i := 0; i < n; i++ {
			off := (i*c + ch) * spatial
			for j := 0; j < spatial; j++ {
				dy := float64(gradOut.Data[off+j])
				if !op.training {
					// running statistics are constants
					gradInput.Data[off+j] = float32(dy * g * is)
					continue
				}
				// dxhat = dy * gamma; sums above are scaled by gamma accordingly
				xh := float64(op.xhat[off+j])
				gradInput.Data[off+j] = float32(g * is / m * (m*dy - sumDy - xh*sumDyXhat))
			}
		}
	}

	return []*Tensor{gradInput, gradGamma, gradBeta}, nil
}
