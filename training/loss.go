package training

import (
	"fmt"

	"github.com/tsawler/glyph-ae/tensor"
)

// Loss interface defines methods that all loss functions must implement.
// Forward returns a scalar that can be differentiated with Backward().
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.Sub(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("mse: %w", err)
	}

	squared, err := tensor.Mul(diff, diff)
	if err != nil {
		return nil, fmt.Errorf("mse: %w", err)
	}

	loss := tensor.Mean(squared)
	if mse.reduction == "sum" {
		loss = tensor.Scale(loss, float32(squared.Numel()))
	}
	return loss, nil
}
