package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tsawler/glyph-ae/checkpoints"
)

// Optimizer defines the common interface for all optimizers.
// State save/restore goes through checkpoints.OptimizerState.
type Optimizer interface {
	// Step applies one update using the gradients accumulated on the
	// parameters. Parameters without a gradient are left untouched.
	Step() error

	// ZeroGrad clears the gradients of every managed parameter
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)
}

// OptimizerState is the serialized form of an optimizer
type OptimizerState = checkpoints.OptimizerState

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil || idx < 0 {
		return -1
	}
	return idx
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
