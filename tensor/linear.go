package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMul multiplies two 2D tensors
func MatMul(a, b *Tensor) (*Tensor, error) {
	return Linear(a, b, nil)
}

// Linear computes input · weight + bias.
// input: (N, in); weight: (in, out); bias: (out) or nil.
func Linear(input, weight, bias *Tensor) (*Tensor, error) {
	if err := checkDevices(input, weight, bias); err != nil {
		return nil, fmt.Errorf("linear: %w", err)
	}
	if len(input.Shape) != 2 || len(weight.Shape) != 2 {
		return nil, fmt.Errorf("%w: linear requires 2D operands, got %v and %v", ErrShapeMismatch, input.Shape, weight.Shape)
	}
	n, in := input.Shape[0], input.Shape[1]
	if weight.Shape[0] != in {
		return nil, fmt.Errorf("%w: linear inner dimensions %d and %d differ", ErrShapeMismatch, in, weight.Shape[0])
	}
	out := weight.Shape[1]
	if bias != nil && len(bias.Data) != out {
		return nil, fmt.Errorf("%w: linear bias must have %d elements, got %d", ErrShapeMismatch, out, len(bias.Data))
	}

	result, err := NewTensor([]int{n, out}, input.Device, nil)
	if err != nil {
		return nil, err
	}
	if bias != nil {
		for i := 0; i < n; i++ {
			copy(result.Data[i*out:(i+1)*out], bias.Data)
		}
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(n, in, input.Data), general(in, out, weight.Data), 1, general(n, out, result.Data))

	return record(result, &linearOp{input: input, weight: weight, bias: bias}), nil
}

type linearOp struct {
	input, weight, bias *Tensor
}

func (op *linearOp) Inputs() []*Tensor { return []*Tensor{op.input, op.weight, op.bias} }

func (op *linearOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	n, in := op.input.Shape[0], op.input.Shape[1]
	out := op.weight.Shape[1]
	g := general(n, out, gradOut.Data)

	gradInput := newLike(op.input)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, g, general(in, out, op.weight.Data), 0, general(n, in, gradInput.Data))

	gradWeight := newLike(op.weight)
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(n, in, op.input.Data), g, 0, general(in, out, gradWeight.Data))

	var gradBias *Tensor
	if op.bias != nil {
		gradBias = newLike(op.bias)
		for i := 0; i < n; i++ {
			for j, v := range gradOut.Data[i*out : (i+1)*out] {
				gradBias.Data[j] += v
			}
		}
	}
	return []*Tensor{gradInput, gradWeight, gradBias}, nil
}
