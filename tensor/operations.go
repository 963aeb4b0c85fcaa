package tensor

import (
	"fmt"
	"math"
)

func newLike(t *Tensor) *Tensor {
	return &Tensor{
		Shape:   append([]int(nil), t.Shape...),
		Strides: calculateStrides(t.Shape),
		Device:  t.Device,
		Data:    make([]float32, len(t.Data)),
	}
}

// Add returns a + b for operands of identical shape
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkCompatibility(a, b); err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}
	out := newLike(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return record(out, &addOp{a: a, b: b}), nil
}

type addOp struct{ a, b *Tensor }

func (op *addOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *addOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{gradOut, gradOut}, nil
}

// Sub returns a - b for operands of identical shape
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := checkCompatibility(a, b); err != nil {
		return nil, fmt.Errorf("sub: %w", err)
	}
	out := newLike(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return record(out, &subOp{a: a, b: b}), nil
}

type subOp struct{ a, b *Tensor }

func (op *subOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *subOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	neg := newLike(gradOut)
	for i, v := range gradOut.Data {
		neg.Data[i] = -v
	}
	return []*Tensor{gradOut, neg}, nil
}

// Mul returns the elementwise product a * b
func Mul(a, b *Tensor) (*Tensor, error) {
	if err := checkCompatibility(a, b); err != nil {
		return nil, fmt.Errorf("mul: %w", err)
	}
	out := newLike(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return record(out, &mulOp{a: a, b: b}), nil
}

type mulOp struct{ a, b *Tensor }

func (op *mulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *mulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gradA := newLike(gradOut)
	gradB := newLike(gradOut)
	for i, g := range gradOut.Data {
		gradA.Data[i] = g * op.b.Data[i]
		gradB.Data[i] = g * op.a.Data[i]
	}
	return []*Tensor{gradA, gradB}, nil
}

// Scale multiplies every element by a constant
func Scale(a *Tensor, s float32) *Tensor {
	out := newLike(a)
	for i, v := range a.Data {
		out.Data[i] = v * s
	}
	return record(out, &scaleOp{a: a, s: s})
}

type scaleOp struct {
	a *Tensor
	s float32
}

func (op *scaleOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *scaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := newLike(gradOut)
	for i, g := range gradOut.Data {
		grad.Data[i] = g * op.s
	}
	return []*Tensor{grad}, nil
}

// Mean reduces all elements to a scalar
func Mean(a *Tensor) *Tensor {
	var sum float64
	for _, v := range a.Data {
		sum += float64(v)
	}
	out := FromScalar(sum/float64(len(a.Data)), a.Device)
	return record(out, &meanOp{a: a})
}

type meanOp struct{ a *Tensor }

func (op *meanOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *meanOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := newLike(op.a)
	g := gradOut.Data[0] / float32(len(op.a.Data))
	for i := range grad.Data {
		grad.Data[i] = g
	}
	return []*Tensor{grad}, nil
}

// Sigmoid applies 1 / (1 + exp(-x))
func Sigmoid(a *Tensor) *Tensor {
	out := newLike(a)
	for i, v := range a.Data {
		out.Data[i] = float32(1.0 / (1.0 + math.Exp(-float64(v))))
	}
	return record(out, &sigmoidOp{a: a, out: out})
}

type sigmoidOp struct{ a, out *Tensor }

func (op *sigmoidOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *sigmoidOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := newLike(gradOut)
	for i, g := range gradOut.Data {
		s := op.out.Data[i]
		grad.Data[i] = g * s * (1 - s)
	}
	return []*Tensor{grad}, nil
}

// ReLU applies max(0, x)
func ReLU(a *Tensor) *Tensor {
	return LeakyReLU(a, 0)
}

// LeakyReLU applies x for x > 0 and slope*x otherwise
func LeakyReLU(a *Tensor, slope float32) *Tensor {
	out := newLike(a)
	for i, v := range a.Data {
		if v > 0 {
			out.Data[i] = v
		} else {
			out.Data[i] = v * slope
		}
	}
	return record(out, &leakyReLUOp{a: a, slope: slope})
}

type leakyReLUOp struct {
	a     *Tensor
	slope float32
}

func (op *leakyReLUOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *leakyReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := newLike(gradOut)
	for i, g := range gradOut.Data {
		if op.a.Data[i] > 0 {
			grad.Data[i] = g
		} else {
			grad.Data[i] = g * op.slope
		}
	}
	return []*Tensor{grad}, nil
}
