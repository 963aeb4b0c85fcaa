package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Reshape returns a view with a different shape over the same data.
// One dimension may be -1 and is inferred. Gradients flow through the view.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	newNumElems := 1
	negOneIdx := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			newNumElems *= dim
		}
	}

	if negOneIdx >= 0 {
		if t.Numel()%newNumElems != 0 {
			return nil, fmt.Errorf("%w: cannot reshape tensor of size %d into %v", ErrShapeMismatch, t.Numel(), newShape)
		}
		shape[negOneIdx] = t.Numel() / newNumElems
		newNumElems *= shape[negOneIdx]
	}

	if newNumElems != t.Numel() {
		return nil, fmt.Errorf("%w: cannot reshape tensor of size %d into shape %v (size %d)", ErrShapeMismatch, t.Numel(), newShape, newNumElems)
	}

	reshaped := &Tensor{
		Shape:   shape,
		Strides: calculateStrides(shape),
		Device:  t.Device,
		Data:    t.Data,
	}
	return record(reshaped, &reshapeOp{input: t}), nil
}

type reshapeOp struct {
	input *Tensor
}

func (op *reshapeOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *reshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := &Tensor{
		Shape:   append([]int(nil), op.input.Shape...),
		Strides: calculateStrides(op.input.Shape),
		Device:  gradOut.Device,
		Data:    gradOut.Data,
	}
	return []*Tensor{grad}, nil
}

// Clone returns a detached deep copy
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:   append([]int(nil), t.Shape...),
		Strides: append([]int(nil), t.Strides...),
		Device:  t.Device,
		Data:    data,
	}
}

// Detach returns a tensor sharing data but cut from the autograd graph
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:   append([]int(nil), t.Shape...),
		Strides: append([]int(nil), t.Strides...),
		Device:  t.Device,
		Data:    t.Data,
	}
}

// CopyFrom overwrites the tensor's values in place
func (t *Tensor) CopyFrom(data []float32) error {
	if len(data) != len(t.Data) {
		return fmt.Errorf("%w: data length %d does not match tensor size %d", ErrShapeMismatch, len(data), len(t.Data))
	}
	copy(t.Data, data)
	return nil
}

// Item returns the single value of a one-element tensor
func (t *Tensor) Item() (float32, error) {
	if len(t.Data) != 1 {
		return 0, fmt.Errorf("item() requires a single element tensor, got %d elements", len(t.Data))
	}
	return t.Data[0], nil
}

// At returns the element at the given indices
func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d with size %d", idx, i, t.Shape[i])
		}
		offset += idx * t.Strides[i]
	}
	return t.Data[offset], nil
}

// Equal reports whether both tensors have identical shape and values
func (t *Tensor) Equal(other *Tensor) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// AllFinite reports whether no element is NaN or infinite
func (t *Tensor) AllFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// ToDevice returns a detached copy tagged with the target device
func (t *Tensor) ToDevice(device DeviceType) *Tensor {
	c := t.Clone()
	c.Device = device
	return c
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString(" [")
	for i, v := range t.Data {
		if i >= maxElements {
			sb.WriteString(" ...")
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%.4f", v)
	}
	sb.WriteString("]")
	return sb.String()
}

// ZeroGrad clears accumulated gradients of the given tensors
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t.requiresGrad && t.grad != nil {
			clear(t.grad.Data)
		}
	}
}
