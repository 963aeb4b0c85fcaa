package tensor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrShapeMismatch is returned when operand shapes disagree.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	// ErrDeviceMismatch is returned when operands live on different devices.
	ErrDeviceMismatch = errors.New("tensor device mismatch")
)

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// ParseDevice maps a configuration string ("cpu", "gpu") to a DeviceType
func ParseDevice(s string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu":
		return CPU, nil
	case "gpu", "cuda", "metal":
		return GPU, nil
	default:
		return CPU, fmt.Errorf("unknown device %q", s)
	}
}

// Operation is a recorded node of the autograd graph. Backward receives the
// gradient of the node's output and returns one gradient per input, in the
// order of Inputs. A nil entry means no gradient flows to that input.
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor) ([]*Tensor, error)
}

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape        []int
	Strides      []int
	Device       DeviceType
	Data         []float32
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)", t.Shape, t.Device, len(t.Data))
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// IsLeaf reports whether the tensor was created by the user rather than by an operation
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

func (t *Tensor) Numel() int {
	return len(t.Data)
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// checkCompatibility verifies two operands share a device and a shape
func checkCompatibility(a, b *Tensor) error {
	if err := checkDevices(a, b); err != nil {
		return err
	}
	if !shapesEqual(a.Shape, b.Shape) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	return nil
}

func checkDevices(tensors ...*Tensor) error {
	var first *Tensor
	for _, t := range tensors {
		if t == nil {
			continue
		}
		if first == nil {
			first = t
			continue
		}
		if t.Device != first.Device {
			return fmt.Errorf("%w: %s vs %s", ErrDeviceMismatch, first.Device, t.Device)
		}
	}
	return nil
}

// record attaches op as the creator of out when any input tracks gradients
func record(out *Tensor, op Operation) *Tensor {
	for _, in := range op.Inputs() {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out
}
