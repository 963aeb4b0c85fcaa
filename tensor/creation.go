package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor creates a tensor of the given shape. A nil data slice allocates zeros;
// otherwise data is used as backing storage without copying.
func NewTensor(shape []int, device DeviceType, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	} else if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:   s,
		Strides: calculateStrides(s),
		Device:  device,
		Data:    data,
	}, nil
}

func Zeros(shape []int, device DeviceType) (*Tensor, error) {
	return NewTensor(shape, device, nil)
}

func Full(shape []int, value float32, device DeviceType) (*Tensor, error) {
	t, err := NewTensor(shape, device, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// RandomNormal draws every element from N(mean, std^2) using rng
func RandomNormal(rng *rand.Rand, shape []int, mean, std float32, device DeviceType) (*Tensor, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}
	t, err := NewTensor(shape, device, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())*std + mean
	}
	return t, nil
}

// RandomUniform draws every element from U(-bound, bound) using rng
func RandomUniform(rng *rand.Rand, shape []int, bound float32, device DeviceType) (*Tensor, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}
	t, err := NewTensor(shape, device, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * bound
	}
	return t, nil
}

// FromScalar creates a scalar tensor from a float64 value
func FromScalar(value float64, device DeviceType) *Tensor {
	return &Tensor{
		Shape:   []int{},
		Strides: []int{},
		Device:  device,
		Data:    []float32{float32(value)},
	}
}
