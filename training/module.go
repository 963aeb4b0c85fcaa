package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/glyph-ae/layers"
	"github.com/tsawler/glyph-ae/tensor"
)

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // trainable parameters (tensors with requiresGrad=true)
	State(prefix string) []NamedTensor
	Train()
	Eval()
	IsTraining() bool
}

// NamedTensor is one entry of a module's persisted state. Buffers such as
// batch norm running statistics are included with Trainable=false.
type NamedTensor struct {
	Name      string
	Tensor    *tensor.Tensor
	Trainable bool
}

// mode is embedded by every module to track train/eval state
type mode struct {
	training bool
}

func (m *mode) Train()           { m.training = true }
func (m *mode) Eval()            { m.training = false }
func (m *mode) IsTraining() bool { return m.training }

// uniformParam creates a trainable tensor drawn from U(-bound, bound)
func uniformParam(rng *rand.Rand, shape []int, bound float64, device tensor.DeviceType) (*tensor.Tensor, error) {
	t, err := tensor.RandomUniform(rng, shape, float32(bound), device)
	if err != nil {
		return nil, err
	}
	t.SetRequiresGrad(true)
	return t, nil
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	mode
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

// NewLinear creates a new Linear layer. Weights and bias are drawn from
// U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(rng *rand.Rand, inputSize, outputSize int, bias bool, device tensor.DeviceType) (*Linear, error) {
	bound := 1 / math.Sqrt(float64(inputSize))
	weight, err := uniformParam(rng, []int{inputSize, outputSize}, bound, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}

	l := &Linear{mode: mode{training: true}, weight: weight}
	if bias {
		l.bias, err = uniformParam(rng, []int{outputSize}, bound, device)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
	}
	return l, nil
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("%w: Linear layer expects 2D input [batch_size, input_size], got shape %v", tensor.ErrShapeMismatch, input.Shape)
	}
	return tensor.Linear(input, l.weight, l.bias)
}

func (l *Linear) Parameters() []*tensor.Tensor {
	return nonNil(l.weight, l.bias)
}

func (l *Linear) State(prefix string) []NamedTensor {
	return paramState(prefix, l.weight, l.bias)
}

// Conv2D implements a 2D convolution layer
type Conv2D struct {
	mode
	weight          *tensor.Tensor
	bias            *tensor.Tensor
	stride, padding int
}

// NewConv2D creates a new Conv2D layer with weights of shape
// [outputChannels, inputChannels, k, k].
func NewConv2D(rng *rand.Rand, inputChannels, outputChannels, kernelSize, stride, padding int, bias bool, device tensor.DeviceType) (*Conv2D, error) {
	bound := 1 / math.Sqrt(float64(inputChannels*kernelSize*kernelSize))
	weight, err := uniformParam(rng, []int{outputChannels, inputChannels, kernelSize, kernelSize}, bound, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}

	c := &Conv2D{mode: mode{training: true}, weight: weight, stride: stride, padding: padding}
	if bias {
		c.bias, err = uniformParam(rng, []int{outputChannels}, bound, device)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
	}
	return c, nil
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2D(input, c.weight, c.bias, c.stride, c.padding)
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	return nonNil(c.weight, c.bias)
}

func (c *Conv2D) State(prefix string) []NamedTensor {
	return paramState(prefix, c.weight, c.bias)
}

// ConvTranspose2D implements a learned 2D upsampling layer
type ConvTranspose2D struct {
	mode
	weight          *tensor.Tensor
	bias            *tensor.Tensor
	stride, padding int
}

// NewConvTranspose2D creates a transposed convolution with weights of shape
// [inputChannels, outputChannels, k, k]. Fan-in is taken from the second
// weight dimension, the same convention torch uses for this layer.
func NewConvTranspose2D(rng *rand.Rand, inputChannels, outputChannels, kernelSize, stride, padding int, bias bool, device tensor.DeviceType) (*ConvTranspose2D, error) {
	bound := 1 / math.Sqrt(float64(outputChannels*kernelSize*kernelSize))
	weight, err := uniformParam(rng, []int{inputChannels, outputChannels, kernelSize, kernelSize}, bound, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}

	c := &ConvTranspose2D{mode: mode{training: true}, weight: weight, stride: stride, padding: padding}
	if bias {
		c.bias, err = uniformParam(rng, []int{outputChannels}, bound, device)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
	}
	return c, nil
}

func (c *ConvTranspose2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ConvTranspose2D(input, c.weight, c.bias, c.stride, c.padding)
}

func (c *ConvTranspose2D) Parameters() []*tensor.Tensor {
	return nonNil(c.weight, c.bias)
}

func (c *ConvTranspose2D) State(prefix string) []NamedTensor {
	return paramState(prefix, c.weight, c.bias)
}

// BatchNorm implements Batch Normalization over the channels of a 4D input
type BatchNorm struct {
	mode
	gamma       *tensor.Tensor
	beta        *tensor.Tensor
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
	eps         float32
	momentum    float32
}

// NewBatchNorm creates a new Batch Normalization layer
func NewBatchNorm(numFeatures int, eps, momentum float32, device tensor.DeviceType) (*BatchNorm, error) {
	gamma, err := tensor.Full([]int{numFeatures}, 1, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %w", err)
	}
	beta, err := tensor.Zeros([]int{numFeatures}, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %w", err)
	}
	runningMean, err := tensor.Zeros([]int{numFeatures}, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create running mean: %w", err)
	}
	runningVar, err := tensor.Full([]int{numFeatures}, 1, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create running variance: %w", err)
	}
	gamma.SetRequiresGrad(true)
	beta.SetRequiresGrad(true)

	return &BatchNorm{
		mode:        mode{training: true},
		gamma:       gamma,
		beta:        beta,
		runningMean: runningMean,
		runningVar:  runningVar,
		eps:         eps,
		momentum:    momentum,
	}, nil
}

// Forward normalizes with batch statistics in training mode and with the
// running statistics in evaluation mode
func (bn *BatchNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.BatchNorm2D(input, bn.gamma, bn.beta, bn.runningMean, bn.runningVar, tensor.BatchNormConfig{
		Momentum: bn.momentum,
		Eps:      bn.eps,
		Training: bn.training,
	})
}

func (bn *BatchNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

func (bn *BatchNorm) State(prefix string) []NamedTensor {
	return []NamedTensor{
		{Name: prefix + "weight", Tensor: bn.gamma, Trainable: true},
		{Name: prefix + "bias", Tensor: bn.beta, Trainable: true},
		{Name: prefix + "running_mean", Tensor: bn.runningMean},
		{Name: prefix + "running_var", Tensor: bn.runningVar},
	}
}

// Activation applies a parameter-free elementwise non-linearity
type Activation struct {
	mode
	kind  layers.LayerType
	slope float32
}

// NewActivation creates a ReLU, LeakyReLU or Sigmoid module
func NewActivation(kind layers.LayerType, slope float32) (*Activation, error) {
	if !kind.IsActivation() {
		return nil, fmt.Errorf("%s is not an activation", kind)
	}
	return &Activation{mode: mode{training: true}, kind: kind, slope: slope}, nil
}

func (a *Activation) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	switch a.kind {
	case layers.ReLU:
		return tensor.ReLU(input), nil
	case layers.LeakyReLU:
		return tensor.LeakyReLU(input, a.slope), nil
	default:
		return tensor.Sigmoid(input), nil
	}
}

func (a *Activation) Parameters() []*tensor.Tensor { return nil }
func (a *Activation) State(string) []NamedTensor { return nil }

// Reshape reshapes each sample to a fixed per-sample shape
type Reshape struct {
	mode
	target []int
}

func NewReshape(target []int) *Reshape {
	return &Reshape{mode: mode{training: true}, target: append([]int(nil), target...)}
}

func (r *Reshape) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return input.Reshape(append([]int{-1}, r.target...))
}

func (r *Reshape) Parameters() []*tensor.Tensor { return nil }
func (r *Reshape) State(string) []NamedTensor { return nil }

// Flatten reshapes input tensor to [batch_size, -1]
type Flatten struct {
	mode
}

func NewFlatten() *Flatten {
	return &Flatten{mode: mode{training: true}}
}

func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("%w: Flatten expects at least 2D input, got %v", tensor.ErrShapeMismatch, input.Shape)
	}
	return input.Reshape([]int{input.Shape[0], -1})
}

func (f *Flatten) Parameters() []*tensor.Tensor { return nil }
func (f *Flatten) State(string) []NamedTensor { return nil }

// Sequential allows chaining multiple modules together
type Sequential struct {
	mode
	modules []Module
	names   []string
}

// NewSequential creates a new Sequential container. Modules are named by index.
func NewSequential(modules ...Module) *Sequential {
	s := &Sequential{mode: mode{training: true}}
	for _, m := range modules {
		s.Add(m)
	}
	return s
}

// Add appends a module named by its position
func (s *Sequential) Add(module Module) {
	s.AddNamed(fmt.Sprint(len(s.modules)), module)
}

// AddNamed appends a module whose state entries are prefixed with name
func (s *Sequential) AddNamed(name string, module Module) {
	s.modules = append(s.modules, module)
	s.names = append(s.names, name)
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	for i, m := range s.modules {
		var err error
		out, err = m.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("module %s (%T): %w", s.names[i], m, err)
		}
	}
	return out, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *Sequential) State(prefix string) []NamedTensor {
	var state []NamedTensor
	for i, m := range s.modules {
		state = append(state, m.State(prefix+s.names[i]+".")...)
	}
	return state
}

func (s *Sequential) Train() {
	s.training = true
	for _, m := range s.modules {
		m.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, m := range s.modules {
		m.Eval()
	}
}

// Len returns the number of child modules
func (s *Sequential) Len() int {
	return len(s.modules)
}

// Build instantiates a Sequential from a compiled model spec. Each module is
// named after its layer spec.
func Build(spec *layers.ModelSpec, rng *rand.Rand, device tensor.DeviceType) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}

	seq := NewSequential()
	for i, l := range spec.Layers {
		var (
			m   Module
			err error
		)
		switch l.Type {
		case layers.Dense:
			m, err = NewLinear(rng, l.InChannels, l.Units, l.UseBias, device)
		case layers.Conv2D:
			m, err = NewConv2D(rng, l.InChannels, l.OutChannels, l.Kernel, l.Stride, l.Padding, l.UseBias, device)
		case layers.ConvTranspose2D:
			m, err = NewConvTranspose2D(rng, l.InChannels, l.OutChannels, l.Kernel, l.Stride, l.Padding, l.UseBias, device)
		case layers.BatchNorm:
			m, err = NewBatchNorm(l.InChannels, l.Eps, l.Momentum, device)
		case layers.ReLU, layers.LeakyReLU, layers.Sigmoid:
			m, err = NewActivation(l.Type, l.NegativeSlope)
		case layers.Reshape:
			m = NewReshape(l.Target)
		case layers.Flatten:
			m = NewFlatten()
		default:
			err = fmt.Errorf("unsupported layer type: %s", l.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build layer %d (%s): %w", i, l.Name, err)
		}

		name := l.Name
		if name == "" {
			name = fmt.Sprint(i)
		}
		seq.AddNamed(name, m)
	}
	return seq, nil
}

func nonNil(tensors ...*tensor.Tensor) []*tensor.Tensor {
	out := make([]*tensor.Tensor, 0, len(tensors))
	for _, t := range tensors {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

func paramState(prefix string, weight, bias *tensor.Tensor) []NamedTensor {
	state := []NamedTensor{{Name: prefix + "weight", Tensor: weight, Trainable: true}}
	if bias != nil {
		state = append(state, NamedTensor{Name: prefix + "bias", Tensor: bias, Trainable: true})
	}
	return state
}
