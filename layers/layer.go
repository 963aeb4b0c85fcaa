package layers

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/tsawler/glyph-ae/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ConvTranspose2D
	ReLU
	LeakyReLU
	Sigmoid
	BatchNorm
	Reshape
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ConvTranspose2D:
		return "ConvTranspose2D"
	case ReLU:
		return "ReLU"
	case LeakyReLU:
		return "LeakyReLU"
	case Sigmoid:
		return "Sigmoid"
	case BatchNorm:
		return "BatchNorm"
	case Reshape:
		return "Reshape"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// IsActivation reports whether the layer is a parameter-free elementwise activation
func (lt LayerType) IsActivation() bool {
	return lt == ReLU || lt == LeakyReLU || lt == Sigmoid
}

// LayerSpec defines layer configuration. It is pure configuration: no
// execution logic and no weights. Input channel counts are filled in by Compile.
type LayerSpec struct {
	Type LayerType `json:"type"`
	Name string    `json:"name"`

	InChannels  int  `json:"in_channels,omitempty"`
	OutChannels int  `json:"out_channels,omitempty"`
	Kernel      int  `json:"kernel,omitempty"`
	Stride      int  `json:"stride,omitempty"`
	Padding     int  `json:"padding,omitempty"`
	UseBias     bool `json:"use_bias,omitempty"`

	// Dense
	Units int `json:"units,omitempty"`

	// Reshape target excluding the batch dimension
	Target []int `json:"target,omitempty"`

	NegativeSlope float32 `json:"negative_slope,omitempty"`
	Eps           float32 `json:"eps,omitempty"`
	Momentum      float32 `json:"momentum,omitempty"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete network as an ordered list of layer specs
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// Stage describes one upsampling or downsampling block: a learned
// (transposed) convolution, batch normalization and an activation.
type Stage struct {
	Out        int
	Kernel     int
	Stride     int
	Padding    int
	Activation LayerType
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddReshape reshapes every sample to target (batch dimension is kept)
func (mb *ModelBuilder) AddReshape(target []int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Reshape, Name: name, Target: append([]int(nil), target...)})
}

// AddFlatten collapses all non-batch dimensions
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name})
}

// AddDense adds a fully connected layer. Its input size is computed during compilation.
func (mb *ModelBuilder) AddDense(units int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Dense, Name: name, Units: units, UseBias: useBias})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:        Conv2D,
		Name:        name,
		OutChannels: outputChannels,
		Kernel:      kernelSize,
		Stride:      stride,
		Padding:     padding,
		UseBias:     useBias,
	})
}

// AddConvTranspose2D adds a transposed convolution that upsamples its input
func (mb *ModelBuilder) AddConvTranspose2D(outputChannels, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:        ConvTranspose2D,
		Name:        name,
		OutChannels: outputChannels,
		Kernel:      kernelSize,
		Stride:      stride,
		Padding:     padding,
		UseBias:     useBias,
	})
}

// AddBatchNorm adds a Batch Normalization layer to the model
// eps: small value added for numerical stability (default: 1e-5)
// momentum: momentum for running statistics update (default: 0.1)
func (mb *ModelBuilder) AddBatchNorm(eps, momentum float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: BatchNorm, Name: name, Eps: eps, Momentum: momentum})
}

// AddActivation adds a parameter-free activation. slope is only used by LeakyReLU.
func (mb *ModelBuilder) AddActivation(kind LayerType, slope float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: kind, Name: name, NegativeSlope: slope})
}

// AddDeconvBlock appends ConvTranspose2D, BatchNorm and the stage activation
func (mb *ModelBuilder) AddDeconvBlock(s Stage, name string) *ModelBuilder {
	return mb.
		AddConvTranspose2D(s.Out, s.Kernel, s.Stride, s.Padding, true, name+".deconv").
		AddBatchNorm(1e-5, 0.1, name+".bn").
		AddActivation(s.Activation, 0.2, name+".act")
}

// AddConvBlock appends Conv2D, BatchNorm and the stage activation
func (mb *ModelBuilder) AddConvBlock(s Stage, name string) *ModelBuilder {
	return mb.
		AddConv2D(s.Out, s.Kernel, s.Stride, s.Padding, true, name+".conv").
		AddBatchNorm(1e-5, 0.1, name+".bn").
		AddActivation(s.Activation, 0.2, name+".act")
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) == 0 {
		return nil, fmt.Errorf("model must specify input shape")
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	copy(model.Layers, mb.layers)

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// Recompile recomputes shapes of an existing spec for a different input
// shape, typically another batch size.
func (ms *ModelSpec) Recompile(inputShape []int) (*ModelSpec, error) {
	mb := NewModelBuilder(inputShape)
	for _, l := range ms.Layers {
		l.InputShape, l.OutputShape, l.ParameterShapes, l.ParameterCount = nil, nil, nil, 0
		mb.AddLayer(l)
	}
	return mb.Compile()
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D, ConvTranspose2D:
		return computeConvInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case Reshape:
		return computeReshapeInfo(layer, inputShape)
	case Flatten:
		return computeFlattenInfo(inputShape)
	case ReLU, LeakyReLU, Sigmoid:
		return append([]int(nil), inputShape...), [][]int{}, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, 0, fmt.Errorf("%w: dense layer requires 2D input [batch, features], got %v", tensor.ErrShapeMismatch, inputShape)
	}
	if layer.Units <= 0 {
		return nil, nil, 0, fmt.Errorf("dense layer needs a positive unit count, got %d", layer.Units)
	}

	inputSize := inputShape[1]
	layer.InChannels = inputSize

	paramShapes := [][]int{{inputSize, layer.Units}}
	paramCount := int64(inputSize * layer.Units)
	if layer.UseBias {
		paramShapes = append(paramShapes, []int{layer.Units})
		paramCount += int64(layer.Units)
	}

	return []int{inputShape[0], layer.Units}, paramShapes, paramCount, nil
}

func computeConvInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("%w: %s layer requires 4D input [batch, channels, height, width], got %v", tensor.ErrShapeMismatch, layer.Type, inputShape)
	}
	if layer.OutChannels <= 0 || layer.Kernel <= 0 {
		return nil, nil, 0, fmt.Errorf("%s layer needs positive channels and kernel size", layer.Type)
	}
	if layer.Stride <= 0 {
		layer.Stride = 1
	}
	if layer.Padding < 0 {
		return nil, nil, 0, fmt.Errorf("%s layer padding must be non-negative, got %d", layer.Type, layer.Padding)
	}

	batchSize, inputChannels := inputShape[0], inputShape[1]
	inputHeight, inputWidth := inputShape[2], inputShape[3]
	layer.InChannels = inputChannels

	var outputHeight, outputWidth int
	var weightShape []int
	if layer.Type == Conv2D {
		outputHeight = tensor.Conv2DOutputSize(inputHeight, layer.Kernel, layer.Stride, layer.Padding)
		outputWidth = tensor.Conv2DOutputSize(inputWidth, layer.Kernel, layer.Stride, layer.Padding)
		weightShape = []int{layer.OutChannels, inputChannels, layer.Kernel, layer.Kernel}
	} else {
		outputHeight = tensor.ConvTranspose2DOutputSize(inputHeight, layer.Kernel, layer.Stride, layer.Padding)
		outputWidth = tensor.ConvTranspose2DOutputSize(inputWidth, layer.Kernel, layer.Stride, layer.Padding)
		weightShape = []int{inputChannels, layer.OutChannels, layer.Kernel, layer.Kernel}
	}
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, fmt.Errorf("%w: %s would produce %dx%d from %dx%d", tensor.ErrShapeMismatch, layer.Type, outputHeight, outputWidth, inputHeight, inputWidth)
	}

	paramShapes := [][]int{weightShape}
	paramCount := int64(inputChannels * layer.OutChannels * layer.Kernel * layer.Kernel)
	if layer.UseBias {
		paramShapes = append(paramShapes, []int{layer.OutChannels})
		paramCount += int64(layer.OutChannels)
	}

	return []int{batchSize, layer.OutChannels, outputHeight, outputWidth}, paramShapes, paramCount, nil
}

// computeBatchNormInfo computes batch normalization layer information.
// Running mean and variance are buffers, not parameters, and are not counted.
func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("%w: batch norm layer requires 4D input, got %v", tensor.ErrShapeMismatch, inputShape)
	}
	numFeatures := inputShape[1]
	layer.InChannels = numFeatures
	layer.OutChannels = numFeatures
	if layer.Eps <= 0 {
		layer.Eps = 1e-5
	}
	if layer.Momentum <= 0 {
		layer.Momentum = 0.1
	}

	// gamma (scale) and beta (shift)
	paramShapes := [][]int{{numFeatures}, {numFeatures}}
	return append([]int(nil), inputShape...), paramShapes, int64(numFeatures * 2), nil
}

func computeReshapeInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	perSample := 1
	for _, d := range inputShape[1:] {
		perSample *= d
	}
	target := 1
	for _, d := range layer.Target {
		if d <= 0 {
			return nil, nil, 0, fmt.Errorf("reshape target %v must be positive", layer.Target)
		}
		target *= d
	}
	if len(layer.Target) == 0 || target != perSample {
		return nil, nil, 0, fmt.Errorf("%w: cannot reshape %v into [batch %v]", tensor.ErrShapeMismatch, inputShape, layer.Target)
	}
	return append([]int{inputShape[0]}, layer.Target...), [][]int{}, 0, nil
}

func computeFlattenInfo(inputShape []int) ([]int, [][]int, int64, error) {
	features := 1
	for _, d := range inputShape[1:] {
		features *= d
	}
	return []int{inputShape[0], features}, [][]int{}, 0, nil
}

// GetCompiledModel returns the compiled model (must call Compile first)
func (mb *ModelBuilder) GetCompiledModel() (*ModelSpec, error) {
	if !mb.compiled {
		return nil, fmt.Errorf("model not compiled - call Compile() first")
	}
	return mb.Compile()
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	var sb strings.Builder
	ms.WriteSummary(&sb)
	return sb.String()
}

// WriteSummary renders the layer table to w
func (ms *ModelSpec) WriteSummary(w io.Writer) {
	if !ms.Compiled {
		fmt.Fprintln(w, "Model not compiled")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Layer", "Type", "Output Shape", "Params"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	rows := make([][]string, 0, len(ms.Layers))
	for i, layer := range ms.Layers {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			layer.Name,
			layer.Type.String(),
			fmt.Sprint(layer.OutputShape),
			strconv.FormatInt(layer.ParameterCount, 10),
		})
	}
	table.AppendBulk(rows)
	table.SetFooter([]string{"", "", "", fmt.Sprint(ms.OutputShape), strconv.FormatInt(ms.TotalParameters, 10)})
	table.Render()
}
