package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/glyph-ae/layers"
)

// ONNX enum values used by the exporter
const (
	onnxIRVersion = 7
	onnxOpset     = 13

	tensorFloat = 1
	tensorInt64 = 7

	attrFloat = 1
	attrInt   = 2
	attrInts  = 7
)

// Minimal ONNX message set. Field numbers follow onnx.proto.

type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	ModelVersion    int64
	Graph           *GraphProto
	OpsetVersion    int64
}

type GraphProto struct {
	Name        string
	Node        []*NodeProto
	Initializer []*TensorProto
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
}

type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
}

type AttributeProto struct {
	Name string
	F    float32
	I    int64
	Ints []int64
	Type int
}

type TensorProto struct {
	Dims     []int64
	DataType int
	Name     string
	RawData  []byte
}

// ValueInfoProto describes a float graph input or output. A negative dim is
// written as the symbolic "batch" dimension.
type ValueInfoProto struct {
	Name  string
	Shape []int
}

func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.IrVersion))
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.ModelVersion))
	if m.Graph != nil {
		b = appendMessage(b, 7, m.Graph.marshal())
	}

	var opset []byte
	opset = appendString(opset, 1, "")
	opset = protowire.AppendTag(opset, 2, protowire.VarintType)
	opset = protowire.AppendVarint(opset, uint64(m.OpsetVersion))
	return appendMessage(b, 8, opset)
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	for _, n := range g.Node {
		b = appendMessage(b, 1, n.marshal())
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessage(b, 5, t.marshal())
	}
	for _, v := range g.Input {
		b = appendMessage(b, 11, v.marshal())
	}
	for _, v := range g.Output {
		b = appendMessage(b, 12, v.marshal())
	}
	return b
}

func (n *NodeProto) marshal() []byte {
	var b []byte
	for _, in := range n.Input {
		b = appendString(b, 1, in)
	}
	for _, out := range n.Output {
		b = appendString(b, 2, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = appendMessage(b, 5, a.marshal())
	}
	return b
}

func (a *AttributeProto) marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case attrFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case attrInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case attrInts:
		for _, v := range a.Ints {
			b = protowire.AppendTag(b, 8, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(v))
		}
	}
	b = protowire.AppendTag(b, 20, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(a.Type))
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.DataType))
	b = appendString(b, 8, t.Name)
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	return protowire.AppendBytes(b, t.RawData)
}

func (v *ValueInfoProto) marshal() []byte {
	var shape []byte
	for _, d := range v.Shape {
		var dim []byte
		if d < 0 {
			dim = appendString(dim, 2, "batch")
		} else {
			dim = protowire.AppendTag(dim, 1, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(d))
		}
		shape = appendMessage(shape, 1, dim)
	}

	var tensorType []byte
	tensorType = protowire.AppendTag(tensorType, 1, protowire.VarintType)
	tensorType = protowire.AppendVarint(tensorType, tensorFloat)
	tensorType = appendMessage(tensorType, 2, shape)

	var b []byte
	b = appendString(b, 1, v.Name)
	return appendMessage(b, 2, appendMessage(nil, 1, tensorType))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// ONNXExporter converts one network of a checkpoint to an inference graph
type ONNXExporter struct {
	producer string
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{producer: "glyph-ae"}
}

// ExportToONNX writes the encoder or decoder of a checkpoint to path
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, network, path string) error {
	var spec *layers.ModelSpec
	switch network {
	case "encoder":
		spec = checkpoint.Encoder
	case "decoder":
		spec = checkpoint.Decoder
	default:
		return fmt.Errorf("unknown network %q, want encoder or decoder", network)
	}
	if spec == nil {
		return fmt.Errorf("checkpoint has no %s spec", network)
	}

	data, err := oe.Export(spec, checkpoint.Weights, network)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// Export builds the ONNX model for spec. Weights are looked up as
// prefix.<layer>.<param>.
func (oe *ONNXExporter) Export(spec *layers.ModelSpec, weights []WeightTensor, prefix string) ([]byte, error) {
	graph, err := oe.buildONNXGraph(spec, weights, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}
	model := &ModelProto{
		IrVersion:       onnxIRVersion,
		ProducerName:    oe.producer,
		ProducerVersion: "1.0.0",
		ModelVersion:    1,
		OpsetVersion:    onnxOpset,
		Graph:           graph,
	}
	return model.Marshal(), nil
}

type graphBuilder struct {
	weights map[string]WeightTensor
	prefix  string
	graph   *GraphProto
	current string
}

func (oe *ONNXExporter) buildONNXGraph(spec *layers.ModelSpec, weights []WeightTensor, prefix string) (*GraphProto, error) {
	if !spec.Compiled {
		return nil, fmt.Errorf("model spec is not compiled")
	}
	gb := &graphBuilder{
		weights: make(map[string]WeightTensor, len(weights)),
		prefix:  prefix,
		graph:   &GraphProto{Name: prefix},
		current: "input",
	}
	for _, w := range weights {
		gb.weights[w.Name] = w
	}

	gb.graph.Input = append(gb.graph.Input, &ValueInfoProto{Name: "input", Shape: batchShape(spec.InputShape)})

	for _, layer := range spec.Layers {
		var err error
		switch layer.Type {
		case layers.Conv2D:
			err = gb.addConv(layer, "Conv")
		case layers.ConvTranspose2D:
			err = gb.addConv(layer, "ConvTranspose")
		case layers.Dense:
			err = gb.addDense(layer)
		case layers.BatchNorm:
			err = gb.addBatchNorm(layer)
		case layers.ReLU:
			gb.addNode(layer.Name, "Relu", nil)
		case layers.Sigmoid:
			gb.addNode(layer.Name, "Sigmoid", nil)
		case layers.LeakyReLU:
			gb.addNode(layer.Name, "LeakyRelu", nil, &AttributeProto{Name: "alpha", F: layer.NegativeSlope, Type: attrFloat})
		case layers.Reshape:
			shape := append([]int64{-1}, toInt64(layer.Target)...)
			name := layer.Name + ".shape"
			gb.graph.Initializer = append(gb.graph.Initializer, int64Tensor(name, shape))
			gb.addNode(layer.Name, "Reshape", []string{name})
		case layers.Flatten:
			gb.addNode(layer.Name, "Flatten", nil, &AttributeProto{Name: "axis", I: 1, Type: attrInt})
		default:
			err = fmt.Errorf("unsupported layer type for ONNX export: %s", layer.Type.String())
		}
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", layer.Name, err)
		}
	}

	gb.graph.Output = append(gb.graph.Output, &ValueInfoProto{Name: gb.current, Shape: batchShape(spec.OutputShape)})
	return gb.graph, nil
}

// addNode appends a node fed by the running output plus extra inputs
func (gb *graphBuilder) addNode(name, op string, extra []string, attrs ...*AttributeProto) {
	out := name + "_output"
	gb.graph.Node = append(gb.graph.Node, &NodeProto{
		Input:     append([]string{gb.current}, extra...),
		Output:    []string{out},
		Name:      name,
		OpType:    op,
		Attribute: attrs,
	})
	gb.current = out
}

// initializer registers the named parameter and returns its graph name
func (gb *graphBuilder) initializer(layer, param string) (string, error) {
	name := fmt.Sprintf("%s.%s.%s", gb.prefix, layer, param)
	w, ok := gb.weights[name]
	if !ok {
		return "", fmt.Errorf("missing weight %s", name)
	}
	gb.graph.Initializer = append(gb.graph.Initializer, floatTensor(name, w.Shape, w.Data))
	return name, nil
}

func (gb *graphBuilder) addConv(layer layers.LayerSpec, op string) error {
	inputs := make([]string, 0, 2)
	weight, err := gb.initializer(layer.Name, "weight")
	if err != nil {
		return err
	}
	inputs = append(inputs, weight)
	if layer.UseBias {
		bias, err := gb.initializer(layer.Name, "bias")
		if err != nil {
			return err
		}
		inputs = append(inputs, bias)
	}

	k, s, p := int64(layer.Kernel), int64(layer.Stride), int64(layer.Padding)
	gb.addNode(layer.Name, op, inputs,
		&AttributeProto{Name: "kernel_shape", Ints: []int64{k, k}, Type: attrInts},
		&AttributeProto{Name: "strides", Ints: []int64{s, s}, Type: attrInts},
		&AttributeProto{Name: "pads", Ints: []int64{p, p, p, p}, Type: attrInts},
	)
	return nil
}

// addDense emits MatMul (+ Add). Weights are stored (in, out), which is the
// layout MatMul expects for the right operand.
func (gb *graphBuilder) addDense(layer layers.LayerSpec) error {
	weight, err := gb.initializer(layer.Name, "weight")
	if err != nil {
		return err
	}
	gb.addNode(layer.Name+"_matmul", "MatMul", []string{weight})
	if !layer.UseBias {
		return nil
	}
	bias, err := gb.initializer(layer.Name, "bias")
	if err != nil {
		return err
	}
	gb.addNode(layer.Name, "Add", []string{bias})
	return nil
}

func (gb *graphBuilder) addBatchNorm(layer layers.LayerSpec) error {
	var inputs []string
	for _, param := range []string{"weight", "bias", "running_mean", "running_var"} {
		name, err := gb.initializer(layer.Name, param)
		if err != nil {
			return err
		}
		inputs = append(inputs, name)
	}
	gb.addNode(layer.Name, "BatchNormalization", inputs,
		&AttributeProto{Name: "epsilon", F: layer.Eps, Type: attrFloat},
		&AttributeProto{Name: "momentum", F: 1 - layer.Momentum, Type: attrFloat},
	)
	return nil
}

func batchShape(shape []int) []int {
	out := append([]int(nil), shape...)
	if len(out) > 0 {
		out[0] = -1
	}
	return out
}

func toInt64(s []int) []int64 {
	out := make([]int64, len(s))
	for i, v := range s {
		out[i] = int64(v)
	}
	return out
}

func floatTensor(name string, shape []int, data []float32) *TensorProto {
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return &TensorProto{Dims: toInt64(shape), DataType: tensorFloat, Name: name, RawData: raw}
}

func int64Tensor(name string, values []int64) *TensorProto {
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
	}
	return &TensorProto{Dims: []int64{int64(len(values))}, DataType: tensorInt64, Name: name, RawData: raw}
}
