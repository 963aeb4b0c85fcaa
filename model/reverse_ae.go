// Package model wires the glyph encoder, the augmentation pipeline and the
// decoder into a single trainable reverse autoencoder.
package model

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/tsawler/glyph-ae/augment"
	"github.com/tsawler/glyph-ae/checkpoints"
	"github.com/tsawler/glyph-ae/layers"
	"github.com/tsawler/glyph-ae/optimizer"
	"github.com/tsawler/glyph-ae/tensor"
	"github.com/tsawler/glyph-ae/training"
)

// ErrOptimizerNotConfigured is returned by the training entry points when
// ConfigureOptim has not been called
var ErrOptimizerNotConfigured = errors.New("optimizer not configured")

// EncoderStages upsample a 1x1 message to a 52x52 image. The last stage's
// channel count is replaced by the image channel count.
var EncoderStages = []layers.Stage{
	{Out: 128, Kernel: 5, Stride: 2, Padding: 1, Activation: layers.LeakyReLU},
	{Out: 64, Kernel: 5, Stride: 1, Padding: 2, Activation: layers.LeakyReLU},
	{Out: 32, Kernel: 5, Stride: 1, Padding: 2, Activation: layers.LeakyReLU},
	{Out: 16, Kernel: 5, Stride: 2, Padding: 1, Activation: layers.LeakyReLU},
	{Out: 8, Kernel: 5, Stride: 1, Padding: 2, Activation: layers.LeakyReLU},
	{Out: 8, Kernel: 5, Stride: 2, Padding: 2, Activation: layers.LeakyReLU},
	{Out: 4, Kernel: 5, Stride: 2, Padding: 2, Activation: layers.LeakyReLU},
	{Out: 0, Kernel: 4, Stride: 2, Padding: 0, Activation: layers.Sigmoid},
}

// DecoderChannels are the output channels of the decoder conv blocks
var DecoderChannels = []int{128, 128, 64, 32, 32}

// EncoderSpec compiles the encoder for a batch of one
func EncoderSpec(msgSize, imgChannels int) (*layers.ModelSpec, error) {
	mb := layers.NewModelBuilder([]int{1, msgSize}).
		AddReshape([]int{msgSize, 1, 1}, "unflatten")
	for i, s := range EncoderStages {
		if i == len(EncoderStages)-1 {
			s.Out = imgChannels
		}
		mb.AddDeconvBlock(s, fmt.Sprintf("up%d", i+1))
	}
	spec, err := mb.Compile()
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	return spec, nil
}

// DecoderSpec compiles the decoder for images of shape (C, H, W)
func DecoderSpec(imgShape []int, msgSize int) (*layers.ModelSpec, error) {
	if len(imgShape) != 3 {
		return nil, fmt.Errorf("%w: decoder input must be (C, H, W), got %v", tensor.ErrShapeMismatch, imgShape)
	}
	mb := layers.NewModelBuilder(append([]int{1}, imgShape...))
	for i, ch := range DecoderChannels {
		mb.AddConvBlock(layers.Stage{Out: ch, Kernel: 3, Stride: 2, Padding: 1, Activation: layers.LeakyReLU}, fmt.Sprintf("down%d", i+1))
	}
	spec, err := mb.
		AddFlatten("flatten").
		AddDense(msgSize, true, "head").
		Compile()
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	return spec, nil
}

// ReverseAE learns to draw a message as an image that survives random
// geometric distortion and noise
type ReverseAE struct {
	MsgSize     int
	ImgChannels int
	ImgShape    []int // (C, H, W) of generated images

	device tensor.DeviceType
	rng    *rand.Rand

	encoderSpec *layers.ModelSpec
	decoderSpec *layers.ModelSpec
	encoder     *training.Sequential
	decoder     *training.Sequential

	loss      training.Loss
	augment   *augment.Pipeline
	optim     *optimizer.AdamOptimizerState
	noiseSize float32
}

// NewReverseAE builds the encoder and decoder and runs one sample through
// both to check that the encoder output fits the decoder input
func NewReverseAE(msgSize, imgChannels int, device tensor.DeviceType, rng *rand.Rand) (*ReverseAE, error) {
	if msgSize <= 0 || imgChannels <= 0 {
		return nil, fmt.Errorf("message size and image channels must be positive, got %d and %d", msgSize, imgChannels)
	}
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}

	encSpec, err := EncoderSpec(msgSize, imgChannels)
	if err != nil {
		return nil, err
	}
	imgShape := encSpec.OutputShape[1:]
	decSpec, err := DecoderSpec(imgShape, msgSize)
	if err != nil {
		return nil, err
	}

	encoder, err := training.Build(encSpec, rng, device)
	if err != nil {
		return nil, fmt.Errorf("failed to build encoder: %w", err)
	}
	decoder, err := training.Build(decSpec, rng, device)
	if err != nil {
		return nil, fmt.Errorf("failed to build decoder: %w", err)
	}

	m := &ReverseAE{
		MsgSize:     msgSize,
		ImgChannels: imgChannels,
		ImgShape:    append([]int(nil), imgShape...),
		device:      device,
		rng:         rng,
		encoderSpec: encSpec,
		decoderSpec: decSpec,
		encoder:     encoder,
		decoder:     decoder,
		loss:        training.NewMSELoss("mean"),
	}
	if err := m.dryRun(); err != nil {
		return nil, err
	}
	return m, nil
}

// dryRun pushes a single latent through encoder and decoder in eval mode so
// that batch norm statistics are left untouched
func (m *ReverseAE) dryRun() error {
	m.Eval()
	defer m.Train()

	z, err := m.Sample(1)
	if err != nil {
		return err
	}
	img, err := m.encoder.Forward(z)
	if err != nil {
		return fmt.Errorf("encoder dry run: %w", err)
	}
	if want := append([]int{1}, m.ImgShape...); !equalShape(img.Shape, want) {
		return fmt.Errorf("%w: encoder produced %v, expected %v", tensor.ErrShapeMismatch, img.Shape, want)
	}
	if !equalShape(img.Shape, m.decoderSpec.InputShape) {
		return fmt.Errorf("%w: encoder output %v does not fit decoder input %v", tensor.ErrShapeMismatch, img.Shape, m.decoderSpec.InputShape)
	}
	out, err := m.decoder.Forward(img)
	if err != nil {
		return fmt.Errorf("decoder dry run: %w", err)
	}
	if !equalShape(out.Shape, []int{1, m.MsgSize}) {
		return fmt.Errorf("%w: decoder produced %v, expected [1 %d]", tensor.ErrShapeMismatch, out.Shape, m.MsgSize)
	}
	return nil
}

func equalShape(a, b []int) bool {
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

// Device returns the device every parameter lives on
func (m *ReverseAE) Device() tensor.DeviceType { return m.device }

// EncoderSpec returns the compiled encoder description
func (m *ReverseAE) EncoderSpec() *layers.ModelSpec { return m.encoderSpec }

// DecoderSpec returns the compiled decoder description
func (m *ReverseAE) DecoderSpec() *layers.ModelSpec { return m.decoderSpec }

// Train puts both networks in training mode
func (m *ReverseAE) Train() {
	m.encoder.Train()
	m.decoder.Train()
}

// Eval puts both networks in evaluation mode
func (m *ReverseAE) Eval() {
	m.encoder.Eval()
	m.decoder.Eval()
}

// Sample draws bs latent messages from N(0, 1)
func (m *ReverseAE) Sample(bs int) (*tensor.Tensor, error) {
	if bs <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", bs)
	}
	return tensor.RandomNormal(m.rng, []int{bs, m.MsgSize}, 0, 1, m.device)
}

// BatchSource yields fresh (X, X) pairs of bs messages forever
func (m *ReverseAE) BatchSource(bs int) training.BatchSource {
	return training.BatchSourceFunc(func() (*tensor.Tensor, *tensor.Tensor, error) {
		x, err := m.Sample(bs)
		if err != nil {
			return nil, nil, err
		}
		return x, x, nil
	})
}

// Encode renders messages to images without recording gradients. The
// networks run in eval mode and are returned to their previous mode.
func (m *ReverseAE) Encode(z *tensor.Tensor) (*tensor.Tensor, error) {
	if z.Device != m.device {
		return nil, fmt.Errorf("%w: messages on %s, model on %s", tensor.ErrDeviceMismatch, z.Device, m.device)
	}
	if wasTraining := m.encoder.IsTraining(); wasTraining {
		m.encoder.Eval()
		defer m.encoder.Train()
	}
	img, err := m.encoder.Forward(z.Detach())
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return img.Detach(), nil
}

// Decode recovers messages from images without recording gradients, with
// the decoder in eval mode
func (m *ReverseAE) Decode(img *tensor.Tensor) (*tensor.Tensor, error) {
	if img.Device != m.device {
		return nil, fmt.Errorf("%w: images on %s, model on %s", tensor.ErrDeviceMismatch, img.Device, m.device)
	}
	if len(img.Shape) != 4 || !equalShape(img.Shape[1:], m.ImgShape) {
		return nil, fmt.Errorf("%w: decoder expects (N, %d, %d, %d), got %v", tensor.ErrShapeMismatch,
			m.ImgShape[0], m.ImgShape[1], m.ImgShape[2], img.Shape)
	}
	if wasTraining := m.decoder.IsTraining(); wasTraining {
		m.decoder.Eval()
		defer m.decoder.Train()
	}
	msg, err := m.decoder.Forward(img.Detach())
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return msg.Detach(), nil
}

// Generate samples bs messages and encodes them
func (m *ReverseAE) Generate(bs int) (*tensor.Tensor, error) {
	z, err := m.Sample(bs)
	if err != nil {
		return nil, err
	}
	return m.Encode(z)
}

// ConfigureOptim creates an Adam optimizer over every trainable parameter
// and sets the standard deviation of the augmentation noise
func (m *ReverseAE) ConfigureOptim(lr, noiseSize float32) error {
	if noiseSize < 0 {
		return fmt.Errorf("noise size must be non-negative, got %g", noiseSize)
	}
	cfg := optimizer.DefaultAdamConfig()
	cfg.LearningRate = lr
	optim, err := optimizer.NewAdamOptimizer(cfg, m.Parameters())
	if err != nil {
		return fmt.Errorf("failed to configure optimizer: %w", err)
	}
	m.optim = optim
	m.noiseSize = noiseSize
	m.augment = augment.DefaultPipeline(noiseSize)
	return nil
}

// Optimizer returns the configured optimizer, or nil
func (m *ReverseAE) Optimizer() *optimizer.AdamOptimizerState { return m.optim }

// NoiseSize returns the augmentation noise standard deviation
func (m *ReverseAE) NoiseSize() float32 { return m.noiseSize }

// OptimForward encodes X, corrupts the images and decodes them back to
// messages. The result is attached to the autograd graph.
func (m *ReverseAE) OptimForward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if m.optim == nil {
		return nil, ErrOptimizerNotConfigured
	}
	if x.Device != m.device {
		return nil, fmt.Errorf("%w: batch on %s, model on %s", tensor.ErrDeviceMismatch, x.Device, m.device)
	}
	img, err := m.encoder.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	img, err = m.augment.Forward(img, m.rng)
	if err != nil {
		return nil, err
	}
	pred, err := m.decoder.Forward(img)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	return pred, nil
}

// TrainStep runs forward, backward and one optimizer update on a batch and
// returns the loss before the update
func (m *ReverseAE) TrainStep(x, target *tensor.Tensor) (float64, error) {
	if m.optim == nil {
		return 0, ErrOptimizerNotConfigured
	}
	pred, err := m.OptimForward(x)
	if err != nil {
		return 0, err
	}
	loss, err := m.loss.Forward(pred, target)
	if err != nil {
		return 0, err
	}
	if err := loss.Backward(); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	if err := m.optim.Step(); err != nil {
		return 0, fmt.Errorf("optimizer step: %w", err)
	}
	m.optim.ZeroGrad()

	v, err := loss.Item()
	if err != nil {
		return 0, err
	}
	return float64(v), nil
}

// Parameters returns the trainable tensors of encoder then decoder
func (m *ReverseAE) Parameters() []*tensor.Tensor {
	return append(m.encoder.Parameters(), m.decoder.Parameters()...)
}

func (m *ReverseAE) state() []training.NamedTensor {
	return append(m.encoder.State("encoder."), m.decoder.State("decoder.")...)
}

// StateDict returns every persisted tensor, parameters and batch norm
// buffers, keyed by dotted name in network order. The tensors are live.
func (m *ReverseAE) StateDict() *orderedmap.OrderedMap[string, *tensor.Tensor] {
	sd := orderedmap.New[string, *tensor.Tensor]()
	for _, nt := range m.state() {
		sd.Set(nt.Name, nt.Tensor)
	}
	return sd
}

// LoadStateDict copies values into the model. Every entry of the model must
// be present with a matching shape and no extra entries are allowed.
func (m *ReverseAE) LoadStateDict(sd *orderedmap.OrderedMap[string, *tensor.Tensor]) error {
	own := m.StateDict()
	if sd.Len() != own.Len() {
		for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
			if _, ok := own.Get(pair.Key); !ok {
				return fmt.Errorf("unexpected state entry %q", pair.Key)
			}
		}
	}
	for pair := own.Oldest(); pair != nil; pair = pair.Next() {
		src, ok := sd.Get(pair.Key)
		if !ok {
			return fmt.Errorf("missing state entry %q", pair.Key)
		}
		if !equalShape(src.Shape, pair.Value.Shape) {
			return fmt.Errorf("%w: %s has shape %v, expected %v", tensor.ErrShapeMismatch, pair.Key, src.Shape, pair.Value.Shape)
		}
		if err := pair.Value.CopyFrom(src.Data); err != nil {
			return fmt.Errorf("%s: %w", pair.Key, err)
		}
	}
	return nil
}

// Checkpoint snapshots weights, optimizer state and run progress
func (m *ReverseAE) Checkpoint(progress checkpoints.TrainingState) (*checkpoints.Checkpoint, error) {
	var weights []checkpoints.WeightTensor
	for _, nt := range m.state() {
		kind := "buffer"
		if nt.Trainable {
			kind = "parameter"
		}
		weights = append(weights, checkpoints.WeightTensor{
			Name:  nt.Name,
			Shape: append([]int(nil), nt.Tensor.Shape...),
			Data:  append([]float32(nil), nt.Tensor.Data...),
			Layer: layerOf(nt.Name),
			Type:  kind,
		})
	}

	cp := &checkpoints.Checkpoint{
		Encoder:       m.encoderSpec,
		Decoder:       m.decoderSpec,
		Weights:       weights,
		TrainingState: progress,
		Config: map[string]interface{}{
			"msg_size":     m.MsgSize,
			"img_channels": m.ImgChannels,
			"noise_size":   m.noiseSize,
		},
	}
	if m.optim != nil {
		st, err := m.optim.GetState()
		if err != nil {
			return nil, fmt.Errorf("failed to capture optimizer state: %w", err)
		}
		cp.OptimizerState = st
		cp.TrainingState.LearningRate = m.optim.LearningRate
	}
	return cp, nil
}

// Restore loads weights from cp and, when both sides have one, the optimizer
// state
func (m *ReverseAE) Restore(cp *checkpoints.Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	sd := orderedmap.New[string, *tensor.Tensor]()
	for _, w := range cp.Weights {
		t, err := tensor.NewTensor(w.Shape, m.device, w.Data)
		if err != nil {
			return fmt.Errorf("weight %s: %w", w.Name, err)
		}
		sd.Set(w.Name, t)
	}
	if err := m.LoadStateDict(sd); err != nil {
		return fmt.Errorf("failed to restore weights: %w", err)
	}
	if m.optim != nil && cp.OptimizerState != nil {
		if err := m.optim.LoadState(cp.OptimizerState); err != nil {
			return fmt.Errorf("failed to restore optimizer: %w", err)
		}
	}
	return nil
}

// FromCheckpoint rebuilds a model with the sizes recorded in cp and loads
// its weights
func FromCheckpoint(cp *checkpoints.Checkpoint, device tensor.DeviceType, rng *rand.Rand) (*ReverseAE, error) {
	if cp == nil {
		return nil, fmt.Errorf("checkpoint is nil")
	}
	msgSize, ok1 := intSetting(cp.Config, "msg_size")
	channels, ok2 := intSetting(cp.Config, "img_channels")
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("checkpoint does not record msg_size and img_channels")
	}
	m, err := NewReverseAE(msgSize, channels, device, rng)
	if err != nil {
		return nil, err
	}
	if err := m.Restore(cp); err != nil {
		return nil, err
	}
	return m, nil
}

func intSetting(cfg map[string]interface{}, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// layerOf strips the parameter name: "encoder.up1.bn.weight" -> "up1.bn"
func layerOf(name string) string {
	name = strings.TrimPrefix(strings.TrimPrefix(name, "encoder."), "decoder.")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}
