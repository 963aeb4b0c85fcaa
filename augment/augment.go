// Package augment corrupts a batch of generated images with random rotation,
// scaling, translation and additive Gaussian noise. Every stage is part of
// the autograd graph, so the decoder loss trains the encoder through it.
package augment

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/glyph-ae/tensor"
)

// Stage is one transform of a Pipeline
type Stage int

const (
	Rotate Stage = iota
	Scale
	Translate
	GaussianNoise
)

func (s Stage) String() string {
	switch s {
	case Rotate:
		return "rotate"
	case Scale:
		return "scale"
	case Translate:
		return "translate"
	case GaussianNoise:
		return "noise"
	default:
		return "unknown"
	}
}

// minScale keeps the inverse scale map finite
const minScale = 1e-3

// Pipeline applies its stages in order. Geometric stages resample the output
// of the previous stage unless Fused is set, in which case consecutive
// geometric stages are composed into a single resampling.
type Pipeline struct {
	Stages []Stage

	AngleStd   float32 // degrees
	ScaleStd   float32 // scale ~ N(1, ScaleStd^2)
	OffsetFrac float32 // offset std as a fraction of the image width
	NoiseStd   float32

	Fused bool
}

// DefaultPipeline rotates, scales, translates and then adds noise with the
// given standard deviation.
func DefaultPipeline(noiseStd float32) *Pipeline {
	return &Pipeline{
		Stages:     []Stage{Rotate, Scale, Translate, GaussianNoise},
		AngleStd:   30,
		ScaleStd:   0.2,
		OffsetFrac: 0.1,
		NoiseStd:   noiseStd,
	}
}

// Params is one random draw for a batch. Slices are indexed by sample.
type Params struct {
	Angles  []float32    // degrees, counter-clockwise
	Scales  []float32    // about the image centre
	Offsets [][2]float32 // pixels, (x, y)
	Noise   *tensor.Tensor
}

func (p *Pipeline) has(s Stage) bool {
	for _, st := range p.Stages {
		if st == s {
			return true
		}
	}
	return false
}

// Sample draws parameters for a batch of the given (N, C, H, W) shape. The
// draw order is noise, offsets, angles, scales, so a seeded source gives the
// same corruption for the same configuration.
func (p *Pipeline) Sample(rng *rand.Rand, shape []int) (*Params, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}
	if len(shape) != 4 || shape[0] <= 0 {
		return nil, fmt.Errorf("%w: augmentation needs a non-empty (N, C, H, W) batch, got %v", tensor.ErrShapeMismatch, shape)
	}
	n, w := shape[0], shape[3]
	params := &Params{}

	if p.has(GaussianNoise) {
		noise, err := tensor.RandomNormal(rng, shape, 0, p.NoiseStd, tensor.CPU)
		if err != nil {
			return nil, err
		}
		params.Noise = noise
	}
	if p.has(Translate) {
		std := p.OffsetFrac * float32(w)
		params.Offsets = make([][2]float32, n)
		for i := range params.Offsets {
			params.Offsets[i][0] = float32(rng.NormFloat64()) * std
			params.Offsets[i][1] = float32(rng.NormFloat64()) * std
		}
	}
	if p.has(Rotate) {
		params.Angles = make([]float32, n)
		for i := range params.Angles {
			params.Angles[i] = float32(rng.NormFloat64()) * p.AngleStd
		}
	}
	if p.has(Scale) {
		params.Scales = make([]float32, n)
		for i := range params.Scales {
			params.Scales[i] = float32(rng.NormFloat64())*p.ScaleStd + 1
		}
	}
	return params, nil
}

// Apply corrupts x with previously drawn params
func (p *Pipeline) Apply(x *tensor.Tensor, params *Params) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("%w: augmentation needs (N, C, H, W), got %v", tensor.ErrShapeMismatch, x.Shape)
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	cx, cy := float32(w-1)/2, float32(h-1)/2

	out := x
	var pending []tensor.Affine
	flush := func() error {
		if pending == nil {
			return nil
		}
		warped, err := tensor.AffineWarp(out, pending)
		if err != nil {
			return err
		}
		out, pending = warped, nil
		return nil
	}
	push := func(maps []tensor.Affine) error {
		if pending == nil {
			pending = maps
		} else {
			for i := range pending {
				pending[i] = maps[i].Then(pending[i])
			}
		}
		if !p.Fused {
			return flush()
		}
		return nil
	}

	for _, stage := range p.Stages {
		var err error
		switch stage {
		case Rotate:
			if len(params.Angles) != n {
				return nil, fmt.Errorf("%w: %d angles for batch of %d", tensor.ErrShapeMismatch, len(params.Angles), n)
			}
			err = push(rotationMaps(params.Angles, cx, cy))
		case Scale:
			if len(params.Scales) != n {
				return nil, fmt.Errorf("%w: %d scales for batch of %d", tensor.ErrShapeMismatch, len(params.Scales), n)
			}
			err = push(scaleMaps(params.Scales, cx, cy))
		case Translate:
			if len(params.Offsets) != n {
				return nil, fmt.Errorf("%w: %d offsets for batch of %d", tensor.ErrShapeMismatch, len(params.Offsets), n)
			}
			err = push(translationMaps(params.Offsets))
		case GaussianNoise:
			if err = flush(); err != nil {
				break
			}
			if params.Noise == nil {
				return nil, fmt.Errorf("noise stage without a noise tensor")
			}
			out, err = tensor.Add(out, params.Noise)
		default:
			err = fmt.Errorf("unknown augmentation stage %d", stage)
		}
		if err != nil {
			return nil, fmt.Errorf("augment %s: %w", stage, err)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// Forward draws fresh parameters and applies them
func (p *Pipeline) Forward(x *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	params, err := p.Sample(rng, x.Shape)
	if err != nil {
		return nil, err
	}
	return p.Apply(x, params)
}

// rotationMaps rotates content counter-clockwise about (cx, cy). The returned
// maps go from output to input, i.e. they rotate by -angle.
func rotationMaps(angles []float32, cx, cy float32) []tensor.Affine {
	maps := make([]tensor.Affine, len(angles))
	for i, deg := range angles {
		sin, cos := math.Sincos(float64(deg) * math.Pi / 180)
		c, s := float32(cos), float32(sin)
		maps[i] = tensor.Affine{
			c, -s, cx - c*cx + s*cy,
			s, c, cy - s*cx - c*cy,
		}
	}
	return maps
}

func scaleMaps(scales []float32, cx, cy float32) []tensor.Affine {
	maps := make([]tensor.Affine, len(scales))
	for i, s := range scales {
		if float32(math.Abs(float64(s))) < minScale {
			s = float32(math.Copysign(minScale, float64(s)))
		}
		inv := 1 / s
		maps[i] = tensor.Affine{
			inv, 0, cx - inv*cx,
			0, inv, cy - inv*cy,
		}
	}
	return maps
}

func translationMaps(offsets [][2]float32) []tensor.Affine {
	maps := make([]tensor.Affine, len(offsets))
	for i, o := range offsets {
		maps[i] = tensor.Affine{1, 0, -o[0], 0, 1, -o[1]}
	}
	return maps
}
