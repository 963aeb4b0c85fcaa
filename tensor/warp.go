package tensor

import (
	"fmt"
	"math"
)

// Affine is a 2x3 matrix mapping output pixel coordinates (x, y) to input
// coordinates: srcX = A*x + B*y + C, srcY = D*x + E*y + F.
type Affine [6]float32

// IdentityAffine leaves an image unchanged
func IdentityAffine() Affine {
	return Affine{1, 0, 0, 0, 1, 0}
}

// Then returns the map that first applies a (output to intermediate) and then
// b (intermediate to input).
func (a Affine) Then(b Affine) Affine {
	return Affine{
		b[0]*a[0] + b[1]*a[3],
		b[0]*a[1] + b[1]*a[4],
		b[0]*a[2] + b[1]*a[5] + b[2],
		b[3]*a[0] + b[4]*a[3],
		b[3]*a[1] + b[4]*a[4],
		b[3]*a[2] + b[4]*a[5] + b[5],
	}
}

// Apply maps an output coordinate to its source coordinate
func (a Affine) Apply(x, y float32) (float32, float32) {
	return a[0]*x + a[1]*y + a[2], a[3]*x + a[4]*y + a[5]
}

type bilinearTap struct {
	idx    [4]int
	weight [4]float32
}

// AffineWarp resamples each image of a (N, C, H, W) batch through its own
// inverse map with bilinear interpolation. Samples outside the image read
// zero. Gradients flow to the input only; the maps are constants.
func AffineWarp(input *Tensor, maps []Affine) (*Tensor, error) {
	if err := check4D("affine_warp", input); err != nil {
		return nil, err
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	if len(maps) != n {
		return nil, fmt.Errorf("%w: affine_warp got %d maps for batch of %d", ErrShapeMismatch, len(maps), n)
	}

	spatial := h * w
	taps := make([]bilinearTap, n*spatial)
	for i, m := range maps {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				sx, sy := m.Apply(float32(x), float32(y))
				taps[i*spatial+y*w+x] = bilinear(sx, sy, h, w)
			}
		}
	}

	out := newLike(input)
	_, err := parallelChunks(n, func(_, start, end int) error {
		for i := start; i < end; i++ {
			for ch := 0; ch < c; ch++ {
				src := input.Data[(i*c+ch)*spatial:][:spatial]
				dst := out.Data[(i*c+ch)*spatial:][:spatial]
				for p := range dst {
					t := &taps[i*spatial+p]
					var v float32
					for k := 0; k < 4; k++ {
						if t.weight[k] != 0 {
							v += t.weight[k] * src[t.idx[k]]
						}
					}
					dst[p] = v
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return record(out, &warpOp{input: input, taps: taps}), nil
}

// bilinear returns the four neighbours of (x, y) and their weights. Weights of
// neighbours outside the image are zero.
func bilinear(x, y float32, h, w int) bilinearTap {
	var t bilinearTap
	if math.IsNaN(float64(x)) || math.IsNaN(float64(y)) {
		return t
	}
	x0f := float32(math.Floor(float64(x)))
	y0f := float32(math.Floor(float64(y)))
	fx, fy := x-x0f, y-y0f
	if x0f < -1 || y0f < -1 || x0f > float32(w) || y0f > float32(h) {
		return t
	}
	x0, y0 := int(x0f), int(y0f)

	corners := [4][3]float32{
		{0, 0, (1 - fx) * (1 - fy)},
		{1, 0, fx * (1 - fy)},
		{0, 1, (1 - fx) * fy},
		{1, 1, fx * fy},
	}
	for k, cn := range corners {
		xi, yi := x0+int(cn[0]), y0+int(cn[1])
		if xi < 0 || xi >= w || yi < 0 || yi >= h {
			continue
		}
		t.idx[k] = yi*w + xi
		t.weight[k] = cn[2]
	}
	return t
}

type warpOp struct {
	input *Tensor
	taps  []bilinearTap
}

func (op *warpOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *warpOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	n, c := op.input.Shape[0], op.input.Shape[1]
	spatial := op.input.Shape[2] * op.input.Shape[3]
	grad := newLike(op.input)

	_, err := parallelChunks(n, func(_, start, end int) error {
		for i := start; i < end; i++ {
			for ch := 0; ch < c; ch++ {
				g := gradOut.Data[(i*c+ch)*spatial:][:spatial]
				dst := grad.Data[(i*c+ch)*spatial:][:spatial]
				for p, gv := range g {
					t := &op.taps[i*spatial+p]
					for k := 0; k < 4; k++ {
						if t.weight[k] != 0 {
							dst[t.idx[k]] += t.weight[k] * gv
						}
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}
