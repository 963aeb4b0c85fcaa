package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Conv2DOutputSize returns the spatial size produced by a strided convolution
func Conv2DOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// ConvTranspose2DOutputSize returns the spatial size produced by a transposed convolution
func ConvTranspose2DOutputSize(in, kernel, stride, padding int) int {
	return (in-1)*stride - 2*padding + kernel
}

// im2col unrolls kernel windows of a (channels, height, width) image into a
// (channels*kernel*kernel, outH*outW) matrix. Out-of-bounds taps read zero.
func im2col(src []float32, channels, height, width, kernel, stride, padding, outH, outW int, cols []float32) {
	spatial := outH * outW
	for c := 0; c < channels; c++ {
		for ki := 0; ki < kernel; ki++ {
			for kj := 0; kj < kernel; kj++ {
				row := cols[((c*kernel+ki)*kernel+kj)*spatial:][:spatial]
				for oh := 0; oh < outH; oh++ {
					ih := oh*stride - padding + ki
					dst := row[oh*outW:][:outW]
					if ih < 0 || ih >= height {
						clear(dst)
						continue
					}
					srcRow := src[(c*height+ih)*width:][:width]
					for ow := range dst {
						iw := ow*stride - padding + kj
						if iw < 0 || iw >= width {
							dst[ow] = 0
						} else {
							dst[ow] = srcRow[iw]
						}
					}
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it scatter-adds the column matrix back into
// a (channels, height, width) image.
func col2im(cols []float32, channels, height, width, kernel, stride, padding, outH, outW int, dst []float32) {
	spatial := outH * outW
	for c := 0; c < channels; c++ {
		for ki := 0; ki < kernel; ki++ {
			for kj := 0; kj < kernel; kj++ {
				row := cols[((c*kernel+ki)*kernel+kj)*spatial:][:spatial]
				for oh := 0; oh < outH; oh++ {
					ih := oh*stride - padding + ki
					if ih < 0 || ih >= height {
						continue
					}
					dstRow := dst[(c*height+ih)*width:][:width]
					src := row[oh*outW:][:outW]
					for ow, v := range src {
						iw := ow*stride - padding + kj
						if iw >= 0 && iw < width {
							dstRow[iw] += v
						}
					}
				}
			}
		}
	}
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

func addChannelBias(out []float32, bias []float32, spatial int) {
	for c, b := range bias {
		row := out[c*spatial:][:spatial]
		for i := range row {
			row[i] += b
		}
	}
}

// sumChannelGrad adds per-channel sums of grad (channels, spatial) into acc
func sumChannelGrad(acc []float32, grad []float32, spatial int) {
	for c := range acc {
		var s float32
		for _, v := range grad[c*spatial:][:spatial] {
			s += v
		}
		acc[c] += s
	}
}

// reduceWorkers folds per-worker accumulators into a single slice
func reduceWorkers(parts [][]float32, workers int) []float32 {
	out := parts[0]
	for w := 1; w < workers; w++ {
		for i, v := range parts[w] {
			out[i] += v
		}
	}
	return out
}

func check4D(name string, t *Tensor) error {
	if len(t.Shape) != 4 {
		return fmt.Errorf("%w: %s expects 4D input [batch, channels, height, width], got %v", ErrShapeMismatch, name, t.Shape)
	}
	return nil
}

// Conv2D computes a strided 2D convolution.
// input: (N, Cin, H, W); weight: (Cout, Cin, K, K); bias: (Cout) or nil.
func Conv2D(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	if err := check4D("conv2d", input); err != nil {
		return nil, err
	}
	if err := checkDevices(input, weight, bias); err != nil {
		return nil, fmt.Errorf("conv2d: %w", err)
	}
	if len(weight.Shape) != 4 || weight.Shape[2] != weight.Shape[3] {
		return nil, fmt.Errorf("%w: conv2d weight must be [out, in, k, k], got %v", ErrShapeMismatch, weight.Shape)
	}
	n, cin, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	cout, k := weight.Shape[0], weight.Shape[2]
	if weight.Shape[1] != cin {
		return nil, fmt.Errorf("%w: conv2d expects %d input channels, got %d", ErrShapeMismatch, weight.Shape[1], cin)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != cout) {
		return nil, fmt.Errorf("%w: conv2d bias must be [%d], got %v", ErrShapeMismatch, cout, bias.Shape)
	}
	if stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("conv2d: invalid stride %d or padding %d", stride, padding)
	}
	oh, ow := Conv2DOutputSize(h, k, stride, padding), Conv2DOutputSize(w, k, stride, padding)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: conv2d output would be %dx%d for input %dx%d", ErrShapeMismatch, oh, ow, h, w)
	}

	out, err := NewTensor([]int{n, cout, oh, ow}, input.Device, nil)
	if err != nil {
		return nil, err
	}

	g := &convGeometry{n: n, cin: cin, h: h, w: w, cout: cout, k: k, stride: stride, padding: padding, oh: oh, ow: ow}
	rows := cin * k * k
	wMat := general(cout, rows, weight.Data)
	_, err = parallelChunks(n, func(_, start, end int) error {
		cols := make([]float32, rows*oh*ow)
		for i := start; i < end; i++ {
			im2col(input.Data[i*cin*h*w:], cin, h, w, k, stride, padding, oh, ow, cols)
			dst := out.Data[i*cout*oh*ow:][:cout*oh*ow]
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, wMat, general(rows, oh*ow, cols), 0, general(cout, oh*ow, dst))
			if bias != nil {
				addChannelBias(dst, bias.Data, oh*ow)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return record(out, &conv2DOp{input: input, weight: weight, bias: bias, geom: g}), nil
}

type convGeometry struct {
	n, cin, h, w    int
	cout, k         int
	stride, padding int
	oh, ow          int
}

type conv2DOp struct {
	input, weight, bias *Tensor
	geom                *convGeometry
}

func (op *conv2DOp) Inputs() []*Tensor { return []*Tensor{op.input, op.weight, op.bias} }

func (op *conv2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := op.geom
	rows := g.cin * g.k * g.k
	spatial := g.oh * g.ow
	wMat := general(g.cout, rows, op.weight.Data)

	gradInput := newLike(op.input)
	workers := workerCount(g.n)
	gradW := make([][]float32, workers)
	gradB := make([][]float32, workers)

	used, err := parallelChunks(g.n, func(worker, start, end int) error {
		gw := make([]float32, len(op.weight.Data))
		gb := make([]float32, g.cout)
		cols := make([]float32, rows*spatial)
		dcols := make([]float32, rows*spatial)
		for i := start; i < end; i++ {
			src := op.input.Data[i*g.cin*g.h*g.w:]
			gOut := general(g.cout, spatial, gradOut.Data[i*g.cout*spatial:])
			im2col(src, g.cin, g.h, g.w, g.k, g.stride, g.padding, g.oh, g.ow, cols)
			// dW += dY · colsᵀ
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, gOut, general(rows, spatial, cols), 1, general(g.cout, rows, gw))
			// dcols = Wᵀ · dY
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, wMat, gOut, 0, general(rows, spatial, dcols))
			col2im(dcols, g.cin, g.h, g.w, g.k, g.stride, g.padding, g.oh, g.ow, gradInput.Data[i*g.cin*g.h*g.w:])
			sumChannelGrad(gb, gOut.Data, spatial)
		}
		gradW[worker] = gw
		gradB[worker] = gb
		return nil
	})
	if err != nil {
		return nil, err
	}

	gw := newLike(op.weight)
	gw.Data = reduceWorkers(gradW, used)
	var gb *Tensor
	if op.bias != nil {
		gb = newLike(op.bias)
		gb.Data = reduceWorkers(gradB, used)
	}
	return []*Tensor{gradInput, gw, gb}, nil
}

// ConvTranspose2D computes a strided transposed convolution (fractionally
// strided convolution) as defined by PyTorch's ConvTranspose2d.
// input: (N, Cin, H, W); weight: (Cin, Cout, K, K); bias: (Cout) or nil.
func ConvTranspose2D(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	if err := check4D("conv_transpose2d", input); err != nil {
		return nil, err
	}
	if err := checkDevices(input, weight, bias); err != nil {
		return nil, fmt.Errorf("conv_transpose2d: %w", err)
	}
	if len(weight.Shape) != 4 || weight.Shape[2] != weight.Shape[3] {
		return nil, fmt.Errorf("%w: conv_transpose2d weight must be [in, out, k, k], got %v", ErrShapeMismatch, weight.Shape)
	}
	n, cin, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	cout, k := weight.Shape[1], weight.Shape[2]
	if weight.Shape[0] != cin {
		return nil, fmt.Errorf("%w: conv_transpose2d expects %d input channels, got %d", ErrShapeMismatch, weight.Shape[0], cin)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != cout) {
		return nil, fmt.Errorf("%w: conv_transpose2d bias must be [%d], got %v", ErrShapeMismatch, cout, bias.Shape)
	}
	if stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("conv_transpose2d: invalid stride %d or padding %d", stride, padding)
	}
	oh, ow := ConvTranspose2DOutputSize(h, k, stride, padding), ConvTranspose2DOutputSize(w, k, stride, padding)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: conv_transpose2d output would be %dx%d for input %dx%d", ErrShapeMismatch, oh, ow, h, w)
	}

	out, err := NewTensor([]int{n, cout, oh, ow}, input.Device, nil)
	if err != nil {
		return nil, err
	}

	// The input grid plays the role of the "small" side of im2col/col2im and
	// the output grid the role of the image.
	rows := cout * k * k
	spatial := h * w
	wMat := general(cin, rows, weight.Data)
	_, err = parallelChunks(n, func(_, start, end int) error {
		cols := make([]float32, rows*spatial)
		for i := start; i < end; i++ {
			x := general(cin, spatial, input.Data[i*cin*spatial:])
			// cols = Wᵀ · x
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, wMat, x, 0, general(rows, spatial, cols))
			dst := out.Data[i*cout*oh*ow:][:cout*oh*ow]
			col2im(cols, cout, oh, ow, k, stride, padding, h, w, dst)
			if bias != nil {
				addChannelBias(dst, bias.Data, oh*ow)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	g := &convGeometry{n: n, cin: cin, h: h, w: w, cout: cout, k: k, stride: stride, padding: padding, oh: oh, ow: ow}
	return record(out, &convTranspose2DOp{input: input, weight: weight, bias: bias, geom: g}), nil
}

type convTranspose2DOp struct {
	input, weight, bias *Tensor
	geom                *convGeometry
}

func (op *convTranspose2DOp) Inputs() []*Tensor { return []*Tensor{op.input, op.weight, op.bias} }

func (op *convTranspose2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := op.geom
	rows := g.cout * g.k * g.k
	spatial := g.h * g.w
	outSpatial := g.oh * g.ow
	wMat := general(g.cin, rows, op.weight.Data)

	gradInput := newLike(op.input)
	workers := workerCount(g.n)
	gradW := make([][]float32, workers)
	gradB := make([][]float32, workers)

	used, err := parallelChunks(g.n, func(worker, start, end int) error {
		gw := make([]float32, len(op.weight.Data))
		gb := make([]float32, g.cout)
		gcols := make([]float32, rows*spatial)
		for i := start; i < end; i++ {
			gOut := gradOut.Data[i*g.cout*outSpatial:]
			im2col(gOut, g.cout, g.oh, g.ow, g.k, g.stride, g.padding, g.h, g.w, gcols)
			gc := general(rows, spatial, gcols)
			// dX = W · gcols
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, wMat, gc, 0, general(g.cin, spatial, gradInput.Data[i*g.cin*spatial:]))
			// dW += X · gcolsᵀ
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(g.cin, spatial, op.input.Data[i*g.cin*spatial:]), gc, 1, general(g.cin, rows, gw))
			sumChannelGrad(gb, gOut, outSpatial)
		}
		gradW[worker] = gw
		gradB[worker] = gb
		return nil
	})
	if err != nil {
		return nil, err
	}

	gw := newLike(op.weight)
	gw.Data = reduceWorkers(gradW, used)
	var gb *Tensor
	if op.bias != nil {
		gb = newLike(op.bias)
		gb.Data = reduceWorkers(gradB, used)
	}
	return []*Tensor{gradInput, gw, gb}, nil
}
