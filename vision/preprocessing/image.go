package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/glyph-ae/tensor"
)

// ImageProcessor converts decoded images to network input with buffer reuse
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
	channels      int
}

// NewImageProcessor creates a processor producing the given channel count
// (1 for grey, 3 for RGB)
func NewImageProcessor(channels int) *ImageProcessor {
	return &ImageProcessor{
		channels: channels,
	}
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Decode reads a PNG or JPEG image and converts it with Preprocess
func (p *ImageProcessor) Decode(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return p.Preprocess(img)
}

// Preprocess returns img in CHW format normalized to [0, 1]. Grey output is
// the mean of the three colour channels.
func (p *ImageProcessor) Preprocess(img image.Image) (*ProcessedImage, error) {
	if p.channels != 1 && p.channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", p.channels)
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("image is empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	plane := width * height
	requiredSize := p.channels * plane
	if len(p.processBuffer) < requiredSize {
		p.processBuffer = make([]float32, requiredSize)
	}
	data := p.processBuffer[:requiredSize]

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rv := float32(r) / 65535.0
			gv := float32(g) / 65535.0
			bv := float32(b) / 65535.0

			idx := y*width + x
			if p.channels == 1 {
				data[idx] = (rv + gv + bv) / 3
				continue
			}
			data[idx] = rv
			data[plane+idx] = gv
			data[2*plane+idx] = bv
		}
	}

	// the buffer is reused by the next call
	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    width,
		Height:   height,
		Channels: p.channels,
	}, nil
}

// LoadBatch decodes image files concurrently
func LoadBatch(imagePaths []string, channels int, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}

	results := make([]*ProcessedImage, len(imagePaths))
	var g errgroup.Group
	g.SetLimit(maxWorkers)
	for i, path := range imagePaths {
		g.Go(func() error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			img, err := NewImageProcessor(channels).Decode(f)
			if err != nil {
				return fmt.Errorf("failed to process image %d (%s): %w", i, path, err)
			}
			results[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Stack joins same-sized images into a (N, C, H, W) tensor
func Stack(images []*ProcessedImage, device tensor.DeviceType) (*tensor.Tensor, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("no images to stack")
	}
	first := images[0]
	size := first.Channels * first.Height * first.Width
	data := make([]float32, 0, len(images)*size)
	for i, img := range images {
		if img.Channels != first.Channels || img.Height != first.Height || img.Width != first.Width {
			return nil, fmt.Errorf("%w: image %d is %dx%dx%d, expected %dx%dx%d", tensor.ErrShapeMismatch, i,
				img.Channels, img.Height, img.Width, first.Channels, first.Height, first.Width)
		}
		data = append(data, img.Data...)
	}
	return tensor.NewTensor([]int{len(images), first.Channels, first.Height, first.Width}, device, data)
}
