package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/tsawler/glyph-ae/tensor"
)

// GridRenderer tiles a batch of images into a single picture. The canvas is
// reused between calls of the same size.
type GridRenderer struct {
	mu     sync.Mutex
	canvas *image.RGBA

	Pad        int         // pixels between and around cells
	Scale      int         // integer upscale factor applied to the tiled grid
	Background color.Color // fills the padding
}

// NewGridRenderer creates a renderer with the given padding and upscale factor
func NewGridRenderer(pad, scale int) *GridRenderer {
	if scale < 1 {
		scale = 1
	}
	return &GridRenderer{Pad: pad, Scale: scale, Background: color.Black}
}

// Render tiles a (N, C, H, W) batch of values in [0, 1] row-major into rows x
// cols cells. Single channel images are drawn in grey, three or more channels
// as RGB from the first three. Other channel counts use the first channel.
// The returned image is owned by the caller.
func (r *GridRenderer) Render(t *tensor.Tensor, rows, cols int) (*image.RGBA, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("%w: grid needs (N, C, H, W), got %v", tensor.ErrShapeMismatch, t.Shape)
	}
	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("grid must have positive rows and cols, got %dx%d", rows, cols)
	}
	if n > rows*cols {
		return nil, fmt.Errorf("%d images do not fit a %dx%d grid", n, rows, cols)
	}
	if r.Pad < 0 {
		return nil, fmt.Errorf("padding must be non-negative, got %d", r.Pad)
	}

	width := cols*w + (cols+1)*r.Pad
	height := rows*h + (rows+1)*r.Pad

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.canvas == nil || r.canvas.Bounds().Dx() != width || r.canvas.Bounds().Dy() != height {
		r.canvas = image.NewRGBA(image.Rect(0, 0, width, height))
	}
	canvas := r.canvas
	bg := r.Background
	if bg == nil {
		bg = color.Black
	}
	xdraw.Draw(canvas, canvas.Bounds(), image.NewUniform(bg), image.Point{}, xdraw.Src)

	plane := h * w
	for i := 0; i < n; i++ {
		ox := r.Pad + (i%cols)*(w+r.Pad)
		oy := r.Pad + (i/cols)*(h+r.Pad)
		base := i * c * plane
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := base + y*w + x
				var px color.RGBA
				if c >= 3 {
					px = color.RGBA{
						R: toByte(t.Data[idx]),
						G: toByte(t.Data[idx+plane]),
						B: toByte(t.Data[idx+2*plane]),
						A: 255,
					}
				} else {
					v := toByte(t.Data[idx])
					px = color.RGBA{R: v, G: v, B: v, A: 255}
				}
				canvas.SetRGBA(ox+x, oy+y, px)
			}
		}
	}

	out := Upscale(canvas, r.Scale)
	if out == canvas {
		out = image.NewRGBA(canvas.Bounds())
		copy(out.Pix, canvas.Pix)
	}
	return out, nil
}

// toByte clamps v to [0, 1] and maps it to 0..255. NaN maps to 0.
func toByte(v float32) uint8 {
	if v != v || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(math.Round(float64(v) * 255))
}

// ImagesToGrid tiles a batch with the given padding and no upscaling
func ImagesToGrid(t *tensor.Tensor, rows, cols, pad int) (*image.RGBA, error) {
	return NewGridRenderer(pad, 1).Render(t, rows, cols)
}

// Upscale enlarges img by an integer factor with nearest-neighbour sampling,
// keeping glyph edges sharp. A factor of 1 or less returns img unchanged.
func Upscale(img *image.RGBA, factor int) *image.RGBA {
	if factor <= 1 {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// SplitGrid cuts a rendered grid back into rows*cols cells of size h x w.
// scale and pad must match the values used to render it.
func SplitGrid(img image.Image, rows, cols, h, w, pad, scale int) ([]image.Image, error) {
	if scale < 1 {
		scale = 1
	}
	width := cols*w + (cols+1)*pad
	height := rows*h + (rows+1)*pad
	b := img.Bounds()
	if b.Dx() != width*scale || b.Dy() != height*scale {
		return nil, fmt.Errorf("image is %dx%d, a %dx%d grid of %dx%d cells needs %dx%d",
			b.Dx(), b.Dy(), rows, cols, w, h, width*scale, height*scale)
	}

	src := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.NearestNeighbor.Scale(src, src.Bounds(), img, b, xdraw.Src, nil)

	cells := make([]image.Image, 0, rows*cols)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			x0 := pad + col*(w+pad)
			y0 := pad + row*(h+pad)
			cells = append(cells, src.SubImage(image.Rect(x0, y0, x0+w, y0+h)))
		}
	}
	return cells, nil
}

// SavePNG encodes img to path, creating parent directories. An existing
// file is replaced.
func SavePNG(img image.Image, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create image directory: %w", err)
		}
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	defer os.Remove(f.Name())

	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode PNG: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// TimestampedPath returns dir/prefix_<timestamp>.png
func TimestampedPath(dir, prefix string, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.png", prefix, t.Format("20060102-150405")))
}
