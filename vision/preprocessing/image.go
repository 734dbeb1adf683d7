package preprocessing

import (
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/tsawler/go-cyclegan/tensor"
)

// ErrShapeMismatch is returned when the two halves of a pair end up with
// different shapes after preprocessing
var ErrShapeMismatch = errors.New("paired images have different shapes")

// TransformConfig describes the paired transform applied to every sample
type TransformConfig struct {
	Size     int        // output height and width
	FlipProb float64    // probability of a horizontal flip
	Mean     [3]float32 // per-channel mean after scaling by MaxPixel
	Std      [3]float32 // per-channel std after scaling by MaxPixel
	MaxPixel float32
}

// DefaultTransformConfig resizes to 200x200, flips half the time and maps
// pixels to [-1, 1]
func DefaultTransformConfig() TransformConfig {
	return TransformConfig{
		Size:     200,
		FlipProb: 0.5,
		Mean:     [3]float32{0.5, 0.5, 0.5},
		Std:      [3]float32{0.5, 0.5, 0.5},
		MaxPixel: 255,
	}
}

// PairedTransform applies one randomized spatial transform to both images
// of a sample, so they always get the same flip decision.
type PairedTransform struct {
	mu  sync.Mutex
	cfg TransformConfig
	rng *rand.Rand
}

// NewPairedTransform creates a transform whose random decisions come from seed
func NewPairedTransform(cfg TransformConfig, seed int64) (*PairedTransform, error) {
	if cfg.Size <= 0 {
		return nil, errors.Errorf("transform size must be positive, got %d", cfg.Size)
	}
	if cfg.FlipProb < 0 || cfg.FlipProb > 1 {
		return nil, errors.Errorf("flip probability must be in [0, 1], got %f", cfg.FlipProb)
	}
	for c := 0; c < 3; c++ {
		if cfg.Std[c] == 0 {
			return nil, errors.Errorf("std for channel %d is zero", c)
		}
	}
	if cfg.MaxPixel <= 0 {
		return nil, errors.Errorf("max pixel value must be positive, got %f", cfg.MaxPixel)
	}
	return &PairedTransform{cfg: cfg, rng: rand.New(rand.NewSource(seed))}, nil
}

func (p *PairedTransform) Config() TransformConfig {
	return p.cfg
}

// Transform converts both images to normalized CHW tensors using the
// transform's own random source.
func (p *PairedTransform) Transform(a, b image.Image) (*tensor.Tensor, *tensor.Tensor, error) {
	p.mu.Lock()
	flip := p.rng.Float64() < p.cfg.FlipProb
	p.mu.Unlock()
	return p.apply(a, b, flip)
}

// TransformWith is Transform with the random decisions drawn from rng, so a
// caller can make the outcome independent of call order.
func (p *PairedTransform) TransformWith(rng *rand.Rand, a, b image.Image) (*tensor.Tensor, *tensor.Tensor, error) {
	flip := rng.Float64() < p.cfg.FlipProb
	return p.apply(a, b, flip)
}

func (p *PairedTransform) apply(a, b image.Image, flip bool) (*tensor.Tensor, *tensor.Tensor, error) {
	if a == nil || b == nil {
		return nil, nil, errors.New("nil image in pair")
	}
	return p.pair(p.Prepare(a), p.Prepare(b), flip)
}

// PairPrepared finishes a pair of Prepare outputs: one flip decision drawn
// from rng is applied to both, and the data is copied into new tensors.
func (p *PairedTransform) PairPrepared(rng *rand.Rand, a, b []float32) (*tensor.Tensor, *tensor.Tensor, error) {
	flip := rng.Float64() < p.cfg.FlipProb
	return p.pair(a, b, flip)
}

func (p *PairedTransform) pair(a, b []float32, flip bool) (*tensor.Tensor, *tensor.Tensor, error) {
	size := p.cfg.Size
	want := 3 * size * size
	if len(a) != want || len(b) != want {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "expected %d values per image, got %d and %d", want, len(a), len(b))
	}

	shape := []int{3, size, size}
	var da, db []float32
	if flip {
		da, db = FlipHorizontal(a, 3, size, size), FlipHorizontal(b, 3, size, size)
	} else {
		da, db = append([]float32(nil), a...), append([]float32(nil), b...)
	}
	ta, err := tensor.NewTensor(shape, da)
	if err != nil {
		return nil, nil, err
	}
	tb, err := tensor.NewTensor(shape, db)
	if err != nil {
		return nil, nil, err
	}
	return ta, tb, nil
}

// Prepare resizes img to Size x Size and returns it as normalized [3, Size, Size]
// data. No random transform is applied, so the result can be cached.
func (p *PairedTransform) Prepare(img image.Image) []float32 {
	size := p.cfg.Size
	src := opaque(img)
	resized := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(resized, resized.Bounds(), src, src.Bounds(), draw.Src, nil)

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := resized.PixOffset(x, y)
			idx := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(resized.Pix[off+c]) / p.cfg.MaxPixel
				data[c*plane+idx] = (v - p.cfg.Mean[c]) / p.cfg.Std[c]
			}
		}
	}
	return data
}

// opaque drops alpha the way an RGB conversion does: every pixel keeps its
// straight color and becomes fully opaque, so transparent regions are not
// darkened by premultiplication during the resize.
func opaque(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 255
			out.SetNRGBA(x-b.Min.X, y-b.Min.Y, c)
		}
	}
	return out
}

// FlipHorizontal returns a left-right mirrored copy of CHW data
func FlipHorizontal(chw []float32, channels, height, width int) []float32 {
	out := make([]float32, len(chw))
	for c := 0; c < channels; c++ {
		for y := 0; y < height; y++ {
			row := (c*height + y) * width
			for x := 0; x < width; x++ {
				out[row+x] = chw[row+width-1-x]
			}
		}
	}
	return out
}

// Decode reads a JPEG, PNG or BMP image
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	return img, nil
}

// LoadImage opens and decodes the image at path
func LoadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %s", path)
	}
	defer file.Close()

	img, err := Decode(file)
	if err != nil {
		return nil, errors.WithMessagef(err, "image %s", path)
	}
	return img, nil
}

// Denormalize maps normalized values back to [0, 1] with x*0.5+0.5,
// clamping anything outside the range
func Denormalize(data []float32) []float32 {
	out := make([]float32, len(data))
	for i, v := range data {
		v = v*0.5 + 0.5
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		out[i] = v
	}
	return out
}

// ToImage converts [3, H, W] data in [0, 1] to an RGBA image
func ToImage(chw []float32, height, width int) (*image.RGBA, error) {
	plane := height * width
	if len(chw) != 3*plane {
		return nil, errors.Errorf("expected %d values for a 3x%dx%d image, got %d", 3*plane, height, width, len(chw))
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			img.SetRGBA(x, y, color.RGBA{
				R: toByte(chw[idx]),
				G: toByte(chw[plane+idx]),
				B: toByte(chw[2*plane+idx]),
				A: 255,
			})
		}
	}
	return img, nil
}

func toByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

// SavePNG encodes img to path, creating parent directories as needed
func SavePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return errors.Wrapf(err, "failed to encode %s", path)
	}
	return file.Close()
}

// SaveNormalizedPNG denormalizes a [3, H, W] or [N, 3, H, W] tensor and
// writes it as a PNG. Batches are tiled into a grid of up to GridColumns
// images per row separated by GridPadding black pixels.
func SaveNormalizedPNG(path string, t *tensor.Tensor) error {
	shape := t.Shape
	if len(shape) == 3 {
		shape = append([]int{1}, shape...)
	}
	if len(shape) != 4 || shape[1] != 3 {
		return errors.Errorf("expected a 3-channel CHW or NCHW tensor, got shape %v", t.Shape)
	}
	n, h, w := shape[0], shape[2], shape[3]
	if len(t.Data) != n*3*h*w {
		return errors.Errorf("tensor of shape %v holds %d values", t.Shape, len(t.Data))
	}
	data := Denormalize(t.Data)
	if n == 1 {
		img, err := ToImage(data, h, w)
		if err != nil {
			return err
		}
		return SavePNG(path, img)
	}

	img := gridImage(data, n, h, w)
	return SavePNG(path, img)
}

// Grid layout used for batches
const (
	GridColumns = 8
	GridPadding = 2
)

func gridImage(data []float32, n, h, w int) *image.RGBA {
	cols := n
	if cols > GridColumns {
		cols = GridColumns
	}
	rows := (n + cols - 1) / cols
	cellW, cellH := w+GridPadding, h+GridPadding
	grid := image.NewRGBA(image.Rect(0, 0, cols*cellW+GridPadding, rows*cellH+GridPadding))
	draw.Draw(grid, grid.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	per := 3 * h * w
	for i := 0; i < n; i++ {
		// each slice has the right length, so ToImage cannot fail
		tile, _ := ToImage(data[i*per:(i+1)*per], h, w)
		x := (i%cols)*cellW + GridPadding
		y := (i/cols)*cellH + GridPadding
		draw.Draw(grid, image.Rect(x, y, x+w, y+h), tile, image.Point{}, draw.Src)
	}
	return grid
}
