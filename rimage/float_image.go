package rimage

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/eglrp/Calib3DTools/utils"
)

// FloatGray is a single channel image with float64 samples, nominally in [0, 255].
type FloatGray struct {
	width, height int
	data          []float64
}

// NewFloatGray returns a zeroed image.
func NewFloatGray(width, height int) *FloatGray {
	return &FloatGray{width: width, height: height, data: make([]float64, width*height)}
}

// NewFloatGrayFromData wraps row major data. The slice is not copied.
func NewFloatGrayFromData(width, height int, data []float64) (*FloatGray, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid image size %dx%d", width, height)
	}
	if len(data) != width*height {
		return nil, errors.Errorf("expected %d samples for a %dx%d image but got %d", width*height, width, height, len(data))
	}
	return &FloatGray{width: width, height: height, data: data}, nil
}

// NewFloatGrayFromImage converts any image to gray levels. Color images go through
// imaging.Grayscale.
func NewFloatGrayFromImage(img image.Image) *FloatGray {
	bounds := img.Bounds()
	fg := NewFloatGray(bounds.Dx(), bounds.Dy())
	if gray, ok := img.(*image.Gray); ok {
		for y := 0; y < fg.height; y++ {
			row := gray.Pix[(y)*gray.Stride : (y)*gray.Stride+fg.width]
			for x, v := range row {
				fg.data[fg.kxy(x, y)] = float64(v)
			}
		}
		return fg
	}
	nrgba := imaging.Grayscale(img)
	for y := 0; y < fg.height; y++ {
		for x := 0; x < fg.width; x++ {
			fg.data[fg.kxy(x, y)] = float64(nrgba.Pix[y*nrgba.Stride+4*x])
		}
	}
	return fg
}

func (fg *FloatGray) kxy(x, y int) int {
	return (y * fg.width) + x
}

// Width returns the number of columns.
func (fg *FloatGray) Width() int {
	return fg.width
}

// Height returns the number of rows.
func (fg *FloatGray) Height() int {
	return fg.height
}

// Bounds returns the image rectangle with origin zero.
func (fg *FloatGray) Bounds() image.Rectangle {
	return image.Rect(0, 0, fg.width, fg.height)
}

// In reports whether (x, y) is a pixel of the image.
func (fg *FloatGray) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < fg.width && y < fg.height
}

// Get returns the sample at (x, y).
func (fg *FloatGray) Get(x, y int) float64 {
	return fg.data[fg.kxy(x, y)]
}

// Set stores the sample at (x, y).
func (fg *FloatGray) Set(x, y int, v float64) {
	fg.data[fg.kxy(x, y)] = v
}

// Row returns the samples of row y. Writes go to the image.
func (fg *FloatGray) Row(y int) []float64 {
	return fg.data[y*fg.width : (y+1)*fg.width]
}

// Data returns the row major samples. Writes go to the image.
func (fg *FloatGray) Data() []float64 {
	return fg.data
}

// Clone returns a deep copy.
func (fg *FloatGray) Clone() *FloatGray {
	out := NewFloatGray(fg.width, fg.height)
	copy(out.data, fg.data)
	return out
}

// ColorModel is part of image.Image.
func (fg *FloatGray) ColorModel() color.Model {
	return color.GrayModel
}

// At is part of image.Image; samples are rounded and clamped.
func (fg *FloatGray) At(x, y int) color.Color {
	if !fg.In(x, y) {
		return color.Gray{}
	}
	return color.Gray{Y: toUint8(fg.Get(x, y))}
}

// ToGray rounds and clamps the samples into an 8 bit image.
func (fg *FloatGray) ToGray() *image.Gray {
	out := image.NewGray(fg.Bounds())
	for y := 0; y < fg.height; y++ {
		for x := 0; x < fg.width; x++ {
			out.Pix[y*out.Stride+x] = toUint8(fg.Get(x, y))
		}
	}
	return out
}

// FloatRGB is a three channel image with one FloatGray plane per channel.
type FloatRGB struct {
	Planes [3]*FloatGray
}

// NewFloatRGB returns a zeroed image.
func NewFloatRGB(width, height int) *FloatRGB {
	return &FloatRGB{Planes: [3]*FloatGray{
		NewFloatGray(width, height),
		NewFloatGray(width, height),
		NewFloatGray(width, height),
	}}
}

// NewFloatRGBFromImage splits an image into red, green and blue planes. Alpha is ignored.
func NewFloatRGBFromImage(img image.Image) *FloatRGB {
	nrgba := imaging.Clone(img)
	bounds := nrgba.Bounds()
	out := NewFloatRGB(bounds.Dx(), bounds.Dy())
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			offset := y*nrgba.Stride + 4*x
			for c := 0; c < 3; c++ {
				out.Planes[c].Set(x, y, float64(nrgba.Pix[offset+c]))
			}
		}
	}
	return out
}

// Width returns the number of columns.
func (rgb *FloatRGB) Width() int {
	return rgb.Planes[0].Width()
}

// Height returns the number of rows.
func (rgb *FloatRGB) Height() int {
	return rgb.Planes[0].Height()
}

// Bounds returns the image rectangle with origin zero.
func (rgb *FloatRGB) Bounds() image.Rectangle {
	return rgb.Planes[0].Bounds()
}

// ToNRGBA rounds and clamps the planes into an opaque 8 bit image.
func (rgb *FloatRGB) ToNRGBA() *image.NRGBA {
	out := image.NewNRGBA(rgb.Bounds())
	for y := 0; y < rgb.Height(); y++ {
		for x := 0; x < rgb.Width(); x++ {
			offset := y*out.Stride + 4*x
			for c := 0; c < 3; c++ {
				out.Pix[offset+c] = toUint8(rgb.Planes[c].Get(x, y))
			}
			out.Pix[offset+3] = 255
		}
	}
	return out
}

// IsGrayImage reports whether every pixel has equal red, green and blue.
func IsGrayImage(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return true
	}
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			if r != g || g != b {
				return false
			}
		}
	}
	return true
}

func toUint8(v float64) uint8 {
	return uint8(math.Round(utils.Clamp(v, 0, 255)))
}
