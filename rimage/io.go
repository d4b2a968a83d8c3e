package rimage

import (
	"image"
	"image/draw"
	// register formats.
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/lmittmann/ppm"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	_ "golang.org/x/image/bmp"  // register bmp
	_ "golang.org/x/image/tiff" // register tiff
)

// ReadImageFile decodes an image file. PNG, JPEG, PPM, TIFF and BMP are supported.
func ReadImageFile(path string) (image.Image, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading image file %q", path)
	}
	defer utils.UncheckedErrorFunc(f.Close)
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "error decoding image file %q", path)
	}
	return img, nil
}

// ReadGrayFile decodes an image file into gray levels.
func ReadGrayFile(path string) (*FloatGray, error) {
	img, err := ReadImageFile(path)
	if err != nil {
		return nil, err
	}
	return NewFloatGrayFromImage(img), nil
}

// WriteImageFile encodes img by the file extension: .ppm through lmittmann/ppm, everything else
// imaging knows (png, jpg, gif, tif, bmp). A failed ppm encoding leaves no file behind.
func WriteImageFile(path string, img image.Image) (err error) {
	if strings.ToLower(filepath.Ext(path)) != ".ppm" {
		return errors.Wrapf(imaging.Save(img, path), "error writing image file %q", path)
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "error writing image file %q", path)
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			utils.UncheckedError(os.Remove(path))
		}
	}()
	return errors.Wrapf(ppm.Encode(f, toRGBA(img)), "error encoding image file %q", path)
}

// toRGBA returns img as an *image.RGBA, the only color model the ppm encoder accepts.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}
