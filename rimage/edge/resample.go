package edge

import (
	"image"
	"math"

	"github.com/golang/geo/r2"

	"github.com/eglrp/Calib3DTools/rimage"
	"github.com/eglrp/Calib3DTools/utils"
)

// ResampleOptions control the smoothing and subsampling of curves.
type ResampleOptions struct {
	UnitSigma       float64 `json:"unit_sigma" yaml:"unit_sigma"`
	NSigma          float64 `json:"n_sigma" yaml:"n_sigma"`
	Resampling      bool    `json:"resampling" yaml:"resampling"`
	EliminateBorder bool    `json:"eliminate_border" yaml:"eliminate_border"`
	UpFactor        float64 `json:"up_factor" yaml:"up_factor"`
	// DownFactor of zero is derived from Bounds, see DefaultDownFactor.
	DownFactor float64 `json:"down_factor" yaml:"down_factor"`
	// BorderMargin of zero means the smoothing kernel radius, at least one pixel.
	BorderMargin float64         `json:"border_margin" yaml:"border_margin"`
	Bounds       image.Rectangle `json:"-" yaml:"-"`
}

// DefaultResampleOptions returns the resampling defaults for an image of the given size.
func DefaultResampleOptions(width, height int) ResampleOptions {
	return ResampleOptions{
		UnitSigma:  0.8,
		NSigma:     0.8,
		Resampling: true,
		UpFactor:   1,
		Bounds:     image.Rect(0, 0, width, height),
	}
}

// DefaultDownFactor is one point kept every min(w,h)/50 points, at least one.
func DefaultDownFactor(bounds image.Rectangle) float64 {
	return math.Max(1, math.Round(float64(min(bounds.Dx(), bounds.Dy()))/50))
}

// Ratio is the sampling step DownFactor/UpFactor along the curve.
func (o ResampleOptions) Ratio() float64 {
	up := o.UpFactor
	if up <= 0 {
		up = 1
	}
	down := o.DownFactor
	if down <= 0 {
		down = DefaultDownFactor(o.Bounds)
	}
	return down / up
}

// Sigma is the standard deviation of the smoothing along the curve, zero when no smoothing
// applies.
func (o ResampleOptions) Sigma() float64 {
	radicand := utils.Square(o.NSigma*o.Ratio()) - utils.Square(o.UnitSigma)
	if radicand <= 0 {
		return 0
	}
	return math.Sqrt(radicand)
}

// Resample smooths the curve coordinates along the point index with a gaussian, weights
// renormalized at the ends, then keeps one point every Ratio() indices and finally drops the
// points close to the image border. The input is not modified.
func Resample(c Curve, o ResampleOptions) Curve {
	if len(c) == 0 {
		return nil
	}
	sigma := o.Sigma()
	smoothed := smoothCurve(c, sigma)

	sampled := smoothed
	if ratio := o.Ratio(); o.Resampling && ratio != 1 {
		sampled = nil
		last := float64(len(smoothed) - 1)
		for t := 0.; t <= last+1e-9; t += ratio {
			i := int(math.Floor(t))
			if i >= len(smoothed)-1 {
				sampled = append(sampled, smoothed[len(smoothed)-1])
				continue
			}
			frac := t - float64(i)
			sampled = append(sampled, smoothed[i].Mul(1-frac).Add(smoothed[i+1].Mul(frac)))
		}
	}

	if !o.EliminateBorder || o.Bounds.Empty() {
		return sampled
	}
	margin := o.BorderMargin
	if margin <= 0 {
		margin = math.Max(1, float64(rimage.GaussianRadius(sigma)))
	}
	minX, minY := float64(o.Bounds.Min.X)+margin, float64(o.Bounds.Min.Y)+margin
	maxX, maxY := float64(o.Bounds.Max.X-1)-margin, float64(o.Bounds.Max.Y-1)-margin
	kept := sampled[:0:0]
	for _, p := range sampled {
		if p.X >= minX && p.X <= maxX && p.Y >= minY && p.Y <= maxY {
			kept = append(kept, p)
		}
	}
	return kept
}

func smoothCurve(c Curve, sigma float64) Curve {
	out := make(Curve, len(c))
	if sigma <= 0 {
		copy(out, c)
		return out
	}
	kernel := rimage.GaussianKernel1D(sigma)
	radius := len(kernel) / 2
	for i := range c {
		var sum r2.Point
		weight := 0.
		for k, w := range kernel {
			j := i + k - radius
			if j < 0 || j >= len(c) {
				continue
			}
			sum = sum.Add(c[j].Mul(w))
			weight += w
		}
		out[i] = sum.Mul(1 / weight)
	}
	return out
}
