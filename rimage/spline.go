package rimage

import (
	"math"

	"github.com/pkg/errors"

	"github.com/eglrp/Calib3DTools/utils"
)

// splinePoles holds the poles of the B-spline prefilter per order.
var splinePoles = map[int][]float64{
	0: nil,
	1: nil,
	3: {math.Sqrt(3) - 2},
	5: {
		math.Sqrt(135./2-math.Sqrt(17745./4)) + math.Sqrt(105./4) - 13./2,
		math.Sqrt(135./2+math.Sqrt(17745./4)) - math.Sqrt(105./4) - 13./2,
	},
	7: {
		-0.5352804307964381655,
		-0.12255461519232669052,
		-0.0091486948096082769286,
	},
}

const (
	splineTolerance = 1e-12
	// boundsSlack absorbs rounding in positions computed as (x - c) + c.
	boundsSlack = 1e-9
)

// ErrSplineOrder is returned for an interpolation order other than 0, 1, 3, 5 or 7.
var ErrSplineOrder = errors.New("spline order must be one of 0, 1, 3, 5, 7")

// Spline interpolates an image with B-splines of a fixed order. The coefficients are computed
// once, after which the Spline is read only and safe for concurrent use.
type Spline struct {
	order  int
	coeffs *FloatGray
	norm   float64
}

// NewSpline computes the interpolation coefficients of img. Orders 0 and 1 are nearest
// neighbor and bilinear and need no prefiltering.
func NewSpline(img *FloatGray, order int) (*Spline, error) {
	poles, ok := splinePoles[order]
	if !ok {
		return nil, errors.Wrapf(ErrSplineOrder, "got %d", order)
	}
	coeffs := img.Clone()
	if len(poles) > 0 {
		width, height := img.Width(), img.Height()
		for y := 0; y < height; y++ {
			prefilter(coeffs.Row(y), poles)
		}
		column := make([]float64, height)
		for x := 0; x < width; x++ {
			for y := 0; y < height; y++ {
				column[y] = coeffs.Get(x, y)
			}
			prefilter(column, poles)
			for y := 0; y < height; y++ {
				coeffs.Set(x, y, column[y])
			}
		}
	}
	return &Spline{order: order, coeffs: coeffs, norm: 1 / utils.Factorial(order)}, nil
}

// Order returns the spline order.
func (s *Spline) Order() int {
	return s.order
}

// At interpolates at the real position (x, y). ok is false when the position lies outside
// [0, w-1] x [0, h-1].
func (s *Spline) At(x, y float64) (float64, bool) {
	width, height := s.coeffs.Width(), s.coeffs.Height()
	if !(x >= -boundsSlack && y >= -boundsSlack &&
		x <= float64(width-1)+boundsSlack && y <= float64(height-1)+boundsSlack) {
		return 0, false
	}
	if s.order == 0 {
		return s.coeffs.Get(int(math.Floor(x+.5)), int(math.Floor(y+.5))), true
	}

	var wxBuf, wyBuf [8]float64
	taps := s.order + 1
	x0 := int(math.Floor(x)) - (s.order-1)/2
	y0 := int(math.Floor(y)) - (s.order-1)/2
	wx, wy := wxBuf[:taps], wyBuf[:taps]
	for k := 0; k < taps; k++ {
		wx[k] = s.basis(x - float64(x0+k))
		wy[k] = s.basis(y - float64(y0+k))
	}

	val := 0.
	for j := 0; j < taps; j++ {
		if wy[j] == 0 {
			continue
		}
		row := s.coeffs.Row(MirrorIndex(y0+j, height))
		rowVal := 0.
		for i := 0; i < taps; i++ {
			rowVal += wx[i] * row[MirrorIndex(x0+i, width)]
		}
		val += wy[j] * rowVal
	}
	return val, true
}

// basis evaluates the centered B-spline of order s.order at t.
func (s *Spline) basis(t float64) float64 {
	n := s.order
	half := float64(n+1) / 2
	if t <= -half || t >= half {
		return 0
	}
	sum := 0.
	sign := 1.
	for k := 0; k <= n+1; k++ {
		if v := t + half - float64(k); v > 0 {
			sum += sign * utils.Binomial(n+1, k) * math.Pow(v, float64(n))
		}
		sign = -sign
	}
	return sum * s.norm
}

// prefilter turns samples into B-spline coefficients in place with causal and anti causal
// recursive filters, mirror boundary.
func prefilter(c, poles []float64) {
	n := len(c)
	if n == 1 {
		return
	}
	lambda := 1.
	for _, z := range poles {
		lambda *= (1 - z) * (1 - 1/z)
	}
	for k := range c {
		c[k] *= lambda
	}
	for _, z := range poles {
		c[0] = initialCausal(c, z)
		for k := 1; k < n; k++ {
			c[k] += z * c[k-1]
		}
		c[n-1] = (z / (z*z - 1)) * (z*c[n-2] + c[n-1])
		for k := n - 2; k >= 0; k-- {
			c[k] = z * (c[k+1] - c[k])
		}
	}
}

func initialCausal(c []float64, z float64) float64 {
	n := len(c)
	horizon := int(math.Ceil(math.Log(splineTolerance) / math.Log(math.Abs(z))))
	if horizon < n {
		zn := z
		sum := c[0]
		for k := 1; k < horizon; k++ {
			sum += zn * c[k]
			zn *= z
		}
		return sum
	}
	zn := z
	iz := 1 / z
	z2n := math.Pow(z, float64(n-1))
	sum := c[0] + z2n*c[n-1]
	z2n *= z2n * iz
	for k := 1; k < n-1; k++ {
		sum += (zn + z2n) * c[k]
		zn *= z
		z2n *= iz
	}
	return sum / (1 - zn*zn)
}
