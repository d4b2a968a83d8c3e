package transform

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// Polynomial maps a point (x, y), centered at the principal point, to
// (Σ X[k] x^i y^j, Σ Y[k] x^i y^j) over all terms of total degree at most Degree.
//
// Terms run from the highest total degree down to the constant; inside a block of total degree t
// the exponent of y grows. The last three entries are therefore the x, y and constant terms.
type Polynomial struct {
	Degree int       `json:"degree" yaml:"degree"`
	X      []float64 `json:"x" yaml:"x"`
	Y      []float64 `json:"y" yaml:"y"`
}

// NumTerms is the number of coefficients per axis of a polynomial of the given degree.
func NumTerms(degree int) int {
	return (degree + 1) * (degree + 2) / 2
}

// TermIndex returns the position of the x^i y^j coefficient in a polynomial of the given degree.
func TermIndex(degree, i, j int) int {
	return NumTerms(degree) - NumTerms(i+j) + j
}

// TermExponents is the inverse of TermIndex.
func TermExponents(degree, k int) (int, int) {
	for t := degree; t >= 0; t-- {
		start := NumTerms(degree) - NumTerms(t)
		if k < start+t+1 {
			j := k - start
			return t - j, j
		}
	}
	return 0, 0
}

// NewPolynomial returns the zero polynomial of the given degree.
func NewPolynomial(degree int) (*Polynomial, error) {
	if degree < 1 {
		return nil, errors.Errorf("polynomial degree must be at least 1, got %d", degree)
	}
	n := NumTerms(degree)
	return &Polynomial{Degree: degree, X: make([]float64, n), Y: make([]float64, n)}, nil
}

// IdentityPolynomial returns the polynomial mapping every point to itself.
func IdentityPolynomial(degree int) (*Polynomial, error) {
	p, err := NewPolynomial(degree)
	if err != nil {
		return nil, err
	}
	n := NumTerms(degree)
	p.X[n-3] = 1
	p.Y[n-2] = 1
	return p, nil
}

// CheckValid checks the coefficient vector lengths against the degree.
func (p *Polynomial) CheckValid() error {
	if p == nil {
		return InvalidDistortionError("polynomial coefficients not provided")
	}
	if p.Degree < 1 {
		return InvalidDistortionError("polynomial degree must be at least 1")
	}
	if n := NumTerms(p.Degree); len(p.X) != n || len(p.Y) != n {
		return InvalidDistortionError(fmt.Sprintf(
			"polynomial of degree %d needs %d coefficients per axis, got %d and %d", p.Degree, n, len(p.X), len(p.Y)))
	}
	return nil
}

// ModelType returns the type of distortion model.
func (p *Polynomial) ModelType() DistortionType {
	return PolynomialDistortionType
}

// Parameters returns the degree followed by the X then the Y coefficients.
func (p *Polynomial) Parameters() []float64 {
	if p == nil {
		return []float64{}
	}
	params := make([]float64, 0, 1+len(p.X)+len(p.Y))
	params = append(params, float64(p.Degree))
	params = append(params, p.X...)
	return append(params, p.Y...)
}

// NewPolynomialFromParameters is the inverse of Parameters.
func NewPolynomialFromParameters(params []float64) (*Polynomial, error) {
	if len(params) == 0 {
		return nil, InvalidDistortionError("polynomial parameters are empty")
	}
	degree := int(params[0])
	if float64(degree) != params[0] || degree < 1 {
		return nil, InvalidDistortionError("polynomial degree must be a positive integer")
	}
	n := NumTerms(degree)
	if len(params) != 1+2*n {
		return nil, errors.Errorf("polynomial of degree %d needs %d parameters, got %d", degree, 1+2*n, len(params))
	}
	p := &Polynomial{Degree: degree, X: make([]float64, n), Y: make([]float64, n)}
	copy(p.X, params[1:1+n])
	copy(p.Y, params[1+n:])
	return p, nil
}

// Clone returns a deep copy.
func (p *Polynomial) Clone() *Polynomial {
	out := &Polynomial{Degree: p.Degree, X: make([]float64, len(p.X)), Y: make([]float64, len(p.Y))}
	copy(out.X, p.X)
	copy(out.Y, p.Y)
	return out
}

// Monomials writes the value of every term at (x, y) into dst, which is grown as needed, and
// returns it.
func Monomials(degree int, x, y float64, dst []float64) []float64 {
	n := NumTerms(degree)
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]

	var xBuf, yBuf [16]float64
	var xp, yp []float64
	if degree < len(xBuf) {
		xp, yp = xBuf[:degree+1], yBuf[:degree+1]
	} else {
		xp, yp = make([]float64, degree+1), make([]float64, degree+1)
	}
	xp[0], yp[0] = 1, 1
	for k := 1; k <= degree; k++ {
		xp[k] = xp[k-1] * x
		yp[k] = yp[k-1] * y
	}

	k := 0
	for t := degree; t >= 0; t-- {
		for j := 0; j <= t; j++ {
			dst[k] = xp[t-j] * yp[j]
			k++
		}
	}
	return dst
}

// Transform evaluates the polynomial at (x, y).
func (p *Polynomial) Transform(x, y float64) (float64, float64) {
	var buf [136]float64
	terms := Monomials(p.Degree, x, y, buf[:0])
	var outX, outY float64
	for k, m := range terms {
		outX += p.X[k] * m
		outY += p.Y[k] * m
	}
	return outX, outY
}

// TransformPoint is Transform on an r2.Point.
func (p *Polynomial) TransformPoint(pt r2.Point) r2.Point {
	x, y := p.Transform(pt.X, pt.Y)
	return r2.Point{X: x, Y: y}
}

// Extend returns the polynomial written with the given higher degree. The old coefficients
// land in the tail of the new vectors and the new high order terms are zero, so both evaluate
// identically.
func (p *Polynomial) Extend(degree int) (*Polynomial, error) {
	if degree < p.Degree {
		return nil, errors.Errorf("cannot extend a degree %d polynomial to degree %d", p.Degree, degree)
	}
	out, err := NewPolynomial(degree)
	if err != nil {
		return nil, err
	}
	offset := NumTerms(degree) - NumTerms(p.Degree)
	copy(out.X[offset:], p.X)
	copy(out.Y[offset:], p.Y)
	return out, nil
}

// LowOrderMask returns, per axis, which coefficients are free. The x, y and constant terms are
// fixed so that the center and scale of the image are kept.
func LowOrderMask(degree int) ([]bool, []bool) {
	n := NumTerms(degree)
	maskX := make([]bool, n)
	maskY := make([]bool, n)
	for k := 0; k < n-3; k++ {
		maskX[k], maskY[k] = true, true
	}
	return maskX, maskY
}

// Rescale converts a polynomial fitted on coordinates divided by s into one working on the
// original coordinates: F(p) = s * Fn(p / s).
func (p *Polynomial) Rescale(s float64) *Polynomial {
	return p.scaleTerms(func(total int) float64 { return math.Pow(s, float64(1-total)) })
}

// Normalize is the inverse of Rescale: Fn(q) = F(q * s) / s.
func (p *Polynomial) Normalize(s float64) *Polynomial {
	return p.scaleTerms(func(total int) float64 { return math.Pow(s, float64(total-1)) })
}

func (p *Polynomial) scaleTerms(factor func(total int) float64) *Polynomial {
	out := p.Clone()
	for k := range out.X {
		i, j := TermExponents(p.Degree, k)
		f := factor(i + j)
		out.X[k] *= f
		out.Y[k] *= f
	}
	return out
}

// PrincipalPoint is the center used for the polynomial coordinates of a width x height image.
func PrincipalPoint(width, height int) r2.Point {
	return r2.Point{X: float64(width)/2 + 0.2, Y: float64(height)/2 + 0.2}
}
