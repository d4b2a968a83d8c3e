package transform

import (
	"math"

	"github.com/pkg/errors"

	"github.com/eglrp/Calib3DTools/utils"
)

// BrownConrady is the radial and tangential distortion model
//
//	x' = x (1 + k1 r² + k2 r⁴ + k3 r⁶) + 2 p1 x y + p2 (r² + 2 x²)
//	y' = y (1 + k1 r² + k2 r⁴ + k3 r⁶) + 2 p2 x y + p1 (r² + 2 y²)
//
// evaluated on centered coordinates divided by Scale, the result multiplied back by Scale. With
// only k1 set it is a cubic polynomial, which makes it a convenient ground truth.
type BrownConrady struct {
	RadialK1     float64 `json:"rk1" yaml:"rk1"`
	RadialK2     float64 `json:"rk2" yaml:"rk2"`
	RadialK3     float64 `json:"rk3" yaml:"rk3"`
	TangentialP1 float64 `json:"tp1" yaml:"tp1"`
	TangentialP2 float64 `json:"tp2" yaml:"tp2"`
	// Scale of zero means 1.
	Scale float64 `json:"scale" yaml:"scale"`
}

// NewBrownConrady takes k1, k2, k3, p1, p2 and scale in that order; missing values are zero.
func NewBrownConrady(inp []float64) (*BrownConrady, error) {
	if len(inp) > 6 {
		return nil, errors.Errorf("list of parameters too long, expected max 6, got %d", len(inp))
	}
	params := make([]float64, 6)
	copy(params, inp)
	return &BrownConrady{params[0], params[1], params[2], params[3], params[4], params[5]}, nil
}

// CheckValid checks that the model is usable.
func (bc *BrownConrady) CheckValid() error {
	if bc == nil {
		return InvalidDistortionError("BrownConrady shaped distortion parameters not provided")
	}
	if bc.Scale < 0 || math.IsNaN(bc.Scale) {
		return InvalidDistortionError("BrownConrady scale must be non negative")
	}
	return nil
}

// ModelType returns the type of distortion model.
func (bc *BrownConrady) ModelType() DistortionType {
	return BrownConradyDistortionType
}

// Parameters returns the parameters of the distortion model as a list of floats.
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return []float64{}
	}
	return []float64{bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2, bc.Scale}
}

func (bc *BrownConrady) scale() float64 {
	if bc.Scale == 0 {
		return 1
	}
	return bc.Scale
}

// Transform applies the model to a centered point.
func (bc *BrownConrady) Transform(x, y float64) (float64, float64) {
	if bc == nil {
		return x, y
	}
	s := bc.scale()
	xd, yd := bc.apply(x/s, y/s)
	return xd * s, yd * s
}

func (bc *BrownConrady) apply(x, y float64) (float64, float64) {
	r2 := x*x + y*y
	radial := 1 + bc.RadialK1*r2 + bc.RadialK2*r2*r2 + bc.RadialK3*r2*r2*r2
	return x*radial + 2*bc.TangentialP1*x*y + bc.TangentialP2*(r2+2*x*x),
		y*radial + 2*bc.TangentialP2*x*y + bc.TangentialP1*(r2+2*y*y)
}

// jacobian returns the partial derivatives of apply at (x, y), unscaled.
func (bc *BrownConrady) jacobian(x, y float64) (dxdx, dxdy, dydx, dydy float64) {
	r2 := x*x + y*y
	radial := 1 + bc.RadialK1*r2 + bc.RadialK2*r2*r2 + bc.RadialK3*r2*r2*r2
	dRadial := 2 * (bc.RadialK1 + 2*bc.RadialK2*r2 + 3*bc.RadialK3*r2*r2)
	dxdx = radial + x*x*dRadial + 2*bc.TangentialP1*y + 6*bc.TangentialP2*x
	dxdy = x*y*dRadial + 2*bc.TangentialP1*x + 2*bc.TangentialP2*y
	dydx = x*y*dRadial + 2*bc.TangentialP2*y + 2*bc.TangentialP1*x
	dydy = radial + y*y*dRadial + 2*bc.TangentialP2*x + 6*bc.TangentialP1*y
	return dxdx, dxdy, dydx, dydy
}

// Inverse returns the numerical inverse of the model.
func (bc *BrownConrady) Inverse() *InverseBrownConrady {
	return &InverseBrownConrady{Forward: bc}
}

// AsPolynomial writes the model as the equivalent polynomial, of degree 3, 5 or 7 depending on
// the highest non zero radial coefficient.
func (bc *BrownConrady) AsPolynomial() (*Polynomial, error) {
	if err := bc.CheckValid(); err != nil {
		return nil, err
	}
	radial := []float64{bc.RadialK1, bc.RadialK2, bc.RadialK3}
	degree := 3
	for n, k := range radial {
		if k != 0 {
			degree = max(degree, 2*n+3)
		}
	}
	p, err := IdentityPolynomial(degree)
	if err != nil {
		return nil, err
	}
	s := bc.scale()
	for n := 1; n <= len(radial); n++ {
		k := radial[n-1] / math.Pow(s, float64(2*n))
		if k == 0 {
			continue
		}
		// x r^2n and y r^2n expanded with the binomial theorem
		for m := 0; m <= n; m++ {
			c := k * utils.Binomial(n, m)
			p.X[TermIndex(degree, 2*m+1, 2*(n-m))] += c
			p.Y[TermIndex(degree, 2*m, 2*(n-m)+1)] += c
		}
	}
	p.X[TermIndex(degree, 1, 1)] += 2 * bc.TangentialP1 / s
	p.X[TermIndex(degree, 2, 0)] += 3 * bc.TangentialP2 / s
	p.X[TermIndex(degree, 0, 2)] += bc.TangentialP2 / s
	p.Y[TermIndex(degree, 1, 1)] += 2 * bc.TangentialP2 / s
	p.Y[TermIndex(degree, 2, 0)] += bc.TangentialP1 / s
	p.Y[TermIndex(degree, 0, 2)] += 3 * bc.TangentialP1 / s
	return p, nil
}
