package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrDegenerateInverse is returned when the sample grid does not determine the inverse.
var ErrDegenerateInverse = errors.New("inverse polynomial system is rank deficient")

// RankTolerance is the relative singular value below which a least squares system is
// considered rank deficient.
const RankTolerance = 1e-12

// SolveLeastSquares minimizes ||a x - b|| column by column with an SVD. It returns the solution
// and the numerical rank of a; the solution is only meaningful when the rank equals the number
// of columns of a.
func SolveLeastSquares(a, b mat.Matrix) (*mat.Dense, int, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, 0, errors.New("singular value decomposition failed")
	}
	rank := svd.Rank(RankTolerance)
	if rank == 0 {
		return nil, 0, nil
	}
	var x mat.Dense
	svd.SolveTo(&x, b, rank)
	return &x, rank, nil
}

// InvertOptions tune Invert.
type InvertOptions struct {
	// GridStep in pixels between samples; zero means max(1, min(w,h)/64).
	GridStep float64 `json:"grid_step" yaml:"grid_step"`
}

func (o InvertOptions) step(width, height int) float64 {
	if o.GridStep > 0 {
		return o.GridStep
	}
	return math.Max(1, float64(min(width, height))/64)
}

// gridAxis samples [0, n-1] every step pixels, always ending at n-1.
func gridAxis(n int, step float64) []float64 {
	last := float64(n - 1)
	var axis []float64
	for v := 0.; v < last; v += step {
		axis = append(axis, v)
	}
	return append(axis, last)
}

// Invert fits the polynomial G of degree max(degX, degY) such that G(F(p)) ≈ p over a regular
// grid covering a width x height image, p centered at pp. All coefficients of G are free.
func Invert(forward *Polynomial, degX, degY, width, height int, pp r2.Point, o InvertOptions) (*Polynomial, error) {
	if err := forward.CheckValid(); err != nil {
		return nil, err
	}
	if width < 2 || height < 2 {
		return nil, errors.Errorf("cannot invert over a %dx%d image", width, height)
	}
	degree := max(degX, degY)
	if degree < 1 {
		return nil, errors.Errorf("inverse degree must be at least 1, got %d", degree)
	}
	step := o.step(width, height)
	xs, ys := gridAxis(width, step), gridAxis(height, step)

	n := NumTerms(degree)
	rows := len(xs) * len(ys)
	if rows < n {
		return nil, errors.Wrapf(ErrDegenerateInverse, "%d samples for %d unknowns", rows, n)
	}
	scale := float64(max(width, height)) / 2

	a := mat.NewDense(rows, n, nil)
	b := mat.NewDense(rows, 2, nil)
	terms := make([]float64, n)
	row := 0
	for _, y := range ys {
		for _, x := range xs {
			cx, cy := x-pp.X, y-pp.Y
			qx, qy := forward.Transform(cx, cy)
			terms = Monomials(degree, qx/scale, qy/scale, terms)
			a.SetRow(row, terms)
			b.Set(row, 0, cx/scale)
			b.Set(row, 1, cy/scale)
			row++
		}
	}

	sol, rank, err := SolveLeastSquares(a, b)
	if err != nil {
		return nil, err
	}
	if rank < n {
		return nil, errors.Wrapf(ErrDegenerateInverse, "rank %d for %d unknowns", rank, n)
	}
	normalized := &Polynomial{Degree: degree, X: make([]float64, n), Y: make([]float64, n)}
	mat.Col(normalized.X, 0, sol)
	mat.Col(normalized.Y, 1, sol)
	return normalized.Rescale(scale), nil
}

// InversionError measures |G(F(p)) - p| over the same kind of grid Invert samples and returns
// the root mean square and the maximum, in pixels.
func InversionError(forward, inverse Mapper, width, height int, pp r2.Point, step float64) (float64, float64) {
	if step <= 0 {
		step = InvertOptions{}.step(width, height)
	}
	var sum, maxErr float64
	count := 0
	for _, y := range gridAxis(height, step) {
		for _, x := range gridAxis(width, step) {
			cx, cy := x-pp.X, y-pp.Y
			qx, qy := forward.Transform(cx, cy)
			rx, ry := inverse.Transform(qx, qy)
			d := math.Hypot(rx-cx, ry-cy)
			sum += d * d
			maxErr = math.Max(maxErr, d)
			count++
		}
	}
	if count == 0 {
		return 0, 0
	}
	return math.Sqrt(sum / float64(count)), maxErr
}
