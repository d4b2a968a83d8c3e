package calibrate

import (
	"context"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/eglrp/Calib3DTools/logging"
	"github.com/eglrp/Calib3DTools/rimage/transform"
)

// OrderReport is the state of the fit once an order is done.
type OrderReport struct {
	Order      int      `json:"order" yaml:"order"`
	Iterations int      `json:"iterations" yaml:"iterations"`
	Residual   Residual `json:"residual" yaml:"residual"`
}

// FitResult is the outcome of Fitter.Fit.
type FitResult struct {
	// Forward maps centered distorted pixels to centered corrected pixels.
	Forward *transform.Polynomial `json:"forward" yaml:"forward"`
	// Initial is the straightness error of the uncorrected lines.
	Initial Residual      `json:"initial" yaml:"initial"`
	Final   Residual      `json:"final" yaml:"final"`
	Orders  []OrderReport `json:"orders" yaml:"orders"`
	// Iterations counts every solve, refinement included.
	Iterations int      `json:"iterations" yaml:"iterations"`
	Converged  bool     `json:"converged" yaml:"converged"`
	Warnings   []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Fitter estimates the polynomial that makes a LineSet straight.
type Fitter struct {
	Config Config
	Logger logging.Logger
}

// NewFitter returns a Fitter after validating cfg.
func NewFitter(cfg Config, logger logging.Logger) (*Fitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Fitter{Config: cfg, Logger: logger}, nil
}

func (f *Fitter) logger() logging.Logger {
	if f.Logger == nil {
		return logging.Global()
	}
	return f.Logger
}

// fitProblem holds the lines in normalized coordinates: centered on the principal point and
// divided by half the largest image side.
type fitProblem struct {
	lines  [][]r2.Point
	scale  float64
	points int
}

func newFitProblem(ls *LineSet) *fitProblem {
	pp := transform.PrincipalPoint(ls.Width, ls.Height)
	scale := float64(max(ls.Width, ls.Height)) / 2
	prob := &fitProblem{lines: make([][]r2.Point, len(ls.Lines)), scale: scale}
	for i, l := range ls.Lines {
		pts := make([]r2.Point, len(l.Points))
		for k, p := range l.Points {
			pts[k] = p.Sub(pp).Mul(1 / scale)
		}
		prob.lines[i] = pts
		prob.points += len(pts)
	}
	return prob
}

// residual of the normalized polynomial p, in pixels.
func (prob *fitProblem) residual(p *transform.Polynomial) Residual {
	var sum, maxDist float64
	var mapped []r2.Point
	for _, l := range prob.lines {
		mapped = mapped[:0]
		for _, pt := range l {
			mapped = append(mapped, p.TransformPoint(pt))
		}
		s, mx := lineError(mapped)
		sum += s
		maxDist = math.Max(maxDist, mx)
	}
	if prob.points == 0 {
		return Residual{}
	}
	return Residual{RMSE: math.Sqrt(sum/float64(prob.points)) * prob.scale, Max: maxDist * prob.scale}
}

// solve runs one alternation: the total least squares line of every mapped curve is fixed, then
// the free coefficients minimizing the squared distances to those lines are found. The line
// offsets are eliminated by centering every curve, which leaves a linear least squares
// problem.
func (prob *fitProblem) solve(p *transform.Polynomial) (*transform.Polynomial, error) {
	degree := p.Degree
	nt := transform.NumTerms(degree)
	maskX, maskY := transform.LowOrderMask(degree)
	var freeX, freeY []int
	for k := 0; k < nt; k++ {
		if maskX[k] {
			freeX = append(freeX, k)
		}
		if maskY[k] {
			freeY = append(freeY, k)
		}
	}
	unknowns := len(freeX) + len(freeY)
	if prob.points < unknowns {
		return nil, &DegenerateFitError{Order: degree, Unknowns: unknowns, Points: prob.points}
	}

	a := mat.NewDense(prob.points, unknowns, nil)
	b := mat.NewDense(prob.points, 1, nil)
	row := 0
	var mapped []r2.Point
	for _, l := range prob.lines {
		mapped = mapped[:0]
		for _, pt := range l {
			mapped = append(mapped, p.TransformPoint(pt))
		}
		n, _ := fitLine(mapped)

		terms := make([][]float64, len(l))
		means := make([]float64, nt)
		fixed := make([]float64, len(l))
		fixedMean := 0.
		for i, pt := range l {
			terms[i] = transform.Monomials(degree, pt.X, pt.Y, nil)
			for k, t := range terms[i] {
				means[k] += t
				if !maskX[k] {
					fixed[i] += n.X * p.X[k] * t
				}
				if !maskY[k] {
					fixed[i] += n.Y * p.Y[k] * t
				}
			}
			fixedMean += fixed[i]
		}
		inv := 1 / float64(len(l))
		for k := range means {
			means[k] *= inv
		}
		fixedMean *= inv

		for i := range l {
			col := 0
			for _, k := range freeX {
				a.Set(row, col, n.X*(terms[i][k]-means[k]))
				col++
			}
			for _, k := range freeY {
				a.Set(row, col, n.Y*(terms[i][k]-means[k]))
				col++
			}
			b.Set(row, 0, -(fixed[i] - fixedMean))
			row++
		}
	}

	sol, rank, err := transform.SolveLeastSquares(a, b)
	if err != nil {
		return nil, err
	}
	if rank < unknowns {
		return nil, &DegenerateFitError{Order: degree, Rank: rank, Unknowns: unknowns, Points: prob.points}
	}
	next := p.Clone()
	col := 0
	for _, k := range freeX {
		next.X[k] = sol.At(col, 0)
		col++
	}
	for _, k := range freeY {
		next.Y[k] = sol.At(col, 0)
		col++
	}
	return next, nil
}

// Fit estimates the correction polynomial of order Config.Order. Lower orders are fitted first,
// each warm starting the next, then the target order is refined until the RMSE settles.
func (f *Fitter) Fit(ctx context.Context, lines *LineSet) (*FitResult, error) {
	if err := f.Config.Validate(); err != nil {
		return nil, err
	}
	if lines == nil || len(lines.Lines) == 0 {
		images := 0
		if lines != nil {
			images = len(lines.PerImage)
		}
		return nil, &EmptyInputError{Images: images}
	}
	if lines.Width < 1 || lines.Height < 1 {
		return nil, newValidationError("lines", "image size %dx%d", lines.Width, lines.Height)
	}
	logger := f.logger()
	cfg := f.Config
	prob := newFitProblem(lines)

	current, err := transform.IdentityPolynomial(3)
	if err != nil {
		return nil, err
	}
	result := &FitResult{Initial: prob.residual(current)}
	logger.Infof("%d lines, %d points, initial rmse %.4f px, max %.4f px",
		len(prob.lines), prob.points, result.Initial.RMSE, result.Initial.Max)

	last := result.Initial
	for _, order := range cfg.orders() {
		if order > current.Degree {
			if current, err = current.Extend(order); err != nil {
				return nil, err
			}
		}
		var iterations int
		current, last, iterations, err = f.iterate(ctx, prob, current, last, cfg.OrderIterations)
		result.Iterations += iterations
		if err != nil {
			return nil, err
		}
		result.Orders = append(result.Orders, OrderReport{Order: order, Iterations: iterations, Residual: last})
		logger.Infof("order %d: rmse %.4f px, max %.4f px after %d iterations", order, last.RMSE, last.Max, iterations)
	}

	converged := false
	for i := 0; i < cfg.MaxRefineIterations && !converged; i++ {
		var next Residual
		var iterations int
		current, next, iterations, err = f.iterate(ctx, prob, current, last, 1)
		result.Iterations += iterations
		if err != nil {
			return nil, err
		}
		converged = math.Abs(last.RMSE-next.RMSE) < cfg.ConvergenceEpsilon
		last = next
	}
	if !converged {
		msg := fmt.Sprintf("refinement did not converge within %d iterations, rmse %.4f px",
			cfg.MaxRefineIterations, last.RMSE)
		logger.Warn(msg)
		result.Warnings = append(result.Warnings, msg)
	}

	result.Forward = current.Rescale(prob.scale)
	result.Final = last
	result.Converged = converged
	logger.Infof("final rmse %.4f px, max %.4f px, %d solves", last.RMSE, last.Max, result.Iterations)
	return result, nil
}

// iterate solves up to limit times, stopping once the RMSE changes by less than the
// convergence epsilon. A solve that makes the RMSE worse is discarded and ends the loop.
func (f *Fitter) iterate(
	ctx context.Context,
	prob *fitProblem,
	p *transform.Polynomial,
	last Residual,
	limit int,
) (*transform.Polynomial, Residual, int, error) {
	logger := f.logger()
	iterations := 0
	for iterations < limit {
		if err := ctx.Err(); err != nil {
			return nil, Residual{}, iterations, errors.Wrap(err, "distortion fit interrupted")
		}
		next, err := prob.solve(p)
		if err != nil {
			return nil, Residual{}, iterations, err
		}
		iterations++
		r := prob.residual(next)
		logger.CDebugf(ctx, "order %d iteration %d: rmse %.6f px, max %.6f px", p.Degree, iterations, r.RMSE, r.Max)
		if r.RMSE > last.RMSE {
			break
		}
		done := last.RMSE-r.RMSE < f.Config.ConvergenceEpsilon
		p, last = next, r
		if done {
			break
		}
	}
	return p, last, iterations, nil
}
