package calibrate

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"github.com/eglrp/Calib3DTools/logging"
	"github.com/eglrp/Calib3DTools/rimage/edge"
	"github.com/eglrp/Calib3DTools/rimage/transform"
	"github.com/eglrp/Calib3DTools/utils"
)

var testDistortion = &transform.BrownConrady{RadialK1: 0.02, Scale: 256}

// syntheticLines builds the images of straight lines through lens, nil for none: line i has
// its normal at angles[i] degrees and lies offsets[i%len(offsets)] pixels from the principal
// point.
func syntheticLines(width, height int, lens transform.Mapper, angles, offsets []float64) *LineSet {
	pp := transform.PrincipalPoint(width, height)
	ls := &LineSet{Width: width, Height: height, PerImage: []int{0}}
	for i, angle := range angles {
		theta := utils.DegToRad(angle)
		n := r2.Point{X: math.Cos(theta), Y: math.Sin(theta)}
		dir := n.Ortho()
		var pts edge.Curve
		for k := 0; k < 60; k++ {
			u := n.Mul(offsets[i%len(offsets)]).Add(dir.Mul(-307.2 + 614.4*float64(k)/59))
			dx, dy := u.X, u.Y
			if lens != nil {
				dx, dy = lens.Transform(u.X, u.Y)
			}
			p := r2.Point{X: dx + pp.X, Y: dy + pp.Y}
			if p.X >= 0 && p.Y >= 0 && p.X <= float64(width-1) && p.Y <= float64(height-1) {
				pts = append(pts, p)
			}
		}
		if len(pts) > 20 {
			ls.Lines = append(ls.Lines, Line{Points: pts})
			ls.PerImage[0]++
		}
	}
	return ls
}

func trainingAngles() []float64 {
	angles := make([]float64, 12)
	for i := range angles {
		angles[i] = 15*float64(i) + 2.865
	}
	return angles
}

func trainingLines() *LineSet {
	return syntheticLines(512, 512, testDistortion.Inverse(), trainingAngles(), []float64{-102.4, 0, 102.4})
}

func validationLines() *LineSet {
	angles := make([]float64, 7)
	for i := range angles {
		angles[i] = 180*float64(i)/7 + 7.45
	}
	return syntheticLines(512, 512, testDistortion.Inverse(), angles, []float64{-51.2, 25.6, 102.4})
}

func testFitConfig(order int) Config {
	cfg := DefaultConfig()
	cfg.Order = order
	return cfg
}

func TestFitSynthetic(t *testing.T) {
	lines := trainingLines()
	test.That(t, len(lines.Lines), test.ShouldEqual, 12)
	validation := validationLines()
	test.That(t, validation.RMSE(nil).RMSE, test.ShouldBeGreaterThan, 0.3)

	for _, order := range []int{3, 5} {
		fitter, err := NewFitter(testFitConfig(order), logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		fit, err := fitter.Fit(context.Background(), lines)
		test.That(t, err, test.ShouldBeNil)

		test.That(t, fit.Forward.Degree, test.ShouldEqual, order)
		test.That(t, fit.Initial.RMSE, test.ShouldBeGreaterThan, 0.3)
		test.That(t, fit.Final.RMSE, test.ShouldBeLessThan, 0.05)
		test.That(t, fit.Converged, test.ShouldBeTrue)
		test.That(t, fit.Warnings, test.ShouldBeEmpty)
		test.That(t, fit.Orders, test.ShouldHaveLength, (order-1)/2)

		// the rescaled polynomial gives the same residual in pixel units
		direct := lines.RMSE(fit.Forward)
		test.That(t, direct.RMSE, test.ShouldAlmostEqual, fit.Final.RMSE, 1e-6)
		test.That(t, direct.Max, test.ShouldAlmostEqual, fit.Final.Max, 1e-6)

		// lines that took no part in the fit are straightened too
		test.That(t, validation.RMSE(fit.Forward).RMSE, test.ShouldBeLessThan, 0.05)

		// the fixed terms keep the center and the scale
		n := transform.NumTerms(order)
		test.That(t, fit.Forward.X[n-3], test.ShouldEqual, 1.0)
		test.That(t, fit.Forward.Y[n-2], test.ShouldEqual, 1.0)
		test.That(t, fit.Forward.X[n-1], test.ShouldEqual, 0.0)
		test.That(t, fit.Forward.Y[n-1], test.ShouldEqual, 0.0)
	}
}

// Lines that are already straight give back the identity, so a corrected image is left as is.
func TestFitStraightLines(t *testing.T) {
	const size = 512
	lines := syntheticLines(size, size, nil, trainingAngles(), []float64{-102.4, 0, 102.4})
	test.That(t, len(lines.Lines), test.ShouldEqual, 12)

	fit, err := (&Fitter{Config: testFitConfig(5), Logger: logging.NewTestLogger(t)}).Fit(context.Background(), lines)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fit.Initial.RMSE, test.ShouldBeLessThan, 1e-9)
	test.That(t, fit.Final.RMSE, test.ShouldBeLessThan, 1e-9)
	test.That(t, fit.Converged, test.ShouldBeTrue)

	pp := transform.PrincipalPoint(size, size)
	inverse, err := transform.Invert(fit.Forward, 5, 5, size, size, pp, transform.InvertOptions{})
	test.That(t, err, test.ShouldBeNil)
	for y := -pp.Y; y < size-pp.Y; y += 16 {
		for x := -pp.X; x < size-pp.X; x += 16 {
			fx, fy := fit.Forward.Transform(x, y)
			test.That(t, fx, test.ShouldAlmostEqual, x, 1e-6)
			test.That(t, fy, test.ShouldAlmostEqual, y, 1e-6)
			gx, gy := inverse.Transform(x, y)
			test.That(t, gx, test.ShouldAlmostEqual, x, 1e-6)
			test.That(t, gy, test.ShouldAlmostEqual, y, 1e-6)
		}
	}

	chart := StripeCharts(size, size, 1, 5)[0].Render(testDistortion)
	corrector, err := transform.NewCorrector(transform.DefaultCorrectorConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	again, err := corrector.CorrectGray(context.Background(), chart, inverse)
	test.That(t, err, test.ShouldBeNil)
	// edge pixels sample within rounding of the border and may fall outside
	var change float64
	for y := 1; y < size-1; y++ {
		for x := 1; x < size-1; x++ {
			change = math.Max(change, math.Abs(again.Get(x, y)-chart.Get(x, y)))
		}
	}
	test.That(t, change, test.ShouldBeLessThan, 1e-3)
}

func TestFitMonotone(t *testing.T) {
	cfg := testFitConfig(7)
	cfg.OrderIterations = 3
	fitter := &Fitter{Config: cfg, Logger: logging.NewTestLogger(t)}
	fit, err := fitter.Fit(context.Background(), trainingLines())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fit.Orders, test.ShouldHaveLength, 3)
	previous := fit.Initial.RMSE
	for i, o := range fit.Orders {
		test.That(t, o.Order, test.ShouldEqual, 3+2*i)
		test.That(t, o.Iterations, test.ShouldBeBetweenOrEqual, 1, 3)
		test.That(t, o.Residual.RMSE, test.ShouldBeLessThanOrEqualTo, previous)
		previous = o.Residual.RMSE
	}
	test.That(t, fit.Final.RMSE, test.ShouldBeLessThanOrEqualTo, previous)
}

func TestFitNonConvergence(t *testing.T) {
	cfg := testFitConfig(3)
	cfg.OrderIterations = 1
	cfg.MaxRefineIterations = 1
	cfg.ConvergenceEpsilon = 1e-12
	logger, logs := logging.NewObservedTestLogger(t)
	fit, err := (&Fitter{Config: cfg, Logger: logger}).Fit(context.Background(), trainingLines())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fit.Converged, test.ShouldBeFalse)
	test.That(t, fit.Warnings, test.ShouldHaveLength, 1)
	test.That(t, fit.Iterations, test.ShouldEqual, 2)
	test.That(t, fit.Forward, test.ShouldNotBeNil)
	test.That(t, logs.FilterMessageSnippet("did not converge").Len(), test.ShouldEqual, 1)
}

func TestFitDegenerate(t *testing.T) {
	fitter := &Fitter{Config: testFitConfig(3), Logger: logging.NewTestLogger(t)}

	// fewer points than unknowns
	few := &LineSet{
		Width: 100, Height: 100, PerImage: []int{1},
		Lines: []Line{{Points: edge.Curve{{X: 10, Y: 10}, {X: 20, Y: 21}, {X: 30, Y: 30}, {X: 40, Y: 42}}}},
	}
	_, err := fitter.Fit(context.Background(), few)
	test.That(t, errors.Is(err, ErrDegenerateFit), test.ShouldBeTrue)
	var degenerate *DegenerateFitError
	test.That(t, errors.As(err, &degenerate), test.ShouldBeTrue)
	test.That(t, degenerate.Points, test.ShouldEqual, 4)
	test.That(t, degenerate.Unknowns, test.ShouldEqual, 14)

	// parallel vertical lines say nothing about vertical displacements
	vertical := &LineSet{Width: 100, Height: 100, PerImage: []int{5}}
	for x := 10.; x <= 90; x += 20 {
		var pts edge.Curve
		for y := 0.; y < 100; y += 2 {
			pts = append(pts, r2.Point{X: x, Y: y})
		}
		vertical.Lines = append(vertical.Lines, Line{Points: pts})
	}
	_, err = fitter.Fit(context.Background(), vertical)
	test.That(t, errors.As(err, &degenerate), test.ShouldBeTrue)
	test.That(t, degenerate.Rank, test.ShouldBeLessThan, degenerate.Unknowns)
}

func TestFitInputErrors(t *testing.T) {
	fitter := &Fitter{Config: testFitConfig(3), Logger: logging.NewTestLogger(t)}
	_, err := fitter.Fit(context.Background(), nil)
	test.That(t, errors.Is(err, ErrEmptyInput), test.ShouldBeTrue)
	_, err = fitter.Fit(context.Background(), &LineSet{Width: 10, Height: 10, PerImage: []int{0, 0}})
	var empty *EmptyInputError
	test.That(t, errors.As(err, &empty), test.ShouldBeTrue)
	test.That(t, empty.Images, test.ShouldEqual, 2)

	_, err = NewFitter(testFitConfig(4), nil)
	test.That(t, errors.Is(err, ErrValidation), test.ShouldBeTrue)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fitter.Fit(ctx, trainingLines())
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestFitLine(t *testing.T) {
	var pts []r2.Point
	for x := 0.; x < 10; x++ {
		pts = append(pts, r2.Point{X: x, Y: 0.5}, r2.Point{X: x, Y: -0.5})
	}
	n, c := fitLine(pts)
	test.That(t, math.Abs(n.Y), test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, n.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, c, test.ShouldAlmostEqual, 0, 1e-12)
	sum, maxDist := lineError(pts)
	test.That(t, sum, test.ShouldAlmostEqual, 5, 1e-9)
	test.That(t, maxDist, test.ShouldAlmostEqual, 0.5, 1e-12)
}
