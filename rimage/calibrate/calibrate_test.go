package calibrate

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"github.com/eglrp/Calib3DTools/logging"
	"github.com/eglrp/Calib3DTools/rimage"
	"github.com/eglrp/Calib3DTools/rimage/transform"
)

func TestConfig(t *testing.T) {
	test.That(t, DefaultConfig().Validate(), test.ShouldBeNil)
	test.That(t, DefaultConfig().orders(), test.ShouldResemble, []int{3, 5})

	for _, mutate := range []func(*Config){
		func(c *Config) { c.Order = 4 },
		func(c *Config) { c.Order = 1 },
		func(c *Config) { c.OrderIncrement = 3 },
		func(c *Config) { c.ConvergenceEpsilon = 0 },
		func(c *Config) { c.OrderIterations = 0 },
		func(c *Config) { c.MaxRefineIterations = 0 },
		func(c *Config) { c.LengthThresholdRatio = 2 },
		func(c *Config) { c.Extract.ThHigh = 0.5 },
		func(c *Config) { c.Resample.UpFactor = -1 },
		func(c *Config) { c.Corrector.SplineOrder = 2 },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		err := cfg.Validate()
		test.That(t, errors.Is(err, ErrValidation), test.ShouldBeTrue)
	}

	cfg := DefaultConfig()
	cfg.Order = 9
	cfg.OrderIncrement = 4
	test.That(t, cfg.orders(), test.ShouldResemble, []int{3, 7, 9})
	test.That(t, cfg.inverseDegree(), test.ShouldEqual, 9)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "cfg.yaml")
	test.That(t, os.WriteFile(yamlPath, []byte(`
order: 7
extract:
  sigma: 1.5
resample:
  eliminate_border: true
corrector:
  poll_interval: 50ms
  workers: 3
`), 0o600), test.ShouldBeNil)
	cfg, err := LoadConfig(yamlPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Order, test.ShouldEqual, 7)
	test.That(t, cfg.Extract.Sigma, test.ShouldEqual, 1.5)
	test.That(t, cfg.Extract.ThHigh, test.ShouldEqual, 10.0)
	test.That(t, cfg.Resample.EliminateBorder, test.ShouldBeTrue)
	test.That(t, cfg.Resample.NSigma, test.ShouldEqual, 0.8)
	test.That(t, cfg.Corrector.PollInterval, test.ShouldEqual, 50*time.Millisecond)
	test.That(t, cfg.Corrector.Workers, test.ShouldEqual, 3)
	test.That(t, cfg.Corrector.SplineOrder, test.ShouldEqual, transform.DefaultSplineOrder)

	jsonPath := filepath.Join(dir, "cfg.json")
	test.That(t, os.WriteFile(jsonPath, []byte(`{"order": 3, "length_threshold_ratio": 0.5}`), 0o600), test.ShouldBeNil)
	cfg, err = LoadConfig(jsonPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Order, test.ShouldEqual, 3)
	test.That(t, cfg.LengthThresholdRatio, test.ShouldEqual, 0.5)
	test.That(t, cfg.MaxRefineIterations, test.ShouldEqual, 100)

	badPath := filepath.Join(dir, "bad.json")
	test.That(t, os.WriteFile(badPath, []byte(`{"order": 6}`), 0o600), test.ShouldBeNil)
	_, err = LoadConfig(badPath)
	test.That(t, errors.Is(err, ErrValidation), test.ShouldBeTrue)

	_, err = LoadConfig(filepath.Join(dir, "cfg.toml"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, os.WriteFile(filepath.Join(dir, "cfg.ini"), nil, 0o600), test.ShouldBeNil)
	_, err = LoadConfig(filepath.Join(dir, "cfg.ini"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCalibrateValidation(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	_, err := Calibrate(ctx, nil, DefaultConfig(), Options{Logger: logger})
	test.That(t, errors.Is(err, ErrValidation), test.ShouldBeTrue)
	stage, ok := FailedStage(err)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, stage, test.ShouldEqual, StageValidate)

	images := []*rimage.FloatGray{rimage.NewFloatGray(64, 64), rimage.NewFloatGray(64, 48)}
	_, err = Calibrate(ctx, images, DefaultConfig(), Options{Logger: logger})
	var validation *ValidationError
	test.That(t, errors.As(err, &validation), test.ShouldBeTrue)
	test.That(t, validation.Field, test.ShouldEqual, "images")

	bad := DefaultConfig()
	bad.Order = 2
	_, err = Calibrate(ctx, images[:1], bad, Options{Logger: logger})
	test.That(t, errors.Is(err, ErrValidation), test.ShouldBeTrue)

	// flat images have no line at all
	var reports [][2]int
	blank := []*rimage.FloatGray{rimage.NewFloatGray(64, 64), rimage.NewFloatGray(64, 64)}
	_, err = Calibrate(ctx, blank, DefaultConfig(), Options{
		Logger:   logger,
		Progress: func(done, total int) { reports = append(reports, [2]int{done, total}) },
	})
	test.That(t, errors.Is(err, ErrEmptyInput), test.ShouldBeTrue)
	stage, _ = FailedStage(err)
	test.That(t, stage, test.ShouldEqual, StageAggregate)
	test.That(t, reports, test.ShouldResemble, [][2]int{{1, 4}, {2, 4}})

	_, err = MeasureImage(blank[0], DefaultConfig(), logger)
	test.That(t, errors.Is(err, ErrEmptyInput), test.ShouldBeTrue)

	ctxCanceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Calibrate(ctxCanceled, blank, DefaultConfig(), Options{Logger: logger})
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	stage, _ = FailedStage(err)
	test.That(t, stage, test.ShouldEqual, StageExtract)
}

func TestStripeChart(t *testing.T) {
	chart := StripeChart{Width: 40, Height: 30, Angle: 0, Period: 10, Low: 50, High: 200, Supersample: 1}
	test.That(t, chart.Value(5, 0), test.ShouldEqual, 200.0)
	test.That(t, chart.Value(15, 0), test.ShouldEqual, 50.0)
	test.That(t, chart.Value(-5, 0), test.ShouldEqual, 50.0)
	test.That(t, chart.Value(-15, 100), test.ShouldEqual, 200.0)

	img := chart.Render(nil)
	test.That(t, img.Width(), test.ShouldEqual, 40)
	test.That(t, img.Height(), test.ShouldEqual, 30)
	// principal point at x = 20.2
	test.That(t, img.Get(21, 3), test.ShouldEqual, 200.0)
	test.That(t, img.Get(19, 3), test.ShouldEqual, 50.0)

	chart.Supersample = 4
	smooth := chart.Render(nil)
	test.That(t, smooth.Get(20, 3), test.ShouldBeBetween, 50.0, 200.0)
	test.That(t, smooth.Get(25, 3), test.ShouldEqual, 200.0)

	charts := StripeCharts(512, 256, 4, 5)
	test.That(t, charts, test.ShouldHaveLength, 4)
	test.That(t, charts[1].Angle, test.ShouldEqual, 50.0)
	test.That(t, charts[3].Period, test.ShouldEqual, 64.0)
}

func TestMeasureImage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resample.EliminateBorder = true
	chart := StripeCharts(256, 256, 1, 10)[0]
	m, err := MeasureImage(chart.Render(nil), cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Lines, test.ShouldBeGreaterThanOrEqualTo, 2)
	test.That(t, m.Detected, test.ShouldHaveLength, m.Lines)
	test.That(t, m.Residual.RMSE, test.ShouldBeLessThan, 0.1)

	strong := &transform.BrownConrady{RadialK1: 0.1, Scale: 128}
	distorted, err := MeasureImage(chart.Render(strong), cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, distorted.Residual.RMSE, test.ShouldBeGreaterThan, 0.5)
}

func TestCalibrateEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("renders, calibrates and corrects four 512x512 charts")
	}
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	cfg := DefaultConfig()
	cfg.Order = 5
	cfg.Resample.EliminateBorder = true

	charts := StripeCharts(512, 512, 4, 5)
	images := make([]*rimage.FloatGray, len(charts))
	for i, chart := range charts {
		images[i] = chart.Render(testDistortion)
		before, err := MeasureImage(images[i], cfg, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, before.Residual.RMSE, test.ShouldBeGreaterThan, 0.2)
	}

	var last [2]int
	result, err := Calibrate(ctx, images, cfg, Options{
		Logger:   logger,
		Progress: func(done, total int) { last = [2]int{done, total} },
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, last, test.ShouldResemble, [2]int{6, 6})
	test.That(t, result.Width, test.ShouldEqual, 512)
	test.That(t, result.Height, test.ShouldEqual, 512)
	test.That(t, result.Lines, test.ShouldHaveLength, 4)
	for _, lines := range result.Lines {
		test.That(t, len(lines), test.ShouldBeGreaterThanOrEqualTo, 2)
	}
	test.That(t, result.Forward.Degree, test.ShouldEqual, 5)
	test.That(t, result.Inverse.Degree, test.ShouldEqual, 5)
	test.That(t, result.Fit.Final.RMSE, test.ShouldBeLessThan, 0.1)
	test.That(t, result.Fit.Final.RMSE, test.ShouldBeLessThan, result.Fit.Initial.RMSE)
	test.That(t, result.InverseError.RMSE, test.ShouldBeLessThan, 0.05)
	pp := transform.PrincipalPoint(512, 512)
	back, backMax := transform.InversionError(result.Inverse, result.Forward, 512, 512, pp, 0)
	test.That(t, back, test.ShouldBeLessThan, 0.05)
	test.That(t, backMax, test.ShouldBeLessThan, 0.2)
	test.That(t, result.LineSet().PerImage, test.ShouldHaveLength, 4)

	corrector, err := transform.NewCorrector(cfg.Corrector, logger)
	test.That(t, err, test.ShouldBeNil)
	for _, img := range images {
		corrected, err := corrector.CorrectGray(ctx, img, result.Inverse)
		test.That(t, err, test.ShouldBeNil)
		after, err := MeasureImage(corrected, cfg, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, after.Residual.RMSE, test.ShouldBeLessThan, 0.1)
	}
}

func TestPlots(t *testing.T) {
	dir := t.TempDir()
	fit := &FitResult{
		Initial: Residual{RMSE: 0.5, Max: 1.4},
		Orders: []OrderReport{
			{Order: 3, Iterations: 8, Residual: Residual{RMSE: 0.05, Max: 0.2}},
			{Order: 5, Iterations: 2, Residual: Residual{RMSE: 0.03, Max: 0.1}},
		},
	}
	path := filepath.Join(dir, "orders.png")
	test.That(t, PlotOrders(fit, path), test.ShouldBeNil)
	info, err := os.Stat(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)
	test.That(t, PlotOrders(&FitResult{}, path), test.ShouldNotBeNil)

	base := image.NewGray(image.Rect(0, 0, 60, 40))
	out := DrawLines(base, [][]r2.Point{{{X: 5, Y: 20}, {X: 30, Y: 20}, {X: 55, Y: 20}}, nil})
	test.That(t, out.Bounds(), test.ShouldResemble, base.Bounds())
	r, g, b, _ := out.At(15, 20).RGBA()
	test.That(t, r+g+b, test.ShouldBeGreaterThan, 0)
	test.That(t, base.At(15, 20), test.ShouldResemble, color.Gray{})
}
