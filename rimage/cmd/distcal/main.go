// Package main is distcal, a command line tool that estimates lens distortion from images of
// straight features and corrects images with the result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"github.com/eglrp/Calib3DTools/logging"
	"github.com/eglrp/Calib3DTools/rimage"
	"github.com/eglrp/Calib3DTools/rimage/calibrate"
	"github.com/eglrp/Calib3DTools/rimage/transform"
)

const (
	flagDebug           = "debug"
	flagConfig          = "config"
	flagOrder           = "order"
	flagEliminateBorder = "eliminate-border"
	flagForward         = "forward"
	flagInverse         = "inverse"
	flagReport          = "report"
	flagOverlays        = "overlays"
	flagPlot            = "plot"
	flagCoefficients    = "coefficients"
	flagWorkers         = "workers"
	flagSplineOrder     = "spline-order"
	flagBandRows        = "band-rows"
	flagOverlay         = "overlay"
	flagWidth           = "width"
	flagHeight          = "height"
	flagCount           = "count"
	flagAngle           = "angle"
	flagK1              = "k1"
	flagK2              = "k2"
	flagK3              = "k3"
	flagP1              = "p1"
	flagP2              = "p2"
	flagScale           = "scale"
	flagOutDir          = "out-dir"
)

var logger = logging.NewLogger("distcal")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	return newApp(logger).RunContext(ctx, args)
}

func newApp(logger logging.Logger) *cli.App {
	configFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "load calibration settings from a JSON or YAML `FILE`",
		},
		&cli.IntFlag{
			Name:  flagOrder,
			Usage: "degree of the distortion polynomial, odd and at least 3",
		},
		&cli.BoolFlag{
			Name:  flagEliminateBorder,
			Usage: "drop line points close to the image border",
		},
	}

	return &cli.App{
		Name:  "distcal",
		Usage: "estimate and correct lens distortion from images of straight lines",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		// errors go back to the caller instead of exiting the process
		ExitErrHandler: func(*cli.Context, error) {},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger.SetLevel(logging.DEBUG)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "calibrate",
				Usage:     "fit a distortion polynomial and its inverse",
				ArgsUsage: "<image> [<image>...]",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  flagForward,
						Value: "forward.json",
						Usage: "write the distorted to corrected polynomial to `FILE` (.json, .yaml, .txt)",
					},
					&cli.StringFlag{
						Name:  flagInverse,
						Value: "inverse.json",
						Usage: "write the polynomial used by correct to `FILE` (.json, .yaml, .txt)",
					},
					&cli.StringFlag{
						Name:  flagReport,
						Usage: "write the fit report to a JSON or YAML `FILE`",
					},
					&cli.StringFlag{
						Name:  flagOverlays,
						Usage: "draw the detected lines of every image into `DIR`",
					},
					&cli.StringFlag{
						Name:  flagPlot,
						Usage: "chart the error reached at every order into `FILE`",
					},
				}, configFlags...),
				Action: func(c *cli.Context) error {
					return calibrateAction(c, logger)
				},
			},
			{
				Name:      "correct",
				Usage:     "correct an image with the inverse polynomial",
				ArgsUsage: "<in> <out>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagCoefficients,
						Aliases:  []string{"inverse"},
						Required: true,
						Usage:    "read the inverse polynomial from `FILE`",
					},
					&cli.IntFlag{
						Name:  flagWorkers,
						Usage: "number of concurrent workers, one per CPU when zero",
					},
					&cli.IntFlag{
						Name:  flagSplineOrder,
						Value: transform.DefaultSplineOrder,
						Usage: "interpolation order: 0, 1, 3, 5 or 7",
					},
					&cli.IntFlag{
						Name:  flagBandRows,
						Value: transform.DefaultBandRows,
						Usage: "rows per task",
					},
				},
				Action: func(c *cli.Context) error {
					return correctAction(c, logger)
				},
			},
			{
				Name:      "rmse",
				Usage:     "measure how straight the lines of an image are",
				ArgsUsage: "<image>",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  flagOverlay,
						Usage: "draw the detected lines into `FILE`",
					},
				}, configFlags...),
				Action: func(c *cli.Context) error {
					return rmseAction(c, logger)
				},
			},
			{
				Name:  "synth",
				Usage: "render distorted stripe charts for testing",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagWidth, Value: 512, Usage: "image width"},
					&cli.IntFlag{Name: flagHeight, Value: 512, Usage: "image height"},
					&cli.IntFlag{Name: flagCount, Value: 4, Usage: "number of charts, orientations spread over half a turn"},
					&cli.Float64Flag{Name: flagAngle, Value: 5, Usage: "orientation of the first chart in degrees"},
					&cli.Float64Flag{Name: flagK1, Value: 0.02, Usage: "radial coefficient k1 of the correction"},
					&cli.Float64Flag{Name: flagK2, Usage: "radial coefficient k2 of the correction"},
					&cli.Float64Flag{Name: flagK3, Usage: "radial coefficient k3 of the correction"},
					&cli.Float64Flag{Name: flagP1, Usage: "tangential coefficient p1 of the correction"},
					&cli.Float64Flag{Name: flagP2, Usage: "tangential coefficient p2 of the correction"},
					&cli.Float64Flag{Name: flagScale, Usage: "normalization radius in pixels, half the largest side when zero"},
					&cli.StringFlag{Name: flagOutDir, Value: ".", Usage: "write the charts into `DIR`"},
				},
				Action: func(c *cli.Context) error {
					return synthAction(c, logger)
				},
			},
		},
	}
}

// loadConfig applies the config file, then the command line overrides.
func loadConfig(c *cli.Context) (calibrate.Config, error) {
	cfg := calibrate.DefaultConfig()
	if path := c.String(flagConfig); path != "" {
		var err error
		if cfg, err = calibrate.LoadConfig(path); err != nil {
			return calibrate.Config{}, err
		}
	}
	if c.IsSet(flagOrder) {
		cfg.Order = c.Int(flagOrder)
	}
	if c.IsSet(flagEliminateBorder) {
		cfg.Resample.EliminateBorder = c.Bool(flagEliminateBorder)
	}
	return cfg, cfg.Validate()
}

func calibrateAction(c *cli.Context, logger logging.Logger) error {
	if c.NArg() < 1 {
		return errors.New("calibrate needs at least one image")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if path := c.String(flagReport); path != "" {
		if _, err := reportMarshaler(path); err != nil {
			return err
		}
	}

	paths := c.Args().Slice()
	images := make([]*rimage.FloatGray, len(paths))
	for i, path := range paths {
		if images[i], err = rimage.ReadGrayFile(path); err != nil {
			return err
		}
	}

	result, err := calibrate.Calibrate(c.Context, images, cfg, calibrate.Options{
		Logger: logger,
		Progress: func(done, total int) {
			logger.Debugf("calibration progress %d/%d", done, total)
		},
	})
	if err != nil {
		return err
	}
	for _, w := range result.Fit.Warnings {
		logger.Warn(w)
	}
	fmt.Fprintf(c.App.Writer, "rmse %.4f px -> %.4f px (max %.4f px -> %.4f px), inverse rmse %.4f px\n",
		result.Fit.Initial.RMSE, result.Fit.Final.RMSE, result.Fit.Initial.Max, result.Fit.Final.Max,
		result.InverseError.RMSE)

	if err := transform.SavePolynomial(c.String(flagForward), result.Forward); err != nil {
		return err
	}
	if err := transform.SavePolynomial(c.String(flagInverse), result.Inverse); err != nil {
		return err
	}
	if path := c.String(flagReport); path != "" {
		if err := writeReport(path, result); err != nil {
			return err
		}
	}
	if path := c.String(flagPlot); path != "" {
		if err := calibrate.PlotOrders(result.Fit, path); err != nil {
			return err
		}
	}
	if dir := c.String(flagOverlays); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return errors.Wrapf(err, "cannot create overlay directory %q", dir)
		}
		for i, path := range paths {
			name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + "_lines.png"
			overlay := calibrate.DrawLines(images[i].ToGray(), result.Lines[i])
			if err := rimage.WriteImageFile(filepath.Join(dir, name), overlay); err != nil {
				return err
			}
		}
	}
	return nil
}

func correctAction(c *cli.Context, logger logging.Logger) error {
	if c.NArg() != 2 {
		return errors.New("correct needs an input and an output image")
	}
	inverse, err := transform.LoadPolynomial(c.String(flagCoefficients))
	if err != nil {
		return err
	}
	cfg := transform.DefaultCorrectorConfig()
	cfg.Workers = c.Int(flagWorkers)
	cfg.SplineOrder = c.Int(flagSplineOrder)
	cfg.BandRows = c.Int(flagBandRows)
	corrector, err := transform.NewCorrector(cfg, logger)
	if err != nil {
		return err
	}
	corrector.Progress = func(done, total int) {
		logger.Infof("corrected %d/%d bands", done, total)
	}

	img, err := rimage.ReadImageFile(c.Args().Get(0))
	if err != nil {
		return err
	}
	out := c.Args().Get(1)
	if rimage.IsGrayImage(img) {
		corrected, err := corrector.CorrectGray(c.Context, rimage.NewFloatGrayFromImage(img), inverse)
		if err != nil {
			return err
		}
		return rimage.WriteImageFile(out, corrected.ToGray())
	}
	corrected, err := corrector.CorrectRGB(c.Context, rimage.NewFloatRGBFromImage(img), inverse)
	if err != nil {
		return err
	}
	return rimage.WriteImageFile(out, corrected.ToNRGBA())
}

func rmseAction(c *cli.Context, logger logging.Logger) error {
	if c.NArg() != 1 {
		return errors.New("rmse needs one image")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	img, err := rimage.ReadGrayFile(c.Args().First())
	if err != nil {
		return err
	}
	m, err := calibrate.MeasureImage(img, cfg, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d lines, %d points, rmse %.4f px, max %.4f px\n",
		m.Lines, m.Points, m.Residual.RMSE, m.Residual.Max)
	if path := c.String(flagOverlay); path != "" {
		return rimage.WriteImageFile(path, calibrate.DrawLines(img.ToGray(), m.Detected))
	}
	return nil
}

func synthAction(c *cli.Context, logger logging.Logger) error {
	width, height := c.Int(flagWidth), c.Int(flagHeight)
	if width < 8 || height < 8 || c.Int(flagCount) < 1 {
		return errors.New("synth needs images of at least 8x8 and at least one chart")
	}
	scale := c.Float64(flagScale)
	if scale == 0 {
		scale = float64(max(width, height)) / 2
	}
	lens, err := transform.NewBrownConrady([]float64{
		c.Float64(flagK1), c.Float64(flagK2), c.Float64(flagK3),
		c.Float64(flagP1), c.Float64(flagP2), scale,
	})
	if err != nil {
		return err
	}
	if err := lens.CheckValid(); err != nil {
		return err
	}
	dir := c.String(flagOutDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errors.Wrapf(err, "cannot create output directory %q", dir)
	}
	for i, chart := range calibrate.StripeCharts(width, height, c.Int(flagCount), c.Float64(flagAngle)) {
		path := filepath.Join(dir, fmt.Sprintf("chart_%02d.png", i))
		if err := rimage.WriteImageFile(path, chart.Render(lens).ToGray()); err != nil {
			return err
		}
		logger.Infof("wrote %s, stripes at %.1f degrees", path, chart.Angle)
	}
	return nil
}

func reportMarshaler(path string) (func(any) ([]byte, error), error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return func(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") }, nil
	case ".yaml", ".yml":
		return yaml.Marshal, nil
	default:
		return nil, errors.Errorf("unknown report file extension %q", ext)
	}
}

func writeReport(path string, result *calibrate.Result) error {
	marshal, err := reportMarshaler(path)
	if err != nil {
		return err
	}
	data, err := marshal(result)
	if err != nil {
		return errors.Wrap(err, "error encoding report")
	}
	//nolint:gosec
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "error writing report %q", path)
}
