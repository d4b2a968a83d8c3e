package calibrate

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/eglrp/Calib3DTools/logging"
	"github.com/eglrp/Calib3DTools/rimage"
	"github.com/eglrp/Calib3DTools/rimage/edge"
	"github.com/eglrp/Calib3DTools/rimage/transform"
	"github.com/eglrp/Calib3DTools/utils"
)

// Options are the observers of a calibration run.
type Options struct {
	// Progress is called after every image and after the fit and inversion steps.
	Progress utils.ProgressFunc
	Logger   logging.Logger
	Clock    clock.Clock
}

// Result is the outcome of Calibrate.
type Result struct {
	// Lines holds, per image, the point sequences used for fitting.
	Lines [][][]r2.Point `json:"lines" yaml:"lines"`
	// Forward maps distorted to corrected coordinates, Inverse the other way around. Both work on
	// coordinates centered on transform.PrincipalPoint(Width, Height). Correcting an image
	// samples the input at Inverse(p) for every output pixel p.
	Forward *transform.Polynomial `json:"forward" yaml:"forward"`
	Inverse *transform.Polynomial `json:"inverse" yaml:"inverse"`
	Fit     *FitResult            `json:"fit" yaml:"fit"`
	// InverseError is how far Inverse(Forward(p)) lands from p over the image, in pixels.
	InverseError Residual `json:"inverse_error" yaml:"inverse_error"`
	Width        int      `json:"width" yaml:"width"`
	Height       int      `json:"height" yaml:"height"`

	lineSet *LineSet
}

// LineSet returns the lines the fit was computed on.
func (r *Result) LineSet() *LineSet {
	return r.lineSet
}

func validateImages(images []*rimage.FloatGray) (int, int, error) {
	if len(images) == 0 {
		return 0, 0, newValidationError("images", "no image given")
	}
	for i, img := range images {
		if img == nil {
			return 0, 0, newValidationError("images", "image %d is nil", i)
		}
	}
	width, height := images[0].Width(), images[0].Height()
	for i, img := range images[1:] {
		if img.Width() != width || img.Height() != height {
			return 0, 0, newValidationError("images", "image %d is %dx%d, expected %dx%d",
				i+1, img.Width(), img.Height(), width, height)
		}
	}
	if width < 2 || height < 2 {
		return 0, 0, newValidationError("images", "images are %dx%d", width, height)
	}
	return width, height, nil
}

// Calibrate detects straight features in every image, fits the polynomial that makes them
// straight and the inverse used for correction. Failures are *StageError values naming the
// stage that failed.
func Calibrate(ctx context.Context, images []*rimage.FloatGray, cfg Config, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	start := clk.Now()
	report := func(done, total int) {
		if opts.Progress != nil {
			opts.Progress(done, total)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, &StageError{Stage: StageValidate, Err: err}
	}
	width, height, err := validateImages(images)
	if err != nil {
		return nil, &StageError{Stage: StageValidate, Err: err}
	}
	total := len(images) + 2

	builder := NewLineBuilder(width, height, cfg, logger)
	logger.Debugf("length threshold %.1f points", builder.Threshold())
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, &StageError{Stage: StageExtract, Err: errors.Wrap(err, "calibration interrupted")}
		}
		extraction, err := edge.Extract(img, cfg.Extract)
		if err != nil {
			return nil, &StageError{Stage: StageExtract, Err: errors.Wrapf(err, "image %d", i)}
		}
		builder.BeginImage()
		kept := builder.PushGroup(extraction.Curves)
		logger.Infow("lines detected",
			"image", i,
			"curves", len(extraction.Curves),
			"short", extraction.Discarded,
			"kept", kept,
			"eliminated", len(extraction.Curves)-kept)
		report(i+1, total)
	}
	lines, err := builder.Build()
	if err != nil {
		return nil, &StageError{Stage: StageAggregate, Err: err}
	}

	fitter := &Fitter{Config: cfg, Logger: logger.Sublogger("fit")}
	fit, err := fitter.Fit(ctx, lines)
	if err != nil {
		return nil, &StageError{Stage: StageFit, Err: err}
	}
	report(len(images)+1, total)

	pp := transform.PrincipalPoint(width, height)
	degree := cfg.inverseDegree()
	inverse, err := transform.Invert(fit.Forward, degree, degree, width, height, pp, cfg.Invert)
	if err != nil {
		return nil, &StageError{Stage: StageInvert, Err: err}
	}
	var invErr Residual
	invErr.RMSE, invErr.Max = transform.InversionError(fit.Forward, inverse, width, height, pp, cfg.Invert.GridStep)
	logger.Infof("inverse of degree %d: rmse %.4f px, max %.4f px", degree, invErr.RMSE, invErr.Max)
	report(total, total)

	logger.Infof("calibration done in %.3f s", clk.Since(start).Seconds())
	return &Result{
		Lines:        lines.Detected(),
		Forward:      fit.Forward,
		Inverse:      inverse,
		Fit:          fit,
		InverseError: invErr,
		Width:        width,
		Height:       height,
		lineSet:      lines,
	}, nil
}

// Measurement is the straightness of the lines found in one image.
type Measurement struct {
	Lines    int      `json:"lines" yaml:"lines"`
	Points   int      `json:"points" yaml:"points"`
	Residual Residual `json:"residual" yaml:"residual"`
	// Detected holds the point sequences of the lines.
	Detected [][]r2.Point `json:"-" yaml:"-"`
}

// MeasureImage detects lines in img the way Calibrate does and reports how far they are from
// straight, without any correction applied.
func MeasureImage(img *rimage.FloatGray, cfg Config, logger logging.Logger) (*Measurement, error) {
	if logger == nil {
		logger = logging.Global()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	width, height, err := validateImages([]*rimage.FloatGray{img})
	if err != nil {
		return nil, err
	}
	extraction, err := edge.Extract(img, cfg.Extract)
	if err != nil {
		return nil, err
	}
	builder := NewLineBuilder(width, height, cfg, logger)
	builder.PushGroup(extraction.Curves)
	lines, err := builder.Build()
	if err != nil {
		return nil, err
	}
	m := &Measurement{
		Lines:    len(lines.Lines),
		Points:   lines.NumPoints(),
		Residual: lines.RMSE(nil),
		Detected: lines.Detected()[0],
	}
	logger.Infof("%d lines, %d points, rmse %.4f px, max %.4f px", m.Lines, m.Points, m.Residual.RMSE, m.Residual.Max)
	return m, nil
}
