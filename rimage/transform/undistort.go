package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/eglrp/Calib3DTools/logging"
	"github.com/eglrp/Calib3DTools/rimage"
	"github.com/eglrp/Calib3DTools/utils"
)

const (
	// DefaultSplineOrder is the interpolation order used for correction.
	DefaultSplineOrder = 5
	// DefaultBandRows is the number of rows handled by one task.
	DefaultBandRows = 100
	// DefaultPollInterval is how often progress is reported.
	DefaultPollInterval = 100 * time.Millisecond
)

// CorrectorConfig is the serializable part of a Corrector.
type CorrectorConfig struct {
	SplineOrder  int           `json:"spline_order" yaml:"spline_order"`
	BandRows     int           `json:"band_rows" yaml:"band_rows"`
	Workers      int           `json:"workers" yaml:"workers"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// DefaultCorrectorConfig returns the correction defaults. Zero workers means one per CPU.
func DefaultCorrectorConfig() CorrectorConfig {
	return CorrectorConfig{
		SplineOrder:  DefaultSplineOrder,
		BandRows:     DefaultBandRows,
		PollInterval: DefaultPollInterval,
	}
}

// Validate checks the configuration.
func (cfg CorrectorConfig) Validate() error {
	switch cfg.SplineOrder {
	case 0, 1, 3, 5, 7:
	default:
		return errors.Wrapf(rimage.ErrSplineOrder, "got %d", cfg.SplineOrder)
	}
	if cfg.BandRows < 0 || cfg.Workers < 0 || cfg.PollInterval < 0 {
		return errors.New("band rows, workers and poll interval must be non negative")
	}
	return nil
}

// Corrector resamples images through a Mapper on a pool of workers, one task per band of rows.
type Corrector struct {
	SplineOrder  int
	BandRows     int
	Pool         *utils.WorkerPool
	Progress     utils.ProgressFunc
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       logging.Logger
}

// NewCorrector builds a Corrector from its configuration.
func NewCorrector(cfg CorrectorConfig, logger logging.Logger) (*Corrector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Corrector{
		SplineOrder:  cfg.SplineOrder,
		BandRows:     cfg.BandRows,
		Pool:         utils.NewWorkerPool(cfg.Workers),
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	}, nil
}

// BandError is the failure of one band of rows.
type BandError struct {
	Band     int
	From, To int
	Err      error
}

func (e *BandError) Error() string {
	return fmt.Sprintf("band %d (rows %d to %d) failed: %v", e.Band, e.From, e.To-1, e.Err)
}

// Unwrap returns the cause.
func (e *BandError) Unwrap() error {
	return e.Err
}

// IsCanceled reports whether a correction stopped because its context was done.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// CorrectGray returns the image whose pixel u holds the input sampled at m(u - pp) + pp.
// Samples falling outside the input are 0 and values are clamped to [0, 255].
func (c *Corrector) CorrectGray(ctx context.Context, in *rimage.FloatGray, m Mapper) (*rimage.FloatGray, error) {
	if in == nil {
		return nil, errors.New("no input image")
	}
	out, err := c.correct(ctx, []*rimage.FloatGray{in}, m)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// CorrectRGB is CorrectGray on each channel independently.
func (c *Corrector) CorrectRGB(ctx context.Context, in *rimage.FloatRGB, m Mapper) (*rimage.FloatRGB, error) {
	if in == nil {
		return nil, errors.New("no input image")
	}
	out, err := c.correct(ctx, in.Planes[:], m)
	if err != nil {
		return nil, err
	}
	return &rimage.FloatRGB{Planes: [3]*rimage.FloatGray{out[0], out[1], out[2]}}, nil
}

func (c *Corrector) logger() logging.Logger {
	if c.Logger == nil {
		return logging.Global()
	}
	return c.Logger
}

func (c *Corrector) clock() clock.Clock {
	if c.Clock == nil {
		return clock.New()
	}
	return c.Clock
}

func (c *Corrector) correct(ctx context.Context, planes []*rimage.FloatGray, m Mapper) ([]*rimage.FloatGray, error) {
	if m == nil {
		return nil, errors.New("no mapping to correct with")
	}
	width, height := planes[0].Width(), planes[0].Height()
	for _, plane := range planes[1:] {
		if plane.Width() != width || plane.Height() != height {
			return nil, errors.New("image planes differ in size")
		}
	}
	order := c.SplineOrder
	splines := make([]*rimage.Spline, len(planes))
	outs := make([]*rimage.FloatGray, len(planes))
	for i, plane := range planes {
		spline, err := rimage.NewSpline(plane, order)
		if err != nil {
			return nil, err
		}
		splines[i] = spline
		outs[i] = rimage.NewFloatGray(width, height)
	}

	bandRows := c.BandRows
	if bandRows <= 0 {
		bandRows = DefaultBandRows
	}
	bands := utils.Bands(height, bandRows)
	pp := PrincipalPoint(width, height)
	var bandsDone atomic.Int64

	tasks := make([]utils.Task, len(bands))
	for b, band := range bands {
		band := band
		tasks[b] = func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for y := band.From; y < band.To; y++ {
				rows := make([][]float64, len(outs))
				for i, out := range outs {
					rows[i] = out.Row(y)
				}
				uy := float64(y) - pp.Y
				for x := 0; x < width; x++ {
					sx, sy := m.Transform(float64(x)-pp.X, uy)
					sx += pp.X
					sy += pp.Y
					for i, spline := range splines {
						v, ok := spline.At(sx, sy)
						if !ok {
							v = 0
						}
						rows[i][x] = utils.Clamp(v, 0, 255)
					}
				}
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			bandsDone.Inc()
			return nil
		}
	}

	clk := c.clock()
	start := clk.Now()
	c.logger().Debugf("%d tasks launched on %d workers", len(tasks), c.Pool.Size())

	var outcomes []error
	done := make(chan struct{})
	goutils.PanicCapturingGo(func() {
		defer close(done)
		outcomes = c.Pool.Run(ctx, tasks)
	})
	c.waitReportingProgress(done, &bandsDone, len(bands), clk)

	var failures error
	canceled := false
	for b, err := range outcomes {
		switch {
		case err == nil:
		case IsCanceled(err):
			canceled = true
		default:
			failures = multierr.Append(failures, &BandError{Band: b, From: bands[b].From, To: bands[b].To, Err: err})
		}
	}
	if canceled {
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		return nil, errors.Wrapf(cause, "correction canceled after %d of %d bands", bandsDone.Load(), len(bands))
	}
	if failures != nil {
		return nil, failures
	}
	c.logger().Debugf("done, %.3f s", clk.Since(start).Seconds())
	return outs, nil
}

// waitReportingProgress blocks until done is closed, reporting the finished band count every
// PollInterval and once at the end.
func (c *Corrector) waitReportingProgress(done <-chan struct{}, bandsDone *atomic.Int64, total int, clk clock.Clock) {
	report := func() {
		if c.Progress != nil {
			c.Progress(int(bandsDone.Load()), total)
		}
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			report()
			return
		case <-ticker.C:
			report()
		}
	}
}
