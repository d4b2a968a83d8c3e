package transform

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"github.com/eglrp/Calib3DTools/logging"
	"github.com/eglrp/Calib3DTools/rimage"
	"github.com/eglrp/Calib3DTools/utils"
)

type mapperFunc func(x, y float64) (float64, float64)

func (f mapperFunc) Transform(x, y float64) (float64, float64) {
	return f(x, y)
}

func testPattern(width, height int) *rimage.FloatGray {
	img := rimage.NewFloatGray(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, 127.3+100*math.Sin(float64(x)/3)*math.Cos(float64(y)/5))
		}
	}
	return img
}

func newTestCorrector(t *testing.T, workers, bandRows int) *Corrector {
	t.Helper()
	cfg := DefaultCorrectorConfig()
	cfg.Workers = workers
	cfg.BandRows = bandRows
	c, err := NewCorrector(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return c
}

func TestCorrectIdentity(t *testing.T) {
	in := testPattern(64, 48)
	identity, err := IdentityPolynomial(3)
	test.That(t, err, test.ShouldBeNil)

	out, err := newTestCorrector(t, 4, 10).CorrectGray(context.Background(), in, identity)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Width(), test.ShouldEqual, 64)
	test.That(t, out.Height(), test.ShouldEqual, 48)
	for i, v := range out.Data() {
		test.That(t, v, test.ShouldAlmostEqual, in.Data()[i], 1e-6)
	}
	test.That(t, out.ToGray().Pix, test.ShouldResemble, in.ToGray().Pix)
}

func TestCorrectPoolSizes(t *testing.T) {
	in := testPattern(80, 70)
	bc := &BrownConrady{RadialK1: 0.05, Scale: 40}
	var reference *rimage.FloatGray
	for _, workers := range []int{1, 2, 8} {
		out, err := newTestCorrector(t, workers, 9).CorrectGray(context.Background(), in, bc)
		test.That(t, err, test.ShouldBeNil)
		if reference == nil {
			reference = out
			continue
		}
		test.That(t, out.Data(), test.ShouldResemble, reference.Data())
	}
	for _, v := range reference.Data() {
		test.That(t, v, test.ShouldBeBetweenOrEqual, 0.0, 255.0)
	}
}

func TestCorrectOutside(t *testing.T) {
	in := testPattern(20, 20)
	shift := mapperFunc(func(x, y float64) (float64, float64) { return x + 1000, y })
	out, err := newTestCorrector(t, 2, 5).CorrectGray(context.Background(), in, shift)
	test.That(t, err, test.ShouldBeNil)
	for _, v := range out.Data() {
		test.That(t, v, test.ShouldEqual, 0.0)
	}
}

func TestCorrectBandFailure(t *testing.T) {
	in := testPattern(30, 40)
	failLowerHalf := mapperFunc(func(x, y float64) (float64, float64) {
		if y > 5 {
			panic("mapping failed")
		}
		return x, y
	})
	out, err := newTestCorrector(t, 3, 10).CorrectGray(context.Background(), in, failLowerHalf)
	test.That(t, out, test.ShouldBeNil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, IsCanceled(err), test.ShouldBeFalse)
	var bandErr *BandError
	test.That(t, errors.As(err, &bandErr), test.ShouldBeTrue)
	test.That(t, bandErr.Band, test.ShouldBeGreaterThanOrEqualTo, 2)
	var panicErr *utils.PanicError
	test.That(t, errors.As(err, &panicErr), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "mapping failed")
}

func TestCorrectCancel(t *testing.T) {
	in := testPattern(32, 32)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int64
	cancelAfterTwoBands := mapperFunc(func(x, y float64) (float64, float64) {
		if calls.Inc() == 2*4*32 {
			cancel()
		}
		return x, y
	})
	progress := make([][2]int, 0)
	var mu sync.Mutex
	c := newTestCorrector(t, 1, 4)
	c.Progress = func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, [2]int{done, total})
	}

	start := time.Now()
	out, err := c.CorrectGray(ctx, in, cancelAfterTwoBands)
	test.That(t, time.Since(start), test.ShouldBeLessThan, 5*time.Second)
	test.That(t, out, test.ShouldBeNil)
	test.That(t, IsCanceled(err), test.ShouldBeTrue)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	var bandErr *BandError
	test.That(t, errors.As(err, &bandErr), test.ShouldBeFalse)

	mu.Lock()
	defer mu.Unlock()
	last := progress[len(progress)-1]
	test.That(t, last[1], test.ShouldEqual, 8)
	test.That(t, last[0], test.ShouldBeLessThan, 8)
	// the band running when the context was canceled stops after its current row
	test.That(t, calls.Load(), test.ShouldBeLessThanOrEqualTo, int64(3*4*32))
}

func TestCorrectProgress(t *testing.T) {
	in := testPattern(16, 55)
	c := newTestCorrector(t, 2, 10)
	c.Clock = clock.NewMock()
	var reports [][2]int
	c.Progress = func(done, total int) {
		reports = append(reports, [2]int{done, total})
	}
	identity, err := IdentityPolynomial(3)
	test.That(t, err, test.ShouldBeNil)
	_, err = c.CorrectGray(context.Background(), in, identity)
	test.That(t, err, test.ShouldBeNil)
	// the mock clock never ticks, so only the final report is made; the last 5 rows get a band
	// of their own
	test.That(t, reports, test.ShouldResemble, [][2]int{{6, 6}})
}

func TestCorrectRGB(t *testing.T) {
	gray := testPattern(40, 30)
	rgb := &rimage.FloatRGB{Planes: [3]*rimage.FloatGray{gray, rimage.NewFloatGray(40, 30), gray.Clone()}}
	for i := range rgb.Planes[1].Data() {
		rgb.Planes[1].Data()[i] = 255 - gray.Data()[i]
	}
	bc := &BrownConrady{RadialK1: -0.03, Scale: 20}
	c := newTestCorrector(t, 3, 8)

	out, err := c.CorrectRGB(context.Background(), rgb, bc)
	test.That(t, err, test.ShouldBeNil)
	for i, plane := range rgb.Planes {
		want, err := c.CorrectGray(context.Background(), plane, bc)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.Planes[i].Data(), test.ShouldResemble, want.Data())
	}
}

func TestCorrectorConfig(t *testing.T) {
	test.That(t, DefaultCorrectorConfig().Validate(), test.ShouldBeNil)
	cfg := DefaultCorrectorConfig()
	cfg.SplineOrder = 4
	_, err := NewCorrector(cfg, logging.NewTestLogger(t))
	test.That(t, errors.Is(err, rimage.ErrSplineOrder), test.ShouldBeTrue)
	cfg = DefaultCorrectorConfig()
	cfg.BandRows = -1
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	c := newTestCorrector(t, 1, 10)
	_, err = c.CorrectGray(context.Background(), nil, mapperFunc(func(x, y float64) (float64, float64) { return x, y }))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = c.CorrectGray(context.Background(), testPattern(4, 4), nil)
	test.That(t, err, test.ShouldNotBeNil)
}
